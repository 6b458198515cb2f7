package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrUnauthorized covers every signature failure mode: missing secret,
// missing header, malformed signature, mismatch. Validation fails closed.
var ErrUnauthorized = errors.New("unauthorized")

// SignatureValidator verifies the HMAC-SHA256 signature of an inbound
// delivery against the shared webhook secret.
type SignatureValidator struct {
	secret []byte
}

func NewSignatureValidator(secret string) *SignatureValidator {
	return &SignatureValidator{secret: []byte(secret)}
}

// Verify recomputes the HMAC over the raw payload bytes and compares it to
// the supplied signature in constant time.
func (v *SignatureValidator) Verify(payload []byte, signatureHeader string) error {
	if len(v.secret) == 0 || signatureHeader == "" {
		return ErrUnauthorized
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, "sha256="))
	if err != nil {
		return ErrUnauthorized
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrUnauthorized
	}
	return nil
}
