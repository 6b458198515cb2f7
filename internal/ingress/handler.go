package ingress

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"forgeflow.dev/sessiond/internal/metrics"
	"forgeflow.dev/sessiond/internal/service"
)

const (
	HeaderSignature = "X-Forge-Signature-256"
	HeaderEvent     = "X-Forge-Event"
	HeaderDelivery  = "X-Forge-Delivery"
)

type WebhookHandler struct {
	validator  *SignatureValidator
	normalizer *Normalizer
	ingest     service.IngestService
	metrics    *metrics.Metrics
}

func NewWebhookHandler(validator *SignatureValidator, normalizer *Normalizer, ingest service.IngestService, m *metrics.Metrics) *WebhookHandler {
	return &WebhookHandler{
		validator:  validator,
		normalizer: normalizer,
		ingest:     ingest,
		metrics:    m,
	}
}

// HandleEvent is the inbound event ingress: 401 on validation failure, 422 on
// malformed payload, 200 on accepted-or-deduplicated.
func (h *WebhookHandler) HandleEvent(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	if err := h.validator.Verify(body, c.GetHeader(HeaderSignature)); err != nil {
		h.reject("unauthorized")
		slog.WarnContext(ctx, "webhook signature rejected",
			"delivery_id", c.GetHeader(HeaderDelivery))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing signature"})
		return
	}

	deliveryID := c.GetHeader(HeaderDelivery)
	if deliveryID == "" {
		h.reject("malformed")
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "missing delivery id"})
		return
	}

	event, err := h.normalizer.Normalize(body, c.GetHeader(HeaderEvent), deliveryID)
	if err != nil {
		if errors.Is(err, ErrUnsupportedEvent) {
			slog.InfoContext(ctx, "unsupported event ignored",
				"event_header", c.GetHeader(HeaderEvent),
				"delivery_id", deliveryID)
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		h.reject("malformed")
		slog.WarnContext(ctx, "malformed webhook payload dropped",
			"error", err,
			"delivery_id", deliveryID)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "malformed payload"})
		return
	}

	traceID := ""
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		traceID = spanCtx.TraceID().String()
	}

	result, err := h.ingest.Ingest(ctx, event, traceID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to ingest event",
			"error", err,
			"delivery_id", deliveryID,
			"session_key", event.Key.String())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process event"})
		return
	}

	if result.Duplicate {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	slog.InfoContext(ctx, "webhook accepted",
		"delivery_id", deliveryID,
		"session_key", event.Key.String(),
		"kind", event.Kind,
		"priority_hint", event.PriorityHint,
		"human", event.IsHumanOriginated)

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (h *WebhookHandler) reject(reason string) {
	if h.metrics != nil {
		h.metrics.EventsRejected.WithLabelValues(reason).Inc()
	}
}
