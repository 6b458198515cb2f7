// Package notify is the outbound edge to the hosted platform's comment and
// label API. The scheduler consumes it on specific transitions; notifier
// failures are logged and never fail a transition.
package notify

import (
	"context"

	"forgeflow.dev/sessiond/internal/model"
)

type Notifier interface {
	PostComment(ctx context.Context, key model.SessionKey, body string) error
	AddLabel(ctx context.Context, key model.SessionKey, label string) error
	RemoveLabel(ctx context.Context, key model.SessionKey, label string) error
}

// Noop is used when no platform credentials are configured.
type Noop struct{}

func (Noop) PostComment(context.Context, model.SessionKey, string) error { return nil }

func (Noop) AddLabel(context.Context, model.SessionKey, string) error { return nil }

func (Noop) RemoveLabel(context.Context, model.SessionKey, string) error { return nil }
