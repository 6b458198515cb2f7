package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically attached to every log
// record emitted within a context. Business context (session key, ticket id,
// delivery id) flows through context enrichment instead of being repeated at
// each call site.
type LogFields struct {
	TicketID   *int64  // scheduler ticket id
	Repo       *string // repository key (owner/name)
	Issue      *string // issue key within the repo
	DeliveryID *string // inbound webhook delivery id
	EventKind  *string // normalized event kind
	Component  string  // component name, e.g. "sessiond.sched.admission"
}

// WithLogFields enriches ctx with structured log fields. Multiple calls
// merge, with newer non-nil/non-empty values taking precedence.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := mergeFields(GetLogFields(ctx), fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from ctx, or an empty LogFields.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, update LogFields) LogFields {
	result := existing
	if update.TicketID != nil {
		result.TicketID = update.TicketID
	}
	if update.Repo != nil {
		result.Repo = update.Repo
	}
	if update.Issue != nil {
		result.Issue = update.Issue
	}
	if update.DeliveryID != nil {
		result.DeliveryID = update.DeliveryID
	}
	if update.EventKind != nil {
		result.EventKind = update.EventKind
	}
	if update.Component != "" {
		result.Component = update.Component
	}
	return result
}

// Str and I64 are small helpers for building LogFields literals.
func Str(s string) *string { return &s }

func I64(i int64) *int64 { return &i }
