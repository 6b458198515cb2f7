package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"forgeflow.dev/sessiond/internal/model"
)

// Message is one normalized event in flight between ingress and the
// scheduler. Delivery is at-least-once; the deduplicator upstream and
// idempotent settling downstream make redelivery safe.
type Message struct {
	ID      string
	Event   model.Event
	Attempt int
	TraceID string
	Raw     redis.XMessage
}

// MessageProcessor processes one queue message.
type MessageProcessor func(ctx context.Context, msg Message) error

func messageValues(msg Message, attempt int) (map[string]any, error) {
	payload, err := json.Marshal(msg.Event)
	if err != nil {
		return nil, fmt.Errorf("marshaling event: %w", err)
	}

	values := map[string]any{
		"event":       string(payload),
		"delivery_id": msg.Event.DeliveryID,
		"kind":        string(msg.Event.Kind),
		"attempt":     attempt,
	}
	if msg.TraceID != "" {
		values["trace_id"] = msg.TraceID
	}
	return values, nil
}

// ParseMessage decodes a redis stream entry back into a Message.
func ParseMessage(msg redis.XMessage) (Message, error) {
	payload, err := requireString(msg.Values, "event")
	if err != nil {
		return Message{}, err
	}

	var event model.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Message{}, fmt.Errorf("unmarshaling event: %w", err)
	}
	if event.DeliveryID == "" || event.Key.IsZero() {
		return Message{}, fmt.Errorf("event missing delivery id or session key")
	}

	attempt, err := parseOptionalInt(msg.Values, "attempt")
	if err != nil {
		return Message{}, err
	}
	if attempt == 0 {
		attempt = 1
	}

	traceID, err := parseOptionalString(msg.Values, "trace_id")
	if err != nil {
		return Message{}, err
	}

	return Message{
		ID:      msg.ID,
		Event:   event,
		Attempt: attempt,
		TraceID: traceID,
		Raw:     msg,
	}, nil
}

func requireString(values map[string]any, key string) (string, error) {
	s, err := parseOptionalString(values, key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("missing %s", key)
	}
	return s, nil
}

func parseOptionalString(values map[string]any, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s is not a string", key)
	}
	return s, nil
}

func parseOptionalInt(values map[string]any, key string) (int, error) {
	s, err := parseOptionalString(values, key)
	if err != nil || s == "" {
		return 0, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("field %s is not an integer: %w", key, err)
	}
	return i, nil
}
