package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"forgeflow.dev/sessiond/internal/model"
)

type Producer interface {
	Enqueue(ctx context.Context, event model.Event, traceID string) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		logger: logger,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, event model.Event, traceID string) error {
	values, err := messageValues(Message{Event: event, TraceID: traceID}, 1)
	if err != nil {
		return err
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued event",
		"delivery_id", event.DeliveryID,
		"session_key", event.Key.String(),
		"kind", event.Kind)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
