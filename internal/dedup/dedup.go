package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper rejects deliveries already seen within the retention window.
// Upstream platforms retry webhook deliveries only briefly, so retention is
// bounded (minutes).
type Deduper interface {
	// FirstSight records deliveryID on first sight and returns true. It
	// returns false when the id is already present and unexpired, in which
	// case the delivery must be dropped as a duplicate.
	FirstSight(ctx context.Context, deliveryID string) (bool, error)
}

const keyPrefix = "sessiond:delivery:"

type redisDeduper struct {
	client    *redis.Client
	retention time.Duration
	logger    *slog.Logger
}

// NewRedisDeduper builds a Deduper on redis SET NX with TTL expiry; expired
// records are reaped by redis itself.
func NewRedisDeduper(client *redis.Client, retention time.Duration, logger *slog.Logger) Deduper {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisDeduper{
		client:    client,
		retention: retention,
		logger:    logger,
	}
}

func (d *redisDeduper) FirstSight(ctx context.Context, deliveryID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, keyPrefix+deliveryID, 1, d.retention).Result()
	if err != nil {
		return false, fmt.Errorf("recording delivery id: %w", err)
	}
	if !ok {
		d.logger.DebugContext(ctx, "duplicate delivery dropped", "delivery_id", deliveryID)
	}
	return ok, nil
}
