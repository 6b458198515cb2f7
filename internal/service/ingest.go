package service

import (
	"context"
	"fmt"
	"log/slog"

	"forgeflow.dev/sessiond/internal/dedup"
	"forgeflow.dev/sessiond/internal/metrics"
	"forgeflow.dev/sessiond/internal/model"
	"forgeflow.dev/sessiond/internal/queue"
)

type IngestResult struct {
	Duplicate bool
	Enqueued  bool
}

// IngestService sits between the webhook handler and the event stream:
// dedup check first, then enqueue. Ingress-layer outcomes (duplicate) are
// resolved here and never reach the scheduler core.
type IngestService interface {
	Ingest(ctx context.Context, event model.Event, traceID string) (*IngestResult, error)
}

type ingestService struct {
	deduper  dedup.Deduper
	producer queue.Producer
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewIngestService(deduper dedup.Deduper, producer queue.Producer, m *metrics.Metrics, logger *slog.Logger) IngestService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ingestService{
		deduper:  deduper,
		producer: producer,
		metrics:  m,
		logger:   logger,
	}
}

func (s *ingestService) Ingest(ctx context.Context, event model.Event, traceID string) (*IngestResult, error) {
	first, err := s.deduper.FirstSight(ctx, event.DeliveryID)
	if err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	}
	if !first {
		if s.metrics != nil {
			s.metrics.EventsDeduped.Inc()
		}
		s.logger.InfoContext(ctx, "duplicate delivery dropped",
			"delivery_id", event.DeliveryID,
			"session_key", event.Key.String())
		return &IngestResult{Duplicate: true}, nil
	}

	if err := s.producer.Enqueue(ctx, event, traceID); err != nil {
		return nil, fmt.Errorf("enqueueing event: %w", err)
	}

	if s.metrics != nil {
		s.metrics.EventsReceived.WithLabelValues(string(event.Kind)).Inc()
	}
	return &IngestResult{Enqueued: true}, nil
}
