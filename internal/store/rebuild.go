package store

import (
	"context"
	"fmt"

	"forgeflow.dev/sessiond/internal/model"
)

// RebuildState replays the log into an in-memory ticket table. The scheduler
// uses it at startup; tests use it to assert replay equivalence.
func RebuildState(ctx context.Context, wal WAL) (map[int64]*model.Ticket, error) {
	tickets := make(map[int64]*model.Ticket)

	err := wal.Replay(ctx, func(rec Record) error {
		switch rec.Kind {
		case RecordTicketCreated, RecordTicketUpdated:
			if rec.Ticket == nil {
				return fmt.Errorf("record %d (%s) has no ticket snapshot", rec.Seq, rec.Kind)
			}
			tickets[rec.Ticket.ID] = rec.Ticket.Clone()
		case RecordStateChanged:
			t, ok := tickets[rec.TicketID]
			if !ok {
				return fmt.Errorf("record %d references unknown ticket %d", rec.Seq, rec.TicketID)
			}
			t.State = rec.To
			t.StateChangedAt = rec.At
			t.Attempt = rec.Attempt
			if rec.ExecHandle != "" {
				t.ExecHandle = rec.ExecHandle
			}
			if rec.Reason != "" {
				t.LastError = rec.Reason
			}
			// A retry re-enqueue starts a fresh wait.
			if rec.To == model.StateQueued {
				t.WaitedSince = rec.At
				t.EnqueuedAt = rec.At
				t.ExecHandle = ""
			}
		default:
			return fmt.Errorf("record %d has unknown kind %q", rec.Seq, rec.Kind)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replaying durable log: %w", err)
	}

	return tickets, nil
}
