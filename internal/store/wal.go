package store

import (
	"context"
	"errors"
	"time"

	"forgeflow.dev/sessiond/internal/model"
)

// ErrStoreWrite marks a failed append. The caller must refuse the in-memory
// mutation: applied-but-unlogged state would diverge from the durable log.
var ErrStoreWrite = errors.New("durable store write failed")

// ErrNotEmpty is returned by Import when the log already has records.
var ErrNotEmpty = errors.New("durable store is not empty")

type RecordKind string

const (
	RecordTicketCreated RecordKind = "ticket_created"
	RecordTicketUpdated RecordKind = "ticket_updated"
	RecordStateChanged  RecordKind = "state_changed"
)

// Record is one entry in the write-ahead log. Ticket snapshots ride on
// created/updated records; state changes carry the delta only.
type Record struct {
	Seq        int64             `json:"seq,omitempty"`
	Kind       RecordKind        `json:"kind"`
	At         time.Time         `json:"at"`
	Ticket     *model.Ticket     `json:"ticket,omitempty"`
	TicketID   int64             `json:"ticket_id,omitempty"`
	From       model.TicketState `json:"from,omitempty"`
	To         model.TicketState `json:"to,omitempty"`
	Attempt    int               `json:"attempt,omitempty"`
	ExecHandle string            `json:"exec_handle,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

// WAL is the durable, append-only log backing the scheduler. Every queue and
// ticket mutation is appended before it is applied in memory; replaying the
// log reconstructs the state exactly as of the last durable write.
type WAL interface {
	Append(ctx context.Context, rec Record) error
	Replay(ctx context.Context, fn func(Record) error) error
	Export(ctx context.Context) ([]Record, error)
	Import(ctx context.Context, recs []Record) error
}
