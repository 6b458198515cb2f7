package store

import (
	"context"
	"sync"
)

// MemoryWAL is an in-process WAL for development mode and tests. It honors
// the same append-only discipline as the Postgres implementation but does
// not survive a process restart.
type MemoryWAL struct {
	mu      sync.Mutex
	records []Record
	nextSeq int64

	// FailAppends makes every Append return ErrStoreWrite; tests use it to
	// verify that refused mutations leave in-memory state untouched.
	FailAppends bool
}

func NewMemoryWAL() *MemoryWAL {
	return &MemoryWAL{nextSeq: 1}
}

func (w *MemoryWAL) Append(_ context.Context, rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.FailAppends {
		return ErrStoreWrite
	}

	rec.Seq = w.nextSeq
	w.nextSeq++
	if rec.Ticket != nil {
		rec.Ticket = rec.Ticket.Clone()
	}
	w.records = append(w.records, rec)
	return nil
}

func (w *MemoryWAL) Replay(_ context.Context, fn func(Record) error) error {
	w.mu.Lock()
	records := make([]Record, len(w.records))
	copy(records, w.records)
	w.mu.Unlock()

	for _, rec := range records {
		if rec.Ticket != nil {
			rec.Ticket = rec.Ticket.Clone()
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (w *MemoryWAL) Export(_ context.Context) ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Record, len(w.records))
	copy(out, w.records)
	for i := range out {
		if out[i].Ticket != nil {
			out[i].Ticket = out[i].Ticket.Clone()
		}
	}
	return out, nil
}

func (w *MemoryWAL) Import(_ context.Context, recs []Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.records) > 0 {
		return ErrNotEmpty
	}
	for _, rec := range recs {
		rec.Seq = w.nextSeq
		w.nextSeq++
		if rec.Ticket != nil {
			rec.Ticket = rec.Ticket.Clone()
		}
		w.records = append(w.records, rec)
	}
	return nil
}
