package sched

import (
	"sort"
	"time"

	"forgeflow.dev/sessiond/internal/model"
)

// PriorityQueue holds tickets not yet dispatched. Ordering: critical tickets
// first in arrival order, then by priority weight descending, FIFO within a
// class. Not safe for concurrent use; the scheduler serializes all access.
type PriorityQueue struct {
	items   []*model.Ticket
	weights map[model.Priority]int
	maxWait map[model.Priority]time.Duration
}

func NewPriorityQueue(weights map[model.Priority]int, maxWait map[model.Priority]time.Duration) *PriorityQueue {
	return &PriorityQueue{
		weights: weights,
		maxWait: maxWait,
	}
}

func (q *PriorityQueue) Len() int {
	return len(q.items)
}

func (q *PriorityQueue) Push(t *model.Ticket) {
	q.items = append(q.items, t)
}

// Remove drops the ticket with the given id from the queue.
func (q *PriorityQueue) Remove(id int64) bool {
	for i, t := range q.items {
		if t.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether the ticket is queued.
func (q *PriorityQueue) Contains(id int64) bool {
	for _, t := range q.items {
		if t.ID == id {
			return true
		}
	}
	return false
}

// AgedCandidates returns the queued tickets due for an anti-starvation
// promotion: wait beyond the class's maxWait moves a ticket one class up,
// capped at high. The caller logs the promotion durably before applying it;
// resetting WaitedSince then ensures one expiry promotes exactly one class.
func (q *PriorityQueue) AgedCandidates(now time.Time) []*model.Ticket {
	var due []*model.Ticket
	for _, t := range q.items {
		if t.Priority == model.PriorityCritical || t.Priority == model.PriorityHigh {
			continue
		}
		maxWait, ok := q.maxWait[t.Priority]
		if !ok || maxWait <= 0 {
			continue
		}
		if now.Sub(t.WaitedSince) > maxWait {
			due = append(due, t)
		}
	}
	return due
}

// PopAdmissible re-sorts the queue and pops the highest-priority ticket for
// which admissible returns true. Returns nil when nothing qualifies.
func (q *PriorityQueue) PopAdmissible(admissible func(*model.Ticket) bool) *model.Ticket {
	q.sort()
	for i, t := range q.items {
		if admissible(t) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return t
		}
	}
	return nil
}

// Sorted returns the queue contents in admission order.
func (q *PriorityQueue) Sorted() []*model.Ticket {
	q.sort()
	out := make([]*model.Ticket, len(q.items))
	copy(out, q.items)
	return out
}

func (q *PriorityQueue) sort() {
	sort.SliceStable(q.items, func(i, j int) bool {
		a, b := q.items[i], q.items[j]

		aCrit := a.Priority == model.PriorityCritical
		bCrit := b.Priority == model.PriorityCritical
		if aCrit != bCrit {
			return aCrit
		}
		if aCrit && bCrit {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}

		aw, bw := q.weights[a.Priority], q.weights[b.Priority]
		if aw != bw {
			return aw > bw
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID < b.ID
	})
}
