package model

import "time"

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Promote returns the next class up. Aging promotion caps at high; critical
// is reserved for halt commands and security labels.
func (p Priority) Promote() Priority {
	switch p {
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	default:
		return p
	}
}

// Exceeds reports whether p outranks other.
func (p Priority) Exceeds(other Priority) bool {
	rank := map[Priority]int{PriorityLow: 0, PriorityNormal: 1, PriorityHigh: 2, PriorityCritical: 3}
	return rank[p] > rank[other]
}

type TicketState string

const (
	StateQueued        TicketState = "queued"
	StateDispatched    TicketState = "dispatched"
	StateActive        TicketState = "active"
	StateAwaitingInput TicketState = "awaiting_input"
	StateCompleted     TicketState = "completed"
	StateFailed        TicketState = "failed"
	StateTimedOut      TicketState = "timed_out"
	StateHalted        TicketState = "halted"
	StateReleased      TicketState = "released"
)

// Terminal reports whether no further automatic transition leaves the state.
// Halted is terminal except for an explicit human-initiated reopen.
func (s TicketState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateHalted, StateReleased:
		return true
	}
	return false
}

// OccupiesSlot reports whether a ticket in this state holds a concurrency slot.
func (s TicketState) OccupiesSlot() bool {
	switch s {
	case StateDispatched, StateActive, StateAwaitingInput:
		return true
	}
	return false
}

// Metadata is the opaque bag handed to the executor. Later events on the same
// key supersede earlier ones while a debounce window is open.
type Metadata struct {
	EventKind  EventKind `json:"event_kind"`
	Body       string    `json:"body,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Labels     []string  `json:"labels,omitempty"`
	EventCount int       `json:"event_count,omitempty"`
}

// Ticket is the scheduler's record of one session's schedulable work. It is
// owned exclusively by the lifecycle manager; the priority queue holds only a
// reference plus the ordering key.
type Ticket struct {
	ID             int64       `json:"id"`
	Key            SessionKey  `json:"key"`
	Priority       Priority    `json:"priority"`
	State          TicketState `json:"state"`
	Metadata       Metadata    `json:"metadata"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`
	LastEventAt    time.Time   `json:"last_event_at"`
	StateChangedAt time.Time   `json:"state_changed_at"`
	// WaitedSince resets on aging promotion so a single maxWait expiry
	// promotes exactly one class.
	WaitedSince   time.Time `json:"waited_since"`
	Attempt       int       `json:"attempt"`
	HaltRequested bool      `json:"halt_requested"`
	ExecHandle    string    `json:"exec_handle,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// Clone returns a deep-enough copy for snapshot reads outside the scheduler lock.
func (t *Ticket) Clone() *Ticket {
	c := *t
	c.Metadata.Labels = append([]string(nil), t.Metadata.Labels...)
	return &c
}
