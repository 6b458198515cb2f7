package example

type TicketState string

const (
	StateQueued     TicketState = "queued"
	StateDispatched TicketState = "dispatched"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
)

type EventKind string

const (
	EventKindIssueOpened EventKind = "issue_opened"
)

type Ticket struct {
	State    TicketState
	Priority Priority
}

type Event struct {
	Kind EventKind
}

func bad() {
	t := &Ticket{}
	t.State = "active" // want "enum field State assigned string literal"

	e := &Event{}
	e.Kind = "label_changed" // want "enum field Kind assigned string literal"
}

func good() {
	t := &Ticket{}
	t.State = StateDispatched // OK: using constant

	e := &Event{}
	e.Kind = EventKindIssueOpened // OK: using constant
}

func alsoGood() {
	// OK: Variable, not literal
	state := StateQueued
	t := &Ticket{State: state, Priority: PriorityNormal}
	_ = t
}
