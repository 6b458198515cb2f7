package sched

import (
	"fmt"

	"forgeflow.dev/sessiond/internal/model"
)

// workingLabel is applied to the issue while a session occupies a slot.
const workingLabel = "sessiond:working"

// validTransitions is the single source of truth for ticket state changes.
// Released is reachable from every non-released state so the admin
// force-release always has a legal path.
var validTransitions = map[model.TicketState]map[model.TicketState]bool{
	model.StateQueued: {
		model.StateDispatched: true,
		model.StateHalted:     true,
		model.StateReleased:   true,
	},
	model.StateDispatched: {
		model.StateActive:   true,
		model.StateFailed:   true,
		model.StateTimedOut: true,
		model.StateHalted:   true,
		model.StateReleased: true,
	},
	model.StateActive: {
		model.StateCompleted:     true,
		model.StateFailed:        true,
		model.StateTimedOut:      true,
		model.StateAwaitingInput: true,
		model.StateHalted:        true,
		model.StateReleased:      true,
	},
	model.StateAwaitingInput: {
		model.StateActive:   true,
		model.StateFailed:   true,
		model.StateTimedOut: true,
		model.StateHalted:   true,
		model.StateReleased: true,
	},
	model.StateCompleted: {
		model.StateReleased: true,
	},
	model.StateFailed: {
		model.StateQueued:   true,
		model.StateReleased: true,
	},
	model.StateTimedOut: {
		model.StateQueued:   true,
		model.StateReleased: true,
	},
	model.StateHalted: {
		model.StateQueued:   true,
		model.StateReleased: true,
	},
	model.StateReleased: {},
}

func canTransition(from, to model.TicketState) bool {
	return validTransitions[from][to]
}

// ErrInvalidTransition wraps a rejected state change with both endpoints.
func errInvalidTransition(ticketID int64, from, to model.TicketState) error {
	return fmt.Errorf("ticket %d: invalid transition %s -> %s", ticketID, from, to)
}
