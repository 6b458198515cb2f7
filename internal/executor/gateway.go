package executor

import (
	"context"
	"errors"

	"forgeflow.dev/sessiond/internal/model"
)

// ErrNoReattach is returned by Reattach when a handle cannot be recovered.
// The scheduler then moves the orphaned ticket to failed.
var ErrNoReattach = errors.New("executor handle cannot be reattached")

// DispatchRequest carries everything the executor needs for one session.
type DispatchRequest struct {
	TicketID int64
	Key      model.SessionKey
	Metadata model.Metadata
	Attempt  int
}

// Handle represents one running session. Cancel is best-effort: it must
// terminate the underlying work promptly but cannot be guaranteed
// instantaneous.
type Handle interface {
	ID() string
	Cancel()
	Resume(reply string) error
}

// Reporter receives asynchronous session outcomes. The scheduler implements
// it; outcomes are always explicit terminal results, never panics or errors
// thrown across the boundary.
type Reporter interface {
	Started(ticketID int64)
	AwaitingInput(ticketID int64, question string)
	Completed(ticketID int64)
	Failed(ticketID int64, reason string)
}

// Gateway invokes the external executor. A synchronous error from Dispatch
// means the session failed to start (environment provisioning included);
// everything after a successful start is reported through the Reporter.
type Gateway interface {
	Dispatch(ctx context.Context, req DispatchRequest) (Handle, error)
	Reattach(handleID string) (Handle, error)
}

// Provisioner prepares a session environment before dispatch. Consumed as a
// side-effecting callback; provisioning failures surface as start failures.
type Provisioner interface {
	Provision(ctx context.Context, key model.SessionKey) (workdir string, err error)
}
