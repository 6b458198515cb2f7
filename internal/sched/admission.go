package sched

import "fmt"

// AdmissionController tracks occupied concurrency slots against the global
// and per-repository limits. Not safe for concurrent use; the scheduler
// serializes all access. The held-by-ticket map makes release idempotent:
// double-release is reported, not double-counted.
type AdmissionController struct {
	globalLimit  int
	perRepoLimit int

	perRepo map[string]int
	held    map[int64]string
}

func NewAdmissionController(globalLimit, perRepoLimit int) *AdmissionController {
	return &AdmissionController{
		globalLimit:  globalLimit,
		perRepoLimit: perRepoLimit,
		perRepo:      make(map[string]int),
		held:         make(map[int64]string),
	}
}

// CanAdmit reports whether a ticket for repo fits under both limits.
func (a *AdmissionController) CanAdmit(repo string) bool {
	return len(a.held) < a.globalLimit && a.perRepo[repo] < a.perRepoLimit
}

// Acquire takes a slot for the ticket. It is an invariant violation for a
// ticket to hold more than one slot.
func (a *AdmissionController) Acquire(ticketID int64, repo string) error {
	if _, ok := a.held[ticketID]; ok {
		return fmt.Errorf("ticket %d already holds a slot", ticketID)
	}
	if !a.CanAdmit(repo) {
		return fmt.Errorf("no capacity for repo %s", repo)
	}
	a.held[ticketID] = repo
	a.perRepo[repo]++
	return nil
}

// Release frees the ticket's slot. Returns false when the ticket held no
// slot, which callers treat as already-released.
func (a *AdmissionController) Release(ticketID int64) (string, bool) {
	repo, ok := a.held[ticketID]
	if !ok {
		return "", false
	}
	delete(a.held, ticketID)
	a.perRepo[repo]--
	if a.perRepo[repo] <= 0 {
		delete(a.perRepo, repo)
	}
	return repo, true
}

// Holds reports whether the ticket currently occupies a slot.
func (a *AdmissionController) Holds(ticketID int64) bool {
	_, ok := a.held[ticketID]
	return ok
}

// ActiveGlobal returns the number of occupied slots.
func (a *AdmissionController) ActiveGlobal() int {
	return len(a.held)
}

// ActiveRepo returns the occupied slots for one repository.
func (a *AdmissionController) ActiveRepo(repo string) int {
	return a.perRepo[repo]
}
