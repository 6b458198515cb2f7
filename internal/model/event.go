package model

import "time"

type EventKind string

const (
	EventKindIssueOpened     EventKind = "issue_opened"
	EventKindIssueClosed     EventKind = "issue_closed"
	EventKindIssueReopened   EventKind = "issue_reopened"
	EventKindCommentCreated  EventKind = "comment_created"
	EventKindCommentEdited   EventKind = "comment_edited"
	EventKindReviewSubmitted EventKind = "review_submitted"
	EventKindReviewComment   EventKind = "review_comment"
	EventKindLabelChanged    EventKind = "label_changed"
	EventKindControlCommand  EventKind = "control_command"
)

// SessionKey identifies one development session: at most one non-terminal
// ticket exists per key at any time.
type SessionKey struct {
	Repo  string `json:"repo"`
	Issue string `json:"issue"`
}

func (k SessionKey) String() string {
	return k.Repo + "#" + k.Issue
}

func (k SessionKey) IsZero() bool {
	return k.Repo == "" && k.Issue == ""
}

// Event is a normalized inbound notification. Immutable once constructed.
type Event struct {
	DeliveryID        string     `json:"delivery_id"`
	Key               SessionKey `json:"key"`
	Kind              EventKind  `json:"kind"`
	PriorityHint      Priority   `json:"priority_hint"`
	Labels            []string   `json:"labels,omitempty"`
	Actor             string     `json:"actor,omitempty"`
	Body              string     `json:"body,omitempty"`
	IsHumanOriginated bool       `json:"is_human_originated"`
	ReceivedAt        time.Time  `json:"received_at"`
}

// Critical reports whether the event must bypass debouncing and settle
// immediately (halt commands, security-relevant labels).
func (e Event) Critical() bool {
	return e.PriorityHint == PriorityCritical
}
