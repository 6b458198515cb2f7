package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"forgeflow.dev/sessiond/core/config"
	"forgeflow.dev/sessiond/internal/model"
)

var (
	// ErrMalformedEvent marks payloads with no extractable session key.
	// Such events are dropped, not queued, not retried.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnsupportedEvent marks event kinds the scheduler does not react
	// to. They are acknowledged and ignored.
	ErrUnsupportedEvent = errors.New("unsupported event")
)

// Normalizer maps an authenticated raw payload to a canonical Event.
type Normalizer struct {
	automationPrefix string
	botUsername      string
	haltPhrase       string
	labels           config.PriorityLabelTable
	now              func() time.Time
}

func NewNormalizer(cfg config.WebhookConfig, labels config.PriorityLabelTable) *Normalizer {
	return &Normalizer{
		automationPrefix: cfg.AutomationPrefix,
		botUsername:      cfg.BotUsername,
		haltPhrase:       cfg.HaltPhrase,
		labels:           labels,
		now:              time.Now,
	}
}

type userRef struct {
	Login string `json:"login"`
}

type labelRef struct {
	Name string `json:"name"`
}

type subjectRef struct {
	Number int64      `json:"number"`
	Labels []labelRef `json:"labels"`
}

type commentRef struct {
	Body string  `json:"body"`
	User userRef `json:"user"`
}

type webhookPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Issue       *subjectRef `json:"issue"`
	PullRequest *subjectRef `json:"pull_request"`
	Number      int64       `json:"number"`
	Comment     *commentRef `json:"comment"`
	Review      *commentRef `json:"review"`
	Sender      userRef     `json:"sender"`
}

// Normalize builds an Event from the raw payload plus headers. eventHeader is
// the platform's event-kind header, deliveryID its unique delivery id.
func (n *Normalizer) Normalize(raw []byte, eventHeader, deliveryID string) (model.Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	key, labels, err := extractSessionKey(payload)
	if err != nil {
		return model.Event{}, err
	}

	kind, err := mapKind(eventHeader, payload.Action)
	if err != nil {
		return model.Event{}, err
	}

	body, actor := extractBody(kind, payload)

	// An exact, case-sensitive halt phrase turns the event into a control
	// command regardless of its original kind.
	if body == n.haltPhrase && n.haltPhrase != "" {
		kind = model.EventKindControlCommand
	}

	event := model.Event{
		DeliveryID:        deliveryID,
		Key:               key,
		Kind:              kind,
		Labels:            labels,
		Actor:             actor,
		Body:              body,
		IsHumanOriginated: n.isHumanOriginated(kind, body, actor),
		ReceivedAt:        n.now(),
	}
	event.PriorityHint = n.priorityHint(event)

	return event, nil
}

// extractSessionKey resolves the repo and issue keys, preferring the issue
// sub-object, then the pull request, then a top-level number.
func extractSessionKey(payload webhookPayload) (model.SessionKey, []string, error) {
	repo := payload.Repository.FullName
	if repo == "" {
		return model.SessionKey{}, nil, fmt.Errorf("%w: missing repository", ErrMalformedEvent)
	}

	var subject *subjectRef
	switch {
	case payload.Issue != nil:
		subject = payload.Issue
	case payload.PullRequest != nil:
		subject = payload.PullRequest
	case payload.Number != 0:
		subject = &subjectRef{Number: payload.Number}
	default:
		return model.SessionKey{}, nil, fmt.Errorf("%w: no issue, pull request, or number", ErrMalformedEvent)
	}

	if subject.Number == 0 {
		return model.SessionKey{}, nil, fmt.Errorf("%w: missing issue number", ErrMalformedEvent)
	}

	labels := make([]string, 0, len(subject.Labels))
	for _, l := range subject.Labels {
		labels = append(labels, l.Name)
	}

	key := model.SessionKey{
		Repo:  repo,
		Issue: strconv.FormatInt(subject.Number, 10),
	}
	return key, labels, nil
}

func mapKind(eventHeader, action string) (model.EventKind, error) {
	switch eventHeader {
	case "issues":
		switch action {
		case "opened":
			return model.EventKindIssueOpened, nil
		case "closed":
			return model.EventKindIssueClosed, nil
		case "reopened":
			return model.EventKindIssueReopened, nil
		case "labeled", "unlabeled":
			return model.EventKindLabelChanged, nil
		}
	case "issue_comment":
		switch action {
		case "created":
			return model.EventKindCommentCreated, nil
		case "edited":
			return model.EventKindCommentEdited, nil
		}
	case "pull_request_review":
		return model.EventKindReviewSubmitted, nil
	case "pull_request_review_comment":
		return model.EventKindReviewComment, nil
	}
	return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedEvent, eventHeader, action)
}

func extractBody(kind model.EventKind, payload webhookPayload) (body, actor string) {
	actor = payload.Sender.Login
	switch kind {
	case model.EventKindCommentCreated, model.EventKindCommentEdited, model.EventKindReviewComment:
		if payload.Comment != nil {
			body = payload.Comment.Body
			if payload.Comment.User.Login != "" {
				actor = payload.Comment.User.Login
			}
		}
	case model.EventKindReviewSubmitted:
		if payload.Review != nil {
			body = payload.Review.Body
			if payload.Review.User.Login != "" {
				actor = payload.Review.User.Login
			}
		}
	}
	return body, actor
}

// isHumanOriginated requires both conditions: the body does not carry the
// automation prefix, and the actor is not the automation's own identity.
func (n *Normalizer) isHumanOriginated(kind model.EventKind, body, actor string) bool {
	if actor == n.botUsername {
		return false
	}
	switch kind {
	case model.EventKindCommentCreated, model.EventKindCommentEdited,
		model.EventKindReviewSubmitted, model.EventKindReviewComment,
		model.EventKindControlCommand:
		if n.automationPrefix != "" && strings.HasPrefix(body, n.automationPrefix) {
			return false
		}
	}
	return true
}

func (n *Normalizer) priorityHint(event model.Event) model.Priority {
	if event.Kind == model.EventKindControlCommand {
		return model.PriorityCritical
	}
	return n.labels.Lookup(event.Labels)
}
