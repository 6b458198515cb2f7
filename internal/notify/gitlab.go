package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"forgeflow.dev/sessiond/internal/model"
)

// GitLabNotifier posts comments and label changes through the GitLab API.
// The session repo key is the project path (namespace/name); the issue key
// is the issue IID within the project.
type GitLabNotifier struct {
	client           *gitlab.Client
	automationPrefix string
}

func NewGitLabNotifier(baseURL, token, automationPrefix string) (*GitLabNotifier, error) {
	client, err := gitlab.NewClient(
		token,
		gitlab.WithBaseURL(strings.TrimSuffix(baseURL, "/")+"/api/v4"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}
	return &GitLabNotifier{
		client:           client,
		automationPrefix: automationPrefix,
	}, nil
}

func (n *GitLabNotifier) PostComment(ctx context.Context, key model.SessionKey, body string) error {
	iid, err := issueIID(key)
	if err != nil {
		return err
	}

	// The prefix keeps the automation's own comments from re-triggering
	// scheduling as human activity.
	if n.automationPrefix != "" && !strings.HasPrefix(body, n.automationPrefix) {
		body = n.automationPrefix + " " + body
	}

	_, _, err = n.client.Notes.CreateIssueNote(key.Repo, iid, &gitlab.CreateIssueNoteOptions{
		Body: gitlab.Ptr(body),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("posting note on %s: %w", key, err)
	}
	return nil
}

func (n *GitLabNotifier) AddLabel(ctx context.Context, key model.SessionKey, label string) error {
	iid, err := issueIID(key)
	if err != nil {
		return err
	}

	_, _, err = n.client.Issues.UpdateIssue(key.Repo, iid, &gitlab.UpdateIssueOptions{
		AddLabels: &gitlab.LabelOptions{label},
	}, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("adding label %q on %s: %w", label, key, err)
	}
	return nil
}

func (n *GitLabNotifier) RemoveLabel(ctx context.Context, key model.SessionKey, label string) error {
	iid, err := issueIID(key)
	if err != nil {
		return err
	}

	_, _, err = n.client.Issues.UpdateIssue(key.Repo, iid, &gitlab.UpdateIssueOptions{
		RemoveLabels: &gitlab.LabelOptions{label},
	}, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("removing label %q on %s: %w", label, key, err)
	}
	return nil
}

func issueIID(key model.SessionKey) (int64, error) {
	iid, err := strconv.ParseInt(key.Issue, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("issue key %q is not a valid IID: %w", key.Issue, err)
	}
	return iid, nil
}
