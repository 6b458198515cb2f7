package ingress_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"forgeflow.dev/sessiond/core/config"
	"forgeflow.dev/sessiond/internal/ingress"
	"forgeflow.dev/sessiond/internal/model"
)

var _ = Describe("Normalizer", func() {
	var (
		n      *ingress.Normalizer
		labels config.PriorityLabelTable
	)

	webhookCfg := config.WebhookConfig{
		AutomationPrefix: "[sessiond]",
		BotUsername:      "sessiond-bot",
		HaltPhrase:       "/halt",
	}

	BeforeEach(func() {
		labels = config.PriorityLabelTable{
			"security": model.PriorityCritical,
			"urgent":   model.PriorityHigh,
			"chore":    model.PriorityLow,
		}
		n = ingress.NewNormalizer(webhookCfg, labels)
	})

	payload := func(v map[string]any) []byte {
		raw, err := json.Marshal(v)
		Expect(err).NotTo(HaveOccurred())
		return raw
	}

	It("extracts the session key from the issue sub-object first", func() {
		raw := payload(map[string]any{
			"action":       "opened",
			"repository":   map[string]any{"full_name": "acme/api"},
			"issue":        map[string]any{"number": 42},
			"pull_request": map[string]any{"number": 99},
			"number":       7,
			"sender":       map[string]any{"login": "alice"},
		})

		event, err := n.Normalize(raw, "issues", "d-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(event.Key).To(Equal(model.SessionKey{Repo: "acme/api", Issue: "42"}))
		Expect(event.Kind).To(Equal(model.EventKindIssueOpened))
	})

	It("falls back to the pull request, then the top-level number", func() {
		raw := payload(map[string]any{
			"action":       "opened",
			"repository":   map[string]any{"full_name": "acme/api"},
			"pull_request": map[string]any{"number": 99},
			"sender":       map[string]any{"login": "alice"},
		})
		event, err := n.Normalize(raw, "issues", "d-2")
		Expect(err).NotTo(HaveOccurred())
		Expect(event.Key.Issue).To(Equal("99"))

		raw = payload(map[string]any{
			"action":     "opened",
			"repository": map[string]any{"full_name": "acme/api"},
			"number":     7,
			"sender":     map[string]any{"login": "alice"},
		})
		event, err = n.Normalize(raw, "issues", "d-3")
		Expect(err).NotTo(HaveOccurred())
		Expect(event.Key.Issue).To(Equal("7"))
	})

	It("rejects payloads with no extractable key", func() {
		raw := payload(map[string]any{
			"action":     "opened",
			"repository": map[string]any{"full_name": "acme/api"},
		})
		_, err := n.Normalize(raw, "issues", "d-4")
		Expect(err).To(MatchError(ingress.ErrMalformedEvent))

		raw = payload(map[string]any{
			"action": "opened",
			"issue":  map[string]any{"number": 42},
		})
		_, err = n.Normalize(raw, "issues", "d-5")
		Expect(err).To(MatchError(ingress.ErrMalformedEvent))
	})

	It("flags unsupported event kinds", func() {
		raw := payload(map[string]any{
			"action":     "created",
			"repository": map[string]any{"full_name": "acme/api"},
			"issue":      map[string]any{"number": 42},
		})
		_, err := n.Normalize(raw, "star", "d-6")
		Expect(err).To(MatchError(ingress.ErrUnsupportedEvent))
	})

	Describe("halt detection", func() {
		It("turns an exact halt phrase into a critical control command", func() {
			raw := payload(map[string]any{
				"action":     "created",
				"repository": map[string]any{"full_name": "acme/api"},
				"issue":      map[string]any{"number": 42},
				"comment":    map[string]any{"body": "/halt", "user": map[string]any{"login": "alice"}},
			})

			event, err := n.Normalize(raw, "issue_comment", "d-7")
			Expect(err).NotTo(HaveOccurred())
			Expect(event.Kind).To(Equal(model.EventKindControlCommand))
			Expect(event.PriorityHint).To(Equal(model.PriorityCritical))
		})

		It("does not match the halt phrase case-insensitively or as a substring", func() {
			for _, body := range []string{"/HALT", "/halt now", "please /halt"} {
				raw := payload(map[string]any{
					"action":     "created",
					"repository": map[string]any{"full_name": "acme/api"},
					"issue":      map[string]any{"number": 42},
					"comment":    map[string]any{"body": body, "user": map[string]any{"login": "alice"}},
				})

				event, err := n.Normalize(raw, "issue_comment", "d-8")
				Expect(err).NotTo(HaveOccurred())
				Expect(event.Kind).To(Equal(model.EventKindCommentCreated), "body %q", body)
			}
		})
	})

	Describe("human origination", func() {
		comment := func(body, author string) []byte {
			return payload(map[string]any{
				"action":     "created",
				"repository": map[string]any{"full_name": "acme/api"},
				"issue":      map[string]any{"number": 42},
				"comment":    map[string]any{"body": body, "user": map[string]any{"login": author}},
			})
		}

		It("marks plain human comments as human-originated", func() {
			event, err := n.Normalize(comment("looks good", "alice"), "issue_comment", "d-9")
			Expect(err).NotTo(HaveOccurred())
			Expect(event.IsHumanOriginated).To(BeTrue())
		})

		It("rejects comments carrying the automation prefix", func() {
			event, err := n.Normalize(comment("[sessiond] progress update", "alice"), "issue_comment", "d-10")
			Expect(err).NotTo(HaveOccurred())
			Expect(event.IsHumanOriginated).To(BeFalse())
		})

		It("rejects comments authored by the bot account", func() {
			event, err := n.Normalize(comment("done", "sessiond-bot"), "issue_comment", "d-11")
			Expect(err).NotTo(HaveOccurred())
			Expect(event.IsHumanOriginated).To(BeFalse())
		})
	})

	Describe("priority hints", func() {
		It("takes the highest-ranked matching label", func() {
			raw := payload(map[string]any{
				"action":     "labeled",
				"repository": map[string]any{"full_name": "acme/api"},
				"issue": map[string]any{
					"number": 42,
					"labels": []map[string]any{{"name": "chore"}, {"name": "urgent"}},
				},
				"sender": map[string]any{"login": "alice"},
			})

			event, err := n.Normalize(raw, "issues", "d-12")
			Expect(err).NotTo(HaveOccurred())
			Expect(event.Kind).To(Equal(model.EventKindLabelChanged))
			Expect(event.PriorityHint).To(Equal(model.PriorityHigh))
		})

		It("defaults to normal when no label matches", func() {
			raw := payload(map[string]any{
				"action":     "opened",
				"repository": map[string]any{"full_name": "acme/api"},
				"issue":      map[string]any{"number": 42, "labels": []map[string]any{{"name": "docs"}}},
				"sender":     map[string]any{"login": "alice"},
			})

			event, err := n.Normalize(raw, "issues", "d-13")
			Expect(err).NotTo(HaveOccurred())
			Expect(event.PriorityHint).To(Equal(model.PriorityNormal))
		})
	})
})
