package ingress_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"forgeflow.dev/sessiond/core/config"
	"forgeflow.dev/sessiond/internal/ingress"
	"forgeflow.dev/sessiond/internal/metrics"
	"forgeflow.dev/sessiond/internal/model"
	"forgeflow.dev/sessiond/internal/service"
)

type fakeIngestService struct {
	mu        sync.Mutex
	ingested  []model.Event
	duplicate bool
	err       error
}

func (f *fakeIngestService) Ingest(_ context.Context, event model.Event, _ string) (*service.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.duplicate {
		return &service.IngestResult{Duplicate: true}, nil
	}
	f.ingested = append(f.ingested, event)
	return &service.IngestResult{Enqueued: true}, nil
}

func (f *fakeIngestService) events() []model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Event(nil), f.ingested...)
}

var _ = Describe("WebhookHandler", func() {
	const secret = "topsecret"

	var (
		router *gin.Engine
		ingest *fakeIngestService
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		ingest = &fakeIngestService{}

		labels, err := config.LoadPriorityLabels("")
		Expect(err).NotTo(HaveOccurred())

		h := ingress.NewWebhookHandler(
			ingress.NewSignatureValidator(secret),
			ingress.NewNormalizer(config.WebhookConfig{
				AutomationPrefix: "[sessiond]",
				BotUsername:      "sessiond-bot",
				HaltPhrase:       "/halt",
			}, labels),
			ingest,
			metrics.New(),
		)
		router.POST("/webhooks/forge", h.HandleEvent)
	})

	issuePayload := []byte(`{"action":"opened","repository":{"full_name":"acme/api"},"issue":{"number":42},"sender":{"login":"alice"}}`)

	deliver := func(payload []byte, mutate func(*http.Request)) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/forge", bytes.NewBuffer(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(ingress.HeaderSignature, sign(secret, string(payload)))
		req.Header.Set(ingress.HeaderEvent, "issues")
		req.Header.Set(ingress.HeaderDelivery, "delivery-1")
		if mutate != nil {
			mutate(req)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	It("accepts a signed issue event and enqueues it", func() {
		w := deliver(issuePayload, nil)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring("accepted"))

		events := ingest.events()
		Expect(events).To(HaveLen(1))
		Expect(events[0].Key).To(Equal(model.SessionKey{Repo: "acme/api", Issue: "42"}))
		Expect(events[0].DeliveryID).To(Equal("delivery-1"))
	})

	It("rejects a bad signature with 401 before any parsing", func() {
		w := deliver([]byte(`definitely not json`), func(req *http.Request) {
			req.Header.Set(ingress.HeaderSignature, "sha256=deadbeef")
		})

		Expect(w.Code).To(Equal(http.StatusUnauthorized))
		Expect(ingest.events()).To(BeEmpty())
	})

	It("rejects a missing signature with 401", func() {
		w := deliver(issuePayload, func(req *http.Request) {
			req.Header.Del(ingress.HeaderSignature)
		})

		Expect(w.Code).To(Equal(http.StatusUnauthorized))
	})

	It("rejects a payload with no session key with 422", func() {
		payload := []byte(`{"action":"opened","repository":{"full_name":"acme/api"}}`)
		w := deliver(payload, nil)

		Expect(w.Code).To(Equal(http.StatusUnprocessableEntity))
		Expect(ingest.events()).To(BeEmpty())
	})

	It("rejects a missing delivery id with 422", func() {
		w := deliver(issuePayload, func(req *http.Request) {
			req.Header.Del(ingress.HeaderDelivery)
		})

		Expect(w.Code).To(Equal(http.StatusUnprocessableEntity))
	})

	It("acknowledges unsupported event kinds without enqueueing", func() {
		w := deliver(issuePayload, func(req *http.Request) {
			req.Header.Set(ingress.HeaderEvent, "star")
		})

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring("ignored"))
		Expect(ingest.events()).To(BeEmpty())
	})

	It("acknowledges duplicate deliveries with 200", func() {
		ingest.duplicate = true
		w := deliver(issuePayload, nil)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring("duplicate"))
	})
})
