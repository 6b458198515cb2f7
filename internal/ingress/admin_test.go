package ingress_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"forgeflow.dev/sessiond/core/config"
	"forgeflow.dev/sessiond/internal/ingress"
	"forgeflow.dev/sessiond/internal/metrics"
	"forgeflow.dev/sessiond/internal/model"
	"forgeflow.dev/sessiond/internal/sched"
	"forgeflow.dev/sessiond/internal/store"
)

var _ = Describe("AdminHandler", func() {
	const apiKey = "admin-key"

	var (
		router *gin.Engine
		wal    *store.MemoryWAL
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		wal = store.NewMemoryWAL()

		scheduler := sched.New(config.SchedulerConfig{
			GlobalConcurrencyLimit:  2,
			PerRepoConcurrencyLimit: 1,
			DebounceWindow:          5 * time.Second,
		}, wal, nil, nil, metrics.New())

		h := ingress.NewAdminHandler(scheduler, wal, apiKey)
		admin := router.Group("/admin")
		admin.Use(h.RequireAdminAPIKey())
		{
			admin.GET("/snapshot", h.Snapshot)
			admin.POST("/release", h.ForceRelease)
			admin.GET("/export", h.Export)
			admin.POST("/import", h.Import)
		}
	})

	request := func(method, path string, body []byte, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set("X-Admin-API-Key", key)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	It("rejects requests without the API key", func() {
		w := request(http.MethodGet, "/admin/snapshot", nil, "")
		Expect(w.Code).To(Equal(http.StatusUnauthorized))
	})

	It("rejects requests with the wrong API key", func() {
		w := request(http.MethodGet, "/admin/snapshot", nil, "wrong")
		Expect(w.Code).To(Equal(http.StatusUnauthorized))
	})

	It("returns the scheduler snapshot", func() {
		w := request(http.MethodGet, "/admin/snapshot", nil, apiKey)
		Expect(w.Code).To(Equal(http.StatusOK))

		var snap sched.Snapshot
		Expect(json.Unmarshal(w.Body.Bytes(), &snap)).To(Succeed())
		Expect(snap.GlobalLimit).To(Equal(2))
		Expect(snap.PerRepoLimit).To(Equal(1))
	})

	It("returns 404 when force-releasing an unknown session", func() {
		body, _ := json.Marshal(map[string]string{"repo": "acme/api", "issue": "42"})
		w := request(http.MethodPost, "/admin/release", body, apiKey)
		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("exports the durable log", func() {
		ctx := context.Background()
		Expect(wal.Append(ctx, store.Record{
			Kind: store.RecordTicketCreated,
			Ticket: &model.Ticket{
				ID: 1, Key: model.SessionKey{Repo: "acme/api", Issue: "42"},
				State: model.StateQueued, Priority: model.PriorityNormal,
			},
		})).To(Succeed())

		w := request(http.MethodGet, "/admin/export", nil, apiKey)
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"acme/api"`))
	})

	It("refuses to import into a non-empty log", func() {
		ctx := context.Background()
		Expect(wal.Append(ctx, store.Record{Kind: store.RecordTicketCreated, Ticket: &model.Ticket{ID: 1}})).To(Succeed())

		body, _ := json.Marshal(map[string]any{
			"records": []store.Record{{Kind: store.RecordTicketCreated, Ticket: &model.Ticket{ID: 2}}},
		})
		w := request(http.MethodPost, "/admin/import", body, apiKey)
		Expect(w.Code).To(Equal(http.StatusConflict))
	})
})
