package ingress

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"forgeflow.dev/sessiond/internal/model"
	"forgeflow.dev/sessiond/internal/sched"
	"forgeflow.dev/sessiond/internal/store"
)

// AdminHandler exposes the operational surface: scheduler snapshots, forced
// slot release, and durable log export/import.
type AdminHandler struct {
	scheduler   *sched.Scheduler
	wal         store.WAL
	adminAPIKey string
}

func NewAdminHandler(scheduler *sched.Scheduler, wal store.WAL, adminAPIKey string) *AdminHandler {
	return &AdminHandler{
		scheduler:   scheduler,
		wal:         wal,
		adminAPIKey: adminAPIKey,
	}
}

// Snapshot returns every ticket, the queue order, and capacity usage.
func (h *AdminHandler) Snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Snapshot())
}

type forceReleaseRequest struct {
	Repo  string `json:"repo" binding:"required"`
	Issue string `json:"issue" binding:"required"`
}

// ForceRelease cancels any session for the key and frees its slot.
func (h *AdminHandler) ForceRelease(c *gin.Context) {
	ctx := c.Request.Context()

	var req forceReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: repo and issue are required"})
		return
	}

	key := model.SessionKey{Repo: req.Repo, Issue: req.Issue}
	if err := h.scheduler.ForceRelease(ctx, key); err != nil {
		if errors.Is(err, sched.ErrNoSuchSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no non-terminal session for key"})
			return
		}
		slog.ErrorContext(ctx, "failed to force-release session", "error", err, "session_key", key.String())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to release session"})
		return
	}

	slog.InfoContext(ctx, "session force-released via admin API", "session_key", key.String())
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

type exportResponse struct {
	Records []store.Record `json:"records"`
}

// Export dumps the durable log for backup or migration.
func (h *AdminHandler) Export(c *gin.Context) {
	ctx := c.Request.Context()

	recs, err := h.wal.Export(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to export durable log", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export log"})
		return
	}

	c.JSON(http.StatusOK, exportResponse{Records: recs})
}

type importRequest struct {
	Records []store.Record `json:"records" binding:"required"`
}

// Import loads a previously exported log. Refused unless the log is empty;
// merging two histories would corrupt replay.
func (h *AdminHandler) Import(c *gin.Context) {
	ctx := c.Request.Context()

	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: records are required"})
		return
	}

	if err := h.wal.Import(ctx, req.Records); err != nil {
		if errors.Is(err, store.ErrNotEmpty) {
			c.JSON(http.StatusConflict, gin.H{"error": "durable log is not empty"})
			return
		}
		slog.ErrorContext(ctx, "failed to import durable log", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to import log"})
		return
	}

	slog.InfoContext(ctx, "durable log imported via admin API", "records", len(req.Records))
	c.JSON(http.StatusOK, gin.H{"status": "imported", "records": len(req.Records)})
}

// RequireAdminAPIKey middleware checks for valid admin API key
func (h *AdminHandler) RequireAdminAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.adminAPIKey == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin API not configured"})
			c.Abort()
			return
		}

		apiKey := c.GetHeader("X-Admin-API-Key")
		if apiKey == "" {
			apiKey = c.GetHeader("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}

		if apiKey != h.adminAPIKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API key"})
			c.Abort()
			return
		}

		c.Next()
	}
}
