package web

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/deltabridge/internal/db"
	"github.com/macjediwizard/deltabridge/internal/provider"
)

// sanitizeError returns a user-safe error message without exposing internal details.
// Internal error details are logged but not returned to the client.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		// Log the full error for debugging (server-side only)
		log.Printf("Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}

// APITarget represents a sync target in JSON format for the API.
type APITarget struct {
	ID              string  `json:"id"`
	AccountID       string  `json:"account_id"`
	ResourceType    string  `json:"resource_type"`
	SyncInterval    int     `json:"sync_interval"`
	Enabled         bool    `json:"enabled"`
	Syncing         bool    `json:"syncing"`
	LastSyncStatus  string  `json:"last_sync_status"`
	LastSyncMessage string  `json:"last_sync_message,omitempty"`
	LastSyncAt      *string `json:"last_sync_at"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// APISyncLog represents a sync log entry in JSON format for the API.
type APISyncLog struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Message        string `json:"message"`
	ChangesCreated int    `json:"changes_created"`
	ChangesUpdated int    `json:"changes_updated"`
	ChangesDeleted int    `json:"changes_deleted"`
	ItemsFailed    int    `json:"items_failed"`
	Pages          int    `json:"pages"`
	ColdStart      bool   `json:"cold_start"`
	Recovered      bool   `json:"recovered"`
	Duration       string `json:"duration"`
	CreatedAt      string `json:"created_at"`
}

type createTargetRequest struct {
	AccountID    string `json:"account_id" binding:"required"`
	ResourceType string `json:"resource_type" binding:"required"`
	SyncInterval int    `json:"sync_interval"`
}

func (h *Handlers) targetToAPI(t *db.SyncTarget) *APITarget {
	out := &APITarget{
		ID:              t.ID,
		AccountID:       t.AccountID,
		ResourceType:    string(t.ResourceType),
		SyncInterval:    t.SyncInterval,
		Enabled:         t.Enabled,
		Syncing:         h.scheduler.Tracker().IsSyncing(t.AccountID, t.ResourceType),
		LastSyncStatus:  string(t.LastSyncStatus),
		LastSyncMessage: t.LastSyncMessage,
		CreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       t.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if t.LastSyncAt != nil {
		s := t.LastSyncAt.UTC().Format(time.RFC3339)
		out.LastSyncAt = &s
	}
	return out
}

func syncLogToAPI(l *db.SyncLog) *APISyncLog {
	return &APISyncLog{
		ID:             l.ID,
		Status:         string(l.Status),
		Message:        l.Message,
		ChangesCreated: l.ChangesCreated,
		ChangesUpdated: l.ChangesUpdated,
		ChangesDeleted: l.ChangesDeleted,
		ItemsFailed:    l.ItemsFailed,
		Pages:          l.Pages,
		ColdStart:      l.ColdStart,
		Recovered:      l.Recovered,
		Duration:       l.Duration.Round(time.Millisecond).String(),
		CreatedAt:      l.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// targetParams reads and checks the :account and :resource path parameters.
func (h *Handlers) targetParams(c *gin.Context) (string, provider.ResourceType, bool) {
	accountID := c.Param("account")
	rt := provider.ResourceType(c.Param("resource"))
	if accountID == "" || !rt.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account or resource type"})
		return "", "", false
	}
	return accountID, rt, true
}

// loadTarget fetches the target named by the path, writing a 404 if missing.
func (h *Handlers) loadTarget(c *gin.Context) (*db.SyncTarget, bool) {
	accountID, rt, ok := h.targetParams(c)
	if !ok {
		return nil, false
	}
	target, err := h.store.GetSyncTarget(c.Request.Context(), accountID, rt)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "sync target not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load sync target")})
		return nil, false
	}
	return target, true
}

// APIListTargets returns all sync targets.
func (h *Handlers) APIListTargets(c *gin.Context) {
	targets, err := h.store.ListSyncTargets(c.Request.Context(), false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to list sync targets")})
		return
	}

	out := make([]*APITarget, 0, len(targets))
	for _, t := range targets {
		out = append(out, h.targetToAPI(t))
	}
	c.JSON(http.StatusOK, gin.H{"targets": out})
}

// APICreateTarget registers a sync target and schedules it.
func (h *Handlers) APICreateTarget(c *gin.Context) {
	var req createTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id and resource_type are required"})
		return
	}

	rt := provider.ResourceType(req.ResourceType)
	if !rt.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resource type"})
		return
	}
	if !h.supports(rt) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no feed is configured for resource type " + req.ResourceType})
		return
	}

	interval := req.SyncInterval
	if interval == 0 {
		interval = h.limits.DefaultInterval
	}
	if (h.limits.MinInterval > 0 && interval < h.limits.MinInterval) || (h.limits.MaxInterval > 0 && interval > h.limits.MaxInterval) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "sync_interval must be between " + strconv.Itoa(h.limits.MinInterval) + " and " + strconv.Itoa(h.limits.MaxInterval) + " seconds",
		})
		return
	}

	target := &db.SyncTarget{
		AccountID:    req.AccountID,
		ResourceType: rt,
		SyncInterval: interval,
		Enabled:      true,
	}
	if err := h.store.CreateSyncTarget(c.Request.Context(), target); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "sync target already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to create sync target")})
		return
	}

	h.scheduler.AddJob(target.AccountID, target.ResourceType, time.Duration(target.SyncInterval)*time.Second)
	c.JSON(http.StatusCreated, h.targetToAPI(target))
}

// APIToggleTarget enables or disables a sync target.
func (h *Handlers) APIToggleTarget(c *gin.Context) {
	target, ok := h.loadTarget(c)
	if !ok {
		return
	}

	enabled := !target.Enabled
	if err := h.store.SetSyncTargetEnabled(c.Request.Context(), target.AccountID, target.ResourceType, enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to update sync target")})
		return
	}

	if enabled {
		h.scheduler.AddJob(target.AccountID, target.ResourceType, time.Duration(target.SyncInterval)*time.Second)
	} else {
		h.scheduler.RemoveJob(target.AccountID, target.ResourceType)
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

// APIDeleteTarget removes a sync target and its cursor.
func (h *Handlers) APIDeleteTarget(c *gin.Context) {
	target, ok := h.loadTarget(c)
	if !ok {
		return
	}

	h.scheduler.RemoveJob(target.AccountID, target.ResourceType)
	if err := h.store.DeleteSyncTarget(c.Request.Context(), target.AccountID, target.ResourceType); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to delete sync target")})
		return
	}
	c.Status(http.StatusNoContent)
}

// APITriggerSync starts a manual sync in the background.
func (h *Handlers) APITriggerSync(c *gin.Context) {
	target, ok := h.loadTarget(c)
	if !ok {
		return
	}
	if !target.Enabled {
		c.JSON(http.StatusConflict, gin.H{"error": "sync target is disabled"})
		return
	}

	if h.scheduler.Tracker().IsSyncing(target.AccountID, target.ResourceType) {
		c.JSON(http.StatusAccepted, gin.H{"message": "sync already in progress"})
		return
	}
	h.scheduler.TriggerSync(target.AccountID, target.ResourceType, "manual")
	c.JSON(http.StatusAccepted, gin.H{"message": "sync triggered"})
}

// APIResetCursor discards the stored cursor so the next cycle starts fresh.
func (h *Handlers) APIResetCursor(c *gin.Context) {
	target, ok := h.loadTarget(c)
	if !ok {
		return
	}
	if err := h.store.DeleteCursor(c.Request.Context(), target.AccountID, target.ResourceType); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to reset cursor")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cursor reset"})
}

// APIGetTargetLogs returns recent sync logs of a target.
func (h *Handlers) APIGetTargetLogs(c *gin.Context) {
	accountID, rt, ok := h.targetParams(c)
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if parsed > 500 {
			parsed = 500
		}
		limit = parsed
	}

	logs, err := h.store.GetSyncLogs(c.Request.Context(), accountID, rt, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load sync logs")})
		return
	}

	out := make([]*APISyncLog, 0, len(logs))
	for _, l := range logs {
		out = append(out, syncLogToAPI(l))
	}
	c.JSON(http.StatusOK, gin.H{"logs": out})
}

// APIActivity returns active and recently completed sync cycles.
func (h *Handlers) APIActivity(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Tracker().GetAll())
}
