package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/deltabridge/internal/activity"
	"github.com/macjediwizard/deltabridge/internal/db"
	"github.com/macjediwizard/deltabridge/internal/lifecycle"
	"github.com/macjediwizard/deltabridge/internal/provider"
)

// Store is the persistence the HTTP surface reads and writes.
type Store interface {
	Ping(ctx context.Context) error
	FindBySubscriptionID(ctx context.Context, subscriptionID string) (*provider.Subscription, error)
	ListSyncTargets(ctx context.Context, enabledOnly bool) ([]*db.SyncTarget, error)
	GetSyncTarget(ctx context.Context, accountID string, resourceType provider.ResourceType) (*db.SyncTarget, error)
	CreateSyncTarget(ctx context.Context, target *db.SyncTarget) error
	SetSyncTargetEnabled(ctx context.Context, accountID string, resourceType provider.ResourceType, enabled bool) error
	DeleteSyncTarget(ctx context.Context, accountID string, resourceType provider.ResourceType) error
	DeleteCursor(ctx context.Context, accountID string, resourceType provider.ResourceType) error
	GetSyncLogs(ctx context.Context, accountID string, resourceType provider.ResourceType, limit int) ([]*db.SyncLog, error)
}

// Scheduler runs sync jobs for targets.
type Scheduler interface {
	TriggerSync(accountID string, resourceType provider.ResourceType, trigger string)
	AddJob(accountID string, resourceType provider.ResourceType, interval time.Duration)
	RemoveJob(accountID string, resourceType provider.ResourceType)
	GetJobCount() int
	Tracker() *activity.Tracker
}

// SignalHandler handles subscription lifecycle signals.
type SignalHandler interface {
	HandleSignal(ctx context.Context, kind lifecycle.SignalKind, subscriptionID, tenantID string) lifecycle.Outcome
}

// Limits bounds the sync intervals operators may configure.
type Limits struct {
	DefaultInterval int
	MinInterval     int
	MaxInterval     int
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     Store
	scheduler Scheduler
	signals   SignalHandler
	supports  func(provider.ResourceType) bool
	limits    Limits
	started   time.Time
}

// NewHandlers creates a new Handlers instance. supports reports which
// resource types have a configured feed; nil accepts every valid type.
func NewHandlers(store Store, sched Scheduler, signals SignalHandler, supports func(provider.ResourceType) bool, limits Limits) *Handlers {
	if supports == nil {
		supports = func(rt provider.ResourceType) bool { return rt.IsValid() }
	}
	if limits.DefaultInterval <= 0 {
		limits.DefaultInterval = 300
	}
	return &Handlers{
		store:     store,
		scheduler: sched,
		signals:   signals,
		supports:  supports,
		limits:    limits,
		started:   time.Now(),
	}
}

// HealthCheck reports database reachability and scheduler state.
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	report := gin.H{
		"status":     "healthy",
		"uptime":     time.Since(h.started).Round(time.Second).String(),
		"jobs":       h.scheduler.GetJobCount(),
		"active":     len(h.scheduler.Tracker().GetActive()),
		"checked_at": time.Now().UTC(),
	}

	if err := h.store.Ping(ctx); err != nil {
		report["status"] = "unhealthy"
		report["database"] = sanitizeError(err, "database unreachable")
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	report["database"] = "ok"
	c.JSON(http.StatusOK, report)
}

// Liveness returns a simple liveness check.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}
