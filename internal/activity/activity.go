package activity

import (
	"sort"
	"sync"
	"time"

	"github.com/macjediwizard/deltabridge/internal/deltasync"
	"github.com/macjediwizard/deltabridge/internal/provider"
)

// SyncActivity represents the current state of a sync cycle.
type SyncActivity struct {
	AccountID      string                `json:"account_id"`
	ResourceType   provider.ResourceType `json:"resource_type"`
	Trigger        string                `json:"trigger"` // "schedule", "webhook", "manual", "lifecycle"
	Status         string                `json:"status"`  // "running", "completed", "partial", "error"
	Pages          int                   `json:"pages"`
	ChangesCreated int                   `json:"changes_created"`
	ChangesUpdated int                   `json:"changes_updated"`
	ChangesDeleted int                   `json:"changes_deleted"`
	ItemsFailed    int                   `json:"items_failed"`
	ColdStart      bool                  `json:"cold_start"`
	Recovered      bool                  `json:"recovered"`
	StartedAt      time.Time             `json:"started_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	Duration       string                `json:"duration,omitempty"`
	Message        string                `json:"message,omitempty"`
}

// Tracker tracks sync activity across all account feeds.
type Tracker struct {
	mu             sync.RWMutex
	active         map[string]*SyncActivity // account|resource -> activity
	recent         []*SyncActivity          // Recently completed syncs
	maxRecentSyncs int
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:         make(map[string]*SyncActivity),
		recent:         make([]*SyncActivity, 0),
		maxRecentSyncs: 50,
	}
}

func key(accountID string, rt provider.ResourceType) string {
	return accountID + "|" + string(rt)
}

// StartSync begins tracking a new sync cycle.
func (t *Tracker) StartSync(accountID string, rt provider.ResourceType, trigger string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[key(accountID, rt)] = &SyncActivity{
		AccountID:    accountID,
		ResourceType: rt,
		Trigger:      trigger,
		Status:       "running",
		StartedAt:    time.Now(),
	}
}

// RecordBatch adds the changes of one delivered batch to the running counters.
func (t *Tracker) RecordBatch(accountID string, rt provider.ResourceType, changes []provider.NormalizedChange) {
	t.mu.Lock()
	defer t.mu.Unlock()

	activity, exists := t.active[key(accountID, rt)]
	if !exists {
		return
	}
	for _, ch := range changes {
		switch ch.Kind {
		case provider.ChangeCreated:
			activity.ChangesCreated++
		case provider.ChangeUpdated:
			activity.ChangesUpdated++
		case provider.ChangeDeleted:
			activity.ChangesDeleted++
		}
	}
}

// FinishSync marks a sync as completed and moves it to recent. result is
// nil when the cycle failed.
func (t *Tracker) FinishSync(accountID string, rt provider.ResourceType, result *deltasync.Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(accountID, rt)
	activity, exists := t.active[k]
	if !exists {
		return
	}

	now := time.Now()
	activity.CompletedAt = &now
	activity.Duration = now.Sub(activity.StartedAt).Round(time.Millisecond).String()

	switch {
	case err != nil:
		activity.Status = "error"
		activity.Message = err.Error()
	case result != nil:
		activity.Pages = result.Pages
		activity.ChangesCreated = result.Created
		activity.ChangesUpdated = result.Updated
		activity.ChangesDeleted = result.Deleted
		activity.ItemsFailed = result.Failed
		activity.ColdStart = result.ColdStart
		activity.Recovered = result.Recovered
		activity.Status = "completed"
		if result.Failed > 0 {
			activity.Status = "partial"
		}
	default:
		activity.Status = "completed"
	}

	t.recent = append([]*SyncActivity{activity}, t.recent...)
	if len(t.recent) > t.maxRecentSyncs {
		t.recent = t.recent[:t.maxRecentSyncs]
	}

	delete(t.active, k)
}

// GetActive returns all currently active syncs, oldest first.
func (t *Tracker) GetActive() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, 0, len(t.active))
	for _, activity := range t.active {
		copy := *activity
		copy.Duration = time.Since(activity.StartedAt).Round(time.Millisecond).String()
		result = append(result, &copy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// GetRecent returns recently completed syncs, newest first.
func (t *Tracker) GetRecent() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, len(t.recent))
	for i, activity := range t.recent {
		copy := *activity
		result[i] = &copy
	}
	return result
}

// GetAll returns both active and recent syncs.
func (t *Tracker) GetAll() map[string]interface{} {
	return map[string]interface{}{
		"active": t.GetActive(),
		"recent": t.GetRecent(),
	}
}

// IsSyncing returns true if the account feed is currently syncing.
func (t *Tracker) IsSyncing(accountID string, rt provider.ResourceType) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.active[key(accountID, rt)]
	return exists
}
