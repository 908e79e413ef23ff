package db

import (
	"time"

	"github.com/macjediwizard/deltabridge/internal/provider"
)

// SyncStatus represents the status of a sync operation.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial" // Sync completed but some items could not be fetched
	SyncStatusError   SyncStatus = "error"
)

// SyncTarget is one account feed the scheduler keeps in sync.
type SyncTarget struct {
	ID              string                `json:"id"`
	AccountID       string                `json:"account_id"`
	ResourceType    provider.ResourceType `json:"resource_type"`
	SyncInterval    int                   `json:"sync_interval"` // in seconds
	Enabled         bool                  `json:"enabled"`
	LastSyncAt      *time.Time            `json:"last_sync_at,omitempty"`
	LastSyncStatus  SyncStatus            `json:"last_sync_status"`
	LastSyncMessage string                `json:"last_sync_message,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Key returns the account|resource key used by the scheduler and activity tracker.
func (t *SyncTarget) Key() string {
	return TargetKey(t.AccountID, t.ResourceType)
}

// TargetKey builds the key for an account feed.
func TargetKey(accountID string, resourceType provider.ResourceType) string {
	return accountID + "|" + string(resourceType)
}

// SyncCursor is the stored cursor of an account feed.
type SyncCursor struct {
	AccountID    string
	ResourceType provider.ResourceType
	Cursor       string
	UpdatedAt    time.Time
}

// AccountCredential holds the refresh token the token provider exchanges
// for access tokens.
type AccountCredential struct {
	AccountID    string
	TenantID     string
	RefreshToken string
	UpdatedAt    time.Time
}

// SyncLog represents the outcome of one sync cycle.
type SyncLog struct {
	ID             string                `json:"id"`
	AccountID      string                `json:"account_id"`
	ResourceType   provider.ResourceType `json:"resource_type"`
	Status         SyncStatus            `json:"status"`
	Message        string                `json:"message,omitempty"`
	ChangesCreated int                   `json:"changes_created"`
	ChangesUpdated int                   `json:"changes_updated"`
	ChangesDeleted int                   `json:"changes_deleted"`
	ItemsFailed    int                   `json:"items_failed"`
	Pages          int                   `json:"pages"`
	ColdStart      bool                  `json:"cold_start"`
	Recovered      bool                  `json:"recovered"`
	Duration       time.Duration         `json:"duration"`
	CreatedAt      time.Time             `json:"created_at"`
}
