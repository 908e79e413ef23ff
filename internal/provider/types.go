package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrSubscriptionNotFound is returned by subscription stores for unknown IDs.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ResourceType identifies which change feed of an account is being synced.
type ResourceType string

const (
	ResourceEvents   ResourceType = "events"
	ResourceMessages ResourceType = "messages"
	ResourceContacts ResourceType = "contacts"
	ResourceCalendar ResourceType = "calendar" // CalDAV collection
)

// ValidResourceTypes contains all valid resource type values.
var ValidResourceTypes = map[ResourceType]bool{
	ResourceEvents:   true,
	ResourceMessages: true,
	ResourceContacts: true,
	ResourceCalendar: true,
}

// IsValid returns true if the resource type is a known valid value.
func (rt ResourceType) IsValid() bool {
	return ValidResourceTypes[rt]
}

// ChangeKind classifies a normalized change.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// ChangeItem is a provider-agnostic envelope over a single resource delta.
// ID may be empty; such items cannot be deduplicated.
type ChangeItem struct {
	ID             string          `json:"id"`
	CreatedAt      *time.Time      `json:"created_at,omitempty"`
	LastModifiedAt *time.Time      `json:"last_modified_at,omitempty"`
	Removed        bool            `json:"removed"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// SortKey returns LastModifiedAt, falling back to CreatedAt.
// The zero time is returned when neither is set.
func (c ChangeItem) SortKey() time.Time {
	if c.LastModifiedAt != nil {
		return *c.LastModifiedAt
	}
	if c.CreatedAt != nil {
		return *c.CreatedAt
	}
	return time.Time{}
}

// NormalizedChange is a classified change bound to the account and feed it came from.
type NormalizedChange struct {
	ID           string          `json:"id"`
	Kind         ChangeKind      `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	AccountID    string          `json:"account_id"`
	ResourceType ResourceType    `json:"resource_type"`
	ModifiedAt   time.Time       `json:"modified_at"`
}

// DateWindow bounds a fresh feed request to [Start, End].
type DateWindow struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether the window is unset.
func (w *DateWindow) IsZero() bool {
	return w == nil || (w.Start.IsZero() && w.End.IsZero())
}

// PageRequest describes one change-feed request.
// An empty Token requests a fresh feed.
type PageRequest struct {
	AccountID    string
	ResourceType ResourceType
	Token        string
	Window       *DateWindow
	// LatestOnly asks the feed for a terminal cursor at the current head
	// without enumerating existing items. Feeds that cannot do this ignore it.
	LatestOnly bool
}

// IsFresh reports whether the request starts a new feed.
func (r PageRequest) IsFresh() bool {
	return r.Token == ""
}

// FailedItem records an item that could not be materialized within a page.
type FailedItem struct {
	ID  string
	Err error
}

// Page is one page of a change feed. On success exactly one of
// NextPageToken and TerminalCursor is non-empty.
type Page struct {
	Items          []ChangeItem
	NextPageToken  string
	TerminalCursor string
	Failed         []FailedItem
}

// IsTerminal reports whether the page reached the head of the feed.
func (p *Page) IsTerminal() bool {
	return p.TerminalCursor != ""
}

// Feed fetches single pages from a provider change feed.
type Feed interface {
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)
}

// TokenProvider returns a valid access token for an account. Implementations
// handle their own refresh.
type TokenProvider interface {
	AccessToken(ctx context.Context, accountID string) (string, error)
}

// Subscription is a provider push subscription owned by the host.
type Subscription struct {
	ID           string       `json:"id"`
	AccountID    string       `json:"account_id"`
	ResourceType ResourceType `json:"resource_type"`
	TenantID     string       `json:"tenant_id,omitempty"`
	ClientState  string       `json:"-"`
	ExpiresAt    time.Time    `json:"expires_at"`
	IsActive     bool         `json:"is_active"`
}

// IsLive reports whether the subscription is active and unexpired at now.
func (s *Subscription) IsLive(now time.Time) bool {
	return s != nil && s.IsActive && now.Before(s.ExpiresAt)
}
