package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/macjediwizard/deltabridge/internal/provider"
)

// setupTestDB creates a temporary test database.
func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "deltabridge-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return db, cleanup
}

func createTestTarget(t *testing.T, db *DB, accountID string, rt provider.ResourceType) *SyncTarget {
	t.Helper()

	target := &SyncTarget{
		AccountID:    accountID,
		ResourceType: rt,
		SyncInterval: 300,
		Enabled:      true,
	}
	if err := db.CreateSyncTarget(context.Background(), target); err != nil {
		t.Fatalf("failed to create test target: %v", err)
	}
	return target
}

func TestCursorStore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	t.Run("missing cursor is not an error", func(t *testing.T) {
		cursor, found, err := db.GetCursor(ctx, "acct", provider.ResourceEvents)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if found || cursor != "" {
			t.Errorf("expected no cursor, got %q found=%v", cursor, found)
		}
	})

	t.Run("upsert overwrites", func(t *testing.T) {
		if err := db.UpsertCursor(ctx, "acct", provider.ResourceEvents, "delta-1"); err != nil {
			t.Fatalf("UpsertCursor failed: %v", err)
		}
		if err := db.UpsertCursor(ctx, "acct", provider.ResourceEvents, "delta-2"); err != nil {
			t.Fatalf("UpsertCursor failed: %v", err)
		}

		cursor, found, err := db.GetCursor(ctx, "acct", provider.ResourceEvents)
		if err != nil || !found {
			t.Fatalf("expected cursor, got found=%v err=%v", found, err)
		}
		if cursor != "delta-2" {
			t.Errorf("expected delta-2, got %q", cursor)
		}

		cursors, err := db.ListCursors(ctx)
		if err != nil {
			t.Fatalf("ListCursors failed: %v", err)
		}
		if len(cursors) != 1 {
			t.Errorf("expected 1 cursor row, got %d", len(cursors))
		}
	})

	t.Run("cursors are scoped by resource", func(t *testing.T) {
		if _, found, _ := db.GetCursor(ctx, "acct", provider.ResourceMessages); found {
			t.Error("expected no cursor for messages")
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := db.DeleteCursor(ctx, "acct", provider.ResourceEvents); err != nil {
			t.Fatalf("DeleteCursor failed: %v", err)
		}
		if _, found, _ := db.GetCursor(ctx, "acct", provider.ResourceEvents); found {
			t.Error("expected cursor to be deleted")
		}
		if err := db.DeleteCursor(ctx, "acct", provider.ResourceEvents); err != nil {
			t.Errorf("expected deleting a missing cursor to succeed, got %v", err)
		}
	})
}

func TestSyncTargets(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	target := createTestTarget(t, db, "acct", provider.ResourceEvents)
	createTestTarget(t, db, "acct", provider.ResourceContacts)

	t.Run("duplicate target", func(t *testing.T) {
		err := db.CreateSyncTarget(ctx, &SyncTarget{AccountID: "acct", ResourceType: provider.ResourceEvents, SyncInterval: 60})
		if !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("get", func(t *testing.T) {
		got, err := db.GetSyncTarget(ctx, "acct", provider.ResourceEvents)
		if err != nil {
			t.Fatalf("GetSyncTarget failed: %v", err)
		}
		if got.ID != target.ID || got.LastSyncStatus != SyncStatusPending || !got.Enabled {
			t.Errorf("unexpected target %+v", got)
		}
		if got.LastSyncAt != nil {
			t.Error("expected no last sync time")
		}

		if _, err := db.GetSyncTarget(ctx, "other", provider.ResourceEvents); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("status update", func(t *testing.T) {
		if err := db.UpdateSyncTargetStatus(ctx, "acct", provider.ResourceEvents, SyncStatusSuccess, "3 changes"); err != nil {
			t.Fatalf("UpdateSyncTargetStatus failed: %v", err)
		}
		got, _ := db.GetSyncTarget(ctx, "acct", provider.ResourceEvents)
		if got.LastSyncStatus != SyncStatusSuccess || got.LastSyncMessage != "3 changes" || got.LastSyncAt == nil {
			t.Errorf("unexpected target after update %+v", got)
		}

		err := db.UpdateSyncTargetStatus(ctx, "missing", provider.ResourceEvents, SyncStatusError, "x")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("enabled filter", func(t *testing.T) {
		if err := db.SetSyncTargetEnabled(ctx, "acct", provider.ResourceContacts, false); err != nil {
			t.Fatalf("SetSyncTargetEnabled failed: %v", err)
		}
		all, err := db.ListSyncTargets(ctx, false)
		if err != nil {
			t.Fatalf("ListSyncTargets failed: %v", err)
		}
		enabled, err := db.ListSyncTargets(ctx, true)
		if err != nil {
			t.Fatalf("ListSyncTargets failed: %v", err)
		}
		if len(all) != 2 || len(enabled) != 1 {
			t.Errorf("expected 2 targets and 1 enabled, got %d and %d", len(all), len(enabled))
		}
	})

	t.Run("delete removes cursor", func(t *testing.T) {
		if err := db.UpsertCursor(ctx, "acct", provider.ResourceEvents, "delta-1"); err != nil {
			t.Fatalf("UpsertCursor failed: %v", err)
		}
		if err := db.DeleteSyncTarget(ctx, "acct", provider.ResourceEvents); err != nil {
			t.Fatalf("DeleteSyncTarget failed: %v", err)
		}
		if _, found, _ := db.GetCursor(ctx, "acct", provider.ResourceEvents); found {
			t.Error("expected cursor to be removed with the target")
		}
		if err := db.DeleteSyncTarget(ctx, "acct", provider.ResourceEvents); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSubscriptions(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	soon := &provider.Subscription{
		ID: "sub-soon", AccountID: "acct", ResourceType: provider.ResourceEvents,
		TenantID: "tenant", ClientState: "secret", ExpiresAt: now.Add(30 * time.Minute), IsActive: true,
	}
	later := &provider.Subscription{
		ID: "sub-later", AccountID: "acct", ResourceType: provider.ResourceMessages,
		ExpiresAt: now.Add(48 * time.Hour), IsActive: true,
	}
	for _, sub := range []*provider.Subscription{soon, later} {
		if err := db.CreateSubscription(ctx, sub); err != nil {
			t.Fatalf("CreateSubscription failed: %v", err)
		}
	}

	t.Run("find", func(t *testing.T) {
		got, err := db.FindBySubscriptionID(ctx, "sub-soon")
		if err != nil {
			t.Fatalf("FindBySubscriptionID failed: %v", err)
		}
		if got.ClientState != "secret" || got.TenantID != "tenant" || !got.IsActive {
			t.Errorf("unexpected subscription %+v", got)
		}
		if !got.ExpiresAt.Equal(soon.ExpiresAt) {
			t.Errorf("expected expiry %v, got %v", soon.ExpiresAt, got.ExpiresAt)
		}
	})

	t.Run("unknown subscription", func(t *testing.T) {
		_, err := db.FindBySubscriptionID(ctx, "nope")
		if !errors.Is(err, provider.ErrSubscriptionNotFound) || !errors.Is(err, ErrNotFound) {
			t.Errorf("expected not found errors, got %v", err)
		}
		if err := db.DeactivateSubscription(ctx, "nope"); !errors.Is(err, provider.ErrSubscriptionNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("expiring before", func(t *testing.T) {
		subs, err := db.ListSubscriptionsExpiringBefore(ctx, now.Add(time.Hour))
		if err != nil {
			t.Fatalf("ListSubscriptionsExpiringBefore failed: %v", err)
		}
		if len(subs) != 1 || subs[0].ID != "sub-soon" {
			t.Errorf("expected only sub-soon, got %+v", subs)
		}
	})

	t.Run("renew and deactivate", func(t *testing.T) {
		renewed := now.Add(72 * time.Hour)
		if err := db.UpdateSubscriptionExpiry(ctx, "sub-soon", renewed); err != nil {
			t.Fatalf("UpdateSubscriptionExpiry failed: %v", err)
		}
		subs, _ := db.ListSubscriptionsExpiringBefore(ctx, now.Add(time.Hour))
		if len(subs) != 0 {
			t.Errorf("expected no subscriptions expiring soon, got %d", len(subs))
		}

		if err := db.DeactivateSubscription(ctx, "sub-later"); err != nil {
			t.Fatalf("DeactivateSubscription failed: %v", err)
		}
		if _, err := db.FindActiveSubscription(ctx, "acct", provider.ResourceMessages); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected no active messages subscription, got %v", err)
		}
		active, err := db.FindActiveSubscription(ctx, "acct", provider.ResourceEvents)
		if err != nil || active.ID != "sub-soon" {
			t.Errorf("expected sub-soon to be active, got %+v (%v)", active, err)
		}
	})
}

func TestAccountCredentials(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := db.GetAccountCredential(ctx, "acct"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := db.UpsertAccountCredential(ctx, &AccountCredential{AccountID: "acct", TenantID: "t1", RefreshToken: "r1"}); err != nil {
		t.Fatalf("UpsertAccountCredential failed: %v", err)
	}
	if err := db.UpsertAccountCredential(ctx, &AccountCredential{AccountID: "acct", TenantID: "t1", RefreshToken: "r2"}); err != nil {
		t.Fatalf("UpsertAccountCredential failed: %v", err)
	}

	cred, err := db.GetAccountCredential(ctx, "acct")
	if err != nil {
		t.Fatalf("GetAccountCredential failed: %v", err)
	}
	if cred.RefreshToken != "r2" || cred.TenantID != "t1" {
		t.Errorf("unexpected credential %+v", cred)
	}
}

func TestSyncLogs(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		entry := &SyncLog{
			AccountID:      "acct",
			ResourceType:   provider.ResourceEvents,
			Status:         SyncStatusSuccess,
			Message:        "ok",
			ChangesCreated: i,
			Pages:          2,
			ColdStart:      i == 0,
			Duration:       1500 * time.Millisecond,
		}
		if err := db.CreateSyncLog(ctx, entry); err != nil {
			t.Fatalf("CreateSyncLog failed: %v", err)
		}
	}
	if err := db.CreateSyncLog(ctx, &SyncLog{AccountID: "acct", ResourceType: provider.ResourceContacts, Status: SyncStatusError}); err != nil {
		t.Fatalf("CreateSyncLog failed: %v", err)
	}

	logs, err := db.GetSyncLogs(ctx, "acct", provider.ResourceEvents, 10)
	if err != nil {
		t.Fatalf("GetSyncLogs failed: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(logs))
	}
	if logs[0].Duration != 1500*time.Millisecond || logs[0].Pages != 2 {
		t.Errorf("unexpected log %+v", logs[0])
	}

	limited, _ := db.GetSyncLogs(ctx, "acct", provider.ResourceEvents, 2)
	if len(limited) != 2 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}

	deleted, err := db.CleanOldSyncLogs(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("CleanOldSyncLogs failed: %v", err)
	}
	if deleted != 4 {
		t.Errorf("expected 4 deleted logs, got %d", deleted)
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "nested", "test.db")

	first, err := New(dbPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := first.UpsertCursor(context.Background(), "acct", provider.ResourceEvents, "delta-1"); err != nil {
		t.Fatalf("UpsertCursor failed: %v", err)
	}
	first.Close()

	second, err := New(dbPath)
	if err != nil {
		t.Fatalf("expected migrations to be re-runnable, got %v", err)
	}
	defer second.Close()

	cursor, found, err := second.GetCursor(context.Background(), "acct", provider.ResourceEvents)
	if err != nil || !found || cursor != "delta-1" {
		t.Errorf("expected persisted cursor, got %q found=%v err=%v", cursor, found, err)
	}
	if err := second.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
