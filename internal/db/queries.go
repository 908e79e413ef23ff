package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/macjediwizard/deltabridge/internal/provider"
)

// GetCursor returns the stored cursor for an account feed. A missing cursor
// is reported with found=false.
func (db *DB) GetCursor(ctx context.Context, accountID string, resourceType provider.ResourceType) (string, bool, error) {
	query := `SELECT cursor FROM sync_cursors WHERE account_id = ? AND resource_type = ?`

	var cursor string
	err := db.conn.QueryRowContext(ctx, query, accountID, resourceType).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get cursor: %w", err)
	}
	return cursor, true, nil
}

// UpsertCursor stores the cursor for an account feed, replacing any previous one.
func (db *DB) UpsertCursor(ctx context.Context, accountID string, resourceType provider.ResourceType, cursor string) error {
	now := time.Now().UTC()

	query := `UPDATE sync_cursors SET cursor = ?, updated_at = ? WHERE account_id = ? AND resource_type = ?`
	result, err := db.conn.ExecContext(ctx, query, cursor, now, accountID, resourceType)
	if err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		insertQuery := `INSERT INTO sync_cursors (account_id, resource_type, cursor, updated_at) VALUES (?, ?, ?, ?)`
		if _, err := db.conn.ExecContext(ctx, insertQuery, accountID, resourceType, cursor, now); err != nil {
			return fmt.Errorf("failed to insert cursor: %w", err)
		}
	}

	return nil
}

// DeleteCursor removes the cursor for an account feed. Deleting a missing
// cursor is not an error.
func (db *DB) DeleteCursor(ctx context.Context, accountID string, resourceType provider.ResourceType) error {
	query := `DELETE FROM sync_cursors WHERE account_id = ? AND resource_type = ?`

	if _, err := db.conn.ExecContext(ctx, query, accountID, resourceType); err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	return nil
}

// ListCursors returns every stored cursor.
func (db *DB) ListCursors(ctx context.Context) ([]*SyncCursor, error) {
	query := `SELECT account_id, resource_type, cursor, updated_at FROM sync_cursors ORDER BY account_id, resource_type`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query cursors: %w", err)
	}
	defer rows.Close()

	var cursors []*SyncCursor
	for rows.Next() {
		c := &SyncCursor{}
		if err := rows.Scan(&c.AccountID, &c.ResourceType, &c.Cursor, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		cursors = append(cursors, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cursors: %w", err)
	}

	return cursors, nil
}

// CreateSyncTarget creates a new sync target.
func (db *DB) CreateSyncTarget(ctx context.Context, target *SyncTarget) error {
	if target.ID == "" {
		target.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	target.CreatedAt = now
	target.UpdatedAt = now
	if target.LastSyncStatus == "" {
		target.LastSyncStatus = SyncStatusPending
	}

	query := `INSERT INTO sync_targets (id, account_id, resource_type, sync_interval, enabled,
		last_sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query, target.ID, target.AccountID, target.ResourceType,
		target.SyncInterval, target.Enabled, target.LastSyncStatus, target.CreatedAt, target.UpdatedAt)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: target %s/%s", ErrDuplicate, target.AccountID, target.ResourceType)
		}
		return fmt.Errorf("failed to create sync target: %w", err)
	}

	return nil
}

// GetSyncTarget returns the target for an account feed.
func (db *DB) GetSyncTarget(ctx context.Context, accountID string, resourceType provider.ResourceType) (*SyncTarget, error) {
	query := `SELECT id, account_id, resource_type, sync_interval, enabled, last_sync_at,
		last_sync_status, last_sync_message, created_at, updated_at
		FROM sync_targets WHERE account_id = ? AND resource_type = ?`

	target, err := scanSyncTarget(db.conn.QueryRowContext(ctx, query, accountID, resourceType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return target, err
}

// ListSyncTargets returns all targets, optionally only enabled ones.
func (db *DB) ListSyncTargets(ctx context.Context, enabledOnly bool) ([]*SyncTarget, error) {
	query := `SELECT id, account_id, resource_type, sync_interval, enabled, last_sync_at,
		last_sync_status, last_sync_message, created_at, updated_at
		FROM sync_targets`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY account_id, resource_type`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync targets: %w", err)
	}
	defer rows.Close()

	var targets []*SyncTarget
	for rows.Next() {
		target, err := scanSyncTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync targets: %w", err)
	}

	return targets, nil
}

// SetSyncTargetEnabled enables or disables a target.
func (db *DB) SetSyncTargetEnabled(ctx context.Context, accountID string, resourceType provider.ResourceType, enabled bool) error {
	query := `UPDATE sync_targets SET enabled = ?, updated_at = ? WHERE account_id = ? AND resource_type = ?`
	return db.execTarget(ctx, query, enabled, time.Now().UTC(), accountID, resourceType)
}

// UpdateSyncTargetStatus records the outcome of the latest sync of a target.
func (db *DB) UpdateSyncTargetStatus(ctx context.Context, accountID string, resourceType provider.ResourceType, status SyncStatus, message string) error {
	now := time.Now().UTC()
	query := `UPDATE sync_targets SET last_sync_at = ?, last_sync_status = ?, last_sync_message = ?, updated_at = ?
		WHERE account_id = ? AND resource_type = ?`
	return db.execTarget(ctx, query, now, status, message, now, accountID, resourceType)
}

// DeleteSyncTarget removes a target together with its cursor.
func (db *DB) DeleteSyncTarget(ctx context.Context, accountID string, resourceType provider.ResourceType) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM sync_targets WHERE account_id = ? AND resource_type = ?`, accountID, resourceType)
	if err != nil {
		return fmt.Errorf("failed to delete sync target: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_cursors WHERE account_id = ? AND resource_type = ?`, accountID, resourceType); err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}

	return tx.Commit()
}

func (db *DB) execTarget(ctx context.Context, query string, args ...any) error {
	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update sync target: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanSyncTarget scans a single row into a SyncTarget.
func scanSyncTarget(row scanner) (*SyncTarget, error) {
	target := &SyncTarget{}
	var lastSyncAt sql.NullTime
	var lastSyncMessage sql.NullString

	err := row.Scan(
		&target.ID, &target.AccountID, &target.ResourceType, &target.SyncInterval, &target.Enabled,
		&lastSyncAt, &target.LastSyncStatus, &lastSyncMessage, &target.CreatedAt, &target.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync target: %w", err)
	}

	if lastSyncAt.Valid {
		target.LastSyncAt = &lastSyncAt.Time
	}
	target.LastSyncMessage = lastSyncMessage.String

	return target, nil
}

// CreateSubscription stores a subscription record.
func (db *DB) CreateSubscription(ctx context.Context, sub *provider.Subscription) error {
	now := time.Now().UTC()
	query := `INSERT INTO subscriptions (id, account_id, resource_type, tenant_id, client_state, expires_at, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query, sub.ID, sub.AccountID, sub.ResourceType, sub.TenantID,
		sub.ClientState, sub.ExpiresAt.UTC(), sub.IsActive, now, now)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: subscription %s", ErrDuplicate, sub.ID)
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// FindBySubscriptionID returns a subscription record. Unknown IDs yield an
// error matching both ErrNotFound and provider.ErrSubscriptionNotFound.
func (db *DB) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*provider.Subscription, error) {
	query := `SELECT id, account_id, resource_type, tenant_id, client_state, expires_at, is_active
		FROM subscriptions WHERE id = ?`

	sub, err := scanSubscription(db.conn.QueryRowContext(ctx, query, subscriptionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, provider.ErrSubscriptionNotFound)
	}
	return sub, err
}

// FindActiveSubscription returns the active subscription of an account feed.
func (db *DB) FindActiveSubscription(ctx context.Context, accountID string, resourceType provider.ResourceType) (*provider.Subscription, error) {
	query := `SELECT id, account_id, resource_type, tenant_id, client_state, expires_at, is_active
		FROM subscriptions WHERE account_id = ? AND resource_type = ? AND is_active = 1
		ORDER BY expires_at DESC LIMIT 1`

	sub, err := scanSubscription(db.conn.QueryRowContext(ctx, query, accountID, resourceType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

// ListSubscriptionsExpiringBefore returns active subscriptions that expire
// before the given time, soonest first.
func (db *DB) ListSubscriptionsExpiringBefore(ctx context.Context, before time.Time) ([]*provider.Subscription, error) {
	query := `SELECT id, account_id, resource_type, tenant_id, client_state, expires_at, is_active
		FROM subscriptions WHERE is_active = 1 AND expires_at < ? ORDER BY expires_at`

	rows, err := db.conn.QueryContext(ctx, query, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*provider.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}

	return subs, nil
}

// DeactivateSubscription marks a subscription inactive.
func (db *DB) DeactivateSubscription(ctx context.Context, subscriptionID string) error {
	query := `UPDATE subscriptions SET is_active = 0, updated_at = ? WHERE id = ?`
	return db.execSubscription(ctx, query, time.Now().UTC(), subscriptionID)
}

// UpdateSubscriptionExpiry records a renewed expiry.
func (db *DB) UpdateSubscriptionExpiry(ctx context.Context, subscriptionID string, expiresAt time.Time) error {
	query := `UPDATE subscriptions SET expires_at = ?, updated_at = ? WHERE id = ?`
	return db.execSubscription(ctx, query, expiresAt.UTC(), time.Now().UTC(), subscriptionID)
}

func (db *DB) execSubscription(ctx context.Context, query string, args ...any) error {
	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %w", ErrNotFound, provider.ErrSubscriptionNotFound)
	}
	return nil
}

func scanSubscription(row scanner) (*provider.Subscription, error) {
	sub := &provider.Subscription{}
	var tenantID, clientState sql.NullString

	err := row.Scan(&sub.ID, &sub.AccountID, &sub.ResourceType, &tenantID, &clientState, &sub.ExpiresAt, &sub.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}

	sub.TenantID = tenantID.String
	sub.ClientState = clientState.String
	return sub, nil
}

// UpsertAccountCredential stores the refresh token of an account.
func (db *DB) UpsertAccountCredential(ctx context.Context, cred *AccountCredential) error {
	cred.UpdatedAt = time.Now().UTC()

	query := `UPDATE account_credentials SET tenant_id = ?, refresh_token = ?, updated_at = ? WHERE account_id = ?`
	result, err := db.conn.ExecContext(ctx, query, cred.TenantID, cred.RefreshToken, cred.UpdatedAt, cred.AccountID)
	if err != nil {
		return fmt.Errorf("failed to update account credential: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		insertQuery := `INSERT INTO account_credentials (account_id, tenant_id, refresh_token, updated_at) VALUES (?, ?, ?, ?)`
		if _, err := db.conn.ExecContext(ctx, insertQuery, cred.AccountID, cred.TenantID, cred.RefreshToken, cred.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert account credential: %w", err)
		}
	}

	return nil
}

// GetAccountCredential returns the stored credential of an account.
func (db *DB) GetAccountCredential(ctx context.Context, accountID string) (*AccountCredential, error) {
	query := `SELECT account_id, tenant_id, refresh_token, updated_at FROM account_credentials WHERE account_id = ?`

	cred := &AccountCredential{}
	var tenantID sql.NullString
	err := db.conn.QueryRowContext(ctx, query, accountID).Scan(&cred.AccountID, &tenantID, &cred.RefreshToken, &cred.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account credential: %w", err)
	}
	cred.TenantID = tenantID.String
	return cred, nil
}

// CreateSyncLog creates a new sync log entry.
func (db *DB) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	log.CreatedAt = time.Now().UTC()

	query := `INSERT INTO sync_logs (id, account_id, resource_type, status, message, duration_ms,
		changes_created, changes_updated, changes_deleted, items_failed, pages, cold_start, recovered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query, log.ID, log.AccountID, log.ResourceType, log.Status, log.Message,
		log.Duration.Milliseconds(), log.ChangesCreated, log.ChangesUpdated, log.ChangesDeleted, log.ItemsFailed,
		log.Pages, log.ColdStart, log.Recovered, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}

	return nil
}

// GetSyncLogs returns the most recent sync logs of an account feed.
func (db *DB) GetSyncLogs(ctx context.Context, accountID string, resourceType provider.ResourceType, limit int) ([]*SyncLog, error) {
	query := `SELECT id, account_id, resource_type, status, message, duration_ms,
		changes_created, changes_updated, changes_deleted, items_failed, pages, cold_start, recovered, created_at
		FROM sync_logs WHERE account_id = ? AND resource_type = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, accountID, resourceType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log := &SyncLog{}
		var durationMs int64
		var message sql.NullString
		err := rows.Scan(&log.ID, &log.AccountID, &log.ResourceType, &log.Status, &message, &durationMs,
			&log.ChangesCreated, &log.ChangesUpdated, &log.ChangesDeleted, &log.ItemsFailed,
			&log.Pages, &log.ColdStart, &log.Recovered, &log.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		log.Message = message.String
		log.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}

	return logs, nil
}

// CleanOldSyncLogs deletes sync logs older than the given time.
func (db *DB) CleanOldSyncLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM sync_logs WHERE created_at < ?`

	result, err := db.conn.ExecContext(ctx, query, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
