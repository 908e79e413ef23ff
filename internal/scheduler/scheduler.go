// Package scheduler runs sync cycles for registered targets on a timer and
// on demand, one cycle at a time per account feed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/macjediwizard/deltabridge/internal/activity"
	"github.com/macjediwizard/deltabridge/internal/db"
	"github.com/macjediwizard/deltabridge/internal/deltasync"
	"github.com/macjediwizard/deltabridge/internal/lifecycle"
	"github.com/macjediwizard/deltabridge/internal/notify"
	"github.com/macjediwizard/deltabridge/internal/provider"
)

const (
	cleanupInterval      = 24 * time.Hour
	logRetentionDays     = 30
	defaultRenewInterval = 15 * time.Minute
	defaultRenewBefore   = 6 * time.Hour
	minimumJobInterval   = time.Second
)

var (
	ErrSyncInProgress = lifecycle.ErrSyncInProgress
	ErrTargetDisabled = errors.New("sync target is disabled")
)

// Store is the persistence the scheduler needs.
type Store interface {
	ListSyncTargets(ctx context.Context, enabledOnly bool) ([]*db.SyncTarget, error)
	GetSyncTarget(ctx context.Context, accountID string, resourceType provider.ResourceType) (*db.SyncTarget, error)
	UpdateSyncTargetStatus(ctx context.Context, accountID string, resourceType provider.ResourceType, status db.SyncStatus, message string) error
	CreateSyncLog(ctx context.Context, log *db.SyncLog) error
	CleanOldSyncLogs(ctx context.Context, olderThan time.Time) (int64, error)
	ListSubscriptionsExpiringBefore(ctx context.Context, before time.Time) ([]*provider.Subscription, error)
}

// Engine runs one sync cycle into a sink.
type Engine interface {
	SyncTo(ctx context.Context, accountID string, resourceType provider.ResourceType, opts deltasync.Options, sink deltasync.Sink) (*deltasync.Result, error)
}

// Alerter reports failing and recovered targets.
type Alerter interface {
	Notify(ctx context.Context, alert notify.Alert) bool
	NotifyRecovery(ctx context.Context, accountID, resourceType string) bool
}

// SignalHandler handles lifecycle signals; the renewal sweep sends
// reauthorization signals for subscriptions close to expiry.
type SignalHandler interface {
	HandleSignal(ctx context.Context, kind lifecycle.SignalKind, subscriptionID, tenantID string) lifecycle.Outcome
}

// Options configures a Scheduler.
type Options struct {
	Sink    deltasync.Sink
	Tracker *activity.Tracker
	Alerter Alerter
	Mode    deltasync.Mode
	// RenewBefore is how long before expiry subscriptions are renewed.
	RenewBefore time.Duration
	// RenewInterval is how often the renewal sweep runs.
	RenewInterval time.Duration
}

// Job represents a scheduled sync job.
type Job struct {
	accountID    string
	resourceType provider.ResourceType
	interval     time.Duration
	ticker       *time.Ticker
	stopCh       chan struct{}
}

// Scheduler manages background sync jobs.
type Scheduler struct {
	store   Store
	engine  Engine
	opts    Options
	signals SignalHandler

	mu        sync.RWMutex
	jobs      map[string]*Job
	syncLocks map[string]*sync.Mutex // Per-target locks to prevent concurrent syncs
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
}

// New creates a new scheduler.
func New(store Store, engine Engine, opts Options) *Scheduler {
	if opts.Sink == nil {
		opts.Sink = deltasync.SinkFunc(func(context.Context, []provider.NormalizedChange) error { return nil })
	}
	if opts.Tracker == nil {
		opts.Tracker = activity.NewTracker()
	}
	if opts.Mode == "" {
		opts.Mode = deltasync.ModeBuffered
	}
	if opts.RenewBefore <= 0 {
		opts.RenewBefore = defaultRenewBefore
	}
	if opts.RenewInterval <= 0 {
		opts.RenewInterval = defaultRenewInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     store,
		engine:    engine,
		opts:      opts,
		jobs:      make(map[string]*Job),
		syncLocks: make(map[string]*sync.Mutex),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetSignalHandler sets the handler the renewal sweep uses. It must be
// called before Start.
func (s *Scheduler) SetSignalHandler(h SignalHandler) {
	s.signals = h
}

// Tracker returns the activity tracker.
func (s *Scheduler) Tracker() *activity.Tracker {
	return s.opts.Tracker
}

// Start loads all enabled targets and starts their sync jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	targets, err := s.store.ListSyncTargets(s.ctx, true)
	if err != nil {
		return fmt.Errorf("failed to load sync targets: %w", err)
	}

	for _, target := range targets {
		s.AddJob(target.AccountID, target.ResourceType, time.Duration(target.SyncInterval)*time.Second)
	}

	s.wg.Add(1)
	go s.cleanupRoutine()

	if s.signals != nil {
		s.wg.Add(1)
		go s.renewalRoutine()
	}

	log.Printf("Scheduler started with %d jobs", len(targets))
	return nil
}

// Stop gracefully shuts down all jobs and waits for in-flight syncs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()

	s.mu.Lock()
	for _, job := range s.jobs {
		close(job.stopCh)
		job.ticker.Stop()
	}
	s.jobs = make(map[string]*Job)
	s.mu.Unlock()

	s.wg.Wait()
	log.Println("Scheduler stopped")
}

// AddJob adds or replaces the sync job of an account feed.
func (s *Scheduler) AddJob(accountID string, rt provider.ResourceType, interval time.Duration) {
	if interval < minimumJobInterval {
		interval = minimumJobInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := db.TargetKey(accountID, rt)
	if existingJob, exists := s.jobs[key]; exists {
		close(existingJob.stopCh)
		existingJob.ticker.Stop()
	}

	job := &Job{
		accountID:    accountID,
		resourceType: rt,
		interval:     interval,
		ticker:       time.NewTicker(interval),
		stopCh:       make(chan struct{}),
	}
	s.jobs[key] = job

	s.wg.Add(1)
	go s.runJob(job)

	log.Printf("Added sync job for %s with interval %v", key, interval)
}

// RemoveJob removes a sync job.
func (s *Scheduler) RemoveJob(accountID string, rt provider.ResourceType) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := db.TargetKey(accountID, rt)
	if job, exists := s.jobs[key]; exists {
		close(job.stopCh)
		job.ticker.Stop()
		delete(s.jobs, key)
		log.Printf("Removed sync job for %s", key)
	}
}

// UpdateJobInterval updates the interval for an existing job.
func (s *Scheduler) UpdateJobInterval(accountID string, rt provider.ResourceType, interval time.Duration) {
	if interval < minimumJobInterval {
		interval = minimumJobInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := db.TargetKey(accountID, rt)
	if job, exists := s.jobs[key]; exists {
		job.ticker.Reset(interval)
		job.interval = interval
		log.Printf("Updated sync interval for %s to %v", key, interval)
	}
}

// GetJobCount returns the number of active jobs.
func (s *Scheduler) GetJobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// TriggerSync starts a sync in the background. A sync that is already
// running for the target absorbs the trigger.
func (s *Scheduler) TriggerSync(accountID string, rt provider.ResourceType, trigger string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.executeSync(s.ctx, accountID, rt, trigger); err != nil && !errors.Is(err, ErrSyncInProgress) {
			log.Printf("Triggered sync for %s/%s failed: %v", accountID, rt, err)
		}
	}()
}

// SyncNow runs one sync cycle for an account feed and waits for it. It
// returns ErrSyncInProgress when a cycle is already running.
func (s *Scheduler) SyncNow(ctx context.Context, accountID string, rt provider.ResourceType) (*deltasync.Result, error) {
	return s.executeSync(ctx, accountID, rt, "lifecycle")
}

// runJob runs the sync job loop.
func (s *Scheduler) runJob(job *Job) {
	defer s.wg.Done()

	s.scheduledSync(job)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-job.stopCh:
			return
		case <-job.ticker.C:
			s.scheduledSync(job)
		}
	}
}

func (s *Scheduler) scheduledSync(job *Job) {
	_, err := s.executeSync(s.ctx, job.accountID, job.resourceType, "schedule")
	if errors.Is(err, ErrSyncInProgress) {
		log.Printf("Skipping sync for %s/%s - another sync is already in progress", job.accountID, job.resourceType)
	}
}

// getSyncLock returns the mutex for a target, creating one if needed.
func (s *Scheduler) getSyncLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, exists := s.syncLocks[key]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.syncLocks[key] = lock
	return lock
}

// executeSync runs one cycle for a target and records its outcome.
func (s *Scheduler) executeSync(ctx context.Context, accountID string, rt provider.ResourceType, trigger string) (*deltasync.Result, error) {
	lock := s.getSyncLock(db.TargetKey(accountID, rt))
	if !lock.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer lock.Unlock()

	target, err := s.store.GetSyncTarget(ctx, accountID, rt)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync target %s/%s: %w", accountID, rt, err)
	}
	if !target.Enabled {
		return nil, ErrTargetDisabled
	}

	log.Printf("Starting sync for %s/%s (%s)", accountID, rt, trigger)
	tracker := s.opts.Tracker
	tracker.StartSync(accountID, rt, trigger)

	sink := deltasync.SinkFunc(func(ctx context.Context, changes []provider.NormalizedChange) error {
		if err := s.opts.Sink.Push(ctx, changes); err != nil {
			return err
		}
		tracker.RecordBatch(accountID, rt, changes)
		return nil
	})

	started := time.Now()
	result, err := s.engine.SyncTo(ctx, accountID, rt, deltasync.Options{Mode: s.opts.Mode}, sink)
	tracker.FinishSync(accountID, rt, result, err)

	s.record(accountID, rt, result, err, time.Since(started))
	return result, err
}

// record persists the outcome of a cycle and raises alerts. It uses the
// scheduler context so outcomes of cancelled callers are still written.
func (s *Scheduler) record(accountID string, rt provider.ResourceType, result *deltasync.Result, syncErr error, elapsed time.Duration) {
	ctx := context.WithoutCancel(s.ctx)
	entry := &db.SyncLog{AccountID: accountID, ResourceType: rt, Duration: elapsed}

	if syncErr != nil {
		entry.Status = db.SyncStatusError
		entry.Message = syncErr.Error()
		log.Printf("Sync failed for %s/%s: %v", accountID, rt, syncErr)
		if s.opts.Alerter != nil {
			s.opts.Alerter.Notify(ctx, notify.Alert{
				Type:         notify.AlertTypeSyncFailed,
				AccountID:    accountID,
				ResourceType: string(rt),
				Message:      fmt.Sprintf("Sync failed for %s/%s", accountID, rt),
				Details:      syncErr.Error(),
			})
		}
	} else {
		entry.Status = db.SyncStatusSuccess
		if result.Failed > 0 {
			entry.Status = db.SyncStatusPartial
		}
		entry.Message = fmt.Sprintf("%d created, %d updated, %d deleted", result.Created, result.Updated, result.Deleted)
		entry.ChangesCreated = result.Created
		entry.ChangesUpdated = result.Updated
		entry.ChangesDeleted = result.Deleted
		entry.ItemsFailed = result.Failed
		entry.Pages = result.Pages
		entry.ColdStart = result.ColdStart
		entry.Recovered = result.Recovered
		if s.opts.Alerter != nil {
			s.opts.Alerter.NotifyRecovery(ctx, accountID, string(rt))
		}
	}

	if err := s.store.CreateSyncLog(ctx, entry); err != nil {
		log.Printf("Failed to write sync log for %s/%s: %v", accountID, rt, err)
	}
	if err := s.store.UpdateSyncTargetStatus(ctx, accountID, rt, entry.Status, entry.Message); err != nil {
		log.Printf("Failed to update sync status for %s/%s: %v", accountID, rt, err)
	}
}

// cleanupRoutine runs periodic cleanup of old sync logs.
func (s *Scheduler) cleanupRoutine() {
	defer s.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOldLogs()
		}
	}
}

// cleanupOldLogs deletes sync logs older than retention period.
func (s *Scheduler) cleanupOldLogs() {
	cutoff := time.Now().AddDate(0, 0, -logRetentionDays)
	deleted, err := s.store.CleanOldSyncLogs(s.ctx, cutoff)
	if err != nil {
		log.Printf("Failed to clean old sync logs: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("Cleaned %d old sync logs", deleted)
	}
}

// renewalRoutine renews subscriptions before they expire.
func (s *Scheduler) renewalRoutine() {
	defer s.wg.Done()

	s.renewExpiring()

	ticker := time.NewTicker(s.opts.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.renewExpiring()
		}
	}
}

// renewExpiring sends a reauthorization signal for every active
// subscription expiring within RenewBefore. It returns the number renewed.
func (s *Scheduler) renewExpiring() int {
	subs, err := s.store.ListSubscriptionsExpiringBefore(s.ctx, time.Now().Add(s.opts.RenewBefore))
	if err != nil {
		log.Printf("Failed to list expiring subscriptions: %v", err)
		return 0
	}

	renewed := 0
	for _, sub := range subs {
		if s.ctx.Err() != nil {
			break
		}
		out := s.signals.HandleSignal(s.ctx, lifecycle.SignalReauthorizationRequired, sub.ID, sub.TenantID)
		if out.Success {
			renewed++
		}
	}
	if len(subs) > 0 {
		log.Printf("Renewed %d of %d expiring subscriptions", renewed, len(subs))
	}
	return renewed
}
