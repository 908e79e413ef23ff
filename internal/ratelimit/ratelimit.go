// Package ratelimit enforces per-account request quotas before provider calls.
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	longWindow  = 10 * time.Minute
	shortWindow = time.Second

	DefaultPerSecond     = 4
	DefaultPerTenMinutes = 10000
	DefaultPollInterval  = 50 * time.Millisecond
	DefaultIdleTTL       = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute

	// defaultCooldown applies when a throttling response carries no wait hint.
	defaultCooldown = time.Second
)

// Config controls the quotas enforced per account.
type Config struct {
	PerSecond     int
	PerTenMinutes int
	PollInterval  time.Duration
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the default provider quotas.
func DefaultConfig() Config {
	return Config{
		PerSecond:     DefaultPerSecond,
		PerTenMinutes: DefaultPerTenMinutes,
		PollInterval:  DefaultPollInterval,
		IdleTTL:       DefaultIdleTTL,
		SweepInterval: DefaultSweepInterval,
	}
}

type accountState struct {
	short         []time.Time
	long          []time.Time
	cooldownUntil time.Time
	lastSeen      time.Time
}

// prune drops timestamps that have left their window.
func (s *accountState) prune(now time.Time) {
	s.short = trimBefore(s.short, now.Add(-shortWindow))
	s.long = trimBefore(s.long, now.Add(-longWindow))
}

func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// Usage is a point-in-time view of one account's quota state.
type Usage struct {
	AccountID     string
	LastSecond    int
	LastTenMinute int
	CooldownUntil time.Time
	LastSeen      time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source and sleep used while waiting for capacity.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
	}
}

// Limiter tracks sliding request windows per account.
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	accounts map[string]*accountState
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a Limiter. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = def.PerSecond
	}
	if cfg.PerTenMinutes <= 0 {
		cfg.PerTenMinutes = def.PerTenMinutes
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	l := &Limiter{
		cfg:      cfg,
		accounts: make(map[string]*accountState),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until the account has room in both windows and is not
// cooling down, then records the request. It returns early with the
// context's error if ctx is done first.
func (l *Limiter) Acquire(ctx context.Context, accountID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait := l.tryAcquire(accountID)
		if wait <= 0 {
			return nil
		}
		if wait > l.cfg.PollInterval {
			wait = l.cfg.PollInterval
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryAcquire records a request and returns zero, or returns how long the
// caller should wait before checking again.
func (l *Limiter) tryAcquire(accountID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state := l.stateLocked(accountID, now)
	state.prune(now)

	if now.Before(state.cooldownUntil) {
		return state.cooldownUntil.Sub(now)
	}
	if len(state.short) >= l.cfg.PerSecond {
		return state.short[0].Add(shortWindow).Sub(now)
	}
	if len(state.long) >= l.cfg.PerTenMinutes {
		return state.long[0].Add(longWindow).Sub(now)
	}

	state.short = append(state.short, now)
	state.long = append(state.long, now)
	return 0
}

func (l *Limiter) stateLocked(accountID string, now time.Time) *accountState {
	state, ok := l.accounts[accountID]
	if !ok {
		state = &accountState{}
		l.accounts[accountID] = state
	}
	state.lastSeen = now
	return state
}

// NotifyThrottled starts or extends a cooldown for the account. A
// non-positive retryAfter uses a one second cooldown. An existing later
// cooldown is never shortened.
func (l *Limiter) NotifyThrottled(accountID string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = defaultCooldown
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state := l.stateLocked(accountID, now)
	until := now.Add(retryAfter)
	if until.After(state.cooldownUntil) {
		state.cooldownUntil = until
	}
}

// Sweep evicts accounts idle for at least IdleTTL and returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, state := range l.accounts {
		if now.Sub(state.lastSeen) >= l.cfg.IdleTTL && !now.Before(state.cooldownUntil) {
			delete(l.accounts, id)
			removed++
		}
	}
	return removed
}

// Usage returns the quota state for an account, and false if none is tracked.
func (l *Limiter) Usage(accountID string) (Usage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.accounts[accountID]
	if !ok {
		return Usage{}, false
	}
	now := l.now()
	state.prune(now)
	return Usage{
		AccountID:     accountID,
		LastSecond:    len(state.short),
		LastTenMinute: len(state.long),
		CooldownUntil: state.cooldownUntil,
		LastSeen:      state.lastSeen,
	}, true
}

// AccountCount returns the number of tracked accounts.
func (l *Limiter) AccountCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.accounts)
}

// Start runs the idle sweep in the background until Stop is called.
func (l *Limiter) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.stopCh = make(chan struct{})
	stopCh := l.stopCh
	l.mu.Unlock()

	l.wg.Add(1)
	go l.sweepRoutine(stopCh)
}

// Stop halts the background sweep.
func (l *Limiter) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()
}

func (l *Limiter) sweepRoutine(stopCh <-chan struct{}) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if removed := l.Sweep(); removed > 0 {
				log.Printf("Evicted rate limit state for %d idle accounts", removed)
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
