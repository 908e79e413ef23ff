package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock advances only when the limiter sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	slept  time.Duration
	sleeps int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept += d
	c.sleeps++
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := newFakeClock()
	return New(cfg, WithClock(clock.Now, clock.Sleep)), clock
}

func TestNewAppliesDefaults(t *testing.T) {
	l := New(Config{})
	if l.cfg.PerSecond != DefaultPerSecond {
		t.Errorf("expected %d per second, got %d", DefaultPerSecond, l.cfg.PerSecond)
	}
	if l.cfg.PerTenMinutes != DefaultPerTenMinutes {
		t.Errorf("expected %d per ten minutes, got %d", DefaultPerTenMinutes, l.cfg.PerTenMinutes)
	}
	if l.cfg.IdleTTL != DefaultIdleTTL {
		t.Errorf("expected idle ttl %v, got %v", DefaultIdleTTL, l.cfg.IdleTTL)
	}
}

func TestAcquireShortWindow(t *testing.T) {
	l, clock := newTestLimiter(DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := l.Acquire(ctx, "acct-1"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if clock.Slept() != 0 {
		t.Fatalf("expected first four acquires to be immediate, slept %v", clock.Slept())
	}

	if err := l.Acquire(ctx, "acct-1"); err != nil {
		t.Fatalf("fifth acquire: %v", err)
	}
	if clock.Slept() < time.Second {
		t.Errorf("expected fifth acquire to wait at least 1s, waited %v", clock.Slept())
	}
}

func TestAcquireAccountsAreIndependent(t *testing.T) {
	l, clock := newTestLimiter(DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = l.Acquire(ctx, "acct-1")
	}
	if err := l.Acquire(ctx, "acct-2"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if clock.Slept() != 0 {
		t.Errorf("expected other account to be unaffected, slept %v", clock.Slept())
	}
}

func TestAcquireLongWindow(t *testing.T) {
	l, clock := newTestLimiter(Config{PerSecond: 100, PerTenMinutes: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = l.Acquire(ctx, "acct-1")
		clock.Advance(2 * time.Second)
	}
	before := clock.Now()
	if err := l.Acquire(ctx, "acct-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// The oldest request was 6s before; it leaves the window after 10 minutes.
	if waited := clock.Now().Sub(before); waited < 10*time.Minute-6*time.Second {
		t.Errorf("expected to wait for the ten minute window, waited %v", waited)
	}
}

func TestNotifyThrottledBlocksRegardlessOfWindow(t *testing.T) {
	l, clock := newTestLimiter(DefaultConfig())
	ctx := context.Background()

	l.NotifyThrottled("acct-1", 5*time.Second)
	if err := l.Acquire(ctx, "acct-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if clock.Slept() < 5*time.Second {
		t.Errorf("expected to wait out the 5s cooldown, waited %v", clock.Slept())
	}
}

func TestNotifyThrottledNeverShortens(t *testing.T) {
	l, _ := newTestLimiter(DefaultConfig())

	l.NotifyThrottled("acct-1", 30*time.Second)
	first, _ := l.Usage("acct-1")
	l.NotifyThrottled("acct-1", time.Second)
	second, _ := l.Usage("acct-1")

	if !second.CooldownUntil.Equal(first.CooldownUntil) {
		t.Errorf("expected cooldown to stay at %v, got %v", first.CooldownUntil, second.CooldownUntil)
	}
}

func TestNotifyThrottledDefaultCooldown(t *testing.T) {
	l, clock := newTestLimiter(DefaultConfig())

	l.NotifyThrottled("acct-1", 0)
	usage, ok := l.Usage("acct-1")
	if !ok {
		t.Fatal("expected state to be tracked")
	}
	if got := usage.CooldownUntil.Sub(clock.Now()); got != defaultCooldown {
		t.Errorf("expected default cooldown %v, got %v", defaultCooldown, got)
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	l := New(DefaultConfig())
	l.NotifyThrottled("acct-1", time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Acquire(ctx, "acct-1"); err == nil {
		t.Fatal("expected context error")
	}
}

func TestAcquireRealTime(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping wall-clock test in short mode")
	}

	l := New(DefaultConfig())
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx, "acct-1"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("expected fifth acquire to block close to 1s, took %v", elapsed)
	}
}

func TestAcquireConcurrent(t *testing.T) {
	l, _ := newTestLimiter(Config{PerSecond: 1000, PerTenMinutes: 100000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Acquire(ctx, "acct-1")
		}()
	}
	wg.Wait()

	usage, _ := l.Usage("acct-1")
	if usage.LastTenMinute != 50 {
		t.Errorf("expected 50 recorded requests, got %d", usage.LastTenMinute)
	}
}

func TestSweepEvictsIdleAccounts(t *testing.T) {
	l, clock := newTestLimiter(DefaultConfig())
	ctx := context.Background()

	_ = l.Acquire(ctx, "idle")
	clock.Advance(20 * time.Minute)
	_ = l.Acquire(ctx, "active")
	clock.Advance(10 * time.Minute)

	if removed := l.Sweep(); removed != 1 {
		t.Errorf("expected 1 eviction, got %d", removed)
	}
	if _, ok := l.Usage("idle"); ok {
		t.Error("expected idle account to be evicted")
	}
	if _, ok := l.Usage("active"); !ok {
		t.Error("expected active account to remain")
	}
}

func TestStartStop(t *testing.T) {
	l := New(Config{SweepInterval: 10 * time.Millisecond})
	l.Start()
	l.Start()
	time.Sleep(30 * time.Millisecond)
	l.Stop()
	l.Stop()
}
