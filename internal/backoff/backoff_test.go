package backoff

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/macjediwizard/deltabridge/internal/provider"
)

// recordingSleeper returns a sleeper that records delays without waiting.
func recordingSleeper(delays *[]time.Duration) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	testCases := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tc := range testCases {
		if got := p.Delay(tc.attempt); got != tc.expected {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.expected, got)
		}
	}
}

func TestExecuteSucceedsAfterServerErrors(t *testing.T) {
	var delays []time.Duration
	e := New(DefaultPolicy(), WithSleeper(recordingSleeper(&delays)))

	calls := 0
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return provider.FromStatus(http.StatusBadGateway, "", "", http.Header{})
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	expected := []time.Duration{time.Second, 2 * time.Second}
	if len(delays) != len(expected) {
		t.Fatalf("expected %d sleeps, got %v", len(expected), delays)
	}
	for i := range expected {
		if delays[i] != expected[i] {
			t.Errorf("sleep %d: expected %v, got %v", i, expected[i], delays[i])
		}
	}
}

func TestExecuteUsesRetryAfterHint(t *testing.T) {
	var delays []time.Duration
	e := New(DefaultPolicy(), WithSleeper(recordingSleeper(&delays)))

	calls := 0
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return provider.FromStatus(http.StatusTooManyRequests, "", "", http.Header{"Retry-After": []string{"7"}})
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(delays) != 1 || delays[0] != 7*time.Second {
		t.Errorf("expected a single 7s sleep, got %v", delays)
	}
}

func TestExecuteReturnsNonRetryableImmediately(t *testing.T) {
	var delays []time.Duration
	e := New(DefaultPolicy(), WithSleeper(recordingSleeper(&delays)))

	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone} {
		calls := 0
		original := provider.FromStatus(status, "", "", http.Header{})
		err := e.Execute(context.Background(), func(ctx context.Context) error {
			calls++
			return original
		})
		if err != original {
			t.Errorf("status %d: expected original error, got %v", status, err)
		}
		if calls != 1 {
			t.Errorf("status %d: expected 1 call, got %d", status, calls)
		}
	}
	if len(delays) != 0 {
		t.Errorf("expected no sleeps, got %v", delays)
	}
}

func TestExecuteExhaustedReturnsOriginalError(t *testing.T) {
	var delays []time.Duration
	e := New(Policy{MaxRetries: 2, BaseDelay: 10 * time.Millisecond}, WithSleeper(recordingSleeper(&delays)))

	calls := 0
	var last error
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		last = provider.FromStatus(http.StatusInternalServerError, "", "attempt", http.Header{})
		return last
	})

	if err != last {
		t.Errorf("expected the last original error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls (1 + 2 retries), got %d", calls)
	}
	if !errors.Is(err, provider.ErrServerError) {
		t.Error("expected classification to survive")
	}
}

func TestExecuteRetryHook(t *testing.T) {
	var delays []time.Duration
	var attempts []Attempt
	e := New(DefaultPolicy(),
		WithSleeper(recordingSleeper(&delays)),
		WithRetryHook(func(a Attempt) { attempts = append(attempts, a) }),
	)

	calls := 0
	_ = e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return provider.FromStatus(http.StatusTooManyRequests, "", "", http.Header{"Retry-After": []string{"2"}})
		}
		return nil
	})

	if len(attempts) != 1 {
		t.Fatalf("expected 1 hook call, got %d", len(attempts))
	}
	if attempts[0].Kind != provider.KindThrottled {
		t.Errorf("expected throttled attempt, got %v", attempts[0].Kind)
	}
	if attempts[0].RetryAfter != 2*time.Second {
		t.Errorf("expected retry-after 2s, got %v", attempts[0].RetryAfter)
	}
}

func TestExecuteStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(DefaultPolicy(), WithSleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	calls := 0
	err := e.Execute(ctx, func(ctx context.Context) error {
		calls++
		return provider.NewNetworkError(errors.New("connection reset"))
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected no retry after cancellation, got %d calls", calls)
	}
}

func TestExecuteRealSleep(t *testing.T) {
	e := New(Policy{MaxRetries: 1, BaseDelay: 20 * time.Millisecond})

	start := time.Now()
	calls := 0
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return provider.NewNetworkError(errors.New("timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("expected to wait at least 20ms, waited %v", elapsed)
	}
}

func TestDo(t *testing.T) {
	var delays []time.Duration
	e := New(DefaultPolicy(), WithSleeper(recordingSleeper(&delays)))

	calls := 0
	got, err := Do(context.Background(), e, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", provider.NewNetworkError(errors.New("reset"))
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("expected ok, got %q", got)
	}
}
