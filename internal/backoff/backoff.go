// Package backoff retries provider calls that failed with a retryable
// classification.
package backoff

import (
	"context"
	"time"

	"github.com/macjediwizard/deltabridge/internal/provider"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Policy controls how many times a call is retried and how long to wait.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Delay returns BaseDelay * 2^attempt, capped at MaxDelay when it is set.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Attempt describes a failed call that is about to be retried.
type Attempt struct {
	// Number is the zero-based retry index.
	Number     int
	Kind       provider.Kind
	Delay      time.Duration
	RetryAfter time.Duration
	Err        error
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option configures an Executor.
type Option func(*Executor)

// WithSleeper replaces the wall-clock sleep.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) {
		e.sleep = s
	}
}

// WithRetryHook registers a callback invoked before each retry.
func WithRetryHook(hook func(Attempt)) Option {
	return func(e *Executor) {
		e.hooks = append(e.hooks, hook)
	}
}

// Executor runs an operation with bounded retries.
type Executor struct {
	policy Policy
	sleep  Sleeper
	hooks  []func(Attempt)
}

// New creates an Executor. Zero fields in policy fall back to the defaults,
// except MaxRetries which may be zero to disable retries.
func New(policy Policy, opts ...Option) *Executor {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = DefaultMaxRetries
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultBaseDelay
	}
	e := &Executor{
		policy: policy,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's retry policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute runs op until it succeeds, fails with a non-retryable
// classification, or exhausts the retry budget. The error from the last
// attempt is returned unchanged.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		classified := provider.Classify(err)
		if !classified.Kind.Retryable() || attempt >= e.policy.MaxRetries {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		delay := e.policy.Delay(attempt)
		if classified.Kind == provider.KindThrottled && classified.RetryAfter > 0 {
			delay = classified.RetryAfter
		}

		info := Attempt{
			Number:     attempt,
			Kind:       classified.Kind,
			Delay:      delay,
			RetryAfter: classified.RetryAfter,
			Err:        err,
		}
		for _, hook := range e.hooks {
			hook(info)
		}

		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}

// Do runs op through the executor and returns its value.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
