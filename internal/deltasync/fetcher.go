package deltasync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/macjediwizard/deltabridge/internal/backoff"
	"github.com/macjediwizard/deltabridge/internal/provider"
)

// Acquirer grants per-account request permits.
type Acquirer interface {
	Acquire(ctx context.Context, accountID string) error
	NotifyThrottled(accountID string, retryAfter time.Duration)
}

// Fetcher fetches single feed pages under the rate limiter and retry policy.
type Fetcher struct {
	feed     provider.Feed
	limiter  Acquirer
	executor *backoff.Executor
}

// NewFetcher creates a Fetcher.
func NewFetcher(feed provider.Feed, limiter Acquirer, executor *backoff.Executor) *Fetcher {
	if executor == nil {
		executor = backoff.New(backoff.DefaultPolicy())
	}
	return &Fetcher{
		feed:     feed,
		limiter:  limiter,
		executor: executor,
	}
}

// Fetch returns one validated page. Every attempt, including retries,
// acquires its own permit first.
func (f *Fetcher) Fetch(ctx context.Context, req provider.PageRequest) (*provider.Page, error) {
	attempt := 0
	return backoff.Do(ctx, f.executor, func(ctx context.Context) (*provider.Page, error) {
		if attempt > 0 {
			log.Printf("Retrying page fetch for %s/%s (attempt %d)", req.AccountID, req.ResourceType, attempt+1)
		}
		attempt++

		if f.limiter != nil {
			if err := f.limiter.Acquire(ctx, req.AccountID); err != nil {
				return nil, err
			}
		}

		page, err := f.feed.FetchPage(ctx, req)
		if err != nil {
			if classified := provider.Classify(err); classified.Kind == provider.KindThrottled && f.limiter != nil {
				f.limiter.NotifyThrottled(req.AccountID, classified.RetryAfter)
			}
			return nil, err
		}
		if err := validatePage(page); err != nil {
			return nil, err
		}
		return page, nil
	})
}

// validatePage rejects pages that carry neither or both continuation tokens.
func validatePage(page *provider.Page) error {
	if page == nil {
		return &provider.Error{Kind: provider.KindUnknown, Message: "empty response", Err: provider.ErrMalformedPage}
	}
	hasNext := page.NextPageToken != ""
	hasTerminal := page.TerminalCursor != ""
	if hasNext == hasTerminal {
		return &provider.Error{
			Kind:    provider.KindUnknown,
			Message: fmt.Sprintf("page has next=%t terminal=%t", hasNext, hasTerminal),
			Err:     provider.ErrMalformedPage,
		}
	}
	return nil
}
