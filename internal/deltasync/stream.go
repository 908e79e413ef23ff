package deltasync

import (
	"context"

	"github.com/macjediwizard/deltabridge/internal/changes"
	"github.com/macjediwizard/deltabridge/internal/provider"
)

// Stream yields normalized batches as pages arrive. Each call to Next
// fetches only as many pages as it needs to produce one non-empty batch.
// The cursor is persisted by the Next call that follows the final batch,
// so a caller that stops early, or calls Close, leaves the stored cursor
// untouched.
//
//	s := engine.Stream(ctx, account, resource, opts)
//	defer s.Close()
//	for s.Next(ctx) {
//		handle(s.Batch())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	cycle   *cycle
	tracker *changes.Tracker
	batch   []provider.NormalizedChange
	result  *Result
	err     error
	closed  bool
}

// Stream prepares a streaming cycle. Loading the stored cursor happens
// here; no provider request is issued until the first Next.
//
// Ordering holds within a batch only: each batch is deduplicated and
// sorted by modification time, and batches follow page order. The
// concatenated batches are not globally ordered, so callers that need
// one ordered list for the cycle should use Sync.
func (e *Engine) Stream(ctx context.Context, accountID string, resourceType provider.ResourceType, opts Options) *Stream {
	s := &Stream{tracker: changes.NewTracker(accountID, resourceType)}
	c, err := e.begin(ctx, accountID, resourceType, opts, false)
	if err != nil {
		s.err = err
		return s
	}
	s.cycle = c
	return s
}

// Next advances to the next non-empty batch. It returns false when the
// feed is exhausted, an error occurred, or the stream was closed.
func (s *Stream) Next(ctx context.Context) bool {
	s.batch = nil
	if s.closed || s.err != nil || s.result != nil {
		return false
	}

	for {
		if s.cycle.done {
			if err := s.cycle.commit(ctx); err != nil {
				s.err = err
				return false
			}
			s.result = s.cycle.result(nil, s.tracker.Counts())
			return false
		}

		page, restarted, err := s.cycle.nextPage(ctx)
		if err != nil {
			s.err = err
			return false
		}
		if restarted {
			s.tracker.Reset()
			continue
		}

		if batch := s.tracker.Batch(page.Items); len(batch) > 0 {
			s.batch = batch
			return true
		}
	}
}

// Batch returns the batch produced by the last successful Next.
func (s *Stream) Batch() []provider.NormalizedChange {
	return s.batch
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// Result returns the cycle summary once the stream has been fully
// consumed, and nil before that.
func (s *Stream) Result() *Result {
	return s.result
}

// Close stops the stream without persisting its cursor. It is safe to
// call more than once.
func (s *Stream) Close() error {
	s.closed = true
	s.batch = nil
	return nil
}
