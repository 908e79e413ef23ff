// Package deltasync drives cursor-based incremental sync cycles against a
// provider change feed.
package deltasync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/macjediwizard/deltabridge/internal/changes"
	"github.com/macjediwizard/deltabridge/internal/provider"
)

const (
	DefaultPageDelay         = 200 * time.Millisecond
	DefaultColdStartLookback = 5 * time.Minute
)

var (
	ErrCursorStore  = errors.New("cursor store failure")
	ErrSinkRejected = errors.New("sink rejected changes")
)

// CursorStore persists one opaque cursor per account feed. A missing cursor
// is reported with found=false and a nil error.
type CursorStore interface {
	GetCursor(ctx context.Context, accountID string, resourceType provider.ResourceType) (cursor string, found bool, err error)
	UpsertCursor(ctx context.Context, accountID string, resourceType provider.ResourceType, cursor string) error
	DeleteCursor(ctx context.Context, accountID string, resourceType provider.ResourceType) error
}

// Mode selects whether a cycle collects everything before returning or
// yields batches as pages arrive.
type Mode string

const (
	ModeBuffered  Mode = "buffered"
	ModeStreaming Mode = "streaming"
)

// ParseMode parses a mode name. Empty selects buffered.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeBuffered:
		return ModeBuffered, nil
	case ModeStreaming:
		return ModeStreaming, nil
	default:
		return "", fmt.Errorf("unknown sync mode %q", s)
	}
}

// Options tune one sync cycle.
type Options struct {
	// ForceReset discards the stored cursor and starts from a fresh feed.
	ForceReset bool
	// Window bounds a fresh feed. When nil the engine's cold start window applies.
	Window *provider.DateWindow
	// Mode is used by SyncTo.
	Mode Mode
}

// Config controls engine pacing and cold start windows.
type Config struct {
	// PageDelay separates consecutive page requests within a cycle.
	PageDelay time.Duration
	// ColdStartLookback and ColdStartWindow bound fresh feeds to
	// [now-lookback, now+window]. A zero ColdStartWindow leaves fresh feeds unbounded.
	ColdStartLookback time.Duration
	ColdStartWindow   time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Result summarises a completed cycle.
type Result struct {
	AccountID    string                      `json:"account_id"`
	ResourceType provider.ResourceType       `json:"resource_type"`
	Changes      []provider.NormalizedChange `json:"changes,omitempty"`
	Cursor       string                      `json:"-"`
	Pages        int                         `json:"pages"`
	Created      int                         `json:"created"`
	Updated      int                         `json:"updated"`
	Deleted      int                         `json:"deleted"`
	Failed       int                         `json:"failed"`
	ColdStart    bool                        `json:"cold_start"`
	Recovered    bool                        `json:"recovered"`
	Duration     time.Duration               `json:"duration"`
}

// Total returns the number of changes produced.
func (r *Result) Total() int {
	return r.Created + r.Updated + r.Deleted
}

// Engine runs sync cycles for any account feed served by its fetcher.
type Engine struct {
	fetcher *Fetcher
	cursors CursorStore
	cfg     Config
}

// NewEngine creates an Engine.
func NewEngine(fetcher *Fetcher, cursors CursorStore, cfg Config) *Engine {
	if cfg.PageDelay < 0 {
		cfg.PageDelay = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		fetcher: fetcher,
		cursors: cursors,
		cfg:     cfg,
	}
}

// Sync runs one buffered cycle: every page is collected, the whole set is
// normalized once, and the terminal cursor is persisted before returning.
func (e *Engine) Sync(ctx context.Context, accountID string, resourceType provider.ResourceType, opts Options) (*Result, error) {
	c, err := e.begin(ctx, accountID, resourceType, opts, false)
	if err != nil {
		return nil, err
	}

	normalized, err := e.collect(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := c.commit(ctx); err != nil {
		return nil, err
	}
	return c.result(normalized, changes.Count(normalized)), nil
}

// SyncTo runs one cycle in opts.Mode and pushes changes into sink. The
// cursor is persisted only after the sink accepted the last batch.
func (e *Engine) SyncTo(ctx context.Context, accountID string, resourceType provider.ResourceType, opts Options, sink Sink) (*Result, error) {
	if opts.Mode == ModeStreaming {
		return e.streamTo(ctx, accountID, resourceType, opts, sink)
	}

	c, err := e.begin(ctx, accountID, resourceType, opts, false)
	if err != nil {
		return nil, err
	}
	normalized, err := e.collect(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(normalized) > 0 {
		if err := sink.Push(ctx, normalized); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSinkRejected, err)
		}
	}
	if err := c.commit(ctx); err != nil {
		return nil, err
	}
	return c.result(normalized, changes.Count(normalized)), nil
}

func (e *Engine) streamTo(ctx context.Context, accountID string, resourceType provider.ResourceType, opts Options, sink Sink) (*Result, error) {
	s := e.Stream(ctx, accountID, resourceType, opts)
	defer s.Close()

	for s.Next(ctx) {
		if err := sink.Push(ctx, s.Batch()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSinkRejected, err)
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return s.Result(), nil
}

// InitializeBaseline discards any stored cursor, walks a fresh feed to its
// head without emitting items, and persists the resulting cursor. Feeds that
// support it are asked for the head directly.
func (e *Engine) InitializeBaseline(ctx context.Context, accountID string, resourceType provider.ResourceType) (string, error) {
	c, err := e.begin(ctx, accountID, resourceType, Options{ForceReset: true}, true)
	if err != nil {
		return "", err
	}
	for !c.done {
		if _, _, err := c.nextPage(ctx); err != nil {
			return "", err
		}
	}
	if err := c.commit(ctx); err != nil {
		return "", err
	}
	log.Printf("Initialized baseline for %s/%s after %d pages", accountID, resourceType, c.pages)
	return c.cursor, nil
}

// collect pages to the head of the feed and normalizes everything fetched.
// Items fetched before a cursor expiry are discarded.
func (e *Engine) collect(ctx context.Context, c *cycle) ([]provider.NormalizedChange, error) {
	var items []provider.ChangeItem
	for !c.done {
		page, restarted, err := c.nextPage(ctx)
		if err != nil {
			return nil, err
		}
		if restarted {
			items = nil
			continue
		}
		items = append(items, page.Items...)
	}
	return changes.Normalize(c.accountID, c.resourceType, items), nil
}

// cycle holds the paging state of one sync invocation.
type cycle struct {
	engine       *Engine
	accountID    string
	resourceType provider.ResourceType
	window       *provider.DateWindow
	latestOnly   bool

	token     string
	pacer     *rate.Limiter
	started   time.Time
	pages     int
	failed    int
	coldStart bool
	recovered bool
	done      bool
	cursor    string
}

func (e *Engine) begin(ctx context.Context, accountID string, resourceType provider.ResourceType, opts Options, latestOnly bool) (*cycle, error) {
	c := &cycle{
		engine:       e,
		accountID:    accountID,
		resourceType: resourceType,
		window:       opts.Window,
		latestOnly:   latestOnly,
		started:      time.Now(),
		pacer:        newPacer(e.cfg.PageDelay),
	}

	if opts.ForceReset {
		if err := e.cursors.DeleteCursor(ctx, accountID, resourceType); err != nil {
			return nil, fmt.Errorf("%w: delete cursor: %w", ErrCursorStore, err)
		}
		c.coldStart = true
	} else {
		cursor, found, err := e.cursors.GetCursor(ctx, accountID, resourceType)
		if err != nil {
			return nil, fmt.Errorf("%w: get cursor: %w", ErrCursorStore, err)
		}
		if found && cursor != "" {
			c.token = cursor
		} else {
			c.coldStart = true
		}
	}

	if c.coldStart {
		log.Printf("Starting cold sync for %s/%s", accountID, resourceType)
	} else {
		log.Printf("Starting incremental sync for %s/%s", accountID, resourceType)
	}
	return c, nil
}

func newPacer(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// coldStartWindow returns the window applied to a fresh feed request.
func (c *cycle) coldStartWindow() *provider.DateWindow {
	if c.latestOnly {
		return nil
	}
	if !c.window.IsZero() {
		return c.window
	}
	cfg := c.engine.cfg
	if cfg.ColdStartWindow <= 0 {
		return nil
	}
	now := cfg.Now()
	return &provider.DateWindow{
		Start: now.Add(-cfg.ColdStartLookback),
		End:   now.Add(cfg.ColdStartWindow),
	}
}

// nextPage fetches the next page of the sequence. When the stored cursor
// has expired it deletes it, rewinds to a fresh feed and reports
// restarted=true with a nil page; a second expiry within the cycle is
// returned as an error.
func (c *cycle) nextPage(ctx context.Context) (*provider.Page, bool, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, false, err
	}

	req := provider.PageRequest{
		AccountID:    c.accountID,
		ResourceType: c.resourceType,
		Token:        c.token,
	}
	if req.IsFresh() {
		req.Window = c.coldStartWindow()
		req.LatestOnly = c.latestOnly
	}

	page, err := c.engine.fetcher.Fetch(ctx, req)
	if err != nil {
		if errors.Is(err, provider.ErrGone) && !c.recovered {
			log.Printf("Sync cursor expired for %s/%s, restarting from a fresh feed", c.accountID, c.resourceType)
			if delErr := c.engine.cursors.DeleteCursor(ctx, c.accountID, c.resourceType); delErr != nil {
				return nil, false, fmt.Errorf("%w: delete expired cursor: %w", ErrCursorStore, delErr)
			}
			c.token = ""
			c.pages = 0
			c.failed = 0
			c.coldStart = true
			c.recovered = true
			return nil, true, nil
		}
		return nil, false, err
	}

	c.pages++
	for _, failed := range page.Failed {
		log.Printf("Skipping item %s for %s/%s: %v", failed.ID, c.accountID, c.resourceType, failed.Err)
	}
	c.failed += len(page.Failed)

	if page.IsTerminal() {
		c.cursor = page.TerminalCursor
		c.done = true
	} else {
		c.token = page.NextPageToken
	}
	return page, false, nil
}

// commit persists the terminal cursor. It must only be called once the
// whole page sequence has been consumed.
func (c *cycle) commit(ctx context.Context) error {
	if !c.done {
		return fmt.Errorf("%w: cycle incomplete", ErrCursorStore)
	}
	if err := c.engine.cursors.UpsertCursor(ctx, c.accountID, c.resourceType, c.cursor); err != nil {
		return fmt.Errorf("%w: save cursor: %w", ErrCursorStore, err)
	}
	return nil
}

func (c *cycle) result(normalized []provider.NormalizedChange, counts changes.Counts) *Result {
	r := &Result{
		AccountID:    c.accountID,
		ResourceType: c.resourceType,
		Changes:      normalized,
		Cursor:       c.cursor,
		Pages:        c.pages,
		Created:      counts.Created,
		Updated:      counts.Updated,
		Deleted:      counts.Deleted,
		Failed:       c.failed,
		ColdStart:    c.coldStart,
		Recovered:    c.recovered,
		Duration:     time.Since(c.started),
	}
	log.Printf("Sync completed for %s/%s: %d created, %d updated, %d deleted, %d failed, %d pages in %v",
		r.AccountID, r.ResourceType, r.Created, r.Updated, r.Deleted, r.Failed, r.Pages, r.Duration.Round(time.Millisecond))
	return r
}
