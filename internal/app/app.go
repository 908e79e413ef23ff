// Package app assembles the sync stack from configuration for the server
// and the operator CLI.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/macjediwizard/deltabridge/internal/auth"
	"github.com/macjediwizard/deltabridge/internal/backoff"
	"github.com/macjediwizard/deltabridge/internal/caldav"
	"github.com/macjediwizard/deltabridge/internal/config"
	"github.com/macjediwizard/deltabridge/internal/db"
	"github.com/macjediwizard/deltabridge/internal/deltasync"
	"github.com/macjediwizard/deltabridge/internal/graph"
	"github.com/macjediwizard/deltabridge/internal/provider"
	"github.com/macjediwizard/deltabridge/internal/ratelimit"
)

// App holds the long-lived components built from configuration.
type App struct {
	Config   *config.Config
	DB       *db.DB
	Tokens   *auth.Provider
	Feeds    provider.FeedMux
	Limiter  *ratelimit.Limiter
	Executor *backoff.Executor
	Engine   *deltasync.Engine
	Renewer  *graph.SubscriptionRenewer
}

// New opens the database and builds the feeds and engine. The rate
// limiter's sweeper is not started; call Start for long-running processes.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &App{Config: cfg, DB: database}

	a.Tokens = auth.NewProvider(ctx, auth.OAuthConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Tenant:       cfg.OAuth.Tenant,
	}, database)

	a.Feeds, err = buildFeeds(ctx, cfg, a.Tokens)
	if err != nil {
		database.Close()
		return nil, err
	}

	a.Limiter = ratelimit.New(ratelimit.Config{
		PerSecond:     cfg.Quota.PerSecond,
		PerTenMinutes: cfg.Quota.PerTenMinutes,
		PollInterval:  ratelimit.DefaultPollInterval,
		IdleTTL:       cfg.Quota.IdleTTL,
		SweepInterval: ratelimit.DefaultSweepInterval,
	})

	a.Executor = backoff.New(backoff.Policy{
		MaxRetries: cfg.Backoff.MaxRetries,
		BaseDelay:  cfg.Backoff.BaseDelay,
		MaxDelay:   cfg.Backoff.MaxDelay,
	}, backoff.WithRetryHook(func(at backoff.Attempt) {
		log.Printf("Retrying provider call (attempt %d, %s) in %v: %v", at.Number+1, at.Kind, at.Delay, at.Err)
	}))

	fetcher := deltasync.NewFetcher(a.Feeds, a.Limiter, a.Executor)
	a.Engine = deltasync.NewEngine(fetcher, database, deltasync.Config{
		PageDelay:         cfg.Sync.PageDelay,
		ColdStartLookback: cfg.Sync.ColdStartLookback,
		ColdStartWindow:   cfg.Sync.ColdStartWindow,
	})

	a.Renewer = graph.NewSubscriptionRenewer(a.Tokens, cfg.Subscription.Extension)

	return a, nil
}

// buildFeeds maps every served resource type to its feed.
func buildFeeds(ctx context.Context, cfg *config.Config, tokens provider.TokenProvider) (provider.FeedMux, error) {
	graphFeed, err := graph.NewFeed(graph.FeedConfig{
		BaseURL:  cfg.Graph.BaseURL,
		PageSize: cfg.Graph.PageSize,
		Timeout:  cfg.Graph.HTTPTimeout,
	}, tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize graph feed: %w", err)
	}

	feeds := provider.FeedMux{
		provider.ResourceEvents:   graphFeed,
		provider.ResourceMessages: graphFeed,
		provider.ResourceContacts: graphFeed,
	}

	if !cfg.CalDAVEnabled() {
		return feeds, nil
	}

	client, err := caldav.NewClient(cfg.CalDAV.URL, cfg.CalDAV.Username, cfg.CalDAV.Password, cfg.Graph.HTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize caldav client: %w", err)
	}

	path := cfg.CalDAV.CalendarPath
	if path == "" {
		calendars, err := client.FindCalendars(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to discover calendars: %w", err)
		}
		if len(calendars) == 0 {
			return nil, fmt.Errorf("%w: no calendars found at %s", caldav.ErrInvalidResponse, cfg.CalDAV.URL)
		}
		path = calendars[0].Path
		log.Printf("Using discovered calendar %q at %s", calendars[0].Name, path)
	}

	feeds[provider.ResourceCalendar] = caldav.NewFeed(client, caldav.StaticPath(path), caldav.DefaultPageSize)
	return feeds, nil
}

// Start runs the background maintenance of long-lived components.
func (a *App) Start() {
	a.Limiter.Start()
}

// Close stops background work and closes the database.
func (a *App) Close() error {
	a.Limiter.Stop()
	return a.DB.Close()
}
