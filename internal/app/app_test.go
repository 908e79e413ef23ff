package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/macjediwizard/deltabridge/internal/config"
	"github.com/macjediwizard/deltabridge/internal/provider"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:   config.ServerConfig{Environment: config.EnvDevelopment},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "app.db")},
		Graph:    config.GraphConfig{BaseURL: "https://graph.microsoft.com/v1.0", PageSize: 50, HTTPTimeout: 5 * time.Second},
		OAuth:    config.OAuthConfig{ClientID: "client", ClientSecret: "secret", Tenant: "common"},
		Quota:    config.QuotaConfig{PerSecond: 4, PerTenMinutes: 10000, IdleTTL: time.Minute},
		Backoff:  config.BackoffConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
}

func TestNewWithoutCalDAV(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	for _, rt := range []provider.ResourceType{provider.ResourceEvents, provider.ResourceMessages, provider.ResourceContacts} {
		if !a.Feeds.Supports(rt) {
			t.Errorf("expected %s to be served", rt)
		}
	}
	if a.Feeds.Supports(provider.ResourceCalendar) {
		t.Error("expected calendar feed to be absent without CalDAV configuration")
	}
	if err := a.DB.Ping(context.Background()); err != nil {
		t.Errorf("expected database to be open: %v", err)
	}
}

func TestNewWithCalDAVPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.CalDAV = config.CalDAVConfig{
		URL:          "https://dav.example.com",
		Username:     "user",
		Password:     "pass",
		CalendarPath: "/calendars/user/work/",
	}

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Start()
	defer a.Close()

	if !a.Feeds.Supports(provider.ResourceCalendar) {
		t.Error("expected calendar feed to be served")
	}
}
