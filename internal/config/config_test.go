package config

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/macjediwizard/deltabridge/internal/deltasync"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("OAUTH_CLIENT_ID", "client")
	t.Setenv("OAUTH_CLIENT_SECRET", "secret")
	t.Setenv("WEBHOOK_CLIENT_STATE", "state")
	t.Setenv("ENVIRONMENT", "development")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 || !cfg.IsDevelopment() || !cfg.Server.ValidateOnStart {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Quota.PerSecond != 4 || cfg.Quota.PerTenMinutes != 10000 || cfg.Quota.IdleTTL != 30*time.Minute {
		t.Errorf("unexpected quota config %+v", cfg.Quota)
	}
	if cfg.Backoff.MaxRetries != 3 || cfg.Backoff.BaseDelay != time.Second || cfg.Backoff.MaxDelay != 30*time.Second {
		t.Errorf("unexpected backoff config %+v", cfg.Backoff)
	}
	if cfg.Sync.Mode != deltasync.ModeBuffered || cfg.Sync.DefaultInterval != 300 {
		t.Errorf("unexpected sync config %+v", cfg.Sync)
	}
	if cfg.OAuth.Tenant != "common" || cfg.NATS.Stream != "DELTA_CHANGES" {
		t.Errorf("unexpected defaults %+v %+v", cfg.OAuth, cfg.NATS)
	}
	if cfg.CalDAVEnabled() {
		t.Error("expected CalDAV to be disabled without CALDAV_URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SYNC_MODE", "streaming")
	t.Setenv("RATE_LIMIT_PER_SECOND", "2")
	t.Setenv("PAGE_DELAY_MS", "0")
	t.Setenv("API_RATE_LIMIT_RPS", "2.5")
	t.Setenv("VALIDATE_ON_START", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.Mode != deltasync.ModeStreaming || cfg.Quota.PerSecond != 2 || cfg.Sync.PageDelay != 0 {
		t.Errorf("unexpected overrides %+v %+v", cfg.Sync, cfg.Quota)
	}
	if cfg.RateLimiting.RPS != 2.5 || cfg.Server.ValidateOnStart {
		t.Errorf("unexpected overrides %+v %+v", cfg.RateLimiting, cfg.Server)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr error
		mention string
	}{
		{"bad integer", "GRAPH_PAGE_SIZE", "many", ErrInvalidConfig, "GRAPH_PAGE_SIZE"},
		{"bad float", "API_RATE_LIMIT_RPS", "fast", ErrInvalidConfig, "API_RATE_LIMIT_RPS"},
		{"bad bool", "VALIDATE_ON_START", "maybe", ErrInvalidConfig, "VALIDATE_ON_START"},
		{"bad mode", "SYNC_MODE", "eventually", ErrInvalidConfig, "SYNC_MODE"},
		{"zero quota", "RATE_LIMIT_PER_SECOND", "0", ErrInvalidConfig, "RATE_LIMIT_PER_SECOND"},
		{"page size", "GRAPH_PAGE_SIZE", "1000", ErrInvalidConfig, "GRAPH_PAGE_SIZE"},
		{"interval order", "MIN_SYNC_INTERVAL", "7200", ErrInvalidConfig, "MIN_SYNC_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("expected error to mention %s, got %v", tt.mention, err)
			}
		})
	}
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("OAUTH_CLIENT_ID", "")
	t.Setenv("OAUTH_CLIENT_SECRET", "")
	t.Setenv("WEBHOOK_CLIENT_STATE", "")
	t.Setenv("API_KEY", "")
	t.Setenv("ENVIRONMENT", "production")

	_, err := Load()
	if !errors.Is(err, ErrMissingConfig) {
		t.Fatalf("expected ErrMissingConfig, got %v", err)
	}
	for _, key := range []string{"OAUTH_CLIENT_ID", "OAUTH_CLIENT_SECRET", "WEBHOOK_CLIENT_STATE", "API_KEY"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("expected %s to be reported missing: %v", key, err)
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Environment: EnvProduction},
		Graph:  GraphConfig{BaseURL: "https://graph.microsoft.com/v1.0"},
	}
	if err := cfg.Validate(context.Background()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cfg.Graph.BaseURL = "http://graph.example.com"
	if err := cfg.Validate(context.Background()); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("expected plain HTTP to fail in production, got %v", err)
	}

	cfg.Graph.BaseURL = "https://graph.microsoft.com/v1.0"
	cfg.Subscription.NotificationURL = "https://localhost/webhooks/graph"
	if err := cfg.Validate(context.Background()); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("expected local notification URL to fail, got %v", err)
	}

	cfg.Subscription.NotificationURL = ""
	cfg.Alerts.WebhookURL = "http://alerts.example.com"
	if err := cfg.Validate(context.Background()); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("expected plain HTTP alert URL to fail, got %v", err)
	}
}

func TestProbeNotificationEndpoint(t *testing.T) {
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Query().Get("validationToken")))
	}))
	defer echo.Close()

	cfg := &Config{Server: ServerConfig{Environment: EnvDevelopment}}
	if err := cfg.ProbeNotificationEndpoint(context.Background()); err != nil {
		t.Errorf("expected no probe without NOTIFICATION_URL, got %v", err)
	}

	cfg.Subscription.NotificationURL = echo.URL + "/webhooks/graph"
	if err := cfg.ProbeNotificationEndpoint(context.Background()); err != nil {
		t.Errorf("expected echo endpoint to pass, got %v", err)
	}

	cfg.Server.Environment = EnvProduction
	if err := cfg.ProbeNotificationEndpoint(context.Background()); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("expected loopback endpoint to fail outside development, got %v", err)
	}
}
