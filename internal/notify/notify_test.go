package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type webhookRecorder struct {
	mu       sync.Mutex
	payloads []WebhookPayload
}

func (r *webhookRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var p WebhookPayload
		if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		r.mu.Lock()
		r.payloads = append(r.payloads, p)
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (r *webhookRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func newTestNotifier(t *testing.T) (*Notifier, *webhookRecorder) {
	t.Helper()
	rec := &webhookRecorder{}
	server := httptest.NewServer(rec.handler(t))
	t.Cleanup(server.Close)
	return New(&Config{WebhookURL: server.URL, CooldownPeriod: time.Hour}), rec
}

func TestValidateConfig(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{CooldownPeriod: time.Hour}, false},
		{"https webhook", Config{WebhookURL: "https://hooks.example.com/x", CooldownPeriod: time.Hour}, false},
		{"http webhook", Config{WebhookURL: "http://hooks.example.com/x", CooldownPeriod: time.Hour}, true},
		{"localhost", Config{WebhookURL: "https://localhost/x", CooldownPeriod: time.Hour}, true},
		{"internal host", Config{WebhookURL: "https://alerts.corp.internal/x", CooldownPeriod: time.Hour}, true},
		{"short cooldown", Config{CooldownPeriod: time.Second}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateConfig(&tc.cfg)
			if (err != nil) != tc.wantErr {
				t.Errorf("expected error=%v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestNotifyRespectsCooldown(t *testing.T) {
	n, rec := newTestNotifier(t)
	ctx := context.Background()
	alert := Alert{Type: AlertTypeRenewalFailed, AccountID: "a", SubscriptionID: "s1", Message: "renewal failed"}

	if !n.Notify(ctx, alert) {
		t.Fatal("expected first alert to be sent")
	}
	if n.Notify(ctx, alert) {
		t.Error("expected repeated alert to be suppressed")
	}
	other := alert
	other.SubscriptionID = "s2"
	if !n.Notify(ctx, other) {
		t.Error("expected alert for another subscription to be sent")
	}

	n.Wait()
	if rec.count() != 2 {
		t.Errorf("expected 2 webhooks, got %d", rec.count())
	}
}

func TestNotifyRecovery(t *testing.T) {
	n, rec := newTestNotifier(t)
	ctx := context.Background()

	if n.NotifyRecovery(ctx, "a", "events") {
		t.Error("expected no recovery for a target that never failed")
	}

	n.Notify(ctx, Alert{Type: AlertTypeSyncFailed, AccountID: "a", ResourceType: "events", Message: "sync failed"})
	if !n.NotifyRecovery(ctx, "a", "events") {
		t.Error("expected recovery alert")
	}
	if n.NotifyRecovery(ctx, "a", "events") {
		t.Error("expected a single recovery alert")
	}
	if !n.Notify(ctx, Alert{Type: AlertTypeSyncFailed, AccountID: "a", ResourceType: "events", Message: "sync failed"}) {
		t.Error("expected recovery to reset the failure cooldown")
	}

	n.Wait()
	if rec.count() != 3 {
		t.Errorf("expected 3 webhooks, got %d", rec.count())
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.payloads[0].AlertType == "" || rec.payloads[0].Text == "" {
		t.Errorf("expected populated payload, got %+v", rec.payloads[0])
	}
}

func TestNotifyDisabled(t *testing.T) {
	n := New(&Config{CooldownPeriod: time.Hour})
	if n.Notify(context.Background(), Alert{Type: AlertTypeSyncFailed}) {
		t.Error("expected disabled notifier to drop alerts")
	}

	var nilNotifier *Notifier
	if nilNotifier.IsEnabled() {
		t.Error("expected nil notifier to be disabled")
	}
}
