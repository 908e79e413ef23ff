package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeSyncFailed          AlertType = "sync_failed"
	AlertTypeRecovery            AlertType = "recovery"
	AlertTypeRenewalFailed       AlertType = "renewal_failed"
	AlertTypeSubscriptionRemoved AlertType = "subscription_removed"
)

// Alert represents a notification alert.
type Alert struct {
	Type           AlertType
	AccountID      string
	ResourceType   string
	SubscriptionID string
	Message        string
	Details        string
	Timestamp      time.Time
}

// key identifies the alert for cooldown purposes.
func (a Alert) key() string {
	return string(a.Type) + "|" + a.AccountID + "|" + a.ResourceType + "|" + a.SubscriptionID
}

// Config holds notification configuration.
type Config struct {
	WebhookURL string
	// CooldownPeriod is how long to wait before repeating the same alert.
	CooldownPeriod time.Duration
}

// Notifier sends alert notifications.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client

	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
	failing        map[string]bool // targets whose last sync failed
	wg             sync.WaitGroup
}

// New creates a new Notifier.
func New(cfg *Config) *Notifier {
	return &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		lastAlertTimes: make(map[string]time.Time),
		failing:        make(map[string]bool),
	}
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.WebhookURL != "" {
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return fmt.Errorf("invalid webhook URL: %w", err)
		}
	}
	if cfg.CooldownPeriod < time.Minute {
		return fmt.Errorf("cooldown period must be at least 1 minute")
	}
	return nil
}

// validateWebhookURL validates that the webhook URL is safe to use.
func validateWebhookURL(webhookURL string) error {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Scheme != "https" {
		return fmt.Errorf("webhook URL must use HTTPS")
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return fmt.Errorf("webhook URL cannot point to localhost")
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("webhook URL cannot point to internal hosts")
	}
	return nil
}

// IsEnabled returns true if a webhook is configured.
func (n *Notifier) IsEnabled() bool {
	return n != nil && n.cfg.WebhookURL != ""
}

// Notify sends an alert unless the same alert was sent within the cooldown
// period. It returns true if the alert was dispatched.
func (n *Notifier) Notify(ctx context.Context, alert Alert) bool {
	if !n.IsEnabled() {
		return false
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	n.mu.Lock()
	key := alert.key()
	if last, ok := n.lastAlertTimes[key]; ok && time.Since(last) < n.cfg.CooldownPeriod {
		n.mu.Unlock()
		return false
	}
	n.lastAlertTimes[key] = time.Now()
	if alert.Type == AlertTypeSyncFailed {
		n.failing[targetKey(alert.AccountID, alert.ResourceType)] = true
	}
	n.mu.Unlock()

	n.dispatch(ctx, alert)
	return true
}

// NotifyRecovery sends a recovery alert if the target was previously
// reported as failing.
func (n *Notifier) NotifyRecovery(ctx context.Context, accountID, resourceType string) bool {
	if !n.IsEnabled() {
		return false
	}

	key := targetKey(accountID, resourceType)
	n.mu.Lock()
	wasFailing := n.failing[key]
	if wasFailing {
		delete(n.failing, key)
		delete(n.lastAlertTimes, Alert{Type: AlertTypeSyncFailed, AccountID: accountID, ResourceType: resourceType}.key())
	}
	n.mu.Unlock()

	if !wasFailing {
		return false
	}

	n.dispatch(ctx, Alert{
		Type:         AlertTypeRecovery,
		AccountID:    accountID,
		ResourceType: resourceType,
		Message:      fmt.Sprintf("Sync for %s/%s has recovered", accountID, resourceType),
		Details:      "Target is now syncing normally",
		Timestamp:    time.Now(),
	})
	return true
}

// Wait blocks until all dispatched alerts have been sent.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func targetKey(accountID, resourceType string) string {
	return accountID + "|" + resourceType
}

// dispatch sends in the background so callers are never blocked by the
// webhook endpoint.
func (n *Notifier) dispatch(ctx context.Context, alert Alert) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.sendWebhook(context.WithoutCancel(ctx), alert); err != nil {
			log.Printf("[Notify] Webhook error: %v", err)
		}
	}()
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType      string `json:"alert_type"`
	AccountID      string `json:"account_id"`
	ResourceType   string `json:"resource_type,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Message        string `json:"message"`
	Details        string `json:"details"`
	Timestamp      string `json:"timestamp"`
	// Slack-compatible fields
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	emoji := ""
	switch alert.Type {
	case AlertTypeSyncFailed, AlertTypeRenewalFailed:
		emoji = ":x:"
	case AlertTypeSubscriptionRemoved:
		emoji = ":warning:"
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	}

	payload := WebhookPayload{
		AlertType:      string(alert.Type),
		AccountID:      alert.AccountID,
		ResourceType:   alert.ResourceType,
		SubscriptionID: alert.SubscriptionID,
		Message:        alert.Message,
		Details:        alert.Details,
		Timestamp:      alert.Timestamp.Format(time.RFC3339),
		Text:           fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	log.Printf("[Notify] Webhook sent: %s", alert.Message)
	return nil
}
