// Package lifecycle reacts to provider signals about the health of a push
// subscription.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/macjediwizard/deltabridge/internal/backoff"
	"github.com/macjediwizard/deltabridge/internal/deltasync"
	"github.com/macjediwizard/deltabridge/internal/notify"
	"github.com/macjediwizard/deltabridge/internal/provider"
)

// SignalKind is a lifecycle event type.
type SignalKind string

const (
	SignalReauthorizationRequired SignalKind = "reauthorizationRequired"
	SignalSubscriptionRemoved     SignalKind = "subscriptionRemoved"
	SignalMissed                  SignalKind = "missed"
)

var (
	ErrSubscriptionNotFound = provider.ErrSubscriptionNotFound
	// ErrSyncInProgress is returned by a SyncRunner when a cycle for the
	// same feed is already running.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// SubscriptionStore reads and updates subscription records.
// FindBySubscriptionID returns ErrSubscriptionNotFound (possibly wrapped)
// for unknown IDs.
type SubscriptionStore interface {
	FindBySubscriptionID(ctx context.Context, subscriptionID string) (*provider.Subscription, error)
	DeactivateSubscription(ctx context.Context, subscriptionID string) error
	UpdateSubscriptionExpiry(ctx context.Context, subscriptionID string, expiresAt time.Time) error
}

// Renewer extends a subscription at the provider.
type Renewer interface {
	Renew(ctx context.Context, accountID, subscriptionID string) (time.Time, error)
}

// SyncRunner runs one serialized sync cycle for an account feed.
type SyncRunner interface {
	SyncNow(ctx context.Context, accountID string, resourceType provider.ResourceType) (*deltasync.Result, error)
}

// Alerter delivers alerts the host must act on.
type Alerter interface {
	Notify(ctx context.Context, alert notify.Alert) bool
}

// Outcome reports how a signal was handled.
type Outcome struct {
	Kind           SignalKind `json:"kind"`
	SubscriptionID string     `json:"subscription_id"`
	Success        bool       `json:"success"`
	Message        string     `json:"message"`
	// Recovered is the number of changes a missed-notification sync produced.
	Recovered int `json:"recovered"`
}

// Coordinator dispatches lifecycle signals.
type Coordinator struct {
	subscriptions SubscriptionStore
	renewer       Renewer
	syncer        SyncRunner
	alerter       Alerter
	executor      *backoff.Executor
	now           func() time.Time
}

// New creates a Coordinator. alerter may be nil.
func New(subscriptions SubscriptionStore, renewer Renewer, syncer SyncRunner, alerter Alerter, executor *backoff.Executor) *Coordinator {
	if executor == nil {
		executor = backoff.New(backoff.DefaultPolicy())
	}
	return &Coordinator{
		subscriptions: subscriptions,
		renewer:       renewer,
		syncer:        syncer,
		alerter:       alerter,
		executor:      executor,
		now:           time.Now,
	}
}

// HandleSignal handles one lifecycle signal. Failures are reported in the
// outcome rather than returned.
func (c *Coordinator) HandleSignal(ctx context.Context, kind SignalKind, subscriptionID, tenantID string) Outcome {
	out := Outcome{Kind: kind, SubscriptionID: subscriptionID}

	sub, err := c.subscriptions.FindBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			out.Message = "unknown subscription"
		} else {
			out.Message = fmt.Sprintf("failed to load subscription: %v", err)
		}
		log.Printf("Ignoring %s signal for subscription %s: %s", kind, subscriptionID, out.Message)
		return out
	}

	switch kind {
	case SignalReauthorizationRequired:
		return c.reauthorize(ctx, sub, out)
	case SignalSubscriptionRemoved:
		return c.remove(ctx, sub, out)
	case SignalMissed:
		return c.recoverMissed(ctx, sub, tenantID, out)
	default:
		out.Message = fmt.Sprintf("unsupported lifecycle event %q", kind)
		return out
	}
}

func (c *Coordinator) reauthorize(ctx context.Context, sub *provider.Subscription, out Outcome) Outcome {
	expiresAt, err := backoff.Do(ctx, c.executor, func(ctx context.Context) (time.Time, error) {
		return c.renewer.Renew(ctx, sub.AccountID, sub.ID)
	})
	if err != nil {
		log.Printf("Failed to renew subscription %s for %s: %v", sub.ID, sub.AccountID, err)
		out.Message = fmt.Sprintf("renewal failed: %v", err)
		c.alert(ctx, notify.Alert{
			Type:           notify.AlertTypeRenewalFailed,
			AccountID:      sub.AccountID,
			ResourceType:   string(sub.ResourceType),
			SubscriptionID: sub.ID,
			Message:        fmt.Sprintf("Subscription renewal failed for %s", sub.AccountID),
			Details:        err.Error(),
		})
		return out
	}

	if err := c.subscriptions.UpdateSubscriptionExpiry(ctx, sub.ID, expiresAt); err != nil {
		out.Message = fmt.Sprintf("renewed but failed to record expiry: %v", err)
		return out
	}

	log.Printf("Renewed subscription %s for %s until %s", sub.ID, sub.AccountID, expiresAt.Format(time.RFC3339))
	out.Success = true
	out.Message = "subscription renewed until " + expiresAt.UTC().Format(time.RFC3339)
	return out
}

func (c *Coordinator) remove(ctx context.Context, sub *provider.Subscription, out Outcome) Outcome {
	if err := c.subscriptions.DeactivateSubscription(ctx, sub.ID); err != nil {
		out.Message = fmt.Sprintf("failed to deactivate subscription: %v", err)
		return out
	}

	log.Printf("Subscription %s for %s was removed by the provider", sub.ID, sub.AccountID)
	c.alert(ctx, notify.Alert{
		Type:           notify.AlertTypeSubscriptionRemoved,
		AccountID:      sub.AccountID,
		ResourceType:   string(sub.ResourceType),
		SubscriptionID: sub.ID,
		Message:        fmt.Sprintf("Subscription removed for %s", sub.AccountID),
		Details:        "The provider removed the subscription; it must be recreated",
	})
	out.Success = true
	out.Message = "subscription deactivated"
	return out
}

func (c *Coordinator) recoverMissed(ctx context.Context, sub *provider.Subscription, tenantID string, out Outcome) Outcome {
	if !sub.IsActive {
		out.Message = "subscription is inactive"
		return out
	}
	if !c.now().Before(sub.ExpiresAt) {
		out.Message = "subscription has expired"
		return out
	}
	if sub.TenantID != "" && !strings.EqualFold(sub.TenantID, tenantID) {
		out.Message = "tenant mismatch"
		return out
	}

	result, err := c.syncer.SyncNow(ctx, sub.AccountID, sub.ResourceType)
	if errors.Is(err, ErrSyncInProgress) {
		// The running cycle reads from the stored cursor and catches up.
		log.Printf("Missed notifications for %s|%s absorbed by the running sync", sub.AccountID, sub.ResourceType)
		out.Success = true
		out.Message = "sync already in progress; missed changes are picked up by the running cycle"
		return out
	}
	if err != nil {
		out.Message = fmt.Sprintf("recovery sync failed: %v", err)
		return out
	}

	out.Success = true
	out.Recovered = result.Total()
	out.Message = fmt.Sprintf("recovered %d changes", out.Recovered)
	return out
}

func (c *Coordinator) alert(ctx context.Context, alert notify.Alert) {
	if c.alerter == nil {
		return
	}
	c.alerter.Notify(ctx, alert)
}
