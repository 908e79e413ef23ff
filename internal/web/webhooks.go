package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/deltabridge/internal/lifecycle"
	"github.com/macjediwizard/deltabridge/internal/provider"
)

const maxNotificationBody = 1 << 20

// graphNotification is one entry of a Graph change or lifecycle
// notification collection.
type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	TenantID       string `json:"tenantId"`
	LifecycleEvent string `json:"lifecycleEvent"`
}

type notificationCollection struct {
	Value []graphNotification `json:"value"`
}

// validationEcho answers the subscription validation handshake. It reports
// whether the request was a handshake.
func validationEcho(c *gin.Context) bool {
	token, ok := c.GetQuery("validationToken")
	if !ok {
		return false
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
	return true
}

func bindNotifications(c *gin.Context) (*notificationCollection, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxNotificationBody)
	var payload notificationCollection
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification payload"})
		return nil, false
	}
	return &payload, true
}

// authenticate loads the subscription a notification names and checks its
// clientState. Unknown subscriptions and mismatched secrets return nil.
func (h *Handlers) authenticate(c *gin.Context, n graphNotification) *provider.Subscription {
	if n.SubscriptionID == "" {
		return nil
	}
	sub, err := h.store.FindBySubscriptionID(c.Request.Context(), n.SubscriptionID)
	if err != nil {
		if !errors.Is(err, provider.ErrSubscriptionNotFound) {
			log.Printf("Failed to load subscription %s: %v", n.SubscriptionID, err)
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(sub.ClientState), []byte(n.ClientState)) != 1 {
		log.Printf("Rejected notification for subscription %s: client state mismatch", n.SubscriptionID)
		return nil
	}
	return sub
}

// GraphNotification handles change notifications. Each authenticated
// notification triggers one background sync of its target; notifications
// for the same target in one delivery are coalesced.
func (h *Handlers) GraphNotification(c *gin.Context) {
	if validationEcho(c) {
		return
	}

	payload, ok := bindNotifications(c)
	if !ok {
		return
	}

	triggered := make(map[string]bool)
	for _, n := range payload.Value {
		sub := h.authenticate(c, n)
		if sub == nil || !sub.IsActive {
			continue
		}
		key := sub.AccountID + "|" + string(sub.ResourceType)
		if triggered[key] {
			continue
		}
		triggered[key] = true
		h.scheduler.TriggerSync(sub.AccountID, sub.ResourceType, "webhook")
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": len(payload.Value), "triggered": len(triggered)})
}

// GraphLifecycle handles lifecycle notifications and returns how each one
// was handled.
func (h *Handlers) GraphLifecycle(c *gin.Context) {
	if validationEcho(c) {
		return
	}

	payload, ok := bindNotifications(c)
	if !ok {
		return
	}

	outcomes := make([]lifecycle.Outcome, 0, len(payload.Value))
	for _, n := range payload.Value {
		kind := lifecycle.SignalKind(n.LifecycleEvent)
		if h.authenticate(c, n) == nil {
			outcomes = append(outcomes, lifecycle.Outcome{
				Kind:           kind,
				SubscriptionID: n.SubscriptionID,
				Message:        "notification not authenticated",
			})
			continue
		}
		// Renewal retries and recovery syncs outlive a caller that hangs up.
		ctx := context.WithoutCancel(c.Request.Context())
		outcomes = append(outcomes, h.signals.HandleSignal(ctx, kind, n.SubscriptionID, n.TenantID))
	}

	c.JSON(http.StatusAccepted, gin.H{"outcomes": outcomes})
}
