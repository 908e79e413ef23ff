package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"

	"github.com/macjediwizard/deltabridge/internal/provider"
)

// DefaultExtension is how far a renewal pushes a subscription's expiry.
// Graph caps most resources at just under three days.
const DefaultExtension = 4230 * time.Minute

// tokenCredential adapts a TokenProvider to the azcore credential interface
// for a single account.
type tokenCredential struct {
	tokens    provider.TokenProvider
	accountID string
}

func (c *tokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	token, err := c.tokens.AccessToken(ctx, c.accountID)
	if err != nil {
		if ctx.Err() != nil {
			return azcore.AccessToken{}, ctx.Err()
		}
		return azcore.AccessToken{}, &provider.Error{Kind: provider.KindUnauthorized, Message: "token unavailable", Err: err}
	}
	return azcore.AccessToken{
		Token:     token,
		ExpiresOn: time.Now().Add(5 * time.Minute),
	}, nil
}

// SubscriptionRenewer extends Graph subscriptions through the Graph SDK.
type SubscriptionRenewer struct {
	tokens    provider.TokenProvider
	extension time.Duration
	now       func() time.Time
	newClient func(cred azcore.TokenCredential) (*msgraphsdk.GraphServiceClient, error)
}

// NewSubscriptionRenewer creates a renewer. A non-positive extension uses DefaultExtension.
func NewSubscriptionRenewer(tokens provider.TokenProvider, extension time.Duration) *SubscriptionRenewer {
	if extension <= 0 {
		extension = DefaultExtension
	}
	return &SubscriptionRenewer{
		tokens:    tokens,
		extension: extension,
		now:       time.Now,
		newClient: func(cred azcore.TokenCredential) (*msgraphsdk.GraphServiceClient, error) {
			return msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
		},
	}
}

// Renew pushes the subscription expiry forward and returns the new expiry.
func (r *SubscriptionRenewer) Renew(ctx context.Context, accountID, subscriptionID string) (time.Time, error) {
	client, err := r.newClient(&tokenCredential{tokens: r.tokens, accountID: accountID})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create Graph client: %w", err)
	}

	expiry := r.now().Add(r.extension).UTC()
	body := models.NewSubscription()
	body.SetExpirationDateTime(&expiry)

	updated, err := client.Subscriptions().BySubscriptionId(subscriptionID).Patch(ctx, body, nil)
	if err != nil {
		return time.Time{}, classifySDKError(err)
	}
	if updated != nil {
		if got := updated.GetExpirationDateTime(); got != nil {
			return *got, nil
		}
	}
	return expiry, nil
}

// classifySDKError maps Graph SDK failures onto provider kinds. Errors
// without a Graph response keep their own classification: credential
// failures are unauthorized, transport failures are network errors and
// anything else is unknown.
func classifySDKError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var odataErr *odataerrors.ODataError
	if !errors.As(err, &odataErr) {
		return provider.Classify(err)
	}

	code, message := "", odataErr.Error()
	if main := odataErr.GetErrorEscaped(); main != nil {
		if c := main.GetCode(); c != nil {
			code = *c
		}
		if m := main.GetMessage(); m != nil {
			message = *m
		}
	}

	header := http.Header{}
	if odataErr.ResponseHeaders != nil {
		for _, v := range odataErr.ResponseHeaders.Get("Retry-After") {
			header.Add("Retry-After", v)
		}
	}

	classified := provider.FromStatus(odataErr.ResponseStatusCode, code, message, header)
	classified.Err = err
	return classified
}
