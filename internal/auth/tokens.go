// Package auth provides access tokens for provider accounts and the API
// key middleware of the operator endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/macjediwizard/deltabridge/internal/db"
)

var (
	ErrNoCredential  = errors.New("no credential stored for account")
	ErrTokenExchange = errors.New("token exchange failed")
)

// DefaultScopes are requested for Graph access tokens.
var DefaultScopes = []string{"https://graph.microsoft.com/.default", "offline_access"}

// CredentialStore loads and persists account refresh tokens.
type CredentialStore interface {
	GetAccountCredential(ctx context.Context, accountID string) (*db.AccountCredential, error)
	UpsertAccountCredential(ctx context.Context, cred *db.AccountCredential) error
}

// OAuthConfig configures the refresh-token exchange.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	// Tenant is used for accounts whose credential carries no tenant.
	Tenant string
	Scopes []string
	// Endpoint overrides the Azure AD endpoint of the tenant.
	Endpoint *oauth2.Endpoint
}

// Provider hands out access tokens per account. Token sources are cached
// and refresh on their own; rotated refresh tokens are written back to the
// store.
type Provider struct {
	cfg   OAuthConfig
	store CredentialStore
	// base is the context token sources refresh with.
	base context.Context

	mu      sync.Mutex
	sources map[string]*accountSource
}

type accountSource struct {
	source       oauth2.TokenSource
	refreshToken string
}

// NewProvider creates a token provider. base must outlive the provider; it
// carries an optional oauth2.HTTPClient for refresh requests.
func NewProvider(base context.Context, cfg OAuthConfig, store CredentialStore) *Provider {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.Tenant == "" {
		cfg.Tenant = "common"
	}
	return &Provider{
		cfg:     cfg,
		store:   store,
		base:    base,
		sources: make(map[string]*accountSource),
	}
}

// AccessToken implements provider.TokenProvider.
func (p *Provider) AccessToken(ctx context.Context, accountID string) (string, error) {
	src, err := p.sourceFor(ctx, accountID)
	if err != nil {
		return "", err
	}

	tok, err := src.source.Token()
	if err != nil {
		p.forget(accountID)
		return "", fmt.Errorf("%w for %s: %w", ErrTokenExchange, accountID, err)
	}

	p.saveRotated(ctx, accountID, src, tok)
	return tok.AccessToken, nil
}

// Forget drops the cached token source of an account so the next call
// reloads its credential.
func (p *Provider) Forget(accountID string) {
	p.forget(accountID)
}

func (p *Provider) sourceFor(ctx context.Context, accountID string) (*accountSource, error) {
	p.mu.Lock()
	src, ok := p.sources[accountID]
	p.mu.Unlock()
	if ok {
		return src, nil
	}

	cred, err := p.store.GetAccountCredential(ctx, accountID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoCredential, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	conf := p.oauthConfig(cred.TenantID)
	src = &accountSource{
		source:       conf.TokenSource(p.base, &oauth2.Token{RefreshToken: cred.RefreshToken}),
		refreshToken: cred.RefreshToken,
	}

	p.mu.Lock()
	if existing, ok := p.sources[accountID]; ok {
		src = existing
	} else {
		p.sources[accountID] = src
	}
	p.mu.Unlock()
	return src, nil
}

func (p *Provider) oauthConfig(tenant string) *oauth2.Config {
	if tenant == "" {
		tenant = p.cfg.Tenant
	}
	endpoint := microsoft.AzureADEndpoint(tenant)
	if p.cfg.Endpoint != nil {
		endpoint = *p.cfg.Endpoint
	}
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       p.cfg.Scopes,
	}
}

func (p *Provider) saveRotated(ctx context.Context, accountID string, src *accountSource, tok *oauth2.Token) {
	p.mu.Lock()
	rotated := tok.RefreshToken != "" && tok.RefreshToken != src.refreshToken
	if rotated {
		src.refreshToken = tok.RefreshToken
	}
	p.mu.Unlock()
	if !rotated {
		return
	}

	cred, err := p.store.GetAccountCredential(ctx, accountID)
	if err != nil {
		log.Printf("Failed to load credential of %s after token rotation: %v", accountID, err)
		return
	}
	cred.RefreshToken = tok.RefreshToken
	if err := p.store.UpsertAccountCredential(ctx, cred); err != nil {
		log.Printf("Failed to store rotated refresh token of %s: %v", accountID, err)
	}
}

func (p *Provider) forget(accountID string) {
	p.mu.Lock()
	delete(p.sources, accountID)
	p.mu.Unlock()
}

// StaticProvider returns fixed tokens per account, for development and tests.
type StaticProvider map[string]string

// AccessToken implements provider.TokenProvider.
func (s StaticProvider) AccessToken(ctx context.Context, accountID string) (string, error) {
	tok, ok := s[accountID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoCredential, accountID)
	}
	return tok, nil
}
