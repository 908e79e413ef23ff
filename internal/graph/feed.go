// Package graph reads Microsoft Graph delta queries and renews Graph
// change notification subscriptions.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/macjediwizard/deltabridge/internal/provider"
)

const (
	DefaultBaseURL     = "https://graph.microsoft.com/v1.0"
	DefaultPageSize    = 50
	DefaultTimeout     = 30 * time.Second
	DefaultEventWindow = 365 * 24 * time.Hour

	maxBodySize = 10 << 20
)

var (
	ErrUnsupportedResource = errors.New("resource type not served by graph")
	ErrForeignLink         = errors.New("continuation link does not point at the configured graph endpoint")
)

// FeedConfig configures a Feed.
type FeedConfig struct {
	BaseURL  string
	PageSize int
	Timeout  time.Duration
	// EventWindow bounds an unwindowed fresh events feed, since calendarView
	// delta requires a date range.
	EventWindow time.Duration
	HTTPClient  *http.Client
	Now         func() time.Time
}

// Feed is a provider.Feed over Graph delta queries. Continuation tokens are
// the nextLink and deltaLink URLs returned by Graph.
type Feed struct {
	baseURL     *url.URL
	pageSize    int
	eventWindow time.Duration
	httpClient  *http.Client
	tokens      provider.TokenProvider
	now         func() time.Time
}

// NewFeed creates a Graph delta feed.
func NewFeed(cfg FeedConfig, tokens provider.TokenProvider) (*Feed, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid graph base url: %w", err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.EventWindow <= 0 {
		cfg.EventWindow = DefaultEventWindow
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Feed{
		baseURL:     base,
		pageSize:    cfg.PageSize,
		eventWindow: cfg.EventWindow,
		httpClient:  cfg.HTTPClient,
		tokens:      tokens,
		now:         cfg.Now,
	}, nil
}

// FetchPage requests one page of a delta query.
func (f *Feed) FetchPage(ctx context.Context, req provider.PageRequest) (*provider.Page, error) {
	target, err := f.requestURL(req)
	if err != nil {
		return nil, err
	}

	accessToken, err := f.tokens.AccessToken(ctx, req.AccountID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &provider.Error{Kind: provider.KindUnauthorized, Message: "token unavailable", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}).SetAuthHeader(httpReq)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Prefer", fmt.Sprintf("odata.maxpagesize=%d", f.pageSize))

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, provider.NewNetworkError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, provider.NewNetworkError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, provider.FromResponse(resp, body)
	}

	return parseDeltaPage(body)
}

// requestURL returns the continuation link as is, or builds the initial
// delta query for a fresh feed.
func (f *Feed) requestURL(req provider.PageRequest) (string, error) {
	if !req.IsFresh() {
		link, err := url.Parse(req.Token)
		if err != nil || link.Scheme != f.baseURL.Scheme || link.Host != f.baseURL.Host {
			return "", &provider.Error{Kind: provider.KindUnknown, Message: req.Token, Err: ErrForeignLink}
		}
		return req.Token, nil
	}

	user := "/users/" + url.PathEscape(req.AccountID)
	query := url.Values{}
	var path string
	switch req.ResourceType {
	case provider.ResourceEvents:
		path = user + "/calendarView/delta"
		start, end := f.eventRange(req.Window)
		query.Set("startDateTime", start.UTC().Format(time.RFC3339))
		query.Set("endDateTime", end.UTC().Format(time.RFC3339))
	case provider.ResourceMessages:
		path = user + "/mailFolders/inbox/messages/delta"
		if !req.Window.IsZero() && !req.Window.Start.IsZero() {
			query.Set("$filter", "receivedDateTime ge "+req.Window.Start.UTC().Format(time.RFC3339))
		}
	case provider.ResourceContacts:
		path = user + "/contacts/delta"
	default:
		return "", &provider.Error{Kind: provider.KindUnknown, Message: string(req.ResourceType), Err: ErrUnsupportedResource}
	}
	if req.LatestOnly {
		query.Set("$deltatoken", "latest")
	}

	target := strings.TrimRight(f.baseURL.String(), "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target, nil
}

func (f *Feed) eventRange(window *provider.DateWindow) (time.Time, time.Time) {
	now := f.now()
	start, end := now, now.Add(f.eventWindow)
	if !window.IsZero() {
		if !window.Start.IsZero() {
			start = window.Start
		}
		if !window.End.IsZero() {
			end = window.End
		}
	}
	return start, end
}

type deltaResponse struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink"`
	DeltaLink string            `json:"@odata.deltaLink"`
}

type deltaItem struct {
	ID                   string          `json:"id"`
	CreatedDateTime      string          `json:"createdDateTime"`
	LastModifiedDateTime string          `json:"lastModifiedDateTime"`
	Removed              json.RawMessage `json:"@removed"`
}

func parseDeltaPage(body []byte) (*provider.Page, error) {
	var resp deltaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &provider.Error{Kind: provider.KindUnknown, Message: "invalid delta response", Err: err}
	}

	page := &provider.Page{
		Items:          make([]provider.ChangeItem, 0, len(resp.Value)),
		NextPageToken:  resp.NextLink,
		TerminalCursor: resp.DeltaLink,
	}
	for _, raw := range resp.Value {
		var di deltaItem
		if err := json.Unmarshal(raw, &di); err != nil {
			page.Failed = append(page.Failed, provider.FailedItem{Err: err})
			continue
		}
		page.Items = append(page.Items, provider.ChangeItem{
			ID:             di.ID,
			CreatedAt:      parseTime(di.CreatedDateTime),
			LastModifiedAt: parseTime(di.LastModifiedDateTime),
			Removed:        len(di.Removed) > 0 && string(di.Removed) != "null",
			Payload:        raw,
		})
	}
	return page, nil
}

// parseTime accepts RFC 3339 timestamps with any fractional precision, and
// zone-less timestamps which Graph reports in UTC.
func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC); err == nil {
		return &t
	}
	return nil
}
