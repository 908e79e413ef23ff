package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/macjediwizard/deltabridge/internal/provider"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) AccessToken(ctx context.Context, accountID string) (string, error) {
	return s.token, s.err
}

func newTestFeed(t *testing.T, server *httptest.Server) *Feed {
	t.Helper()
	feed, err := NewFeed(FeedConfig{
		BaseURL:  server.URL + "/v1.0",
		PageSize: 25,
		Now:      func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) },
	}, staticTokens{token: "secret-token"})
	if err != nil {
		t.Fatalf("NewFeed: %v", err)
	}
	return feed
}

func TestFetchPageFreshEvents(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.0/users/user@example.com/calendarView/delta" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.Header.Get("Prefer"); got != "odata.maxpagesize=25" {
			t.Errorf("unexpected prefer header %q", got)
		}
		if got := r.URL.Query().Get("startDateTime"); got != "2024-05-01T00:00:00Z" {
			t.Errorf("unexpected start %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"value": [
				{"id": "e1", "createdDateTime": "2024-04-30T10:00:00.1234567Z", "lastModifiedDateTime": "2024-04-30T10:00:00.5Z", "subject": "Standup"},
				{"id": "e2", "@removed": {"reason": "deleted"}}
			],
			"@odata.nextLink": "%s/v1.0/users/user@example.com/calendarView/delta?$skiptoken=abc"
		}`, server.URL)
	}))
	defer server.Close()

	page, err := newTestFeed(t, server).FetchPage(context.Background(), provider.PageRequest{
		AccountID:    "user@example.com",
		ResourceType: provider.ResourceEvents,
	})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	first := page.Items[0]
	if first.ID != "e1" || first.CreatedAt == nil || first.LastModifiedAt == nil || first.Removed {
		t.Errorf("unexpected first item %+v", first)
	}
	if !strings.Contains(string(first.Payload), "Standup") {
		t.Errorf("expected raw payload to be kept, got %s", first.Payload)
	}
	if !page.Items[1].Removed {
		t.Error("expected second item to be removed")
	}
	if !strings.Contains(page.NextPageToken, "$skiptoken=abc") || page.IsTerminal() {
		t.Errorf("unexpected tokens next=%q terminal=%q", page.NextPageToken, page.TerminalCursor)
	}
}

func TestFetchPageFollowsLinkVerbatim(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("$deltatoken") != "xyz" {
			t.Errorf("expected delta token to be passed through, got %q", r.URL.RawQuery)
		}
		fmt.Fprintf(w, `{"value": [], "@odata.deltaLink": "%s/v1.0/users/u/contacts/delta?$deltatoken=next"}`, server.URL)
	}))
	defer server.Close()

	page, err := newTestFeed(t, server).FetchPage(context.Background(), provider.PageRequest{
		AccountID:    "u",
		ResourceType: provider.ResourceContacts,
		Token:        server.URL + "/v1.0/users/u/contacts/delta?$deltatoken=xyz",
	})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if !page.IsTerminal() || !strings.HasSuffix(page.TerminalCursor, "$deltatoken=next") {
		t.Errorf("expected terminal delta link, got %q", page.TerminalCursor)
	}
}

func TestFetchPageRejectsForeignLink(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	_, err := newTestFeed(t, server).FetchPage(context.Background(), provider.PageRequest{
		AccountID:    "u",
		ResourceType: provider.ResourceContacts,
		Token:        "https://attacker.example.com/steal",
	})
	if !errors.Is(err, ErrForeignLink) {
		t.Fatalf("expected foreign link error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("expected no request to be sent")
	}
}

func TestFetchPageLatestOnly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.0/users/u/mailFolders/inbox/messages/delta" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("$deltatoken") != "latest" {
			t.Errorf("expected latest delta token, got %q", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"value": [], "@odata.deltaLink": "https://graph.example/delta"}`)
	}))
	defer server.Close()

	_, err := newTestFeed(t, server).FetchPage(context.Background(), provider.PageRequest{
		AccountID:    "u",
		ResourceType: provider.ResourceMessages,
		LatestOnly:   true,
	})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
}

func TestFetchPageClassifiesErrors(t *testing.T) {
	testCases := []struct {
		name     string
		status   int
		header   map[string]string
		body     string
		expected provider.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, nil, `{"error":{"code":"InvalidAuthenticationToken"}}`, provider.KindUnauthorized},
		{"gone", http.StatusGone, nil, `{"error":{"code":"SyncStateNotFound"}}`, provider.KindGone},
		{"resync required", http.StatusBadRequest, nil, `{"error":{"code":"resyncRequired"}}`, provider.KindGone},
		{"throttled", http.StatusTooManyRequests, map[string]string{"Retry-After": "4"}, `{"error":{"code":"TooManyRequests"}}`, provider.KindThrottled},
		{"server error", http.StatusBadGateway, nil, ``, provider.KindServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer server.Close()

			_, err := newTestFeed(t, server).FetchPage(context.Background(), provider.PageRequest{
				AccountID:    "u",
				ResourceType: provider.ResourceContacts,
			})
			if got := provider.Classify(err); got.Kind != tc.expected {
				t.Errorf("expected %v, got %v (%v)", tc.expected, got.Kind, err)
			}
		})
	}
}

func TestFetchPageTokenFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("expected no request without a token")
	}))
	defer server.Close()

	feed, err := NewFeed(FeedConfig{BaseURL: server.URL}, staticTokens{err: errors.New("no refresh token")})
	if err != nil {
		t.Fatalf("NewFeed: %v", err)
	}
	_, err = feed.FetchPage(context.Background(), provider.PageRequest{AccountID: "u", ResourceType: provider.ResourceContacts})
	if !errors.Is(err, provider.ErrUnauthorized) {
		t.Errorf("expected unauthorized, got %v", err)
	}
}

func TestFetchPageNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	feed, err := NewFeed(FeedConfig{BaseURL: url}, staticTokens{token: "t"})
	if err != nil {
		t.Fatalf("NewFeed: %v", err)
	}
	_, err = feed.FetchPage(context.Background(), provider.PageRequest{AccountID: "u", ResourceType: provider.ResourceContacts})
	if got := provider.Classify(err); got.Kind != provider.KindNetworkError {
		t.Errorf("expected network error, got %v", got.Kind)
	}
}

func TestFetchPageUnsupportedResource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	_, err := newTestFeed(t, server).FetchPage(context.Background(), provider.PageRequest{
		AccountID:    "u",
		ResourceType: provider.ResourceCalendar,
	})
	if !errors.Is(err, ErrUnsupportedResource) {
		t.Errorf("expected unsupported resource, got %v", err)
	}
}

func TestParseTime(t *testing.T) {
	for _, input := range []string{"2024-05-01T08:00:00Z", "2024-05-01T08:00:00.0000000Z", "2024-05-01T08:00:00"} {
		got := parseTime(input)
		if got == nil || !got.Equal(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)) {
			t.Errorf("parseTime(%q) = %v", input, got)
		}
	}
	if parseTime("") != nil || parseTime("yesterday") != nil {
		t.Error("expected nil for empty or invalid input")
	}
}
