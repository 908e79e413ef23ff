package caldav

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/macjediwizard/deltabridge/internal/provider"
)

const (
	// DefaultPageSize is the number of results requested per sync REPORT.
	DefaultPageSize = 100
	// fetchConcurrency bounds parallel object fetches within one page.
	fetchConcurrency = 4
)

// ObjectPayload is the JSON payload of a changed calendar object.
type ObjectPayload struct {
	Href string `json:"href"`
	ETag string `json:"etag,omitempty"`
	Data string `json:"data"`
}

type syncer interface {
	SyncCollection(ctx context.Context, calendarPath, syncToken string, limit int) (*SyncResponse, error)
	GetObject(ctx context.Context, objectPath string) (*Object, error)
}

// Feed adapts a CalDAV collection to the change feed contract. Collection
// sync tokens are used both as continuation tokens of truncated results and
// as terminal cursors. Each account maps to one collection path.
type Feed struct {
	client   syncer
	paths    func(accountID string) (string, error)
	pageSize int
}

// NewFeed creates a feed over client. paths resolves the collection of an
// account. A non-positive pageSize selects the default.
func NewFeed(client *Client, paths func(accountID string) (string, error), pageSize int) *Feed {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Feed{client: client, paths: paths, pageSize: pageSize}
}

// StaticPath resolves every account to the same collection.
func StaticPath(path string) func(string) (string, error) {
	return func(string) (string, error) { return path, nil }
}

// FetchPage implements provider.Feed. Date windows and latest-only requests
// are not supported by sync-collection and are ignored.
func (f *Feed) FetchPage(ctx context.Context, req provider.PageRequest) (*provider.Page, error) {
	if req.ResourceType != provider.ResourceCalendar {
		return nil, &provider.Error{Kind: provider.KindUnknown, Message: fmt.Sprintf("unsupported resource type %q", req.ResourceType)}
	}

	collection, err := f.paths(req.AccountID)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindNotFound, Err: err}
	}

	resp, err := f.client.SyncCollection(ctx, collection, req.Token, f.pageSize)
	if err != nil {
		return nil, err
	}

	page := &provider.Page{Items: make([]provider.ChangeItem, 0, len(resp.Changed)+len(resp.Deleted))}

	for _, href := range resp.Deleted {
		page.Items = append(page.Items, provider.ChangeItem{ID: href, Removed: true})
	}

	changed, failed := f.materialize(ctx, resp.Changed)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	page.Items = append(page.Items, changed...)
	page.Failed = failed

	if resp.Truncated {
		page.NextPageToken = resp.SyncToken
	} else {
		page.TerminalCursor = resp.SyncToken
	}
	return page, nil
}

// materialize turns changed hrefs into items, fetching objects whose data
// was not returned inline. Items keep the order of the response.
func (f *Feed) materialize(ctx context.Context, changed []SyncItem) ([]provider.ChangeItem, []provider.FailedItem) {
	items := make([]provider.ChangeItem, len(changed))
	errs := make([]error, len(changed))

	sem := make(chan struct{}, fetchConcurrency)
	var wg sync.WaitGroup
	for i, sc := range changed {
		if sc.Data != "" {
			items[i], errs[i] = inlineItem(sc)
			continue
		}
		wg.Add(1)
		go func(i int, sc SyncItem) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			defer func() { <-sem }()
			items[i], errs[i] = f.fetchItem(ctx, sc)
		}(i, sc)
	}
	wg.Wait()

	out := make([]provider.ChangeItem, 0, len(changed))
	var failed []provider.FailedItem
	for i, sc := range changed {
		if errs[i] != nil {
			log.Printf("Failed to fetch calendar object %s: %v", sc.Path, errs[i])
			failed = append(failed, provider.FailedItem{ID: sc.Path, Err: errs[i]})
			continue
		}
		out = append(out, items[i])
	}
	return out, failed
}

func inlineItem(sc SyncItem) (provider.ChangeItem, error) {
	cal, err := parseICalendar(sc.Data)
	if err != nil {
		return provider.ChangeItem{}, err
	}
	return toItem(newObject(sc.Path, sc.ETag, cal), sc.Data)
}

func (f *Feed) fetchItem(ctx context.Context, sc SyncItem) (provider.ChangeItem, error) {
	obj, err := f.client.GetObject(ctx, sc.Path)
	if err != nil {
		return provider.ChangeItem{}, err
	}
	if obj.ETag == "" {
		obj.ETag = sc.ETag
	}
	obj.Path = sc.Path
	return toItem(obj, encodeCalendar(obj))
}

func toItem(obj *Object, data string) (provider.ChangeItem, error) {
	payload, err := json.Marshal(ObjectPayload{Href: obj.Path, ETag: obj.ETag, Data: data})
	if err != nil {
		return provider.ChangeItem{}, fmt.Errorf("marshal payload: %w", err)
	}
	return provider.ChangeItem{
		ID:             obj.Path,
		CreatedAt:      obj.Created,
		LastModifiedAt: obj.LastModified,
		Payload:        payload,
	}, nil
}
