package provider

import (
	"context"
	"fmt"
)

// FeedMux routes page requests to a feed per resource type.
type FeedMux map[ResourceType]Feed

// FetchPage implements Feed. Resource types without a feed fail with a
// non-retryable error.
func (m FeedMux) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	feed, ok := m[req.ResourceType]
	if !ok || feed == nil {
		return nil, &Error{Kind: KindUnknown, Message: fmt.Sprintf("no feed configured for resource type %q", req.ResourceType)}
	}
	return feed.FetchPage(ctx, req)
}

// Supports reports whether a feed is registered for rt.
func (m FeedMux) Supports(rt ResourceType) bool {
	feed, ok := m[rt]
	return ok && feed != nil
}
