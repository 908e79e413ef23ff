package changes

import (
	"github.com/macjediwizard/deltabridge/internal/provider"
)

// Tracker normalizes successive batches of one streaming cycle. Each batch
// is deduplicated and ordered on its own; an ID deleted in an earlier batch
// stays deleted, so later non-removal occurrences of it are dropped.
type Tracker struct {
	accountID    string
	resourceType provider.ResourceType
	deleted      map[string]struct{}
	counts       Counts
}

// NewTracker creates a Tracker for one account feed.
func NewTracker(accountID string, resourceType provider.ResourceType) *Tracker {
	return &Tracker{
		accountID:    accountID,
		resourceType: resourceType,
		deleted:      make(map[string]struct{}),
	}
}

// Batch normalizes one page worth of items.
func (t *Tracker) Batch(items []provider.ChangeItem) []provider.NormalizedChange {
	filtered := make([]provider.ChangeItem, 0, len(items))
	for _, item := range items {
		if item.ID != "" && !item.Removed {
			if _, gone := t.deleted[item.ID]; gone {
				continue
			}
		}
		filtered = append(filtered, item)
	}

	deduped := Deduplicate(filtered)
	for _, item := range deduped {
		if item.ID != "" && item.Removed {
			t.deleted[item.ID] = struct{}{}
		}
	}
	Sort(deduped)

	out := toNormalized(t.accountID, t.resourceType, deduped)
	t.counts.Add(out)
	return out
}

// Reset forgets deletions seen so far. It is used when the feed restarts
// from scratch; counts keep accumulating.
func (t *Tracker) Reset() {
	t.deleted = make(map[string]struct{})
}

// Counts returns the tally of everything handed out.
func (t *Tracker) Counts() Counts {
	return t.counts
}
