// Package changes turns raw feed items into ordered, classified changes.
package changes

import (
	"sort"
	"time"

	"github.com/macjediwizard/deltabridge/internal/provider"
)

// CreatedThreshold is the largest gap between creation and last modification
// for which an item still counts as newly created.
const CreatedThreshold = time.Second

// Deduplicate collapses items sharing an ID. A later occurrence replaces the
// earlier one in place, except that a deletion is never replaced. Items
// without an ID are kept on every occurrence.
func Deduplicate(items []provider.ChangeItem) []provider.ChangeItem {
	out := make([]provider.ChangeItem, 0, len(items))
	index := make(map[string]int, len(items))

	for _, item := range items {
		if item.ID == "" {
			out = append(out, item)
			continue
		}
		if i, seen := index[item.ID]; seen {
			if !out[i].Removed {
				out[i] = item
			}
			continue
		}
		index[item.ID] = len(out)
		out = append(out, item)
	}
	return out
}

// Sort orders items by last modification time, falling back to creation
// time. Items with neither sort first. Equal keys keep their input order.
func Sort(items []provider.ChangeItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].SortKey().Before(items[j].SortKey())
	})
}

// Classify returns the kind of change an item represents. Removal wins over
// timestamps. An item last modified no later than CreatedThreshold after its
// creation is a creation. Everything else, including items missing either
// timestamp, is an update.
func Classify(item provider.ChangeItem) provider.ChangeKind {
	if item.Removed {
		return provider.ChangeDeleted
	}
	if item.CreatedAt == nil || item.LastModifiedAt == nil {
		return provider.ChangeUpdated
	}
	if item.LastModifiedAt.Sub(*item.CreatedAt) <= CreatedThreshold {
		return provider.ChangeCreated
	}
	return provider.ChangeUpdated
}

// Normalize deduplicates, orders and classifies items for one account feed.
func Normalize(accountID string, resourceType provider.ResourceType, items []provider.ChangeItem) []provider.NormalizedChange {
	deduped := Deduplicate(items)
	Sort(deduped)
	return toNormalized(accountID, resourceType, deduped)
}

func toNormalized(accountID string, resourceType provider.ResourceType, items []provider.ChangeItem) []provider.NormalizedChange {
	out := make([]provider.NormalizedChange, 0, len(items))
	for _, item := range items {
		out = append(out, provider.NormalizedChange{
			ID:           item.ID,
			Kind:         Classify(item),
			Payload:      item.Payload,
			AccountID:    accountID,
			ResourceType: resourceType,
			ModifiedAt:   item.SortKey(),
		})
	}
	return out
}

// Counts tallies changes by kind.
type Counts struct {
	Created int
	Updated int
	Deleted int
}

// Count tallies changes by kind.
func Count(changes []provider.NormalizedChange) Counts {
	var c Counts
	c.Add(changes)
	return c
}

// Add tallies more changes into c.
func (c *Counts) Add(changes []provider.NormalizedChange) {
	for _, ch := range changes {
		switch ch.Kind {
		case provider.ChangeCreated:
			c.Created++
		case provider.ChangeUpdated:
			c.Updated++
		case provider.ChangeDeleted:
			c.Deleted++
		}
	}
}

// Total returns the number of changes counted.
func (c Counts) Total() int {
	return c.Created + c.Updated + c.Deleted
}
