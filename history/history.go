// Package history keeps the bounded, ordered item lists served to each feed owner
package history

import (
	"sort"

	"tvfeed/models"
)

// Capacity is the maximum number of items kept per owner
const Capacity = 15

// Insert places item into items at its ordered position and truncates the result to
// capacity. Items already present under the equality relation are left untouched and
// the second return value is false.
func Insert(items []models.FeedItem, item models.FeedItem, capacity int) ([]models.FeedItem, bool) {
	for _, existing := range items {
		if existing.Equal(item) {
			return items, false
		}
	}

	pos := sort.Search(len(items), func(i int) bool {
		return models.Less(item, items[i])
	})

	if capacity > 0 && pos >= capacity {
		// Ranks below everything we keep
		return items, false
	}

	out := make([]models.FeedItem, 0, len(items)+1)
	out = append(out, items[:pos]...)
	out = append(out, item)
	out = append(out, items[pos:]...)

	if capacity > 0 && len(out) > capacity {
		out = out[:capacity]
	}
	return out, true
}

// Normalize restores the ordering, uniqueness and capacity invariants on a list loaded
// from somewhere we do not control
func Normalize(items []models.FeedItem, capacity int) []models.FeedItem {
	out := models.UniqueItems(items)
	if capacity > 0 && len(out) > capacity {
		out = out[:capacity]
	}
	return out
}
