// Package series remembers the latest episode seen per series and decides which
// announcements are new
package series

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"tvfeed/models"
)

// StateStore persists series watermarks
type StateStore interface {
	LoadSeriesState(ctx context.Context, seriesKey string) (models.SeriesState, bool, error)
	SaveSeriesState(ctx context.Context, state models.SeriesState) error
}

// Classified pairs an item with the novelty decision made for it
type Classified struct {
	Item  models.FeedItem
	IsNew bool
}

type entry struct {
	mu     sync.Mutex
	loaded bool
	found  bool
	state  models.SeriesState
}

// Tracker caches watermarks in memory and writes advances through to the store
type Tracker struct {
	store StateStore

	mu      sync.Mutex
	entries map[string]*entry
}

func NewTracker(store StateStore) *Tracker {
	return &Tracker{
		store:   store,
		entries: make(map[string]*entry),
	}
}

func (t *Tracker) entry(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	return e
}

// load must be called with e.mu held
func (t *Tracker) load(ctx context.Context, key string, e *entry) error {
	if e.loaded {
		return nil
	}
	state, found, err := t.store.LoadSeriesState(ctx, key)
	if err != nil {
		return err
	}
	e.loaded, e.found, e.state = true, found, state
	return nil
}

// Classify marks each item new when its series has no watermark yet or the watermark
// is strictly older than the item. Items that cannot be attributed to a series, or whose
// state cannot be read, are reported as not new.
func (t *Tracker) Classify(ctx context.Context, items []models.FeedItem) []Classified {
	out := make([]Classified, 0, len(items))
	for _, item := range items {
		out = append(out, Classified{Item: item, IsNew: t.isNew(ctx, item)})
	}
	return out
}

// isNew reports whether the item is newer than its series watermark. Items without a
// publication date are never new, not even for a series without stored state.
func (t *Tracker) isNew(ctx context.Context, item models.FeedItem) bool {
	key := keyOf(item)
	if key == "" || item.Title == "" || item.PublishedAt.IsZero() {
		return false
	}

	e := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := t.load(ctx, key, e); err != nil {
		log.WithFields(log.Fields{
			"series": key,
			"error":  err,
		}).Error("Error loading series state")
		return false
	}

	return !e.found || e.state.LastEpisodeAt.Before(item.PublishedAt)
}

// Advance moves the series watermark forward to the item. Items not newer than the
// current watermark leave it untouched, so replays and out-of-order delivery are no-ops.
func (t *Tracker) Advance(ctx context.Context, item models.FeedItem) error {
	key := keyOf(item)
	if key == "" || item.PublishedAt.IsZero() {
		return nil
	}

	e := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := t.load(ctx, key, e); err != nil {
		return err
	}
	if e.found && !e.state.LastEpisodeAt.Before(item.PublishedAt) {
		return nil
	}

	next := models.SeriesState{
		SeriesKey:       key,
		LastEpisodeAt:   item.PublishedAt,
		LastEpisodeLink: item.Link,
	}
	if err := t.store.SaveSeriesState(ctx, next); err != nil {
		return err
	}
	e.found, e.state = true, next

	log.WithFields(log.Fields{
		"series":        key,
		"lastEpisodeAt": next.LastEpisodeAt,
	}).Info("Advanced series watermark")

	return nil
}

// State returns the cached or stored watermark for a series
func (t *Tracker) State(ctx context.Context, seriesKey string) (models.SeriesState, bool, error) {
	e := t.entry(seriesKey)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := t.load(ctx, seriesKey, e); err != nil {
		return models.SeriesState{}, false, err
	}
	return e.state, e.found, nil
}

// Reset drops cached watermarks so the next cycle rereads the store
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.entries = make(map[string]*entry)
	t.mu.Unlock()
}

func keyOf(item models.FeedItem) string {
	if item.SeriesKey != "" {
		return item.SeriesKey
	}
	return Key(item.Title)
}
