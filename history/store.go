package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"tvfeed/models"
)

// ErrCorrupt marks a stored history that could not be decoded. Saving will never fix it
// so it is not retried.
var ErrCorrupt = errors.New("history: corrupt record")

// Backend persists serialized histories keyed by owner id
type Backend interface {
	LoadHistory(ctx context.Context, ownerID string) ([]models.FeedItem, error)
	SaveHistory(ctx context.Context, ownerID string, items []models.FeedItem) error
}

// Store serializes writes per owner and keeps the last persisted copy of every history
// it has touched so readers never see a half-applied append.
type Store struct {
	backend  Backend
	capacity int

	mu     sync.Mutex
	owners map[string]*sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string][]models.FeedItem

	newBackOff func() backoff.BackOff
}

func NewStore(backend Backend) *Store {
	return &Store{
		backend:  backend,
		capacity: Capacity,
		owners:   make(map[string]*sync.Mutex),
		cache:    make(map[string][]models.FeedItem),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			b.MaxElapsedTime = 5 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
}

func (s *Store) lock(ownerID string) func() {
	s.mu.Lock()
	m, ok := s.owners[ownerID]
	if !ok {
		m = &sync.Mutex{}
		s.owners[ownerID] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Append inserts item into the owner's history and persists it. It reports whether the
// history changed; appending an item that is already present is a no-op.
func (s *Store) Append(ctx context.Context, ownerID string, item models.FeedItem) (bool, error) {
	unlock := s.lock(ownerID)
	defer unlock()

	current, err := s.load(ctx, ownerID)
	if err != nil {
		return false, err
	}

	updated, changed := Insert(current, item, s.capacity)
	if !changed {
		return false, nil
	}

	if err := s.save(ctx, ownerID, updated); err != nil {
		return false, err
	}

	log.WithFields(log.Fields{
		"owner": ownerID,
		"title": item.Title,
		"size":  len(updated),
	}).Debug("Appended item to history")

	return true, nil
}

// Load reads the owner's history from the backend, bypassing the cache
func (s *Store) Load(ctx context.Context, ownerID string) (models.FeedHistory, error) {
	unlock := s.lock(ownerID)
	defer unlock()

	items, err := s.backend.LoadHistory(ctx, ownerID)
	if err != nil {
		return models.FeedHistory{}, fmt.Errorf("load history %s: %w", ownerID, err)
	}
	items = Normalize(items, s.capacity)
	s.remember(ownerID, items)

	return models.FeedHistory{OwnerID: ownerID, Items: clone(items)}, nil
}

// Save replaces the owner's history, restoring the invariants first
func (s *Store) Save(ctx context.Context, ownerID string, h models.FeedHistory) error {
	unlock := s.lock(ownerID)
	defer unlock()

	return s.save(ctx, ownerID, Normalize(h.Items, s.capacity))
}

// Get returns the last successfully persisted history for the owner. Histories never
// loaded in this process are read from the backend.
func (s *Store) Get(ctx context.Context, ownerID string) (models.FeedHistory, error) {
	s.cacheMu.RLock()
	items, ok := s.cache[ownerID]
	s.cacheMu.RUnlock()
	if ok {
		return models.FeedHistory{OwnerID: ownerID, Items: clone(items)}, nil
	}
	return s.Load(ctx, ownerID)
}

// Prune drops the cached history of every owner keep rejects, so the next read goes to
// the backend. Owners keep fails for stay cached. It returns the number of owners dropped.
func (s *Store) Prune(ctx context.Context, keep func(ctx context.Context, ownerID string) (bool, error)) int {
	s.cacheMu.RLock()
	owners := lo.Keys(s.cache)
	s.cacheMu.RUnlock()

	pruned := 0
	for _, ownerID := range owners {
		if ctx.Err() != nil {
			break
		}

		ok, err := keep(ctx, ownerID)
		if err != nil {
			log.WithFields(log.Fields{
				"owner": ownerID,
				"error": err,
			}).Warn("Error checking history owner")
			continue
		}
		if ok {
			continue
		}

		unlock := s.lock(ownerID)
		s.cacheMu.Lock()
		delete(s.cache, ownerID)
		s.cacheMu.Unlock()
		unlock()
		pruned++
	}

	if pruned > 0 {
		log.WithField("owners", pruned).Info("Pruned cached histories")
	}
	return pruned
}

func (s *Store) load(ctx context.Context, ownerID string) ([]models.FeedItem, error) {
	s.cacheMu.RLock()
	items, ok := s.cache[ownerID]
	s.cacheMu.RUnlock()
	if ok {
		return items, nil
	}

	items, err := s.backend.LoadHistory(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", ownerID, err)
	}
	items = Normalize(items, s.capacity)
	s.remember(ownerID, items)
	return items, nil
}

func (s *Store) save(ctx context.Context, ownerID string, items []models.FeedItem) error {
	op := func() error {
		err := s.backend.SaveHistory(ctx, ownerID, items)
		if errors.Is(err, ErrCorrupt) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		log.WithFields(log.Fields{
			"owner": ownerID,
			"error": err,
			"wait":  wait,
		}).Warn("Retrying history save")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify); err != nil {
		return fmt.Errorf("save history %s: %w", ownerID, err)
	}

	s.remember(ownerID, items)
	return nil
}

func (s *Store) remember(ownerID string, items []models.FeedItem) {
	s.cacheMu.Lock()
	s.cache[ownerID] = clone(items)
	s.cacheMu.Unlock()
}

func clone(items []models.FeedItem) []models.FeedItem {
	out := make([]models.FeedItem, len(items))
	copy(out, items)
	return out
}
