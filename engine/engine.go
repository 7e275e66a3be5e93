// Package engine runs ingestion cycles: read the source, find new announcements and
// fan them out to the histories of everyone subscribed to the series
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tvfeed/models"
	"tvfeed/series"
	"tvfeed/source"
	"tvfeed/tracker"
)

const DefaultWorkers = 8

// State is the phase of the cycle currently running
type State int32

const (
	Idle State = iota
	Fetching
	Classifying
	FanningOut
)

func (s State) String() string {
	switch s {
	case Fetching:
		return "fetching"
	case Classifying:
		return "classifying"
	case FanningOut:
		return "fanning-out"
	default:
		return "idle"
	}
}

// ItemSource loads the current announcements
type ItemSource interface {
	LoadItems(ctx context.Context, uri string, headers map[string]string) ([]models.FeedItem, error)
}

// SeriesTracker decides novelty and records watermarks
type SeriesTracker interface {
	Classify(ctx context.Context, items []models.FeedItem) []series.Classified
	Advance(ctx context.Context, item models.FeedItem) error
}

// HistoryStore owns the bounded per-owner histories
type HistoryStore interface {
	Append(ctx context.Context, ownerID string, item models.FeedItem) (bool, error)
	Get(ctx context.Context, ownerID string) (models.FeedHistory, error)
}

// SubscriptionDirectory lists who follows a series
type SubscriptionDirectory interface {
	FindSubscribers(ctx context.Context, seriesKey string) ([]models.Subscription, error)
}

// CredentialProvider looks up a subscriber's tracker credentials
type CredentialProvider interface {
	Credentials(ctx context.Context, subscriberID string) (models.Credentials, error)
}

type Config struct {
	SourceURI string
	Headers   map[string]string
	// Workers bounds concurrent link resolutions for a single item
	Workers int
}

type Dependencies struct {
	Source      ItemSource
	Series      SeriesTracker
	History     HistoryStore
	Directory   SubscriptionDirectory
	Credentials CredentialProvider
	Resolver    tracker.Resolver
}

type Engine struct {
	config Config
	deps   Dependencies

	cycleMu sync.Mutex
	state   atomic.Int32

	reportMu sync.RWMutex
	last     *models.CycleReport
}

func New(config Config, deps Dependencies) *Engine {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	return &Engine{config: config, deps: deps}
}

// State reports the phase of the running cycle, Idle between cycles
func (e *Engine) State() State {
	return State(e.state.Load())
}

// LastReport returns the report of the last completed cycle
func (e *Engine) LastReport() (models.CycleReport, bool) {
	e.reportMu.RLock()
	defer e.reportMu.RUnlock()
	if e.last == nil {
		return models.CycleReport{}, false
	}
	return *e.last, true
}

// GetHistory returns the last persisted history of an owner
func (e *Engine) GetHistory(ctx context.Context, ownerID string) (models.FeedHistory, error) {
	return e.deps.History.Get(ctx, ownerID)
}

// tally collects counts from concurrent workers
type tally struct {
	mu       sync.Mutex
	notified int
	failures map[models.FailureKind]int
}

func (t *tally) fail(kind models.FailureKind) {
	t.mu.Lock()
	t.failures[kind]++
	t.mu.Unlock()
}

func (t *tally) notify() {
	t.mu.Lock()
	t.notified++
	t.mu.Unlock()
}

// RunCycle performs one ingestion cycle. Failures are counted in the report and never
// abort sibling work; a source that cannot be read ends the cycle early.
func (e *Engine) RunCycle(ctx context.Context) models.CycleReport {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	defer e.state.Store(int32(Idle))

	report := models.CycleReport{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	t := &tally{failures: make(map[models.FailureKind]int)}

	logger := log.WithFields(log.Fields{
		"cycle":  report.ID,
		"source": e.config.SourceURI,
	})

	e.run(ctx, &report, t, logger)

	report.SubscribersNotified = t.notified
	report.Failures = t.failures
	report.Duration = time.Since(report.StartedAt)
	report.Cancelled = ctx.Err() != nil

	e.record(report)

	logger.WithFields(log.Fields{
		"fetched":   report.ItemsFetched,
		"new":       report.ItemsNew,
		"notified":  report.SubscribersNotified,
		"failures":  report.Failures,
		"duration":  report.Duration,
		"cancelled": report.Cancelled,
	}).Info("Cycle finished")

	return report
}

func (e *Engine) run(ctx context.Context, report *models.CycleReport, t *tally, logger *log.Entry) {
	e.state.Store(int32(Fetching))
	items, err := e.deps.Source.LoadItems(ctx, e.config.SourceURI, e.config.Headers)
	switch {
	case errors.Is(err, source.ErrParse):
		t.fail(models.FailureParse)
		logger.WithField("error", err).Warn("Source unparsable, no new items this cycle")
		return
	case err != nil:
		t.fail(models.FailureFetch)
		logger.WithField("error", err).Warn("Source unavailable, skipping cycle")
		return
	}
	report.ItemsFetched = len(items)

	e.state.Store(int32(Classifying))
	classified := e.deps.Series.Classify(ctx, items)
	fresh := lo.FilterMap(classified, func(c series.Classified, _ int) (models.FeedItem, bool) {
		return c.Item, c.IsNew
	})
	// Oldest first so watermarks only move forward and histories fill chronologically
	sort.SliceStable(fresh, func(i, j int) bool {
		return models.Less(fresh[j], fresh[i])
	})
	report.ItemsNew = len(fresh)
	itemsNewTotal.Add(float64(len(fresh)))

	e.state.Store(int32(FanningOut))
	for _, item := range fresh {
		if ctx.Err() != nil {
			logger.Warn("Cycle cancelled, abandoning remaining items")
			return
		}
		e.processItem(ctx, item, t, logger)
	}
}

func (e *Engine) processItem(ctx context.Context, item models.FeedItem, t *tally, logger *log.Entry) {
	itemLogger := logger.WithFields(log.Fields{
		"series": item.SeriesKey,
		"title":  item.Title,
	})

	if err := e.deps.Series.Advance(ctx, item); err != nil {
		t.fail(models.FailurePersist)
		itemLogger.WithField("error", err).Error("Error advancing series watermark")
	}

	if _, err := e.deps.History.Append(ctx, models.GlobalOwnerID, item); err != nil {
		t.fail(models.FailurePersist)
		itemLogger.WithField("error", err).Error("Error appending to base history")
	}

	subs, err := e.deps.Directory.FindSubscribers(ctx, item.SeriesKey)
	if err != nil {
		t.fail(models.FailureDirectory)
		itemLogger.WithField("error", err).Error("Error looking up subscribers")
		return
	}
	subs = lo.UniqBy(subs, func(s models.Subscription) string {
		return s.SubscriberID + "\x00" + string(s.Quality)
	})
	if len(subs) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(e.config.Workers)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			e.deliver(ctx, item, sub, t, itemLogger)
			return nil // failures stay with the subscriber
		})
	}
	_ = g.Wait()
}

func (e *Engine) deliver(ctx context.Context, item models.FeedItem, sub models.Subscription, t *tally, logger *log.Entry) {
	subLogger := logger.WithFields(log.Fields{
		"subscriber": sub.SubscriberID,
		"quality":    sub.Quality,
	})

	creds, err := e.deps.Credentials.Credentials(ctx, sub.SubscriberID)
	if err != nil {
		t.fail(models.FailureResolveUnavailable)
		fanoutTotal.WithLabelValues("unavailable").Inc()
		subLogger.WithField("error", err).Warn("Error loading subscriber credentials")
		return
	}

	link, err := e.deps.Resolver.Resolve(ctx, item, creds, sub.Quality)
	switch {
	case errors.Is(err, tracker.ErrNotOffered):
		t.fail(models.FailureResolveNotOffered)
		fanoutTotal.WithLabelValues("not_offered").Inc()
		subLogger.WithField("error", err).Info("Quality not offered, skipping")
		return
	case err != nil:
		t.fail(models.FailureResolveUnavailable)
		fanoutTotal.WithLabelValues("unavailable").Inc()
		subLogger.WithField("error", err).Warn("Error resolving download link")
		return
	}

	personal := item
	personal.Link = link

	if _, err := e.deps.History.Append(ctx, sub.SubscriberID, personal); err != nil {
		t.fail(models.FailurePersist)
		fanoutTotal.WithLabelValues("persist_error").Inc()
		subLogger.WithField("error", err).Error("Error appending to subscriber history")
		return
	}

	t.notify()
	fanoutTotal.WithLabelValues("delivered").Inc()
}

func (e *Engine) record(report models.CycleReport) {
	outcome := "ok"
	switch {
	case report.Cancelled:
		outcome = "cancelled"
	case !report.Healthy():
		outcome = "source_unavailable"
	}
	cyclesTotal.WithLabelValues(outcome).Inc()
	cycleDuration.Observe(report.Duration.Seconds())

	e.reportMu.Lock()
	e.last = &report
	e.reportMu.Unlock()
}

// Run triggers a cycle immediately and then on every tick until ctx is done
func (e *Engine) Run(ctx context.Context, interval time.Duration, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		cycleCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			cycleCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		e.RunCycle(cycleCtx)
		cancel()

		select {
		case <-ctx.Done():
			log.Info("Stopping cycle loop")
			return
		case <-ticker.C:
		}
	}
}
