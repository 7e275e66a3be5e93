package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tvfeed/engine"
	"tvfeed/history"
	"tvfeed/models"
	"tvfeed/series"
	"tvfeed/source"
	"tvfeed/tracker"
)

type fakeSource struct {
	items []models.FeedItem
	err   error
	calls int
}

func (f *fakeSource) LoadItems(context.Context, string, map[string]string) ([]models.FeedItem, error) {
	f.calls++
	return f.items, f.err
}

type memoryBackend struct {
	mu        sync.Mutex
	histories map[string][]models.FeedItem
	states    map[string]models.SeriesState
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		histories: make(map[string][]models.FeedItem),
		states:    make(map[string]models.SeriesState),
	}
}

func (m *memoryBackend) LoadHistory(_ context.Context, owner string) ([]models.FeedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.FeedItem(nil), m.histories[owner]...), nil
}

func (m *memoryBackend) SaveHistory(_ context.Context, owner string, items []models.FeedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histories[owner] = append([]models.FeedItem(nil), items...)
	return nil
}

func (m *memoryBackend) LoadSeriesState(_ context.Context, key string) (models.SeriesState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key]
	return s, ok, nil
}

func (m *memoryBackend) SaveSeriesState(_ context.Context, s models.SeriesState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.SeriesKey] = s
	return nil
}

type directory struct {
	subs map[string][]models.Subscription
	err  error
}

func (d *directory) FindSubscribers(_ context.Context, key string) ([]models.Subscription, error) {
	return d.subs[key], d.err
}

func (d *directory) Credentials(_ context.Context, id string) (models.Credentials, error) {
	if id == "ghost" {
		return models.Credentials{}, errors.New("no such subscriber")
	}
	return models.Credentials{UserID: id, Session: "s-" + id}, nil
}

type fakeResolver struct {
	fail     map[string]error
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	calls    atomic.Int32
}

func (r *fakeResolver) Resolve(ctx context.Context, item models.FeedItem, creds models.Credentials, q models.Quality) (string, error) {
	r.calls.Add(1)
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		seen := r.maxSeen.Load()
		if n <= seen || r.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", tracker.ErrUnavailable, ctx.Err())
		}
	}
	if err := r.fail[creds.UserID]; err != nil {
		return "", err
	}
	return fmt.Sprintf("https://dl.example/%s/%s/%s", creds.UserID, q, item.TorrentID), nil
}

type harness struct {
	source   *fakeSource
	backend  *memoryBackend
	dir      *directory
	resolver *fakeResolver
	history  *history.Store
	engine   *engine.Engine
}

func newHarness(items []models.FeedItem, subs map[string][]models.Subscription) *harness {
	h := &harness{
		source:   &fakeSource{items: items},
		backend:  newMemoryBackend(),
		dir:      &directory{subs: subs},
		resolver: &fakeResolver{fail: map[string]error{}},
	}
	h.history = history.NewStore(h.backend)
	h.engine = engine.New(engine.Config{SourceURI: "http://source.example/rss", Workers: 4}, engine.Dependencies{
		Source:      h.source,
		Series:      series.NewTracker(h.backend),
		History:     h.history,
		Directory:   h.dir,
		Credentials: h.dir,
		Resolver:    h.resolver,
	})
	return h
}

func ep(title string, day int, torrent string) models.FeedItem {
	return models.FeedItem{
		Title:       title,
		Link:        "https://tracker.example/" + torrent,
		PublishedAt: time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		SeriesKey:   series.Key(title),
		TorrentID:   torrent,
	}
}

func historyTitles(t *testing.T, h *harness, owner string) []string {
	t.Helper()
	fh, err := h.engine.GetHistory(context.Background(), owner)
	require.NoError(t, err)
	out := make([]string, len(fh.Items))
	for i, it := range fh.Items {
		out[i] = it.Title
	}
	return out
}

func TestRunCycleScenario(t *testing.T) {
	a := ep("Show S01E02", 2, "2")
	b := ep("Show S01E01", 1, "1")
	h := newHarness([]models.FeedItem{a, b}, map[string][]models.Subscription{
		"Show": {{SubscriberID: "alice", SeriesKey: "Show", Quality: models.QualityMP4}},
	})

	report := h.engine.RunCycle(context.Background())

	assert.Equal(t, 2, report.ItemsFetched)
	assert.Equal(t, 2, report.ItemsNew)
	assert.Equal(t, 2, report.SubscribersNotified)
	assert.True(t, report.Healthy())
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, engine.Idle, h.engine.State())

	state := h.backend.states["Show"]
	assert.Equal(t, a.PublishedAt, state.LastEpisodeAt)
	assert.Equal(t, a.Link, state.LastEpisodeLink)

	assert.Equal(t, []string{"Show S01E02", "Show S01E01"}, historyTitles(t, h, models.GlobalOwnerID))
	assert.Equal(t, []string{"Show S01E02", "Show S01E01"}, historyTitles(t, h, "alice"))

	alice, err := h.engine.GetHistory(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "https://dl.example/alice/MP4/2", alice.Items[0].Link)
	assert.Equal(t, a.PublishedAt, alice.Items[0].PublishedAt)

	last, ok := h.engine.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.ID, last.ID)
}

func TestRunCycleIsIdempotent(t *testing.T) {
	h := newHarness([]models.FeedItem{ep("Show S01E01", 1, "1")}, map[string][]models.Subscription{
		"Show": {{SubscriberID: "alice", SeriesKey: "Show", Quality: models.QualitySD}},
	})

	first := h.engine.RunCycle(context.Background())
	second := h.engine.RunCycle(context.Background())

	assert.Equal(t, 1, first.ItemsNew)
	assert.Equal(t, 0, second.ItemsNew)
	assert.Equal(t, int32(1), h.resolver.calls.Load())
	assert.Len(t, historyTitles(t, h, "alice"), 1)
}

func TestRunCyclePartialFailureIsolation(t *testing.T) {
	subs := []models.Subscription{
		{SubscriberID: "one", SeriesKey: "Show", Quality: models.QualitySD},
		{SubscriberID: "two", SeriesKey: "Show", Quality: models.QualitySD},
		{SubscriberID: "three", SeriesKey: "Show", Quality: models.QualitySD},
	}
	h := newHarness([]models.FeedItem{ep("Show S01E01", 1, "1")}, map[string][]models.Subscription{"Show": subs})
	h.resolver.fail["two"] = fmt.Errorf("%w: tracker timed out", tracker.ErrUnavailable)

	report := h.engine.RunCycle(context.Background())

	assert.Equal(t, 2, report.SubscribersNotified)
	assert.Equal(t, 1, report.Failures[models.FailureResolveUnavailable])
	assert.Len(t, historyTitles(t, h, "one"), 1)
	assert.Empty(t, historyTitles(t, h, "two"))
	assert.Len(t, historyTitles(t, h, "three"), 1)
}

func TestRunCycleFailureCategories(t *testing.T) {
	subs := []models.Subscription{
		{SubscriberID: "one", SeriesKey: "Show", Quality: models.QualityHD},
		{SubscriberID: "ghost", SeriesKey: "Show", Quality: models.QualitySD},
		{SubscriberID: "one", SeriesKey: "Show", Quality: models.QualityHD},
	}
	h := newHarness([]models.FeedItem{ep("Show S01E01", 1, "1")}, map[string][]models.Subscription{"Show": subs})
	h.resolver.fail["one"] = fmt.Errorf("%w: no 1080", tracker.ErrNotOffered)

	report := h.engine.RunCycle(context.Background())

	assert.Equal(t, 0, report.SubscribersNotified)
	assert.Equal(t, 1, report.Failures[models.FailureResolveNotOffered], "duplicate subscription resolved once")
	assert.Equal(t, 1, report.Failures[models.FailureResolveUnavailable])
	assert.Len(t, historyTitles(t, h, models.GlobalOwnerID), 1, "base feed does not depend on subscribers")
}

func TestRunCycleSourceUnavailable(t *testing.T) {
	h := newHarness(nil, nil)
	h.source.err = fmt.Errorf("%w: connection reset", source.ErrUnavailable)

	report := h.engine.RunCycle(context.Background())

	assert.False(t, report.Healthy())
	assert.Equal(t, 1, report.Failures[models.FailureFetch])
	assert.Equal(t, 0, report.ItemsFetched)
	assert.Empty(t, h.backend.states)
}

func TestRunCycleParseFailure(t *testing.T) {
	h := newHarness(nil, nil)
	h.source.items = []models.FeedItem{}
	h.source.err = fmt.Errorf("%w: not xml", source.ErrParse)

	report := h.engine.RunCycle(context.Background())

	assert.True(t, report.Healthy())
	assert.Equal(t, 1, report.Failures[models.FailureParse])
	assert.Equal(t, 0, report.ItemsNew)
}

func TestRunCycleDirectoryFailure(t *testing.T) {
	h := newHarness([]models.FeedItem{ep("Show S01E01", 1, "1")}, nil)
	h.dir.err = errors.New("directory offline")

	report := h.engine.RunCycle(context.Background())

	assert.Equal(t, 1, report.Failures[models.FailureDirectory])
	assert.Len(t, historyTitles(t, h, models.GlobalOwnerID), 1)
}

func TestRunCycleBoundedConcurrency(t *testing.T) {
	var subs []models.Subscription
	for i := 0; i < 20; i++ {
		subs = append(subs, models.Subscription{SubscriberID: fmt.Sprintf("user-%02d", i), SeriesKey: "Show", Quality: models.QualitySD})
	}
	h := newHarness([]models.FeedItem{ep("Show S01E01", 1, "1"), ep("Show S01E02", 2, "2")}, map[string][]models.Subscription{"Show": subs})
	h.resolver.delay = 10 * time.Millisecond

	report := h.engine.RunCycle(context.Background())

	assert.Equal(t, 40, report.SubscribersNotified)
	assert.LessOrEqual(t, h.resolver.maxSeen.Load(), int32(4))
	assert.Greater(t, h.resolver.maxSeen.Load(), int32(1))
	for _, sub := range subs {
		assert.Equal(t, []string{"Show S01E02", "Show S01E01"}, historyTitles(t, h, sub.SubscriberID))
	}
}

func TestRunCycleCancelled(t *testing.T) {
	subs := []models.Subscription{{SubscriberID: "alice", SeriesKey: "Show", Quality: models.QualitySD}}
	h := newHarness([]models.FeedItem{ep("Show S01E01", 1, "1")}, map[string][]models.Subscription{"Show": subs})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := h.engine.RunCycle(ctx)

	assert.True(t, report.Cancelled)
	assert.Equal(t, 0, report.SubscribersNotified)
	assert.Empty(t, historyTitles(t, h, "alice"))
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	h := newHarness(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx, 5*time.Millisecond, time.Second)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop")
	}
	assert.GreaterOrEqual(t, h.source.calls, 2)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", engine.Idle.String())
	assert.Equal(t, "fetching", engine.Fetching.String())
	assert.Equal(t, "classifying", engine.Classifying.String())
	assert.Equal(t, "fanning-out", engine.FanningOut.String())
}
