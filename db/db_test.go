package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tvfeed/history"
	"tvfeed/models"
	"tvfeed/series"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.db")
	require.NoError(t, Migrate(DriverSQLite, path))

	d, err := Open(DriverSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, path
}

func item(title string, day int) models.FeedItem {
	return models.FeedItem{
		Title:       title,
		Link:        "https://tracker.example/" + title,
		PublishedAt: time.Date(2024, 1, day, 12, 0, 0, 0, time.UTC),
		SeriesKey:   series.Key(title),
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "whatever")
	assert.Error(t, err)
	assert.Error(t, Migrate("mysql", "whatever"))
}

func TestMigrateAndRollback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.db")
	require.NoError(t, Migrate(DriverSQLite, path))
	require.NoError(t, Migrate(DriverSQLite, path), "second run has nothing to do")

	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, Rollback(DriverSQLite, path))

	d, err := Open(DriverSQLite, path)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.LoadHistory(context.Background(), "alice")
	assert.Error(t, err, "histories table is gone after rollback")
}

func TestHistoryRoundTrip(t *testing.T) {
	d, _ := openTestDB(t)
	ctx := context.Background()

	items, err := d.LoadHistory(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, items)

	want := []models.FeedItem{item("Show S01E02", 2), item("Show S01E01", 1)}
	require.NoError(t, d.SaveHistory(ctx, "alice", want))

	got, err := d.LoadHistory(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, want[0].Equal(got[0]))
	assert.True(t, want[0].PublishedAt.Equal(got[0].PublishedAt))

	require.NoError(t, d.SaveHistory(ctx, "alice", want[:1]))
	got, err = d.LoadHistory(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLoadHistoryCorrupt(t *testing.T) {
	d, _ := openTestDB(t)
	_, err := d.db.Exec(`INSERT INTO histories (owner_id, items, updated_at) VALUES ('bob', '{not json', 0)`)
	require.NoError(t, err)

	_, err = d.LoadHistory(context.Background(), "bob")
	assert.ErrorIs(t, err, history.ErrCorrupt)
}

func TestSeriesStateIsMonotonic(t *testing.T) {
	d, _ := openTestDB(t)
	ctx := context.Background()

	_, found, err := d.LoadSeriesState(ctx, "Show")
	require.NoError(t, err)
	assert.False(t, found)

	newer := models.SeriesState{SeriesKey: "Show", LastEpisodeAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), LastEpisodeLink: "b"}
	older := models.SeriesState{SeriesKey: "Show", LastEpisodeAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), LastEpisodeLink: "a"}

	require.NoError(t, d.SaveSeriesState(ctx, newer))
	require.NoError(t, d.SaveSeriesState(ctx, older))

	state, found, err := d.LoadSeriesState(ctx, "Show")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, newer.LastEpisodeAt.Equal(state.LastEpisodeAt))
	assert.Equal(t, "b", state.LastEpisodeLink)
}

func TestSubscriberLifecycle(t *testing.T) {
	d, _ := openTestDB(t)
	ctx := context.Background()

	assert.ErrorIs(t, d.AddSubscriber(ctx, models.GlobalOwnerID, models.Credentials{}), ErrReservedOwner)
	assert.ErrorIs(t, d.Subscribe(ctx, models.Subscription{SubscriberID: "ghost", SeriesKey: "Show", Quality: models.QualitySD}), ErrSubscriberNotFound)

	require.NoError(t, d.AddSubscriber(ctx, "alice", models.Credentials{UserID: "1", Session: "old"}))
	require.NoError(t, d.AddSubscriber(ctx, "alice", models.Credentials{UserID: "1", Session: "new"}))
	require.NoError(t, d.AddSubscriber(ctx, "bob", models.Credentials{UserID: "2", Session: "s"}))

	creds, err := d.Credentials(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.Credentials{UserID: "1", Session: "new"}, creds)

	_, err = d.Credentials(ctx, "carol")
	assert.ErrorIs(t, err, ErrSubscriberNotFound)

	subs := []models.Subscription{
		{SubscriberID: "alice", SeriesKey: "Show", Quality: models.QualityHD},
		{SubscriberID: "alice", SeriesKey: "Show", Quality: models.QualityHD},
		{SubscriberID: "bob", SeriesKey: "Show", Quality: models.QualitySD},
		{SubscriberID: "bob", SeriesKey: "Other", Quality: models.QualityMP4},
	}
	for _, s := range subs {
		require.NoError(t, d.Subscribe(ctx, s))
	}

	found, err := d.FindSubscribers(ctx, "Show")
	require.NoError(t, err)
	assert.Equal(t, []models.Subscription{subs[0], subs[2]}, found)

	all, err := d.ListSubscriptions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	removed, err := d.Unsubscribe(ctx, subs[3])
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = d.Unsubscribe(ctx, subs[3])
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, d.SaveHistory(ctx, "bob", []models.FeedItem{item("Show S01E01", 1)}))
	require.NoError(t, d.RemoveSubscriber(ctx, "bob"))
	assert.ErrorIs(t, d.RemoveSubscriber(ctx, "bob"), ErrSubscriberNotFound)

	items, err := d.LoadHistory(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, items)

	bobs, err := d.ListSubscriptions(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, bobs)
}

func TestTidy(t *testing.T) {
	d, _ := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.AddSubscriber(ctx, "alice", models.Credentials{UserID: "1", Session: "s"}))
	require.NoError(t, d.Subscribe(ctx, models.Subscription{SubscriberID: "alice", SeriesKey: "Followed", Quality: models.QualitySD}))
	for _, owner := range []string{models.GlobalOwnerID, "alice", "orphan"} {
		require.NoError(t, d.SaveHistory(ctx, owner, []models.FeedItem{item("Show S01E01", 1)}))
	}
	for _, key := range []string{"Followed", "Abandoned", "Fresh"} {
		require.NoError(t, d.SaveSeriesState(ctx, models.SeriesState{SeriesKey: key, LastEpisodeAt: time.Now(), LastEpisodeLink: key}))
	}
	old := time.Now().Add(-400 * 24 * time.Hour).Unix()
	_, err := d.db.Exec(`UPDATE series_states SET updated_at = ? WHERE series_key IN ('Followed', 'Abandoned')`, old)
	require.NoError(t, err)

	result, err := d.Tidy(ctx, 180*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, TidyResult{Histories: 1, SeriesStates: 1}, result)

	for key, want := range map[string]bool{"Followed": true, "Abandoned": false, "Fresh": true} {
		_, found, err := d.LoadSeriesState(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, found, key)
	}

	base, err := d.LoadHistory(ctx, models.GlobalOwnerID)
	require.NoError(t, err)
	assert.Len(t, base, 1)
}

func TestBackendsSurviveReopen(t *testing.T) {
	d, path := openTestDB(t)
	ctx := context.Background()

	store := history.NewStore(d)
	tracker := series.NewTracker(d)
	ep := item("Show S01E01", 1)

	appended, err := store.Append(ctx, "alice", ep)
	require.NoError(t, err)
	assert.True(t, appended)
	require.NoError(t, tracker.Advance(ctx, ep))
	require.NoError(t, d.Close())

	reopened, err := Open(DriverSQLite, path)
	require.NoError(t, err)
	defer reopened.Close()

	h, err := history.NewStore(reopened).Get(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, h.Items, 1)
	assert.True(t, ep.Equal(h.Items[0]))

	classified := series.NewTracker(reopened).Classify(ctx, []models.FeedItem{ep, item("Show S01E02", 2)})
	assert.False(t, classified[0].IsNew)
	assert.True(t, classified[1].IsNew)
}

func TestOwnerExists(t *testing.T) {
	d, _ := openTestDB(t)
	ctx := context.Background()

	ok, err := d.OwnerExists(ctx, models.GlobalOwnerID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.OwnerExists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.AddSubscriber(ctx, "alice", models.Credentials{UserID: "1", Session: "s"}))
	ok, err = d.OwnerExists(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, d.RemoveSubscriber(ctx, "alice"))
	ok, err = d.OwnerExists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}
