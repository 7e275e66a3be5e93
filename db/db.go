// Package db persists histories, series watermarks and subscriptions in SQLite or PostgreSQL
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"

	"tvfeed/history"
	"tvfeed/models"
)

const queryTimeout = 30 * time.Second

var (
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrReservedOwner      = fmt.Errorf("%q is reserved for the base history", models.GlobalOwnerID)
)

// DB handles all database operations with a shared connection pool
type DB struct {
	db     *sql.DB
	flavor sqlbuilder.Flavor
}

// Open connects to the database. Migrations are not applied, see Migrate.
func Open(driver, dsn string) (*DB, error) {
	flavor, err := flavorOf(driver)
	if err != nil {
		return nil, err
	}
	conn, err := connection(driver, dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: conn, flavor: flavor}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Histories

func (d *DB) LoadHistory(ctx context.Context, ownerID string) ([]models.FeedItem, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	sb := d.flavor.NewSelectBuilder()
	sb.Select("items").From("histories").Where(sb.Equal("owner_id", ownerID))
	query, args := sb.Build()

	var raw []byte
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}

	var items []models.FeedItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: owner %s: %v", history.ErrCorrupt, ownerID, err)
	}
	return items, nil
}

func (d *DB) SaveHistory(ctx context.Context, ownerID string, items []models.FeedItem) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if items == nil {
		items = []models.FeedItem{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}

	ib := d.flavor.NewInsertBuilder()
	ib.InsertInto("histories").
		Cols("owner_id", "items", "updated_at").
		Values(ownerID, string(raw), time.Now().Unix())
	ib.SQL("ON CONFLICT (owner_id) DO UPDATE SET items = excluded.items, updated_at = excluded.updated_at")
	query, args := ib.Build()

	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert error: %w", err)
	}

	log.WithFields(log.Fields{
		"owner": ownerID,
		"items": len(items),
	}).Debug("Saved history")
	return nil
}

// Series watermarks

func (d *DB) LoadSeriesState(ctx context.Context, seriesKey string) (models.SeriesState, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	sb := d.flavor.NewSelectBuilder()
	sb.Select("last_episode_at", "last_episode_link").
		From("series_states").
		Where(sb.Equal("series_key", seriesKey))
	query, args := sb.Build()

	state := models.SeriesState{SeriesKey: seriesKey}
	var nanos int64
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&nanos, &state.LastEpisodeLink)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SeriesState{}, false, nil
	}
	if err != nil {
		return models.SeriesState{}, false, fmt.Errorf("query error: %w", err)
	}
	state.LastEpisodeAt = time.Unix(0, nanos).UTC()
	return state, true, nil
}

// SaveSeriesState writes the watermark unless the stored one is already newer, which keeps
// it monotonic across processes sharing the database
func (d *DB) SaveSeriesState(ctx context.Context, state models.SeriesState) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ib := d.flavor.NewInsertBuilder()
	ib.InsertInto("series_states").
		Cols("series_key", "last_episode_at", "last_episode_link", "updated_at").
		Values(state.SeriesKey, state.LastEpisodeAt.UnixNano(), state.LastEpisodeLink, time.Now().Unix())
	ib.SQL(`ON CONFLICT (series_key) DO UPDATE SET
		last_episode_at = excluded.last_episode_at,
		last_episode_link = excluded.last_episode_link,
		updated_at = excluded.updated_at
		WHERE excluded.last_episode_at > series_states.last_episode_at`)
	query, args := ib.Build()

	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert error: %w", err)
	}
	return nil
}

// Subscribers

func (d *DB) FindSubscribers(ctx context.Context, seriesKey string) ([]models.Subscription, error) {
	sb := d.flavor.NewSelectBuilder()
	sb.Select("subscriber_id", "series_key", "quality").
		From("subscriptions").
		Where(sb.Equal("series_key", seriesKey))
	sb.OrderBy("subscriber_id", "quality").Asc()
	return d.subscriptions(ctx, sb)
}

// ListSubscriptions returns the subscriptions of one subscriber, or of everyone when
// subscriberID is empty
func (d *DB) ListSubscriptions(ctx context.Context, subscriberID string) ([]models.Subscription, error) {
	sb := d.flavor.NewSelectBuilder()
	sb.Select("subscriber_id", "series_key", "quality").From("subscriptions")
	if subscriberID != "" {
		sb.Where(sb.Equal("subscriber_id", subscriberID))
	}
	sb.OrderBy("subscriber_id", "series_key", "quality").Asc()
	return d.subscriptions(ctx, sb)
}

func (d *DB) subscriptions(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]models.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query, args := sb.Build()
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		var sub models.Subscription
		if err := rows.Scan(&sub.SubscriberID, &sub.SeriesKey, &sub.Quality); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (d *DB) Credentials(ctx context.Context, subscriberID string) (models.Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	sb := d.flavor.NewSelectBuilder()
	sb.Select("user_id", "session").From("subscribers").Where(sb.Equal("id", subscriberID))
	query, args := sb.Build()

	var creds models.Credentials
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&creds.UserID, &creds.Session)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Credentials{}, fmt.Errorf("%w: %s", ErrSubscriberNotFound, subscriberID)
	}
	if err != nil {
		return models.Credentials{}, fmt.Errorf("query error: %w", err)
	}
	return creds, nil
}

// OwnerExists reports whether ownerID may own a history: the global owner always does,
// anyone else only while registered as a subscriber
func (d *DB) OwnerExists(ctx context.Context, ownerID string) (bool, error) {
	if ownerID == models.GlobalOwnerID {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	sb := d.flavor.NewSelectBuilder()
	sb.Select("1").From("subscribers").Where(sb.Equal("id", ownerID))
	query, args := sb.Build()

	var one int
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query error: %w", err)
	}
	return true, nil
}

// AddSubscriber registers a subscriber or replaces the credentials of an existing one
func (d *DB) AddSubscriber(ctx context.Context, subscriberID string, creds models.Credentials) error {
	if subscriberID == models.GlobalOwnerID {
		return ErrReservedOwner
	}
	if subscriberID == "" {
		return errors.New("subscriber id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ib := d.flavor.NewInsertBuilder()
	ib.InsertInto("subscribers").
		Cols("id", "user_id", "session", "created_at").
		Values(subscriberID, creds.UserID, creds.Session, time.Now().Unix())
	ib.SQL("ON CONFLICT (id) DO UPDATE SET user_id = excluded.user_id, session = excluded.session")
	query, args := ib.Build()

	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert error: %w", err)
	}

	log.WithField("subscriber", subscriberID).Info("Saved subscriber")
	return nil
}

// RemoveSubscriber deletes a subscriber together with its subscriptions and history
func (d *DB) RemoveSubscriber(ctx context.Context, subscriberID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin error: %w", err)
	}
	defer tx.Rollback()

	delSubs := d.flavor.NewDeleteBuilder()
	delSubs.DeleteFrom("subscriptions").Where(delSubs.Equal("subscriber_id", subscriberID))
	delHistory := d.flavor.NewDeleteBuilder()
	delHistory.DeleteFrom("histories").Where(delHistory.Equal("owner_id", subscriberID))

	for _, b := range []*sqlbuilder.DeleteBuilder{delSubs, delHistory} {
		query, args := b.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete error: %w", err)
		}
	}

	del := d.flavor.NewDeleteBuilder()
	del.DeleteFrom("subscribers").Where(del.Equal("id", subscriberID))
	query, args := del.Build()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSubscriberNotFound, subscriberID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit error: %w", err)
	}

	log.WithField("subscriber", subscriberID).Info("Removed subscriber")
	return nil
}

// Subscribe adds a subscription. Subscribing twice is a no-op.
func (d *DB) Subscribe(ctx context.Context, sub models.Subscription) error {
	if _, err := d.Credentials(ctx, sub.SubscriberID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ib := d.flavor.NewInsertBuilder()
	ib.InsertInto("subscriptions").
		Cols("subscriber_id", "series_key", "quality", "created_at").
		Values(sub.SubscriberID, sub.SeriesKey, string(sub.Quality), time.Now().Unix())
	ib.SQL("ON CONFLICT DO NOTHING")
	query, args := ib.Build()

	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert error: %w", err)
	}

	log.WithFields(log.Fields{
		"subscriber": sub.SubscriberID,
		"series":     sub.SeriesKey,
		"quality":    sub.Quality,
	}).Info("Subscribed")
	return nil
}

// Unsubscribe removes a subscription and reports whether it existed
func (d *DB) Unsubscribe(ctx context.Context, sub models.Subscription) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	del := d.flavor.NewDeleteBuilder()
	del.DeleteFrom("subscriptions").Where(
		del.Equal("subscriber_id", sub.SubscriberID),
		del.Equal("series_key", sub.SeriesKey),
		del.Equal("quality", string(sub.Quality)),
	)
	query, args := del.Build()

	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
