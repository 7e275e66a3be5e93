package db

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"tvfeed/models"
)

type TidyResult struct {
	Histories    int64
	SeriesStates int64
}

// Tidy removes histories whose owner no longer exists and watermarks of series nobody
// follows that have not advanced within staleAfter. A zero staleAfter keeps all watermarks.
func (d *DB) Tidy(ctx context.Context, staleAfter time.Duration) (TidyResult, error) {
	var result TidyResult

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	delHistories := d.flavor.NewDeleteBuilder()
	delHistories.DeleteFrom("histories").Where(
		delHistories.NotEqual("owner_id", models.GlobalOwnerID),
		"owner_id NOT IN (SELECT id FROM subscribers)",
	)
	query, args := delHistories.Build()

	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return result, fmt.Errorf("delete error: %w", err)
	}
	result.Histories, _ = res.RowsAffected()

	if staleAfter > 0 {
		cutoff := time.Now().Add(-staleAfter).Unix()
		delStates := d.flavor.NewDeleteBuilder()
		delStates.DeleteFrom("series_states").Where(
			delStates.LessThan("updated_at", cutoff),
			"series_key NOT IN (SELECT series_key FROM subscriptions)",
		)
		query, args = delStates.Build()

		res, err = d.db.ExecContext(ctx, query, args...)
		if err != nil {
			return result, fmt.Errorf("delete error: %w", err)
		}
		result.SeriesStates, _ = res.RowsAffected()
	}

	log.WithFields(log.Fields{
		"histories":    result.Histories,
		"seriesStates": result.SeriesStates,
		"staleAfter":   staleAfter,
	}).Info("Tidied database")

	return result, nil
}
