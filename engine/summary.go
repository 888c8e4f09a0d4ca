package engine

import (
	"context"
	"errors"

	"pageinsight/api/logger"
	"pageinsight/api/models"
)

// GetSessionSummary returns the session's summary. A session that exists but
// has no summary yet reports zeros.
func (e *Engine) GetSessionSummary(ctx context.Context, sessionID int64) (*models.SessionSummary, error) {
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	sum, err := e.store.GetSummary(ctx, sessionID)
	if errors.Is(err, models.ErrNotFound) {
		return &models.SessionSummary{SessionID: sessionID, Rollup: map[string]float64{}}, nil
	}
	return sum, err
}

// RebuildSummary replays the session's stored events and raises the summary
// to the replayed values. Fields never go down, so a rebuild racing live
// ingestion cannot undo an update.
func (e *Engine) RebuildSummary(ctx context.Context, sessionID int64) (*models.SessionSummary, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.SessionEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	replayed := &models.SessionSummary{SessionID: sessionID, Rollup: map[string]float64{}}
	ids := make([]int64, len(events))
	for i := range events {
		replayed.Apply(deltaFor(sess, &events[i]))
		ids[i] = events[i].ID
	}

	// Replayed events are marked applied so a later redelivery of one of them
	// does not count it a second time.
	sum, err := e.store.RaiseSummary(ctx, replayed, ids)
	if err != nil {
		return nil, err
	}
	e.log.Info("Session summary rebuilt",
		logger.Int64("session_id", sessionID),
		logger.Int("events", len(events)),
	)
	return sum, nil
}
