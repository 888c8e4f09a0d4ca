package engine

import (
	"context"

	"pageinsight/api/logger"
	"pageinsight/api/models"
)

const rollupKey = "rollup"

// deltaFor is the contribution of ev to its session's summary.
func deltaFor(sess *models.VisitSession, ev *models.Event) models.SummaryDelta {
	var d models.SummaryDelta
	if ev.Type == models.EventClick {
		d.Clicks = 1
	}
	if pct, ok := ev.ScrollPct(); ok {
		d.ScrollPct = pct
	}
	if ms := ev.OccurredAt.Sub(sess.StartedAt).Milliseconds(); ms > 0 {
		d.DurationMs = ms
	}
	if r, ok := ev.Data.Map(rollupKey); ok {
		if nums := r.Numbers(); len(nums) > 0 {
			d.Rollup = nums
		}
	}
	return d
}

// aggregate folds ev into the session summary. The store skips events already
// folded in, so redeliveries are safe. Failures are logged; a redelivery or a
// rebuild repairs the summary later.
func (e *Engine) aggregate(ctx context.Context, log logger.Logger, sess *models.VisitSession, ev *models.Event) {
	if _, err := e.store.ApplySummaryDelta(ctx, sess.ID, ev.ID, deltaFor(sess, ev)); err != nil {
		e.metrics.SummaryErrors.Inc()
		log.Error("Failed to update session summary", logger.Error(err))
	}
}
