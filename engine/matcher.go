package engine

import (
	"context"
	"errors"

	"pageinsight/api/logger"
	"pageinsight/api/models"
	"pageinsight/api/rules"
)

// matchGoals evaluates the page's active goals against ev and returns the
// names of goals converted by this call. Goals already converted for the
// session are skipped without evaluation.
func (e *Engine) matchGoals(ctx context.Context, log logger.Logger, page *models.Page, sess *models.VisitSession, ev *models.Event) []string {
	converted := []string{}

	goals, err := e.store.ActiveGoals(ctx, page.ID)
	if err != nil {
		e.metrics.GoalErrors.Inc()
		log.Error("Failed to load goals", logger.Error(err))
		return converted
	}
	if len(goals) == 0 {
		return converted
	}

	done, err := e.store.ConvertedGoalIDs(ctx, sess.ID)
	if err != nil {
		// Insert-ignore still prevents duplicates; evaluating everything is only slower.
		log.Warn("Failed to load converted goals", logger.Error(err))
		done = nil
	}

	facts := e.sessionFacts(ctx, log, sess, ev)
	for _, g := range goals {
		if _, ok := done[g.ID]; ok {
			continue
		}

		rule := rules.Compile(g.Rule)
		if never, ok := rule.(rules.Never); ok {
			log.Debug("Goal rule never matches",
				logger.String("goal", g.Name),
				logger.String("reason", never.Reason),
			)
			continue
		}
		if !rule.Match(facts) {
			continue
		}

		inserted, err := e.store.InsertConversion(ctx, &models.Conversion{
			GoalID:     g.ID,
			SessionID:  sess.ID,
			OccurredAt: ev.OccurredAt,
			Details:    ev.Snapshot(),
		})
		if err != nil {
			e.metrics.GoalErrors.Inc()
			log.Error("Failed to record conversion", logger.String("goal", g.Name), logger.Error(err))
			continue
		}
		if inserted {
			e.metrics.Conversions.WithLabelValues(page.Slug).Inc()
			log.Info("Goal converted", logger.String("goal", g.Name))
			converted = append(converted, g.Name)
		}
	}
	return converted
}

// sessionFacts combines the triggering event with the session's metrics. The
// aggregator may not have folded ev in yet, so the metrics implied by ev are
// merged in with max.
func (e *Engine) sessionFacts(ctx context.Context, log logger.Logger, sess *models.VisitSession, ev *models.Event) rules.Facts {
	name, _ := ev.Data.String("name")
	facts := rules.Facts{
		EventType:   ev.Type,
		ElementKey:  ev.ElementKey,
		CSSSelector: ev.CSSSelector,
		Text:        ev.Text,
		EventName:   name,
	}

	d := deltaFor(sess, ev)
	facts.MaxScrollPct = d.ScrollPct
	facts.DurationMs = d.DurationMs

	sum, err := e.store.GetSummary(ctx, sess.ID)
	switch {
	case err == nil:
		facts.MaxScrollPct = max(facts.MaxScrollPct, sum.MaxScrollPct)
		facts.DurationMs = max(facts.DurationMs, sum.DurationMs)
	case !errors.Is(err, models.ErrNotFound):
		log.Warn("Failed to read session summary for goals", logger.Error(err))
	}
	return facts
}
