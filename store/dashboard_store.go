// api/store/dashboard_store.go
package store

import (
	"context"
	"fmt"
	"time"

	"pageinsight/api/models"
)

// Dashboard reads run under the default read-committed isolation; they may
// observe rows committed while the scan is in progress.

func (s *PostgresStore) DailyCounts(ctx context.Context, metric string, since, until time.Time) ([]models.DayCount, error) {
	if err := checkMetric(metric); err != nil {
		return nil, err
	}
	from, to, err := dayWindow(since, until)
	if err != nil {
		return nil, err
	}

	table, column := "visit_sessions", "started_at"
	if metric == MetricEvents {
		table, column = "events", "occurred_at"
	}
	query := fmt.Sprintf(`
		SELECT to_char(date_trunc('day', %[2]s AT TIME ZONE 'UTC'), 'YYYY-MM-DD') AS day, COUNT(*)
		FROM %[1]s
		WHERE %[2]s >= $1 AND %[2]s < $2
		GROUP BY day;
	`, table, column)

	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, wrapErr("query daily counts", err)
	}
	defer rows.Close()

	byDay := make(map[string]uint64)
	for rows.Next() {
		var day string
		var count uint64
		if err := rows.Scan(&day, &count); err != nil {
			return nil, fmt.Errorf("scan daily count: %w", err)
		}
		byDay[day] = count
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate daily counts", err)
	}
	return fillDays(from, to, byDay), nil
}

func (s *PostgresStore) TopClicks(ctx context.Context, since time.Time, limit int) ([]models.TopClickResult, error) {
	query := `
		SELECT p.slug, e.element_key, COUNT(*) AS clicks
		FROM events e
		JOIN pages p ON p.id = e.page_id
		WHERE e.event_type = 'click' AND e.element_key <> '' AND e.occurred_at >= $1
		GROUP BY p.slug, e.element_key
		ORDER BY clicks DESC, p.slug, e.element_key
		LIMIT $2;
	`
	rows, err := s.db.QueryContext(ctx, query, since, clampLimit(limit))
	if err != nil {
		return nil, wrapErr("query top clicks", err)
	}
	defer rows.Close()

	results := []models.TopClickResult{}
	for rows.Next() {
		var r models.TopClickResult
		if err := rows.Scan(&r.PageSlug, &r.ElementKey, &r.Count); err != nil {
			return nil, fmt.Errorf("scan top click: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate top clicks", err)
	}
	return results, nil
}

func (s *PostgresStore) PageConversionCounts(ctx context.Context, slug string, since time.Time) (map[string]uint64, error) {
	page, err := s.PageBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT g.name, COUNT(c.id)
		FROM goals g
		LEFT JOIN conversions c ON c.goal_id = g.id AND c.occurred_at >= $2
		WHERE g.page_id = $1
		GROUP BY g.name;
	`
	rows, err := s.db.QueryContext(ctx, query, page.ID, since)
	if err != nil {
		return nil, wrapErr("query conversion counts", err)
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var name string
		var count uint64
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("scan conversion count: %w", err)
		}
		counts[name] = count
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate conversion counts", err)
	}
	return counts, nil
}

func (s *PostgresStore) PageStats(ctx context.Context, slug string, since time.Time, limit int) (*models.PageStats, error) {
	page, err := s.PageBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	stats := &models.PageStats{PageSlug: page.Slug, Since: since, TopClicks: []models.TopClickResult{}}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM visit_sessions WHERE page_id = $1 AND started_at >= $2;`,
		page.ID, since,
	).Scan(&stats.SessionsTotal)
	if err != nil {
		return nil, wrapErr("count page sessions", err)
	}

	query := `
		SELECT element_key, COUNT(*) AS clicks
		FROM events
		WHERE page_id = $1 AND event_type = 'click' AND element_key <> '' AND occurred_at >= $2
		GROUP BY element_key
		ORDER BY clicks DESC, element_key
		LIMIT $3;
	`
	rows, err := s.db.QueryContext(ctx, query, page.ID, since, clampLimit(limit))
	if err != nil {
		return nil, wrapErr("query page top clicks", err)
	}
	defer rows.Close()

	for rows.Next() {
		r := models.TopClickResult{PageSlug: page.Slug}
		if err := rows.Scan(&r.ElementKey, &r.Count); err != nil {
			return nil, fmt.Errorf("scan page top click: %w", err)
		}
		stats.TopClicks = append(stats.TopClicks, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate page top clicks", err)
	}
	return stats, nil
}
