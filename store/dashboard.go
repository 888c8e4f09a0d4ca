package store

import (
	"fmt"
	"time"

	"pageinsight/api/models"
)

const (
	defaultTopLimit = 10
	maxTopLimit     = 100
	maxWindowDays   = 366
)

// startOfDay truncates t to midnight UTC.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// dayWindow normalizes a dashboard window to whole UTC days: [since day 00:00, until day + 1).
// Windows longer than maxWindowDays are rejected.
func dayWindow(since, until time.Time) (time.Time, time.Time, error) {
	from := startOfDay(since)
	to := startOfDay(until).AddDate(0, 0, 1)
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("window ends before it starts: %w", models.ErrInvalidInput)
	}
	if to.After(from.AddDate(0, 0, maxWindowDays)) {
		return time.Time{}, time.Time{}, fmt.Errorf("window longer than %d days: %w", maxWindowDays, models.ErrInvalidInput)
	}
	return from, to, nil
}

// fillDays returns one bucket per day in [from, to), taking counts from
// byDay and zero for missing days.
func fillDays(from, to time.Time, byDay map[string]uint64) []models.DayCount {
	var out []models.DayCount
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		key := utcDay(d)
		out = append(out, models.DayCount{Date: key, Count: byDay[key]})
	}
	return out
}

func checkMetric(metric string) error {
	switch metric {
	case MetricSessions, MetricEvents:
		return nil
	default:
		return fmt.Errorf("unknown metric %q: %w", metric, models.ErrInvalidInput)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultTopLimit
	}
	if limit > maxTopLimit {
		return maxTopLimit
	}
	return limit
}
