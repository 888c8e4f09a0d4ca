// api/store/analytics_store.go
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pageinsight/api/database"
	"pageinsight/api/logger"
	"pageinsight/api/models"
	"pageinsight/api/utils"
)

// AnalyticsStore reads and writes the ClickHouse page_events mirror.
type AnalyticsStore struct {
	DB  *database.ClickHouseClient
	log logger.Logger
}

type EventTypeCountByTime struct {
	Time      time.Time `json:"time"`
	EventType *string   `json:"eventType,omitempty"`
	Count     uint64    `json:"count"`
}

// EventCountFilter narrows GetEventCountsOverTime. Empty fields match everything.
type EventCountFilter struct {
	EventType string
	PageSlug  string
}

func NewAnalyticsStore(chClient *database.ClickHouseClient, log logger.Logger) *AnalyticsStore {
	return &AnalyticsStore{
		DB:  chClient,
		log: log,
	}
}

// InsertMirrorEvents writes one batch to page_events. Rows that fail to
// append are logged and skipped; the rest of the batch is still sent.
func (s *AnalyticsStore) InsertMirrorEvents(ctx context.Context, events []models.MirrorEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Column order must match migrations/clickhouse/page_events.sql.
	batch, err := s.DB.Conn.PrepareBatch(ctx, `
		INSERT INTO page_events (
			event_id, event_type, session_key, page_slug, timestamp,
			element_key, referrer, user_agent, event_data
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch insert: %w", err)
	}

	for _, event := range events {
		err := batch.Append(
			event.EventID,
			event.EventType,
			event.SessionKey,
			event.PageSlug,
			event.Timestamp,
			event.ElementKey,
			event.Referrer,
			event.UserAgent,
			event.EventData,
		)
		if err != nil {
			s.log.Warn("Skipping mirror event",
				logger.String("event_id", event.EventID),
				logger.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	s.log.Debug("Inserted mirror events", logger.Int("count", len(events)))
	return nil
}

// GetEventCountsOverTime buckets mirrored events with toStartOf<interval>.
// When the filter names an event type, rows are also split by type.
func (s *AnalyticsStore) GetEventCountsOverTime(ctx context.Context, interval string, start, end time.Time, filter EventCountFilter) ([]EventTypeCountByTime, error) {
	if !utils.IsValidInterval(interval) {
		return nil, fmt.Errorf("invalid interval %q: %w", interval, models.ErrInvalidInput)
	}

	query, args := eventCountsQuery(interval, start, end, filter)
	rows, err := s.DB.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event counts over time: %w", err)
	}
	defer rows.Close()

	byType := filter.EventType != ""
	results := []EventTypeCountByTime{}
	for rows.Next() {
		var (
			timeBucket time.Time
			count      uint64
			eventType  string
			result     EventTypeCountByTime
		)
		if byType {
			err = rows.Scan(&timeBucket, &count, &eventType)
			result.EventType = &eventType
		} else {
			err = rows.Scan(&timeBucket, &count)
		}
		if err != nil {
			s.log.Warn("Skipping event count row", logger.Error(err))
			continue
		}
		result.Time = timeBucket
		result.Count = count
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row error during event counts over time query: %w", err)
	}
	return results, nil
}

func eventCountsQuery(interval string, start, end time.Time, filter EventCountFilter) (string, []any) {
	selectCols := fmt.Sprintf("toStartOf%s(timestamp) AS time_bucket, count() AS total_events", interval)
	groupBy := "time_bucket"
	orderBy := "time_bucket ASC"
	where := []string{"timestamp >= ?", "timestamp <= ?"}
	args := []any{start, end}

	if filter.EventType != "" {
		selectCols += ", event_type"
		groupBy += ", event_type"
		orderBy += ", event_type ASC"
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.PageSlug != "" {
		where = append(where, "page_slug = ?")
		args = append(args, filter.PageSlug)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM page_events FINAL
		WHERE %s
		GROUP BY %s
		ORDER BY %s
	`, selectCols, strings.Join(where, " AND "), groupBy, orderBy)
	return query, args
}
