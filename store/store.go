// api/store/store.go
package store

import (
	"context"
	"time"

	"pageinsight/api/models"
)

// SessionRequest carries everything needed to create a VisitSession on first
// sight. Attribution fields are ignored when the session already exists.
type SessionRequest struct {
	SessionKey string
	PageID     int64
	VariantID  *int64
	StartedAt  time.Time
	Referrer   string
	LandingURL string
	UTM        models.Payload
	UserAgent  string
	IPHash     string
	Viewport   models.Payload
}

// Store is the write-path storage used by the ingestion engine.
//
// Implementations must make GetOrCreateSession, InsertEvent, InsertConversion
// and ApplySummaryDelta safe under concurrent calls for the same key without
// serializing unrelated sessions.
type Store interface {
	PageBySlug(ctx context.Context, slug string) (*models.Page, error)
	VariantByKey(ctx context.Context, pageID int64, key string) (*models.PageVariant, error)

	// GetOrCreateSession returns the session for (SessionKey, PageID) and
	// whether this call created it.
	GetOrCreateSession(ctx context.Context, req SessionRequest) (*models.VisitSession, bool, error)
	GetSession(ctx context.Context, id int64) (*models.VisitSession, error)

	// InsertEvent persists e and fills in its ID. When an event with the same
	// (SessionID, UID) already exists it returns false and overwrites e with
	// the stored row.
	InsertEvent(ctx context.Context, e *models.Event) (bool, error)
	SessionEvents(ctx context.Context, sessionID int64) ([]models.Event, error)

	ActiveGoals(ctx context.Context, pageID int64) ([]models.Goal, error)
	ConvertedGoalIDs(ctx context.Context, sessionID int64) (map[int64]struct{}, error)
	// InsertConversion inserts c unless (GoalID, SessionID) already converted.
	// It reports whether a row was written; a conflict is not an error.
	InsertConversion(ctx context.Context, c *models.Conversion) (bool, error)

	// GetSummary returns ErrNotFound when the session has no summary yet.
	GetSummary(ctx context.Context, sessionID int64) (*models.SessionSummary, error)
	// ApplySummaryDelta folds the contribution of stored event eventID into
	// the summary, creating it if needed, and returns the new state. Each
	// event is applied at most once; later calls for the same event leave the
	// summary as it is, so a redelivered event can safely retry a lost update.
	ApplySummaryDelta(ctx context.Context, sessionID, eventID int64, d models.SummaryDelta) (*models.SessionSummary, error)
	// RaiseSummary lifts every field of the stored summary to at least the
	// given values and marks eventIDs as applied. Used when rebuilding from
	// the event stream.
	RaiseSummary(ctx context.Context, s *models.SessionSummary, eventIDs []int64) (*models.SessionSummary, error)
}

// Authoring is the narrow page/variant/goal write surface used by seeding
// tools and tests. Full page management lives outside this service.
type Authoring interface {
	CreatePage(ctx context.Context, p *models.Page) error
	CreateVariant(ctx context.Context, v *models.PageVariant) error
	DeleteVariant(ctx context.Context, id int64) error
	UpsertGoal(ctx context.Context, g *models.Goal) error
}

// Dashboard metrics for DailyCounts.
const (
	MetricSessions = "sessions"
	MetricEvents   = "events"
)

// Dashboard is the read-only aggregation surface. Implementations tolerate
// concurrent writes; read-committed snapshots are enough.
type Dashboard interface {
	DailyCounts(ctx context.Context, metric string, since, until time.Time) ([]models.DayCount, error)
	TopClicks(ctx context.Context, since time.Time, limit int) ([]models.TopClickResult, error)
	PageConversionCounts(ctx context.Context, slug string, since time.Time) (map[string]uint64, error)
	PageStats(ctx context.Context, slug string, since time.Time, limit int) (*models.PageStats, error)
}
