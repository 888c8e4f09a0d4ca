// api/store/postgres_store.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lib/pq"

	"pageinsight/api/models"
)

// PostgresStore implements Store, Authoring and Dashboard on PostgreSQL.
// Concurrency safety comes from unique constraints and single-statement
// upserts, so no application-level locking is needed.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore instance.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrapErr("ping", s.db.PingContext(ctx))
}

func (s *PostgresStore) PageBySlug(ctx context.Context, slug string) (*models.Page, error) {
	p := &models.Page{}
	query := `
		SELECT id, slug, title, raw_html, is_active, created_at
		FROM pages
		WHERE slug = $1;
	`
	err := s.db.QueryRowContext(ctx, query, slug).Scan(
		&p.ID, &p.Slug, &p.Title, &p.RawHTML, &p.IsActive, &p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("page %q: %w", slug, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get page by slug", err)
	}
	return p, nil
}

func (s *PostgresStore) VariantByKey(ctx context.Context, pageID int64, key string) (*models.PageVariant, error) {
	v := &models.PageVariant{}
	var layout []byte
	query := `
		SELECT id, page_id, key, name, template_name, layout_json, is_active, created_at
		FROM page_variants
		WHERE page_id = $1 AND key = $2;
	`
	err := s.db.QueryRowContext(ctx, query, pageID, key).Scan(
		&v.ID, &v.PageID, &v.Key, &v.Name, &v.TemplateName, &layout, &v.IsActive, &v.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("variant %q of page %d: %w", key, pageID, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get variant by key", err)
	}
	if v.Layout, err = decodePayload(layout); err != nil {
		return nil, fmt.Errorf("decode variant layout: %w", err)
	}
	return v, nil
}

const sessionColumns = `id, session_key, page_id, variant_id, started_at, ended_at,
	referrer, landing_url, utm, user_agent, ip_hash, viewport`

// GetOrCreateSession inserts the session and falls back to reading the
// existing row when the (session_key, page_id) constraint fires.
func (s *PostgresStore) GetOrCreateSession(ctx context.Context, req SessionRequest) (*models.VisitSession, bool, error) {
	utm, err := encodePayload(req.UTM)
	if err != nil {
		return nil, false, err
	}
	viewport, err := encodePayload(req.Viewport)
	if err != nil {
		return nil, false, err
	}

	query := `
		INSERT INTO visit_sessions (session_key, page_id, variant_id, started_at,
			referrer, landing_url, utm, user_agent, ip_hash, viewport)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_key, page_id) DO NOTHING
		RETURNING ` + sessionColumns + `;
	`
	row := s.db.QueryRowContext(ctx, query,
		req.SessionKey, req.PageID, nullInt64(req.VariantID), req.StartedAt,
		req.Referrer, req.LandingURL, utm, req.UserAgent, req.IPHash, viewport,
	)
	sess, err := scanSession(row)
	if err == nil {
		return sess, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, wrapErr("insert session", err)
	}

	query = `SELECT ` + sessionColumns + ` FROM visit_sessions WHERE session_key = $1 AND page_id = $2;`
	sess, err = scanSession(s.db.QueryRowContext(ctx, query, req.SessionKey, req.PageID))
	if err != nil {
		return nil, false, wrapErr("get session after conflict", err)
	}
	return sess, false, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id int64) (*models.VisitSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM visit_sessions WHERE id = $1;`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get session", err)
	}
	return sess, nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *models.Event) (bool, error) {
	data, err := encodePayload(e.Data)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO events (event_uid, session_id, page_id, event_type, occurred_at,
			element_key, css_selector, text, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, event_uid) DO NOTHING
		RETURNING id;
	`
	err = s.db.QueryRowContext(ctx, query,
		e.UID, e.SessionID, e.PageID, string(e.Type), e.OccurredAt,
		e.ElementKey, e.CSSSelector, e.Text, data,
	).Scan(&e.ID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, wrapErr("insert event", err)
	}

	// Redelivery: hand back the row that won.
	query = `SELECT ` + eventColumns + ` FROM events WHERE session_id = $1 AND event_uid = $2;`
	stored, err := scanEvent(s.db.QueryRowContext(ctx, query, e.SessionID, e.UID))
	if err != nil {
		return false, wrapErr("get event after conflict", err)
	}
	*e = *stored
	return false, nil
}

const eventColumns = `id, event_uid, session_id, page_id, event_type, occurred_at,
	element_key, css_selector, text, data`

func (s *PostgresStore) SessionEvents(ctx context.Context, sessionID int64) ([]models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE session_id = $1 ORDER BY occurred_at, id;`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, wrapErr("query session events", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate session events", err)
	}
	return events, nil
}

func (s *PostgresStore) ActiveGoals(ctx context.Context, pageID int64) ([]models.Goal, error) {
	query := `
		SELECT id, page_id, name, is_active, rule, created_at
		FROM goals
		WHERE page_id = $1 AND is_active
		ORDER BY id;
	`
	rows, err := s.db.QueryContext(ctx, query, pageID)
	if err != nil {
		return nil, wrapErr("query active goals", err)
	}
	defer rows.Close()

	var goals []models.Goal
	for rows.Next() {
		var g models.Goal
		var rule []byte
		if err := rows.Scan(&g.ID, &g.PageID, &g.Name, &g.IsActive, &rule, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		// A rule that fails to decode stays nil and compiles to never-match.
		g.Rule, _ = decodePayload(rule)
		goals = append(goals, g)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate active goals", err)
	}
	return goals, nil
}

func (s *PostgresStore) ConvertedGoalIDs(ctx context.Context, sessionID int64) (map[int64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT goal_id FROM conversions WHERE session_id = $1;`, sessionID)
	if err != nil {
		return nil, wrapErr("query converted goals", err)
	}
	defer rows.Close()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan goal id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate converted goals", err)
	}
	return ids, nil
}

func (s *PostgresStore) InsertConversion(ctx context.Context, c *models.Conversion) (bool, error) {
	details, err := encodePayload(c.Details)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO conversions (goal_id, session_id, occurred_at, details)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (goal_id, session_id) DO NOTHING
		RETURNING id;
	`
	err = s.db.QueryRowContext(ctx, query, c.GoalID, c.SessionID, c.OccurredAt, details).Scan(&c.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// Already converted; the conflict is the expected outcome of a race or redelivery.
		return false, nil
	}
	if err != nil {
		return false, wrapErr("insert conversion", err)
	}
	return true, nil
}

const summaryColumns = `session_id, duration_ms, max_scroll_pct, clicks, rollup, computed_at`

func (s *PostgresStore) GetSummary(ctx context.Context, sessionID int64) (*models.SessionSummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM session_summaries WHERE session_id = $1;`
	sum, err := scanSummary(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("summary for session %d: %w", sessionID, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get summary", err)
	}
	return sum, nil
}

// ApplySummaryDelta flags the event as aggregated and folds its delta in one
// statement. Concurrent events of one session cannot lose updates or lower a
// maximum, and an event whose flag is already set contributes nothing.
func (s *PostgresStore) ApplySummaryDelta(ctx context.Context, sessionID, eventID int64, d models.SummaryDelta) (*models.SessionSummary, error) {
	rollup, err := encodeRollup(d.Rollup)
	if err != nil {
		return nil, err
	}

	query := `
		WITH marked AS (
			UPDATE events SET aggregated = TRUE
			WHERE id = $2 AND session_id = $1 AND NOT aggregated
			RETURNING session_id
		)
		INSERT INTO session_summaries AS s (session_id, duration_ms, max_scroll_pct, clicks, rollup, computed_at)
		SELECT session_id, $3::bigint, $4::double precision, $5::bigint, $6::jsonb, NOW() FROM marked
		ON CONFLICT (session_id) DO UPDATE SET
			duration_ms    = GREATEST(s.duration_ms, EXCLUDED.duration_ms),
			max_scroll_pct = GREATEST(s.max_scroll_pct, EXCLUDED.max_scroll_pct),
			clicks         = s.clicks + EXCLUDED.clicks,
			rollup         = rollup_add(s.rollup, EXCLUDED.rollup),
			computed_at    = NOW()
		RETURNING ` + summaryColumns + `;
	`
	sum, err := scanSummary(s.db.QueryRowContext(ctx, query,
		sessionID, eventID, d.DurationMs, d.ScrollPct, d.Clicks, rollup,
	))
	if errors.Is(err, sql.ErrNoRows) {
		// Already applied, or the event is not in this session.
		return s.GetSummary(ctx, sessionID)
	}
	if err != nil {
		return nil, wrapErr("apply summary delta", err)
	}
	return sum, nil
}

func (s *PostgresStore) RaiseSummary(ctx context.Context, in *models.SessionSummary, eventIDs []int64) (*models.SessionSummary, error) {
	rollup, err := encodeRollup(in.Rollup)
	if err != nil {
		return nil, err
	}

	query := `
		WITH marked AS (
			UPDATE events SET aggregated = TRUE
			WHERE session_id = $1 AND id = ANY($6::bigint[]) AND NOT aggregated
		)
		INSERT INTO session_summaries AS s (session_id, duration_ms, max_scroll_pct, clicks, rollup, computed_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (session_id) DO UPDATE SET
			duration_ms    = GREATEST(s.duration_ms, EXCLUDED.duration_ms),
			max_scroll_pct = GREATEST(s.max_scroll_pct, EXCLUDED.max_scroll_pct),
			clicks         = GREATEST(s.clicks, EXCLUDED.clicks),
			rollup         = rollup_max(s.rollup, EXCLUDED.rollup),
			computed_at    = NOW()
		RETURNING ` + summaryColumns + `;
	`
	sum, err := scanSummary(s.db.QueryRowContext(ctx, query,
		in.SessionID, in.DurationMs, in.MaxScrollPct, in.Clicks, rollup, pq.Array(eventIDs),
	))
	if err != nil {
		return nil, wrapErr("raise summary", err)
	}
	return sum, nil
}

func (s *PostgresStore) CreatePage(ctx context.Context, p *models.Page) error {
	query := `
		INSERT INTO pages (slug, title, raw_html, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slug) DO UPDATE SET title = EXCLUDED.title, raw_html = EXCLUDED.raw_html, is_active = EXCLUDED.is_active
		RETURNING id, created_at;
	`
	err := s.db.QueryRowContext(ctx, query, p.Slug, p.Title, p.RawHTML, p.IsActive).Scan(&p.ID, &p.CreatedAt)
	return wrapErr("create page", err)
}

func (s *PostgresStore) CreateVariant(ctx context.Context, v *models.PageVariant) error {
	layout, err := encodePayload(v.Layout)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO page_variants (page_id, key, name, template_name, layout_json, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (page_id, key) DO UPDATE SET name = EXCLUDED.name, template_name = EXCLUDED.template_name,
			layout_json = EXCLUDED.layout_json, is_active = EXCLUDED.is_active
		RETURNING id, created_at;
	`
	err = s.db.QueryRowContext(ctx, query,
		v.PageID, v.Key, v.Name, v.TemplateName, layout, v.IsActive,
	).Scan(&v.ID, &v.CreatedAt)
	return wrapErr("create variant", err)
}

// DeleteVariant removes a variant. Sessions keep existing and lose the
// reference through ON DELETE SET NULL.
func (s *PostgresStore) DeleteVariant(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM page_variants WHERE id = $1;`, id)
	if err != nil {
		return wrapErr("delete variant", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("variant %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// UpsertGoal creates a goal or replaces its rule and active flag. Existing
// conversions are left untouched.
func (s *PostgresStore) UpsertGoal(ctx context.Context, g *models.Goal) error {
	rule, err := encodePayload(g.Rule)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO goals (page_id, name, is_active, rule)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (page_id, name) DO UPDATE SET is_active = EXCLUDED.is_active, rule = EXCLUDED.rule
		RETURNING id, created_at;
	`
	err = s.db.QueryRowContext(ctx, query, g.PageID, g.Name, g.IsActive, rule).Scan(&g.ID, &g.CreatedAt)
	return wrapErr("upsert goal", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.VisitSession, error) {
	sess := &models.VisitSession{}
	var (
		variantID     sql.NullInt64
		endedAt       sql.NullTime
		utm, viewport []byte
	)
	err := row.Scan(
		&sess.ID, &sess.SessionKey, &sess.PageID, &variantID, &sess.StartedAt, &endedAt,
		&sess.Referrer, &sess.LandingURL, &utm, &sess.UserAgent, &sess.IPHash, &viewport,
	)
	if err != nil {
		return nil, err
	}
	if variantID.Valid {
		id := variantID.Int64
		sess.VariantID = &id
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	if sess.UTM, err = decodePayload(utm); err != nil {
		return nil, fmt.Errorf("decode utm: %w", err)
	}
	if sess.Viewport, err = decodePayload(viewport); err != nil {
		return nil, fmt.Errorf("decode viewport: %w", err)
	}
	return sess, nil
}

func scanEvent(row rowScanner) (*models.Event, error) {
	e := &models.Event{}
	var (
		eventType string
		data      []byte
	)
	err := row.Scan(
		&e.ID, &e.UID, &e.SessionID, &e.PageID, &eventType, &e.OccurredAt,
		&e.ElementKey, &e.CSSSelector, &e.Text, &data,
	)
	if err != nil {
		return nil, err
	}
	e.Type = models.ParseEventType(eventType)
	if e.Data, err = decodePayload(data); err != nil {
		return nil, fmt.Errorf("decode event data: %w", err)
	}
	return e, nil
}

func scanSummary(row rowScanner) (*models.SessionSummary, error) {
	sum := &models.SessionSummary{}
	var rollup []byte
	err := row.Scan(&sum.SessionID, &sum.DurationMs, &sum.MaxScrollPct, &sum.Clicks, &rollup, &sum.ComputedAt)
	if err != nil {
		return nil, err
	}
	sum.Rollup = map[string]float64{}
	if len(rollup) > 0 {
		if err := json.Unmarshal(rollup, &sum.Rollup); err != nil {
			return nil, fmt.Errorf("decode rollup: %w", err)
		}
	}
	return sum, nil
}

func encodePayload(p models.Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w: %w", models.ErrInvalidInput, err)
	}
	return b, nil
}

func encodeRollup(r map[string]float64) ([]byte, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode rollup: %w: %w", models.ErrInvalidInput, err)
	}
	return b, nil
}

func decodePayload(b []byte) (models.Payload, error) {
	p := models.Payload{}
	if len(b) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// utcDay formats t as the calendar-day key used by dashboard buckets.
func utcDay(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
