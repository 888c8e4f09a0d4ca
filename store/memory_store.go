package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pageinsight/api/models"
)

type variantKey struct {
	pageID int64
	key    string
}

type sessionKey struct {
	token  string
	pageID int64
}

type goalKey struct {
	pageID int64
	name   string
}

// sessionState is everything owned by one visit session. Its mutex
// serializes writes for that session only.
type sessionState struct {
	mu          sync.Mutex
	session     models.VisitSession
	events      []models.Event
	eventUIDs   map[string]int
	aggregated  map[int64]bool // event id -> folded into summary
	conversions map[int64]models.Conversion
	summary     *models.SessionSummary
}

// MemoryStore is an in-process Store, Authoring and Dashboard. The index lock
// only guards map lookups; per-session work runs under the session's own lock,
// so unrelated sessions never contend.
//
// Lock order: the index lock is never acquired while a session lock is held.
type MemoryStore struct {
	ids atomic.Int64

	mu          sync.RWMutex
	pages       map[int64]*models.Page
	pageSlugs   map[string]int64
	variants    map[int64]*models.PageVariant
	variantKeys map[variantKey]int64
	sessions    map[int64]*sessionState
	sessionKeys map[sessionKey]int64
	goals       map[int64]*models.Goal
	goalNames   map[goalKey]int64

	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pages:       make(map[int64]*models.Page),
		pageSlugs:   make(map[string]int64),
		variants:    make(map[int64]*models.PageVariant),
		variantKeys: make(map[variantKey]int64),
		sessions:    make(map[int64]*sessionState),
		sessionKeys: make(map[sessionKey]int64),
		goals:       make(map[int64]*models.Goal),
		goalNames:   make(map[goalKey]int64),
		now:         time.Now,
	}
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) nextID() int64 { return m.ids.Add(1) }

func (m *MemoryStore) PageBySlug(_ context.Context, slug string) (*models.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.pageSlugs[slug]
	if !ok {
		return nil, fmt.Errorf("page %q: %w", slug, models.ErrNotFound)
	}
	p := *m.pages[id]
	return &p, nil
}

func (m *MemoryStore) VariantByKey(_ context.Context, pageID int64, key string) (*models.PageVariant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.variantKeys[variantKey{pageID, key}]
	if !ok {
		return nil, fmt.Errorf("variant %q of page %d: %w", key, pageID, models.ErrNotFound)
	}
	v := *m.variants[id]
	v.Layout = v.Layout.Clone()
	return &v, nil
}

func (m *MemoryStore) GetOrCreateSession(_ context.Context, req SessionRequest) (*models.VisitSession, bool, error) {
	k := sessionKey{req.SessionKey, req.PageID}

	m.mu.RLock()
	st, ok := m.sessions[m.sessionKeys[k]]
	m.mu.RUnlock()
	if ok {
		return st.snapshot(), false, nil
	}

	m.mu.Lock()
	if id, exists := m.sessionKeys[k]; exists {
		st = m.sessions[id]
		m.mu.Unlock()
		return st.snapshot(), false, nil
	}
	if _, exists := m.pages[req.PageID]; !exists {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("page %d: %w", req.PageID, models.ErrNotFound)
	}
	var variantID *int64
	if req.VariantID != nil {
		if _, exists := m.variants[*req.VariantID]; exists {
			id := *req.VariantID
			variantID = &id
		}
	}
	st = &sessionState{
		session: models.VisitSession{
			ID:         m.nextID(),
			SessionKey: req.SessionKey,
			PageID:     req.PageID,
			VariantID:  variantID,
			StartedAt:  req.StartedAt,
			Referrer:   req.Referrer,
			LandingURL: req.LandingURL,
			UTM:        req.UTM.Clone(),
			UserAgent:  req.UserAgent,
			IPHash:     req.IPHash,
			Viewport:   req.Viewport.Clone(),
		},
		eventUIDs:   make(map[string]int),
		aggregated:  make(map[int64]bool),
		conversions: make(map[int64]models.Conversion),
	}
	m.sessions[st.session.ID] = st
	m.sessionKeys[k] = st.session.ID
	m.mu.Unlock()

	return st.snapshot(), true, nil
}

func (m *MemoryStore) GetSession(_ context.Context, id int64) (*models.VisitSession, error) {
	st, err := m.state(id)
	if err != nil {
		return nil, err
	}
	return st.snapshot(), nil
}

func (m *MemoryStore) InsertEvent(_ context.Context, e *models.Event) (bool, error) {
	st, err := m.state(e.SessionID)
	if err != nil {
		return false, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if i, dup := st.eventUIDs[e.UID]; dup {
		*e = cloneEvent(st.events[i])
		return false, nil
	}
	e.ID = m.nextID()
	st.eventUIDs[e.UID] = len(st.events)
	st.aggregated[e.ID] = false
	st.events = append(st.events, cloneEvent(*e))
	return true, nil
}

func (m *MemoryStore) SessionEvents(_ context.Context, sessionID int64) ([]models.Event, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	events := make([]models.Event, 0, len(st.events))
	for _, e := range st.events {
		events = append(events, cloneEvent(e))
	}
	st.mu.Unlock()

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})
	return events, nil
}

func (m *MemoryStore) ActiveGoals(_ context.Context, pageID int64) ([]models.Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var goals []models.Goal
	for _, g := range m.goals {
		if g.PageID == pageID && g.IsActive {
			cp := *g
			cp.Rule = g.Rule.Clone()
			goals = append(goals, cp)
		}
	}
	sort.Slice(goals, func(i, j int) bool { return goals[i].ID < goals[j].ID })
	return goals, nil
}

func (m *MemoryStore) ConvertedGoalIDs(_ context.Context, sessionID int64) (map[int64]struct{}, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	ids := make(map[int64]struct{}, len(st.conversions))
	for id := range st.conversions {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (m *MemoryStore) InsertConversion(_ context.Context, c *models.Conversion) (bool, error) {
	st, err := m.state(c.SessionID)
	if err != nil {
		return false, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, done := st.conversions[c.GoalID]; done {
		return false, nil
	}
	c.ID = m.nextID()
	stored := *c
	stored.Details = c.Details.Clone()
	st.conversions[c.GoalID] = stored
	return true, nil
}

func (m *MemoryStore) GetSummary(_ context.Context, sessionID int64) (*models.SessionSummary, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.summary == nil {
		return nil, fmt.Errorf("summary for session %d: %w", sessionID, models.ErrNotFound)
	}
	return cloneSummary(st.summary), nil
}

func (m *MemoryStore) ApplySummaryDelta(_ context.Context, sessionID, eventID int64, d models.SummaryDelta) (*models.SessionSummary, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if done, stored := st.aggregated[eventID]; !stored || done {
		if st.summary == nil {
			return nil, fmt.Errorf("summary for session %d: %w", sessionID, models.ErrNotFound)
		}
		return cloneSummary(st.summary), nil
	}
	st.aggregated[eventID] = true
	if st.summary == nil {
		st.summary = &models.SessionSummary{SessionID: sessionID, Rollup: map[string]float64{}}
	}
	st.summary.Apply(d)
	st.summary.ComputedAt = m.now()
	return cloneSummary(st.summary), nil
}

func (m *MemoryStore) RaiseSummary(_ context.Context, in *models.SessionSummary, eventIDs []int64) (*models.SessionSummary, error) {
	st, err := m.state(in.SessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, id := range eventIDs {
		if _, stored := st.aggregated[id]; stored {
			st.aggregated[id] = true
		}
	}
	if st.summary == nil {
		st.summary = &models.SessionSummary{SessionID: in.SessionID, Rollup: map[string]float64{}}
	}
	s := st.summary
	s.DurationMs = max(s.DurationMs, in.DurationMs)
	s.MaxScrollPct = max(s.MaxScrollPct, in.MaxScrollPct)
	s.Clicks = max(s.Clicks, in.Clicks)
	for k, v := range in.Rollup {
		if cur, ok := s.Rollup[k]; !ok || v > cur {
			s.Rollup[k] = v
		}
	}
	s.ComputedAt = m.now()
	return cloneSummary(s), nil
}

func (m *MemoryStore) CreatePage(_ context.Context, p *models.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.pageSlugs[p.Slug]; ok {
		existing := m.pages[id]
		existing.Title, existing.RawHTML, existing.IsActive = p.Title, p.RawHTML, p.IsActive
		p.ID, p.CreatedAt = existing.ID, existing.CreatedAt
		return nil
	}
	p.ID = m.nextID()
	p.CreatedAt = m.now()
	stored := *p
	m.pages[p.ID] = &stored
	m.pageSlugs[p.Slug] = p.ID
	return nil
}

func (m *MemoryStore) CreateVariant(_ context.Context, v *models.PageVariant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[v.PageID]; !ok {
		return fmt.Errorf("page %d: %w", v.PageID, models.ErrNotFound)
	}
	k := variantKey{v.PageID, v.Key}
	if id, ok := m.variantKeys[k]; ok {
		existing := m.variants[id]
		existing.Name, existing.TemplateName, existing.IsActive = v.Name, v.TemplateName, v.IsActive
		existing.Layout = v.Layout.Clone()
		v.ID, v.CreatedAt = existing.ID, existing.CreatedAt
		return nil
	}
	v.ID = m.nextID()
	v.CreatedAt = m.now()
	stored := *v
	stored.Layout = v.Layout.Clone()
	m.variants[v.ID] = &stored
	m.variantKeys[k] = v.ID
	return nil
}

func (m *MemoryStore) DeleteVariant(_ context.Context, id int64) error {
	m.mu.Lock()
	v, ok := m.variants[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("variant %d: %w", id, models.ErrNotFound)
	}
	delete(m.variants, id)
	delete(m.variantKeys, variantKey{v.PageID, v.Key})
	states := m.pageStates(v.PageID)
	m.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.session.VariantID != nil && *st.session.VariantID == id {
			st.session.VariantID = nil
		}
		st.mu.Unlock()
	}
	return nil
}

func (m *MemoryStore) UpsertGoal(_ context.Context, g *models.Goal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[g.PageID]; !ok {
		return fmt.Errorf("page %d: %w", g.PageID, models.ErrNotFound)
	}
	k := goalKey{g.PageID, g.Name}
	if id, ok := m.goalNames[k]; ok {
		existing := m.goals[id]
		existing.IsActive = g.IsActive
		existing.Rule = g.Rule.Clone()
		g.ID, g.CreatedAt = existing.ID, existing.CreatedAt
		return nil
	}
	g.ID = m.nextID()
	g.CreatedAt = m.now()
	stored := *g
	stored.Rule = g.Rule.Clone()
	m.goals[g.ID] = &stored
	m.goalNames[k] = g.ID
	return nil
}

func (m *MemoryStore) state(sessionID int64) (*sessionState, error) {
	m.mu.RLock()
	st, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %d: %w", sessionID, models.ErrNotFound)
	}
	return st, nil
}

// pageStates lists the session states of one page, or of all pages when
// pageID is zero. Callers hold the index lock.
func (m *MemoryStore) pageStates(pageID int64) []*sessionState {
	var out []*sessionState
	for _, st := range m.sessions {
		if pageID == 0 || st.session.PageID == pageID {
			out = append(out, st)
		}
	}
	return out
}

func (st *sessionState) snapshot() *models.VisitSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.session
	if s.VariantID != nil {
		id := *s.VariantID
		s.VariantID = &id
	}
	s.UTM = s.UTM.Clone()
	s.Viewport = s.Viewport.Clone()
	return &s
}

func cloneEvent(e models.Event) models.Event {
	e.Data = e.Data.Clone()
	return e
}

func cloneSummary(s *models.SessionSummary) *models.SessionSummary {
	cp := *s
	cp.Rollup = make(map[string]float64, len(s.Rollup))
	for k, v := range s.Rollup {
		cp.Rollup[k] = v
	}
	return &cp
}
