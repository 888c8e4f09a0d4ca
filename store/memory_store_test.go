package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pageinsight/api/models"
)

func seedPage(t *testing.T, m *MemoryStore, slug string) *models.Page {
	t.Helper()
	p := &models.Page{Slug: slug, IsActive: true}
	require.NoError(t, m.CreatePage(context.Background(), p))
	return p
}

func TestMemoryStore_GetOrCreateSessionIsAtomic(t *testing.T) {
	m := NewMemoryStore()
	page := seedPage(t, m, "home")

	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[int64]struct{}{}
		created int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, ok, err := m.GetOrCreateSession(context.Background(), SessionRequest{SessionKey: "tok", PageID: page.ID, StartedAt: t0})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[sess.ID] = struct{}{}
			if ok {
				created++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)
}

func TestMemoryStore_SameTokenOnDifferentPages(t *testing.T) {
	m := NewMemoryStore()
	home := seedPage(t, m, "home")
	pricing := seedPage(t, m, "pricing")
	ctx := context.Background()

	a, _, err := m.GetOrCreateSession(ctx, SessionRequest{SessionKey: "tok", PageID: home.ID, StartedAt: t0})
	require.NoError(t, err)
	b, created, err := m.GetOrCreateSession(ctx, SessionRequest{SessionKey: "tok", PageID: pricing.ID, StartedAt: t0})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a.ID, b.ID)

	_, _, err = m.GetOrCreateSession(ctx, SessionRequest{SessionKey: "tok", PageID: 9999})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_ConversionUniqueness(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	page := seedPage(t, m, "home")
	sess, _, err := m.GetOrCreateSession(ctx, SessionRequest{SessionKey: "tok", PageID: page.ID, StartedAt: t0})
	require.NoError(t, err)
	g := &models.Goal{PageID: page.ID, Name: "g", IsActive: true, Rule: models.Payload{"event_type": "click"}}
	require.NoError(t, m.UpsertGoal(ctx, g))

	const n = 16
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = m.InsertConversion(ctx, &models.Conversion{GoalID: g.ID, SessionID: sess.ID, OccurredAt: t0})
		}()
	}
	wg.Wait()

	inserted := 0
	for _, ok := range results {
		if ok {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)

	done, err := m.ConvertedGoalIDs(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, done, 1)
}

func TestMemoryStore_SummaryDeltasAreMonotonic(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	page := seedPage(t, m, "home")
	sess, _, err := m.GetOrCreateSession(ctx, SessionRequest{SessionKey: "tok", PageID: page.ID, StartedAt: t0})
	require.NoError(t, err)

	_, err = m.GetSummary(ctx, sess.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	deltas := []models.SummaryDelta{
		{ScrollPct: 70, DurationMs: 5000},
		{Clicks: 1, Rollup: map[string]float64{"n": 1}},
		{ScrollPct: 20, DurationMs: 1000, Rollup: map[string]float64{"n": 2}},
		{Clicks: 1},
	}
	ids := make([]int64, len(deltas))
	for i := range deltas {
		ids[i] = insertEvent(t, m, sess.ID, fmt.Sprintf("d%d", i))
	}
	var wg sync.WaitGroup
	for i, d := range deltas {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ApplySummaryDelta(ctx, sess.ID, ids[i], d)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sum, err := m.GetSummary(ctx, sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, 70, sum.MaxScrollPct, 0)
	assert.Equal(t, int64(5000), sum.DurationMs)
	assert.Equal(t, int64(2), sum.Clicks)
	assert.Equal(t, map[string]float64{"n": 3}, sum.Rollup)

	raised, err := m.RaiseSummary(ctx, &models.SessionSummary{SessionID: sess.ID, Clicks: 1, MaxScrollPct: 90, Rollup: map[string]float64{"n": 1, "m": 4}}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), raised.Clicks)
	assert.InDelta(t, 90, raised.MaxScrollPct, 0)
	assert.Equal(t, map[string]float64{"n": 3, "m": 4}, raised.Rollup)
}

func insertEvent(t *testing.T, m *MemoryStore, sessionID int64, uid string) int64 {
	t.Helper()
	e := &models.Event{UID: uid, SessionID: sessionID, Type: models.EventClick, OccurredAt: t0}
	ok, err := m.InsertEvent(context.Background(), e)
	require.NoError(t, err)
	require.True(t, ok)
	return e.ID
}

func TestMemoryStore_SummaryDeltaAppliesOncePerEvent(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	page := seedPage(t, m, "home")
	sess, _, err := m.GetOrCreateSession(ctx, SessionRequest{SessionKey: "tok", PageID: page.ID, StartedAt: t0})
	require.NoError(t, err)
	id := insertEvent(t, m, sess.ID, "u1")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ApplySummaryDelta(ctx, sess.ID, id, models.SummaryDelta{Clicks: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sum, err := m.GetSummary(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Clicks)

	_, err = m.ApplySummaryDelta(ctx, sess.ID, 9999, models.SummaryDelta{Clicks: 1})
	require.NoError(t, err)
	sum, err = m.GetSummary(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Clicks, "unknown events contribute nothing")
}

func TestMemoryStore_RaiseSummaryMarksEventsApplied(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	page := seedPage(t, m, "home")
	sess, _, err := m.GetOrCreateSession(ctx, SessionRequest{SessionKey: "tok", PageID: page.ID, StartedAt: t0})
	require.NoError(t, err)
	id := insertEvent(t, m, sess.ID, "u1")

	_, err = m.RaiseSummary(ctx, &models.SessionSummary{SessionID: sess.ID, Clicks: 1}, []int64{id})
	require.NoError(t, err)

	sum, err := m.ApplySummaryDelta(ctx, sess.ID, id, models.SummaryDelta{Clicks: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Clicks)
}

func TestMemoryStore_EventDedupe(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	page := seedPage(t, m, "home")
	sess, _, err := m.GetOrCreateSession(ctx, SessionRequest{SessionKey: "tok", PageID: page.ID, StartedAt: t0})
	require.NoError(t, err)

	first := &models.Event{UID: "u1", SessionID: sess.ID, PageID: page.ID, Type: models.EventClick, OccurredAt: t0, ElementKey: "a"}
	ok, err := m.InsertEvent(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	again := &models.Event{UID: "u1", SessionID: sess.ID, PageID: page.ID, Type: models.EventClick, OccurredAt: t0.Add(time.Hour), ElementKey: "b"}
	ok, err = m.InsertEvent(ctx, again)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "a", again.ElementKey)

	_, err = m.InsertEvent(ctx, &models.Event{UID: "u2", SessionID: 12345})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_DailyCountsCoverEveryDay(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	page := seedPage(t, m, "home")

	until := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	since := until.AddDate(0, 0, -6)
	starts := []time.Time{
		since.Add(-48 * time.Hour), // before the window
		time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 6, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 6, 23, 59, 0, 0, time.UTC),
		time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC),
	}
	for i, at := range starts {
		_, _, err := m.GetOrCreateSession(ctx, SessionRequest{SessionKey: string(rune('a' + i)), PageID: page.ID, StartedAt: at})
		require.NoError(t, err)
	}

	days, err := m.DailyCounts(ctx, MetricSessions, since, until)
	require.NoError(t, err)
	require.Len(t, days, 7)

	want := []models.DayCount{
		{Date: "2026-03-04", Count: 1},
		{Date: "2026-03-05", Count: 0},
		{Date: "2026-03-06", Count: 2},
		{Date: "2026-03-07", Count: 0},
		{Date: "2026-03-08", Count: 0},
		{Date: "2026-03-09", Count: 0},
		{Date: "2026-03-10", Count: 1},
	}
	assert.Equal(t, want, days)

	_, err = m.DailyCounts(ctx, MetricSessions, until, since)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestMemoryStore_DailyCountsWindowIsBounded(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	until := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	days, err := m.DailyCounts(ctx, MetricEvents, until.AddDate(0, 0, -(maxWindowDays-1)), until)
	require.NoError(t, err)
	assert.Len(t, days, maxWindowDays)

	_, err = m.DailyCounts(ctx, MetricEvents, until.AddDate(0, 0, -maxWindowDays), until)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = m.DailyCounts(ctx, MetricEvents, time.Time{}, time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestMemoryStore_TopClicksAndPageStats(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	home := seedPage(t, m, "home")
	pricing := seedPage(t, m, "pricing")

	add := func(page *models.Page, token, element string, typ models.EventType, at time.Time) {
		sess, _, err := m.GetOrCreateSession(ctx, SessionRequest{SessionKey: token, PageID: page.ID, StartedAt: at})
		require.NoError(t, err)
		_, err = m.InsertEvent(ctx, &models.Event{
			UID: token + element + at.String(), SessionID: sess.ID, PageID: page.ID,
			Type: typ, OccurredAt: at, ElementKey: element,
		})
		require.NoError(t, err)
	}
	add(home, "s1", "hero_cta", models.EventClick, t0)
	add(home, "s1", "hero_cta", models.EventClick, t0.Add(time.Minute))
	add(home, "s2", "footer", models.EventClick, t0)
	add(home, "s2", "", models.EventClick, t0)
	add(home, "s2", "hero_cta", models.EventScroll, t0)
	add(pricing, "s1", "buy", models.EventClick, t0)
	add(pricing, "s3", "buy", models.EventClick, t0.Add(-24*time.Hour))

	top, err := m.TopClicks(ctx, t0.Add(-time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, []models.TopClickResult{
		{PageSlug: "home", ElementKey: "hero_cta", Count: 2},
		{PageSlug: "home", ElementKey: "footer", Count: 1},
	}, top)

	stats, err := m.PageStats(ctx, "pricing", t0.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.SessionsTotal)
	assert.Equal(t, []models.TopClickResult{{PageSlug: "pricing", ElementKey: "buy", Count: 1}}, stats.TopClicks)

	_, err = m.PageStats(ctx, "missing", t0, 10)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_PageConversionCountsIncludesZeroGoals(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	page := seedPage(t, m, "home")
	hit := &models.Goal{PageID: page.ID, Name: "hit", IsActive: true}
	miss := &models.Goal{PageID: page.ID, Name: "miss", IsActive: true}
	require.NoError(t, m.UpsertGoal(ctx, hit))
	require.NoError(t, m.UpsertGoal(ctx, miss))

	sess, _, err := m.GetOrCreateSession(ctx, SessionRequest{SessionKey: "tok", PageID: page.ID, StartedAt: t0})
	require.NoError(t, err)
	_, err = m.InsertConversion(ctx, &models.Conversion{GoalID: hit.ID, SessionID: sess.ID, OccurredAt: t0})
	require.NoError(t, err)

	counts, err := m.PageConversionCounts(ctx, "home", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"hit": 1, "miss": 0}, counts)

	counts, err = m.PageConversionCounts(ctx, "home", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"hit": 0, "miss": 0}, counts)
}
