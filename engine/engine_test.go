package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pageinsight/api/logger"
	"pageinsight/api/metrics"
	"pageinsight/api/models"
	"pageinsight/api/store"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st      store.Store
	mem     *store.MemoryStore
	eng     *Engine
	metrics *metrics.Metrics
	page    *models.Page
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	return newFixtureWithStore(t, mem, mem, opts...)
}

func newFixtureWithStore(t *testing.T, st store.Store, mem *store.MemoryStore, opts ...Option) *fixture {
	t.Helper()
	page := &models.Page{Slug: "home", Title: "Home", IsActive: true}
	require.NoError(t, mem.CreatePage(context.Background(), page))

	m := metrics.New()
	opts = append([]Option{WithClock(func() time.Time { return base }), WithIPSalt("pepper")}, opts...)
	return &fixture{
		st:      st,
		mem:     mem,
		eng:     New(st, logger.NewNop(), m, opts...),
		metrics: m,
		page:    page,
	}
}

func (f *fixture) goal(t *testing.T, name string, rule models.Payload) *models.Goal {
	t.Helper()
	g := &models.Goal{PageID: f.page.ID, Name: name, IsActive: true, Rule: rule}
	require.NoError(t, f.mem.UpsertGoal(context.Background(), g))
	return g
}

func (f *fixture) record(t *testing.T, in Input) *Result {
	t.Helper()
	if in.PageSlug == "" {
		in.PageSlug = f.page.Slug
	}
	res, err := f.eng.RecordEvent(context.Background(), in)
	require.NoError(t, err)
	return res
}

func (f *fixture) summary(t *testing.T, sessionID int64) *models.SessionSummary {
	t.Helper()
	sum, err := f.eng.GetSessionSummary(context.Background(), sessionID)
	require.NoError(t, err)
	return sum
}

func click(token, element string) Input {
	return Input{SessionToken: token, EventType: "click", ElementKey: element}
}

func scroll(token string, y, maxY float64, at time.Time) Input {
	return Input{
		SessionToken: token,
		EventType:    "scroll",
		OccurredAt:   at,
		Payload:      models.Payload{"scrollY": y, "maxScrollY": maxY},
	}
}

func TestRecordEvent_HeroClickConvertsOnce(t *testing.T) {
	f := newFixture(t)
	g := f.goal(t, "hero-click", models.Payload{"event_type": "click", "element_key": "hero_cta"})

	first := f.record(t, click("tok-a", "hero_cta"))
	assert.Equal(t, []string{"hero-click"}, first.ConversionsTriggered)
	assert.True(t, first.SessionCreated)

	second := f.record(t, click("tok-a", "hero_cta"))
	assert.Empty(t, second.ConversionsTriggered)
	assert.NotNil(t, second.ConversionsTriggered)
	assert.False(t, second.SessionCreated)
	assert.Equal(t, first.SessionID, second.SessionID)

	done, err := f.st.ConvertedGoalIDs(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{g.ID: {}}, done)

	counts, err := f.mem.PageConversionCounts(context.Background(), "home", base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), counts["hero-click"])
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Conversions.WithLabelValues("home")), 0)
}

func TestRecordEvent_DeepScrollThreshold(t *testing.T) {
	f := newFixture(t)
	f.goal(t, "deep-scroll", models.Payload{"event_type": "scroll", "min_scroll_pct": 75})

	r1 := f.record(t, scroll("tok-b", 600, 1000, base))
	assert.Empty(t, r1.ConversionsTriggered)

	r2 := f.record(t, scroll("tok-b", 800, 1000, base.Add(time.Second)))
	assert.Equal(t, []string{"deep-scroll"}, r2.ConversionsTriggered)

	r3 := f.record(t, scroll("tok-b", 500, 1000, base.Add(2*time.Second)))
	assert.Empty(t, r3.ConversionsTriggered)

	sum := f.summary(t, r1.SessionID)
	assert.InDelta(t, 80, sum.MaxScrollPct, 0.001)
}

func TestRecordEvent_ThresholdUsesSessionMaximum(t *testing.T) {
	f := newFixture(t)

	// Deep scroll first, goal created afterwards: a later shallow scroll
	// still satisfies it through the session maximum.
	r1 := f.record(t, scroll("tok-max", 900, 1000, base))
	f.goal(t, "deep-scroll", models.Payload{"event_type": "scroll", "min_scroll_pct": 75})

	r2 := f.record(t, scroll("tok-max", 100, 1000, base.Add(time.Second)))
	assert.Equal(t, []string{"deep-scroll"}, r2.ConversionsTriggered)
	assert.Equal(t, r1.SessionID, r2.SessionID)
}

func TestRecordEvent_ConcurrentFirstEvents(t *testing.T) {
	f := newFixture(t)

	const n = 2
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]*Result, n)
		errs    = make([]error, n)
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.eng.RecordEvent(context.Background(), Input{
				SessionToken: "tok-c",
				PageSlug:     "home",
				EventType:    "click",
				ElementKey:   "buy",
			})
		}()
	}
	close(start)
	wg.Wait()

	created := 0
	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].SessionID, results[i].SessionID)
		if results[i].SessionCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)

	sum := f.summary(t, results[0].SessionID)
	assert.Equal(t, int64(2), sum.Clicks)

	daily, err := f.mem.DailyCounts(context.Background(), store.MetricSessions, base, base)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, uint64(1), daily[0].Count)
}

func TestRecordEvent_ConcurrentMatchingEventsConvertOnce(t *testing.T) {
	f := newFixture(t)
	f.goal(t, "any-click", models.Payload{"event_type": "click"})

	const n = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fired []string
		start = make(chan struct{})
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := f.eng.RecordEvent(context.Background(), Input{
				SessionToken: "tok-race", PageSlug: "home", EventType: "click", ElementKey: "x",
			})
			if assert.NoError(t, err) {
				mu.Lock()
				fired = append(fired, res.ConversionsTriggered...)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, []string{"any-click"}, fired)
}

func TestRecordEvent_OutOfOrderIsMonotonic(t *testing.T) {
	f := newFixture(t)

	r := f.record(t, scroll("tok-o", 900, 1000, base.Add(30*time.Second)))
	f.record(t, click("tok-o", "a"))
	f.record(t, scroll("tok-o", 100, 1000, base.Add(5*time.Second)))

	sum := f.summary(t, r.SessionID)
	assert.InDelta(t, 90, sum.MaxScrollPct, 0.001)
	assert.Equal(t, int64(1), sum.Clicks)
	// The session started with the first event to arrive; earlier events add no duration.
	assert.Equal(t, int64(0), sum.DurationMs)

	f.record(t, Input{SessionToken: "tok-o", EventType: "view", OccurredAt: base.Add(90 * time.Second)})
	sum = f.summary(t, r.SessionID)
	assert.Equal(t, int64(60_000), sum.DurationMs)
}

func TestRecordEvent_DuplicateEventID(t *testing.T) {
	sink := &fakeSink{}
	f := newFixture(t, WithSink(sink))
	f.goal(t, "hero-click", models.Payload{"event_type": "click", "element_key": "hero_cta"})

	in := click("tok-d", "hero_cta")
	in.EventID = "evt-1"

	first := f.record(t, in)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "evt-1", first.EventID)

	second := f.record(t, in)
	assert.True(t, second.Duplicate)
	assert.Empty(t, second.ConversionsTriggered)

	sum := f.summary(t, first.SessionID)
	assert.Equal(t, int64(1), sum.Clicks)

	events, err := f.st.SessionEvents(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// The mirror table collapses rows by event id, so offering again is harmless.
	offered := sink.offered()
	require.Len(t, offered, 2)
	assert.Equal(t, offered[0].EventID, offered[1].EventID)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.EventsDuplicate), 0)
}

func TestRecordEvent_RetryAfterCommittedInsertFailure(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{MemoryStore: mem, failAfterInsert: true}
	sink := &fakeSink{}
	f := newFixtureWithStore(t, flaky, mem, WithSink(sink))
	f.goal(t, "hero-click", models.Payload{"event_type": "click", "element_key": "hero_cta"})

	in := click("tok-amb", "hero_cta").withPage("home")
	in.EventID = "evt-amb"

	// The row commits but the caller sees a transient failure and retries.
	_, err := f.eng.RecordEvent(context.Background(), in)
	require.ErrorIs(t, err, models.ErrStoreUnavailable)

	res := f.record(t, in)
	assert.True(t, res.Duplicate)
	assert.Equal(t, []string{"hero-click"}, res.ConversionsTriggered)

	events, err := f.st.SessionEvents(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, int64(1), f.summary(t, res.SessionID).Clicks)

	offered := sink.offered()
	require.Len(t, offered, 1)
	assert.Equal(t, "evt-amb", offered[0].EventID)

	// Later redeliveries leave the summary alone.
	f.record(t, in)
	assert.Equal(t, int64(1), f.summary(t, res.SessionID).Clicks)
}

func TestRecordEvent_RedeliveryRepairsLostSummaryUpdate(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{MemoryStore: mem, failSummary: true}
	f := newFixtureWithStore(t, flaky, mem)

	in := click("tok-lost", "a")
	in.EventID = "evt-lost"
	first := f.record(t, in)
	assert.Equal(t, int64(0), f.summary(t, first.SessionID).Clicks)

	flaky.setFailSummary(false)
	f.record(t, in)
	assert.Equal(t, int64(1), f.summary(t, first.SessionID).Clicks)
	f.record(t, in)
	assert.Equal(t, int64(1), f.summary(t, first.SessionID).Clicks)
}

func TestRecordEvent_RedeliveryAfterRebuildCountsOnce(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{MemoryStore: mem, failSummary: true}
	f := newFixtureWithStore(t, flaky, mem)

	in := click("tok-rb", "a")
	in.EventID = "evt-rb"
	first := f.record(t, in)
	flaky.setFailSummary(false)

	rebuilt, err := f.eng.RebuildSummary(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rebuilt.Clicks)

	f.record(t, in)
	assert.Equal(t, int64(1), f.summary(t, first.SessionID).Clicks)
}

func TestRecordEvent_DuplicateRetriesFailedConversion(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{MemoryStore: mem, failConversions: true}
	f := newFixtureWithStore(t, flaky, mem)
	f.goal(t, "hero-click", models.Payload{"event_type": "click", "element_key": "hero_cta"})

	in := click("tok-retry", "hero_cta")
	in.EventID = "evt-retry"

	first := f.record(t, in)
	assert.Empty(t, first.ConversionsTriggered)

	flaky.setFailConversions(false)
	second := f.record(t, in)
	assert.True(t, second.Duplicate)
	assert.Equal(t, []string{"hero-click"}, second.ConversionsTriggered)
}

func TestRecordEvent_Errors(t *testing.T) {
	f := newFixture(t)
	inactive := &models.Page{Slug: "old", IsActive: false}
	require.NoError(t, f.mem.CreatePage(context.Background(), inactive))

	tests := []struct {
		name string
		in   Input
		want error
	}{
		{"unknown page", Input{SessionToken: "t", PageSlug: "nope", EventType: "click"}, models.ErrNotFound},
		{"inactive page", Input{SessionToken: "t", PageSlug: "old", EventType: "click"}, models.ErrNotFound},
		{"missing token", Input{SessionToken: "  ", PageSlug: "home", EventType: "click"}, models.ErrInvalidInput},
		{"oversized token", Input{SessionToken: strings.Repeat("k", 65), PageSlug: "home"}, models.ErrInvalidInput},
		{"missing page", Input{SessionToken: "t", EventType: "click"}, models.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.RecordEvent(context.Background(), tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.InDelta(t, 2, testutil.ToFloat64(f.metrics.IngestErrors.WithLabelValues("not_found")), 0)
}

func TestRecordEvent_NormalizesInput(t *testing.T) {
	f := newFixture(t)

	r := f.record(t, Input{
		SessionToken: "tok-n",
		EventType:    "Hover",
		ElementKey:   strings.Repeat("é", 250),
		Text:         strings.Repeat("t", 400),
	})
	f.record(t, Input{
		SessionToken: "tok-n",
		EventType:    "SCROLL",
		Payload:      models.Payload{"scrollY": "300", "maxScrollY": 600, "note": "kept"},
	})
	f.record(t, Input{
		SessionToken: "tok-n",
		EventType:    "click",
		Payload:      models.Payload{"x": "left", "y": 12},
	})

	events, err := f.st.SessionEvents(context.Background(), r.SessionID)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, models.EventCustom, events[0].Type)
	assert.Equal(t, models.MaxElementKeyLen, len([]rune(events[0].ElementKey)))
	assert.Len(t, events[0].Text, models.MaxTextLen)

	assert.Equal(t, models.EventScroll, events[1].Type)
	assert.Equal(t, 300.0, events[1].Data["scrollY"])
	assert.Equal(t, "kept", events[1].Data["note"])

	assert.NotContains(t, events[2].Data, "x")
	assert.Equal(t, 12.0, events[2].Data["y"])

	assert.InDelta(t, 50, f.summary(t, r.SessionID).MaxScrollPct, 0.001)
}

func TestRecordEvent_SessionAttribution(t *testing.T) {
	f := newFixture(t)

	r := f.record(t, Input{
		SessionToken: "tok-attr",
		EventType:    "view",
		Referrer:     "https://news.example",
		LandingURL:   "https://example.com/home?utm_source=news&utm_campaign=spring",
		ClientIP:     "203.0.113.9",
		UserAgent:    "Mozilla/5.0",
		Viewport:     models.Payload{"w": 1280, "h": 720},
	})
	// Later events never reassign attribution.
	f.record(t, Input{SessionToken: "tok-attr", EventType: "view", Referrer: "https://other.example"})

	sess, err := f.st.GetSession(context.Background(), r.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "https://news.example", sess.Referrer)
	assert.Equal(t, "news", sess.UTM["utm_source"])
	assert.Equal(t, "spring", sess.UTM["utm_campaign"])
	assert.NotEmpty(t, sess.IPHash)
	assert.NotContains(t, sess.IPHash, "203.0.113.9")
	assert.Equal(t, base, sess.StartedAt)
}

func TestRecordEvent_VariantIsWeakReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := &models.PageVariant{PageID: f.page.ID, Key: "b", IsActive: true}
	off := &models.PageVariant{PageID: f.page.ID, Key: "off", IsActive: false}
	require.NoError(t, f.mem.CreateVariant(ctx, b))
	require.NoError(t, f.mem.CreateVariant(ctx, off))

	withB := f.record(t, Input{SessionToken: "tok-v1", VariantKey: "b", EventType: "view"})
	sess, err := f.st.GetSession(ctx, withB.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.VariantID)
	assert.Equal(t, b.ID, *sess.VariantID)

	// Variant is fixed at creation.
	f.record(t, Input{SessionToken: "tok-v1", VariantKey: "off", EventType: "view"})
	sess, err = f.st.GetSession(ctx, withB.SessionID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, *sess.VariantID)

	for _, key := range []string{"zzz", "off"} {
		r := f.record(t, Input{SessionToken: "tok-" + key, VariantKey: key, EventType: "view"})
		s, err := f.st.GetSession(ctx, r.SessionID)
		require.NoError(t, err)
		assert.Nil(t, s.VariantID, key)
	}

	require.NoError(t, f.mem.DeleteVariant(ctx, b.ID))
	sess, err = f.st.GetSession(ctx, withB.SessionID)
	require.NoError(t, err)
	assert.Nil(t, sess.VariantID)

	again := f.record(t, Input{SessionToken: "tok-v1", VariantKey: "b", EventType: "click"})
	assert.Equal(t, withB.SessionID, again.SessionID)
}

func TestRecordEvent_MalformedGoalsAreIsolated(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{MemoryStore: mem}
	f := newFixtureWithStore(t, flaky, mem)

	f.goal(t, "bad-type", models.Payload{"event_type": 5})
	f.goal(t, "unknown-key", models.Payload{"colour": "red"})
	f.goal(t, "empty", models.Payload{})
	broken := f.goal(t, "store-fails", models.Payload{"event_type": "click"})
	f.goal(t, "good", models.Payload{"event_type": "click", "text_contains": "Buy"})
	flaky.failGoal = broken.ID

	r := f.record(t, Input{SessionToken: "tok-m", EventType: "click", Text: "Buy now"})
	assert.Equal(t, []string{"good"}, r.ConversionsTriggered)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.GoalErrors), 0)
}

func TestRecordEvent_CustomNameAndDurationGoals(t *testing.T) {
	f := newFixture(t)
	f.goal(t, "signup", models.Payload{"event_type": "custom", "event_name": "signup_submitted"})
	f.goal(t, "engaged", models.Payload{"all": []any{
		map[string]any{"event_type": "view"},
		map[string]any{"min_duration_ms": 30000},
	}})

	r1 := f.record(t, Input{SessionToken: "tok-g", EventType: "view", OccurredAt: base.Add(10 * time.Second)})
	assert.Empty(t, r1.ConversionsTriggered)

	r2 := f.record(t, Input{
		SessionToken: "tok-g",
		EventType:    "custom",
		OccurredAt:   base.Add(20 * time.Second),
		Payload:      models.Payload{"name": "signup_submitted"},
	})
	assert.Equal(t, []string{"signup"}, r2.ConversionsTriggered)

	r3 := f.record(t, Input{SessionToken: "tok-g", EventType: "view", OccurredAt: base.Add(40 * time.Second)})
	assert.Equal(t, []string{"engaged"}, r3.ConversionsTriggered)
}

func TestRecordEvent_GoalChangeKeepsPastConversions(t *testing.T) {
	f := newFixture(t)
	g := f.goal(t, "cta", models.Payload{"event_type": "click", "element_key": "cta"})

	r := f.record(t, click("tok-h", "cta"))
	require.Equal(t, []string{"cta"}, r.ConversionsTriggered)

	g.Rule = models.Payload{"event_type": "click", "element_key": "other"}
	require.NoError(t, f.mem.UpsertGoal(context.Background(), g))

	done, err := f.st.ConvertedGoalIDs(context.Background(), r.SessionID)
	require.NoError(t, err)
	assert.Contains(t, done, g.ID)
}

func TestRebuildSummary(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{MemoryStore: mem}
	f := newFixtureWithStore(t, flaky, mem)

	r := f.record(t, click("tok-r", "a"))
	f.record(t, scroll("tok-r", 450, 500, base.Add(4*time.Second)))
	f.record(t, Input{
		SessionToken: "tok-r",
		EventType:    "click",
		OccurredAt:   base.Add(7 * time.Second),
		Payload:      models.Payload{"rollup": map[string]any{"reading_ms": 1500, "label": "x"}},
	})
	incremental := f.summary(t, r.SessionID)

	// Lose an update, then rebuild from the stream.
	flaky.setFailSummary(true)
	f.record(t, click("tok-r", "b"))
	flaky.setFailSummary(false)
	assert.Equal(t, incremental.Clicks, f.summary(t, r.SessionID).Clicks)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.SummaryErrors), 0)

	rebuilt, err := f.eng.RebuildSummary(context.Background(), r.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rebuilt.Clicks)
	assert.InDelta(t, 90, rebuilt.MaxScrollPct, 0.001)
	assert.Equal(t, int64(7000), rebuilt.DurationMs)
	assert.Equal(t, map[string]float64{"reading_ms": 1500}, rebuilt.Rollup)

	// Rebuilding twice changes nothing.
	again, err := f.eng.RebuildSummary(context.Background(), r.SessionID)
	require.NoError(t, err)
	assert.Equal(t, rebuilt.Clicks, again.Clicks)
	assert.Equal(t, rebuilt.Rollup, again.Rollup)
}

func TestGetSessionSummary(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{MemoryStore: mem, failSummary: true}
	f := newFixtureWithStore(t, flaky, mem)

	r := f.record(t, click("tok-s", "a"))
	sum := f.summary(t, r.SessionID)
	assert.Equal(t, int64(0), sum.Clicks)
	assert.NotNil(t, sum.Rollup)

	_, err := f.eng.GetSessionSummary(context.Background(), 9999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRecordEvent_StoreUnavailableSurfaces(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{MemoryStore: mem, failInsert: true}
	f := newFixtureWithStore(t, flaky, mem)

	_, err := f.eng.RecordEvent(context.Background(), click("tok-u", "a").withPage("home"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestRecordEvent_MirrorsNewEvents(t *testing.T) {
	sink := &fakeSink{}
	f := newFixture(t, WithSink(sink))

	f.record(t, Input{
		SessionToken: "tok-mirror",
		EventType:    "click",
		ElementKey:   "cta",
		Referrer:     "https://ref.example",
		Payload:      models.Payload{"x": 1},
	})

	got := sink.offered()
	require.Len(t, got, 1)
	assert.Equal(t, "home", got[0].PageSlug)
	assert.Equal(t, "tok-mirror", got[0].SessionKey)
	assert.Equal(t, "click", got[0].EventType)
	assert.Equal(t, "https://ref.example", got[0].Referrer)
	assert.JSONEq(t, `{"x":1}`, got[0].EventData)
}

func (in Input) withPage(slug string) Input {
	in.PageSlug = slug
	return in
}

type fakeSink struct {
	mu     sync.Mutex
	events []models.MirrorEvent
}

func (s *fakeSink) Offer(e models.MirrorEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return true
}

func (s *fakeSink) offered() []models.MirrorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.MirrorEvent(nil), s.events...)
}

var errUnavailable = errors.Join(models.ErrStoreUnavailable, errors.New("connection reset"))

// flakyStore injects failures into selected MemoryStore operations.
type flakyStore struct {
	*store.MemoryStore

	mu              sync.Mutex
	failGoal        int64
	failConversions bool
	failSummary     bool
	failInsert      bool
	failAfterInsert bool // commit the next insert, then report it failed
}

func (s *flakyStore) setFailConversions(v bool) {
	s.mu.Lock()
	s.failConversions = v
	s.mu.Unlock()
}

func (s *flakyStore) setFailSummary(v bool) {
	s.mu.Lock()
	s.failSummary = v
	s.mu.Unlock()
}

func (s *flakyStore) InsertEvent(ctx context.Context, e *models.Event) (bool, error) {
	s.mu.Lock()
	fail, failAfter := s.failInsert, s.failAfterInsert
	s.failAfterInsert = false
	s.mu.Unlock()
	if fail {
		return false, errUnavailable
	}
	inserted, err := s.MemoryStore.InsertEvent(ctx, e)
	if err == nil && failAfter {
		return false, errUnavailable
	}
	return inserted, err
}

func (s *flakyStore) InsertConversion(ctx context.Context, c *models.Conversion) (bool, error) {
	s.mu.Lock()
	fail := s.failConversions || (s.failGoal != 0 && c.GoalID == s.failGoal)
	s.mu.Unlock()
	if fail {
		return false, errUnavailable
	}
	return s.MemoryStore.InsertConversion(ctx, c)
}

func (s *flakyStore) ApplySummaryDelta(ctx context.Context, sessionID, eventID int64, d models.SummaryDelta) (*models.SessionSummary, error) {
	s.mu.Lock()
	fail := s.failSummary
	s.mu.Unlock()
	if fail {
		return nil, errUnavailable
	}
	return s.MemoryStore.ApplySummaryDelta(ctx, sessionID, eventID, d)
}
