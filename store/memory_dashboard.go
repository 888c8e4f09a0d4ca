package store

import (
	"context"
	"sort"
	"time"

	"pageinsight/api/models"
)

func (m *MemoryStore) DailyCounts(_ context.Context, metric string, since, until time.Time) ([]models.DayCount, error) {
	if err := checkMetric(metric); err != nil {
		return nil, err
	}
	from, to, err := dayWindow(since, until)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	states := m.pageStates(0)
	m.mu.RUnlock()

	inWindow := func(t time.Time) bool { return !t.Before(from) && t.Before(to) }
	byDay := make(map[string]uint64)
	for _, st := range states {
		st.mu.Lock()
		if metric == MetricSessions {
			if inWindow(st.session.StartedAt) {
				byDay[utcDay(st.session.StartedAt)]++
			}
		} else {
			for _, e := range st.events {
				if inWindow(e.OccurredAt) {
					byDay[utcDay(e.OccurredAt)]++
				}
			}
		}
		st.mu.Unlock()
	}
	return fillDays(from, to, byDay), nil
}

func (m *MemoryStore) TopClicks(_ context.Context, since time.Time, limit int) ([]models.TopClickResult, error) {
	m.mu.RLock()
	states := m.pageStates(0)
	slugs := make(map[int64]string, len(m.pages))
	for id, p := range m.pages {
		slugs[id] = p.Slug
	}
	m.mu.RUnlock()

	type pair struct{ slug, element string }
	counts := make(map[pair]uint64)
	for _, st := range states {
		st.mu.Lock()
		for _, e := range st.events {
			if isCountedClick(e, since) {
				counts[pair{slugs[e.PageID], e.ElementKey}]++
			}
		}
		st.mu.Unlock()
	}

	results := make([]models.TopClickResult, 0, len(counts))
	for k, n := range counts {
		results = append(results, models.TopClickResult{PageSlug: k.slug, ElementKey: k.element, Count: n})
	}
	sortTopClicks(results)
	return truncateTop(results, limit), nil
}

func (m *MemoryStore) PageConversionCounts(ctx context.Context, slug string, since time.Time) (map[string]uint64, error) {
	page, err := m.PageBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	counts := make(map[string]uint64)
	names := make(map[int64]string)
	for _, g := range m.goals {
		if g.PageID == page.ID {
			counts[g.Name] = 0
			names[g.ID] = g.Name
		}
	}
	states := m.pageStates(page.ID)
	m.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		for goalID, c := range st.conversions {
			name, ok := names[goalID]
			if ok && !c.OccurredAt.Before(since) {
				counts[name]++
			}
		}
		st.mu.Unlock()
	}
	return counts, nil
}

func (m *MemoryStore) PageStats(ctx context.Context, slug string, since time.Time, limit int) (*models.PageStats, error) {
	page, err := m.PageBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	states := m.pageStates(page.ID)
	m.mu.RUnlock()

	stats := &models.PageStats{PageSlug: page.Slug, Since: since}
	counts := make(map[string]uint64)
	for _, st := range states {
		st.mu.Lock()
		if !st.session.StartedAt.Before(since) {
			stats.SessionsTotal++
		}
		for _, e := range st.events {
			if isCountedClick(e, since) {
				counts[e.ElementKey]++
			}
		}
		st.mu.Unlock()
	}

	top := make([]models.TopClickResult, 0, len(counts))
	for el, n := range counts {
		top = append(top, models.TopClickResult{PageSlug: page.Slug, ElementKey: el, Count: n})
	}
	sortTopClicks(top)
	stats.TopClicks = truncateTop(top, limit)
	return stats, nil
}

func isCountedClick(e models.Event, since time.Time) bool {
	return e.Type == models.EventClick && e.ElementKey != "" && !e.OccurredAt.Before(since)
}

// sortTopClicks orders by count descending, then slug and element key.
func sortTopClicks(r []models.TopClickResult) {
	sort.Slice(r, func(i, j int) bool {
		if r[i].Count != r[j].Count {
			return r[i].Count > r[j].Count
		}
		if r[i].PageSlug != r[j].PageSlug {
			return r[i].PageSlug < r[j].PageSlug
		}
		return r[i].ElementKey < r[j].ElementKey
	})
}

func truncateTop(r []models.TopClickResult, limit int) []models.TopClickResult {
	if n := clampLimit(limit); len(r) > n {
		return r[:n]
	}
	return r
}
