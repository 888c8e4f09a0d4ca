package models

import "time"

// VisitSession is one browsing session on one page. VariantID is a weak
// reference: it may be nil from the start or cleared when the variant is deleted.
type VisitSession struct {
	ID         int64      `json:"id"`
	SessionKey string     `json:"sessionKey"`
	PageID     int64      `json:"pageId"`
	VariantID  *int64     `json:"variantId,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Referrer   string     `json:"referrer,omitempty"`
	LandingURL string     `json:"landingUrl,omitempty"`
	UTM        Payload    `json:"utm"`
	UserAgent  string     `json:"userAgent,omitempty"`
	IPHash     string     `json:"-"`
	Viewport   Payload    `json:"viewport"`
}

// SessionSummary holds the incrementally maintained per-session rollups.
type SessionSummary struct {
	SessionID    int64              `json:"sessionId"`
	DurationMs   int64              `json:"durationMs"`
	MaxScrollPct float64            `json:"maxScrollPct"`
	Clicks       int64              `json:"clicks"`
	Rollup       map[string]float64 `json:"rollup"`
	ComputedAt   time.Time          `json:"computedAt"`
}

// SummaryDelta is the contribution of one event to a SessionSummary.
// Max fields merge with max, counters and rollup values merge additively.
type SummaryDelta struct {
	DurationMs int64
	ScrollPct  float64
	Clicks     int64
	Rollup     map[string]float64
}

// Apply folds the delta into s. Fields never decrease.
func (s *SessionSummary) Apply(d SummaryDelta) {
	if d.DurationMs > s.DurationMs {
		s.DurationMs = d.DurationMs
	}
	if d.ScrollPct > s.MaxScrollPct {
		s.MaxScrollPct = d.ScrollPct
	}
	if d.Clicks > 0 {
		s.Clicks += d.Clicks
	}
	if len(d.Rollup) > 0 && s.Rollup == nil {
		s.Rollup = make(map[string]float64, len(d.Rollup))
	}
	for k, v := range d.Rollup {
		s.Rollup[k] += v
	}
}
