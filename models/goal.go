package models

import "time"

// Goal is a named declarative rule on a page, unique by (page, name).
type Goal struct {
	ID        int64     `json:"id"`
	PageID    int64     `json:"pageId"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"isActive"`
	Rule      Payload   `json:"rule"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversion records that a session satisfied a goal. At most one exists per
// (goal, session).
type Conversion struct {
	ID         int64     `json:"id"`
	GoalID     int64     `json:"goalId"`
	SessionID  int64     `json:"sessionId"`
	OccurredAt time.Time `json:"occurredAt"`
	Details    Payload   `json:"details"`
}

// DayCount is one calendar-day bucket of a dashboard series.
type DayCount struct {
	Date  string `json:"date"`
	Count uint64 `json:"count"`
}

// PageStats is the per-page dashboard drilldown.
type PageStats struct {
	PageSlug      string           `json:"pageSlug"`
	Since         time.Time        `json:"since"`
	SessionsTotal uint64           `json:"sessionsTotal"`
	TopClicks     []TopClickResult `json:"topClicks"`
}
