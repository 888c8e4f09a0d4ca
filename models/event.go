// api/models/event.go
package models

import (
	"math"
	"time"
)

// EventType is the closed set of interaction kinds.
type EventType string

const (
	EventClick  EventType = "click"
	EventScroll EventType = "scroll"
	EventView   EventType = "view"
	EventInput  EventType = "input"
	EventCustom EventType = "custom"
)

// ParseEventType maps raw input onto the closed enumeration. Anything
// unrecognized becomes EventCustom.
func ParseEventType(raw string) EventType {
	switch t := EventType(raw); t {
	case EventClick, EventScroll, EventView, EventInput, EventCustom:
		return t
	default:
		return EventCustom
	}
}

// Maximum stored lengths, in characters.
const (
	MaxSessionKeyLen  = 64
	MaxElementKeyLen  = 200
	MaxCSSSelectorLen = 500
	MaxTextLen        = 300
	MaxReferrerLen    = 500
	MaxLandingURLLen  = 800
	MaxUserAgentLen   = 500
	MaxEventUIDLen    = 64
)

// Event is one immutable row of the raw interaction stream.
type Event struct {
	ID          int64     `json:"id"`
	UID         string    `json:"eventId"`
	SessionID   int64     `json:"sessionId"`
	PageID      int64     `json:"pageId"`
	Type        EventType `json:"eventType"`
	OccurredAt  time.Time `json:"occurredAt"`
	ElementKey  string    `json:"elementKey,omitempty"`
	CSSSelector string    `json:"cssSelector,omitempty"`
	Text        string    `json:"text,omitempty"`
	Data        Payload   `json:"data"`
}

// ScrollPct derives the scroll depth in percent (0-100) implied by a scroll
// event. An explicit scroll_pct wins over scrollY/maxScrollY.
func (e *Event) ScrollPct() (float64, bool) {
	if e.Type != EventScroll {
		return 0, false
	}
	if pct, ok := e.Data.Float("scroll_pct"); ok {
		return clampPct(pct), true
	}
	y, okY := e.Data.Float("scrollY")
	maxY, okMax := e.Data.Float("maxScrollY")
	if !okY || !okMax || maxY <= 0 {
		return 0, false
	}
	return clampPct(y / maxY * 100), true
}

// Snapshot returns the fields kept on a Conversion for audit.
func (e *Event) Snapshot() Payload {
	snap := Payload{
		"event_id":    e.UID,
		"event_type":  string(e.Type),
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if e.ElementKey != "" {
		snap["element_key"] = e.ElementKey
	}
	if e.CSSSelector != "" {
		snap["css_selector"] = e.CSSSelector
	}
	if e.Text != "" {
		snap["text"] = e.Text
	}
	if len(e.Data) > 0 {
		snap["data"] = e.Data.Clone()
	}
	return snap
}

func clampPct(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

// MirrorEvent is the denormalized row shipped to the ClickHouse analytics mirror.
type MirrorEvent struct {
	EventID    string    `json:"eventId"`
	EventType  string    `json:"eventType"`
	SessionKey string    `json:"sessionKey"`
	PageSlug   string    `json:"pageSlug"`
	Timestamp  time.Time `json:"timestamp"`
	ElementKey string    `json:"elementKey"`
	Referrer   string    `json:"referrer"`
	UserAgent  string    `json:"userAgent"`
	EventData  string    `json:"eventData"`
}

type TopClickResult struct {
	PageSlug   string `json:"pageSlug"`
	ElementKey string `json:"elementKey"`
	Count      uint64 `json:"count"`
}
