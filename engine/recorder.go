package engine

import (
	"context"
	"strings"

	"pageinsight/api/models"
	"pageinsight/api/utils"
)

type valueKind int

const (
	kindNumber valueKind = iota
	kindBool
	kindString
)

// knownKeys are the per-type payload keys coerced at the boundary so rules
// and the aggregator can rely on typed reads. Other keys pass through as sent.
var knownKeys = map[models.EventType]map[string]valueKind{
	models.EventClick: {
		"x":      kindNumber,
		"y":      kindNumber,
		"button": kindNumber,
	},
	models.EventScroll: {
		"scrollY":    kindNumber,
		"maxScrollY": kindNumber,
		"scroll_pct": kindNumber,
	},
	models.EventView: {
		"visible":     kindBool,
		"duration_ms": kindNumber,
	},
	models.EventInput: {
		"length": kindNumber,
	},
	models.EventCustom: {
		"name": kindString,
	},
}

// persistEvent stores the event and reports whether it was a redelivery. On
// a redelivery the returned event is the one stored first.
func (e *Engine) persistEvent(ctx context.Context, sess *models.VisitSession, in Input) (*models.Event, bool, error) {
	uid := utils.Truncate(strings.TrimSpace(in.EventID), models.MaxEventUIDLen)
	if uid == "" {
		uid = NewEventID()
	}
	typ := models.ParseEventType(strings.ToLower(strings.TrimSpace(in.EventType)))

	ev := &models.Event{
		UID:         uid,
		SessionID:   sess.ID,
		PageID:      sess.PageID,
		Type:        typ,
		OccurredAt:  in.OccurredAt.UTC(),
		ElementKey:  utils.Truncate(in.ElementKey, models.MaxElementKeyLen),
		CSSSelector: utils.Truncate(in.CSSSelector, models.MaxCSSSelectorLen),
		Text:        utils.Truncate(in.Text, models.MaxTextLen),
		Data:        normalizePayload(typ, in.Payload),
	}

	inserted, err := e.store.InsertEvent(ctx, ev)
	if err != nil {
		return nil, false, err
	}
	return ev, !inserted, nil
}

// normalizePayload returns a copy of p with the known keys of typ coerced to
// their kind. Values that cannot be coerced are dropped.
func normalizePayload(typ models.EventType, p models.Payload) models.Payload {
	out := p.Clone()
	for key, kind := range knownKeys[typ] {
		if _, present := out[key]; !present {
			continue
		}
		switch kind {
		case kindNumber:
			if f, ok := out.Float(key); ok {
				out[key] = f
			} else {
				delete(out, key)
			}
		case kindBool:
			if b, ok := out.Bool(key); ok {
				out[key] = b
			} else {
				delete(out, key)
			}
		case kindString:
			if s, ok := out.String(key); ok {
				out[key] = utils.Truncate(s, models.MaxTextLen)
			} else {
				delete(out, key)
			}
		}
	}
	return out
}
