// Package rules evaluates declarative goal rules.
//
// A rule is stored as a JSON object. The flat form lists conditions that must
// all hold:
//
//	{"event_type": "click", "element_key": "hero_cta"}
//	{"event_type": "scroll", "min_scroll_pct": 75}
//	{"event_type": "custom", "event_name": "signup_submitted"}
//
// event_type is matched case-insensitively against the known event types;
// other string attributes are exact. The tagged form {"all": [rule, ...]}
// nests conjunctions. Parsing is total: anything it does not understand
// compiles to a rule that never matches.
package rules

import (
	"strconv"
	"strings"

	"pageinsight/api/models"
)

// Attribute fields compared by equality or substring.
const (
	FieldEventType   = "event_type"
	FieldElementKey  = "element_key"
	FieldCSSSelector = "css_selector"
	FieldText        = "text"
	FieldEventName   = "event_name"
)

// Session metrics compared by threshold.
const (
	MetricMaxScrollPct = "max_scroll_pct"
	MetricDurationMs   = "duration_ms"
)

// Keys recognised in the flat form besides the attribute fields.
const (
	keyAll           = "all"
	keyTextContains  = "text_contains"
	keyMinScrollPct  = "min_scroll_pct"
	keyMinDurationMs = "min_duration_ms"
)

// Facts is what a rule is evaluated against: the triggering event's attributes
// and the session metrics as updated by that event.
type Facts struct {
	EventType    models.EventType
	ElementKey   string
	CSSSelector  string
	Text         string
	EventName    string
	MaxScrollPct float64
	DurationMs   int64
}

func (f Facts) field(name string) (string, bool) {
	switch name {
	case FieldEventType:
		return string(f.EventType), true
	case FieldElementKey:
		return f.ElementKey, true
	case FieldCSSSelector:
		return f.CSSSelector, true
	case FieldText:
		return f.Text, true
	case FieldEventName:
		return f.EventName, true
	default:
		return "", false
	}
}

func (f Facts) metric(name string) (float64, bool) {
	switch name {
	case MetricMaxScrollPct:
		return f.MaxScrollPct, true
	case MetricDurationMs:
		return float64(f.DurationMs), true
	default:
		return 0, false
	}
}

// Rule is a compiled goal predicate.
type Rule interface {
	Match(Facts) bool
}

// Equals holds when the named attribute equals Value exactly (case-sensitive).
type Equals struct {
	Field string
	Value string
}

func (r Equals) Match(f Facts) bool {
	v, ok := f.field(r.Field)
	return ok && v == r.Value
}

// Contains holds when the named attribute contains Value.
type Contains struct {
	Field string
	Value string
}

func (r Contains) Match(f Facts) bool {
	v, ok := f.field(r.Field)
	return ok && r.Value != "" && strings.Contains(v, r.Value)
}

// Threshold holds when the named session metric is >= Min.
type Threshold struct {
	Metric string
	Min    float64
}

func (r Threshold) Match(f Facts) bool {
	v, ok := f.metric(r.Metric)
	return ok && v >= r.Min
}

// All holds when every member holds. An empty All never holds.
type All []Rule

func (r All) Match(f Facts) bool {
	if len(r) == 0 {
		return false
	}
	for _, sub := range r {
		if !sub.Match(f) {
			return false
		}
	}
	return true
}

// Never is the compiled form of anything malformed.
type Never struct {
	Reason string
}

func (Never) Match(Facts) bool { return false }

// Compile turns a stored rule into a Rule. It never fails; malformed input
// yields Never with a reason suitable for logging.
func Compile(raw models.Payload) Rule {
	if len(raw) == 0 {
		return Never{Reason: "empty rule"}
	}
	if nested, ok := raw[keyAll]; ok {
		if len(raw) != 1 {
			return Never{Reason: `"all" must be the only key`}
		}
		return compileAll(nested)
	}

	conds := make(All, 0, len(raw))
	for key, value := range raw {
		cond := compileCondition(key, value)
		if never, ok := cond.(Never); ok {
			return never
		}
		conds = append(conds, cond)
	}
	return conds
}

func compileAll(v any) Rule {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return Never{Reason: `"all" must be a non-empty list`}
	}
	out := make(All, 0, len(items))
	for _, item := range items {
		obj, ok := asPayload(item)
		if !ok {
			return Never{Reason: `"all" members must be objects`}
		}
		sub := Compile(obj)
		if never, ok := sub.(Never); ok {
			return never
		}
		out = append(out, sub)
	}
	return out
}

func compileCondition(key string, value any) Rule {
	switch key {
	case FieldEventType:
		s, ok := value.(string)
		if !ok {
			return Never{Reason: key + " must be a string"}
		}
		// Normalized the way ingestion normalizes event types.
		s = strings.ToLower(strings.TrimSpace(s))
		if string(models.ParseEventType(s)) != s {
			return Never{Reason: "unknown event_type " + strconv.Quote(s)}
		}
		return Equals{Field: key, Value: s}
	case FieldElementKey, FieldCSSSelector, FieldText, FieldEventName:
		s, ok := value.(string)
		if !ok {
			return Never{Reason: key + " must be a string"}
		}
		return Equals{Field: key, Value: s}
	case keyTextContains:
		s, ok := value.(string)
		if !ok || s == "" {
			return Never{Reason: key + " must be a non-empty string"}
		}
		return Contains{Field: FieldText, Value: s}
	case keyMinScrollPct:
		n, ok := models.Payload{key: value}.Float(key)
		if !ok {
			return Never{Reason: key + " must be a number"}
		}
		return Threshold{Metric: MetricMaxScrollPct, Min: n}
	case keyMinDurationMs:
		n, ok := models.Payload{key: value}.Float(key)
		if !ok {
			return Never{Reason: key + " must be a number"}
		}
		return Threshold{Metric: MetricDurationMs, Min: n}
	default:
		return Never{Reason: "unknown key " + key}
	}
}

func asPayload(v any) (models.Payload, bool) {
	switch obj := v.(type) {
	case map[string]any:
		return models.Payload(obj), true
	case models.Payload:
		return obj, true
	default:
		return nil, false
	}
}
