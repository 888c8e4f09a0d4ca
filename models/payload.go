package models

import (
	"encoding/json"
	"math"
	"strconv"
)

// Payload is the open key-value map carried by events, goal rules, UTM data and
// rollups. Values are whatever a JSON decoder produces; the accessors below give
// typed reads by key name.
type Payload map[string]any

// String returns the value under key when it is a string.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Float returns the value under key as a float64. Numeric strings and
// json.Number values are accepted; NaN and Inf are not.
func (p Payload) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Bool returns the value under key when it is a bool or a "true"/"false" string.
func (p Payload) Bool(key string) (bool, bool) {
	switch v := p[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	default:
		return false, false
	}
}

// Map returns the nested object under key.
func (p Payload) Map(key string) (Payload, bool) {
	switch v := p[key].(type) {
	case map[string]any:
		return Payload(v), true
	case Payload:
		return v, true
	default:
		return nil, false
	}
}

// Numbers returns every numeric value of the payload keyed by name; non-numeric
// entries are skipped.
func (p Payload) Numbers() map[string]float64 {
	out := make(map[string]float64, len(p))
	for k, v := range p {
		if f, ok := toFloat(v); ok {
			out[k] = f
		}
	}
	return out
}

// Clone returns a shallow copy. A nil payload clones to an empty one.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
