package config

import (
	"encoding/json"
	"math"
	"time"
)

// Config is a read-only view over a decoded YAML or JSON mapping, typically
// the original parameters of a run. Accessors fall back to their default
// when a key is absent or holds an incompatible value.
type Config struct {
	data map[string]any
}

// New wraps data. A nil map behaves as empty.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

// String reads a string.
func (c Config) String(key, defaultVal string) string {
	if s, ok := c.data[key].(string); ok {
		return s
	}
	return defaultVal
}

// Duration reads "90s"-style strings, plain numbers as seconds, and
// time.Duration values.
func (c Config) Duration(key string, defaultVal time.Duration) time.Duration {
	v := c.data[key]
	if d, ok := v.(time.Duration); ok {
		return d
	}
	if text, ok := v.(string); ok {
		d, err := time.ParseDuration(text)
		if err != nil {
			return defaultVal
		}
		return d
	}
	if secs, ok := toFloat(v); ok {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultVal
}

// Bool reads a bool.
func (c Config) Bool(key string, defaultVal bool) bool {
	if b, ok := c.data[key].(bool); ok {
		return b
	}
	return defaultVal
}

// Int reads an integer. JSON numbers arrive as float64 and are accepted
// only without a fractional part.
func (c Config) Int(key string, defaultVal int) int {
	if n, ok := ToInt(c.data[key]); ok {
		return n
	}
	return defaultVal
}

// Float reads any number as float64.
func (c Config) Float(key string, defaultVal float64) float64 {
	if f, ok := toFloat(c.data[key]); ok {
		return f
	}
	return defaultVal
}

// StringSlice reads a list whose items are all strings.
func (c Config) StringSlice(key string, defaultVal []string) []string {
	items, ok := c.data[key].([]any)
	if !ok {
		if strs, ok := c.data[key].([]string); ok {
			return strs
		}
		return defaultVal
	}
	out := make([]string, len(items))
	for i, item := range items {
		if out[i], ok = item.(string); !ok {
			return defaultVal
		}
	}
	return out
}

// Sub returns the nested mapping under key as a Config.
// A missing or non-mapping value yields an empty Config.
func (c Config) Sub(key string) Config {
	if m, ok := AsMap(c.data[key]); ok {
		return New(m)
	}
	return New(nil)
}

// Any returns the undecoded value.
func (c Config) Any(key string, defaultVal any) any {
	if v, ok := c.data[key]; ok {
		return v
	}
	return defaultVal
}

// Has reports whether key is present, even with a null value.
func (c Config) Has(key string) bool {
	_, ok := c.data[key]
	return ok
}

// Len returns the number of top-level keys.
func (c Config) Len() int {
	return len(c.data)
}

// Raw exposes the wrapped map. Callers must not mutate it.
func (c Config) Raw() map[string]any {
	return c.data
}

// AsMap converts decoded JSON or YAML mappings to map[string]any.
// yaml.v3 decodes nested mappings with string keys, but older YAML
// libraries and hand-built values can carry map[any]any.
func AsMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Config:
		return m.data, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}

// ToInt converts a decoded number to int. Floats convert only when
// integral and in range.
func ToInt(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int32:
		return int(val), true
	case int64:
		return int(val), true
	case uint64:
		if val <= math.MaxInt {
			return int(val), true
		}
	case float64:
		if val == math.Trunc(val) && val >= math.MinInt && val < math.MaxInt {
			return int(val), true
		}
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}
