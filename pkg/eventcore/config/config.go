package config

import (
	"strings"
	"time"
)

// Config wraps a decoded YAML/JSON document for typed value extraction.
// Keys may be dotted paths ("retry.max_attempts") that walk nested maps.
// Accessors return the default when a key is missing or has the wrong type.
type Config struct {
	data map[string]any
}

// New creates a Config from the given map.
// If data is nil, an empty Config is returned.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

// lookup resolves a dotted key. A literal key containing dots wins over
// the nested path.
func (c Config) lookup(key string) (any, bool) {
	if v, ok := c.data[key]; ok {
		return v, true
	}

	parts := strings.Split(key, ".")
	cur := c.data
	for i, part := range parts {
		v, ok := cur[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := asMap(v)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Config:
		return m.data, true
	}
	return nil, false
}

// Section returns the nested map at key as a Config. A missing or
// non-map value yields an empty Config.
func (c Config) Section(key string) Config {
	v, ok := c.lookup(key)
	if !ok {
		return New(nil)
	}
	m, ok := asMap(v)
	if !ok {
		return New(nil)
	}
	return New(m)
}

// String returns the string value for key, or defaultVal.
func (c Config) String(key, defaultVal string) string {
	if s, ok := c.stringValue(key); ok {
		return s
	}
	return defaultVal
}

func (c Config) stringValue(key string) (string, bool) {
	v, ok := c.lookup(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Duration returns the duration value for key, or defaultVal.
//
// Accepts:
//   - string: parsed with time.ParseDuration
//   - int, int64, float64: interpreted as milliseconds
//   - time.Duration: used directly
func (c Config) Duration(key string, defaultVal time.Duration) time.Duration {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	case int:
		return time.Duration(val) * time.Millisecond
	case int64:
		return time.Duration(val) * time.Millisecond
	case float64:
		return time.Duration(val * float64(time.Millisecond))
	case time.Duration:
		return val
	}
	return defaultVal
}

// Bool returns the boolean value for key, or defaultVal.
func (c Config) Bool(key string, defaultVal bool) bool {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return defaultVal
}

// Int returns the integer value for key, or defaultVal.
// A float64 is accepted only when it has no fractional part.
func (c Config) Int(key string, defaultVal int) int {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	}
	return defaultVal
}

// Float returns the float64 value for key, or defaultVal.
func (c Config) Float(key string, defaultVal float64) float64 {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	}
	return defaultVal
}

// StringSlice returns the string slice for key, or defaultVal if missing
// or if any element is not a string.
func (c Config) StringSlice(key string, defaultVal []string) []string {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return defaultVal
			}
			out = append(out, s)
		}
		return out
	}
	return defaultVal
}

// Has reports whether key resolves to a value.
func (c Config) Has(key string) bool {
	_, ok := c.lookup(key)
	return ok
}

// Raw returns the underlying map. It should not be modified.
func (c Config) Raw() map[string]any {
	return c.data
}
