package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sections a property path may be qualified with.
var sections = map[string]bool{"reported": true, "desired": true, "metadata": true}

// StripSection removes a leading section qualifier from a path.
func StripSection(path string) string {
	head, rest, ok := strings.Cut(path, ".")
	if ok && sections[head] {
		return rest
	}
	return path
}

// KindByPath resolves a (possibly section-qualified) property path to a
// scalar kind name. Array accessors are ignored for resolution. Unknown
// paths resolve to "any" so ad-hoc properties stay queryable.
func (m *Model) KindByPath(path string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clean := stripAccessors(StripSection(path))
	if k, ok := m.paths[clean]; ok {
		return k
	}
	return KindAny
}

// stripAccessors drops array accessors: "a[*].b" -> "a.b", "a[3]" -> "a".
func stripAccessors(path string) string {
	if !strings.ContainsRune(path, '[') {
		return path
	}
	var b strings.Builder
	skip := false
	for _, r := range path {
		switch {
		case r == '[':
			skip = true
		case r == ']':
			skip = false
		case !skip:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Coerce adapts a predicate value to the kind at path. It is lenient where
// the conversion is unambiguous (numeric strings, integral floats) and
// returns a ValidationError otherwise. Values for "any" paths pass through.
func (m *Model) Coerce(path string, value any) (any, error) {
	kind := m.KindByPath(path)
	if kind == KindAny || strings.HasPrefix(kind, "dictionary[") || value == nil {
		return value, nil
	}
	if list, ok := value.([]any); ok {
		out := make([]any, len(list))
		for i, v := range list {
			c, err := m.coerceScalar(path, kind, v)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	}
	return m.coerceScalar(path, kind, value)
}

func (m *Model) coerceScalar(path, kind string, value any) (any, error) {
	fail := func() (any, error) {
		return nil, &ValidationError{Path: path, Msg: fmt.Sprintf("expected %s, got %v (%T)", kind, value, value)}
	}
	switch kind {
	case KindString:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fail()
	case KindInt32, KindInt64:
		switch v := value.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
			return fail()
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n, nil
			}
			return fail()
		}
		return fail()
	case KindFloat, KindDouble:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case int:
			return float64(v), nil
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, nil
			}
			return fail()
		}
		return fail()
	case KindBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b, nil
			}
			return fail()
		}
		return fail()
	case KindDatetime:
		if s, ok := value.(string); ok {
			if norm, ok := normalizeTime(s, time.RFC3339); ok {
				return norm, nil
			}
		}
		return fail()
	case KindDate:
		if s, ok := value.(string); ok {
			if norm, ok := normalizeTime(s, "2006-01-02"); ok {
				return norm, nil
			}
		}
		return fail()
	default:
		return value, nil
	}
}

// normalizeTime parses s against a set of accepted layouts and renders it
// back in the canonical layout so stored and queried values compare as
// strings.
func normalizeTime(s, canonical string) (string, bool) {
	layouts := []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(canonical), true
		}
	}
	return "", false
}
