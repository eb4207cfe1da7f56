package model

import (
	"strconv"
	"strings"
)

// ResolvePath walks a decoded JSON value along a dotted property path and
// returns every value the path addresses. Plain segments address object
// keys; "seg[*]" fans out over array elements and "seg[2]" picks one. The
// second return reports whether the path existed at all.
func ResolvePath(value any, path string) ([]any, bool) {
	if path == "" {
		return []any{value}, true
	}
	current := []any{value}
	for _, seg := range strings.Split(path, ".") {
		name, accessors := splitAccessors(seg)
		var next []any
		for _, v := range current {
			obj, ok := v.(map[string]any)
			if !ok {
				continue
			}
			child, ok := obj[name]
			if !ok {
				continue
			}
			next = append(next, applyAccessors(child, accessors)...)
		}
		if len(next) == 0 {
			return nil, false
		}
		current = next
	}
	return current, true
}

// ResolveFirst returns the first value at path, or nil when absent.
func ResolveFirst(value any, path string) any {
	vals, ok := ResolvePath(value, path)
	if !ok || len(vals) == 0 {
		return nil
	}
	return vals[0]
}

func splitAccessors(seg string) (string, []string) {
	idx := strings.IndexByte(seg, '[')
	if idx < 0 {
		return seg, nil
	}
	name := seg[:idx]
	var accessors []string
	rest := seg[idx:]
	for strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			break
		}
		accessors = append(accessors, rest[1:end])
		rest = rest[end+1:]
	}
	return name, accessors
}

func applyAccessors(v any, accessors []string) []any {
	current := []any{v}
	for _, acc := range accessors {
		var next []any
		for _, c := range current {
			arr, ok := c.([]any)
			if !ok {
				continue
			}
			if acc == "*" {
				next = append(next, arr...)
				continue
			}
			if i, err := strconv.Atoi(acc); err == nil && i >= 0 && i < len(arr) {
				next = append(next, arr[i])
			}
		}
		current = next
	}
	return current
}
