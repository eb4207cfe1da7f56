package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"
)

// HashReported computes the content hash of a reported section: xxh3-128
// over the canonical (sorted-key) rendering, hex encoded. Collectors and
// the core must agree on this so unchanged resources produce no updates.
func HashReported(reported json.RawMessage) string {
	canon, err := CanonicalJSON(reported)
	if err != nil {
		// Not canonicalizable means not valid JSON; hash the raw bytes so
		// the value still gets a stable identity.
		canon = reported
	}
	sum := xxh3.Hash128(canon).Bytes()
	return fmt.Sprintf("%x", sum)
}

// HashValue hashes an arbitrary decoded value the same way.
func HashValue(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", v))
	}
	return HashReported(raw)
}

// CanonicalJSON re-renders raw with object keys sorted and insignificant
// whitespace removed. encoding/json already sorts map keys on marshal, so
// a decode/encode pass is canonical.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	var v any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// SearchString flattens a node into one lowercase string of its id, kinds
// and every scalar in the reported section, for substring search.
func SearchString(n *Node) string {
	parts := []string{n.ID}
	parts = append(parts, n.Kinds...)

	var reported any
	if err := json.Unmarshal(n.Reported, &reported); err == nil {
		parts = appendScalars(parts, reported)
	}

	seen := map[string]bool{}
	out := parts[:0]
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out[1:]) // keep the id first, the rest ordered for stable output
	return strings.Join(out, " ")
}

func appendScalars(parts []string, v any) []string {
	switch t := v.(type) {
	case string:
		return append(parts, t)
	case float64:
		return append(parts, trimNumber(t))
	case bool:
		if t {
			return append(parts, "true")
		}
		return append(parts, "false")
	case []any:
		for _, e := range t {
			parts = appendScalars(parts, e)
		}
		return parts
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = appendScalars(parts, t[k])
		}
		return parts
	default:
		return parts
	}
}

func trimNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
