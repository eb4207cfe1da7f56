package memory

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"sync"
)

// compareOp applies one predicate operator to a stored value and the
// (already coerced) query value.
func compareOp(have any, op string, want any) (bool, error) {
	switch op {
	case "=", "==":
		return equalValues(have, want), nil
	case "!=":
		return !equalValues(have, want), nil
	case "<", "<=", ">", ">=":
		c, ok := tryOrder(have, want)
		if !ok {
			return false, nil
		}
		switch op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case "~", "=~":
		return regexMatch(have, want)
	case "!~":
		ok, err := regexMatch(have, want)
		return !ok, err
	case "in":
		list, ok := want.([]any)
		if !ok {
			return false, fmt.Errorf("operator 'in' needs a list, got %T", want)
		}
		for _, item := range list {
			if equalValues(have, item) {
				return true, nil
			}
		}
		return false, nil
	case "not in":
		list, ok := want.([]any)
		if !ok {
			return false, fmt.Errorf("operator 'not in' needs a list, got %T", want)
		}
		for _, item := range list {
			if equalValues(have, item) {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

// equalValues compares loosely across numeric representations: 4, 4.0 and
// int64(4) are the same value.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
}

// tryOrder orders two values when they are comparable: numerically when
// both are numbers, lexicographically when both are strings.
func tryOrder(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// orderValues is tryOrder with a total order for sorting: nil sorts last,
// incomparable values fall back to their string rendering.
func orderValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	if c, ok := tryOrder(a, b); ok {
		return c
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

var (
	regexMu    sync.Mutex
	regexCache = map[string]*regexp.Regexp{}
)

func regexMatch(have, want any) (bool, error) {
	pattern, ok := want.(string)
	if !ok {
		return false, fmt.Errorf("regex operator needs a string pattern, got %T", want)
	}
	regexMu.Lock()
	re, ok := regexCache[pattern]
	regexMu.Unlock()
	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		regexMu.Lock()
		regexCache[pattern] = re
		regexMu.Unlock()
	}
	s, ok := have.(string)
	if !ok {
		if have == nil {
			return false, nil
		}
		s = fmt.Sprintf("%v", have)
	}
	return re.MatchString(s), nil
}

func anyInSubnet(vals []any, cidr string) (bool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return false, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}
