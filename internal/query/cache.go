package query

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// CachingParser memoizes parse results. Queries arrive repeatedly from
// scheduled jobs and dashboards, so a small LRU removes most of the parse
// work from the hot path. Cached queries are treated as immutable by all
// callers; anything that rewrites a query copies first.
type CachingParser struct {
	cache *lru.Cache[cacheKey, *Query]
}

type cacheKey struct {
	raw     string
	section string
}

// NewCachingParser builds a parser cache with the given capacity.
func NewCachingParser(size int) (*CachingParser, error) {
	cache, err := lru.New[cacheKey, *Query](size)
	if err != nil {
		return nil, err
	}
	return &CachingParser{cache: cache}, nil
}

// Parse parses raw with the given default section, serving repeats from
// the cache. Errors are not cached; malformed queries are rare and cheap
// to re-reject.
func (c *CachingParser) Parse(raw, section string) (*Query, error) {
	key := cacheKey{raw: raw, section: section}
	if q, ok := c.cache.Get(key); ok {
		return q, nil
	}
	q, err := ParseWithSection(raw, section)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, q)
	return q, nil
}
