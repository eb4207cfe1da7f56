package query

import "errors"

// All returns a query matching every node.
func All() *Query {
	return &Query{
		Parts:    []Part{{Term: &AllTerm{}}},
		Preamble: map[string]any{},
	}
}

// CombineWith appends other to q, fusing the boundary parts: when q's last
// part has no navigation its term is and-combined with other's first term,
// otherwise other's parts start a new pipeline stage. Neither input is
// mutated.
func (q *Query) CombineWith(other *Query) (*Query, error) {
	if other == nil || len(other.Parts) == 0 {
		return q.shallowCopy(), nil
	}
	if len(q.Parts) == 0 {
		return other.shallowCopy(), nil
	}

	out := q.shallowCopy()
	last := out.Parts[len(out.Parts)-1]
	first := other.Parts[0]

	if last.Nav == nil {
		if last.With != nil && first.With != nil {
			return nil, errors.New("cannot combine two with-clauses on one query part")
		}
		merged := Part{
			Term: &CombinedTerm{Left: last.Term, Op: "and", Right: first.Term},
			Nav:  first.Nav,
		}
		if merged.With = last.With; first.With != nil {
			merged.With = first.With
		}
		if merged.Tag = last.Tag; first.Tag != "" {
			merged.Tag = first.Tag
		}
		out.Parts[len(out.Parts)-1] = merged
		out.Parts = append(out.Parts, other.Parts[1:]...)
	} else {
		out.Parts = append(out.Parts, other.Parts...)
	}

	for k, v := range other.Preamble {
		out.Preamble[k] = v
	}
	if other.Aggregate != nil {
		if out.Aggregate != nil {
			return nil, errors.New("query already has an aggregation")
		}
		out.Aggregate = other.Aggregate
	}
	out.Sorts = append(out.Sorts, other.Sorts...)
	if other.Limit != nil {
		out.Limit = other.Limit
	}
	return out.Simplify(), nil
}

// AppendNavigation extends the pipeline with a traversal: it lands on the
// last part when that part has no navigation yet, otherwise it opens a new
// part matching everything.
func (q *Query) AppendNavigation(nav Navigation) *Query {
	out := q.shallowCopy()
	if len(out.Parts) == 0 {
		out.Parts = []Part{{Term: &AllTerm{}, Nav: &nav}}
		return out
	}
	last := len(out.Parts) - 1
	if out.Parts[last].Nav == nil {
		out.Parts[last].Nav = &nav
		return out
	}
	out.Parts = append(out.Parts, Part{Term: &AllTerm{}, Nav: &nav})
	return out
}

// WithAggregate attaches an aggregation; a query can carry only one.
func (q *Query) WithAggregate(agg *Aggregate) (*Query, error) {
	if q.Aggregate != nil {
		return nil, errors.New("query already has an aggregation")
	}
	out := q.shallowCopy()
	out.Aggregate = agg
	return out, nil
}

// WithLimit caps the result length, keeping an existing offset.
func (q *Query) WithLimit(length int) *Query {
	out := q.shallowCopy()
	offset := 0
	if out.Limit != nil {
		offset = out.Limit.Offset
	}
	out.Limit = &Limit{Offset: offset, Length: length}
	return out
}

// EnsureSort adds the given sort when the query has none, so limits yield
// a stable window.
func (q *Query) EnsureSort(s Sort) *Query {
	if len(q.Sorts) > 0 {
		return q
	}
	out := q.shallowCopy()
	out.Sorts = []Sort{s}
	return out
}
