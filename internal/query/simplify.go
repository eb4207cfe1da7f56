package query

// Simplify returns an equivalent query with boolean identities folded and
// duplicate sorts removed: "all" is the identity of "and" and absorbs
// "or", nested combined terms collapse accordingly, and only the first
// sort per path survives.
func (q *Query) Simplify() *Query {
	out := q.shallowCopy()
	for i := range out.Parts {
		out.Parts[i].Term = simplifyTerm(out.Parts[i].Term)
		if out.Parts[i].With != nil {
			out.Parts[i].With = simplifyWith(out.Parts[i].With)
		}
	}
	out.Sorts = dedupeSorts(out.Sorts)
	return out
}

func (q *Query) shallowCopy() *Query {
	out := &Query{
		Aggregate: q.Aggregate,
		Limit:     q.Limit,
		Preamble:  map[string]any{},
	}
	out.Parts = append([]Part(nil), q.Parts...)
	out.Sorts = append([]Sort(nil), q.Sorts...)
	for k, v := range q.Preamble {
		out.Preamble[k] = v
	}
	return out
}

func simplifyTerm(t Term) Term {
	combined, ok := t.(*CombinedTerm)
	if !ok {
		return t
	}
	left := simplifyTerm(combined.Left)
	right := simplifyTerm(combined.Right)
	_, leftAll := left.(*AllTerm)
	_, rightAll := right.(*AllTerm)
	switch combined.Op {
	case "and":
		if leftAll {
			return right
		}
		if rightAll {
			return left
		}
	case "or":
		if leftAll || rightAll {
			return &AllTerm{}
		}
	}
	if left == combined.Left && right == combined.Right {
		return combined
	}
	return &CombinedTerm{Left: left, Op: combined.Op, Right: right}
}

func simplifyWith(w *WithClause) *WithClause {
	out := &WithClause{Filter: w.Filter, Nav: w.Nav}
	if w.Term != nil {
		term := simplifyTerm(w.Term)
		if _, all := term.(*AllTerm); !all {
			out.Term = term
		}
	}
	if w.Inner != nil {
		out.Inner = simplifyWith(w.Inner)
	}
	return out
}

func dedupeSorts(sorts []Sort) []Sort {
	if len(sorts) < 2 {
		return sorts
	}
	seen := map[string]bool{}
	out := sorts[:0:0]
	for _, s := range sorts {
		if seen[s.Name] {
			continue
		}
		seen[s.Name] = true
		out = append(out, s)
	}
	return out
}
