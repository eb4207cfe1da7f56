package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *Query {
	t.Helper()
	q, err := Parse(raw)
	require.NoError(t, err, "query: %s", raw)
	return q
}

func TestParsePredicate(t *testing.T) {
	q := mustParse(t, "reported.instance_cores > 4")
	require.Len(t, q.Parts, 1)
	pred, ok := q.Parts[0].Term.(*Predicate)
	require.True(t, ok)
	assert.Equal(t, "reported.instance_cores", pred.Name)
	assert.Equal(t, ">", pred.Op)
	assert.Equal(t, int64(4), pred.Value)
}

func TestParseOperators(t *testing.T) {
	cases := map[string]string{
		"a = 1":              "=",
		"a == 1":             "==",
		"a != 1":             "!=",
		"a < 1":              "<",
		"a <= 1":             "<=",
		"a >= 1":             ">=",
		"a ~ foo":            "~",
		"a =~ foo":           "=~",
		"a !~ foo":           "!~",
		"a in [1, 2]":        "in",
		"a not in [1, 2, 3]": "not in",
	}
	for raw, op := range cases {
		q := mustParse(t, raw)
		pred := q.Parts[0].Term.(*Predicate)
		assert.Equal(t, op, pred.Op, "query: %s", raw)
	}
}

func TestParseIsIdAll(t *testing.T) {
	q := mustParse(t, "is(instance)")
	assert.Equal(t, &IsKind{Kind: "instance"}, q.Parts[0].Term)

	q = mustParse(t, `id("i-123")`)
	assert.Equal(t, &ById{ID: "i-123"}, q.Parts[0].Term)

	q = mustParse(t, "id(i-123)")
	assert.Equal(t, &ById{ID: "i-123"}, q.Parts[0].Term)

	q = mustParse(t, "all")
	assert.Equal(t, &AllTerm{}, q.Parts[0].Term)
}

func TestParseCombined(t *testing.T) {
	q := mustParse(t, "is(instance) and reported.cores > 2 or is(volume)")
	or, ok := q.Parts[0].Term.(*CombinedTerm)
	require.True(t, ok)
	assert.Equal(t, "or", or.Op, "and binds tighter than or")
	and, ok := or.Left.(*CombinedTerm)
	require.True(t, ok)
	assert.Equal(t, "and", and.Op)

	q = mustParse(t, "is(instance) and (a = 1 or b = 2)")
	and = q.Parts[0].Term.(*CombinedTerm)
	assert.Equal(t, "and", and.Op)
	_, ok = and.Right.(*CombinedTerm)
	assert.True(t, ok)
}

func TestParseFunctionTerm(t *testing.T) {
	q := mustParse(t, `in_subnet(reported.private_ip, "10.0.0.0/8")`)
	fn, ok := q.Parts[0].Term.(*FunctionTerm)
	require.True(t, ok)
	assert.Equal(t, "in_subnet", fn.Fn)
	assert.Equal(t, "reported.private_ip", fn.Name)
	assert.Equal(t, []any{"10.0.0.0/8"}, fn.Args)

	q = mustParse(t, "has_key(reported.tags, owner)")
	fn = q.Parts[0].Term.(*FunctionTerm)
	assert.Equal(t, "has_key", fn.Fn)
	assert.Equal(t, []any{"owner"}, fn.Args)
}

func TestParseNavigation(t *testing.T) {
	cases := []struct {
		raw string
		nav Navigation
	}{
		{"all -->", Navigation{Start: 1, Until: 1, Direction: DirectionOut}},
		{"all <--", Navigation{Start: 1, Until: 1, Direction: DirectionIn}},
		{"all <-->", Navigation{Start: 1, Until: 1, Direction: DirectionInOut}},
		{"all -[2:4]->", Navigation{Start: 2, Until: 4, Direction: DirectionOut}},
		{"all -[0:]->", Navigation{Start: 0, Until: MaxDepth, Direction: DirectionOut}},
		{"all <-[1:3]-", Navigation{Start: 1, Until: 3, Direction: DirectionIn}},
		{"all -[1:1]delete->", Navigation{Start: 1, Until: 1, EdgeType: "delete", Direction: DirectionOut}},
		{"all <-[0..2]->", Navigation{Start: 0, Until: 2, Direction: DirectionInOut}},
		{"all -[1,2]->", Navigation{Start: 1, Until: 2, Direction: DirectionOut}},
	}
	for _, tc := range cases {
		q := mustParse(t, tc.raw)
		require.NotNil(t, q.Parts[0].Nav, "query: %s", tc.raw)
		assert.Equal(t, tc.nav, *q.Parts[0].Nav, "query: %s", tc.raw)
	}

	_, err := Parse("all -[4:2]->")
	assert.Error(t, err, "depth end before start")
}

func TestParseMultipleParts(t *testing.T) {
	q := mustParse(t, "is(account) --> is(region) --> is(instance)")
	require.Len(t, q.Parts, 3)
	assert.NotNil(t, q.Parts[0].Nav)
	assert.NotNil(t, q.Parts[1].Nav)
	assert.Nil(t, q.Parts[2].Nav)
}

func TestParseWithClause(t *testing.T) {
	q := mustParse(t, "is(region) with(empty, --> is(instance))")
	w := q.Parts[0].With
	require.NotNil(t, w)
	assert.Equal(t, WithFilterEmpty(), w.Filter)
	assert.Equal(t, DirectionOut, w.Nav.Direction)
	assert.Equal(t, &IsKind{Kind: "instance"}, w.Term)

	q = mustParse(t, "is(vpc) with(count > 2, --> is(subnet) with(any, --> is(instance)))")
	w = q.Parts[0].With
	require.NotNil(t, w)
	assert.Equal(t, WithClauseFilter{Op: ">", Num: 2}, w.Filter)
	require.NotNil(t, w.Inner)
	assert.Equal(t, WithFilterAny(), w.Inner.Filter)
}

func TestParseTag(t *testing.T) {
	q := mustParse(t, "is(instance) #compute --> is(volume)")
	assert.Equal(t, "compute", q.Parts[0].Tag)
	assert.True(t, q.Parts[0].Pinned())
	assert.False(t, q.Parts[1].Pinned())
}

func TestParseSortLimit(t *testing.T) {
	q := mustParse(t, "is(instance) sort reported.name desc, reported.age limit 10")
	require.Len(t, q.Sorts, 2)
	assert.Equal(t, Sort{Name: "reported.name", Order: SortDesc}, q.Sorts[0])
	assert.Equal(t, Sort{Name: "reported.age", Order: SortAsc}, q.Sorts[1])
	require.NotNil(t, q.Limit)
	assert.Equal(t, Limit{Length: 10}, *q.Limit)

	q = mustParse(t, "all limit 5, 20")
	assert.Equal(t, Limit{Offset: 5, Length: 20}, *q.Limit)
}

func TestParseAggregate(t *testing.T) {
	q := mustParse(t, "aggregate(reported.kind as kind: sum(1) as count, max(reported.cores)): is(instance)")
	require.NotNil(t, q.Aggregate)
	require.Len(t, q.Aggregate.GroupBy, 1)
	assert.Equal(t, AggregateVariable{Name: "reported.kind", As: "kind"}, q.Aggregate.GroupBy[0])
	require.Len(t, q.Aggregate.Funcs, 2)
	assert.Equal(t, "sum", q.Aggregate.Funcs[0].Fn)
	assert.Equal(t, int64(1), q.Aggregate.Funcs[0].Name)
	assert.Equal(t, "count", q.Aggregate.Funcs[0].As)
	assert.Equal(t, "max", q.Aggregate.Funcs[1].Fn)

	q = mustParse(t, "aggregate(sum(reported.volume_size * 3)): is(volume)")
	f := q.Aggregate.Funcs[0]
	require.Len(t, f.Ops, 1)
	assert.Equal(t, AggregateOp{Op: "*", Value: 3}, f.Ops[0])
}

func TestParseSectionPreamble(t *testing.T) {
	q, err := Parse("desired: clean = true")
	require.NoError(t, err)
	pred := q.Parts[0].Term.(*Predicate)
	assert.Equal(t, "desired.clean", pred.Name)

	// outer section context, overridden by the query's own preamble
	q, err = ParseWithSection("metadata: protected = true", "reported")
	require.NoError(t, err)
	pred = q.Parts[0].Term.(*Predicate)
	assert.Equal(t, "metadata.protected", pred.Name)

	// outer section applies when the query carries none
	q, err = ParseWithSection("cores > 2", "reported")
	require.NoError(t, err)
	pred = q.Parts[0].Term.(*Predicate)
	assert.Equal(t, "reported.cores", pred.Name)

	// already-qualified paths stay untouched
	q, err = ParseWithSection("metadata.protected = true", "reported")
	require.NoError(t, err)
	pred = q.Parts[0].Term.(*Predicate)
	assert.Equal(t, "metadata.protected", pred.Name)
}

func TestParsePreambleParams(t *testing.T) {
	q := mustParse(t, `(merge_with_ancestors="cloud,account"): is(instance)`)
	assert.Equal(t, "cloud,account", q.Preamble["merge_with_ancestors"])

	q = mustParse(t, "(edge_type=delete): is(instance) -->")
	assert.Equal(t, "delete", q.Parts[0].Nav.EdgeType, "navigation inherits the preamble edge type")

	q = mustParse(t, "(edge_type=delete): is(instance) -[1:1]default->")
	assert.Equal(t, "default", q.Parts[0].Nav.EdgeType, "explicit edge type wins")
}

func TestParseErrors(t *testing.T) {
	for _, raw := range []string{
		"",
		"is(instance",
		"a >",
		"all sort",
		"is(instance) trailing junk (",
		"aggregate(sum(1): is(node)",
		"all limit -3",
	} {
		_, err := Parse(raw)
		assert.Error(t, err, "query: %s", raw)
	}
}

func TestParseQuotedPath(t *testing.T) {
	q := mustParse(t, "reported.tags.`aws:cloudformation:stack-id` != null")
	pred := q.Parts[0].Term.(*Predicate)
	assert.Equal(t, "reported.tags.aws:cloudformation:stack-id", pred.Name)
}

func TestParseArrayAccessPredicate(t *testing.T) {
	q := mustParse(t, "reported.addresses[*].ip = \"1.2.3.4\"")
	pred := q.Parts[0].Term.(*Predicate)
	assert.Equal(t, "reported.addresses[*].ip", pred.Name)
	assert.Equal(t, map[string]any{"filter": "any"}, pred.Args)
}

// Round-trip: rendering a parsed query must reparse to an equal AST.
func TestStringRoundTrip(t *testing.T) {
	queries := []string{
		"all",
		"is(instance)",
		`id("i-1")`,
		"reported.cores > 4",
		"is(instance) and reported.cores > 4",
		"(a = 1 or b = 2) and is(volume)",
		`in_subnet(reported.ip, "10.0.0.0/8")`,
		"is(account) --> is(region) -[0:]-> all",
		"is(region) with(empty, --> is(instance))",
		"is(vpc) with(count >= 2, <-[1:3]- is(subnet) with(any, -->))",
		"is(instance) #compute --> is(volume)",
		"is(instance) sort reported.name desc limit 10",
		"all limit 5, 20",
		"aggregate(reported.kind: sum(1) as count): is(instance)",
		"aggregate(sum(reported.size * 3) as total): is(volume)",
		"desired: clean = true",
		"(edge_type=delete): all -->",
		"reported.tags.`aws:foo` != null",
		"a in [1, 2, 3]",
		"a not in [\"x\", \"y\"]",
	}
	for _, raw := range queries {
		first := mustParse(t, raw)
		second, err := Parse(first.String())
		require.NoError(t, err, "rendered: %s", first.String())
		assert.Equal(t, first.Simplify(), second.Simplify(), "query: %s rendered: %s", raw, first.String())
	}
}

func TestCachingParser(t *testing.T) {
	p, err := NewCachingParser(16)
	require.NoError(t, err)

	a, err := p.Parse("is(instance)", "")
	require.NoError(t, err)
	b, err := p.Parse("is(instance)", "")
	require.NoError(t, err)
	assert.Same(t, a, b, "repeat parse is served from cache")

	c, err := p.Parse("cores > 1", "reported")
	require.NoError(t, err)
	d, err := p.Parse("cores > 1", "desired")
	require.NoError(t, err)
	assert.NotEqual(t, c.String(), d.String(), "section is part of the cache key")

	_, err = p.Parse("not a query (", "")
	assert.Error(t, err)
}
