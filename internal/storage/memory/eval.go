package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/corekeeper/ckcore/internal/graph"
	"github.com/corekeeper/ckcore/internal/model"
	"github.com/corekeeper/ckcore/internal/query"
)

// evaluator runs a query AST against one graph store. It mirrors the part
// pipeline the backend translator produces: each part filters the current
// row set and optionally expands it with a traversal; tagged parts are
// pinned into the final result.
type evaluator struct {
	gs   *graphStore
	m    *model.Model
	docs map[string]map[string]any
	out  map[graph.EdgeType]map[string][]string
	in   map[graph.EdgeType]map[string][]string
}

func newEvaluator(gs *graphStore, m *model.Model) *evaluator {
	if m == nil {
		m = model.Default()
	}
	ev := &evaluator{
		gs:   gs,
		m:    m,
		docs: map[string]map[string]any{},
		out:  map[graph.EdgeType]map[string][]string{},
		in:   map[graph.EdgeType]map[string][]string{},
	}
	for _, e := range gs.edges {
		addNeighbor(ev.out, e.Type, e.From, e.To)
		addNeighbor(ev.in, e.Type, e.To, e.From)
	}
	return ev
}

func addNeighbor(adj map[graph.EdgeType]map[string][]string, et graph.EdgeType, from, to string) {
	m, ok := adj[et]
	if !ok {
		m = map[string][]string{}
		adj[et] = m
	}
	m[from] = append(m[from], to)
}

func (ev *evaluator) doc(n *graph.Node) map[string]any {
	if d, ok := ev.docs[n.ID]; ok {
		return d
	}
	d := n.Document()
	ev.docs[n.ID] = d
	return d
}

// run evaluates the part pipeline and returns the matching nodes with
// sorts and limits applied.
func (ev *evaluator) run(q *query.Query) ([]*graph.Node, error) {
	q = q.Simplify()
	rows, pinned, err := ev.runParts(q)
	if err != nil {
		return nil, err
	}
	rows = unionNodes(pinned, rows)
	if err := ev.sortNodes(rows, q.Sorts); err != nil {
		return nil, err
	}
	rows = limitNodes(rows, q.Limit)
	out := make([]*graph.Node, len(rows))
	for i, n := range rows {
		out[i] = copyNode(n)
	}
	return out, nil
}

// runAggregate evaluates the pipeline and groups the result rows. Sort
// and limit bound the node rows entering the aggregation, so a limited
// query counts only the rows inside its window.
func (ev *evaluator) runAggregate(q *query.Query) ([]map[string]any, error) {
	q = q.Simplify()
	rows, pinned, err := ev.runParts(q)
	if err != nil {
		return nil, err
	}
	rows = unionNodes(pinned, rows)
	if err := ev.sortNodes(rows, q.Sorts); err != nil {
		return nil, err
	}
	rows = limitNodes(rows, q.Limit)
	return ev.aggregate(rows, q.Aggregate)
}

func (ev *evaluator) runParts(q *query.Query) (rows, pinned []*graph.Node, err error) {
	rows = ev.allNodes()
	for _, part := range q.Parts {
		filtered := rows[:0:0]
		for _, n := range rows {
			ok, err := ev.matchTerm(n, part.Term)
			if err != nil {
				return nil, nil, err
			}
			if ok && part.With != nil {
				ok, err = ev.satisfiesWith(n, part.With)
				if err != nil {
					return nil, nil, err
				}
			}
			if ok {
				filtered = append(filtered, n)
			}
		}
		if part.Pinned() {
			pinned = append(pinned, filtered...)
		}
		if part.Nav != nil {
			rows = ev.navigate(filtered, *part.Nav)
		} else {
			rows = filtered
		}
	}
	return rows, pinned, nil
}

func (ev *evaluator) allNodes() []*graph.Node {
	out := make([]*graph.Node, 0, len(ev.gs.nodes))
	for _, n := range ev.gs.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// navigate expands the row set along edges of the navigation's type for
// start..until hops. Depth 0 keeps the origin nodes; vertices are unique.
func (ev *evaluator) navigate(set []*graph.Node, nav query.Navigation) []*graph.Node {
	et := graph.EdgeType(nav.EdgeType)
	if et == "" {
		et = graph.EdgeTypeDefault
	}
	result := map[string]bool{}
	visited := map[string]bool{}
	frontier := make([]string, 0, len(set))
	for _, n := range set {
		frontier = append(frontier, n.ID)
		visited[n.ID] = true
		if nav.Start == 0 {
			result[n.ID] = true
		}
	}
	until := nav.Until
	if until > query.MaxDepth {
		until = query.MaxDepth
	}
	for depth := 1; depth <= until && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, neighbor := range ev.neighbors(id, et, nav.Direction) {
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				next = append(next, neighbor)
				if depth >= nav.Start {
					result[neighbor] = true
				}
			}
		}
		frontier = next
	}
	out := make([]*graph.Node, 0, len(result))
	for id := range result {
		if n, ok := ev.gs.nodes[id]; ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (ev *evaluator) neighbors(id string, et graph.EdgeType, dir query.Direction) []string {
	switch dir {
	case query.DirectionIn:
		return ev.in[et][id]
	case query.DirectionInOut:
		return append(append([]string(nil), ev.out[et][id]...), ev.in[et][id]...)
	default:
		return ev.out[et][id]
	}
}

func (ev *evaluator) satisfiesWith(n *graph.Node, w *query.WithClause) (bool, error) {
	neighborhood := ev.navigate([]*graph.Node{n}, w.Nav)
	count := 0
	for _, x := range neighborhood {
		if x.ID == n.ID {
			continue
		}
		if w.Term != nil {
			ok, err := ev.matchTerm(x, w.Term)
			if err != nil {
				return false, err
			}
			if !ok {
				continue
			}
		}
		if w.Inner != nil {
			ok, err := ev.satisfiesWith(x, w.Inner)
			if err != nil {
				return false, err
			}
			if !ok {
				continue
			}
		}
		count++
	}
	return compareCount(count, w.Filter), nil
}

func compareCount(count int, f query.WithClauseFilter) bool {
	switch f.Op {
	case "=", "==":
		return count == f.Num
	case "!=":
		return count != f.Num
	case "<":
		return count < f.Num
	case "<=":
		return count <= f.Num
	case ">":
		return count > f.Num
	case ">=":
		return count >= f.Num
	default:
		return false
	}
}

func (ev *evaluator) matchTerm(n *graph.Node, t query.Term) (bool, error) {
	switch term := t.(type) {
	case *query.AllTerm:
		return true, nil
	case *query.IsKind:
		if n.IsKind(term.Kind) {
			return true, nil
		}
		return len(n.Kinds) == 0 && n.Kind() == term.Kind, nil
	case *query.ById:
		return n.ID == term.ID, nil
	case *query.CombinedTerm:
		left, err := ev.matchTerm(n, term.Left)
		if err != nil {
			return false, err
		}
		if term.Op == "and" && !left {
			return false, nil
		}
		if term.Op == "or" && left {
			return true, nil
		}
		return ev.matchTerm(n, term.Right)
	case *query.Predicate:
		return ev.matchPredicate(n, term)
	case *query.FunctionTerm:
		return ev.matchFunction(n, term)
	default:
		return false, fmt.Errorf("unsupported term %T", t)
	}
}

func (ev *evaluator) matchPredicate(n *graph.Node, p *query.Predicate) (bool, error) {
	want, err := ev.m.Coerce(p.Name, p.Value)
	if err != nil {
		return false, err
	}
	vals, ok := model.ResolvePath(ev.doc(n), p.Name)
	if !ok || len(vals) == 0 {
		vals = []any{nil}
	}
	all := p.Args["filter"] == "all"
	matched := 0
	for _, v := range vals {
		hit, err := compareOp(v, p.Op, want)
		if err != nil {
			return false, err
		}
		if hit {
			matched++
		} else if all {
			return false, nil
		}
	}
	if all {
		return matched == len(vals), nil
	}
	return matched > 0, nil
}

func (ev *evaluator) matchFunction(n *graph.Node, f *query.FunctionTerm) (bool, error) {
	vals, ok := model.ResolvePath(ev.doc(n), f.Name)
	if !ok {
		return false, nil
	}
	switch f.Fn {
	case "in_subnet":
		if len(f.Args) != 1 {
			return false, fmt.Errorf("in_subnet expects one CIDR argument")
		}
		cidr, ok := f.Args[0].(string)
		if !ok {
			return false, fmt.Errorf("in_subnet expects a CIDR string")
		}
		return anyInSubnet(vals, cidr)
	case "has_key":
		for _, v := range vals {
			obj, ok := v.(map[string]any)
			if !ok {
				continue
			}
			hasAll := true
			for _, arg := range f.Args {
				key := fmt.Sprintf("%v", arg)
				if _, ok := obj[key]; !ok {
					hasAll = false
					break
				}
			}
			if hasAll && len(f.Args) > 0 {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown function %q", f.Fn)
	}
}

func (ev *evaluator) sortNodes(rows []*graph.Node, sorts []query.Sort) error {
	if len(sorts) == 0 {
		return nil
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range sorts {
			a := model.ResolveFirst(ev.doc(rows[i]), s.Name)
			b := model.ResolveFirst(ev.doc(rows[j]), s.Name)
			c := orderValues(a, b)
			if c == 0 {
				continue
			}
			if s.Order == query.SortDesc {
				return c > 0
			}
			return c < 0
		}
		return rows[i].ID < rows[j].ID
	})
	return nil
}

func limitNodes(rows []*graph.Node, l *query.Limit) []*graph.Node {
	return limitSlice(rows, l)
}

func limitSlice[T any](rows []T, l *query.Limit) []T {
	if l == nil {
		return rows
	}
	if l.Offset >= len(rows) {
		return nil
	}
	rows = rows[l.Offset:]
	if l.Length < len(rows) {
		rows = rows[:l.Length]
	}
	return rows
}

func unionNodes(pinned, rows []*graph.Node) []*graph.Node {
	if len(pinned) == 0 {
		return rows
	}
	seen := map[string]bool{}
	out := make([]*graph.Node, 0, len(pinned)+len(rows))
	for _, n := range append(append([]*graph.Node(nil), pinned...), rows...) {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// aggregate groups rows by the group-by values and computes each function
// per group.
func (ev *evaluator) aggregate(rows []*graph.Node, agg *query.Aggregate) ([]map[string]any, error) {
	type group struct {
		key  []any
		rows []*graph.Node
	}
	groups := map[string]*group{}
	var order []string
	for _, n := range rows {
		key := make([]any, len(agg.GroupBy))
		for i, v := range agg.GroupBy {
			key[i] = model.ResolveFirst(ev.doc(n), v.Name)
		}
		id := fmt.Sprintf("%v", key)
		g, ok := groups[id]
		if !ok {
			g = &group{key: key}
			groups[id] = g
			order = append(order, id)
		}
		g.rows = append(g.rows, n)
	}
	sort.Strings(order)

	out := make([]map[string]any, 0, len(groups))
	for _, id := range order {
		g := groups[id]
		row := map[string]any{}
		for i, v := range agg.GroupBy {
			row[groupName(v)] = g.key[i]
		}
		for _, f := range agg.Funcs {
			val, err := ev.aggregateFunc(g.rows, f)
			if err != nil {
				return nil, err
			}
			row[funcName(f)] = val
		}
		out = append(out, row)
	}
	return out, nil
}

func groupName(v query.AggregateVariable) string {
	if v.As != "" {
		return v.As
	}
	return v.Name
}

func funcName(f query.AggregateFunction) string {
	if f.As != "" {
		return f.As
	}
	if path, ok := f.Name.(string); ok {
		segs := strings.Split(path, ".")
		return f.Fn + "_" + segs[len(segs)-1]
	}
	return f.Fn
}

func (ev *evaluator) aggregateFunc(rows []*graph.Node, f query.AggregateFunction) (any, error) {
	var values []float64
	for _, n := range rows {
		var raw any
		switch name := f.Name.(type) {
		case string:
			raw = model.ResolveFirst(ev.doc(n), name)
		default:
			raw = f.Name
		}
		if raw == nil {
			continue
		}
		num, ok := toFloat(raw)
		if !ok {
			if f.Fn == "count" {
				values = append(values, 1)
			}
			continue
		}
		for _, op := range f.Ops {
			num = applyMathOp(num, op)
		}
		values = append(values, num)
	}

	if f.Fn == "count" {
		return int64(len(values)), nil
	}
	if len(values) == 0 {
		return nil, nil
	}
	switch f.Fn {
	case "sum":
		total := 0.0
		for _, v := range values {
			total += v
		}
		return normalizeNumber(total), nil
	case "min":
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return normalizeNumber(m), nil
	case "max":
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return normalizeNumber(m), nil
	case "avg":
		total := 0.0
		for _, v := range values {
			total += v
		}
		return total / float64(len(values)), nil
	default:
		return nil, fmt.Errorf("unknown aggregate function %q", f.Fn)
	}
}

func applyMathOp(v float64, op query.AggregateOp) float64 {
	switch op.Op {
	case "+":
		return v + op.Value
	case "-":
		return v - op.Value
	case "*":
		return v * op.Value
	case "/":
		if op.Value == 0 {
			return 0
		}
		return v / op.Value
	default:
		return v
	}
}

// normalizeNumber renders integral results as int64 so JSON output reads
// naturally.
func normalizeNumber(f float64) any {
	if f == float64(int64(f)) {
		return int64(f)
	}
	return f
}
