package falkor

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/corekeeper/ckcore/internal/model"
	"github.com/corekeeper/ckcore/internal/query"
)

// translator renders a query AST as one Cypher statement with
// sequentially numbered bind variables.
type translator struct {
	m     *model.Model
	binds map[string]any
	bindN int
	varN  int
}

// Translate renders q for FalkorDB and returns the Cypher text plus the
// bind map.
func Translate(q *query.Query, m *model.Model) (string, map[string]any, error) {
	t := &translator{m: m, binds: map[string]any{}}
	text, err := t.render(q)
	if err != nil {
		return "", nil, err
	}
	return text, t.binds, nil
}

func (t *translator) bind(v any) string {
	name := fmt.Sprintf("b%d", t.bindN)
	t.bindN++
	t.binds[name] = v
	return "$" + name
}

func (t *translator) newVar() string {
	v := fmt.Sprintf("n%d", t.varN)
	t.varN++
	return v
}

func (t *translator) render(q *query.Query) (string, error) {
	var b strings.Builder
	cur := t.newVar()
	fmt.Fprintf(&b, "MATCH (%s:Resource)", cur)

	// pinned parts contribute their stage rows to the final result
	type pin struct {
		prefix string
		v      string
	}
	var pins []pin

	for i, p := range q.Parts {
		cond, err := t.condition(cur, p)
		if err != nil {
			return "", err
		}
		if i == 0 {
			if cond != "" {
				b.WriteString(" WHERE " + cond)
			}
		} else {
			fmt.Fprintf(&b, " WITH DISTINCT %s", cur)
			if cond != "" {
				b.WriteString(" WHERE " + cond)
			}
		}
		if p.Pinned() {
			pins = append(pins, pin{prefix: b.String(), v: cur})
		}
		if p.Nav != nil {
			next := t.newVar()
			fmt.Fprintf(&b, " WITH DISTINCT %s MATCH (%s)%s(%s:Resource)",
				cur, cur, relPattern(*p.Nav), next)
			cur = next
		}
	}

	if q.IsAggregate() {
		tail, err := t.aggregateTail(cur, q)
		if err != nil {
			return "", err
		}
		b.WriteString(tail)
		return b.String(), nil
	}

	main := b.String() + t.listTail(cur, q)
	if len(pins) == 0 {
		return main, nil
	}
	parts := make([]string, 0, len(pins)+1)
	for _, p := range pins {
		parts = append(parts, fmt.Sprintf("%s RETURN DISTINCT %s AS node", p.prefix, p.v))
	}
	parts = append(parts, main)
	return strings.Join(parts, " UNION "), nil
}

// listTail renders the projection of a node query with sort and limit.
func (t *translator) listTail(cur string, q *query.Query) string {
	var b strings.Builder
	fmt.Fprintf(&b, " RETURN DISTINCT %s AS node", cur)
	b.WriteString(orderBy("node", q.Sorts))
	b.WriteString(window(q.Limit))
	return b.String()
}

// aggregateTail bounds the node rows with sort and limit first, then
// aggregates them, so a windowed count counts only the window.
func (t *translator) aggregateTail(cur string, q *query.Query) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, " WITH DISTINCT %s", cur)
	b.WriteString(orderBy(cur, q.Sorts))
	b.WriteString(window(q.Limit))

	b.WriteString(" RETURN ")
	agg := q.Aggregate
	for i, v := range agg.GroupBy {
		if i > 0 {
			b.WriteString(", ")
		}
		alias := v.As
		if alias == "" {
			alias = v.Name
		}
		fmt.Fprintf(&b, "%s AS %s", prop(cur, v.Name), quoteAlias(alias))
	}
	for i, f := range agg.Funcs {
		if len(agg.GroupBy) > 0 || i > 0 {
			b.WriteString(", ")
		}
		expr, err := t.aggregateFunc(cur, f)
		if err != nil {
			return "", err
		}
		b.WriteString(expr)
	}
	return b.String(), nil
}

func (t *translator) aggregateFunc(cur string, f query.AggregateFunction) (string, error) {
	var arg string
	switch n := f.Name.(type) {
	case string:
		arg = prop(cur, n)
	case float64:
		arg = trimNumber(n)
	case int:
		arg = fmt.Sprintf("%d", n)
	default:
		return "", fmt.Errorf("aggregate %s: unsupported argument %T", f.Fn, f.Name)
	}
	for _, op := range f.Ops {
		arg = fmt.Sprintf("%s %s %s", arg, op.Op, trimNumber(op.Value))
	}
	switch f.Fn {
	case "sum", "min", "max", "avg", "count":
	default:
		return "", fmt.Errorf("unknown aggregation function %q", f.Fn)
	}
	alias := f.As
	if alias == "" {
		alias = funcAlias(f)
	}
	return fmt.Sprintf("%s(%s) AS %s", f.Fn, arg, quoteAlias(alias)), nil
}

func funcAlias(f query.AggregateFunction) string {
	if path, ok := f.Name.(string); ok {
		segs := strings.Split(path, ".")
		return f.Fn + "_" + segs[len(segs)-1]
	}
	return f.Fn
}

// condition renders a part's term plus its with-clause filter.
func (t *translator) condition(v string, p query.Part) (string, error) {
	var conds []string
	c, err := t.term(v, p.Term)
	if err != nil {
		return "", err
	}
	if c != "" {
		conds = append(conds, c)
	}
	if p.With != nil {
		wc, err := t.withClause(v, p.With)
		if err != nil {
			return "", err
		}
		conds = append(conds, wc)
	}
	return strings.Join(conds, " AND "), nil
}

func (t *translator) term(v string, term query.Term) (string, error) {
	switch tt := term.(type) {
	case nil, *query.AllTerm:
		return "", nil
	case *query.Predicate:
		return t.predicate(v, tt)
	case *query.IsKind:
		return fmt.Sprintf("%s IN %s.kinds", t.bind(tt.Kind), v), nil
	case *query.ById:
		return fmt.Sprintf("%s.id = %s", v, t.bind(tt.ID)), nil
	case *query.CombinedTerm:
		left, err := t.term(v, tt.Left)
		if err != nil {
			return "", err
		}
		right, err := t.term(v, tt.Right)
		if err != nil {
			return "", err
		}
		if left == "" {
			left = "true"
		}
		if right == "" {
			right = "true"
		}
		return fmt.Sprintf("(%s %s %s)", left, strings.ToUpper(tt.Op), right), nil
	case *query.FunctionTerm:
		return t.function(v, tt)
	default:
		return "", fmt.Errorf("unsupported term %T", term)
	}
}

func (t *translator) predicate(v string, p *query.Predicate) (string, error) {
	// array element paths compare existentially over the list property
	if strings.ContainsRune(p.Name, '[') {
		return t.arrayPredicate(v, p)
	}
	left := prop(v, p.Name)
	return t.compare(left, p.Op, p.Value)
}

func (t *translator) arrayPredicate(v string, p *query.Predicate) (string, error) {
	quant := "any"
	if f, ok := p.Args["filter"].(string); ok && f == "all" {
		quant = "all"
	}
	inner, err := t.compare("x", p.Op, p.Value)
	if err != nil {
		return "", err
	}
	list := prop(v, stripAccessors(p.Name))
	return fmt.Sprintf("%s(x IN %s WHERE %s)", quant, list, inner), nil
}

func (t *translator) compare(left, op string, value any) (string, error) {
	switch op {
	case "=", "==":
		if value == nil {
			return left + " IS NULL", nil
		}
		return fmt.Sprintf("%s = %s", left, t.bind(value)), nil
	case "!=":
		if value == nil {
			return left + " IS NOT NULL", nil
		}
		return fmt.Sprintf("%s <> %s", left, t.bind(value)), nil
	case "<", "<=", ">", ">=":
		return fmt.Sprintf("%s %s %s", left, op, t.bind(value)), nil
	case "~", "=~":
		return fmt.Sprintf("%s =~ %s", left, t.bind(value)), nil
	case "!~":
		return fmt.Sprintf("NOT %s =~ %s", left, t.bind(value)), nil
	case "in":
		return fmt.Sprintf("%s IN %s", left, t.bind(value)), nil
	case "not in":
		return fmt.Sprintf("NOT %s IN %s", left, t.bind(value)), nil
	default:
		return "", fmt.Errorf("unsupported operator %q", op)
	}
}

func (t *translator) function(v string, f *query.FunctionTerm) (string, error) {
	switch f.Fn {
	case "has_key":
		if len(f.Args) != 1 {
			return "", fmt.Errorf("has_key expects one key argument")
		}
		return fmt.Sprintf("%s IS NOT NULL", prop(v, fmt.Sprintf("%s.%v", f.Name, f.Args[0]))), nil
	case "in_subnet":
		if len(f.Args) != 1 {
			return "", fmt.Errorf("in_subnet expects one CIDR argument")
		}
		cidr, ok := f.Args[0].(string)
		if !ok {
			return "", fmt.Errorf("in_subnet expects a CIDR string")
		}
		prefix, err := subnetPrefix(cidr)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s STARTS WITH %s", prop(v, f.Name), t.bind(prefix)), nil
	default:
		return "", fmt.Errorf("unknown function %q", f.Fn)
	}
}

// subnetPrefix turns a byte-aligned IPv4 CIDR into a string prefix.
// Finer masks need the evaluating driver.
func subnetPrefix(cidr string) (string, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return "", fmt.Errorf("in_subnet: %w", err)
	}
	if !p.Addr().Is4() {
		return "", fmt.Errorf("in_subnet: only IPv4 subnets are supported by this backend")
	}
	if p.Bits()%8 != 0 || p.Bits() == 0 {
		return "", fmt.Errorf("in_subnet: mask /%d is not byte aligned, unsupported by this backend", p.Bits())
	}
	b := p.Addr().As4()
	segs := make([]string, p.Bits()/8)
	for i := range segs {
		segs[i] = fmt.Sprintf("%d", b[i])
	}
	return strings.Join(segs, ".") + ".", nil
}

func (t *translator) withClause(v string, w *query.WithClause) (string, error) {
	inner := t.newVar()
	pattern := fmt.Sprintf("(%s)%s(%s:Resource)", v, relPattern(w.Nav), inner)

	var conds []string
	if w.Term != nil {
		c, err := t.term(inner, w.Term)
		if err != nil {
			return "", err
		}
		if c != "" {
			conds = append(conds, c)
		}
	}
	if w.Inner != nil {
		c, err := t.withClause(inner, w.Inner)
		if err != nil {
			return "", err
		}
		conds = append(conds, c)
	}
	comp := "[" + pattern
	if len(conds) > 0 {
		comp += " WHERE " + strings.Join(conds, " AND ")
	}
	comp += " | " + inner + "]"

	f := w.Filter
	op := f.Op
	if op == "==" {
		op = "="
	}
	return fmt.Sprintf("size(%s) %s %d", comp, op, f.Num), nil
}

// relPattern renders a navigation as a relationship pattern. Inout walks
// undirected.
func relPattern(nav query.Navigation) string {
	edge := strings.ToUpper(nav.EdgeType)
	if edge == "" {
		edge = "DEFAULT"
	}
	depth := fmt.Sprintf("*%d..%d", nav.Start, nav.Until)
	if nav.Until >= query.MaxDepth {
		depth = fmt.Sprintf("*%d..", nav.Start)
	}
	body := fmt.Sprintf("[:%s%s]", edge, depth)
	switch nav.Direction {
	case query.DirectionIn:
		return "<-" + body + "-"
	case query.DirectionInOut:
		return "-" + body + "-"
	default:
		return "-" + body + "->"
	}
}

func orderBy(v string, sorts []query.Sort) string {
	if len(sorts) == 0 {
		return ""
	}
	terms := make([]string, len(sorts))
	for i, s := range sorts {
		dir := "ASC"
		if s.Order == query.SortDesc {
			dir = "DESC"
		}
		terms[i] = prop(v, s.Name) + " " + dir
	}
	return " ORDER BY " + strings.Join(terms, ", ")
}

func window(l *query.Limit) string {
	if l == nil {
		return ""
	}
	if l.Offset > 0 {
		return fmt.Sprintf(" SKIP %d LIMIT %d", l.Offset, l.Length)
	}
	return fmt.Sprintf(" LIMIT %d", l.Length)
}

// prop renders a property access. Flattened section paths keep their
// dots inside one backtick-quoted property name.
func prop(v, path string) string {
	if isPlainIdent(path) {
		return v + "." + path
	}
	return v + ".`" + path + "`"
}

func stripAccessors(path string) string {
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

func quoteAlias(name string) string {
	if isPlainIdent(name) {
		return name
	}
	return "`" + name + "`"
}

func isPlainIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

func trimNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
