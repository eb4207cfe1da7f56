// Package query defines the query language: the AST, the parser and the
// simplification rules. A query is a pipeline of parts; each part filters
// the current row set with a term and optionally walks the graph via a
// navigation. Storage drivers translate the AST to their native query
// language.
package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxDepth is the traversal bound used for open-ended navigations.
const MaxDepth = 250

// Sections are the three JSON namespaces of a node.
var Sections = []string{"reported", "desired", "metadata"}

// Term is a boolean filter over nodes.
type Term interface {
	fmt.Stringer
	term()
}

// Predicate compares the value at a property path against a literal.
// Ops: = == != < <= > >= ~ =~ !~ in, not in.
type Predicate struct {
	Name  string
	Op    string
	Value any
	// Args carries operator refinements, e.g. {"filter": "any"} when the
	// path addresses array elements.
	Args map[string]any
}

func (p *Predicate) term() {}

func (p *Predicate) String() string {
	op := p.Op
	if op == "not in" {
		return fmt.Sprintf("%s not in %s", renderPath(p.Name), renderValue(p.Value))
	}
	return fmt.Sprintf("%s %s %s", renderPath(p.Name), op, renderValue(p.Value))
}

// IsKind filters nodes whose kind hierarchy contains Kind.
type IsKind struct {
	Kind string
}

func (i *IsKind) term() {}

func (i *IsKind) String() string { return fmt.Sprintf("is(%s)", i.Kind) }

// ById matches a node by identifier.
type ById struct {
	ID string
}

func (b *ById) term() {}

func (b *ById) String() string { return fmt.Sprintf("id(%s)", maybeQuote(b.ID)) }

// AllTerm matches every node.
type AllTerm struct{}

func (a *AllTerm) term() {}

func (a *AllTerm) String() string { return "all" }

// FunctionTerm applies a named filter function to a path, e.g.
// in_subnet(reported.private_ip, "10.0.0.0/8").
type FunctionTerm struct {
	Fn   string
	Name string
	Args []any
}

func (f *FunctionTerm) term() {}

func (f *FunctionTerm) String() string {
	parts := []string{renderPath(f.Name)}
	for _, a := range f.Args {
		parts = append(parts, renderValue(a))
	}
	return fmt.Sprintf("%s(%s)", f.Fn, strings.Join(parts, ", "))
}

// CombinedTerm joins two terms with "and" or "or".
type CombinedTerm struct {
	Left  Term
	Op    string
	Right Term
}

func (c *CombinedTerm) term() {}

func (c *CombinedTerm) String() string {
	return fmt.Sprintf("(%s %s %s)", c.Left, c.Op, c.Right)
}

// Direction of a navigation relative to the current row set.
type Direction string

const (
	DirectionOut   Direction = "out"
	DirectionIn    Direction = "in"
	DirectionInOut Direction = "inout"
)

// Navigation walks edges of one type for a bounded number of hops.
// Start 0 keeps the origin nodes in the result.
type Navigation struct {
	Start     int
	Until     int
	EdgeType  string // empty means the default edge type
	Direction Direction
}

func (n Navigation) String() string {
	depth := fmt.Sprintf("[%d:%d]", n.Start, n.Until)
	if n.Until >= MaxDepth {
		depth = fmt.Sprintf("[%d:]", n.Start)
	}
	body := depth + n.EdgeType
	switch n.Direction {
	case DirectionIn:
		return "<-" + body + "-"
	case DirectionInOut:
		return "<-" + body + "->"
	default:
		return "-" + body + "->"
	}
}

// WithClauseFilter constrains how many rows the with-navigation may yield:
// empty (== 0), any (> 0) or an explicit count comparison.
type WithClauseFilter struct {
	Op  string
	Num int
}

func (f WithClauseFilter) String() string {
	switch {
	case f.Op == "==" && f.Num == 0:
		return "empty"
	case f.Op == ">" && f.Num == 0:
		return "any"
	default:
		return fmt.Sprintf("count %s %d", f.Op, f.Num)
	}
}

// WithFilterEmpty requires that the navigation yields nothing.
func WithFilterEmpty() WithClauseFilter { return WithClauseFilter{Op: "==", Num: 0} }

// WithFilterAny requires at least one navigated row.
func WithFilterAny() WithClauseFilter { return WithClauseFilter{Op: ">", Num: 0} }

// WithClause keeps a row when navigating from it yields a neighborhood
// that satisfies Filter (and, recursively, Inner).
type WithClause struct {
	Filter WithClauseFilter
	Nav    Navigation
	Term   Term
	Inner  *WithClause
}

func (w *WithClause) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "with(%s, %s", w.Filter, w.Nav)
	if w.Term != nil {
		fmt.Fprintf(&b, " %s", w.Term)
	}
	if w.Inner != nil {
		fmt.Fprintf(&b, " %s", w.Inner)
	}
	b.WriteString(")")
	return b.String()
}

// Part is one stage of the query pipeline. A tagged part is pinned: its
// rows are unioned into the final result even when later parts narrow
// the selection further.
type Part struct {
	Term Term
	Tag  string
	With *WithClause
	Nav  *Navigation
}

// Pinned reports whether this part's rows join the final result.
func (p Part) Pinned() bool { return p.Tag != "" }

func (p Part) String() string {
	var b strings.Builder
	b.WriteString(p.Term.String())
	if p.With != nil {
		b.WriteString(" " + p.With.String())
	}
	if p.Tag != "" {
		b.WriteString(" #" + p.Tag)
	}
	if p.Nav != nil {
		b.WriteString(" " + p.Nav.String())
	}
	return b.String()
}

// AggregateVariable is one group-by dimension.
type AggregateVariable struct {
	Name string
	As   string
}

func (v AggregateVariable) String() string {
	if v.As != "" {
		return fmt.Sprintf("%s as %s", renderPath(v.Name), v.As)
	}
	return renderPath(v.Name)
}

// AggregateOp is a trailing arithmetic step inside an aggregate function,
// e.g. the "* 3" of sum(volume_size * 3).
type AggregateOp struct {
	Op    string
	Value float64
}

// AggregateFunction computes one value per group. Name is either a
// property path (string) or a numeric literal.
type AggregateFunction struct {
	Fn   string
	Name any
	Ops  []AggregateOp
	As   string
}

func (f AggregateFunction) String() string {
	var b strings.Builder
	b.WriteString(f.Fn)
	b.WriteString("(")
	switch n := f.Name.(type) {
	case string:
		b.WriteString(renderPath(n))
	default:
		b.WriteString(renderValue(n))
	}
	for _, op := range f.Ops {
		fmt.Fprintf(&b, " %s %s", op.Op, trimFloat(op.Value))
	}
	b.WriteString(")")
	if f.As != "" {
		b.WriteString(" as " + f.As)
	}
	return b.String()
}

// Aggregate replaces the row set with grouped aggregation results.
type Aggregate struct {
	GroupBy []AggregateVariable
	Funcs   []AggregateFunction
}

func (a *Aggregate) String() string {
	var b strings.Builder
	b.WriteString("aggregate(")
	for i, v := range a.GroupBy {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(v.String())
	}
	if len(a.GroupBy) > 0 {
		b.WriteString(": ")
	}
	for i, f := range a.Funcs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.String())
	}
	b.WriteString(")")
	return b.String()
}

// Sort orders the result by one property path.
type Sort struct {
	Name  string
	Order string // "asc" or "desc"
}

const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

func (s Sort) String() string { return renderPath(s.Name) + " " + s.Order }

// Limit slices the result rows.
type Limit struct {
	Offset int
	Length int
}

func (l Limit) String() string {
	if l.Offset > 0 {
		return fmt.Sprintf("limit %d, %d", l.Offset, l.Length)
	}
	return fmt.Sprintf("limit %d", l.Length)
}

// Query is a parsed query: preamble properties, an optional aggregation,
// the part pipeline and trailing sort/limit.
type Query struct {
	Parts     []Part
	Preamble  map[string]any
	Aggregate *Aggregate
	Sorts     []Sort
	Limit     *Limit
}

// IsAggregate reports whether the query returns aggregation rows instead
// of nodes.
func (q *Query) IsAggregate() bool { return q.Aggregate != nil }

func (q *Query) String() string {
	var b strings.Builder
	hasPreamble := false
	if q.Aggregate != nil {
		b.WriteString(q.Aggregate.String())
		hasPreamble = true
	}
	if len(q.Preamble) > 0 {
		keys := make([]string, 0, len(q.Preamble))
		for k := range q.Preamble {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if hasPreamble {
			b.WriteString(" ")
		}
		b.WriteString("(")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, renderValue(q.Preamble[k]))
		}
		b.WriteString(")")
		hasPreamble = true
	}
	if hasPreamble {
		b.WriteString(": ")
	}
	for i, p := range q.Parts {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(p.String())
	}
	if len(q.Sorts) > 0 {
		b.WriteString(" sort ")
		for i, s := range q.Sorts {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(s.String())
		}
	}
	if q.Limit != nil {
		b.WriteString(" " + q.Limit.String())
	}
	return b.String()
}

// renderPath quotes path segments that are not plain identifiers.
func renderPath(path string) string {
	segs := strings.Split(path, ".")
	for i, seg := range segs {
		if !plainSegment(seg) {
			segs[i] = "`" + seg + "`"
		}
	}
	return strings.Join(segs, ".")
}

func plainSegment(seg string) bool {
	core := seg
	if idx := strings.IndexByte(core, '['); idx >= 0 {
		core = core[:idx]
	}
	if core == "" {
		return false
	}
	for _, r := range core {
		if r != '_' && r != '-' && !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// maybeQuote renders a literal bare when it is safe, quoted otherwise.
func maybeQuote(s string) string {
	if s == "" {
		return `""`
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.' || r == ':' || r == '/':
		default:
			return strconv.Quote(s)
		}
	}
	return s
}

// renderValue renders a literal so the parser reads back an equal value.
func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		if t {
			return "true"
		}
		return "false"
	case string:
		return strconv.Quote(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatFloat(t, 'f', 1, 64)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case []any:
		elems := make([]string, len(t))
		for i, e := range t {
			elems[i] = renderValue(e)
		}
		return "[" + strings.Join(elems, ", ") + "]"
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
