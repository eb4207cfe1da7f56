package query

import (
	"fmt"
	"strings"

	"github.com/corekeeper/ckcore/internal/parse"
)

// Parse parses a query string. A section given in the preamble
// ("desired: clean = true") qualifies every plain path in the query.
func Parse(raw string) (*Query, error) {
	return ParseWithSection(raw, "")
}

// ParseWithSection parses a query string and qualifies plain paths with
// the given default section. A section in the query's own preamble wins.
// The parser consumes the whole input; trailing garbage is an error.
func ParseWithSection(raw, section string) (*Query, error) {
	p := &parser{s: parse.NewScanner(raw)}
	q, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	p.s.SkipSpace()
	if !p.s.EOF() {
		return nil, p.s.Errorf("unexpected input %q", truncate(p.s.Rest(), 20))
	}
	if p.section != "" {
		section = p.section
	}
	if section != "" {
		if !validSection(section) {
			return nil, fmt.Errorf("unknown section %q", section)
		}
		rewriteSection(q, section)
	}
	if et, ok := q.Preamble["edge_type"].(string); ok {
		applyEdgeType(q, et)
	}
	return q, nil
}

func validSection(s string) bool {
	for _, known := range Sections {
		if s == known {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

type parser struct {
	s       *parse.Scanner
	section string
}

func (p *parser) parseQuery() (*Query, error) {
	q := &Query{Preamble: map[string]any{}}
	if err := p.parsePreamble(q); err != nil {
		return nil, err
	}

	for {
		p.s.SkipSpace()
		if p.s.EOF() || p.peekKeyword("sort") || p.peekKeyword("limit") {
			break
		}
		part, err := p.parsePart()
		if err != nil {
			return nil, err
		}
		q.Parts = append(q.Parts, part)
	}
	if len(q.Parts) == 0 {
		return nil, p.s.Errorf("query has no parts")
	}

	p.s.SkipSpace()
	if p.s.Keyword("sort") {
		sorts, err := p.parseSorts()
		if err != nil {
			return nil, err
		}
		q.Sorts = sorts
	}
	p.s.SkipSpace()
	if p.s.Keyword("limit") {
		limit, err := p.parseLimit()
		if err != nil {
			return nil, err
		}
		q.Limit = limit
	}
	return q, nil
}

// peekKeyword checks for a keyword without consuming it.
func (p *parser) peekKeyword(word string) bool {
	pos := p.s.Pos()
	ok := p.s.Keyword(word)
	p.s.Reset(pos)
	return ok
}

// parsePreamble reads "aggregate(...)? (k=v, ...)? section? :". The colon
// is the marker: without it the whole preamble attempt is rolled back and
// the input is parsed as a plain part list.
func (p *parser) parsePreamble(q *Query) error {
	start := p.s.Pos()
	p.s.SkipSpace()

	var agg *Aggregate
	if p.peekKeyword("aggregate") {
		p.s.Keyword("aggregate")
		a, err := p.parseAggregate()
		if err != nil {
			return err
		}
		agg = a
	}

	params := map[string]any{}
	p.s.SkipSpace()
	if r, ok := p.s.Peek(); ok && r == '(' {
		pos := p.s.Pos()
		parsed, err := p.parsePreambleParams()
		if err != nil {
			// Could be a parenthesized term instead; only roll back
			// when no aggregate forced a preamble.
			if agg != nil {
				return err
			}
			p.s.Reset(pos)
		} else {
			params = parsed
		}
	}

	section := ""
	p.s.SkipSpace()
	pos := p.s.Pos()
	if ident, ok := p.s.Ident(); ok && validSection(ident) {
		section = ident
	} else {
		p.s.Reset(pos)
	}

	p.s.SkipSpace()
	if !p.s.Lit(":") {
		if agg != nil {
			return p.s.Errorf("expected ':' after query preamble")
		}
		p.s.Reset(start)
		return nil
	}
	q.Aggregate = agg
	q.Preamble = params
	p.section = section
	return nil
}

func (p *parser) parsePreambleParams() (map[string]any, error) {
	p.s.Lit("(")
	params := map[string]any{}
	for {
		p.s.SkipSpace()
		key, ok := p.s.Ident()
		if !ok {
			return nil, p.s.Errorf("expected preamble key")
		}
		p.s.SkipSpace()
		if !p.s.Lit("=") {
			return nil, p.s.Errorf("expected '=' after preamble key %q", key)
		}
		val, err := p.s.Value()
		if err != nil {
			return nil, err
		}
		params[key] = val
		p.s.SkipSpace()
		if p.s.Lit(")") {
			return params, nil
		}
		if !p.s.Lit(",") {
			return nil, p.s.Errorf("expected ',' or ')' in preamble")
		}
	}
}

func (p *parser) parsePart() (Part, error) {
	term, err := p.parseTerm()
	if err != nil {
		return Part{}, err
	}
	part := Part{Term: term}

	p.s.SkipSpace()
	if p.peekKeyword("with") {
		p.s.Keyword("with")
		with, err := p.parseWithClause()
		if err != nil {
			return Part{}, err
		}
		part.With = with
	}

	p.s.SkipSpace()
	if p.s.Lit("#") {
		tag, ok := p.s.Ident()
		if !ok {
			return Part{}, p.s.Errorf("expected tag name after '#'")
		}
		part.Tag = tag
	}

	p.s.SkipSpace()
	if nav, ok, err := p.parseNavigation(); err != nil {
		return Part{}, err
	} else if ok {
		part.Nav = &nav
	}
	return part, nil
}

// parseTerm handles "or" chains; "and" binds tighter.
func (p *parser) parseTerm() (Term, error) {
	left, err := p.parseAndTerm()
	if err != nil {
		return nil, err
	}
	for {
		p.s.SkipSpace()
		if !p.s.Keyword("or") {
			return left, nil
		}
		right, err := p.parseAndTerm()
		if err != nil {
			return nil, err
		}
		left = &CombinedTerm{Left: left, Op: "or", Right: right}
	}
}

func (p *parser) parseAndTerm() (Term, error) {
	left, err := p.parseSimpleTerm()
	if err != nil {
		return nil, err
	}
	for {
		p.s.SkipSpace()
		if !p.s.Keyword("and") {
			return left, nil
		}
		right, err := p.parseSimpleTerm()
		if err != nil {
			return nil, err
		}
		left = &CombinedTerm{Left: left, Op: "and", Right: right}
	}
}

func (p *parser) parseSimpleTerm() (Term, error) {
	p.s.SkipSpace()

	if p.s.Lit("(") {
		inner, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		p.s.SkipSpace()
		if !p.s.Lit(")") {
			return nil, p.s.Errorf("expected ')'")
		}
		return inner, nil
	}

	if p.peekKeyword("all") {
		p.s.Keyword("all")
		return &AllTerm{}, nil
	}

	if p.peekKeyword("is") {
		pos := p.s.Pos()
		p.s.Keyword("is")
		p.s.SkipSpace()
		if p.s.Lit("(") {
			p.s.SkipSpace()
			kind, ok := p.s.Ident()
			if !ok {
				return nil, p.s.Errorf("expected kind name in is()")
			}
			p.s.SkipSpace()
			if !p.s.Lit(")") {
				return nil, p.s.Errorf("expected ')' after kind name")
			}
			return &IsKind{Kind: kind}, nil
		}
		p.s.Reset(pos)
	}

	if p.peekKeyword("id") {
		pos := p.s.Pos()
		p.s.Keyword("id")
		p.s.SkipSpace()
		if p.s.Lit("(") {
			val, err := p.s.Value()
			if err != nil {
				return nil, err
			}
			p.s.SkipSpace()
			if !p.s.Lit(")") {
				return nil, p.s.Errorf("expected ')' after id")
			}
			return &ById{ID: fmt.Sprintf("%v", val)}, nil
		}
		p.s.Reset(pos)
	}

	// Function call: ident '(' path, args... ')'. Checked before plain
	// predicates because both start with an identifier.
	pos := p.s.Pos()
	if fn, ok := p.s.Ident(); ok {
		if p.s.Lit("(") {
			path, err := p.parsePath()
			if err != nil {
				return nil, err
			}
			var args []any
			for {
				p.s.SkipSpace()
				if p.s.Lit(")") {
					return &FunctionTerm{Fn: fn, Name: path, Args: args}, nil
				}
				if !p.s.Lit(",") {
					return nil, p.s.Errorf("expected ',' or ')' in %s()", fn)
				}
				arg, err := p.s.Value()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
			}
		}
		p.s.Reset(pos)
	}

	return p.parsePredicate()
}

func (p *parser) parsePredicate() (Term, error) {
	path, err := p.parsePath()
	if err != nil {
		return nil, err
	}
	p.s.SkipSpace()
	op, err := p.parseOp()
	if err != nil {
		return nil, err
	}
	val, err := p.s.Value()
	if err != nil {
		return nil, err
	}
	pred := &Predicate{Name: path, Op: op, Value: val}
	if strings.Contains(path, "[") {
		pred.Args = map[string]any{"filter": "any"}
	}
	return pred, nil
}

// predicate operators, longest first so "<=" wins over "<".
var operators = []string{"==", "!=", "<=", ">=", "=~", "!~", "=", "~", "<", ">"}

func (p *parser) parseOp() (string, error) {
	if p.s.Keyword("not") {
		p.s.SkipSpace()
		if !p.s.Keyword("in") {
			return "", p.s.Errorf("expected 'in' after 'not'")
		}
		return "not in", nil
	}
	if p.s.Keyword("in") {
		return "in", nil
	}
	for _, op := range operators {
		if p.s.Lit(op) {
			return op, nil
		}
	}
	return "", p.s.Errorf("expected a comparison operator")
}

// parsePath reads a dotted property path. Segments are identifiers
// (dashes allowed), backtick-quoted strings, and may carry array
// accessors like [*] or [0].
func (p *parser) parsePath() (string, error) {
	p.s.SkipSpace()
	var segs []string
	for {
		seg, err := p.parsePathSegment()
		if err != nil {
			return "", err
		}
		segs = append(segs, seg)
		if !p.s.Lit(".") {
			return strings.Join(segs, "."), nil
		}
	}
}

func (p *parser) parsePathSegment() (string, error) {
	if r, ok := p.s.Peek(); ok && r == '`' {
		p.s.Next()
		var b strings.Builder
		for {
			r, ok := p.s.Next()
			if !ok {
				return "", p.s.Errorf("unterminated quoted path segment")
			}
			if r == '`' {
				break
			}
			b.WriteRune(r)
		}
		return b.String() + p.parseAccessors(), nil
	}
	start := p.s.Pos()
	for {
		r, ok := p.s.Peek()
		if !ok {
			break
		}
		if r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			p.s.Next()
			continue
		}
		break
	}
	if p.s.Pos() == start {
		return "", p.s.Errorf("expected a property path")
	}
	seg := p.s.Input()[start:p.s.Pos()]
	return seg + p.parseAccessors(), nil
}

func (p *parser) parseAccessors() string {
	var b strings.Builder
	for {
		pos := p.s.Pos()
		if !p.s.Lit("[") {
			return b.String()
		}
		if p.s.Lit("*") {
			if p.s.Lit("]") {
				b.WriteString("[*]")
				continue
			}
			p.s.Reset(pos)
			return b.String()
		}
		if n, ok := p.s.Int(); ok {
			if p.s.Lit("]") {
				fmt.Fprintf(&b, "[%d]", n)
				continue
			}
		}
		p.s.Reset(pos)
		return b.String()
	}
}

// parseNavigation reads one of:
//
//	-->            -[1:1]->        -[0:]delete->
//	<--            <-[2:4]-
//	<-->           <-[1:1]->
func (p *parser) parseNavigation() (Navigation, bool, error) {
	pos := p.s.Pos()
	inbound := p.s.Lit("<-")
	if !inbound && !p.s.Lit("-") {
		return Navigation{}, false, nil
	}

	nav := Navigation{Start: 1, Until: 1}
	if p.s.Lit("[") {
		start, ok := p.s.Int()
		if !ok {
			p.s.Reset(pos)
			return Navigation{}, false, nil
		}
		nav.Start = start
		nav.Until = start
		sep := p.s.Lit(":") || p.s.Lit("..") || p.s.Lit(",")
		if sep {
			if until, ok := p.s.Int(); ok {
				nav.Until = until
			} else {
				nav.Until = MaxDepth
			}
		}
		if !p.s.Lit("]") {
			return Navigation{}, false, p.s.Errorf("expected ']' in navigation depth")
		}
	} else if !inbound && p.s.Lit("->") {
		// plain --> shorthand
		nav.Direction = DirectionOut
		return nav, true, nil
	} else if inbound && p.s.Lit("->") {
		nav.Direction = DirectionInOut
		return nav, true, nil
	} else if inbound && p.s.Lit("-") {
		nav.Direction = DirectionIn
		return nav, true, nil
	} else {
		p.s.Reset(pos)
		return Navigation{}, false, nil
	}

	if ident, ok := p.s.Ident(); ok {
		nav.EdgeType = ident
	}

	switch {
	case inbound && p.s.Lit("->"):
		nav.Direction = DirectionInOut
	case inbound && p.s.Lit("-"):
		nav.Direction = DirectionIn
	case !inbound && p.s.Lit("->"):
		nav.Direction = DirectionOut
	default:
		return Navigation{}, false, p.s.Errorf("unterminated navigation")
	}
	if nav.Until != MaxDepth && nav.Until < nav.Start {
		return Navigation{}, false, p.s.Errorf("navigation depth end before start")
	}
	return nav, true, nil
}

func (p *parser) parseWithClause() (*WithClause, error) {
	p.s.SkipSpace()
	if !p.s.Lit("(") {
		return nil, p.s.Errorf("expected '(' after with")
	}
	p.s.SkipSpace()

	var filter WithClauseFilter
	switch {
	case p.s.Keyword("empty"):
		filter = WithFilterEmpty()
	case p.s.Keyword("any"):
		filter = WithFilterAny()
	case p.s.Keyword("count"):
		p.s.SkipSpace()
		op, err := p.parseOp()
		if err != nil {
			return nil, err
		}
		p.s.SkipSpace()
		num, ok := p.s.Int()
		if !ok {
			return nil, p.s.Errorf("expected a number after count %s", op)
		}
		filter = WithClauseFilter{Op: op, Num: num}
	default:
		return nil, p.s.Errorf("expected empty, any or count in with()")
	}

	p.s.SkipSpace()
	if !p.s.Lit(",") {
		return nil, p.s.Errorf("expected ',' after with filter")
	}
	p.s.SkipSpace()
	nav, ok, err := p.parseNavigation()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, p.s.Errorf("expected a navigation in with()")
	}
	clause := &WithClause{Filter: filter, Nav: nav}

	p.s.SkipSpace()
	if r, _ := p.s.Peek(); r != ')' {
		if p.peekKeyword("with") {
			p.s.Keyword("with")
			inner, err := p.parseWithClause()
			if err != nil {
				return nil, err
			}
			clause.Inner = inner
		} else {
			term, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			clause.Term = term
			p.s.SkipSpace()
			if p.peekKeyword("with") {
				p.s.Keyword("with")
				inner, err := p.parseWithClause()
				if err != nil {
					return nil, err
				}
				clause.Inner = inner
			}
		}
	}

	p.s.SkipSpace()
	if !p.s.Lit(")") {
		return nil, p.s.Errorf("expected ')' to close with()")
	}
	return clause, nil
}

func (p *parser) parseSorts() ([]Sort, error) {
	var sorts []Sort
	for {
		p.s.SkipSpace()
		path, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		order := SortAsc
		p.s.SkipSpace()
		if p.s.Keyword("asc") {
			order = SortAsc
		} else if p.s.Keyword("desc") {
			order = SortDesc
		}
		sorts = append(sorts, Sort{Name: path, Order: order})
		p.s.SkipSpace()
		if !p.s.Lit(",") {
			return sorts, nil
		}
	}
}

func (p *parser) parseLimit() (*Limit, error) {
	p.s.SkipSpace()
	first, ok := p.s.Int()
	if !ok {
		return nil, p.s.Errorf("expected a number after limit")
	}
	p.s.SkipSpace()
	if p.s.Lit(",") {
		p.s.SkipSpace()
		second, ok := p.s.Int()
		if !ok {
			return nil, p.s.Errorf("expected a length after limit offset")
		}
		if first < 0 || second < 0 {
			return nil, p.s.Errorf("limit values must not be negative")
		}
		return &Limit{Offset: first, Length: second}, nil
	}
	if first < 0 {
		return nil, p.s.Errorf("limit must not be negative")
	}
	return &Limit{Length: first}, nil
}

// parseAggregate reads "( groupvars? funcs )" after the aggregate keyword.
func (p *parser) parseAggregate() (*Aggregate, error) {
	p.s.SkipSpace()
	if !p.s.Lit("(") {
		return nil, p.s.Errorf("expected '(' after aggregate")
	}
	agg := &Aggregate{}
	if p.aggregateHasGroup() {
		for {
			v, err := p.parseAggregateVariable()
			if err != nil {
				return nil, err
			}
			agg.GroupBy = append(agg.GroupBy, v)
			p.s.SkipSpace()
			if p.s.Lit(":") {
				break
			}
			if !p.s.Lit(",") {
				return nil, p.s.Errorf("expected ',' or ':' in aggregate group")
			}
		}
	}
	for {
		f, err := p.parseAggregateFunction()
		if err != nil {
			return nil, err
		}
		agg.Funcs = append(agg.Funcs, f)
		p.s.SkipSpace()
		if p.s.Lit(")") {
			return agg, nil
		}
		if !p.s.Lit(",") {
			return nil, p.s.Errorf("expected ',' or ')' in aggregate")
		}
	}
}

// aggregateHasGroup looks ahead for a ':' before the closing paren, which
// separates group variables from aggregate functions.
func (p *parser) aggregateHasGroup() bool {
	rest := p.s.Rest()
	depth := 0
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case '(', '[':
			depth++
		case ']':
			depth--
		case ')':
			if depth == 0 {
				return false
			}
			depth--
		case ':':
			if depth == 0 {
				return true
			}
		case '"', '\'':
			quote := rest[i]
			for i++; i < len(rest); i++ {
				if rest[i] == '\\' {
					i++
				} else if rest[i] == quote {
					break
				}
			}
		}
	}
	return false
}

func (p *parser) parseAggregateVariable() (AggregateVariable, error) {
	p.s.SkipSpace()
	path, err := p.parsePath()
	if err != nil {
		return AggregateVariable{}, err
	}
	v := AggregateVariable{Name: path}
	p.s.SkipSpace()
	if p.s.Keyword("as") {
		p.s.SkipSpace()
		name, ok := p.s.Ident()
		if !ok {
			return AggregateVariable{}, p.s.Errorf("expected a name after as")
		}
		v.As = name
	}
	return v, nil
}

var aggregateFns = map[string]bool{"sum": true, "min": true, "max": true, "avg": true, "count": true}

func (p *parser) parseAggregateFunction() (AggregateFunction, error) {
	p.s.SkipSpace()
	fn, ok := p.s.Ident()
	if !ok || !aggregateFns[fn] {
		return AggregateFunction{}, p.s.Errorf("expected an aggregate function (sum, min, max, avg, count)")
	}
	p.s.SkipSpace()
	if !p.s.Lit("(") {
		return AggregateFunction{}, p.s.Errorf("expected '(' after %s", fn)
	}
	f := AggregateFunction{Fn: fn}

	p.s.SkipSpace()
	if r, _ := p.s.Peek(); r >= '0' && r <= '9' {
		num, err := p.s.Value()
		if err != nil {
			return AggregateFunction{}, err
		}
		f.Name = num
	} else {
		path, err := p.parsePath()
		if err != nil {
			return AggregateFunction{}, err
		}
		f.Name = path
	}

	for {
		p.s.SkipSpace()
		if p.s.Lit(")") {
			break
		}
		var op string
		for _, candidate := range []string{"+", "-", "*", "/"} {
			if p.s.Lit(candidate) {
				op = candidate
				break
			}
		}
		if op == "" {
			return AggregateFunction{}, p.s.Errorf("expected an arithmetic op or ')' in %s()", fn)
		}
		p.s.SkipSpace()
		val, err := p.s.Value()
		if err != nil {
			return AggregateFunction{}, err
		}
		var num float64
		switch n := val.(type) {
		case int64:
			num = float64(n)
		case float64:
			num = n
		default:
			return AggregateFunction{}, p.s.Errorf("expected a number after %s", op)
		}
		f.Ops = append(f.Ops, AggregateOp{Op: op, Value: num})
	}

	p.s.SkipSpace()
	if p.s.Keyword("as") {
		p.s.SkipSpace()
		name, ok := p.s.Ident()
		if !ok {
			return AggregateFunction{}, p.s.Errorf("expected a name after as")
		}
		f.As = name
	}
	return f, nil
}

// rewriteSection prefixes every plain path in the query with the section.
func rewriteSection(q *Query, section string) {
	for i := range q.Parts {
		q.Parts[i].Term = rewriteTerm(q.Parts[i].Term, section)
		if q.Parts[i].With != nil {
			rewriteWith(q.Parts[i].With, section)
		}
	}
	for i := range q.Sorts {
		q.Sorts[i].Name = qualify(q.Sorts[i].Name, section)
	}
	if q.Aggregate != nil {
		for i := range q.Aggregate.GroupBy {
			q.Aggregate.GroupBy[i].Name = qualify(q.Aggregate.GroupBy[i].Name, section)
		}
		for i := range q.Aggregate.Funcs {
			if path, ok := q.Aggregate.Funcs[i].Name.(string); ok {
				q.Aggregate.Funcs[i].Name = qualify(path, section)
			}
		}
	}
}

func rewriteTerm(t Term, section string) Term {
	switch term := t.(type) {
	case *Predicate:
		return &Predicate{Name: qualify(term.Name, section), Op: term.Op, Value: term.Value, Args: term.Args}
	case *FunctionTerm:
		return &FunctionTerm{Fn: term.Fn, Name: qualify(term.Name, section), Args: term.Args}
	case *CombinedTerm:
		return &CombinedTerm{
			Left:  rewriteTerm(term.Left, section),
			Op:    term.Op,
			Right: rewriteTerm(term.Right, section),
		}
	default:
		return t
	}
}

func rewriteWith(w *WithClause, section string) {
	if w.Term != nil {
		w.Term = rewriteTerm(w.Term, section)
	}
	if w.Inner != nil {
		rewriteWith(w.Inner, section)
	}
}

// qualify prefixes a path with the section unless it already names one.
func qualify(path, section string) string {
	head, _, _ := strings.Cut(path, ".")
	if validSection(head) {
		return path
	}
	return section + "." + path
}

// applyEdgeType sets the preamble's edge type on navigations that did not
// name one explicitly.
func applyEdgeType(q *Query, edgeType string) {
	for i := range q.Parts {
		if q.Parts[i].Nav != nil && q.Parts[i].Nav.EdgeType == "" {
			q.Parts[i].Nav.EdgeType = edgeType
		}
		for w := q.Parts[i].With; w != nil; w = w.Inner {
			if w.Nav.EdgeType == "" {
				w.Nav.EdgeType = edgeType
			}
		}
	}
}
