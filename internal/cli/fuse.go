package cli

import (
	"strconv"
	"strings"

	"github.com/corekeeper/ckcore/internal/query"
)

// defaultWindow is the head/tail limit used without an explicit count.
const defaultWindow = 100

// fusePipeline collapses leading query-part commands into one synthetic
// execute_query source. count/head/tail participate only when they
// follow query parts; count becomes an aggregation plus the
// aggregate_to_count flow, head/tail become limits on the query itself.
func (e *Executor) fusePipeline(x *execution, cmds []ParsedCommand) ([]ParsedCommand, error) {
	var q *query.Query
	var postFlows []ParsedCommand
	section := x.section()

	combine := func(raw, section string) error {
		parsed, err := e.parser.Parse(raw, section)
		if err != nil {
			return err
		}
		if q == nil {
			q = query.All()
		}
		q, err = q.CombineWith(parsed)
		return err
	}

	i := 0
loop:
	for ; i < len(cmds); i++ {
		c := cmds[i]
		switch c.Name {
		case "search":
			if c.Arg == "" {
				return nil, usageErr(c.Name, "expects a query")
			}
			if err := combine(c.Arg, section); err != nil {
				return nil, usageErr(c.Name, "%v", err)
			}

		case "reported", "desired", "metadata":
			if c.Arg == "" {
				return nil, usageErr(c.Name, "expects a query")
			}
			if err := combine(c.Arg, c.Name); err != nil {
				return nil, usageErr(c.Name, "%v", err)
			}

		case "predecessors", "successors", "ancestors", "descendants":
			if q == nil {
				q = query.All()
			}
			nav := query.Navigation{Start: 1, Until: 1, EdgeType: c.Arg, Direction: query.DirectionOut}
			if c.Name == "predecessors" || c.Name == "ancestors" {
				nav.Direction = query.DirectionIn
			}
			if c.Name == "ancestors" || c.Name == "descendants" {
				nav.Until = query.MaxDepth
			}
			q = q.AppendNavigation(nav)

		case "aggregate":
			if c.Arg == "" {
				return nil, usageErr(c.Name, "expects a group/function spec")
			}
			parsed, err := e.parser.Parse("aggregate("+c.Arg+"): all", section)
			if err != nil {
				return nil, usageErr(c.Name, "%v", err)
			}
			if q == nil {
				q = query.All()
			}
			if q, err = q.WithAggregate(parsed.Aggregate); err != nil {
				return nil, usageErr(c.Name, "%v", err)
			}

		case "merge_ancestors":
			if c.Arg == "" {
				return nil, usageErr(c.Name, "expects a comma separated kind list")
			}
			if q == nil {
				q = query.All()
			}
			q = withPreamble(q, "merge_with_ancestors", c.Arg)
			postFlows = append(postFlows, ParsedCommand{Name: "merge_ancestors", Arg: c.Arg})

		case "count":
			if q == nil {
				break loop
			}
			agg := &query.Aggregate{
				Funcs: []query.AggregateFunction{{Fn: "sum", Name: float64(1), As: "count"}},
			}
			if c.Arg != "" {
				agg.GroupBy = []query.AggregateVariable{{Name: c.Arg}}
			}
			var err error
			if q, err = q.WithAggregate(agg); err != nil {
				return nil, usageErr(c.Name, "%v", err)
			}
			postFlows = append(postFlows, ParsedCommand{Name: "aggregate_to_count", Arg: c.Arg})
			i++
			break loop

		case "head", "tail":
			if q == nil {
				break loop
			}
			n, err := parseWindow(c.Arg)
			if err != nil {
				return nil, usageErr(c.Name, "%v", err)
			}
			q = q.WithLimit(n)
			if c.Name == "tail" {
				q = q.EnsureSort(query.Sort{Name: "id", Order: query.SortDesc})
			}

		default:
			break loop
		}
	}

	if q == nil {
		return cmds, nil
	}
	out := make([]ParsedCommand, 0, 1+len(postFlows)+len(cmds)-i)
	out = append(out, ParsedCommand{Name: "execute_query", Arg: q.Simplify().String()})
	out = append(out, postFlows...)
	return append(out, cmds[i:]...), nil
}

// withPreamble sets a preamble key on a copy of the query.
func withPreamble(q *query.Query, key string, value any) *query.Query {
	out := *q
	out.Preamble = make(map[string]any, len(q.Preamble)+1)
	for k, v := range q.Preamble {
		out.Preamble[k] = v
	}
	out.Preamble[key] = value
	return &out
}

// parseWindow reads the element count of head/tail, accepting the
// "-N" form.
func parseWindow(arg string) (int, error) {
	arg = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(arg), "-"))
	if arg == "" {
		return defaultWindow, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 {
		return 0, usageErr("", "expected a positive element count, got %q", arg)
	}
	return n, nil
}
