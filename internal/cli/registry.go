package cli

import (
	"context"
	"sort"
)

// CommandKind classifies where a command may sit in a pipeline.
type CommandKind string

const (
	KindSource CommandKind = "source"
	KindFlow   CommandKind = "flow"
	KindSink   CommandKind = "sink"
)

// Command describes one registered pipeline command. Exactly one of
// Source, Flow or Sink is set, matching Kind.
type Command struct {
	Name      string
	Kind      CommandKind
	QueryPart bool
	Internal  bool
	Help      string

	// Requires names the uploaded files the command needs for the given
	// argument. Unmet requirements block execution with a 424.
	Requires func(arg string) []string

	Source func(ctx context.Context, x *execution, arg string) (Iterator, error)
	Flow   func(ctx context.Context, x *execution, arg string, in Iterator) (Iterator, error)
	Sink   func(ctx context.Context, x *execution, arg string, in Iterator) (any, error)
}

// registry maps command names to their definitions.
type registry map[string]*Command

func (r registry) register(c *Command) {
	r[c.Name] = c
}

// Commands lists the registered non-internal commands sorted by name,
// for help output.
func (e *Executor) Commands() []*Command {
	out := make([]*Command, 0, len(e.registry))
	for _, c := range e.registry {
		if !c.Internal {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
