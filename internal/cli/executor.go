// Package cli implements the command pipeline: parsing command lines,
// fusing query parts into a single storage query, and executing the
// resulting source/flow/sink chains as lazy streams.
package cli

import (
	"context"
	"fmt"

	"github.com/corekeeper/ckcore/internal/graph/merge"
	"github.com/corekeeper/ckcore/internal/logging"
	"github.com/corekeeper/ckcore/internal/metrics"
	"github.com/corekeeper/ckcore/internal/model"
	"github.com/corekeeper/ckcore/internal/query"
	"github.com/corekeeper/ckcore/internal/storage"
	"github.com/corekeeper/ckcore/internal/task"
	"github.com/corekeeper/ckcore/internal/work"
)

// parserCacheSize bounds the query parse cache.
const parserCacheSize = 1024

// Executor owns the command registry and the dependencies commands talk
// to. One executor serves all sessions.
type Executor struct {
	driver   storage.Driver
	parser   *query.CachingParser
	modelFn  func() *model.Model
	engine   *merge.Engine
	tasks    *task.Handler
	work     *work.Queue
	metrics  *metrics.Metrics
	log      *logging.Logger
	registry registry
	baseEnv  map[string]string
}

// Option configures an Executor.
type Option func(*Executor)

// WithModelFn supplies the current type model, re-read per invocation.
func WithModelFn(fn func() *model.Model) Option {
	return func(e *Executor) { e.modelFn = fn }
}

// WithMergeEngine enables the graph import command.
func WithMergeEngine(engine *merge.Engine) Option {
	return func(e *Executor) { e.engine = engine }
}

// WithTaskHandler enables the job and task commands.
func WithTaskHandler(h *task.Handler) Option {
	return func(e *Executor) { e.tasks = h }
}

// WithWorkQueue enables the tag command.
func WithWorkQueue(q *work.Queue) Option {
	return func(e *Executor) { e.work = q }
}

// WithMetrics attaches per-command counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithBaseEnv sets defaults merged under every request env, e.g. the
// default graph name.
func WithBaseEnv(env map[string]string) Option {
	return func(e *Executor) { e.baseEnv = env }
}

// NewExecutor builds an executor over the given storage driver.
func NewExecutor(driver storage.Driver, opts ...Option) *Executor {
	parser, err := query.NewCachingParser(parserCacheSize)
	if err != nil {
		// only reachable with a non-positive cache size
		panic(err)
	}
	e := &Executor{
		driver:   driver,
		parser:   parser,
		modelFn:  model.Default,
		log:      logging.GetLogger("cli"),
		registry: registry{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registerCommands()
	return e
}

// execution is the per-invocation state handed to command factories.
type execution struct {
	exec  *Executor
	env   map[string]string
	files map[string]string
}

func (x *execution) graphName() (string, error) {
	g := x.env["graph"]
	if g == "" {
		return "", usageErr("", "no graph name set, put graph=<name> in front of the command")
	}
	return g, nil
}

func (x *execution) section() string {
	if s := x.env["section"]; s != "" {
		return s
	}
	return "reported"
}

// Plan is the evaluated form of a command line: pipelines after query
// fusion, ready to execute.
type Plan struct {
	Pipelines []ParsedPipeline `json:"pipelines"`
	env       map[string]string
	files     map[string]string
}

// Evaluate parses a command line, substitutes placeholders, fuses query
// parts and validates command kinds and upload requirements. The
// pipeline is not started.
func (e *Executor) Evaluate(ctx context.Context, env map[string]string, files map[string]string, line string) (*Plan, error) {
	merged := map[string]string{}
	for k, v := range e.baseEnv {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}

	// the job body must keep its raw placeholders
	if firstCommandName(line) != "add_job" {
		now, err := referenceTime(merged)
		if err != nil {
			return nil, err
		}
		line = substitutePlaceholders(line, now)
	}

	pipelines, err := parseLine(line)
	if err != nil {
		return nil, &UsageError{Msg: err.Error()}
	}

	plan := &Plan{env: merged, files: files}
	var missing []Requirement
	for _, p := range pipelines {
		x := e.executionFor(plan, p.Env)
		fused, err := e.fusePipeline(x, p.Commands)
		if err != nil {
			return nil, err
		}
		p.Commands = fused
		if err := e.checkKinds(p.Commands); err != nil {
			return nil, err
		}
		for _, c := range p.Commands {
			cmd := e.registry[c.Name]
			if cmd.Requires == nil {
				continue
			}
			for _, file := range cmd.Requires(c.Arg) {
				if _, ok := files[file]; !ok {
					missing = append(missing, Requirement{Command: c.Name, File: file})
				}
			}
		}
		plan.Pipelines = append(plan.Pipelines, p)
	}
	if len(missing) > 0 {
		return nil, &RequirementError{Missing: missing}
	}
	return plan, nil
}

func (e *Executor) executionFor(plan *Plan, pipelineEnv map[string]string) *execution {
	env := map[string]string{}
	for k, v := range plan.env {
		env[k] = v
	}
	for k, v := range pipelineEnv {
		env[k] = v
	}
	return &execution{exec: e, env: env, files: plan.files}
}

// checkKinds enforces source-then-flows with an optional terminal sink.
func (e *Executor) checkKinds(cmds []ParsedCommand) error {
	for i, c := range cmds {
		cmd, ok := e.registry[c.Name]
		if !ok {
			return usageErr(c.Name, "unknown command")
		}
		switch {
		case i == 0 && cmd.Kind != KindSource:
			return usageErr(c.Name, "cannot start a pipeline: it does not produce elements")
		case i > 0 && cmd.Kind == KindSource:
			return usageErr(c.Name, "produces elements and can only start a pipeline")
		case cmd.Kind == KindSink && i != len(cmds)-1:
			return usageErr(c.Name, "consumes the stream and must come last")
		}
	}
	return nil
}

// Execute evaluates and runs a command line. The outputs of the
// pipelines are concatenated in order.
func (e *Executor) Execute(ctx context.Context, env map[string]string, files map[string]string, line string) (Iterator, error) {
	plan, err := e.Evaluate(ctx, env, files, line)
	if err != nil {
		return nil, err
	}
	return e.ExecutePlan(ctx, plan)
}

// ExecutePlan runs an evaluated plan.
func (e *Executor) ExecutePlan(ctx context.Context, plan *Plan) (Iterator, error) {
	iters := make([]Iterator, 0, len(plan.Pipelines))
	closeAll := func() {
		for _, it := range iters {
			it.Close()
		}
	}
	for _, p := range plan.Pipelines {
		x := e.executionFor(plan, p.Env)
		it, err := e.runPipeline(ctx, x, p.Commands)
		if err != nil {
			closeAll()
			return nil, err
		}
		iters = append(iters, it)
	}
	return concat(iters...), nil
}

func (e *Executor) runPipeline(ctx context.Context, x *execution, cmds []ParsedCommand) (Iterator, error) {
	var current Iterator
	for i, c := range cmds {
		cmd := e.registry[c.Name]
		if e.metrics != nil && !cmd.Internal {
			e.metrics.CommandsTotal.WithLabelValues(c.Name).Inc()
		}
		var err error
		switch cmd.Kind {
		case KindSource:
			current, err = cmd.Source(ctx, x, c.Arg)
		case KindFlow:
			current, err = cmd.Flow(ctx, x, c.Arg, current)
		case KindSink:
			// the only sink collects, which streaming callers do anyway
			if i != len(cmds)-1 {
				err = usageErr(c.Name, "must come last")
			}
		}
		if err != nil {
			if current != nil {
				current.Close()
			}
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return current, nil
}

// Run executes a job command line and drains its output. Implements the
// task handler's CommandRunner.
func (e *Executor) Run(ctx context.Context, command string) error {
	it, err := e.Execute(ctx, nil, nil, command)
	if err != nil {
		return err
	}
	return Drain(ctx, it)
}
