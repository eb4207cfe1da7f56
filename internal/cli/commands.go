package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/corekeeper/ckcore/internal/graph"
	"github.com/corekeeper/ckcore/internal/graph/merge"
	"github.com/corekeeper/ckcore/internal/model"
	"github.com/corekeeper/ckcore/internal/work"
)

// patchChunkSize bounds how many nodes a section patch buffers before
// talking to the driver.
const patchChunkSize = 1000

// tagTaskTimeout bounds one tag worker round trip.
const tagTaskTimeout = 30 * time.Second

func (e *Executor) registerCommands() {
	r := e.registry

	// query parts, consumed by the fuser; registered so evaluate can
	// name them in errors and help output
	for _, name := range []string{
		"search", "reported", "desired", "metadata",
		"predecessors", "successors", "ancestors", "descendants",
		"aggregate", "merge_ancestors",
	} {
		r.register(&Command{
			Name:      name,
			Kind:      KindSource,
			QueryPart: true,
			Help:      "query part, fused into one storage query",
			Source: func(ctx context.Context, x *execution, arg string) (Iterator, error) {
				return nil, usageErr(name, "query part outside a query pipeline")
			},
		})
	}

	r.register(&Command{
		Name: "execute_query",
		Kind: KindSource, Internal: true,
		Source: e.executeQuery,
	})
	r.register(&Command{
		Name: "merge_ancestors",
		Kind: KindFlow, Internal: true,
		Flow: e.mergeAncestorsFlow,
	})
	r.register(&Command{
		Name: "aggregate_to_count",
		Kind: KindFlow, Internal: true,
		Flow: aggregateToCountFlow,
	})

	r.register(&Command{Name: "echo", Kind: KindSource, Help: "emit the argument as one element", Source: echoSource})
	r.register(&Command{Name: "json", Kind: KindSource, Help: "emit a JSON literal, arrays element-wise", Source: jsonSource})
	r.register(&Command{Name: "env", Kind: KindSource, Help: "emit the current environment", Source: envSource})
	r.register(&Command{Name: "sleep", Kind: KindSource, Help: "wait the given seconds, then emit an empty string", Source: sleepSource})

	r.register(&Command{Name: "count", Kind: KindFlow, Help: "count elements, optionally grouped by a property path", Flow: countFlow})
	r.register(&Command{Name: "head", Kind: KindFlow, Help: "keep the first n elements", Flow: headFlow})
	r.register(&Command{Name: "tail", Kind: KindFlow, Help: "keep the last n elements", Flow: tailFlow})
	r.register(&Command{Name: "chunk", Kind: KindFlow, Help: "group elements into lists of size n", Flow: chunkFlow})
	r.register(&Command{Name: "flatten", Kind: KindFlow, Help: "splat list elements into the stream", Flow: flattenFlow})
	r.register(&Command{Name: "uniq", Kind: KindFlow, Help: "drop elements already seen", Flow: uniqFlow})
	r.register(&Command{Name: "format", Kind: KindFlow, Help: "render each element through a {path} template", Flow: formatFlow})
	r.register(&Command{Name: "list", Kind: KindFlow, Help: "render elements as comma separated property pairs", Flow: listFlow})
	r.register(&Command{Name: "dump", Kind: KindFlow, Help: "pass elements through unchanged, full shape", Flow: dumpFlow})

	r.register(&Command{Name: "set_desired", Kind: KindFlow, Help: "patch the desired section of streamed nodes", Flow: e.sectionPatch("desired", "")})
	r.register(&Command{Name: "clean", Kind: KindFlow, Help: "mark streamed nodes for cleanup", Flow: e.cleanFlow})
	r.register(&Command{Name: "set_metadata", Kind: KindFlow, Help: "patch the metadata section of streamed nodes", Flow: e.sectionPatch("metadata", "")})
	r.register(&Command{Name: "protect", Kind: KindFlow, Help: "mark streamed nodes as protected", Flow: e.sectionPatch("metadata", `protected=true`)})
	r.register(&Command{Name: "tag", Kind: KindFlow, Help: "update or delete a tag on streamed nodes via workers", Flow: e.tagFlow})

	r.register(&Command{Name: "jobs", Kind: KindSource, Help: "list job definitions", Source: e.jobsSource})
	r.register(&Command{Name: "tasks", Kind: KindSource, Help: "list running tasks", Source: e.tasksSource})
	r.register(&Command{Name: "add_job", Kind: KindSource, Help: "add a job definition", Source: e.addJobSource})
	r.register(&Command{Name: "delete_job", Kind: KindSource, Help: "delete a job by id", Source: e.deleteJobSource})
	r.register(&Command{Name: "start_task", Kind: KindSource, Help: "start a task by descriptor id", Source: e.startTaskSource})

	r.register(&Command{
		Name: "system", Kind: KindSource,
		Help:     "system info and graph import",
		Requires: systemRequires,
		Source:   e.systemSource,
	})

	r.register(&Command{Name: "out", Kind: KindSink, Help: "terminal sink collecting the stream"})
}

// ---- query execution ----

func (e *Executor) executeQuery(ctx context.Context, x *execution, arg string) (Iterator, error) {
	graphName, err := x.graphName()
	if err != nil {
		return nil, err
	}
	q, err := e.parser.Parse(arg, x.section())
	if err != nil {
		return nil, err
	}
	m := e.modelFn()
	started := time.Now()

	if q.IsAggregate() {
		cursor, err := e.driver.SearchAggregate(ctx, graphName, q, m)
		if err != nil {
			return nil, err
		}
		e.observeQuery(graphName, "aggregate", started)
		return iterate(func(ctx context.Context) (any, bool, error) {
			row, ok, err := cursor.Next(ctx)
			if err != nil || !ok {
				return nil, false, err
			}
			return row, true, nil
		}, cursor.Close), nil
	}

	cursor, err := e.driver.SearchList(ctx, graphName, q, m)
	if err != nil {
		return nil, err
	}
	e.observeQuery(graphName, "list", started)
	return iterate(func(ctx context.Context) (any, bool, error) {
		n, ok, err := cursor.Next(ctx)
		if err != nil || !ok {
			return nil, false, err
		}
		return n.Document(), true, nil
	}, cursor.Close), nil
}

func (e *Executor) observeQuery(graphName, kind string, started time.Time) {
	if e.metrics != nil {
		e.metrics.QueryDuration.WithLabelValues(graphName, kind).Observe(time.Since(started).Seconds())
	}
}

// mergeAncestorsFlow attaches, per named kind, a summary of the closest
// ancestor of that kind to every streamed node document.
func (e *Executor) mergeAncestorsFlow(ctx context.Context, x *execution, arg string, in Iterator) (Iterator, error) {
	graphName, err := x.graphName()
	if err != nil {
		return nil, err
	}
	kinds := splitCommaList(arg)
	ancestorCache := map[string][]string{}
	nodeCache := map[string]*graph.Node{}

	lookup := func(id string) []string {
		if ids, ok := ancestorCache[id]; ok {
			return ids
		}
		ids, err := e.driver.Ancestors(ctx, graphName, id)
		if err != nil {
			e.log.Warn("ancestors of %s: %v", id, err)
			ids = nil
		}
		ancestorCache[id] = ids
		return ids
	}
	node := func(id string) *graph.Node {
		if n, ok := nodeCache[id]; ok {
			return n
		}
		n, err := e.driver.GetNode(ctx, graphName, id)
		if err != nil {
			n = nil
		}
		nodeCache[id] = n
		return n
	}

	return iterate(func(ctx context.Context) (any, bool, error) {
		item, ok, err := in.Next(ctx)
		if err != nil || !ok {
			return nil, false, err
		}
		doc, ok := item.(map[string]any)
		if !ok {
			return item, true, nil
		}
		id, _ := doc["id"].(string)
		if id == "" {
			return item, true, nil
		}
		for _, kind := range kinds {
			for _, ancestorID := range lookup(id) {
				n := node(ancestorID)
				if n == nil || !n.IsKind(kind) {
					continue
				}
				doc[kind] = map[string]any{"reported": map[string]any{
					"id":   n.ID,
					"kind": n.Kind(),
					"name": n.Name(),
				}}
				break
			}
		}
		return doc, true, nil
	}, in.Close), nil
}

// aggregateToCountFlow renders aggregation rows as count output lines.
func aggregateToCountFlow(ctx context.Context, x *execution, arg string, in Iterator) (Iterator, error) {
	rows, err := Collect(ctx, in)
	if err != nil {
		return nil, err
	}
	var lines []string
	total := int64(0)
	for _, item := range rows {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		count := toInt64(row["count"])
		total += count
		if arg != "" {
			lines = append(lines, fmt.Sprintf("%v: %d", row[arg], count))
		}
	}
	sort.Strings(lines)
	lines = append(lines, fmt.Sprintf("total matched: %d", total), "total unmatched: 0")
	return NewSliceIterator(toAnySlice(lines)), nil
}

// ---- plain sources ----

func echoSource(ctx context.Context, x *execution, arg string) (Iterator, error) {
	if len(arg) >= 2 && (arg[0] == '"' || arg[0] == '\'') && arg[len(arg)-1] == arg[0] {
		arg = arg[1 : len(arg)-1]
	}
	return NewSliceIterator([]any{arg}), nil
}

func jsonSource(ctx context.Context, x *execution, arg string) (Iterator, error) {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return nil, usageErr("json", "invalid literal: %v", err)
	}
	if list, ok := v.([]any); ok {
		return NewSliceIterator(list), nil
	}
	return NewSliceIterator([]any{v}), nil
}

func envSource(ctx context.Context, x *execution, arg string) (Iterator, error) {
	out := make(map[string]any, len(x.env))
	for k, v := range x.env {
		out[k] = v
	}
	return NewSliceIterator([]any{out}), nil
}

func sleepSource(ctx context.Context, x *execution, arg string) (Iterator, error) {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	if err != nil || seconds < 0 {
		return nil, usageErr("sleep", "expected a non-negative duration in seconds, got %q", arg)
	}
	done := false
	return iterate(func(ctx context.Context) (any, bool, error) {
		if done {
			return nil, false, nil
		}
		done = true
		timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
			return "", true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}, nil), nil
}

// ---- generic flows ----

func countFlow(ctx context.Context, x *execution, arg string, in Iterator) (Iterator, error) {
	items, err := Collect(ctx, in)
	if err != nil {
		return nil, err
	}
	var lines []string
	if arg == "" {
		lines = append(lines, fmt.Sprintf("total matched: %d", len(items)), "total unmatched: 0")
		return NewSliceIterator(toAnySlice(lines)), nil
	}
	counts := map[string]int{}
	matched, unmatched := 0, 0
	for _, item := range items {
		vals, ok := model.ResolvePath(item, arg)
		if !ok || allNil(vals) {
			unmatched++
			continue
		}
		matched++
		for _, v := range vals {
			if v != nil {
				counts[fmt.Sprintf("%v", v)]++
			}
		}
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] < counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %d", k, counts[k]))
	}
	lines = append(lines,
		fmt.Sprintf("total matched: %d", matched),
		fmt.Sprintf("total unmatched: %d", unmatched))
	return NewSliceIterator(toAnySlice(lines)), nil
}

func headFlow(ctx context.Context, x *execution, arg string, in Iterator) (Iterator, error) {
	n, err := parseWindow(arg)
	if err != nil {
		return nil, err
	}
	taken := 0
	return iterate(func(ctx context.Context) (any, bool, error) {
		if taken >= n {
			return nil, false, nil
		}
		item, ok, err := in.Next(ctx)
		if err != nil || !ok {
			return nil, false, err
		}
		taken++
		return item, true, nil
	}, in.Close), nil
}

func tailFlow(ctx context.Context, x *execution, arg string, in Iterator) (Iterator, error) {
	n, err := parseWindow(arg)
	if err != nil {
		return nil, err
	}
	items, err := Collect(ctx, in)
	if err != nil {
		return nil, err
	}
	if len(items) > n {
		items = items[len(items)-n:]
	}
	return NewSliceIterator(items), nil
}

func chunkFlow(ctx context.Context, x *execution, arg string, in Iterator) (Iterator, error) {
	n, err := parseWindow(arg)
	if err != nil {
		return nil, err
	}
	return iterate(func(ctx context.Context) (any, bool, error) {
		batch := make([]any, 0, n)
		for len(batch) < n {
			item, ok, err := in.Next(ctx)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				break
			}
			batch = append(batch, item)
		}
		if len(batch) == 0 {
			return nil, false, nil
		}
		return batch, true, nil
	}, in.Close), nil
}

func flattenFlow(ctx context.Context, x *execution, arg string, in Iterator) (Iterator, error) {
	var queue []any
	return iterate(func(ctx context.Context) (any, bool, error) {
		for {
			if len(queue) > 0 {
				item := queue[0]
				queue = queue[1:]
				return item, true, nil
			}
			item, ok, err := in.Next(ctx)
			if err != nil || !ok {
				return nil, false, err
			}
			if list, isList := item.([]any); isList {
				queue = append(queue, list...)
				continue
			}
			return item, true, nil
		}
	}, in.Close), nil
}

func uniqFlow(ctx context.Context, x *execution, arg string, in Iterator) (Iterator, error) {
	seen := map[string]bool{}
	return iterate(func(ctx context.Context) (any, bool, error) {
		for {
			item, ok, err := in.Next(ctx)
			if err != nil || !ok {
				return nil, false, err
			}
			h := contentHash(item)
			if seen[h] {
				continue
			}
			seen[h] = true
			return item, true, nil
		}
	}, in.Close), nil
}

var formatPattern = regexp.MustCompile(`\{([^{}]+)\}`)

func formatFlow(ctx context.Context, x *execution, arg string, in Iterator) (Iterator, error) {
	if arg == "" {
		return nil, usageErr("format", "expects a template")
	}
	return iterate(func(ctx context.Context) (any, bool, error) {
		item, ok, err := in.Next(ctx)
		if err != nil || !ok {
			return nil, false, err
		}
		line := formatPattern.ReplaceAllStringFunc(arg, func(token string) string {
			path := token[1 : len(token)-1]
			v := model.ResolveFirst(item, path)
			if v == nil {
				return "null"
			}
			return renderScalar(v)
		})
		return line, true, nil
	}, in.Close), nil
}

// defaultListProps is rendered by list without arguments.
var defaultListProps = [][2]string{
	{"reported.kind", "kind"},
	{"id", "id"},
	{"reported.name", "name"},
}

func listFlow(ctx context.Context, x *execution, arg string, in Iterator) (Iterator, error) {
	props := defaultListProps
	if arg != "" {
		props = nil
		for _, spec := range splitCommaList(arg) {
			path, alias, _ := strings.Cut(spec, " as ")
			path = strings.TrimSpace(path)
			alias = strings.TrimSpace(alias)
			if alias == "" {
				segs := strings.Split(path, ".")
				alias = segs[len(segs)-1]
			}
			props = append(props, [2]string{path, alias})
		}
	}
	return iterate(func(ctx context.Context) (any, bool, error) {
		item, ok, err := in.Next(ctx)
		if err != nil || !ok {
			return nil, false, err
		}
		var pairs []string
		for _, p := range props {
			if v := model.ResolveFirst(item, p[0]); v != nil {
				pairs = append(pairs, fmt.Sprintf("%s=%s", p[1], renderScalar(v)))
			}
		}
		return strings.Join(pairs, ", "), true, nil
	}, in.Close), nil
}

func dumpFlow(ctx context.Context, x *execution, arg string, in Iterator) (Iterator, error) {
	return in, nil
}

// ---- node mutation flows ----

// sectionPatch builds a flow that patches one node section. A non-empty
// fixedArg overrides the user argument, e.g. protect.
func (e *Executor) sectionPatch(section, fixedArg string) func(ctx context.Context, x *execution, arg string, in Iterator) (Iterator, error) {
	return func(ctx context.Context, x *execution, arg string, in Iterator) (Iterator, error) {
		if fixedArg != "" {
			arg = fixedArg
		}
		patch, err := parseKVArgs(arg)
		if err != nil {
			return nil, err
		}
		if len(patch) == 0 {
			return nil, usageErr("", "expects key=value arguments")
		}
		return e.patchIterator(x, section, patch, in), nil
	}
}

// patchIterator buffers ids in chunks and patches them through the
// driver, yielding the updated node documents.
func (e *Executor) patchIterator(x *execution, section string, patch map[string]any, in Iterator) Iterator {
	var out []any
	exhausted := false
	return iterate(func(ctx context.Context) (any, bool, error) {
		for len(out) == 0 {
			if exhausted {
				return nil, false, nil
			}
			graphName, err := x.graphName()
			if err != nil {
				return nil, false, err
			}
			ids := make([]string, 0, patchChunkSize)
			for len(ids) < patchChunkSize {
				item, ok, err := in.Next(ctx)
				if err != nil {
					return nil, false, err
				}
				if !ok {
					exhausted = true
					break
				}
				if id := docID(item); id != "" {
					ids = append(ids, id)
				}
			}
			for _, id := range ids {
				n, err := e.driver.PatchNodeSection(ctx, graphName, id, section, patch)
				if err != nil {
					return nil, false, err
				}
				out = append(out, n.Document())
			}
		}
		item := out[0]
		out = out[1:]
		return item, true, nil
	}, in.Close)
}

func (e *Executor) cleanFlow(ctx context.Context, x *execution, arg string, in Iterator) (Iterator, error) {
	if arg != "" {
		e.log.Info("marking nodes for cleanup, reason: %s", arg)
	} else {
		e.log.Info("marking nodes for cleanup")
	}
	return e.patchIterator(x, "desired", map[string]any{"clean": true}, in), nil
}

// tagFlow dispatches one worker task per element and reflects the
// returned node into the graph. Failures yield an error element instead
// of aborting the stream.
func (e *Executor) tagFlow(ctx context.Context, x *execution, arg string, in Iterator) (Iterator, error) {
	if e.work == nil {
		return nil, usageErr("tag", "no worker queue available")
	}
	fields := strings.Fields(arg)
	if len(fields) < 2 {
		return nil, usageErr("tag", "expects update <key> <value> or delete <key>")
	}
	action := fields[0]
	key := fields[1]
	value := ""
	switch action {
	case "update":
		if len(fields) < 3 {
			return nil, usageErr("tag", "update expects a value")
		}
		value = strings.Join(fields[2:], " ")
	case "delete":
	default:
		return nil, usageErr("tag", "unknown action %q", action)
	}
	graphName, err := x.graphName()
	if err != nil {
		return nil, err
	}

	return iterate(func(ctx context.Context) (any, bool, error) {
		item, ok, err := in.Next(ctx)
		if err != nil || !ok {
			return nil, false, err
		}
		id := docID(item)
		if id == "" {
			return map[string]any{"error": "element has no node id"}, true, nil
		}
		data, _ := json.Marshal(map[string]any{
			"graph": graphName, "id": id,
			"action": action, "key": key, "value": value,
		})
		future := e.work.AddTask(&work.Task{
			ID:       uuid.NewString(),
			Name:     "tag",
			Data:     data,
			Deadline: time.Now().Add(tagTaskTimeout),
		})
		waitCtx, cancel := context.WithTimeout(ctx, tagTaskTimeout)
		result, err := future.Await(waitCtx)
		cancel()
		if err != nil {
			return map[string]any{"error": err.Error(), "id": id}, true, nil
		}
		doc := map[string]any{}
		if err := json.Unmarshal(result, &doc); err != nil {
			return map[string]any{"error": fmt.Sprintf("bad worker result: %v", err), "id": id}, true, nil
		}
		// the worker result stands even when the local mirror update fails
		if n, err := nodeFromDocument(doc); err == nil {
			if err := e.driver.UpsertNodes(ctx, graphName, []*graph.Node{n}); err != nil {
				e.log.Warn("tag result for %s not reflected into graph: %v", id, err)
			}
		}
		return doc, true, nil
	}, in.Close), nil
}

// ---- task subsystem sources ----

func (e *Executor) jobsSource(ctx context.Context, x *execution, arg string) (Iterator, error) {
	if e.tasks == nil {
		return nil, usageErr("jobs", "task subsystem not available")
	}
	jobs, err := e.tasks.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(jobs))
	for i, j := range jobs {
		out[i] = toDoc(j)
	}
	return NewSliceIterator(out), nil
}

func (e *Executor) tasksSource(ctx context.Context, x *execution, arg string) (Iterator, error) {
	if e.tasks == nil {
		return nil, usageErr("tasks", "task subsystem not available")
	}
	var out []any
	for _, info := range e.tasks.RunningTasks() {
		out = append(out, toDoc(info))
	}
	return NewSliceIterator(out), nil
}

func (e *Executor) addJobSource(ctx context.Context, x *execution, arg string) (Iterator, error) {
	if e.tasks == nil {
		return nil, usageErr("add_job", "task subsystem not available")
	}
	if arg == "" {
		return nil, usageErr("add_job", "expects a job definition")
	}
	j, err := e.tasks.AddJob(ctx, arg)
	if err != nil {
		return nil, err
	}
	return NewSliceIterator([]any{toDoc(j)}), nil
}

func (e *Executor) deleteJobSource(ctx context.Context, x *execution, arg string) (Iterator, error) {
	if e.tasks == nil {
		return nil, usageErr("delete_job", "task subsystem not available")
	}
	if arg == "" {
		return nil, usageErr("delete_job", "expects a job id")
	}
	if err := e.tasks.DeleteJob(ctx, arg); err != nil {
		return nil, err
	}
	return NewSliceIterator([]any{fmt.Sprintf("job %s deleted", arg)}), nil
}

func (e *Executor) startTaskSource(ctx context.Context, x *execution, arg string) (Iterator, error) {
	if e.tasks == nil {
		return nil, usageErr("start_task", "task subsystem not available")
	}
	if arg == "" {
		return nil, usageErr("start_task", "expects a descriptor id")
	}
	info, err := e.tasks.StartTaskByDescriptorID(ctx, arg)
	if err != nil {
		return nil, err
	}
	return NewSliceIterator([]any{toDoc(info)}), nil
}

// ---- system ----

func systemRequires(arg string) []string {
	fields := strings.Fields(arg)
	if len(fields) == 3 && fields[0] == "graph" && fields[1] == "import" {
		return []string{fields[2]}
	}
	return nil
}

func (e *Executor) systemSource(ctx context.Context, x *execution, arg string) (Iterator, error) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return nil, usageErr("system", "expects info or graph import <file>")
	}
	switch fields[0] {
	case "info":
		graphs, err := e.driver.ListGraphs(ctx)
		if err != nil {
			return nil, err
		}
		return NewSliceIterator([]any{map[string]any{
			"version": Version,
			"graphs":  toAnySlice(graphs),
		}}), nil

	case "graph":
		if len(fields) != 3 || fields[1] != "import" {
			return nil, usageErr("system", "graph expects: graph import <file>")
		}
		return e.importGraph(ctx, x, fields[2])

	default:
		return nil, usageErr("system", "unknown subcommand %q", fields[0])
	}
}

// importGraph merges an uploaded ndjson or JSON array file below the
// graph root.
func (e *Executor) importGraph(ctx context.Context, x *execution, fileName string) (Iterator, error) {
	if e.engine == nil {
		return nil, usageErr("system", "no merge engine available")
	}
	graphName, err := x.graphName()
	if err != nil {
		return nil, err
	}
	path, ok := x.files[fileName]
	if !ok {
		return nil, &RequirementError{Missing: []Requirement{{Command: "system", File: fileName}}}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening upload %s: %w", fileName, err)
	}
	defer f.Close()
	sub, err := graph.ReadSubgraph(f)
	if err != nil {
		return nil, err
	}
	counts, err := e.engine.Merge(ctx, graphName, sub, "", merge.Options{})
	if err != nil {
		return nil, err
	}
	return NewSliceIterator([]any{toDoc(counts)}), nil
}

// Version is stamped at build time.
var Version = "dev"

// ---- helpers ----

func splitCommaList(arg string) []string {
	var out []string
	for _, part := range strings.Split(arg, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseKVArgs reads space separated key=value pairs. Values parse as
// JSON literals when possible, bare strings otherwise.
func parseKVArgs(arg string) (map[string]any, error) {
	out := map[string]any{}
	for _, field := range strings.Fields(arg) {
		key, raw, ok := strings.Cut(field, "=")
		if !ok || key == "" {
			return nil, usageErr("", "expected key=value, got %q", field)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = strings.Trim(raw, `"'`)
		}
		out[key] = v
	}
	return out, nil
}

func docID(item any) string {
	if doc, ok := item.(map[string]any); ok {
		if id, ok := doc["id"].(string); ok {
			return id
		}
	}
	if id, ok := item.(string); ok {
		return id
	}
	return ""
}

// nodeFromDocument rebuilds a node from its document shape.
func nodeFromDocument(doc map[string]any) (*graph.Node, error) {
	id, _ := doc["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("document has no id")
	}
	n := &graph.Node{ID: id}
	if kinds, ok := doc["kinds"].([]any); ok {
		for _, k := range kinds {
			if s, ok := k.(string); ok {
				n.Kinds = append(n.Kinds, s)
			}
		}
	}
	if updateID, ok := doc["update_id"].(string); ok {
		n.UpdateID = updateID
	}
	for _, section := range []struct {
		key string
		dst *json.RawMessage
	}{
		{"reported", &n.Reported},
		{"desired", &n.Desired},
		{"metadata", &n.Metadata},
	} {
		if v, ok := doc[section.key]; ok {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			*section.dst = raw
		}
	}
	if len(n.Reported) == 0 {
		return nil, fmt.Errorf("document %s has no reported section", id)
	}
	n.Hash = graph.HashReported(n.Reported)
	n.Search = graph.SearchString(n)
	return n, nil
}

// contentHash is order-independent for maps: encoding/json renders map
// keys sorted.
func contentHash(item any) string {
	raw, err := json.Marshal(item)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", item))
	}
	return fmt.Sprintf("%x", xxh3.Hash(raw))
}

func renderScalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case nil:
		return "null"
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

func toDoc(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func allNil(vals []any) bool {
	for _, v := range vals {
		if v != nil {
			return false
		}
	}
	return true
}
