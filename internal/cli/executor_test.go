package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corekeeper/ckcore/internal/graph"
	"github.com/corekeeper/ckcore/internal/graph/merge"
	"github.com/corekeeper/ckcore/internal/storage/memory"
	"github.com/corekeeper/ckcore/internal/work"
)

// testExecutor seeds root -> acc -> reg -> {i-1, i-2, v-1} and returns
// an executor over it.
func testExecutor(t *testing.T, opts ...Option) (*Executor, *memory.Driver, context.Context) {
	t.Helper()
	d := memory.NewDriver()
	ctx := context.Background()
	require.NoError(t, d.CreateGraph(ctx, "g"))

	engine := merge.NewEngine(d)
	sub := graph.NewSubgraph()
	for _, n := range []struct {
		id, kind, reported string
	}{
		{"acc", "account", `{"kind":"account","name":"prod"}`},
		{"reg", "region", `{"kind":"region","name":"us-east-1"}`},
		{"i-1", "instance", `{"kind":"instance","name":"web","instance_cores":4}`},
		{"i-2", "instance", `{"kind":"instance","name":"db","instance_cores":8}`},
		{"v-1", "volume", `{"kind":"volume","name":"data","volume_size":100}`},
	} {
		require.NoError(t, sub.AddNode(&graph.Node{
			ID:       n.id,
			Kinds:    []string{n.kind, "resource"},
			Reported: json.RawMessage(n.reported),
		}))
	}
	for _, e := range []graph.Edge{
		{From: "acc", To: "reg"},
		{From: "reg", To: "i-1"},
		{From: "reg", To: "i-2"},
		{From: "reg", To: "v-1"},
	} {
		require.NoError(t, sub.AddEdge(e))
	}
	_, err := engine.Merge(ctx, "g", sub, "", merge.Options{})
	require.NoError(t, err)

	e := NewExecutor(d, append([]Option{WithMergeEngine(engine)}, opts...)...)
	return e, d, ctx
}

func run(t *testing.T, e *Executor, ctx context.Context, line string) []any {
	t.Helper()
	it, err := e.Execute(ctx, map[string]string{"graph": "g"}, nil, line)
	require.NoError(t, err)
	out, err := Collect(ctx, it)
	require.NoError(t, err)
	return out
}

func ids(items []any) []string {
	var out []string
	for _, item := range items {
		if doc, ok := item.(map[string]any); ok {
			if id, ok := doc["id"].(string); ok {
				out = append(out, id)
			}
		}
	}
	return out
}

func TestExecuteSearch(t *testing.T) {
	e, _, ctx := testExecutor(t)

	out := run(t, e, ctx, "search is(instance)")
	assert.ElementsMatch(t, []string{"i-1", "i-2"}, ids(out))
}

func TestExecuteNoGraphName(t *testing.T) {
	e, _, ctx := testExecutor(t)

	it, err := e.Execute(ctx, nil, nil, "search all")
	if err == nil {
		_, err = Collect(ctx, it)
	}
	assert.ErrorContains(t, err, "no graph name set")
}

func TestExecuteHeadCount(t *testing.T) {
	e, _, ctx := testExecutor(t)

	out := run(t, e, ctx, "search all | head 3 | count")
	assert.Equal(t, []any{"total matched: 3", "total unmatched: 0"}, out)
}

func TestExecuteCountGrouped(t *testing.T) {
	e, _, ctx := testExecutor(t)

	out := run(t, e, ctx, "search is(instance) or is(volume) | count reported.kind")
	assert.Equal(t, []any{
		"instance: 2",
		"volume: 1",
		"total matched: 3",
		"total unmatched: 0",
	}, out)
}

func TestExecuteCountFlowStandalone(t *testing.T) {
	e, _, ctx := testExecutor(t)

	out := run(t, e, ctx, `json [{"a":1},{"a":1},{"b":2}] | count a`)
	assert.Equal(t, []any{"1: 2", "total matched: 2", "total unmatched: 1"}, out)
}

func TestExecuteChunkFlattenIdentity(t *testing.T) {
	e, _, ctx := testExecutor(t)

	out := run(t, e, ctx, "search all | chunk 2 | flatten | count")
	assert.Equal(t, []any{"total matched: 6", "total unmatched: 0"}, out)
}

func TestExecuteUniq(t *testing.T) {
	e, _, ctx := testExecutor(t)

	out := run(t, e, ctx, `json [1,1,2,1] | uniq`)
	assert.Equal(t, []any{float64(1), float64(2)}, out)
}

func TestExecuteJSONSplat(t *testing.T) {
	e, _, ctx := testExecutor(t)

	assert.Len(t, run(t, e, ctx, "json [1,2,3]"), 3)
	assert.Len(t, run(t, e, ctx, `json {"a":1}`), 1)
}

func TestExecuteEchoAndEnv(t *testing.T) {
	e, _, ctx := testExecutor(t)

	assert.Equal(t, []any{"hi there"}, run(t, e, ctx, `echo "hi there"`))

	out := run(t, e, ctx, "env")
	require.Len(t, out, 1)
	assert.Equal(t, "g", out[0].(map[string]any)["graph"])
}

func TestExecuteSleep(t *testing.T) {
	e, _, ctx := testExecutor(t)
	assert.Equal(t, []any{""}, run(t, e, ctx, "sleep 0"))
}

func TestExecuteFormat(t *testing.T) {
	e, _, ctx := testExecutor(t)

	out := run(t, e, ctx, "search id(i-1) | format {reported.name} has {reported.instance_cores} cores, disk {reported.disk}")
	assert.Equal(t, []any{"web has 4 cores, disk null"}, out)
}

func TestExecuteList(t *testing.T) {
	e, _, ctx := testExecutor(t)

	out := run(t, e, ctx, "search is(volume) | list")
	assert.Equal(t, []any{"kind=volume, id=v-1, name=data"}, out)

	out = run(t, e, ctx, "search is(volume) | list reported.volume_size as size, id")
	assert.Equal(t, []any{"size=100, id=v-1"}, out)
}

func TestExecuteSetDesired(t *testing.T) {
	e, d, ctx := testExecutor(t)

	out := run(t, e, ctx, "search is(instance) | set_desired clean=true")
	require.Len(t, out, 2)

	n, err := d.GetNode(ctx, "g", "i-1")
	require.NoError(t, err)
	var desired map[string]any
	require.NoError(t, json.Unmarshal(n.Desired, &desired))
	assert.Equal(t, true, desired["clean"])
}

func TestExecuteCleanAndProtect(t *testing.T) {
	e, d, ctx := testExecutor(t)

	run(t, e, ctx, "search id(v-1) | clean decommissioned")
	n, err := d.GetNode(ctx, "g", "v-1")
	require.NoError(t, err)
	var desired map[string]any
	require.NoError(t, json.Unmarshal(n.Desired, &desired))
	assert.Equal(t, true, desired["clean"])

	run(t, e, ctx, "search id(v-1) | protect")
	n, err = d.GetNode(ctx, "g", "v-1")
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(n.Metadata, &meta))
	assert.Equal(t, true, meta["protected"])
}

func TestExecuteMergeAncestors(t *testing.T) {
	e, _, ctx := testExecutor(t)

	out := run(t, e, ctx, "search is(instance) | merge_ancestors region,account")
	require.Len(t, out, 2)
	doc := out[0].(map[string]any)
	region := doc["region"].(map[string]any)["reported"].(map[string]any)
	assert.Equal(t, "reg", region["id"])
	assert.Equal(t, "us-east-1", region["name"])
	account := doc["account"].(map[string]any)["reported"].(map[string]any)
	assert.Equal(t, "acc", account["id"])
}

func TestExecuteTag(t *testing.T) {
	q := work.NewQueue()
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop(ctx)

	w, err := q.Attach("w1", []work.WorkerCapability{{TaskName: "tag"}})
	require.NoError(t, err)
	go func() {
		for task := range w.Queue() {
			var payload map[string]any
			_ = json.Unmarshal(task.Data, &payload)
			doc, _ := json.Marshal(map[string]any{
				"id":    payload["id"],
				"kinds": []string{"instance", "resource"},
				"reported": map[string]any{
					"kind": "instance", "name": "web",
					"tags": map[string]any{payload["key"].(string): payload["value"]},
				},
			})
			_ = q.Acknowledge(task.ID, doc)
		}
	}()

	e, d, _ := testExecutor(t, WithWorkQueue(q))
	out := run(t, e, ctx, "search id(i-1) | tag update owner ops")
	require.Len(t, out, 1)
	doc := out[0].(map[string]any)
	assert.Equal(t, "i-1", doc["id"])

	n, err := d.GetNode(ctx, "g", "i-1")
	require.NoError(t, err)
	assert.Contains(t, string(n.Reported), `"owner":"ops"`)
}

func TestExecuteTagFailure(t *testing.T) {
	q := work.NewQueue(work.WithMaxRetries(0))
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop(ctx)

	w, err := q.Attach("w1", []work.WorkerCapability{{TaskName: "tag"}})
	require.NoError(t, err)
	go func() {
		for task := range w.Queue() {
			_ = q.Error(task.ID, "provider refused")
		}
	}()

	e, _, _ := testExecutor(t, WithWorkQueue(q))
	out := run(t, e, ctx, "search id(i-1) | tag update owner ops")
	require.Len(t, out, 1)
	doc := out[0].(map[string]any)
	assert.Equal(t, "i-1", doc["id"])
	assert.Contains(t, doc["error"], "provider refused")
}

func TestExecuteTagWithoutQueue(t *testing.T) {
	e, _, ctx := testExecutor(t)

	_, err := e.Execute(ctx, map[string]string{"graph": "g"}, nil, "search all | tag update owner ops")
	assert.ErrorContains(t, err, "no worker queue")
}

func TestExecuteGraphImport(t *testing.T) {
	e, d, ctx := testExecutor(t)

	path := filepath.Join(t.TempDir(), "nodes.ndjson")
	body := `{"type":"node","id":"acc2","kinds":["account","resource"],"reported":{"kind":"account","name":"staging"}}
{"type":"node","id":"reg2","kinds":["region","resource"],"reported":{"kind":"region","name":"eu-west-1"}}
{"type":"edge","from":"acc2","to":"reg2"}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	it, err := e.Execute(ctx, map[string]string{"graph": "g"},
		map[string]string{"nodes.ndjson": path}, "system graph import nodes.ndjson")
	require.NoError(t, err)
	out, err := Collect(ctx, it)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, float64(2), out[0].(map[string]any)["nodes_created"])

	n, err := d.GetNode(ctx, "g", "reg2")
	require.NoError(t, err)
	assert.Equal(t, "region", n.Kind())
}

func TestExecuteMultiPipeline(t *testing.T) {
	e, _, ctx := testExecutor(t)

	out := run(t, e, ctx, "echo one; echo two")
	assert.Equal(t, []any{"one", "two"}, out)
}

func TestRunAsCommandRunner(t *testing.T) {
	e, _, ctx := testExecutor(t)
	assert.NoError(t, e.Run(ctx, "echo hi"))
	assert.Error(t, e.Run(ctx, "definitely_not_a_command"))
}
