package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corekeeper/ckcore/internal/graph"
	"github.com/corekeeper/ckcore/internal/storage"
)

func testDriver(t *testing.T) (*Driver, context.Context) {
	t.Helper()
	d := NewDriver()
	ctx := context.Background()
	require.NoError(t, d.CreateGraph(ctx, "g"))
	return d, ctx
}

func mkNode(id, kind string, reported string) *graph.Node {
	n := &graph.Node{
		ID:       id,
		Kinds:    []string{kind, "resource"},
		Reported: json.RawMessage(reported),
	}
	n.Hash = graph.HashReported(n.Reported)
	n.Search = graph.SearchString(n)
	return n
}

func TestGraphLifecycle(t *testing.T) {
	d, ctx := testDriver(t)

	names, err := d.ListGraphs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"g"}, names)

	info, err := d.GraphInfo(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Nodes, "a fresh graph holds the synthetic root")

	root, err := d.GetNode(ctx, "g", graph.RootID)
	require.NoError(t, err)
	assert.True(t, root.IsKind(graph.RootKind))

	require.NoError(t, d.CreateGraph(ctx, "g"), "create is idempotent")
	require.NoError(t, d.DeleteGraph(ctx, "g"))
	assert.ErrorIs(t, d.DeleteGraph(ctx, "g"), storage.ErrNotFound)
	_, err = d.GraphInfo(ctx, "g")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNodeCRUD(t *testing.T) {
	d, ctx := testDriver(t)

	n := mkNode("i-1", "instance", `{"kind":"instance","name":"web","cores":4}`)
	require.NoError(t, d.UpsertNodes(ctx, "g", []*graph.Node{n}))

	got, err := d.GetNode(ctx, "g", "i-1")
	require.NoError(t, err)
	assert.Equal(t, "web", got.Name())

	_, err = d.GetNode(ctx, "g", "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, d.DeleteNodes(ctx, "g", []string{"i-1"}))
	_, err = d.GetNode(ctx, "g", "i-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteNodesDropsEdges(t *testing.T) {
	d, ctx := testDriver(t)
	require.NoError(t, d.UpsertNodes(ctx, "g", []*graph.Node{
		mkNode("a", "x", `{"kind":"x"}`),
		mkNode("b", "x", `{"kind":"x"}`),
	}))
	require.NoError(t, d.ApplyChanges(ctx, "g", &graph.ChangeSet{
		EdgeInserts: []graph.Edge{{From: "a", To: "b", Type: graph.EdgeTypeDefault}},
	}))

	require.NoError(t, d.DeleteNodes(ctx, "g", []string{"b"}))
	info, err := d.GraphInfo(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Edges, "edges touching a deleted node go with it")
}

func TestPatchNodeSection(t *testing.T) {
	d, ctx := testDriver(t)
	require.NoError(t, d.UpsertNodes(ctx, "g", []*graph.Node{
		mkNode("i-1", "instance", `{"kind":"instance","name":"web"}`),
	}))

	got, err := d.PatchNodeSection(ctx, "g", "i-1", "desired", map[string]any{"clean": true})
	require.NoError(t, err)
	var desired map[string]any
	require.NoError(t, json.Unmarshal(got.Desired, &desired))
	assert.Equal(t, true, desired["clean"])

	// nil values delete keys
	got, err = d.PatchNodeSection(ctx, "g", "i-1", "desired", map[string]any{"clean": nil})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(got.Desired, &desired))
	assert.NotContains(t, desired, "clean")

	// patching reported refreshes the hash
	before, _ := d.GetNode(ctx, "g", "i-1")
	got, err = d.PatchNodeSection(ctx, "g", "i-1", "reported", map[string]any{"cores": 8})
	require.NoError(t, err)
	assert.NotEqual(t, before.Hash, got.Hash)

	_, err = d.PatchNodeSection(ctx, "g", "i-1", "bogus", map[string]any{})
	assert.Error(t, err)
	_, err = d.PatchNodeSection(ctx, "g", "missing", "desired", map[string]any{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReserveUpdateConflicts(t *testing.T) {
	d, ctx := testDriver(t)

	mark := storage.InProgressUpdate{
		ChangeID:  "c1",
		RootNodes: []string{"sub"},
		CreatedAt: time.Now(),
	}
	require.NoError(t, d.ReserveUpdate(ctx, "g", mark))

	// same change id again
	err := d.ReserveUpdate(ctx, "g", mark)
	assert.ErrorIs(t, err, storage.ErrInvalidBatchUpdate)

	// different change id, overlapping root
	err = d.ReserveUpdate(ctx, "g", storage.InProgressUpdate{ChangeID: "c2", RootNodes: []string{"sub"}})
	conflict, ok := storage.IsConflict(err)
	require.True(t, ok)
	assert.Equal(t, "c1", conflict.OtherChangeID)

	// overlap via parent ancestry
	err = d.ReserveUpdate(ctx, "g", storage.InProgressUpdate{ChangeID: "c3", ParentNodes: []string{"sub", "root"}})
	_, ok = storage.IsConflict(err)
	assert.True(t, ok)

	// disjoint merge runs freely
	require.NoError(t, d.ReserveUpdate(ctx, "g", storage.InProgressUpdate{ChangeID: "c4", RootNodes: []string{"other"}}))

	marks, err := d.ListInProgress(ctx, "g")
	require.NoError(t, err)
	require.Len(t, marks, 2)
	assert.Equal(t, "c1", marks[0].ChangeID)

	require.NoError(t, d.DeleteUpdateMark(ctx, "g", "c1"))
	require.NoError(t, d.ReserveUpdate(ctx, "g", storage.InProgressUpdate{ChangeID: "c5", RootNodes: []string{"sub"}}))
}

func TestStagedChanges(t *testing.T) {
	d, ctx := testDriver(t)
	changes := &graph.ChangeSet{
		NodeInserts: []*graph.Node{mkNode("a", "x", `{"kind":"x"}`)},
	}
	require.NoError(t, d.StageChanges(ctx, "g", "c1", changes))

	// primary untouched until commit
	_, err := d.GetNode(ctx, "g", "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, d.CommitStaged(ctx, "g", "c1"))
	_, err = d.GetNode(ctx, "g", "a")
	assert.NoError(t, err)

	assert.ErrorIs(t, d.CommitStaged(ctx, "g", "c1"), storage.ErrNotFound)

	require.NoError(t, d.StageChanges(ctx, "g", "c2", changes))
	require.NoError(t, d.AbortStaged(ctx, "g", "c2"))
	assert.ErrorIs(t, d.AbortStaged(ctx, "g", "c2"), storage.ErrNotFound)
}

func TestSliceAndAncestors(t *testing.T) {
	d, ctx := testDriver(t)
	a := mkNode("a", "account", `{"kind":"account"}`)
	b := mkNode("b", "region", `{"kind":"region"}`)
	a.UpdateID, b.UpdateID = "a", "a"
	require.NoError(t, d.ApplyChanges(ctx, "g", &graph.ChangeSet{
		NodeInserts: []*graph.Node{a, b},
		EdgeInserts: []graph.Edge{
			{From: "root", To: "a", Type: graph.EdgeTypeDefault, UpdateID: "a"},
			{From: "a", To: "b", Type: graph.EdgeTypeDefault, UpdateID: "a"},
		},
	}))

	nodes, edges, err := d.Slice(ctx, "g", "a")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
	assert.Len(t, edges, 2)

	ancestors, err := d.Ancestors(ctx, "g", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "root"}, ancestors, "nearest ancestor first")
}

func TestSystemDocs(t *testing.T) {
	d, ctx := testDriver(t)

	require.NoError(t, d.PutSystemDoc(ctx, "subscribers", "s1", json.RawMessage(`{"id":"s1"}`)))
	doc, err := d.GetSystemDoc(ctx, "subscribers", "s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"s1"}`, string(doc))

	docs, err := d.ListSystemDocs(ctx, "subscribers")
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	require.NoError(t, d.DeleteSystemDoc(ctx, "subscribers", "s1"))
	_, err = d.GetSystemDoc(ctx, "subscribers", "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, d.DeleteSystemDoc(ctx, "subscribers", "s1"), storage.ErrNotFound)
}
