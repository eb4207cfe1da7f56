// Package memory implements storage.Driver with in-process maps and a
// complete query AST evaluator. It backs unit and end-to-end tests and
// the embedded single-binary mode; every operation runs under one lock,
// which gives the transactional semantics the merge engine relies on.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/corekeeper/ckcore/internal/graph"
	"github.com/corekeeper/ckcore/internal/logging"
	"github.com/corekeeper/ckcore/internal/model"
	"github.com/corekeeper/ckcore/internal/query"
	"github.com/corekeeper/ckcore/internal/storage"
)

type graphStore struct {
	nodes  map[string]*graph.Node
	edges  map[string]graph.Edge
	marks  map[string]storage.InProgressUpdate
	staged map[string]*graph.ChangeSet
}

func newGraphStore() *graphStore {
	gs := &graphStore{
		nodes:  map[string]*graph.Node{},
		edges:  map[string]graph.Edge{},
		marks:  map[string]storage.InProgressUpdate{},
		staged: map[string]*graph.ChangeSet{},
	}
	root := graph.NewRootNode()
	gs.nodes[root.ID] = root
	return gs
}

// Driver is the in-memory storage backend.
type Driver struct {
	mu     sync.RWMutex
	graphs map[string]*graphStore
	system map[string]map[string]json.RawMessage
	log    *logging.Logger
}

var _ storage.Driver = (*Driver)(nil)

// NewDriver returns an empty in-memory driver.
func NewDriver() *Driver {
	return &Driver{
		graphs: map[string]*graphStore{},
		system: map[string]map[string]json.RawMessage{},
		log:    logging.GetLogger("storage.memory"),
	}
}

func (d *Driver) graphStore(name string) (*graphStore, error) {
	gs, ok := d.graphs[name]
	if !ok {
		return nil, fmt.Errorf("graph %q: %w", name, storage.ErrNotFound)
	}
	return gs, nil
}

// CreateGraph creates a graph with its synthetic root. Creating an
// existing graph is a no-op.
func (d *Driver) CreateGraph(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.graphs[name]; ok {
		return nil
	}
	d.graphs[name] = newGraphStore()
	d.log.Debug("created graph %s", name)
	return nil
}

func (d *Driver) DeleteGraph(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.graphs[name]; !ok {
		return fmt.Errorf("graph %q: %w", name, storage.ErrNotFound)
	}
	delete(d.graphs, name)
	return nil
}

func (d *Driver) ListGraphs(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.graphs))
	for name := range d.graphs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (d *Driver) GraphInfo(ctx context.Context, name string) (storage.GraphInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	gs, err := d.graphStore(name)
	if err != nil {
		return storage.GraphInfo{}, err
	}
	return storage.GraphInfo{Name: name, Nodes: len(gs.nodes), Edges: len(gs.edges)}, nil
}

func (d *Driver) GetNode(ctx context.Context, graphName, id string) (*graph.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return nil, err
	}
	n, ok := gs.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %q: %w", id, storage.ErrNotFound)
	}
	return copyNode(n), nil
}

func (d *Driver) UpsertNodes(ctx context.Context, graphName string, nodes []*graph.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		gs.nodes[n.ID] = copyNode(n)
	}
	return nil
}

func (d *Driver) DeleteNodes(ctx context.Context, graphName string, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return err
	}
	gs.deleteNodes(ids)
	return nil
}

func (gs *graphStore) deleteNodes(ids []string) {
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
		delete(gs.nodes, id)
	}
	for key, e := range gs.edges {
		if drop[e.From] || drop[e.To] {
			delete(gs.edges, key)
		}
	}
}

// PatchNodeSection shallow-merges patch into one JSON section of a node
// and returns the updated node. Patching reported refreshes the content
// hash and search string.
func (d *Driver) PatchNodeSection(ctx context.Context, graphName, id, section string, patch map[string]any) (*graph.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return nil, err
	}
	n, ok := gs.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %q: %w", id, storage.ErrNotFound)
	}

	var raw json.RawMessage
	switch section {
	case "reported":
		raw = n.Reported
	case "desired":
		raw = n.Desired
	case "metadata":
		raw = n.Metadata
	default:
		return nil, fmt.Errorf("unknown section %q", section)
	}

	merged := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &merged); err != nil {
			return nil, fmt.Errorf("decoding %s section of %s: %w", section, id, err)
		}
	}
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}

	switch section {
	case "reported":
		n.Reported = out
		n.Hash = graph.HashReported(out)
		n.Search = graph.SearchString(n)
	case "desired":
		n.Desired = out
	case "metadata":
		n.Metadata = out
	}
	return copyNode(n), nil
}

func (d *Driver) Slice(ctx context.Context, graphName, updateID string) ([]*graph.Node, []graph.Edge, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return nil, nil, err
	}
	var nodes []*graph.Node
	for _, n := range gs.nodes {
		if n.UpdateID == updateID {
			nodes = append(nodes, copyNode(n))
		}
	}
	var edges []graph.Edge
	for _, e := range gs.edges {
		if e.UpdateID == updateID {
			edges = append(edges, e)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key() < edges[j].Key() })
	return nodes, edges, nil
}

// Ancestors walks default edges backwards from id and returns the
// ancestor ids nearest first. The start node is not included.
func (d *Driver) Ancestors(ctx context.Context, graphName, id string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return nil, err
	}
	incoming := map[string][]string{}
	for _, e := range gs.edges {
		if e.Type == graph.EdgeTypeDefault {
			incoming[e.To] = append(incoming[e.To], e.From)
		}
	}
	seen := map[string]bool{id: true}
	var out []string
	queue := append([]string(nil), incoming[id]...)
	sort.Strings(queue)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		parents := append([]string(nil), incoming[cur]...)
		sort.Strings(parents)
		queue = append(queue, parents...)
	}
	return out, nil
}

// ReserveUpdate is the transactional check-and-insert guarding merges.
func (d *Driver) ReserveUpdate(ctx context.Context, graphName string, mark storage.InProgressUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return err
	}
	if _, ok := gs.marks[mark.ChangeID]; ok {
		return storage.ErrInvalidBatchUpdate
	}
	for _, existing := range gs.marks {
		if existing.Overlaps(mark) {
			return &storage.ConflictError{OtherChangeID: existing.ChangeID}
		}
	}
	gs.marks[mark.ChangeID] = mark
	return nil
}

func (d *Driver) DeleteUpdateMark(ctx context.Context, graphName, changeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return err
	}
	delete(gs.marks, changeID)
	return nil
}

func (d *Driver) ListInProgress(ctx context.Context, graphName string) ([]storage.InProgressUpdate, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return nil, err
	}
	out := make([]storage.InProgressUpdate, 0, len(gs.marks))
	for _, m := range gs.marks {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChangeID < out[j].ChangeID })
	return out, nil
}

func (d *Driver) ApplyChanges(ctx context.Context, graphName string, changes *graph.ChangeSet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return err
	}
	gs.apply(changes)
	return nil
}

func (gs *graphStore) apply(changes *graph.ChangeSet) {
	for _, n := range changes.NodeInserts {
		gs.nodes[n.ID] = copyNode(n)
	}
	for _, n := range changes.NodeUpdates {
		gs.nodes[n.ID] = copyNode(n)
	}
	gs.deleteNodes(changes.NodeDeletes)
	for _, e := range changes.EdgeDeletes {
		delete(gs.edges, e.Key())
	}
	for _, e := range changes.EdgeInserts {
		gs.edges[e.Key()] = e
	}
}

func (d *Driver) StageChanges(ctx context.Context, graphName, changeID string, changes *graph.ChangeSet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return err
	}
	gs.staged[changeID] = changes
	return nil
}

func (d *Driver) CommitStaged(ctx context.Context, graphName, changeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return err
	}
	changes, ok := gs.staged[changeID]
	if !ok {
		return fmt.Errorf("staged change %q: %w", changeID, storage.ErrNotFound)
	}
	gs.apply(changes)
	delete(gs.staged, changeID)
	return nil
}

func (d *Driver) AbortStaged(ctx context.Context, graphName, changeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return err
	}
	if _, ok := gs.staged[changeID]; !ok {
		return fmt.Errorf("staged change %q: %w", changeID, storage.ErrNotFound)
	}
	delete(gs.staged, changeID)
	return nil
}

func (d *Driver) SearchList(ctx context.Context, graphName string, q *query.Query, m *model.Model) (storage.Cursor[*graph.Node], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return nil, err
	}
	ev := newEvaluator(gs, m)
	nodes, err := ev.run(q)
	if err != nil {
		return nil, err
	}
	return storage.NewSliceCursor(nodes), nil
}

// SearchGraph returns the matching nodes plus every stored edge whose two
// endpoints are both part of the result.
func (d *Driver) SearchGraph(ctx context.Context, graphName string, q *query.Query, m *model.Model) (storage.Cursor[graph.Record], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return nil, err
	}
	ev := newEvaluator(gs, m)
	nodes, err := ev.run(q)
	if err != nil {
		return nil, err
	}
	in := map[string]bool{}
	records := make([]graph.Record, 0, len(nodes))
	for _, n := range nodes {
		in[n.ID] = true
		records = append(records, graph.NodeRecord(n))
	}
	edges := make([]graph.Edge, 0)
	for _, e := range gs.edges {
		if in[e.From] && in[e.To] {
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key() < edges[j].Key() })
	for _, e := range edges {
		records = append(records, graph.EdgeRecord(e))
	}
	return storage.NewSliceCursor(records), nil
}

func (d *Driver) SearchAggregate(ctx context.Context, graphName string, q *query.Query, m *model.Model) (storage.Cursor[map[string]any], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return nil, err
	}
	if q.Aggregate == nil {
		return nil, fmt.Errorf("query has no aggregation")
	}
	ev := newEvaluator(gs, m)
	rows, err := ev.runAggregate(q)
	if err != nil {
		return nil, err
	}
	return storage.NewSliceCursor(rows), nil
}

// Translate renders the canonical form of the query. The memory driver
// has no backend query language, so the simplified query text doubles as
// the debug output.
func (d *Driver) Translate(q *query.Query, m *model.Model) (string, map[string]any, error) {
	return q.Simplify().String(), map[string]any{}, nil
}

func (d *Driver) Explain(ctx context.Context, graphName string, q *query.Query, m *model.Model) (json.RawMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	gs, err := d.graphStore(graphName)
	if err != nil {
		return nil, err
	}
	plan := map[string]any{
		"driver": "memory",
		"query":  q.Simplify().String(),
		"scan":   len(gs.nodes),
	}
	return json.Marshal(plan)
}

func (d *Driver) PutSystemDoc(ctx context.Context, collection, id string, doc json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	col, ok := d.system[collection]
	if !ok {
		col = map[string]json.RawMessage{}
		d.system[collection] = col
	}
	col[id] = append(json.RawMessage(nil), doc...)
	return nil
}

func (d *Driver) GetSystemDoc(ctx context.Context, collection, id string) (json.RawMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.system[collection][id]
	if !ok {
		return nil, fmt.Errorf("document %s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return append(json.RawMessage(nil), doc...), nil
}

func (d *Driver) ListSystemDocs(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := map[string]json.RawMessage{}
	for id, doc := range d.system[collection] {
		out[id] = append(json.RawMessage(nil), doc...)
	}
	return out, nil
}

func (d *Driver) DeleteSystemDoc(ctx context.Context, collection, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.system[collection][id]; !ok {
		return fmt.Errorf("document %s/%s: %w", collection, id, storage.ErrNotFound)
	}
	delete(d.system[collection], id)
	return nil
}

func (d *Driver) Close() error { return nil }

func copyNode(n *graph.Node) *graph.Node {
	out := *n
	out.Kinds = append([]string(nil), n.Kinds...)
	out.Reported = append(json.RawMessage(nil), n.Reported...)
	out.Desired = append(json.RawMessage(nil), n.Desired...)
	out.Metadata = append(json.RawMessage(nil), n.Metadata...)
	return &out
}
