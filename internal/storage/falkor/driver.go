// Package falkor implements the storage driver on FalkorDB. Every ckcore
// graph lives in its own FalkorDB graph keyed ckcore_<name>; a shared
// ckcore_system graph tracks the graph registry and the system document
// collections. Nodes carry label Resource with their full JSON in the
// data property plus flattened leaf properties for querying.
package falkor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/FalkorDB/falkordb-go/v2"

	"github.com/corekeeper/ckcore/internal/graph"
	"github.com/corekeeper/ckcore/internal/logging"
	"github.com/corekeeper/ckcore/internal/model"
	"github.com/corekeeper/ckcore/internal/query"
	"github.com/corekeeper/ckcore/internal/storage"
)

const (
	graphPrefix = "ckcore_"
	systemGraph = "ckcore_system"

	// upsertChunk bounds the rows of one UNWIND batch.
	upsertChunk = 500
)

// Config connects the driver.
type Config struct {
	Address      string
	Password     string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// Driver implements storage.Driver on FalkorDB.
type Driver struct {
	db  *falkordb.FalkorDB
	log *logging.Logger

	mu     sync.Mutex
	graphs map[string]*falkordb.Graph
}

var _ storage.Driver = (*Driver)(nil)

// Open connects to FalkorDB and verifies the connection.
func Open(cfg Config) (*Driver, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 2 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 2 * time.Minute
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	db, err := falkordb.FalkorDBNew(&falkordb.ConnectionOption{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to falkordb at %s: %w", cfg.Address, err)
	}
	d := &Driver{
		db:     db,
		log:    logging.GetLogger("storage.falkor"),
		graphs: map[string]*falkordb.Graph{},
	}
	if _, err := d.run(context.Background(), systemGraph, "RETURN 1", nil); err != nil {
		return nil, fmt.Errorf("pinging falkordb at %s: %w", cfg.Address, err)
	}
	d.log.Info("connected to falkordb at %s", cfg.Address)
	return d, nil
}

// Close releases the connection pool.
func (d *Driver) Close() error {
	if d.db != nil && d.db.Conn != nil {
		return d.db.Conn.Close()
	}
	return nil
}

func (d *Driver) handle(key string) *falkordb.Graph {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.graphs[key]
	if !ok {
		g = d.db.SelectGraph(key)
		d.graphs[key] = g
	}
	return g
}

// run executes one Cypher statement, honoring the context deadline via
// the backend query timeout.
func (d *Driver) run(ctx context.Context, key, text string, params map[string]any) (*falkordb.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var opts *falkordb.QueryOptions
	if deadline, ok := ctx.Deadline(); ok {
		ms := int(time.Until(deadline).Milliseconds())
		if ms <= 0 {
			return nil, context.DeadlineExceeded
		}
		opts = falkordb.NewQueryOptions().SetTimeout(ms)
	}
	result, err := d.handle(key).Query(text, params, opts)
	if err != nil {
		return nil, fmt.Errorf("falkordb query failed: %w", err)
	}
	return result, nil
}

// rows drains a result into value slices.
func rows(result *falkordb.QueryResult) [][]any {
	var out [][]any
	for result.Next() {
		out = append(out, result.Record().Values())
	}
	return out
}

// ---- graph lifecycle ----

func (d *Driver) CreateGraph(ctx context.Context, name string) error {
	if _, err := d.run(ctx, systemGraph,
		"MERGE (g:Graph {name: $name})", map[string]any{"name": name}); err != nil {
		return err
	}
	key := graphPrefix + name
	// the index statement fails once the index exists; that is fine
	if _, err := d.run(ctx, key, "CREATE INDEX FOR (n:Resource) ON (n.id)", nil); err != nil {
		d.log.Debug("index on %s: %v", key, err)
	}
	return d.upsertNodes(ctx, key, []*graph.Node{graph.NewRootNode()})
}

func (d *Driver) DeleteGraph(ctx context.Context, name string) error {
	if err := d.ensureGraph(ctx, name); err != nil {
		return err
	}
	if err := d.handle(graphPrefix + name).Delete(); err != nil {
		return fmt.Errorf("deleting graph %s: %w", name, err)
	}
	d.mu.Lock()
	delete(d.graphs, graphPrefix+name)
	d.mu.Unlock()
	_, err := d.run(ctx, systemGraph,
		"MATCH (g:Graph {name: $name}) DELETE g", map[string]any{"name": name})
	return err
}

func (d *Driver) ListGraphs(ctx context.Context) ([]string, error) {
	result, err := d.run(ctx, systemGraph, "MATCH (g:Graph) RETURN g.name ORDER BY g.name", nil)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, row := range rows(result) {
		if name, ok := row[0].(string); ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func (d *Driver) GraphInfo(ctx context.Context, name string) (storage.GraphInfo, error) {
	if err := d.ensureGraph(ctx, name); err != nil {
		return storage.GraphInfo{}, err
	}
	key := graphPrefix + name
	result, err := d.run(ctx, key, "MATCH (n:Resource) RETURN count(n)", nil)
	if err != nil {
		return storage.GraphInfo{}, err
	}
	info := storage.GraphInfo{Name: name}
	if r := rows(result); len(r) > 0 {
		info.Nodes = int(asInt64(r[0][0]))
	}
	result, err = d.run(ctx, key, "MATCH (:Resource)-[e]->(:Resource) RETURN count(e)", nil)
	if err != nil {
		return storage.GraphInfo{}, err
	}
	if r := rows(result); len(r) > 0 {
		info.Edges = int(asInt64(r[0][0]))
	}
	return info, nil
}

func (d *Driver) ensureGraph(ctx context.Context, name string) error {
	result, err := d.run(ctx, systemGraph,
		"MATCH (g:Graph {name: $name}) RETURN g.name", map[string]any{"name": name})
	if err != nil {
		return err
	}
	if len(rows(result)) == 0 {
		return fmt.Errorf("graph %q: %w", name, storage.ErrNotFound)
	}
	return nil
}

// ---- node access ----

func (d *Driver) GetNode(ctx context.Context, graphName, id string) (*graph.Node, error) {
	if err := d.ensureGraph(ctx, graphName); err != nil {
		return nil, err
	}
	result, err := d.run(ctx, graphPrefix+graphName,
		"MATCH (n:Resource {id: $id}) RETURN n.data", map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	r := rows(result)
	if len(r) == 0 {
		return nil, fmt.Errorf("node %q: %w", id, storage.ErrNotFound)
	}
	return nodeFromData(r[0][0])
}

func (d *Driver) UpsertNodes(ctx context.Context, graphName string, nodes []*graph.Node) error {
	if err := d.ensureGraph(ctx, graphName); err != nil {
		return err
	}
	return d.upsertNodes(ctx, graphPrefix+graphName, nodes)
}

func (d *Driver) upsertNodes(ctx context.Context, key string, nodes []*graph.Node) error {
	for start := 0; start < len(nodes); start += upsertChunk {
		end := min(start+upsertChunk, len(nodes))
		batch := make([]any, 0, end-start)
		for _, n := range nodes[start:end] {
			props, err := nodeProps(n)
			if err != nil {
				return err
			}
			batch = append(batch, props)
		}
		_, err := d.run(ctx, key,
			"UNWIND $rows AS row MERGE (n:Resource {id: row.id}) SET n = row",
			map[string]any{"rows": batch})
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) DeleteNodes(ctx context.Context, graphName string, ids []string) error {
	if err := d.ensureGraph(ctx, graphName); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := d.run(ctx, graphPrefix+graphName,
		"UNWIND $ids AS id MATCH (n:Resource {id: id}) DETACH DELETE n",
		map[string]any{"ids": toAny(ids)})
	return err
}

func (d *Driver) PatchNodeSection(ctx context.Context, graphName, id, section string, patch map[string]any) (*graph.Node, error) {
	n, err := d.GetNode(ctx, graphName, id)
	if err != nil {
		return nil, err
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
	if err := d.upsertNodes(ctx, graphPrefix+graphName, []*graph.Node{n}); err != nil {
		return nil, err
	}
	return n, nil
}

// ---- merge support ----

func (d *Driver) Slice(ctx context.Context, graphName, updateID string) ([]*graph.Node, []graph.Edge, error) {
	if err := d.ensureGraph(ctx, graphName); err != nil {
		return nil, nil, err
	}
	key := graphPrefix + graphName
	result, err := d.run(ctx, key,
		"MATCH (n:Resource {update_id: $u}) RETURN n.data ORDER BY n.id",
		map[string]any{"u": updateID})
	if err != nil {
		return nil, nil, err
	}
	var nodes []*graph.Node
	for _, row := range rows(result) {
		n, err := nodeFromData(row[0])
		if err != nil {
			return nil, nil, err
		}
		nodes = append(nodes, n)
	}
	result, err = d.run(ctx, key,
		"MATCH (a:Resource)-[e]->(b:Resource) WHERE e.update_id = $u RETURN a.id, type(e), b.id",
		map[string]any{"u": updateID})
	if err != nil {
		return nil, nil, err
	}
	var edges []graph.Edge
	for _, row := range rows(result) {
		edges = append(edges, graph.Edge{
			From:     row[0].(string),
			Type:     graph.EdgeType(strings.ToLower(row[1].(string))),
			To:       row[2].(string),
			UpdateID: updateID,
		})
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key() < edges[j].Key() })
	return nodes, edges, nil
}

// Ancestors walks default edges backwards level by level, nearest first.
func (d *Driver) Ancestors(ctx context.Context, graphName, id string) ([]string, error) {
	if err := d.ensureGraph(ctx, graphName); err != nil {
		return nil, err
	}
	key := graphPrefix + graphName
	seen := map[string]bool{id: true}
	frontier := []string{id}
	var out []string
	for len(frontier) > 0 {
		result, err := d.run(ctx, key,
			"UNWIND $ids AS i MATCH (p:Resource)-[:DEFAULT]->(n:Resource {id: i}) RETURN DISTINCT p.id",
			map[string]any{"ids": toAny(frontier)})
		if err != nil {
			return nil, err
		}
		var next []string
		for _, row := range rows(result) {
			pid, ok := row[0].(string)
			if !ok || seen[pid] {
				continue
			}
			seen[pid] = true
			next = append(next, pid)
		}
		sort.Strings(next)
		out = append(out, next...)
		frontier = next
	}
	return out, nil
}

func (d *Driver) ReserveUpdate(ctx context.Context, graphName string, mark storage.InProgressUpdate) error {
	marks, err := d.ListInProgress(ctx, graphName)
	if err != nil {
		return err
	}
	for _, other := range marks {
		if other.ChangeID == mark.ChangeID {
			return storage.ErrInvalidBatchUpdate
		}
		if mark.Overlaps(other) {
			return &storage.ConflictError{OtherChangeID: other.ChangeID}
		}
	}
	doc, err := json.Marshal(mark)
	if err != nil {
		return err
	}
	result, err := d.run(ctx, graphPrefix+graphName,
		"MERGE (u:InProgressUpdate {change_id: $id}) ON CREATE SET u.doc = $doc",
		map[string]any{"id": mark.ChangeID, "doc": string(doc)})
	if err != nil {
		return err
	}
	if result.NodesCreated() == 0 {
		return storage.ErrInvalidBatchUpdate
	}
	return nil
}

func (d *Driver) DeleteUpdateMark(ctx context.Context, graphName, changeID string) error {
	result, err := d.run(ctx, graphPrefix+graphName,
		"MATCH (u:InProgressUpdate {change_id: $id}) DELETE u",
		map[string]any{"id": changeID})
	if err != nil {
		return err
	}
	if result.NodesDeleted() == 0 {
		return fmt.Errorf("update mark %q: %w", changeID, storage.ErrNotFound)
	}
	return nil
}

func (d *Driver) ListInProgress(ctx context.Context, graphName string) ([]storage.InProgressUpdate, error) {
	if err := d.ensureGraph(ctx, graphName); err != nil {
		return nil, err
	}
	result, err := d.run(ctx, graphPrefix+graphName,
		"MATCH (u:InProgressUpdate) RETURN u.doc", nil)
	if err != nil {
		return nil, err
	}
	var out []storage.InProgressUpdate
	for _, row := range rows(result) {
		raw, ok := row[0].(string)
		if !ok {
			continue
		}
		var mark storage.InProgressUpdate
		if err := json.Unmarshal([]byte(raw), &mark); err != nil {
			return nil, fmt.Errorf("decoding update mark: %w", err)
		}
		out = append(out, mark)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChangeID < out[j].ChangeID })
	return out, nil
}

func (d *Driver) ApplyChanges(ctx context.Context, graphName string, changes *graph.ChangeSet) error {
	if err := d.ensureGraph(ctx, graphName); err != nil {
		return err
	}
	key := graphPrefix + graphName
	if len(changes.NodeInserts)+len(changes.NodeUpdates) > 0 {
		all := append(append([]*graph.Node{}, changes.NodeInserts...), changes.NodeUpdates...)
		if err := d.upsertNodes(ctx, key, all); err != nil {
			return err
		}
	}
	if len(changes.NodeDeletes) > 0 {
		_, err := d.run(ctx, key,
			"UNWIND $ids AS id MATCH (n:Resource {id: id}) DETACH DELETE n",
			map[string]any{"ids": toAny(changes.NodeDeletes)})
		if err != nil {
			return err
		}
	}
	for edgeType, batch := range edgesByType(changes.EdgeInserts) {
		text := fmt.Sprintf(
			"UNWIND $rows AS row MATCH (a:Resource {id: row.from}), (b:Resource {id: row.to}) "+
				"MERGE (a)-[e:%s]->(b) SET e.update_id = row.update_id", relType(edgeType))
		if _, err := d.run(ctx, key, text, map[string]any{"rows": batch}); err != nil {
			return err
		}
	}
	for edgeType, batch := range edgesByType(changes.EdgeDeletes) {
		text := fmt.Sprintf(
			"UNWIND $rows AS row MATCH (a:Resource {id: row.from})-[e:%s]->(b:Resource {id: row.to}) DELETE e",
			relType(edgeType))
		if _, err := d.run(ctx, key, text, map[string]any{"rows": batch}); err != nil {
			return err
		}
	}
	return nil
}

// stagedRow is the wire shape of one staged change.
type stagedRow struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

func (d *Driver) StageChanges(ctx context.Context, graphName, changeID string, changes *graph.ChangeSet) error {
	if err := d.ensureGraph(ctx, graphName); err != nil {
		return err
	}
	// the sentinel row keeps empty change sets committable
	staged := []stagedRow{{Kind: "mark", Payload: "{}"}}
	appendRows := func(kind string, items []any) error {
		for _, item := range items {
			raw, err := json.Marshal(item)
			if err != nil {
				return err
			}
			staged = append(staged, stagedRow{Kind: kind, Payload: string(raw)})
		}
		return nil
	}
	if err := appendRows("node_insert", nodesAny(changes.NodeInserts)); err != nil {
		return err
	}
	if err := appendRows("node_update", nodesAny(changes.NodeUpdates)); err != nil {
		return err
	}
	if err := appendRows("node_delete", toAny(changes.NodeDeletes)); err != nil {
		return err
	}
	if err := appendRows("edge_insert", edgesAny(changes.EdgeInserts)); err != nil {
		return err
	}
	if err := appendRows("edge_delete", edgesAny(changes.EdgeDeletes)); err != nil {
		return err
	}

	key := graphPrefix + graphName
	for start := 0; start < len(staged); start += upsertChunk {
		end := min(start+upsertChunk, len(staged))
		batch := make([]any, 0, end-start)
		for _, row := range staged[start:end] {
			batch = append(batch, map[string]any{"kind": row.Kind, "payload": row.Payload})
		}
		_, err := d.run(ctx, key,
			"UNWIND $rows AS row CREATE (s:Staged {change_id: $id, kind: row.kind, payload: row.payload})",
			map[string]any{"id": changeID, "rows": batch})
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) CommitStaged(ctx context.Context, graphName, changeID string) error {
	changes, err := d.readStaged(ctx, graphName, changeID)
	if err != nil {
		return err
	}
	if err := d.ApplyChanges(ctx, graphName, changes); err != nil {
		return err
	}
	return d.dropStaged(ctx, graphName, changeID)
}

func (d *Driver) AbortStaged(ctx context.Context, graphName, changeID string) error {
	if _, err := d.readStaged(ctx, graphName, changeID); err != nil {
		return err
	}
	return d.dropStaged(ctx, graphName, changeID)
}

func (d *Driver) readStaged(ctx context.Context, graphName, changeID string) (*graph.ChangeSet, error) {
	if err := d.ensureGraph(ctx, graphName); err != nil {
		return nil, err
	}
	result, err := d.run(ctx, graphPrefix+graphName,
		"MATCH (s:Staged {change_id: $id}) RETURN s.kind, s.payload",
		map[string]any{"id": changeID})
	if err != nil {
		return nil, err
	}
	r := rows(result)
	if len(r) == 0 {
		return nil, fmt.Errorf("staged change %q: %w", changeID, storage.ErrNotFound)
	}
	changes := &graph.ChangeSet{}
	for _, row := range r {
		kind, _ := row[0].(string)
		payload, _ := row[1].(string)
		switch kind {
		case "mark":
		case "node_insert", "node_update":
			var n graph.Node
			if err := json.Unmarshal([]byte(payload), &n); err != nil {
				return nil, fmt.Errorf("decoding staged node: %w", err)
			}
			if kind == "node_insert" {
				changes.NodeInserts = append(changes.NodeInserts, &n)
			} else {
				changes.NodeUpdates = append(changes.NodeUpdates, &n)
			}
		case "node_delete":
			var id string
			if err := json.Unmarshal([]byte(payload), &id); err != nil {
				return nil, fmt.Errorf("decoding staged delete: %w", err)
			}
			changes.NodeDeletes = append(changes.NodeDeletes, id)
		case "edge_insert", "edge_delete":
			var e graph.Edge
			if err := json.Unmarshal([]byte(payload), &e); err != nil {
				return nil, fmt.Errorf("decoding staged edge: %w", err)
			}
			if kind == "edge_insert" {
				changes.EdgeInserts = append(changes.EdgeInserts, e)
			} else {
				changes.EdgeDeletes = append(changes.EdgeDeletes, e)
			}
		default:
			return nil, fmt.Errorf("unknown staged row kind %q", kind)
		}
	}
	return changes, nil
}

func (d *Driver) dropStaged(ctx context.Context, graphName, changeID string) error {
	_, err := d.run(ctx, graphPrefix+graphName,
		"MATCH (s:Staged {change_id: $id}) DELETE s", map[string]any{"id": changeID})
	return err
}

// ---- query execution ----

func (d *Driver) SearchList(ctx context.Context, graphName string, q *query.Query, m *model.Model) (storage.Cursor[*graph.Node], error) {
	nodes, err := d.queryNodes(ctx, graphName, q, m)
	if err != nil {
		return nil, err
	}
	return storage.NewSliceCursor(nodes), nil
}

func (d *Driver) SearchGraph(ctx context.Context, graphName string, q *query.Query, m *model.Model) (storage.Cursor[graph.Record], error) {
	nodes, err := d.queryNodes(ctx, graphName, q, m)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(nodes))
	records := make([]graph.Record, 0, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
		records = append(records, graph.NodeRecord(n))
	}
	result, err := d.run(ctx, graphPrefix+graphName,
		"MATCH (a:Resource)-[e]->(b:Resource) WHERE a.id IN $ids AND b.id IN $ids RETURN a.id, type(e), b.id",
		map[string]any{"ids": toAny(ids)})
	if err != nil {
		return nil, err
	}
	for _, row := range rows(result) {
		records = append(records, graph.EdgeRecord(graph.Edge{
			From: row[0].(string),
			Type: graph.EdgeType(strings.ToLower(row[1].(string))),
			To:   row[2].(string),
		}))
	}
	return storage.NewSliceCursor(records), nil
}

func (d *Driver) SearchAggregate(ctx context.Context, graphName string, q *query.Query, m *model.Model) (storage.Cursor[map[string]any], error) {
	if !q.IsAggregate() {
		return nil, fmt.Errorf("query has no aggregation")
	}
	if err := d.ensureGraph(ctx, graphName); err != nil {
		return nil, err
	}
	text, binds, err := Translate(q, m)
	if err != nil {
		return nil, err
	}
	result, err := d.run(ctx, graphPrefix+graphName, text, binds)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for result.Next() {
		record := result.Record()
		keys := record.Keys()
		values := record.Values()
		row := make(map[string]any, len(keys))
		for i, k := range keys {
			row[k] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	return storage.NewSliceCursor(out), nil
}

func (d *Driver) queryNodes(ctx context.Context, graphName string, q *query.Query, m *model.Model) ([]*graph.Node, error) {
	if q.IsAggregate() {
		return nil, fmt.Errorf("aggregation queries return rows, not nodes")
	}
	if err := d.ensureGraph(ctx, graphName); err != nil {
		return nil, err
	}
	text, binds, err := Translate(q, m)
	if err != nil {
		return nil, err
	}
	result, err := d.run(ctx, graphPrefix+graphName, text, binds)
	if err != nil {
		return nil, err
	}
	var out []*graph.Node
	for _, row := range rows(result) {
		n, err := nodeFromValue(row[0])
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (d *Driver) Translate(q *query.Query, m *model.Model) (string, map[string]any, error) {
	return Translate(q, m)
}

// Explain returns the translation plan without touching the backend.
func (d *Driver) Explain(ctx context.Context, graphName string, q *query.Query, m *model.Model) (json.RawMessage, error) {
	text, binds, err := Translate(q, m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"backend": "falkor",
		"graph":   graphPrefix + graphName,
		"query":   text,
		"binds":   binds,
	})
}

// ---- system documents ----

func (d *Driver) PutSystemDoc(ctx context.Context, collection, id string, doc json.RawMessage) error {
	_, err := d.run(ctx, systemGraph,
		"MERGE (d:Doc {collection: $c, id: $i}) SET d.body = $b",
		map[string]any{"c": collection, "i": id, "b": string(doc)})
	return err
}

func (d *Driver) GetSystemDoc(ctx context.Context, collection, id string) (json.RawMessage, error) {
	result, err := d.run(ctx, systemGraph,
		"MATCH (d:Doc {collection: $c, id: $i}) RETURN d.body",
		map[string]any{"c": collection, "i": id})
	if err != nil {
		return nil, err
	}
	r := rows(result)
	if len(r) == 0 {
		return nil, fmt.Errorf("document %s/%s: %w", collection, id, storage.ErrNotFound)
	}
	body, _ := r[0][0].(string)
	return json.RawMessage(body), nil
}

func (d *Driver) ListSystemDocs(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	result, err := d.run(ctx, systemGraph,
		"MATCH (d:Doc {collection: $c}) RETURN d.id, d.body",
		map[string]any{"c": collection})
	if err != nil {
		return nil, err
	}
	out := map[string]json.RawMessage{}
	for _, row := range rows(result) {
		id, _ := row[0].(string)
		body, _ := row[1].(string)
		out[id] = json.RawMessage(body)
	}
	return out, nil
}

func (d *Driver) DeleteSystemDoc(ctx context.Context, collection, id string) error {
	result, err := d.run(ctx, systemGraph,
		"MATCH (d:Doc {collection: $c, id: $i}) DELETE d",
		map[string]any{"c": collection, "i": id})
	if err != nil {
		return err
	}
	if result.NodesDeleted() == 0 {
		return fmt.Errorf("document %s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return nil
}

// ---- value plumbing ----

// nodeProps renders a node as its stored property map: identity and
// bookkeeping fields, the full JSON in data, and flattened leaf
// properties per section for querying.
func nodeProps(n *graph.Node) (map[string]any, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	props := map[string]any{
		"id":        n.ID,
		"hash":      n.Hash,
		"search":    n.Search,
		"update_id": n.UpdateID,
		"kinds":     toAny(n.Kinds),
		"data":      string(data),
	}
	for section, raw := range map[string]json.RawMessage{
		"reported": n.Reported,
		"desired":  n.Desired,
		"metadata": n.Metadata,
	} {
		if len(raw) == 0 {
			continue
		}
		doc := map[string]any{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decoding %s section of %s: %w", section, n.ID, err)
		}
		flattenInto(props, section, doc)
	}
	return props, nil
}

// flattenInto stores scalar leaves and lists of scalars under their
// dotted path. Lists of objects are only reachable through data.
func flattenInto(props map[string]any, prefix string, value any) {
	switch v := value.(type) {
	case map[string]any:
		for k, item := range v {
			flattenInto(props, prefix+"."+k, item)
		}
	case []any:
		scalars := make([]any, 0, len(v))
		for _, item := range v {
			switch item.(type) {
			case string, float64, bool, nil:
				scalars = append(scalars, item)
			}
		}
		if len(scalars) == len(v) {
			props[prefix] = scalars
		}
	default:
		props[prefix] = v
	}
}

func nodeFromValue(v any) (*graph.Node, error) {
	switch t := v.(type) {
	case falkordb.Node:
		return nodeFromData(t.Properties["data"])
	case *falkordb.Node:
		return nodeFromData(t.Properties["data"])
	default:
		return nodeFromData(v)
	}
}

func nodeFromData(v any) (*graph.Node, error) {
	raw, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected node payload %T", v)
	}
	var n graph.Node
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return nil, fmt.Errorf("decoding stored node: %w", err)
	}
	return &n, nil
}

func relType(t graph.EdgeType) string {
	if t == "" {
		t = graph.EdgeTypeDefault
	}
	return strings.ToUpper(string(t))
}

func edgesByType(edges []graph.Edge) map[graph.EdgeType][]any {
	out := map[graph.EdgeType][]any{}
	for _, e := range edges {
		out[e.Type] = append(out[e.Type], map[string]any{
			"from": e.From, "to": e.To, "update_id": e.UpdateID,
		})
	}
	return out
}

func nodesAny(nodes []*graph.Node) []any {
	out := make([]any, len(nodes))
	for i, n := range nodes {
		out[i] = n
	}
	return out
}

func edgesAny(edges []graph.Edge) []any {
	out := make([]any, len(edges))
	for i, e := range edges {
		out[i] = e
	}
	return out
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func asInt64(v any) int64 {
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

func normalizeValue(v any) any {
	switch t := v.(type) {
	case falkordb.Node:
		return t.Properties
	case *falkordb.Node:
		return t.Properties
	default:
		return v
	}
}
