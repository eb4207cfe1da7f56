// Package storage abstracts the persistent graph backend. All core logic
// is written against Driver; the falkor package implements it on FalkorDB
// and the memory package provides a fully transactional in-process driver
// for tests and embedded use.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/corekeeper/ckcore/internal/graph"
	"github.com/corekeeper/ckcore/internal/model"
	"github.com/corekeeper/ckcore/internal/query"
)

// GraphInfo summarizes one stored graph.
type GraphInfo struct {
	Name  string `json:"name"`
	Nodes int    `json:"nodes"`
	Edges int    `json:"edges"`
}

// InProgressUpdate is the transactionally reserved mark that blocks
// overlapping merges. An update affects its root nodes and every ancestor
// of its parent; two updates overlap when those sets intersect.
type InProgressUpdate struct {
	ChangeID     string           `json:"change_id"`
	RootNodes    []string         `json:"root_nodes"`
	ParentNodeID string           `json:"parent_node_id"`
	ParentNodes  []string         `json:"parent_nodes"`
	IsBatch      bool             `json:"is_batch"`
	EdgeTypes    []graph.EdgeType `json:"edge_types"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Affected returns the set of node ids this update touches.
func (u InProgressUpdate) Affected() map[string]bool {
	out := make(map[string]bool, len(u.RootNodes)+len(u.ParentNodes))
	for _, id := range u.RootNodes {
		out[id] = true
	}
	for _, id := range u.ParentNodes {
		out[id] = true
	}
	return out
}

// Overlaps reports whether two updates contend. They do when either
// update's root nodes fall into the other's affected set. Parent chains
// alone never clash, so sibling sub-roots merge concurrently under a
// shared parent.
func (u InProgressUpdate) Overlaps(other InProgressUpdate) bool {
	mine, theirs := u.Affected(), other.Affected()
	for _, id := range u.RootNodes {
		if theirs[id] {
			return true
		}
	}
	for _, id := range other.RootNodes {
		if mine[id] {
			return true
		}
	}
	return false
}

// System document collections used by the core.
const (
	CollectionSubscribers = "subscribers"
	CollectionJobs        = "jobs"
	CollectionModel       = "model"
	CollectionConfigs     = "configs"
)

// Driver is the storage backend contract. Implementations must be safe
// for concurrent use; every call honors the context deadline.
type Driver interface {
	// graph lifecycle
	CreateGraph(ctx context.Context, name string) error
	DeleteGraph(ctx context.Context, name string) error
	ListGraphs(ctx context.Context) ([]string, error)
	GraphInfo(ctx context.Context, name string) (GraphInfo, error)

	// node access
	GetNode(ctx context.Context, graphName, id string) (*graph.Node, error)
	UpsertNodes(ctx context.Context, graphName string, nodes []*graph.Node) error
	DeleteNodes(ctx context.Context, graphName string, ids []string) error
	PatchNodeSection(ctx context.Context, graphName, id, section string, patch map[string]any) (*graph.Node, error)

	// merge support
	Slice(ctx context.Context, graphName, updateID string) ([]*graph.Node, []graph.Edge, error)
	Ancestors(ctx context.Context, graphName, id string) ([]string, error)
	ReserveUpdate(ctx context.Context, graphName string, mark InProgressUpdate) error
	DeleteUpdateMark(ctx context.Context, graphName, changeID string) error
	ListInProgress(ctx context.Context, graphName string) ([]InProgressUpdate, error)
	ApplyChanges(ctx context.Context, graphName string, changes *graph.ChangeSet) error
	StageChanges(ctx context.Context, graphName, changeID string, changes *graph.ChangeSet) error
	CommitStaged(ctx context.Context, graphName, changeID string) error
	AbortStaged(ctx context.Context, graphName, changeID string) error

	// query execution
	SearchList(ctx context.Context, graphName string, q *query.Query, m *model.Model) (Cursor[*graph.Node], error)
	SearchGraph(ctx context.Context, graphName string, q *query.Query, m *model.Model) (Cursor[graph.Record], error)
	SearchAggregate(ctx context.Context, graphName string, q *query.Query, m *model.Model) (Cursor[map[string]any], error)
	Translate(q *query.Query, m *model.Model) (string, map[string]any, error)
	Explain(ctx context.Context, graphName string, q *query.Query, m *model.Model) (json.RawMessage, error)

	// small key-value store for subscribers, jobs and model kinds
	PutSystemDoc(ctx context.Context, collection, id string, doc json.RawMessage) error
	GetSystemDoc(ctx context.Context, collection, id string) (json.RawMessage, error)
	ListSystemDocs(ctx context.Context, collection string) (map[string]json.RawMessage, error)
	DeleteSystemDoc(ctx context.Context, collection, id string) error

	Close() error
}
