// Package graph holds the data model of the stored property graph: nodes
// with their three JSON sections, typed directed edges, and the in-memory
// subgraph container collectors ship to the merge engine.
package graph

import (
	"encoding/json"
	"fmt"
)

// EdgeType labels parallel relationships between the same pair of nodes.
type EdgeType string

const (
	// EdgeTypeDefault carries the ownership hierarchy. The stored graph is
	// acyclic on this type and every node is reachable from the root over
	// it.
	EdgeTypeDefault EdgeType = "default"
	// EdgeTypeDelete orders resource cleanup: an edge a -delete-> b means
	// b must be gone before a can go.
	EdgeTypeDelete EdgeType = "delete"
)

// RootID is the identifier of the synthetic root node every graph starts
// with.
const RootID = "root"

// RootKind is the kind of the synthetic root node.
const RootKind = "graph_root"

// Node is one inventoried resource. ID is the merge key and stays stable
// across collection runs; Hash identifies the reported content, so equal
// hashes mean no update is needed.
type Node struct {
	ID       string          `json:"id"`
	Kinds    []string        `json:"kinds,omitempty"`
	Reported json.RawMessage `json:"reported"`
	Desired  json.RawMessage `json:"desired,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Hash     string          `json:"hash,omitempty"`
	Search   string          `json:"search,omitempty"`
	UpdateID string          `json:"update_id,omitempty"`
}

// Name returns the reported name of the node, falling back to its id.
func (n *Node) Name() string {
	var reported struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(n.Reported, &reported); err == nil && reported.Name != "" {
		return reported.Name
	}
	return n.ID
}

// Kind returns the most specific kind of the node.
func (n *Node) Kind() string {
	if len(n.Kinds) > 0 {
		return n.Kinds[0]
	}
	var reported struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(n.Reported, &reported); err == nil {
		return reported.Kind
	}
	return ""
}

// IsKind reports whether kind appears anywhere in the node's hierarchy.
func (n *Node) IsKind(kind string) bool {
	for _, k := range n.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// NewRootNode builds the synthetic root of a graph.
func NewRootNode() *Node {
	n := &Node{
		ID:       RootID,
		Kinds:    []string{RootKind, "resource"},
		Reported: json.RawMessage(`{"kind":"graph_root","id":"root","name":"root"}`),
	}
	n.Hash = HashReported(n.Reported)
	n.Search = SearchString(n)
	return n
}

// Edge is a directed, typed connection between two nodes. Parallel edges
// of different types between the same pair are fine; duplicates within one
// type are not.
type Edge struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Type     EdgeType `json:"edge_type"`
	UpdateID string   `json:"update_id,omitempty"`
}

// Key identifies an edge within its graph.
func (e Edge) Key() string {
	return fmt.Sprintf("%s|%s|%s", e.Type, e.From, e.To)
}

func (e Edge) String() string {
	return fmt.Sprintf("%s -%s-> %s", e.From, e.Type, e.To)
}
