package graph

import (
	"fmt"
	"sort"
)

// Subgraph is the in-memory container for one collector shipment: nodes
// and edges accumulated during ingest, then sealed before they reach the
// merge engine. Sealing validates edge endpoints, checks the default edge
// type for cycles and computes node hashes and search strings.
type Subgraph struct {
	nodes  map[string]*Node
	edges  map[string]Edge            // by Edge.Key()
	out    map[EdgeType]map[string][]string
	in     map[EdgeType]map[string][]string
	sealed bool
}

// NewSubgraph returns an empty container.
func NewSubgraph() *Subgraph {
	return &Subgraph{
		nodes: map[string]*Node{},
		edges: map[string]Edge{},
		out:   map[EdgeType]map[string][]string{},
		in:    map[EdgeType]map[string][]string{},
	}
}

// Len returns the number of nodes.
func (s *Subgraph) Len() int { return len(s.nodes) }

// EdgeCount returns the number of edges across all edge types.
func (s *Subgraph) EdgeCount() int { return len(s.edges) }

// AddNode inserts a node. Duplicate ids are an ingest error: the merge key
// must be unique within a shipment.
func (s *Subgraph) AddNode(n *Node) error {
	if n.ID == "" {
		return fmt.Errorf("node without an id")
	}
	if _, ok := s.nodes[n.ID]; ok {
		return fmt.Errorf("duplicate node id %q", n.ID)
	}
	if len(n.Reported) == 0 {
		return fmt.Errorf("node %q has no reported section", n.ID)
	}
	s.nodes[n.ID] = n
	return nil
}

// AddEdge inserts an edge. An empty type means default. Duplicates within
// one edge type are rejected; endpoints are checked at Seal time because
// edges may arrive before their nodes.
func (s *Subgraph) AddEdge(e Edge) error {
	if e.Type == "" {
		e.Type = EdgeTypeDefault
	}
	if e.From == "" || e.To == "" {
		return fmt.Errorf("edge with empty endpoint: %s", e)
	}
	key := e.Key()
	if _, ok := s.edges[key]; ok {
		return fmt.Errorf("duplicate edge %s", e)
	}
	s.edges[key] = e
	addAdjacent(s.out, e.Type, e.From, e.To)
	addAdjacent(s.in, e.Type, e.To, e.From)
	return nil
}

func addAdjacent(adj map[EdgeType]map[string][]string, et EdgeType, from, to string) {
	m, ok := adj[et]
	if !ok {
		m = map[string][]string{}
		adj[et] = m
	}
	m[from] = append(m[from], to)
}

// Node looks up a node by id.
func (s *Subgraph) Node(id string) (*Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// Nodes returns all nodes sorted by id.
func (s *Subgraph) Nodes() []*Node {
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns all edges sorted by key.
func (s *Subgraph) Edges() []Edge {
	out := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// EdgeTypes returns the edge types present, sorted.
func (s *Subgraph) EdgeTypes() []EdgeType {
	seen := map[EdgeType]bool{}
	for _, e := range s.edges {
		seen[e.Type] = true
	}
	out := make([]EdgeType, 0, len(seen))
	for et := range seen {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Successors returns the targets of edges of the given type leaving id.
func (s *Subgraph) Successors(id string, et EdgeType) []string {
	return sortedCopy(s.out[et][id])
}

// Predecessors returns the sources of edges of the given type entering id.
func (s *Subgraph) Predecessors(id string, et EdgeType) []string {
	return sortedCopy(s.in[et][id])
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// Roots returns the ids of nodes with no incoming default edge, sorted.
func (s *Subgraph) Roots() []string {
	var roots []string
	incoming := s.in[EdgeTypeDefault]
	for id := range s.nodes {
		if len(incoming[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// Root returns the single sub-root of the shipment. Zero or multiple
// roots are an ingest error.
func (s *Subgraph) Root() (string, error) {
	roots := s.Roots()
	switch len(roots) {
	case 0:
		return "", fmt.Errorf("subgraph has no root")
	case 1:
		return roots[0], nil
	default:
		return "", fmt.Errorf("subgraph has multiple roots: %v", roots)
	}
}

// CheckCycle verifies the default edge type is acyclic via Kahn's
// topological sort. Cyclic shipments are rejected before any staging.
func (s *Subgraph) CheckCycle() error {
	indegree := map[string]int{}
	for id := range s.nodes {
		indegree[id] = len(s.in[EdgeTypeDefault][id])
	}
	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range s.out[EdgeTypeDefault][id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(s.nodes) {
		var cyclic []string
		for id, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return fmt.Errorf("subgraph contains a cycle involving %v", cyclic)
	}
	return nil
}

// Seal finalizes the shipment: endpoints of every edge must exist, the
// default edge type must be acyclic, and each node gets its content hash
// and search string. A sealed subgraph is read-only by convention.
func (s *Subgraph) Seal() error {
	if s.sealed {
		return nil
	}
	for _, e := range s.edges {
		if _, ok := s.nodes[e.From]; !ok {
			return fmt.Errorf("edge %s references unknown node %q", e, e.From)
		}
		if _, ok := s.nodes[e.To]; !ok {
			return fmt.Errorf("edge %s references unknown node %q", e, e.To)
		}
	}
	if err := s.CheckCycle(); err != nil {
		return err
	}
	for _, n := range s.nodes {
		if n.Hash == "" {
			n.Hash = HashReported(n.Reported)
		}
		if n.Search == "" {
			n.Search = SearchString(n)
		}
	}
	s.sealed = true
	return nil
}

// Sealed reports whether Seal has completed.
func (s *Subgraph) Sealed() bool { return s.sealed }

// DescendantsOf walks default edges from id and returns every reachable
// node id including id itself.
func (s *Subgraph) DescendantsOf(id string) []string {
	seen := map[string]bool{}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, s.out[EdgeTypeDefault][cur]...)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
