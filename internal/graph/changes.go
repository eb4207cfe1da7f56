package graph

// ChangeCounts summarizes what a merge did. It is the wire response of the
// merge endpoints.
type ChangeCounts struct {
	NodesCreated int `json:"nodes_created"`
	NodesUpdated int `json:"nodes_updated"`
	NodesDeleted int `json:"nodes_deleted"`
	EdgesCreated int `json:"edges_created"`
	EdgesDeleted int `json:"edges_deleted"`
}

// Total is the number of individual changes, used to pick the apply
// strategy.
func (c ChangeCounts) Total() int {
	return c.NodesCreated + c.NodesUpdated + c.NodesDeleted + c.EdgesCreated + c.EdgesDeleted
}

// Empty reports whether the merge was a no-op.
func (c ChangeCounts) Empty() bool { return c.Total() == 0 }

// ChangeSet is the diff between an incoming subgraph and the stored slice,
// accumulated by the merge engine and handed to the driver in one apply.
type ChangeSet struct {
	NodeInserts []*Node
	NodeUpdates []*Node
	NodeDeletes []string
	EdgeInserts []Edge
	EdgeDeletes []Edge
}

// Counts derives the summary of the set.
func (c *ChangeSet) Counts() ChangeCounts {
	return ChangeCounts{
		NodesCreated: len(c.NodeInserts),
		NodesUpdated: len(c.NodeUpdates),
		NodesDeleted: len(c.NodeDeletes),
		EdgesCreated: len(c.EdgeInserts),
		EdgesDeleted: len(c.EdgeDeletes),
	}
}

// Empty reports whether the set holds no changes.
func (c *ChangeSet) Empty() bool { return c.Counts().Total() == 0 }
