package graph

import "encoding/json"

// Document renders the node as one decoded JSON object with its three
// sections plus identity fields, the shape query evaluation and the
// command pipeline operate on.
func (n *Node) Document() map[string]any {
	doc := map[string]any{
		"id":       n.ID,
		"reported": decodeSection(n.Reported),
	}
	if len(n.Kinds) > 0 {
		kinds := make([]any, len(n.Kinds))
		for i, k := range n.Kinds {
			kinds[i] = k
		}
		doc["kinds"] = kinds
	}
	if len(n.Desired) > 0 {
		doc["desired"] = decodeSection(n.Desired)
	}
	if len(n.Metadata) > 0 {
		doc["metadata"] = decodeSection(n.Metadata)
	}
	if n.Hash != "" {
		doc["hash"] = n.Hash
	}
	if n.Search != "" {
		doc["search"] = n.Search
	}
	if n.UpdateID != "" {
		doc["update_id"] = n.UpdateID
	}
	return doc
}

func decodeSection(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}
