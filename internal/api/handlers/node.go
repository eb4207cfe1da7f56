package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/corekeeper/ckcore/internal/api"
	"github.com/corekeeper/ckcore/internal/graph"
)

// nodePatch is the PATCH body: a partial document per section. A null
// property value deletes the property.
type nodePatch struct {
	Reported map[string]any `json:"reported,omitempty"`
	Desired  map[string]any `json:"desired,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *Handlers) handleNode(w http.ResponseWriter, r *http.Request) {
	graphName, id := r.PathValue("g"), r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		n, err := h.Driver.GetNode(r.Context(), graphName, id)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, n.Document())
	case http.MethodPatch:
		var patch nodePatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			api.WriteError(w, api.NewAPIError(api.ErrorCodeInvalidRequest,
				http.StatusBadRequest, "invalid patch body: %v", err))
			return
		}
		var n *graph.Node
		var err error
		for section, p := range map[string]map[string]any{
			"reported": patch.Reported,
			"desired":  patch.Desired,
			"metadata": patch.Metadata,
		} {
			if p == nil {
				continue
			}
			n, err = h.Driver.PatchNodeSection(r.Context(), graphName, id, section, p)
			if err != nil {
				api.WriteError(w, err)
				return
			}
		}
		if n == nil {
			api.WriteError(w, api.NewAPIError(api.ErrorCodeInvalidRequest,
				http.StatusBadRequest, "patch body has no sections"))
			return
		}
		api.WriteJSON(w, http.StatusOK, n.Document())
	case http.MethodDelete:
		if _, err := h.Driver.GetNode(r.Context(), graphName, id); err != nil {
			api.WriteError(w, err)
			return
		}
		if err := h.Driver.DeleteNodes(r.Context(), graphName, []string{id}); err != nil {
			api.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, "GET, PATCH, DELETE")
	}
}

// handleNodeUnder creates a single node attached below an existing
// parent. The body is one node record.
func (h *Handlers) handleNodeUnder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	graphName, id, parentID := r.PathValue("g"), r.PathValue("id"), r.PathValue("parent")

	var rec graph.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		api.WriteError(w, api.NewAPIError(api.ErrorCodeInvalidRequest,
			http.StatusBadRequest, "invalid node record: %v", err))
		return
	}
	if rec.ID != "" && rec.ID != id {
		api.WriteError(w, api.NewAPIError(api.ErrorCodeInvalidRequest,
			http.StatusBadRequest, "record id %q does not match path id %q", rec.ID, id))
		return
	}
	if len(rec.Reported) == 0 {
		api.WriteError(w, api.NewAPIError(api.ErrorCodeInvalidRequest,
			http.StatusBadRequest, "node record without a reported section"))
		return
	}
	if _, err := h.Driver.GetNode(r.Context(), graphName, parentID); err != nil {
		api.WriteError(w, err)
		return
	}

	n := &graph.Node{
		ID:       id,
		Kinds:    rec.Kinds,
		Reported: rec.Reported,
		Desired:  rec.Desired,
		Metadata: rec.Metadata,
	}
	n.Hash = graph.HashReported(n.Reported)
	n.Search = graph.SearchString(n)
	if err := h.Driver.UpsertNodes(r.Context(), graphName, []*graph.Node{n}); err != nil {
		api.WriteError(w, err)
		return
	}
	err := h.Driver.ApplyChanges(r.Context(), graphName, &graph.ChangeSet{
		EdgeInserts: []graph.Edge{{From: parentID, To: id, Type: graph.EdgeTypeDefault}},
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, n.Document())
}
