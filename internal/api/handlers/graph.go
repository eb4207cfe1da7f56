package handlers

import (
	"net/http"

	"github.com/corekeeper/ckcore/internal/api"
	"github.com/corekeeper/ckcore/internal/graph"
	"github.com/corekeeper/ckcore/internal/graph/merge"
	"github.com/corekeeper/ckcore/internal/storage"
)

// BatchIDHeader names the staged change of a batch merge response.
const BatchIDHeader = "BatchId"

func (h *Handlers) handleGraphList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	names, err := h.Driver.ListGraphs(r.Context())
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	api.WriteJSON(w, http.StatusOK, names)
}

func (h *Handlers) handleGraph(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("g")
	switch r.Method {
	case http.MethodGet:
		info, err := h.Driver.GraphInfo(r.Context(), name)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, info)
	case http.MethodPost:
		if err := h.Driver.CreateGraph(r.Context(), name); err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, map[string]string{"name": name})
	case http.MethodDelete:
		if err := h.Driver.DeleteGraph(r.Context(), name); err != nil {
			api.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, "GET, POST, DELETE")
	}
}

// handleMerge applies a full merge. The body is ndjson or a JSON array
// of node/edge records; the optional parent query param roots the
// subgraph under a node other than the graph root.
func (h *Handlers) handleMerge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	h.merge(w, r, merge.Options{})
}

// handleBatchMerge stages a merge under the mandatory batch_id. The
// caller commits or aborts through the batch routes.
func (h *Handlers) handleBatchMerge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	batchID := r.URL.Query().Get("batch_id")
	if batchID == "" {
		api.WriteError(w, api.NewAPIError(api.ErrorCodeInvalidRequest,
			http.StatusBadRequest, "batch_id query parameter is required"))
		return
	}
	w.Header().Set(BatchIDHeader, batchID)
	h.merge(w, r, merge.Options{BatchID: batchID})
}

func (h *Handlers) merge(w http.ResponseWriter, r *http.Request, opts merge.Options) {
	graphName := r.PathValue("g")
	sub, err := graph.ReadSubgraph(r.Body)
	if err != nil {
		api.WriteError(w, api.NewAPIError(api.ErrorCodeInvalidRequest,
			http.StatusBadRequest, "merge body: %v", err))
		return
	}
	parentID := r.URL.Query().Get("parent")
	if parentID == "" {
		parentID = graph.RootID
	}
	counts, err := h.Engine.Merge(r.Context(), graphName, sub, parentID, opts)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, counts)
}

func (h *Handlers) handleBatchList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	marks, err := h.Engine.ListInProgress(r.Context(), r.PathValue("g"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	batches := []storage.InProgressUpdate{}
	for _, m := range marks {
		if m.IsBatch {
			batches = append(batches, m)
		}
	}
	api.WriteJSON(w, http.StatusOK, batches)
}

func (h *Handlers) handleBatch(w http.ResponseWriter, r *http.Request) {
	graphName, batchID := r.PathValue("g"), r.PathValue("id")
	switch r.Method {
	case http.MethodPost:
		if err := h.Engine.CommitBatch(r.Context(), graphName, batchID); err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]string{"committed": batchID})
	case http.MethodDelete:
		if err := h.Engine.AbortBatch(r.Context(), graphName, batchID); err != nil {
			api.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, "POST, DELETE")
	}
}
