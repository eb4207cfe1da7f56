package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/corekeeper/ckcore/internal/api"
	"github.com/corekeeper/ckcore/internal/graph"
	"github.com/corekeeper/ckcore/internal/query"
	"github.com/corekeeper/ckcore/internal/storage"
)

// maxQueryBody bounds the request body of a query endpoint.
const maxQueryBody = 1 << 20

// cursorStream adapts a storage cursor to the rendering Stream.
type cursorStream[T any] struct {
	cur     storage.Cursor[T]
	project func(T) any
}

func (s *cursorStream[T]) Next(ctx context.Context) (any, bool, error) {
	v, ok, err := s.cur.Next(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	return s.project(v), true, nil
}

func (s *cursorStream[T]) Close() { s.cur.Close() }

// setCountHeader exposes the element count when the cursor knows it.
func setCountHeader[T any](w http.ResponseWriter, cur storage.Cursor[T]) {
	if sized, ok := cur.(interface{ Len() int }); ok {
		w.Header().Set(api.ElementCountHeader, strconv.Itoa(sized.Len()))
	}
}

func (h *Handlers) readQuery(r *http.Request) (*query.Query, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxQueryBody))
	if err != nil {
		return nil, api.NewAPIError(api.ErrorCodeInvalidRequest,
			http.StatusBadRequest, "reading query body: %v", err)
	}
	section := r.URL.Query().Get("section")
	if section == "" {
		section = "reported"
	}
	return h.parser.Parse(string(body), section)
}

func (h *Handlers) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	graphName := r.PathValue("g")
	q, err := h.readQuery(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	m := h.Models.Model()

	switch kind := r.PathValue("kind"); kind {
	case "list":
		cur, err := h.Driver.SearchList(r.Context(), graphName, q, m)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		setCountHeader(w, cur)
		h.renderStream(w, r, &cursorStream[*graph.Node]{
			cur:     cur,
			project: func(n *graph.Node) any { return n.Document() },
		})
	case "graph":
		cur, err := h.Driver.SearchGraph(r.Context(), graphName, q, m)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		setCountHeader(w, cur)
		h.renderStream(w, r, &cursorStream[graph.Record]{
			cur:     cur,
			project: func(rec graph.Record) any { return rec },
		})
	case "aggregate":
		cur, err := h.Driver.SearchAggregate(r.Context(), graphName, q, m)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		setCountHeader(w, cur)
		h.renderStream(w, r, &cursorStream[map[string]any]{
			cur:     cur,
			project: func(row map[string]any) any { return row },
		})
	case "raw":
		text, binds, err := h.Driver.Translate(q, m)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"query": text, "binds": binds})
	case "explain":
		plan, err := h.Driver.Explain(r.Context(), graphName, q, m)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(plan)
	default:
		api.WriteError(w, api.NewAPIError(api.ErrorCodeNotFound,
			http.StatusNotFound, "unknown query kind %q", kind))
	}
}

// handleSearch matches the term against the flattened search string of
// every node.
func (h *Handlers) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	term := r.URL.Query().Get("term")
	if term == "" {
		api.WriteError(w, api.NewAPIError(api.ErrorCodeInvalidRequest,
			http.StatusBadRequest, "term query parameter is required"))
		return
	}
	q, err := h.parser.Parse(fmt.Sprintf("search ~ %q", term), "")
	if err != nil {
		api.WriteError(w, err)
		return
	}
	cur, err := h.Driver.SearchList(r.Context(), r.PathValue("g"), q, h.Models.Model())
	if err != nil {
		api.WriteError(w, err)
		return
	}
	setCountHeader(w, cur)
	h.renderStream(w, r, &cursorStream[*graph.Node]{
		cur:     cur,
		project: func(n *graph.Node) any { return n.Document() },
	})
}

func (h *Handlers) renderStream(w http.ResponseWriter, r *http.Request, s api.Stream) {
	if err := api.RenderStream(w, r, s); err != nil {
		// headers are out; log and drop the connection
		h.log.Warn("streaming response failed: %v", err)
	}
}
