package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/corekeeper/ckcore/internal/api"
	"github.com/corekeeper/ckcore/internal/model"
	"github.com/corekeeper/ckcore/internal/storage"
)

// ModelStore persists the kind model in the system document store and
// serves the current resolved model to the query layer.
type ModelStore struct {
	driver storage.Driver

	mu sync.RWMutex
	m  *model.Model
}

// NewModelStore loads the persisted kinds and resolves the model.
func NewModelStore(ctx context.Context, driver storage.Driver) (*ModelStore, error) {
	docs, err := driver.ListSystemDocs(ctx, storage.CollectionModel)
	if err != nil {
		return nil, fmt.Errorf("loading model kinds: %w", err)
	}
	kinds := make([]model.Kind, 0, len(docs))
	for id, raw := range docs {
		var k model.Kind
		if err := json.Unmarshal(raw, &k); err != nil {
			return nil, fmt.Errorf("decoding kind %q: %w", id, err)
		}
		kinds = append(kinds, k)
	}
	m, err := model.New(kinds)
	if err != nil {
		return nil, fmt.Errorf("resolving persisted model: %w", err)
	}
	return &ModelStore{driver: driver, m: m}, nil
}

// Model returns the current resolved model.
func (s *ModelStore) Model() *model.Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m
}

// Upsert validates the kinds against the current model, persists them
// and swaps the resolved model in.
func (s *ModelStore) Upsert(ctx context.Context, kinds []model.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := map[string]model.Kind{}
	for _, k := range s.m.Kinds() {
		all[k.Name] = k
	}
	for _, k := range kinds {
		all[k.Name] = k
	}
	merged := make([]model.Kind, 0, len(all))
	for _, k := range all {
		merged = append(merged, k)
	}
	next, err := model.New(merged)
	if err != nil {
		return err
	}

	for _, k := range kinds {
		raw, err := json.Marshal(k)
		if err != nil {
			return err
		}
		if err := s.driver.PutSystemDoc(ctx, storage.CollectionModel, k.Name, raw); err != nil {
			return fmt.Errorf("persisting kind %q: %w", k.Name, err)
		}
	}
	s.m = next
	return nil
}

func (h *Handlers) handleModel(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.WriteJSON(w, http.StatusOK, h.Models.Model().Kinds())
	case http.MethodPatch:
		var kinds []model.Kind
		if err := json.NewDecoder(r.Body).Decode(&kinds); err != nil {
			api.WriteError(w, api.NewAPIError(api.ErrorCodeInvalidRequest,
				http.StatusBadRequest, "invalid kind list: %v", err))
			return
		}
		if err := h.Models.Upsert(r.Context(), kinds); err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, h.Models.Model().Kinds())
	default:
		methodNotAllowed(w, "GET, PATCH")
	}
}
