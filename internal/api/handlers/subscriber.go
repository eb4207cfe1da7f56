package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/corekeeper/ckcore/internal/api"
	"github.com/corekeeper/ckcore/internal/subscription"
)

// subscriptionBody is the wire shape of one event subscription.
type subscriptionBody struct {
	Timeout           int  `json:"timeout,omitempty"` // seconds
	WaitForCompletion bool `json:"wait_for_completion,omitempty"`
}

func (h *Handlers) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if event := r.URL.Query().Get("event"); event != "" {
		subs, err := h.Subscriptions.ForEvent(r.Context(), event)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, subs)
		return
	}
	subs, err := h.Subscriptions.All(r.Context())
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, subs)
}

func (h *Handlers) handleSubscriber(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		sub, err := h.Subscriptions.Get(r.Context(), id)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, sub)
	case http.MethodPut:
		var body map[string]subscriptionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			api.WriteError(w, api.NewAPIError(api.ErrorCodeInvalidRequest,
				http.StatusBadRequest, "invalid subscriber body: %v", err))
			return
		}
		s := subscription.Subscriber{ID: id, Subscriptions: map[string]subscription.Subscription{}}
		for event, b := range body {
			s.Subscriptions[event] = subscription.Subscription{
				Timeout:           time.Duration(b.Timeout) * time.Second,
				WaitForCompletion: b.WaitForCompletion,
			}
		}
		if err := h.Subscriptions.Update(r.Context(), s); err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, s)
	case http.MethodDelete:
		if err := h.Subscriptions.Remove(r.Context(), id); err != nil {
			api.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, "GET, PUT, DELETE")
	}
}

// handleSubscription adds or removes one event subscription of a
// subscriber.
func (h *Handlers) handleSubscription(w http.ResponseWriter, r *http.Request) {
	id, event := r.PathValue("id"), r.PathValue("event")
	switch r.Method {
	case http.MethodPost:
		var body subscriptionBody
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				api.WriteError(w, api.NewAPIError(api.ErrorCodeInvalidRequest,
					http.StatusBadRequest, "invalid subscription body: %v", err))
				return
			}
		}
		sub, err := h.Subscriptions.AddSubscription(r.Context(), id, event, subscription.Subscription{
			Timeout:           time.Duration(body.Timeout) * time.Second,
			WaitForCompletion: body.WaitForCompletion,
		})
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, sub)
	case http.MethodDelete:
		sub, err := h.Subscriptions.RemoveSubscription(r.Context(), id, event)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, sub)
	default:
		methodNotAllowed(w, "POST, DELETE")
	}
}
