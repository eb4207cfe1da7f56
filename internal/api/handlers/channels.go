package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/corekeeper/ckcore/internal/api"
	"github.com/corekeeper/ckcore/internal/bus"
	"github.com/corekeeper/ckcore/internal/work"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second

	maxChannelMessage = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// collectors and workers connect from anywhere
	CheckOrigin: func(r *http.Request) bool { return true },
}

// writePump feeds outbound messages into the socket with ping keepalive.
// It exits when out closes or a write fails.
func writePump(conn *websocket.Conn, out <-chan any, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case item, ok := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(item); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

func setupRead(conn *websocket.Conn) {
	conn.SetReadLimit(maxChannelMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleSubscriberChannel opens the bidirectional events channel of one
// subscriber: queued bus messages flow out, ActionDone/ActionError acks
// flow in.
func (h *Handlers) handleSubscriberChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	id := r.PathValue("id")
	ch, err := h.Subscriptions.Connect(r.Context(), id)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = h.Subscriptions.Disconnect(r.Context(), ch)
		return
	}
	defer conn.Close()
	defer func() {
		if err := h.Subscriptions.Disconnect(r.Context(), ch); err != nil {
			h.log.Warn("disconnecting subscriber %s: %v", id, err)
		}
	}()

	done := make(chan struct{})
	out := make(chan any)
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-ch.Queue():
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()
	go writePump(conn, out, r.Context().Done())
	defer close(done)

	setupRead(conn)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg bus.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.log.Warn("subscriber %s sent an invalid message: %v", id, err)
			continue
		}
		if msg.Kind != bus.KindActionDone && msg.Kind != bus.KindActionError {
			h.log.Warn("subscriber %s sent unexpected kind %q, ignoring", id, msg.Kind)
			continue
		}
		if err := h.Subscriptions.Publish(r.Context(), &msg); err != nil {
			h.log.Warn("publishing ack from %s: %v", id, err)
		}
	}
}

// taskDispatch is the server-to-worker wire shape of one task.
type taskDispatch struct {
	TaskID   string            `json:"task_id"`
	TaskName string            `json:"task_name"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Data     json.RawMessage   `json:"data,omitempty"`
}

// workerTaskResult is the worker-to-server outcome report.
type workerTaskResult struct {
	TaskID string          `json:"task_id"`
	Result string          `json:"result"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// handleWorkerChannel attaches a worker to the task queue. The task
// names come from ?task=a,b; every other query parameter narrows the
// capability by attribute equality.
func (h *Handlers) handleWorkerChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	taskParam := r.URL.Query().Get("task")
	if taskParam == "" {
		api.WriteError(w, api.NewAPIError(api.ErrorCodeInvalidRequest,
			http.StatusBadRequest, "task query parameter is required"))
		return
	}
	attrs := map[string]string{}
	for key, values := range r.URL.Query() {
		if key == "task" || key == "worker_id" || len(values) == 0 {
			continue
		}
		attrs[key] = values[0]
	}
	var caps []work.WorkerCapability
	for _, name := range strings.Split(taskParam, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		caps = append(caps, work.WorkerCapability{TaskName: name, Attrs: attrs})
	}

	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		workerID = uuid.NewString()
	}
	worker, err := h.Workers.Attach(workerID, caps)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Workers.Detach(workerID)
		return
	}
	defer conn.Close()
	defer h.Workers.Detach(workerID)

	done := make(chan struct{})
	out := make(chan any)
	go func() {
		defer close(out)
		for {
			select {
			case t, ok := <-worker.Queue():
				if !ok {
					return
				}
				dispatch := taskDispatch{TaskID: t.ID, TaskName: t.Name, Attrs: t.Attrs, Data: t.Data}
				select {
				case out <- dispatch:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()
	go writePump(conn, out, r.Context().Done())
	defer close(done)

	setupRead(conn)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var result workerTaskResult
		if err := json.Unmarshal(raw, &result); err != nil {
			h.log.Warn("worker %s sent an invalid result: %v", workerID, err)
			continue
		}
		switch result.Result {
		case "done":
			if err := h.Workers.Acknowledge(result.TaskID, result.Data); err != nil {
				h.log.Warn("acknowledging task %s: %v", result.TaskID, err)
			}
		case "error":
			if err := h.Workers.Error(result.TaskID, result.Error); err != nil {
				h.log.Warn("failing task %s: %v", result.TaskID, err)
			}
		default:
			h.log.Warn("worker %s sent unknown result %q", workerID, result.Result)
		}
	}
}

// handleEvents streams every bus message to an observer. The socket is
// read only to detect closure; client payloads are ignored.
func (h *Handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	sub := h.Bus.Subscribe("events-"+uuid.NewString(), []string{bus.Wildcard})
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Bus.Unsubscribe(sub)
		return
	}
	defer conn.Close()
	defer h.Bus.Unsubscribe(sub)

	done := make(chan struct{})
	out := make(chan any)
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-sub.Queue():
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()
	go writePump(conn, out, r.Context().Done())
	defer close(done)

	setupRead(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
