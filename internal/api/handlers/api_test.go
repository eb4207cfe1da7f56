package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corekeeper/ckcore/internal/api"
	"github.com/corekeeper/ckcore/internal/api/handlers"
	"github.com/corekeeper/ckcore/internal/bus"
	"github.com/corekeeper/ckcore/internal/cli"
	"github.com/corekeeper/ckcore/internal/graph/merge"
	"github.com/corekeeper/ckcore/internal/storage/memory"
	"github.com/corekeeper/ckcore/internal/subscription"
	"github.com/corekeeper/ckcore/internal/task"
	"github.com/corekeeper/ckcore/internal/work"
)

type env struct {
	t      *testing.T
	srv    *httptest.Server
	driver *memory.Driver
	bus    *bus.Bus
	queue  *work.Queue
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	driver := memory.NewDriver()
	require.NoError(t, driver.CreateGraph(ctx, "g"))
	engine := merge.NewEngine(driver)
	store, err := handlers.NewModelStore(ctx, driver)
	require.NoError(t, err)

	b := bus.New()
	t.Cleanup(b.Close)
	subs := subscription.NewHandler(driver, b)
	queue := work.NewQueue(work.WithTaskTimeout(5 * time.Second))
	require.NoError(t, queue.Start(ctx))
	t.Cleanup(func() { _ = queue.Stop(context.Background()) })
	tasks := task.NewHandler(driver, b, subs, nil)

	executor := cli.NewExecutor(driver,
		cli.WithModelFn(store.Model),
		cli.WithMergeEngine(engine),
		cli.WithTaskHandler(tasks),
		cli.WithWorkQueue(queue),
		cli.WithBaseEnv(map[string]string{"graph": "g"}),
	)

	h := handlers.New(handlers.Deps{
		Driver:        driver,
		Engine:        engine,
		Models:        store,
		Executor:      executor,
		Subscriptions: subs,
		Tasks:         tasks,
		Workers:       queue,
		Bus:           b,
		Version:       "test",
	})
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &env{t: t, srv: srv, driver: driver, bus: b, queue: queue}
}

func (e *env) do(method, path, body string, hdr map[string]string) *http.Response {
	e.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(e.t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(e.t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func apiError(t *testing.T, resp *http.Response) api.APIError {
	return decode[api.APIError](t, resp)
}

func nodeRec(id, kind, reported string) string {
	return fmt.Sprintf(`{"type":"node","id":%q,"kinds":[%q],"reported":%s}`, id, kind, reported)
}

func edgeRec(from, to string) string {
	return fmt.Sprintf(`{"type":"edge","from":%q,"to":%q}`, from, to)
}

// shipment is the standard three node test subgraph: one account with
// two instances.
func shipment() string {
	return strings.Join([]string{
		nodeRec("acc-1", "account", `{"name":"acc-1","kind":"account"}`),
		nodeRec("i-1", "instance", `{"name":"i-1","kind":"instance","cores":4}`),
		nodeRec("i-2", "instance", `{"name":"i-2","kind":"instance","cores":8}`),
		edgeRec("acc-1", "i-1"),
		edgeRec("acc-1", "i-2"),
	}, "\n")
}

func (e *env) merge(body string) {
	e.t.Helper()
	resp := e.do(http.MethodPost, "/graph/g/merge", body, nil)
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestGraphLifecycle(t *testing.T) {
	e := newEnv(t)

	resp := e.do(http.MethodPost, "/graph/t1", "", nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	names := decode[[]string](t, e.do(http.MethodGet, "/graph", "", nil))
	assert.Equal(t, []string{"g", "t1"}, names)

	info := decode[map[string]any](t, e.do(http.MethodGet, "/graph/t1", "", nil))
	assert.Equal(t, "t1", info["name"])
	assert.EqualValues(t, 1, info["nodes"]) // the synthetic root

	resp = e.do(http.MethodDelete, "/graph/t1", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(http.MethodGet, "/graph/t1", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, api.ErrorCodeNotFound, apiError(t, resp).Code)
}

func TestMergeAndQuery(t *testing.T) {
	e := newEnv(t)

	counts := decode[map[string]int](t, e.do(http.MethodPost, "/graph/g/merge", shipment(), nil))
	assert.Equal(t, 3, counts["nodes_created"])
	assert.Equal(t, 3, counts["edges_created"]) // two shipped plus the parent edge

	// idempotent re-merge
	counts = decode[map[string]int](t, e.do(http.MethodPost, "/graph/g/merge", shipment(), nil))
	assert.Zero(t, counts["nodes_created"])
	assert.Zero(t, counts["nodes_updated"])

	resp := e.do(http.MethodPost, "/graph/g/query/list", "is(instance)",
		map[string]string{"Accept": "application/json"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get(api.ElementCountHeader))
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
	docs := decode[[]map[string]any](t, resp)
	require.Len(t, docs, 2)

	// ndjson is the default rendering
	resp = e.do(http.MethodPost, "/graph/g/query/list", "is(instance) and cores > 4", nil)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/x-ndjson")
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &doc))
	assert.Equal(t, "i-2", doc["id"])

	rows := decode[[]map[string]any](t,
		e.do(http.MethodPost, "/graph/g/query/aggregate",
			"aggregate(kind as kind: sum(1) as total): is(instance)",
			map[string]string{"Accept": "application/json"}))
	require.Len(t, rows, 1)
	assert.Equal(t, "instance", rows[0]["kind"])
	assert.EqualValues(t, 2, rows[0]["total"])

	out := decode[map[string]any](t, e.do(http.MethodPost, "/graph/g/query/raw", "is(instance)", nil))
	assert.NotEmpty(t, out["query"])

	resp = e.do(http.MethodPost, "/graph/g/query/bogus", "all", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(http.MethodPost, "/graph/g/query/list", "is(instance", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	apiErr := apiError(t, resp)
	assert.Equal(t, api.ErrorCodeParseError, apiErr.Code)
	assert.Contains(t, apiErr.Details, "offset")
}

func TestMergeRootShipment(t *testing.T) {
	e := newEnv(t)

	body := strings.Join([]string{
		nodeRec("root", "graph_root", `{"kind":"graph_root","id":"root","name":"root"}`),
		nodeRec("a", "x", `{"kind":"x","name":"a"}`),
		edgeRec("root", "a"),
	}, "\n")

	// the pre-existing root is matched, not created
	counts := decode[map[string]int](t, e.do(http.MethodPost, "/graph/g/merge", body, nil))
	assert.Equal(t, 1, counts["nodes_created"])
	assert.Equal(t, 1, counts["edges_created"])
	assert.Zero(t, counts["nodes_updated"])
	assert.Zero(t, counts["nodes_deleted"])

	lines := decode[[]any](t, e.do(http.MethodPost, "/cli/execute",
		"search is(x) | count", map[string]string{"Accept": "application/json"}))
	require.NotEmpty(t, lines)
	assert.Equal(t, "total matched: 1", lines[0])
}

func TestQueryGraphRecords(t *testing.T) {
	e := newEnv(t)
	e.merge(shipment())

	resp := e.do(http.MethodPost, "/graph/g/query/graph", "is(account) #acc --> is(instance)",
		map[string]string{"Accept": "application/json"})
	records := decode[[]map[string]any](t, resp)

	nodes, edges := 0, 0
	for _, rec := range records {
		switch rec["type"] {
		case "node":
			nodes++
		case "edge":
			edges++
		}
	}
	assert.Equal(t, 3, nodes)
	assert.Equal(t, 2, edges)
}

func TestBatchMergeConflicts(t *testing.T) {
	e := newEnv(t)

	resp := e.do(http.MethodPost, "/graph/g/batch/merge?batch_id=b1", shipment(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "b1", resp.Header.Get(handlers.BatchIDHeader))
	resp.Body.Close()

	// staged, so not visible yet
	resp = e.do(http.MethodGet, "/graph/g/node/acc-1", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	batches := decode[[]map[string]any](t, e.do(http.MethodGet, "/graph/g/batch", "", nil))
	require.Len(t, batches, 1)
	assert.Equal(t, "b1", batches[0]["change_id"])

	// reusing the batch id is rejected
	resp = e.do(http.MethodPost, "/graph/g/batch/merge?batch_id=b1", shipment(), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, api.ErrorCodeConflict, apiError(t, resp).Code)

	// a plain merge of the same sub-root contends with the held batch
	resp = e.do(http.MethodPost, "/graph/g/merge", shipment(), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	apiErr := apiError(t, resp)
	assert.Equal(t, api.ErrorCodeConflict, apiErr.Code)
	details, ok := apiErr.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "b1", details["other_change_id"])

	resp = e.do(http.MethodPost, "/graph/g/batch/b1", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(http.MethodGet, "/graph/g/node/acc-1", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// the mark is gone with the commit
	resp = e.do(http.MethodPost, "/graph/g/batch/b1", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestBatchAbort(t *testing.T) {
	e := newEnv(t)

	resp := e.do(http.MethodPost, "/graph/g/batch/merge?batch_id=b2", shipment(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(http.MethodDelete, "/graph/g/batch/b2", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(http.MethodGet, "/graph/g/node/acc-1", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	batches := decode[[]map[string]any](t, e.do(http.MethodGet, "/graph/g/batch", "", nil))
	assert.Empty(t, batches)
}

func TestNodeCRUD(t *testing.T) {
	e := newEnv(t)
	e.merge(shipment())

	doc := decode[map[string]any](t, e.do(http.MethodGet, "/graph/g/node/i-1", "", nil))
	assert.Equal(t, "i-1", doc["id"])

	doc = decode[map[string]any](t, e.do(http.MethodPatch, "/graph/g/node/i-1",
		`{"desired":{"clean":true}}`, nil))
	desired, ok := doc["desired"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, desired["clean"])

	resp := e.do(http.MethodPatch, "/graph/g/node/i-1", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(http.MethodDelete, "/graph/g/node/i-1", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(http.MethodDelete, "/graph/g/node/i-1", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestNodeUnderParent(t *testing.T) {
	e := newEnv(t)
	e.merge(shipment())

	body := nodeRec("vol-1", "volume", `{"name":"vol-1","size":100}`)
	resp := e.do(http.MethodPost, "/graph/g/node/vol-1/under/acc-1", body, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	doc := decode[map[string]any](t, resp)
	assert.Equal(t, "vol-1", doc["id"])

	// reachable through navigation from its parent
	resp = e.do(http.MethodPost, "/graph/g/query/list", "is(account) --> is(volume)",
		map[string]string{"Accept": "application/json"})
	docs := decode[[]map[string]any](t, resp)
	require.Len(t, docs, 1)
	assert.Equal(t, "vol-1", docs[0]["id"])

	resp = e.do(http.MethodPost, "/graph/g/node/vol-2/under/nope", nodeRec("vol-2", "volume", `{}`), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(http.MethodPost, "/graph/g/node/vol-3/under/acc-1",
		`{"type":"node","id":"mismatch","reported":{}}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestModelEndpoint(t *testing.T) {
	e := newEnv(t)

	kinds := decode[[]map[string]any](t, e.do(http.MethodGet, "/model", "", nil))
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, k["name"].(string))
	}
	assert.Contains(t, names, "resource")

	body := `[{"name":"instance","bases":["resource"],"properties":[{"name":"cores","kind":"int64"}]}]`
	kinds = decode[[]map[string]any](t, e.do(http.MethodPatch, "/model", body, nil))
	names = names[:0]
	for _, k := range kinds {
		names = append(names, k["name"].(string))
	}
	assert.Contains(t, names, "instance")

	// redefining a simple kind is a model error
	resp := e.do(http.MethodPatch, "/model", `[{"name":"string"}]`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, api.ErrorCodeModelError, apiError(t, resp).Code)
}

func TestSearchEndpoint(t *testing.T) {
	e := newEnv(t)
	e.merge(shipment())

	resp := e.do(http.MethodGet, "/graph/g/search?term=i-2", "",
		map[string]string{"Accept": "application/json"})
	docs := decode[[]map[string]any](t, resp)
	require.Len(t, docs, 1)
	assert.Equal(t, "i-2", docs[0]["id"])

	resp = e.do(http.MethodGet, "/graph/g/search", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSubscriberAPI(t *testing.T) {
	e := newEnv(t)

	sub := decode[map[string]any](t, e.do(http.MethodPut, "/subscriber/s1",
		`{"instance.change":{"timeout":5,"wait_for_completion":true}}`, nil))
	assert.Equal(t, "s1", sub["id"])

	subs := decode[[]map[string]any](t, e.do(http.MethodGet, "/subscribers", "", nil))
	require.Len(t, subs, 1)

	subs = decode[[]map[string]any](t, e.do(http.MethodGet, "/subscribers?event=instance.change", "", nil))
	require.Len(t, subs, 1)
	subs = decode[[]map[string]any](t, e.do(http.MethodGet, "/subscribers?event=other", "", nil))
	assert.Empty(t, subs)

	resp := e.do(http.MethodPost, "/subscriber/s1/volume.change", `{"timeout":1}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	sub = decode[map[string]any](t, e.do(http.MethodGet, "/subscriber/s1", "", nil))
	events, ok := sub["subscriptions"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, events, 2)

	resp = e.do(http.MethodDelete, "/subscriber/s1/volume.change", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(http.MethodDelete, "/subscriber/s1", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(http.MethodGet, "/subscriber/s1", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCliEvaluate(t *testing.T) {
	e := newEnv(t)
	e.merge(shipment())

	plan := decode[cli.Plan](t, e.do(http.MethodPost, "/cli/evaluate", "search all | head 3", nil))
	require.Len(t, plan.Pipelines, 1)
	require.NotEmpty(t, plan.Pipelines[0].Commands)
	assert.Equal(t, "execute_query", plan.Pipelines[0].Commands[0].Name)

	resp := e.do(http.MethodPost, "/cli/evaluate", "head 3", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, api.ErrorCodeInvalidRequest, apiError(t, resp).Code)

	// an import without its upload reports the missing requirement
	resp = e.do(http.MethodPost, "/cli/evaluate", "system graph import data", nil)
	assert.Equal(t, http.StatusFailedDependency, resp.StatusCode)
	apiErr := apiError(t, resp)
	assert.Equal(t, api.ErrorCodeRequirements, apiErr.Code)
	details, ok := apiErr.Details.(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, details["missing"])
}

func TestCliExecute(t *testing.T) {
	e := newEnv(t)
	e.merge(shipment())

	items := decode[[]any](t, e.do(http.MethodPost, "/cli/execute", "echo hi",
		map[string]string{"Accept": "application/json"}))
	assert.Equal(t, []any{"hi"}, items)

	docs := decode[[]map[string]any](t, e.do(http.MethodPost, "/cli/execute",
		"search is(instance) | head 1", map[string]string{"Accept": "application/json"}))
	require.Len(t, docs, 1)

	// env comes from the query string
	rows := decode[[]map[string]any](t, e.do(http.MethodPost, "/cli/execute?section=desired",
		"env", map[string]string{"Accept": "application/json"}))
	require.Len(t, rows, 1)
	assert.Equal(t, "desired", rows[0]["section"])
}

func TestCliExecuteMultipart(t *testing.T) {
	e := newEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("data", "data.ndjson")
	require.NoError(t, err)
	_, err = io.WriteString(fw, shipment())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/cli/execute", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(handlers.CommandHeader, "system graph import data")
	req.Header.Set("Accept", "application/json")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	counts := decode[[]map[string]any](t, resp)
	require.Len(t, counts, 1)
	assert.EqualValues(t, 3, counts[0]["nodes_created"])

	// multipart without the command header
	var empty bytes.Buffer
	mw = multipart.NewWriter(&empty)
	require.NoError(t, mw.Close())
	req, err = http.NewRequest(http.MethodPost, e.srv.URL+"/cli/execute", &empty)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err = e.srv.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestMethodNotAllowed(t *testing.T) {
	e := newEnv(t)
	resp := e.do(http.MethodDelete, "/graph", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, api.ErrorCodeMethodNotAllowed, apiError(t, resp).Code)
}

func (e *env) dial(path string) *websocket.Conn {
	e.t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(e.t, err)
	if resp != nil {
		resp.Body.Close()
	}
	e.t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventsChannel(t *testing.T) {
	e := newEnv(t)
	conn := e.dial("/events")

	e.bus.Emit(bus.NewEvent("instance.change", json.RawMessage(`{"id":"i-1"}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg bus.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, bus.KindEvent, msg.Kind)
	assert.Equal(t, "instance.change", msg.MessageType)
}

func TestWorkerChannel(t *testing.T) {
	e := newEnv(t)
	conn := e.dial("/work/queue?task=tag&region=eu-1&worker_id=w1")

	// a second worker with the same id is rejected before the upgrade
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/work/queue?task=tag&worker_id=w1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()

	future := e.queue.AddTask(&work.Task{
		ID:    "t1",
		Name:  "tag",
		Attrs: map[string]string{"region": "eu-1"},
		Data:  json.RawMessage(`{"key":"owner"}`),
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var dispatch map[string]any
	require.NoError(t, conn.ReadJSON(&dispatch))
	assert.Equal(t, "t1", dispatch["task_id"])
	assert.Equal(t, "tag", dispatch["task_name"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"task_id": "t1",
		"result":  "done",
		"data":    map[string]any{"updated": 1},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := future.Await(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"updated":1}`, string(result))
}
