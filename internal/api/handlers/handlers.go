// Package handlers implements the HTTP route handlers. Routes register
// on a plain http.ServeMux with path wildcards; methods dispatch inside
// each handler.
package handlers

import (
	"net/http"

	"github.com/corekeeper/ckcore/internal/api"
	"github.com/corekeeper/ckcore/internal/bus"
	"github.com/corekeeper/ckcore/internal/cli"
	"github.com/corekeeper/ckcore/internal/graph/merge"
	"github.com/corekeeper/ckcore/internal/logging"
	"github.com/corekeeper/ckcore/internal/query"
	"github.com/corekeeper/ckcore/internal/storage"
	"github.com/corekeeper/ckcore/internal/subscription"
	"github.com/corekeeper/ckcore/internal/task"
	"github.com/corekeeper/ckcore/internal/work"
)

// parserCacheSize bounds the handler-side query parse cache.
const parserCacheSize = 512

// Deps is everything the route handlers operate on.
type Deps struct {
	Driver        storage.Driver
	Engine        *merge.Engine
	Models        *ModelStore
	Executor      *cli.Executor
	Subscriptions *subscription.Handler
	Tasks         *task.Handler
	Workers       *work.Queue
	Bus           *bus.Bus

	// Search enables backend full-text matching on the search endpoint.
	Search  bool
	Version string
}

// Handlers binds the dependencies to the route set.
type Handlers struct {
	Deps
	parser *query.CachingParser
	log    *logging.Logger
}

// New builds the handler set.
func New(deps Deps) *Handlers {
	parser, err := query.NewCachingParser(parserCacheSize)
	if err != nil {
		panic(err)
	}
	return &Handlers{Deps: deps, parser: parser, log: logging.GetLogger("api")}
}

// Register wires every route onto mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/model", h.handleModel)

	mux.HandleFunc("/graph", h.handleGraphList)
	mux.HandleFunc("/graph/{g}", h.handleGraph)
	mux.HandleFunc("/graph/{g}/merge", h.handleMerge)
	mux.HandleFunc("/graph/{g}/batch/merge", h.handleBatchMerge)
	mux.HandleFunc("/graph/{g}/batch", h.handleBatchList)
	mux.HandleFunc("/graph/{g}/batch/{id}", h.handleBatch)
	mux.HandleFunc("/graph/{g}/node/{id}", h.handleNode)
	mux.HandleFunc("/graph/{g}/node/{id}/under/{parent}", h.handleNodeUnder)
	mux.HandleFunc("/graph/{g}/query/{kind}", h.handleQuery)
	mux.HandleFunc("/graph/{g}/search", h.handleSearch)

	mux.HandleFunc("/subscribers", h.handleSubscribers)
	mux.HandleFunc("/subscriber/{id}", h.handleSubscriber)
	mux.HandleFunc("/subscriber/{id}/handle", h.handleSubscriberChannel)
	mux.HandleFunc("/subscriber/{id}/{event}", h.handleSubscription)

	mux.HandleFunc("/work/queue", h.handleWorkerChannel)
	mux.HandleFunc("/events", h.handleEvents)

	mux.HandleFunc("/cli/evaluate", h.handleEvaluate)
	mux.HandleFunc("/cli/execute", h.handleExecute)
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	api.WriteError(w, api.NewAPIError(api.ErrorCodeMethodNotAllowed,
		http.StatusMethodNotAllowed, "allowed: %s", allowed))
}
