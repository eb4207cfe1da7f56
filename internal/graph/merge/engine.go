// Package merge reconciles incoming subgraphs with the stored graph. The
// engine computes the minimal change set against the stored slice of the
// sub-root, guards overlapping updates through the in-progress marks and
// applies the result directly, staged, or as a held batch.
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/corekeeper/ckcore/internal/graph"
	"github.com/corekeeper/ckcore/internal/logging"
	"github.com/corekeeper/ckcore/internal/metrics"
	"github.com/corekeeper/ckcore/internal/storage"
)

// Domain errors, re-exported from the storage contract so callers only
// import this package.
var (
	ErrInvalidBatchUpdate = storage.ErrInvalidBatchUpdate
	ErrNotFound           = storage.ErrNotFound
)

// LargeChangeThreshold is the default change count above which a merge is
// staged instead of applied in one transaction.
const LargeChangeThreshold = 100_000

// Options tune one merge call.
type Options struct {
	// BatchID stages the changes under this id instead of applying them;
	// the caller commits or aborts later. The batch id doubles as the
	// change id.
	BatchID string
}

// Engine drives merges against one storage driver.
type Engine struct {
	driver    storage.Driver
	metrics   *metrics.Metrics
	log       *logging.Logger
	threshold int
	tracer    trace.Tracer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithThreshold overrides the staged-apply threshold.
func WithThreshold(n int) EngineOption {
	return func(e *Engine) { e.threshold = n }
}

// WithMetrics attaches merge metrics.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine builds a merge engine on the given driver.
func NewEngine(driver storage.Driver, opts ...EngineOption) *Engine {
	e := &Engine{
		driver:    driver,
		log:       logging.GetLogger("graph.merge"),
		threshold: LargeChangeThreshold,
		tracer:    otel.Tracer("ckcore/merge"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Merge reconciles sub with the stored graph beneath parentID and returns
// what changed. The subgraph must have exactly one root; cyclic shipments
// are rejected before anything is written. Overlapping in-flight updates
// fail with a ConflictError naming the other change.
func (e *Engine) Merge(ctx context.Context, graphName string, sub *graph.Subgraph, parentID string, opts Options) (graph.ChangeCounts, error) {
	ctx, span := e.tracer.Start(ctx, "merge.apply",
		trace.WithAttributes(attribute.String("graph", graphName)))
	defer span.End()
	started := time.Now()

	counts, err := e.merge(ctx, graphName, sub, parentID, opts)

	if e.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		e.metrics.MergeTotal.WithLabelValues(graphName, outcome).Inc()
		e.metrics.MergeDuration.WithLabelValues(graphName).Observe(time.Since(started).Seconds())
		if err == nil {
			e.metrics.RecordChanges(graphName, counts.NodesCreated, counts.NodesUpdated,
				counts.NodesDeleted, counts.EdgesCreated, counts.EdgesDeleted)
		}
	}
	return counts, err
}

func (e *Engine) merge(ctx context.Context, graphName string, sub *graph.Subgraph, parentID string, opts Options) (graph.ChangeCounts, error) {
	var zero graph.ChangeCounts

	if err := sub.Seal(); err != nil {
		return zero, err
	}
	rootID, err := sub.Root()
	if err != nil {
		return zero, err
	}
	if parentID == "" {
		parentID = graph.RootID
	}
	// A shipment may root at the graph root itself; the stored root is
	// then the diff base and no parent edge exists above it.
	if rootID == parentID && rootID != graph.RootID {
		return zero, fmt.Errorf("subgraph root %q equals its parent", rootID)
	}
	if _, err := e.driver.GetNode(ctx, graphName, parentID); err != nil {
		return zero, fmt.Errorf("merge parent: %w", err)
	}

	changeID := opts.BatchID
	if changeID == "" {
		changeID = uuid.NewString()
	}

	ancestors, err := e.driver.Ancestors(ctx, graphName, parentID)
	if err != nil {
		return zero, err
	}
	mark := storage.InProgressUpdate{
		ChangeID:     changeID,
		RootNodes:    []string{rootID},
		ParentNodeID: parentID,
		ParentNodes:  append([]string{parentID}, ancestors...),
		IsBatch:      opts.BatchID != "",
		EdgeTypes:    sub.EdgeTypes(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.driver.ReserveUpdate(ctx, graphName, mark); err != nil {
		return zero, err
	}

	changes, err := e.diff(ctx, graphName, sub, rootID, parentID)
	if err != nil {
		e.dropMark(ctx, graphName, changeID)
		return zero, err
	}
	counts := changes.Counts()

	switch {
	case opts.BatchID != "":
		if err := e.driver.StageChanges(ctx, graphName, changeID, changes); err != nil {
			e.dropMark(ctx, graphName, changeID)
			return zero, err
		}
		e.log.Info("staged batch %s on %s: %+v", changeID, graphName, counts)
		return counts, nil

	case counts.Total() < e.threshold:
		if err := e.driver.ApplyChanges(ctx, graphName, changes); err != nil {
			e.dropMark(ctx, graphName, changeID)
			return zero, err
		}

	default:
		if err := e.driver.StageChanges(ctx, graphName, changeID, changes); err != nil {
			e.dropMark(ctx, graphName, changeID)
			return zero, err
		}
		if err := e.driver.CommitStaged(ctx, graphName, changeID); err != nil {
			e.abortQuietly(ctx, graphName, changeID)
			e.dropMark(ctx, graphName, changeID)
			return zero, err
		}
	}

	if err := e.driver.DeleteUpdateMark(ctx, graphName, changeID); err != nil {
		return zero, err
	}
	e.log.InfoWithFields("merge finished",
		logging.Field("graph", graphName),
		logging.Field("sub_root", rootID),
		logging.Field("nodes_created", counts.NodesCreated),
		logging.Field("nodes_updated", counts.NodesUpdated),
		logging.Field("nodes_deleted", counts.NodesDeleted),
		logging.Field("edges_created", counts.EdgesCreated),
		logging.Field("edges_deleted", counts.EdgesDeleted),
	)
	return counts, nil
}

// diff computes the change set between the incoming subgraph and the
// stored slice keyed by the sub-root's update id.
func (e *Engine) diff(ctx context.Context, graphName string, sub *graph.Subgraph, rootID, parentID string) (*graph.ChangeSet, error) {
	storedNodes, storedEdges, err := e.driver.Slice(ctx, graphName, rootID)
	if err != nil {
		return nil, err
	}
	// Root-rooted shipments diff against the stored root too; it carries
	// no update id, so the slice alone misses it.
	if rootID == parentID {
		found := false
		for _, n := range storedNodes {
			if n.ID == rootID {
				found = true
				break
			}
		}
		if !found {
			stored, err := e.driver.GetNode(ctx, graphName, rootID)
			if err != nil {
				return nil, err
			}
			storedNodes = append(storedNodes, stored)
		}
	}

	changes := &graph.ChangeSet{}
	storedByID := make(map[string]*graph.Node, len(storedNodes))
	for _, n := range storedNodes {
		storedByID[n.ID] = n
	}

	for _, incoming := range sub.Nodes() {
		incoming.UpdateID = rootID
		stored, ok := storedByID[incoming.ID]
		if !ok {
			changes.NodeInserts = append(changes.NodeInserts, incoming)
			continue
		}
		if stored.Hash != incoming.Hash {
			// reported is collector truth; desired and metadata belong to
			// operators and the system, so a merge must not wipe them.
			if len(incoming.Desired) == 0 {
				incoming.Desired = stored.Desired
			}
			if len(incoming.Metadata) == 0 {
				incoming.Metadata = stored.Metadata
			}
			changes.NodeUpdates = append(changes.NodeUpdates, incoming)
		}
	}
	for _, stored := range storedNodes {
		if _, ok := sub.Node(stored.ID); !ok {
			changes.NodeDeletes = append(changes.NodeDeletes, stored.ID)
		}
	}

	// Edge diff per edge type touched by the shipment. Untouched types
	// keep their stored edges.
	touched := map[graph.EdgeType]bool{}
	for _, et := range sub.EdgeTypes() {
		touched[et] = true
	}
	wanted := map[string]bool{}
	for _, incoming := range sub.Edges() {
		incoming.UpdateID = rootID
		wanted[incoming.Key()] = true
	}
	// Rooting below the graph root keeps a synthetic parent edge alive;
	// the graph root itself has nothing above it.
	var parentEdge *graph.Edge
	if rootID != parentID {
		parentEdge = &graph.Edge{From: parentID, To: rootID, Type: graph.EdgeTypeDefault, UpdateID: rootID}
		wanted[parentEdge.Key()] = true
	}
	storedKeys := map[string]bool{}
	for _, stored := range storedEdges {
		storedKeys[stored.Key()] = true
		if touched[stored.Type] && !wanted[stored.Key()] {
			changes.EdgeDeletes = append(changes.EdgeDeletes, stored)
		}
	}
	for _, incoming := range sub.Edges() {
		incoming.UpdateID = rootID
		if !storedKeys[incoming.Key()] {
			changes.EdgeInserts = append(changes.EdgeInserts, incoming)
		}
	}
	if parentEdge != nil && !storedKeys[parentEdge.Key()] {
		changes.EdgeInserts = append(changes.EdgeInserts, *parentEdge)
	}
	return changes, nil
}

// CommitBatch promotes the staged rows of a held batch and releases its
// mark.
func (e *Engine) CommitBatch(ctx context.Context, graphName, batchID string) error {
	if err := e.ensureBatch(ctx, graphName, batchID); err != nil {
		return err
	}
	if err := e.driver.CommitStaged(ctx, graphName, batchID); err != nil {
		return err
	}
	e.log.Info("committed batch %s on %s", batchID, graphName)
	return e.driver.DeleteUpdateMark(ctx, graphName, batchID)
}

// AbortBatch discards the staged rows of a held batch; the primary graph
// is untouched.
func (e *Engine) AbortBatch(ctx context.Context, graphName, batchID string) error {
	if err := e.ensureBatch(ctx, graphName, batchID); err != nil {
		return err
	}
	if err := e.driver.AbortStaged(ctx, graphName, batchID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	e.log.Info("aborted batch %s on %s", batchID, graphName)
	return e.driver.DeleteUpdateMark(ctx, graphName, batchID)
}

func (e *Engine) ensureBatch(ctx context.Context, graphName, batchID string) error {
	marks, err := e.driver.ListInProgress(ctx, graphName)
	if err != nil {
		return err
	}
	for _, m := range marks {
		if m.ChangeID == batchID {
			if !m.IsBatch {
				return fmt.Errorf("change %q is not a batch", batchID)
			}
			return nil
		}
	}
	return fmt.Errorf("batch %q: %w", batchID, storage.ErrNotFound)
}

// ListInProgress enumerates the current update marks.
func (e *Engine) ListInProgress(ctx context.Context, graphName string) ([]storage.InProgressUpdate, error) {
	return e.driver.ListInProgress(ctx, graphName)
}

func (e *Engine) dropMark(ctx context.Context, graphName, changeID string) {
	if err := e.driver.DeleteUpdateMark(ctx, graphName, changeID); err != nil {
		e.log.Warn("could not release update mark %s on %s: %v", changeID, graphName, err)
	}
}

func (e *Engine) abortQuietly(ctx context.Context, graphName, changeID string) {
	if err := e.driver.AbortStaged(ctx, graphName, changeID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.log.Warn("could not abort staged change %s on %s: %v", changeID, graphName, err)
	}
}
