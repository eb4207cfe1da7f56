// Package work distributes short-lived tasks to attached workers. A task
// is handed to exactly one worker at a time; the submitter holds a future
// that resolves when a worker acknowledges or the retry budget runs out.
package work

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/corekeeper/ckcore/internal/logging"
	"github.com/corekeeper/ckcore/internal/metrics"
)

// ErrWorkerAlreadyAttached is returned when a worker id attaches twice.
var ErrWorkerAlreadyAttached = errors.New("worker is already attached")

// DefaultMaxRetries bounds redeliveries of a failed or expired task.
const DefaultMaxRetries = 3

// DefaultTaskTimeout is the deadline applied to tasks submitted without
// one.
const DefaultTaskTimeout = 30 * time.Second

// reapInterval is how often expired outstanding tasks are collected.
const reapInterval = time.Second

// Task is one unit of work offered to workers.
type Task struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Data     json.RawMessage   `json:"data,omitempty"`
	Deadline time.Time         `json:"deadline"`
}

// WorkerCapability names a task a worker serves, optionally narrowed by
// attribute equality.
type WorkerCapability struct {
	TaskName string            `json:"task_name"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

func (c WorkerCapability) matches(t *Task) bool {
	if c.TaskName != t.Name {
		return false
	}
	for k, v := range c.Attrs {
		if t.Attrs[k] != v {
			return false
		}
	}
	return true
}

// Future resolves when the task reaches a terminal state.
type Future struct {
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Await blocks until the task is acknowledged, failed, or ctx ends.
func (f *Future) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(result json.RawMessage) {
	f.result = result
	close(f.done)
}

func (f *Future) fail(err error) {
	f.err = err
	close(f.done)
}

// Worker is one attached consumer. Tasks arrive on Queue.
type Worker struct {
	id    string
	caps  []WorkerCapability
	queue chan *Task
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Queue delivers the tasks assigned to this worker. Closed on detach.
func (w *Worker) Queue() <-chan *Task { return w.queue }

func (w *Worker) serves(t *Task) bool {
	for _, c := range w.caps {
		if c.matches(t) {
			return true
		}
	}
	return false
}

type outstanding struct {
	task     *Task
	future   *Future
	workerID string
	attempts int
}

// Queue owns the task lifecycle: pending, outstanding, terminal.
type Queue struct {
	mu          sync.Mutex
	workers     map[string]*Worker
	outstanding map[string]*outstanding
	pending     []*outstanding
	maxRetries  int
	taskTimeout time.Duration
	metrics     *metrics.Metrics
	log         *logging.Logger
	stop        chan struct{}
	stopped     sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries overrides the redelivery budget.
func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// WithTaskTimeout overrides the default task deadline.
func WithTaskTimeout(d time.Duration) Option {
	return func(q *Queue) { q.taskTimeout = d }
}

// WithMetrics attaches worker metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// NewQueue builds a task queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		workers:     map[string]*Worker{},
		outstanding: map[string]*outstanding{},
		maxRetries:  DefaultMaxRetries,
		taskTimeout: DefaultTaskTimeout,
		log:         logging.GetLogger("work"),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the deadline reaper.
func (q *Queue) Start(ctx context.Context) error {
	q.stopped.Add(1)
	go q.reapLoop()
	return nil
}

// Stop halts the reaper and fails every live task.
func (q *Queue) Stop(ctx context.Context) error {
	close(q.stop)
	q.stopped.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	for id, o := range q.outstanding {
		o.future.fail(errors.New("task queue shutting down"))
		delete(q.outstanding, id)
	}
	for _, o := range q.pending {
		o.future.fail(errors.New("task queue shutting down"))
	}
	q.pending = nil
	for id, w := range q.workers {
		close(w.queue)
		delete(q.workers, id)
	}
	return nil
}

// Name implements lifecycle.Component.
func (q *Queue) Name() string { return "work.queue" }

// Attach registers a worker under the given id. A second attach with the
// same id fails with ErrWorkerAlreadyAttached until Detach. Pending tasks
// the worker can serve are dispatched immediately.
func (q *Queue) Attach(workerID string, caps []WorkerCapability) (*Worker, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.workers[workerID]; ok {
		return nil, fmt.Errorf("worker %q: %w", workerID, ErrWorkerAlreadyAttached)
	}
	w := &Worker{
		id:    workerID,
		caps:  caps,
		queue: make(chan *Task, 64),
	}
	q.workers[workerID] = w
	q.log.Info("worker %s attached with %d capabilities", workerID, len(caps))

	kept := q.pending[:0]
	for _, o := range q.pending {
		if !q.dispatchLocked(o) {
			kept = append(kept, o)
		}
	}
	q.pending = kept
	return w, nil
}

// Detach removes the worker and requeues its outstanding tasks.
func (q *Queue) Detach(workerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.workers[workerID]
	if !ok {
		return
	}
	delete(q.workers, workerID)
	close(w.queue)
	q.log.Info("worker %s detached", workerID)

	for _, o := range q.outstanding {
		if o.workerID == workerID {
			o.workerID = ""
			q.redeliverLocked(o, "worker detached")
		}
	}
}

// AddTask submits a task and returns its future. Without a matching
// worker the task waits in the pending list.
func (q *Queue) AddTask(task *Task) *Future {
	if task.Deadline.IsZero() {
		task.Deadline = time.Now().Add(q.taskTimeout)
	}
	o := &outstanding{task: task, future: newFuture()}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.dispatchLocked(o) {
		q.pending = append(q.pending, o)
	}
	if q.metrics != nil {
		q.metrics.TasksOutstanding.Inc()
	}
	return o.future
}

// dispatchLocked offers the task to the first worker that serves it.
func (q *Queue) dispatchLocked(o *outstanding) bool {
	for _, w := range q.workers {
		if !w.serves(o.task) {
			continue
		}
		select {
		case w.queue <- o.task:
			o.workerID = w.id
			o.attempts++
			q.outstanding[o.task.ID] = o
			return true
		default:
			// worker queue full, try the next one
		}
	}
	return false
}

// Acknowledge resolves the task's future with the worker's result.
func (q *Queue) Acknowledge(taskID string, result json.RawMessage) error {
	q.mu.Lock()
	o, ok := q.outstanding[taskID]
	if ok {
		delete(q.outstanding, taskID)
	}
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task %q", taskID)
	}
	q.settle("ok")
	o.future.resolve(result)
	return nil
}

// Error reports a failed attempt. The task is redelivered until the
// retry budget is spent, then its future fails with the worker's
// message.
func (q *Queue) Error(taskID, msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	o, ok := q.outstanding[taskID]
	if !ok {
		return fmt.Errorf("unknown task %q", taskID)
	}
	o.workerID = ""
	q.redeliverLocked(o, msg)
	return nil
}

// redeliverLocked retries the task or fails it when the budget is spent.
func (q *Queue) redeliverLocked(o *outstanding, reason string) {
	if o.attempts > q.maxRetries {
		delete(q.outstanding, o.task.ID)
		q.settle("failed")
		o.future.fail(fmt.Errorf("task %s failed after %d attempts: %s", o.task.ID, o.attempts, reason))
		return
	}
	q.log.Warn("redelivering task %s (attempt %d): %s", o.task.ID, o.attempts, reason)
	delete(q.outstanding, o.task.ID)
	if !q.dispatchLocked(o) {
		q.pending = append(q.pending, o)
	}
}

func (q *Queue) settle(outcome string) {
	if q.metrics != nil {
		q.metrics.TasksOutstanding.Dec()
		q.metrics.TasksTotal.WithLabelValues(outcome).Inc()
	}
}

// OutstandingCount returns how many tasks are held by workers.
func (q *Queue) OutstandingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.outstanding)
}

func (q *Queue) reapLoop() {
	defer q.stopped.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case now := <-ticker.C:
			q.reap(now)
		}
	}
}

// reap redelivers or fails tasks past their deadline.
func (q *Queue) reap(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, o := range q.outstanding {
		if now.After(o.task.Deadline) {
			o.task.Deadline = now.Add(q.taskTimeout)
			o.workerID = ""
			q.redeliverLocked(o, "deadline exceeded")
		}
	}
	kept := q.pending[:0]
	for _, o := range q.pending {
		if now.After(o.task.Deadline) {
			q.settle("expired")
			o.future.fail(fmt.Errorf("task %s expired before any worker served it", o.task.ID))
			continue
		}
		kept = append(kept, o)
	}
	q.pending = kept
}
