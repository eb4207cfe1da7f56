// Package task schedules jobs and coordinates multi-step tasks over the
// message bus. Jobs persist as system docs; their commands run through
// the command pipeline when a cron or event trigger fires.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/corekeeper/ckcore/internal/bus"
	"github.com/corekeeper/ckcore/internal/logging"
	"github.com/corekeeper/ckcore/internal/storage"
	"github.com/corekeeper/ckcore/internal/subscription"
)

// ErrTaskAlreadyRunning is returned when a descriptor without surpass
// permission is started twice in parallel.
var ErrTaskAlreadyRunning = errors.New("task is already running")

// WaitForCap bounds how long a cron-fired job waits for its event
// trigger.
const WaitForCap = 24 * time.Hour

// historyLimit bounds the finished-task ring.
const historyLimit = 100

// TaskEndEvent is emitted on the bus when a task finishes.
const TaskEndEvent = "task_end"

// CommandRunner executes a job's command line. Implemented by the
// command pipeline executor.
type CommandRunner interface {
	Run(ctx context.Context, command string) error
}

// Step is one coordination phase of a task. The action is sent to every
// subscriber of EventType; completion is awaited per subscriber.
type Step struct {
	Name      string        `json:"name"`
	EventType string        `json:"event_type"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// Descriptor names a startable task: optional coordination steps
// followed by an optional command.
type Descriptor struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Cron         string `json:"cron,omitempty"`
	WaitFor      string `json:"wait_for,omitempty"`
	Steps        []Step `json:"steps,omitempty"`
	Command      string `json:"command,omitempty"`
	AllowSurpass bool   `json:"allow_surpass,omitempty"`
}

func descriptorForJob(j Job) Descriptor {
	return Descriptor{
		ID:      j.ID,
		Name:    j.Command,
		Cron:    j.Cron,
		WaitFor: j.WaitFor,
		Command: j.Command,
	}
}

// Info is the observable state of one task run.
type Info struct {
	ID           string    `json:"id"`
	DescriptorID string    `json:"descriptor_id"`
	Name         string    `json:"name"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
	CurrentStep  string    `json:"current_step,omitempty"`
	Errors       []string  `json:"errors,omitempty"`
	Done         bool      `json:"done"`

	cancel context.CancelFunc
}

// Handler owns job persistence, the cron scheduler and running tasks.
type Handler struct {
	driver storage.Driver
	bus    *bus.Bus
	subs   *subscription.Handler
	runner CommandRunner
	log    *logging.Logger
	cron   *cron.Cron

	mu          sync.Mutex
	jobs        map[string]Job
	descriptors map[string]Descriptor
	entries     map[string]cron.EntryID
	running     map[string]*Info
	history     []*Info

	stop    chan struct{}
	stopped sync.WaitGroup
}

// NewHandler builds a task handler. The runner may be nil for a core
// that never executes job commands.
func NewHandler(driver storage.Driver, b *bus.Bus, subs *subscription.Handler, runner CommandRunner) *Handler {
	return &Handler{
		driver:      driver,
		bus:         b,
		subs:        subs,
		runner:      runner,
		log:         logging.GetLogger("task"),
		cron:        cron.New(),
		jobs:        map[string]Job{},
		descriptors: map[string]Descriptor{},
		entries:     map[string]cron.EntryID{},
		running:     map[string]*Info{},
		stop:        make(chan struct{}),
	}
}

// Start loads persisted jobs, arms the cron scheduler and begins
// listening for event triggers.
func (h *Handler) Start(ctx context.Context) error {
	docs, err := h.driver.ListSystemDocs(ctx, storage.CollectionJobs)
	if err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}
	for id, raw := range docs {
		var j Job
		if err := json.Unmarshal(raw, &j); err != nil {
			h.log.Warn("skipping unreadable job %s: %v", id, err)
			continue
		}
		if err := h.register(j); err != nil {
			h.log.Warn("skipping job %s: %v", id, err)
		}
	}
	h.cron.Start()

	events := h.bus.Subscribe("task.handler", []string{bus.Wildcard})
	h.stopped.Add(1)
	go h.eventLoop(events)
	return nil
}

// Stop halts the scheduler and cancels running tasks.
func (h *Handler) Stop(ctx context.Context) error {
	close(h.stop)
	<-h.cron.Stop().Done()

	h.mu.Lock()
	for _, info := range h.running {
		info.cancel()
	}
	h.mu.Unlock()
	h.stopped.Wait()
	return nil
}

// Name implements lifecycle.Component.
func (h *Handler) Name() string { return "task.handler" }

// eventLoop starts pure event-triggered descriptors when their event
// fires.
func (h *Handler) eventLoop(events *bus.Subscription) {
	defer h.stopped.Done()
	defer h.bus.Unsubscribe(events)
	for {
		select {
		case <-h.stop:
			return
		case msg, ok := <-events.Queue():
			if !ok {
				return
			}
			if msg.Kind != bus.KindEvent {
				continue
			}
			h.mu.Lock()
			var fire []Descriptor
			for _, d := range h.descriptors {
				if d.WaitFor == msg.MessageType && d.Cron == "" {
					fire = append(fire, d)
				}
			}
			h.mu.Unlock()
			for _, d := range fire {
				if _, err := h.StartTaskByDescriptorID(context.Background(), d.ID); err != nil {
					h.log.Warn("event trigger %s for %s: %v", msg.MessageType, d.ID, err)
				}
			}
		}
	}
}

// AddJob parses, persists and schedules a job definition.
func (h *Handler) AddJob(ctx context.Context, text string) (Job, error) {
	j, err := ParseJob(text)
	if err != nil {
		return Job{}, err
	}
	raw, err := json.Marshal(j)
	if err != nil {
		return Job{}, err
	}
	if err := h.driver.PutSystemDoc(ctx, storage.CollectionJobs, j.ID, raw); err != nil {
		return Job{}, err
	}
	if err := h.register(j); err != nil {
		return Job{}, err
	}
	h.log.Info("job %s added: %s", j.ID, j.Source)
	return j, nil
}

// DeleteJob unschedules and removes a job.
func (h *Handler) DeleteJob(ctx context.Context, id string) error {
	if err := h.driver.DeleteSystemDoc(ctx, storage.CollectionJobs, id); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked(id)
	h.log.Info("job %s deleted", id)
	return nil
}

// Jobs returns the registered jobs sorted by id.
func (h *Handler) Jobs(ctx context.Context) ([]Job, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Job, 0, len(h.jobs))
	for _, j := range h.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ReplaceJobs swaps the full job set, used by the jobs-file hot reload.
// Jobs absent from the new set are unscheduled and removed.
func (h *Handler) ReplaceJobs(ctx context.Context, jobs []Job) error {
	current, err := h.Jobs(ctx)
	if err != nil {
		return err
	}
	next := map[string]bool{}
	for _, j := range jobs {
		next[j.ID] = true
		raw, err := json.Marshal(j)
		if err != nil {
			return err
		}
		if err := h.driver.PutSystemDoc(ctx, storage.CollectionJobs, j.ID, raw); err != nil {
			return err
		}
		if err := h.register(j); err != nil {
			return err
		}
	}
	for _, j := range current {
		if !next[j.ID] {
			if err := h.DeleteJob(ctx, j.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// RegisterDescriptor adds a startable descriptor that is not a job,
// e.g. a multi-step workflow wired at startup.
func (h *Handler) RegisterDescriptor(d Descriptor) error {
	if d.ID == "" {
		return fmt.Errorf("descriptor without an id")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scheduleLocked(d)
}

func (h *Handler) register(j Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs[j.ID] = j
	return h.scheduleLocked(descriptorForJob(j))
}

func (h *Handler) scheduleLocked(d Descriptor) error {
	if entry, ok := h.entries[d.ID]; ok {
		h.cron.Remove(entry)
		delete(h.entries, d.ID)
	}
	h.descriptors[d.ID] = d
	if d.Cron == "" {
		return nil
	}
	entry, err := h.cron.AddFunc(d.Cron, func() { h.cronFire(d.ID) })
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", d.ID, err)
	}
	h.entries[d.ID] = entry
	return nil
}

func (h *Handler) unregisterLocked(id string) {
	if entry, ok := h.entries[id]; ok {
		h.cron.Remove(entry)
		delete(h.entries, id)
	}
	delete(h.descriptors, id)
	delete(h.jobs, id)
}

// cronFire handles one cron trigger. A descriptor that also waits for
// an event blocks until the event arrives, capped at WaitForCap.
func (h *Handler) cronFire(id string) {
	h.mu.Lock()
	d, ok := h.descriptors[id]
	h.mu.Unlock()
	if !ok {
		return
	}
	if d.WaitFor != "" {
		if !h.awaitEvent(d.WaitFor, WaitForCap) {
			h.log.Warn("job %s: event %s never arrived, skipping this run", id, d.WaitFor)
			return
		}
	}
	if _, err := h.StartTaskByDescriptorID(context.Background(), id); err != nil {
		h.log.Warn("cron trigger for %s: %v", id, err)
	}
}

// awaitEvent blocks until an event of the given type is emitted.
func (h *Handler) awaitEvent(eventType string, cap time.Duration) bool {
	sub := h.bus.Subscribe("task.await."+eventType, []string{eventType})
	defer h.bus.Unsubscribe(sub)
	timer := time.NewTimer(cap)
	defer timer.Stop()
	for {
		select {
		case <-h.stop:
			return false
		case <-timer.C:
			return false
		case msg, ok := <-sub.Queue():
			if !ok {
				return false
			}
			if msg.Kind == bus.KindEvent {
				return true
			}
		}
	}
}

// StartTaskByDescriptorID launches one run of a descriptor. A second
// parallel run is refused unless the descriptor allows surpassing, in
// which case the previous run is cancelled.
func (h *Handler) StartTaskByDescriptorID(ctx context.Context, id string) (*Info, error) {
	h.mu.Lock()
	d, ok := h.descriptors[id]
	if !ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("descriptor %q: %w", id, storage.ErrNotFound)
	}
	for _, info := range h.running {
		if info.DescriptorID != id {
			continue
		}
		if !d.AllowSurpass {
			h.mu.Unlock()
			return nil, fmt.Errorf("descriptor %q: %w", id, ErrTaskAlreadyRunning)
		}
		h.log.Info("surpassing running task %s of %s", info.ID, id)
		info.cancel()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	info := &Info{
		ID:           uuid.NewString(),
		DescriptorID: id,
		Name:         d.Name,
		StartedAt:    time.Now().UTC(),
		cancel:       cancel,
	}
	h.running[info.ID] = info
	h.mu.Unlock()

	h.stopped.Add(1)
	go h.runTask(runCtx, d, info)
	return info, nil
}

func (h *Handler) runTask(ctx context.Context, d Descriptor, info *Info) {
	defer h.stopped.Done()
	defer info.cancel()

	for _, step := range d.Steps {
		h.mu.Lock()
		info.CurrentStep = step.Name
		h.mu.Unlock()
		h.runStep(ctx, info, step)
		if ctx.Err() != nil {
			break
		}
	}
	if d.Command != "" && ctx.Err() == nil {
		if h.runner == nil {
			h.recordError(info, "no command runner configured")
		} else if err := h.runner.Run(ctx, d.Command); err != nil {
			h.recordError(info, fmt.Sprintf("command failed: %v", err))
		}
	}

	h.mu.Lock()
	info.Done = true
	info.CurrentStep = ""
	info.FinishedAt = time.Now().UTC()
	delete(h.running, info.ID)
	h.history = append(h.history, info)
	if len(h.history) > historyLimit {
		h.history = h.history[len(h.history)-historyLimit:]
	}
	h.mu.Unlock()

	h.bus.Emit(bus.NewEvent(TaskEndEvent, mustJSON(map[string]any{
		"task_id":       info.ID,
		"descriptor_id": info.DescriptorID,
		"errors":        info.Errors,
	})))
	h.log.Info("task %s of %s finished with %d errors", info.ID, info.DescriptorID, len(info.Errors))
}

// runStep sends the step action to all subscribers of its event type and
// waits for every wait-for-completion subscriber to report done or fail.
// Subscribers silent past their timeout get a synthesized ActionError.
func (h *Handler) runStep(ctx context.Context, info *Info, step Step) {
	subscribers, err := h.subs.ForEvent(ctx, step.EventType)
	if err != nil {
		h.recordError(info, fmt.Sprintf("step %s: %v", step.Name, err))
		return
	}

	acks := h.bus.Subscribe("task.step."+info.ID, []string{step.EventType})
	defer h.bus.Unsubscribe(acks)

	if err := h.subs.Publish(ctx, bus.NewAction(step.EventType, info.ID, step.Name)); err != nil {
		h.recordError(info, fmt.Sprintf("step %s: %v", step.Name, err))
		return
	}

	deadlines := map[string]time.Time{}
	now := time.Now()
	for _, s := range subscribers {
		sub := s.Subscriptions[step.EventType]
		if !sub.WaitForCompletion {
			continue
		}
		timeout := sub.Timeout
		if timeout <= 0 {
			timeout = subscription.DefaultTimeout
		}
		if step.Timeout > 0 && step.Timeout < timeout {
			timeout = step.Timeout
		}
		deadlines[s.ID] = now.Add(timeout)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for len(deadlines) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case now := <-ticker.C:
			for id, deadline := range deadlines {
				if now.After(deadline) {
					delete(deadlines, id)
					h.recordError(info, fmt.Sprintf("step %s: subscriber %s timed out", step.Name, id))
					h.bus.Emit(bus.NewActionError(step.EventType, info.ID, step.Name, id, "timeout"))
				}
			}
		case msg, ok := <-acks.Queue():
			if !ok {
				return
			}
			if msg.Kind != bus.KindActionDone && msg.Kind != bus.KindActionError {
				continue
			}
			p, err := msg.ActionPayload()
			if err != nil || p.TaskID != info.ID {
				continue
			}
			if _, waiting := deadlines[p.SubscriberID]; !waiting {
				continue
			}
			delete(deadlines, p.SubscriberID)
			if msg.Kind == bus.KindActionError {
				h.recordError(info, fmt.Sprintf("step %s: subscriber %s failed: %s", step.Name, p.SubscriberID, p.Error))
			}
		}
	}
}

func (h *Handler) recordError(info *Info, msg string) {
	h.mu.Lock()
	info.Errors = append(info.Errors, msg)
	h.mu.Unlock()
	h.log.Warn("task %s: %s", info.ID, msg)
}

// RunningTasks returns the in-flight runs, newest first.
func (h *Handler) RunningTasks() []Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Info, 0, len(h.running))
	for _, info := range h.running {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// TaskHistory returns recent finished runs, newest first.
func (h *Handler) TaskHistory() []Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Info, 0, len(h.history))
	for i := len(h.history) - 1; i >= 0; i-- {
		out = append(out, *h.history[i])
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
