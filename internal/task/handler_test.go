package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corekeeper/ckcore/internal/bus"
	"github.com/corekeeper/ckcore/internal/storage"
	"github.com/corekeeper/ckcore/internal/storage/memory"
	"github.com/corekeeper/ckcore/internal/subscription"
)

type recordingRunner struct {
	mu       sync.Mutex
	commands []string
	block    chan struct{}
}

func (r *recordingRunner) Run(ctx context.Context, command string) error {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	r.mu.Unlock()
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	return nil
}

func (r *recordingRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func testHandler(t *testing.T, runner CommandRunner) (*Handler, *bus.Bus, *memory.Driver, context.Context) {
	t.Helper()
	d := memory.NewDriver()
	b := bus.New()
	t.Cleanup(b.Close)
	subs := subscription.NewHandler(d, b)
	return NewHandler(d, b, subs, runner), b, d, context.Background()
}

func TestJobPersistence(t *testing.T) {
	h, _, d, ctx := testHandler(t, nil)

	j, err := h.AddJob(ctx, `cron '0 4 * * *' search is(instance) | clean`)
	require.NoError(t, err)

	jobs, err := h.Jobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, j.ID, jobs[0].ID)

	// a fresh handler picks the job up from the system docs
	b2 := bus.New()
	defer b2.Close()
	h2 := NewHandler(d, b2, subscription.NewHandler(d, b2), nil)
	require.NoError(t, h2.Start(ctx))
	defer h2.Stop(ctx)
	jobs, err = h2.Jobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, h.DeleteJob(ctx, j.ID))
	jobs, err = h.Jobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.ErrorIs(t, h.DeleteJob(ctx, j.ID), storage.ErrNotFound)
}

func TestReplaceJobs(t *testing.T) {
	h, _, _, ctx := testHandler(t, nil)
	_, err := h.AddJob(ctx, `echo old`)
	require.NoError(t, err)

	keep, err := ParseJob(`echo keep`)
	require.NoError(t, err)
	require.NoError(t, h.ReplaceJobs(ctx, []Job{keep}))

	jobs, err := h.Jobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "echo keep", jobs[0].Command)
}

func TestStartTaskRunsCommand(t *testing.T) {
	runner := &recordingRunner{}
	h, _, _, ctx := testHandler(t, runner)

	j, err := h.AddJob(ctx, `echo hello`)
	require.NoError(t, err)

	info, err := h.StartTaskByDescriptorID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, info.DescriptorID)

	assert.Eventually(t, func() bool {
		return len(h.TaskHistory()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"echo hello"}, runner.ran())
	assert.Empty(t, h.RunningTasks())
}

func TestStartTaskRefusesParallelRun(t *testing.T) {
	runner := &recordingRunner{block: make(chan struct{})}
	h, _, _, ctx := testHandler(t, runner)

	j, err := h.AddJob(ctx, `echo busy`)
	require.NoError(t, err)

	_, err = h.StartTaskByDescriptorID(ctx, j.ID)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(h.RunningTasks()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = h.StartTaskByDescriptorID(ctx, j.ID)
	assert.ErrorIs(t, err, ErrTaskAlreadyRunning)

	close(runner.block)
	assert.Eventually(t, func() bool {
		return len(h.RunningTasks()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = h.StartTaskByDescriptorID(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStartTaskSurpasses(t *testing.T) {
	runner := &recordingRunner{block: make(chan struct{})}
	h, _, _, ctx := testHandler(t, runner)

	require.NoError(t, h.RegisterDescriptor(Descriptor{
		ID:           "w1",
		Name:         "workflow",
		Command:      "echo run",
		AllowSurpass: true,
	}))

	first, err := h.StartTaskByDescriptorID(ctx, "w1")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(h.RunningTasks()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	second, err := h.StartTaskByDescriptorID(ctx, "w1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// the first run is cancelled, only the second survives
	assert.Eventually(t, func() bool {
		running := h.RunningTasks()
		return len(running) == 1 && running[0].ID == second.ID
	}, 2*time.Second, 10*time.Millisecond)
	close(runner.block)
}

func TestStepCoordination(t *testing.T) {
	h, b, _, ctx := testHandler(t, nil)
	_, err := h.subs.AddSubscription(ctx, "actor", "cleanup", subscription.Subscription{
		Timeout:           2 * time.Second,
		WaitForCompletion: true,
	})
	require.NoError(t, err)

	// the actor acknowledges every action it sees
	actor := b.Subscribe("actor", []string{"cleanup"})
	defer b.Unsubscribe(actor)
	go func() {
		for msg := range actor.Queue() {
			if msg.Kind != bus.KindAction {
				continue
			}
			p, err := msg.ActionPayload()
			if err != nil {
				continue
			}
			b.Emit(bus.NewActionDone("cleanup", p.TaskID, p.Step, "actor"))
		}
	}()

	require.NoError(t, h.RegisterDescriptor(Descriptor{
		ID:    "w1",
		Name:  "cleanup workflow",
		Steps: []Step{{Name: "do_cleanup", EventType: "cleanup"}},
	}))
	_, err = h.StartTaskByDescriptorID(ctx, "w1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(h.TaskHistory()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.TaskHistory()[0].Errors)
}

func TestStepTimeoutSynthesizesError(t *testing.T) {
	h, _, _, ctx := testHandler(t, nil)
	_, err := h.subs.AddSubscription(ctx, "silent", "cleanup", subscription.Subscription{
		Timeout:           50 * time.Millisecond,
		WaitForCompletion: true,
	})
	require.NoError(t, err)

	require.NoError(t, h.RegisterDescriptor(Descriptor{
		ID:    "w1",
		Name:  "cleanup workflow",
		Steps: []Step{{Name: "do_cleanup", EventType: "cleanup"}},
	}))
	_, err = h.StartTaskByDescriptorID(ctx, "w1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(h.TaskHistory()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	errs := h.TaskHistory()[0].Errors
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "timed out")
}

func TestEventTriggeredJob(t *testing.T) {
	runner := &recordingRunner{}
	h, b, _, ctx := testHandler(t, runner)
	require.NoError(t, h.Start(ctx))
	defer h.Stop(ctx)

	_, err := h.AddJob(ctx, `wait_for 'collect_done' echo triggered`)
	require.NoError(t, err)

	b.Emit(bus.NewEvent("collect_done", nil))

	assert.Eventually(t, func() bool {
		return len(runner.ran()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "echo triggered", runner.ran()[0])
}

func TestTaskEndEvent(t *testing.T) {
	runner := &recordingRunner{}
	h, b, _, ctx := testHandler(t, runner)

	ends := b.Subscribe("listener", []string{TaskEndEvent})
	defer b.Unsubscribe(ends)

	j, err := h.AddJob(ctx, `echo done`)
	require.NoError(t, err)
	info, err := h.StartTaskByDescriptorID(ctx, j.ID)
	require.NoError(t, err)

	select {
	case msg := <-ends.Queue():
		assert.Equal(t, bus.KindEvent, msg.Kind)
		assert.Contains(t, string(msg.Data), info.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no task_end event")
	}
}
