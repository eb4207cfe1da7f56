package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeComponent struct {
	name     string
	startErr error
	log      *[]string
}

func (f *fakeComponent) Start(ctx context.Context) error {
	*f.log = append(*f.log, "start:"+f.name)
	return f.startErr
}

func (f *fakeComponent) Stop(ctx context.Context) error {
	*f.log = append(*f.log, "stop:"+f.name)
	return nil
}

func (f *fakeComponent) Name() string { return f.name }

func TestStartOrderFollowsDependencies(t *testing.T) {
	var log []string
	storage := &fakeComponent{name: "storage", log: &log}
	tasks := &fakeComponent{name: "tasks", log: &log}
	api := &fakeComponent{name: "api", log: &log}

	m := NewManager()
	require.NoError(t, m.Register(storage))
	require.NoError(t, m.Register(tasks, storage))
	require.NoError(t, m.Register(api, storage, tasks))

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, []string{"start:storage", "start:tasks", "start:api"}, log)
	assert.True(t, m.IsRunning(api))

	log = nil
	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, []string{"stop:api", "stop:tasks", "stop:storage"}, log)
	assert.False(t, m.IsRunning(api))
}

func TestStartFailureRollsBack(t *testing.T) {
	var log []string
	storage := &fakeComponent{name: "storage", log: &log}
	broken := &fakeComponent{name: "broken", startErr: errors.New("nope"), log: &log}

	m := NewManager()
	require.NoError(t, m.Register(storage))
	require.NoError(t, m.Register(broken, storage))

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, []string{"start:storage", "start:broken", "stop:storage"}, log)
	assert.False(t, m.IsRunning(storage))
}

func TestRegisterValidations(t *testing.T) {
	var log []string
	a := &fakeComponent{name: "a", log: &log}
	b := &fakeComponent{name: "b", log: &log}

	m := NewManager()
	assert.Error(t, m.Register(nil))
	assert.Error(t, m.Register(a, b), "dependency must be registered first")

	require.NoError(t, m.Register(a))
	assert.Error(t, m.Register(a), "duplicate registration")

	require.NoError(t, m.Register(b, a))
}
