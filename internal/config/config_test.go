package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8900", cfg.Server.Listen)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.WorkQueue.MaxRetries)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
schema_version: v1
server:
  listen: ":9000"
database:
  driver: falkor
  address: "localhost:6379"
  search: true
work_queue:
  max_retries: 5
default_graph: prod
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "falkor", cfg.Database.Driver)
	assert.True(t, cfg.Database.Search)
	assert.Equal(t, 5, cfg.WorkQueue.MaxRetries)
	assert.Equal(t, "prod", cfg.DefaultGraph)
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.WorkQueue.TaskTimeout)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.SchemaVersion = "v2"
	assert.ErrorContains(t, cfg.Validate(), "unsupported schema_version")

	cfg = Default()
	cfg.SchemaVersion = "v1.3"
	assert.NoError(t, cfg.Validate(), "minor versions of v1 are accepted")

	cfg = Default()
	cfg.Database.Driver = "postgres"
	assert.ErrorContains(t, cfg.Validate(), "unknown database driver")

	cfg = Default()
	cfg.Database.Driver = "falkor"
	assert.ErrorContains(t, cfg.Validate(), "database.address is required")
}

func TestLoadRejectsBadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeFile(t, "bad.yaml", "schema_version: v9")
	_, err = Load(path)
	assert.ErrorContains(t, err, "schema_version")
}

func TestLoadJobsFile(t *testing.T) {
	path := writeFile(t, "jobs.yaml", `
schema_version: v1
jobs:
  - "cron '0 4 * * *' search is(instance) | clean expired"
  - "wait_for 'collect_done' search all | count"
`)
	jf, err := LoadJobsFile(path)
	require.NoError(t, err)
	assert.Len(t, jf.Jobs, 2)

	bad := writeFile(t, "bad.yaml", "jobs: [x]")
	_, err = LoadJobsFile(bad)
	assert.ErrorContains(t, err, "schema_version")
}

func TestJobsWatcherReloads(t *testing.T) {
	path := writeFile(t, "jobs.yaml", "schema_version: v1\njobs: [\"echo one\"]\n")

	var mu sync.Mutex
	var last []string
	w, err := NewJobsWatcher(path, func(jobs []string) error {
		mu.Lock()
		defer mu.Unlock()
		last = jobs
		return nil
	})
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(ctx)

	mu.Lock()
	assert.Equal(t, []string{"echo one"}, last, "initial load is delivered")
	mu.Unlock()

	require.NoError(t, os.WriteFile(path, []byte("schema_version: v1\njobs: [\"echo one\", \"echo two\"]\n"), 0o600))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 2
	}, 3*time.Second, 20*time.Millisecond)

	// a broken rewrite is skipped and the previous state stays
	require.NoError(t, os.WriteFile(path, []byte("schema_version: v9\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	assert.Len(t, last, 2)
	mu.Unlock()
}
