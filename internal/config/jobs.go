package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/corekeeper/ckcore/internal/logging"
)

// defaultDebounce coalesces the event bursts editors produce on save.
const defaultDebounce = 500 * time.Millisecond

// JobsFile is the watched job definition file.
type JobsFile struct {
	SchemaVersion string   `yaml:"schema_version"`
	Jobs          []string `yaml:"jobs"`
}

// LoadJobsFile reads and validates a jobs file.
func LoadJobsFile(path string) (*JobsFile, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading jobs file %q: %w", path, err)
	}
	var jf JobsFile
	if err := k.UnmarshalWithConf("", &jf, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("parsing jobs file %q: %w", path, err)
	}
	if err := checkSchemaVersion(jf.SchemaVersion); err != nil {
		return nil, fmt.Errorf("jobs file %q: %w", path, err)
	}
	return &jf, nil
}

// JobsReload receives the jobs of a freshly loaded file.
type JobsReload func(jobs []string) error

// JobsWatcher hot-reloads the jobs file. A reload that fails to load or
// validate is logged and skipped; the previous state stays active.
type JobsWatcher struct {
	path     string
	debounce time.Duration
	reload   JobsReload
	log      *logging.Logger

	mu      sync.Mutex
	timer   *time.Timer
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewJobsWatcher builds a watcher for path, delivering reloads to fn.
func NewJobsWatcher(path string, fn JobsReload) (*JobsWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("jobs file path is empty")
	}
	if fn == nil {
		return nil, fmt.Errorf("reload callback is nil")
	}
	return &JobsWatcher{
		path:     path,
		debounce: defaultDebounce,
		reload:   fn,
		log:      logging.GetLogger("config.jobs"),
		stopped:  make(chan struct{}),
	}, nil
}

// Start loads the file once, delivers it, and begins watching. The
// initial load failing fails the start.
func (w *JobsWatcher) Start(ctx context.Context) error {
	jf, err := LoadJobsFile(w.path)
	if err != nil {
		return err
	}
	if err := w.reload(jf.Jobs); err != nil {
		return fmt.Errorf("applying initial jobs: %w", err)
	}
	w.log.Info("loaded %d jobs from %s", len(jf.Jobs), w.path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting jobs watcher: %w", err)
	}
	if err := watcher.Add(w.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", w.path, err)
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	go w.loop(watchCtx, watcher)
	return nil
}

// Stop ends the watch loop.
func (w *JobsWatcher) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name implements lifecycle.Component.
func (w *JobsWatcher) Name() string { return "jobs.watcher" }

func (w *JobsWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(w.stopped)
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// editors replace files on save; re-add to follow the inode
			if event.Op&fsnotify.Rename != 0 {
				_ = watcher.Add(w.path)
			}
			w.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("jobs watcher: %v", err)
		}
	}
}

func (w *JobsWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.doReload)
}

func (w *JobsWatcher) doReload() {
	jf, err := LoadJobsFile(w.path)
	if err != nil {
		w.log.Warn("jobs reload skipped: %v", err)
		return
	}
	if err := w.reload(jf.Jobs); err != nil {
		w.log.Warn("jobs reload rejected: %v", err)
		return
	}
	w.log.Info("reloaded %d jobs from %s", len(jf.Jobs), w.path)
}
