package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/corekeeper/ckcore/internal/api/handlers"
	"github.com/corekeeper/ckcore/internal/apiserver"
	"github.com/corekeeper/ckcore/internal/bus"
	"github.com/corekeeper/ckcore/internal/cli"
	"github.com/corekeeper/ckcore/internal/config"
	"github.com/corekeeper/ckcore/internal/graph/merge"
	"github.com/corekeeper/ckcore/internal/lifecycle"
	"github.com/corekeeper/ckcore/internal/logging"
	"github.com/corekeeper/ckcore/internal/mcp"
	"github.com/corekeeper/ckcore/internal/metrics"
	"github.com/corekeeper/ckcore/internal/storage"
	"github.com/corekeeper/ckcore/internal/storage/falkor"
	"github.com/corekeeper/ckcore/internal/storage/memory"
	"github.com/corekeeper/ckcore/internal/subscription"
	"github.com/corekeeper/ckcore/internal/task"
	"github.com/corekeeper/ckcore/internal/tracing"
	"github.com/corekeeper/ckcore/internal/work"
)

const shutdownGrace = 30 * time.Second

var (
	configPath string
	listenFlag string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the ckcore server",
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().StringVar(&configPath, "config", "", "path to the YAML config file")
	serverCmd.Flags().StringVar(&listenFlag, "listen", "", "listen address, overrides the config file")
}

// deferredRunner breaks the construction cycle between the task handler
// (which runs commands) and the executor (which owns the task commands).
type deferredRunner struct {
	exec *cli.Executor
}

func (r *deferredRunner) Run(ctx context.Context, command string) error {
	return r.exec.Run(ctx, command)
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := setupLog(logLevelFlags); err != nil {
		return err
	}
	log := logging.GetLogger("server")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenFlag != "" {
		cfg.Server.Listen = listenFlag
	}

	ctx := cmd.Context()
	driver, err := openDriver(cfg)
	if err != nil {
		return err
	}
	defer driver.Close()
	log.Info("storage driver %s ready", cfg.Database.Driver)

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	b := bus.New(bus.WithMetrics(m))
	defer b.Close()
	subs := subscription.NewHandler(driver, b)
	queue := work.NewQueue(
		work.WithMaxRetries(cfg.WorkQueue.MaxRetries),
		work.WithTaskTimeout(cfg.WorkQueue.TaskTimeout),
		work.WithMetrics(m),
	)
	engine := merge.NewEngine(driver, merge.WithMetrics(m))

	store, err := handlers.NewModelStore(ctx, driver)
	if err != nil {
		return err
	}

	runner := &deferredRunner{}
	tasks := task.NewHandler(driver, b, subs, runner)
	executor := cli.NewExecutor(driver,
		cli.WithModelFn(store.Model),
		cli.WithMergeEngine(engine),
		cli.WithTaskHandler(tasks),
		cli.WithWorkQueue(queue),
		cli.WithMetrics(m),
		cli.WithBaseEnv(map[string]string{"graph": cfg.DefaultGraph}),
	)
	runner.exec = executor

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		TLSCAPath:   cfg.Tracing.TLSCAPath,
		TLSInsecure: cfg.Tracing.TLSInsecure,
	})
	if err != nil {
		return err
	}

	h := handlers.New(handlers.Deps{
		Driver:        driver,
		Engine:        engine,
		Models:        store,
		Executor:      executor,
		Subscriptions: subs,
		Tasks:         tasks,
		Workers:       queue,
		Bus:           b,
		Search:        cfg.Database.Search,
		Version:       cli.Version,
	})
	mcpServer := mcp.New(mcp.Deps{Driver: driver, Model: store.Model, Version: cli.Version})
	srv := apiserver.New(apiserver.Config{
		Listen:   cfg.Server.Listen,
		Handlers: h,
		Gatherer: registry,
		MCP:      mcpServer.HTTPHandler(),
		Ready: func(ctx context.Context) error {
			_, err := driver.ListGraphs(ctx)
			return err
		},
	})

	mgr := lifecycle.NewManager()
	if err := registerComponents(mgr, cfg, tracer, queue, tasks, srv); err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, gctx := errgroup.WithContext(sigCtx)
	group.Go(func() error {
		select {
		case err := <-srv.Err():
			return err
		case <-gctx.Done():
			return nil
		}
	})
	runErr := group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := mgr.Stop(shutdownCtx); err != nil {
		log.Warn("shutdown: %v", err)
	}
	return runErr
}

func openDriver(cfg *config.Config) (storage.Driver, error) {
	switch cfg.Database.Driver {
	case "memory":
		return memory.NewDriver(), nil
	case "falkor":
		return falkor.Open(falkor.Config{
			Address:  cfg.Database.Address,
			Password: cfg.Database.Password,
		})
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func registerComponents(mgr *lifecycle.Manager, cfg *config.Config,
	tracer *tracing.Provider, queue *work.Queue, tasks *task.Handler, srv *apiserver.Server) error {
	if err := mgr.Register(tracer); err != nil {
		return err
	}
	if err := mgr.Register(queue); err != nil {
		return err
	}
	if err := mgr.Register(tasks, queue); err != nil {
		return err
	}
	if cfg.JobsFile != "" {
		watcher, err := config.NewJobsWatcher(cfg.JobsFile, jobsReload(tasks))
		if err != nil {
			return err
		}
		if err := mgr.Register(watcher, tasks); err != nil {
			return err
		}
	}
	return mgr.Register(srv, tracer, queue, tasks)
}

// jobsReload parses the job lines of a freshly loaded jobs file and
// swaps them in. One bad line rejects the whole file.
func jobsReload(tasks *task.Handler) config.JobsReload {
	return func(lines []string) error {
		jobs := make([]task.Job, 0, len(lines))
		for _, line := range lines {
			j, err := task.ParseJob(line)
			if err != nil {
				return fmt.Errorf("job %q: %w", line, err)
			}
			jobs = append(jobs, j)
		}
		return tasks.ReplaceJobs(context.Background(), jobs)
	}
}
