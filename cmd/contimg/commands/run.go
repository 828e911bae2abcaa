package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"

	"github.com/dsa110/contimg/internal/calreg"
	collaboratorexec "github.com/dsa110/contimg/internal/collaborator/exec"
	"github.com/dsa110/contimg/internal/config"
	"github.com/dsa110/contimg/internal/ingest"
	"github.com/dsa110/contimg/internal/log"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/orchestrator"
	"github.com/dsa110/contimg/internal/storage/sqlite"
	"github.com/dsa110/contimg/internal/task"
)

type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	configPath string
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Run the pipeline daemon (watcher, sweepers and worker pool).")
	c.Cmd.Flag("config", "Path to the pipeline YAML configuration file.").Required().StringVar(&c.configPath)

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	// Load configuration.
	abs, err := filepath.Abs(c.configPath)
	if err != nil {
		return fmt.Errorf("could not resolve config path: %w", err)
	}
	repo := config.NewYAMLRepository(os.DirFS(filepath.Dir(abs)))
	cfg, err := repo.GetPipeline(ctx, filepath.Base(abs))
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}

	// Initialize storage (SQLite).
	store, err := sqlite.NewStore(ctx, sqlite.StoreConfig{
		DBPath: c.rootCmd.DBPath,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create store: %w", err)
	}
	defer store.Close()

	// Ingest side.
	queue, err := ingest.NewQueue(ingest.QueueConfig{
		Store:      store,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create ingest queue: %w", err)
	}
	grouper, err := ingest.NewGrouper(ingest.GrouperConfig{
		Store:             store,
		Tolerance:         cfg.Tolerance,
		ExpectedMembers:   cfg.ExpectedMembers,
		CollectionTimeout: cfg.CollectionTimeout,
		AcceptLateMembers: cfg.AcceptLateMembers,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("could not create grouper: %w", err)
	}

	// Calibration registry.
	registry, err := calreg.NewRegistry(calreg.RegistryConfig{
		Store:       store,
		LockPath:    c.rootCmd.LockPath,
		HalfWindow:  cfg.HalfWindow,
		FreshWindow: cfg.FreshWindow,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("could not create calibration registry: %w", err)
	}

	// Task engine and orchestrator.
	engine, err := task.NewEngine(task.EngineConfig{
		Store:       store,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("could not create task engine: %w", err)
	}
	collab, err := collaboratorexec.NewCollaborator(collaboratorexec.CollaboratorConfig{
		Commands:      commandMap(cfg.StageCommands),
		Timeout:       cfg.StageTimeout,
		StageTimeouts: cfg.StageTimeouts,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("could not create collaborator: %w", err)
	}
	orch, err := orchestrator.NewOrchestrator(orchestrator.OrchestratorConfig{
		Queue:        queue,
		Registry:     registry,
		Tasks:        engine,
		Collaborator: collab,
		OutputDir:    cfg.OutputDir,
		SkipMosaic:   cfg.SkipMosaic,
		GroupLease:   cfg.GroupLease,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create orchestrator: %w", err)
	}
	pool, err := task.NewPool(task.PoolConfig{
		Engine:        engine,
		Handler:       orch,
		Workers:       cfg.Workers,
		PollInterval:  cfg.PollInterval,
		LeaseDuration: cfg.LeaseDuration,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("could not create worker pool: %w", err)
	}

	onReady := func(ctx context.Context, group model.FileGroup) error {
		_, err := orch.EnqueueGroup(ctx, group.ID)
		return err
	}
	watcher, err := ingest.NewWatcher(ingest.WatcherConfig{
		Dir:     cfg.InputDir,
		Grouper: grouper,
		OnReady: onReady,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("could not create watcher: %w", err)
	}

	// Catch up with files that arrived while the daemon was down.
	if err := watcher.Bootstrap(ctx); err != nil {
		return fmt.Errorf("could not bootstrap input directory: %w", err)
	}

	var g run.Group

	// Directory watcher.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error { return watcher.Run(ctx) },
			func(_ error) { cancel() },
		)
	}

	// Worker pool.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error { return pool.Run(ctx) },
			func(_ error) { cancel() },
		)
	}

	// Maintenance sweeps: collection timeouts and expired leases.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error { return c.sweepLoop(ctx, grouper, queue, orch, logger) },
			func(_ error) { cancel() },
		)
	}

	// Task state feed, logged for external dashboards to scrape.
	{
		changes, unsubscribe := engine.Subscribe(func(model.TaskStateChange) bool { return true })
		g.Add(
			func() error {
				for change := range changes {
					logger.WithValues(log.Kv{
						"task-id":   change.TaskID,
						"group-id":  change.GroupID,
						"old-state": change.OldState,
						"new-state": change.NewState,
					}).Infof("Task state changed")
				}
				return nil
			},
			func(_ error) { unsubscribe() },
		)
	}

	logger.Infof("Pipeline daemon started (input: %s, workers: %d)", cfg.InputDir, cfg.Workers)
	return g.Run()
}

// sweepLoop periodically forces timed-out collecting groups to pending and
// recovers groups whose worker lease expired, requeueing both.
func (c RunCommand) sweepLoop(ctx context.Context, grouper *ingest.Grouper, queue *ingest.Queue, orch *orchestrator.Orchestrator, logger log.Logger) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		now := time.Now().UTC()

		ready, err := grouper.SweepCollecting(ctx, now)
		if err != nil {
			logger.Errorf("Collection timeout sweep failed: %s", err)
		}
		for _, group := range ready {
			if _, err := orch.EnqueueGroup(ctx, group.ID); err != nil {
				logger.Errorf("Could not enqueue partial group %s: %s", group.ID, err)
			}
		}

		recovered, err := queue.RecoverStale(ctx, now)
		if err != nil {
			logger.Errorf("Stale lease sweep failed: %s", err)
			continue
		}
		for _, groupID := range recovered {
			if _, err := orch.EnqueueGroup(ctx, groupID); err != nil {
				logger.Errorf("Could not requeue recovered group %s: %s", groupID, err)
			}
		}
	}
}

func commandMap(src map[model.Stage][]string) map[model.Stage]collaboratorexec.Command {
	out := make(map[model.Stage]collaboratorexec.Command, len(src))
	for stage, argv := range src {
		out[stage] = collaboratorexec.Command(argv)
	}
	return out
}
