package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/dsa110/contimg/internal/ingest"
	"github.com/dsa110/contimg/internal/orchestrator"
	"github.com/dsa110/contimg/internal/printer"
	"github.com/dsa110/contimg/internal/storage/sqlite"
	"github.com/dsa110/contimg/internal/task"
)

type RetryCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	groupID string
}

// NewRetryCommand returns the retry command.
func NewRetryCommand(rootCmd *RootCommand, app *kingpin.Application) *RetryCommand {
	c := &RetryCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("retry", "Requeue a failed group.")
	c.Cmd.Arg("group-id", "Group to requeue.").Required().StringVar(&c.groupID)

	return c
}

func (c RetryCommand) Name() string { return c.Cmd.FullCommand() }

func (c RetryCommand) Run(ctx context.Context) error {
	store, err := sqlite.NewStore(ctx, sqlite.StoreConfig{
		DBPath: c.rootCmd.DBPath,
		Logger: c.rootCmd.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not create store: %w", err)
	}
	defer store.Close()

	queue, err := ingest.NewQueue(ingest.QueueConfig{
		Store:  store,
		Logger: c.rootCmd.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not create ingest queue: %w", err)
	}

	engine, err := task.NewEngine(task.EngineConfig{
		Store:  store,
		Logger: c.rootCmd.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not create task engine: %w", err)
	}

	if err := queue.Retry(ctx, c.groupID); err != nil {
		return fmt.Errorf("could not requeue group: %w", err)
	}

	t, err := orchestrator.EnqueueProcessGroup(ctx, engine, c.groupID)
	if err != nil {
		return fmt.Errorf("could not enqueue processing task: %w", err)
	}

	p := printer.NewTablePrinter(c.rootCmd.Stdout)
	return p.PrintMessage(fmt.Sprintf("Group %s requeued (task %s)", c.groupID, t.ID))
}
