package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/dsa110/contimg/internal/printer"
	"github.com/dsa110/contimg/internal/storage/sqlite"
	"github.com/dsa110/contimg/internal/task"
)

// NewTasksCommand returns the tasks parent command.
func NewTasksCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("tasks", "Manage pipeline tasks.")
}

type TasksListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	format string
}

// NewTasksListCommand returns the tasks list command.
func NewTasksListCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TasksListCommand {
	c := &TasksListCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("list", "List all tasks.")
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c TasksListCommand) Name() string { return c.Cmd.FullCommand() }

func (c TasksListCommand) Run(ctx context.Context) error {
	engine, closeStore, err := newTaskEngine(ctx, c.rootCmd)
	if err != nil {
		return err
	}
	defer closeStore()

	tasks, err := engine.List(ctx)
	if err != nil {
		return fmt.Errorf("could not list tasks: %w", err)
	}

	var p printer.Printer
	switch c.format {
	case "json":
		p = printer.NewJSONPrinter(c.rootCmd.Stdout)
	default: // table
		p = printer.NewTablePrinter(c.rootCmd.Stdout)
	}

	return p.PrintTaskList(tasks)
}

type TasksCancelCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID string
}

// NewTasksCancelCommand returns the tasks cancel command.
func NewTasksCancelCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TasksCancelCommand {
	c := &TasksCancelCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("cancel", "Cancel a task. Running tasks abort at the next stage boundary.")
	c.Cmd.Arg("task-id", "Task to cancel.").Required().StringVar(&c.taskID)

	return c
}

func (c TasksCancelCommand) Name() string { return c.Cmd.FullCommand() }

func (c TasksCancelCommand) Run(ctx context.Context) error {
	engine, closeStore, err := newTaskEngine(ctx, c.rootCmd)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := engine.Cancel(ctx, c.taskID); err != nil {
		return fmt.Errorf("could not cancel task: %w", err)
	}

	p := printer.NewTablePrinter(c.rootCmd.Stdout)
	return p.PrintMessage(fmt.Sprintf("Task %s cancellation requested", c.taskID))
}

func newTaskEngine(ctx context.Context, rootCmd *RootCommand) (*task.Engine, func(), error) {
	store, err := sqlite.NewStore(ctx, sqlite.StoreConfig{
		DBPath: rootCmd.DBPath,
		Logger: rootCmd.Logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("could not create store: %w", err)
	}

	engine, err := task.NewEngine(task.EngineConfig{
		Store:  store,
		Logger: rootCmd.Logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("could not create task engine: %w", err)
	}

	return engine, func() { store.Close() }, nil
}
