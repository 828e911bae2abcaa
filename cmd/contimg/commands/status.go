package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/dsa110/contimg/internal/ingest"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/printer"
	"github.com/dsa110/contimg/internal/storage/sqlite"
)

type StatusCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	groupID     string
	stateFilter string
	format      string
}

// NewStatusCommand returns the status command.
func NewStatusCommand(rootCmd *RootCommand, app *kingpin.Application) *StatusCommand {
	c := &StatusCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("status", "Show file group status, or list all groups.")
	c.Cmd.Arg("group-id", "Group to show in detail.").StringVar(&c.groupID)
	c.Cmd.Flag("state", "Filter by state (collecting, pending, claimed, processing, completed, failed, abandoned).").StringVar(&c.stateFilter)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c StatusCommand) Name() string { return c.Cmd.FullCommand() }

func (c StatusCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	// Parse state filter if provided.
	var stateFilter *model.GroupState
	if c.stateFilter != "" {
		state := model.GroupState(strings.ToLower(c.stateFilter))
		switch state {
		case model.GroupStateCollecting, model.GroupStatePending, model.GroupStateClaimed,
			model.GroupStateProcessing, model.GroupStateCompleted, model.GroupStateFailed,
			model.GroupStateAbandoned:
			stateFilter = &state
		default:
			return fmt.Errorf("invalid state filter: %s", c.stateFilter)
		}
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

	queue, err := ingest.NewQueue(ingest.QueueConfig{
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create ingest queue: %w", err)
	}

	// Print output.
	var p printer.Printer
	switch c.format {
	case "json":
		p = printer.NewJSONPrinter(c.rootCmd.Stdout)
	default: // table
		p = printer.NewTablePrinter(c.rootCmd.Stdout)
	}

	if c.groupID != "" {
		group, err := queue.Get(ctx, c.groupID)
		if err != nil {
			return fmt.Errorf("could not get group: %w", err)
		}
		return p.PrintGroupStatus(*group)
	}

	var groups []model.FileGroup
	if stateFilter != nil {
		groups, err = queue.ListByState(ctx, *stateFilter)
	} else {
		groups, err = queue.List(ctx)
	}
	if err != nil {
		return fmt.Errorf("could not list groups: %w", err)
	}

	return p.PrintGroupList(groups)
}
