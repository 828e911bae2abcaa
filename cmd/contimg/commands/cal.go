package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/dsa110/contimg/internal/calreg"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/printer"
	"github.com/dsa110/contimg/internal/storage/sqlite"
)

// NewCalCommand returns the cal parent command.
func NewCalCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("cal", "Manage the calibration registry.")
}

type CalListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	format string
}

// NewCalListCommand returns the cal list command.
func NewCalListCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *CalListCommand {
	c := &CalListCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("list", "List all calibration sets, including superseded and failed ones.")
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c CalListCommand) Name() string { return c.Cmd.FullCommand() }

func (c CalListCommand) Run(ctx context.Context) error {
	registry, closeStore, err := newRegistry(ctx, c.rootCmd)
	if err != nil {
		return err
	}
	defer closeStore()

	sets, err := registry.List(ctx)
	if err != nil {
		return fmt.Errorf("could not list calibration sets: %w", err)
	}

	var p printer.Printer
	switch c.format {
	case "json":
		p = printer.NewJSONPrinter(c.rootCmd.Stdout)
	default: // table
		p = printer.NewTablePrinter(c.rootCmd.Stdout)
	}

	return p.PrintCalSetList(sets)
}

type CalSelectCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	target string
	format string
}

// NewCalSelectCommand returns the cal select command.
func NewCalSelectCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *CalSelectCommand {
	c := &CalSelectCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("select", "Resolve the calibration set that applies at a target time.")
	c.Cmd.Arg("time", "Target time (RFC3339).").Required().StringVar(&c.target)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c CalSelectCommand) Name() string { return c.Cmd.FullCommand() }

func (c CalSelectCommand) Run(ctx context.Context) error {
	target, err := time.Parse(time.RFC3339, c.target)
	if err != nil {
		return fmt.Errorf("invalid target time: %w", err)
	}

	registry, closeStore, err := newRegistry(ctx, c.rootCmd)
	if err != nil {
		return err
	}
	defer closeStore()

	sel, err := registry.Select(ctx, target)
	if err != nil {
		return fmt.Errorf("could not select calibration: %w", err)
	}

	var p printer.Printer
	switch c.format {
	case "json":
		p = printer.NewJSONPrinter(c.rootCmd.Stdout)
	default: // table
		p = printer.NewTablePrinter(c.rootCmd.Stdout)
	}

	if sel == nil {
		return p.PrintMessage(fmt.Sprintf("No calibration set covers %s", target.Format(time.RFC3339)))
	}

	sets := append([]model.CalibrationSet{sel.Set}, sel.Alternatives...)
	return p.PrintCalSetList(sets)
}

type CalSupersedeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	setID string
}

// NewCalSupersedeCommand returns the cal supersede command.
func NewCalSupersedeCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *CalSupersedeCommand {
	c := &CalSupersedeCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("supersede", "Mark a calibration set superseded so selection skips it.")
	c.Cmd.Arg("set-id", "Calibration set to supersede.").Required().StringVar(&c.setID)

	return c
}

func (c CalSupersedeCommand) Name() string { return c.Cmd.FullCommand() }

func (c CalSupersedeCommand) Run(ctx context.Context) error {
	registry, closeStore, err := newRegistry(ctx, c.rootCmd)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := registry.Supersede(ctx, c.setID); err != nil {
		return fmt.Errorf("could not supersede calibration set: %w", err)
	}

	p := printer.NewTablePrinter(c.rootCmd.Stdout)
	return p.PrintMessage(fmt.Sprintf("Calibration set %s superseded", c.setID))
}

func newRegistry(ctx context.Context, rootCmd *RootCommand) (*calreg.Registry, func(), error) {
	store, err := sqlite.NewStore(ctx, sqlite.StoreConfig{
		DBPath: rootCmd.DBPath,
		Logger: rootCmd.Logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("could not create store: %w", err)
	}

	registry, err := calreg.NewRegistry(calreg.RegistryConfig{
		Store:    store,
		LockPath: rootCmd.LockPath,
		Logger:   rootCmd.Logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("could not create calibration registry: %w", err)
	}

	return registry, func() { store.Close() }, nil
}
