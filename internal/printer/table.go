package printer

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dsa110/contimg/internal/model"
)

// TablePrinter prints pipeline information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintGroupList prints file groups in a table format.
func (t *TablePrinter) PrintGroupList(groups []model.FileGroup) error {
	if len(groups) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	// Print header
	fmt.Fprintln(tw, "GROUP\tSTATE\tSTAGE\tMEMBERS\tRETRIES\tFIRST SEEN")

	// Print rows
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			g.ID, g.State, stageOrDash(g.Stage), len(g.Members), g.ExpectedMembers, g.RetryCount, TimeAgo(g.FirstSeenAt))
	}

	return nil
}

// PrintGroupStatus prints detailed group status.
func (t *TablePrinter) PrintGroupStatus(group model.FileGroup) error {
	fmt.Fprintf(t.writer, "Group:        %s\n", group.ID)
	fmt.Fprintf(t.writer, "State:        %s\n", group.State)
	fmt.Fprintf(t.writer, "Stage:        %s\n", stageOrDash(group.Stage))
	fmt.Fprintf(t.writer, "Members:      %d/%d\n", len(group.Members), group.ExpectedMembers)
	fmt.Fprintf(t.writer, "Partial:      %t\n", group.Partial)
	fmt.Fprintf(t.writer, "Calibrator:   %t\n", group.HasCalibrator)
	fmt.Fprintf(t.writer, "Retries:      %d\n", group.RetryCount)
	fmt.Fprintf(t.writer, "First seen:   %s\n", FormatTimestamp(group.FirstSeenAt))

	if group.WorkerID != "" {
		fmt.Fprintf(t.writer, "Worker:       %s\n", group.WorkerID)
	}
	if group.LeaseExpiry != nil {
		fmt.Fprintf(t.writer, "Lease until:  %s\n", FormatTimestamp(*group.LeaseExpiry))
	}
	if group.LastError != "" {
		fmt.Fprintf(t.writer, "Last error:   %s\n", group.LastError)
	}

	indices := make([]int, 0, len(group.Members))
	for idx := range group.Members {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		m := group.Members[idx]
		fmt.Fprintf(t.writer, "  sb%02d:       %s\n", idx, m.Path)
	}

	return nil
}

// PrintTaskList prints tasks in a table format.
func (t *TablePrinter) PrintTaskList(tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	// Print header.
	fmt.Fprintln(tw, "TASK\tTYPE\tGROUP\tSTATE\tATTEMPTS\tWORKER\tUPDATED")

	// Print rows.
	for _, task := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			task.ID, task.Type, task.GroupID, taskStateLabel(task), task.Attempts, dash(task.WorkerID), TimeAgo(task.UpdatedAt))
	}

	return nil
}

// PrintCalSetList prints calibration sets in a table format.
func (t *TablePrinter) PrintCalSetList(sets []model.CalibrationSet) error {
	if len(sets) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	// Print header.
	fmt.Fprintln(tw, "SET\tSTATUS\tTABLES\tFIELD\tREFANT\tVALID FROM\tVALID TO\tREGISTERED")

	// Print rows.
	for _, s := range sets {
		kinds := make([]string, len(s.Tables))
		for i, table := range s.Tables {
			kinds[i] = string(table.Kind)
		}
		validTo := "-"
		if s.ValidEnd != nil {
			validTo = FormatTimestamp(*s.ValidEnd)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Status, strings.Join(kinds, ","), dash(s.CalField()), dash(s.RefAnt()),
			FormatTimestamp(s.ValidStart), validTo, TimeAgo(s.RegisteredAt))
	}

	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

func stageOrDash(s model.Stage) string {
	if s == "" {
		return "-"
	}
	return string(s)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func taskStateLabel(t model.Task) string {
	if t.CancelRequested && !model.IsTerminalTaskState(t.State) {
		return string(t.State) + " (cancelling)"
	}
	if t.LeaseExpired(time.Now().UTC()) {
		return string(t.State) + " (lease expired)"
	}
	return string(t.State)
}
