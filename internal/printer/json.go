package printer

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dsa110/contimg/internal/model"
)

// JSONPrinter prints pipeline information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// groupItem represents a file group in the list output (subset of fields).
type groupItem struct {
	ID              string    `json:"id"`
	State           string    `json:"state"`
	Stage           string    `json:"stage,omitempty"`
	Members         int       `json:"members"`
	ExpectedMembers int       `json:"expected_members"`
	Partial         bool      `json:"partial"`
	RetryCount      int       `json:"retry_count"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
}

// groupStatusOutput represents the full group status output.
type groupStatusOutput struct {
	ID              string            `json:"id"`
	State           string            `json:"state"`
	Stage           string            `json:"stage,omitempty"`
	Members         map[string]string `json:"members"`
	ExpectedMembers int               `json:"expected_members"`
	Partial         bool              `json:"partial"`
	HasCalibrator   bool              `json:"has_calibrator"`
	RetryCount      int               `json:"retry_count"`
	LastError       string            `json:"last_error,omitempty"`
	WorkerID        string            `json:"worker_id,omitempty"`
	LeaseExpiry     *time.Time        `json:"lease_expiry,omitempty"`
	FirstSeenAt     time.Time         `json:"first_seen_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// taskItem represents a task in the list output.
type taskItem struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	GroupID         string     `json:"group_id,omitempty"`
	State           string     `json:"state"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	Attempts        int        `json:"attempts"`
	WorkerID        string     `json:"worker_id,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	LeaseExpiry     *time.Time `json:"lease_expiry,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// calSetItem represents a calibration set in the list output.
type calSetItem struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Tables       map[string]string `json:"tables"`
	CalField     string            `json:"cal_field,omitempty"`
	RefAnt       string            `json:"refant,omitempty"`
	ValidStart   time.Time         `json:"valid_start"`
	ValidEnd     *time.Time        `json:"valid_end,omitempty"`
	Source       string            `json:"source_observation,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

// PrintGroupList prints file groups in JSON format with a subset of fields.
func (j *JSONPrinter) PrintGroupList(groups []model.FileGroup) error {
	items := make([]groupItem, len(groups))
	for i, g := range groups {
		items[i] = groupItem{
			ID:              g.ID,
			State:           string(g.State),
			Stage:           string(g.Stage),
			Members:         len(g.Members),
			ExpectedMembers: g.ExpectedMembers,
			Partial:         g.Partial,
			RetryCount:      g.RetryCount,
			FirstSeenAt:     g.FirstSeenAt.UTC(),
		}
	}

	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

// PrintGroupStatus prints detailed group status in JSON format.
func (j *JSONPrinter) PrintGroupStatus(group model.FileGroup) error {
	members := make(map[string]string, len(group.Members))
	for idx, m := range group.Members {
		members[fmt.Sprintf("sb%02d", idx)] = m.Path
	}

	output := groupStatusOutput{
		ID:              group.ID,
		State:           string(group.State),
		Stage:           string(group.Stage),
		Members:         members,
		ExpectedMembers: group.ExpectedMembers,
		Partial:         group.Partial,
		HasCalibrator:   group.HasCalibrator,
		RetryCount:      group.RetryCount,
		LastError:       group.LastError,
		WorkerID:        group.WorkerID,
		FirstSeenAt:     group.FirstSeenAt.UTC(),
		UpdatedAt:       group.UpdatedAt.UTC(),
	}
	if group.LeaseExpiry != nil {
		utcTime := group.LeaseExpiry.UTC()
		output.LeaseExpiry = &utcTime
	}

	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

// PrintTaskList prints tasks in JSON format.
func (j *JSONPrinter) PrintTaskList(tasks []model.Task) error {
	items := make([]taskItem, len(tasks))
	for i, t := range tasks {
		items[i] = taskItem{
			ID:              t.ID,
			Type:            t.Type,
			GroupID:         t.GroupID,
			State:           string(t.State),
			CancelRequested: t.CancelRequested,
			Attempts:        t.Attempts,
			WorkerID:        t.WorkerID,
			LastError:       t.LastError,
			UpdatedAt:       t.UpdatedAt.UTC(),
		}
		if t.LeaseExpiry != nil {
			utcTime := t.LeaseExpiry.UTC()
			items[i].LeaseExpiry = &utcTime
		}
	}

	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

// PrintCalSetList prints calibration sets in JSON format.
func (j *JSONPrinter) PrintCalSetList(sets []model.CalibrationSet) error {
	items := make([]calSetItem, len(sets))
	for i, s := range sets {
		tables := make(map[string]string, len(s.Tables))
		for _, table := range s.Tables {
			tables[string(table.Kind)] = table.Path
		}
		items[i] = calSetItem{
			ID:           s.ID,
			Status:       string(s.Status),
			Tables:       tables,
			CalField:     s.CalField(),
			RefAnt:       s.RefAnt(),
			ValidStart:   s.ValidStart.UTC(),
			Source:       s.SourceObservation,
			RegisteredAt: s.RegisteredAt.UTC(),
		}
		if s.ValidEnd != nil {
			utcTime := s.ValidEnd.UTC()
			items[i].ValidEnd = &utcTime
		}
	}

	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	output := messageOutput{Message: msg}
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}
