package model

import (
	"fmt"
	"time"
)

// TableKind identifies a calibration table type.
type TableKind string

const (
	// TableKindDelay is a per-antenna delay solution.
	TableKindDelay TableKind = "K"
	// TableKindBandpass is a frequency-dependent bandpass solution.
	TableKindBandpass TableKind = "B"
	// TableKindGain is a time-dependent complex gain solution.
	TableKindGain TableKind = "G"
)

// tableApplyOrder is the fixed order calibration tables are applied in.
var tableApplyOrder = map[TableKind]int{
	TableKindDelay:    10,
	TableKindBandpass: 20,
	TableKindGain:     30,
}

// ApplyOrder returns the apply position of a table kind, or -1 for unknown
// kinds.
func (k TableKind) ApplyOrder() int {
	order, ok := tableApplyOrder[k]
	if !ok {
		return -1
	}
	return order
}

// CalSetStatus represents the status of a calibration set.
type CalSetStatus string

const (
	CalSetStatusActive     CalSetStatus = "active"
	CalSetStatusSuperseded CalSetStatus = "superseded"
	CalSetStatusFailed     CalSetStatus = "failed"
)

// CalibrationTable references a single solved calibration table on disk.
type CalibrationTable struct {
	Kind     TableKind
	Path     string
	CalField string
	RefAnt   string
}

// CalQuality summarizes a solve's quality metrics.
type CalQuality struct {
	SNR             float64
	FlaggedFraction float64
}

// CalibrationSet is a bundle of calibration tables solved together and
// sharing one validity window. Sets are append-only history: status changes,
// rows never disappear.
type CalibrationSet struct {
	ID                string
	Tables            []CalibrationTable
	ValidStart        time.Time
	ValidEnd          *time.Time
	SourceObservation string
	Status            CalSetStatus
	Quality           *CalQuality
	RegisteredAt      time.Time
}

// RefAnt returns the set's reference antenna (shared across tables).
func (s *CalibrationSet) RefAnt() string {
	if len(s.Tables) == 0 {
		return ""
	}
	return s.Tables[0].RefAnt
}

// CalField returns the set's calibration source field (shared across tables).
func (s *CalibrationSet) CalField() string {
	if len(s.Tables) == 0 {
		return ""
	}
	return s.Tables[0].CalField
}

// ApplyList returns table paths in apply order.
func (s *CalibrationSet) ApplyList() []string {
	paths := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		paths[i] = t.Path
	}
	return paths
}

// Validate enforces internal consistency at registration time: every table
// must share one reference antenna and one source field, kinds must be known
// and unique, and the validity window must be ordered.
func (s *CalibrationSet) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("set id is required: %w", ErrNotValid)
	}
	if len(s.Tables) == 0 {
		return fmt.Errorf("set has no tables: %w", ErrNotValid)
	}
	if s.ValidStart.IsZero() {
		return fmt.Errorf("validity start is required: %w", ErrNotValid)
	}
	if s.ValidEnd != nil && !s.ValidEnd.After(s.ValidStart) {
		return fmt.Errorf("validity end must be after start: %w", ErrNotValid)
	}

	seen := map[TableKind]bool{}
	refAnt := s.Tables[0].RefAnt
	calField := s.Tables[0].CalField
	for _, t := range s.Tables {
		if t.Kind.ApplyOrder() < 0 {
			return fmt.Errorf("unknown table kind %q: %w", t.Kind, ErrNotValid)
		}
		if seen[t.Kind] {
			return fmt.Errorf("duplicate table kind %q: %w", t.Kind, ErrNotValid)
		}
		seen[t.Kind] = true
		if t.Path == "" {
			return fmt.Errorf("table path is required: %w", ErrNotValid)
		}
		if t.RefAnt != refAnt {
			return fmt.Errorf("tables mix reference antennas (%q vs %q): %w", refAnt, t.RefAnt, ErrNotValid)
		}
		if t.CalField != calField {
			return fmt.Errorf("tables mix source fields (%q vs %q): %w", calField, t.CalField, ErrNotValid)
		}
	}

	return nil
}
