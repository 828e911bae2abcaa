package model

import "fmt"

// Stage identifies a pipeline processing stage. The set is closed: the
// orchestrator dispatches through a per-stage handler table and rejects
// anything outside this list.
type Stage string

const (
	// StageConvert converts raw subband files into a measurement set.
	StageConvert Stage = "convert"
	// StageCalibrate solves calibration for a calibrator observation, or
	// applies the selected calibration set to a target observation.
	StageCalibrate Stage = "calibrate"
	// StageImage produces a deconvolved image from the calibrated data.
	StageImage Stage = "image"
	// StageMosaic combines the image into the running mosaic. Optional.
	StageMosaic Stage = "mosaic"
	// StageDone is the terminal stage marker.
	StageDone Stage = "done"
)

// stageOrder is the fixed forward order of stages.
var stageOrder = []Stage{StageConvert, StageCalibrate, StageImage, StageMosaic, StageDone}

// NextStage returns the stage after s, or StageDone if s is last. The
// skipMosaic flag drops the optional mosaic stage.
func NextStage(s Stage, skipMosaic bool) (Stage, error) {
	for i, stage := range stageOrder {
		if stage != s {
			continue
		}
		if i == len(stageOrder)-1 {
			return StageDone, nil
		}
		next := stageOrder[i+1]
		if next == StageMosaic && skipMosaic {
			return StageDone, nil
		}
		return next, nil
	}
	return "", fmt.Errorf("unknown stage %q: %w", s, ErrNotValid)
}

// StageRequest is the input contract handed to an external collaborator.
type StageRequest struct {
	Stage      Stage
	GroupID    string
	InputPaths []string
	Parameters map[string]string
	OutputDir  string
}

// StageResult is the transient value produced by one stage invocation. It is
// not persisted beyond the owning task's payload.
type StageResult struct {
	Success     bool
	Artifacts   map[string]string
	Diagnostics []byte
}
