// Package orchestrator drives a claimed file group through the pipeline
// stages, delegating the actual computation to external collaborators and
// persisting every stage transition through the ingest queue.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/dsa110/contimg/internal/calreg"
	"github.com/dsa110/contimg/internal/collaborator"
	"github.com/dsa110/contimg/internal/conventions"
	"github.com/dsa110/contimg/internal/ingest"
	"github.com/dsa110/contimg/internal/log"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/task"
)

// TaskTypeProcessGroup is the task type enqueued for each ready file group.
const TaskTypeProcessGroup = "process_group"

// OrchestratorConfig is the configuration for the orchestrator.
type OrchestratorConfig struct {
	Queue        *ingest.Queue
	Registry     *calreg.Registry
	Tasks        *task.Engine
	Collaborator collaborator.Collaborator
	// OutputDir is the root directory stage outputs are written under, one
	// subdirectory per group.
	OutputDir string
	// SkipMosaic drops the optional mosaic stage.
	SkipMosaic bool
	// GroupLease is the lease renewed on the group at every stage boundary.
	GroupLease time.Duration
	Logger     log.Logger
}

func (c *OrchestratorConfig) defaults() error {
	if c.Queue == nil {
		return fmt.Errorf("ingest queue is required")
	}
	if c.Registry == nil {
		return fmt.Errorf("calibration registry is required")
	}
	if c.Tasks == nil {
		return fmt.Errorf("task engine is required")
	}
	if c.Collaborator == nil {
		return fmt.Errorf("collaborator is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if c.GroupLease == 0 {
		c.GroupLease = 10 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "orchestrator.Orchestrator"})
	return nil
}

// Orchestrator runs the per-group stage machine. It is safe to run several
// instances against the same store: ownership is arbitrated by the task
// engine's lease and the group's own claim.
type Orchestrator struct {
	queue        *ingest.Queue
	registry     *calreg.Registry
	tasks        *task.Engine
	collaborator collaborator.Collaborator
	outputDir    string
	skipMosaic   bool
	groupLease   time.Duration
	logger       log.Logger
}

var _ task.Handler = &Orchestrator{}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Orchestrator{
		queue:        cfg.Queue,
		registry:     cfg.Registry,
		tasks:        cfg.Tasks,
		collaborator: cfg.Collaborator,
		outputDir:    cfg.OutputDir,
		skipMosaic:   cfg.SkipMosaic,
		groupLease:   cfg.GroupLease,
		logger:       cfg.Logger,
	}, nil
}

// taskResult is the payload stored on the task when a group finishes.
type taskResult struct {
	GroupID   string            `json:"group_id"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// solveInfo is the diagnostics blob a calibration solve collaborator emits.
type solveInfo struct {
	RefAnt          string  `json:"refant"`
	CalField        string  `json:"cal_field"`
	ValidStart      string  `json:"valid_start"`
	ValidEnd        string  `json:"valid_end,omitempty"`
	SNR             float64 `json:"snr"`
	FlaggedFraction float64 `json:"flagged_fraction"`
}

// EnqueueProcessGroup submits a processing task for a ready group. It is
// idempotent per group: a call while a live task exists returns that task
// instead of enqueueing a second one.
func EnqueueProcessGroup(ctx context.Context, tasks *task.Engine, groupID string) (*model.Task, error) {
	existing, err := tasks.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		t := &existing[i]
		if t.GroupID == groupID && t.Type == TaskTypeProcessGroup && !model.IsTerminalTaskState(t.State) {
			return t, nil
		}
	}

	return tasks.Enqueue(ctx, TaskTypeProcessGroup, groupID, nil)
}

// EnqueueGroup submits a processing task for a ready group. It is idempotent
// per group: a second call while a live task exists is a no-op.
func (o *Orchestrator) EnqueueGroup(ctx context.Context, groupID string) (*model.Task, error) {
	return EnqueueProcessGroup(ctx, o.tasks, groupID)
}

// Handle runs the stage machine for the task's group. It implements
// task.Handler so a worker pool can execute it directly.
func (o *Orchestrator) Handle(ctx context.Context, t *model.Task) ([]byte, error) {
	logger := o.logger.WithValues(log.Kv{"group-id": t.GroupID, "task-id": t.ID})

	group, err := o.claimGroup(ctx, t)
	if err != nil {
		return nil, err
	}
	if group == nil {
		// Already completed by a previous attempt, nothing left to do.
		return json.Marshal(taskResult{GroupID: t.GroupID})
	}

	stage := group.Stage
	if stage == "" {
		stage = model.StageConvert
	}
	artifacts := map[string]string{}

	for stage != model.StageDone {
		if err := o.checkCancelled(ctx, t); err != nil {
			o.releaseGroup(ctx, t, logger)
			return nil, err
		}
		if err := o.queue.ExtendLease(ctx, t.GroupID, t.WorkerID, time.Now().UTC().Add(o.groupLease)); err != nil {
			return nil, fmt.Errorf("could not renew group lease: %w", err)
		}

		logger.Infof("Running %s stage", stage)
		result, err := o.runStageLeased(ctx, t, group, stage, artifacts)
		if err != nil {
			o.failGroup(ctx, t.GroupID, err, logger)
			return nil, fmt.Errorf("%s stage: %w", stage, err)
		}
		for name, path := range result.Artifacts {
			artifacts[name] = path
		}

		// A calibrator solve must be queryable before this task is visible
		// as done, so registration happens before the stage advances.
		if stage == model.StageCalibrate && group.HasCalibrator {
			if err := o.registerSolve(ctx, group, result); err != nil {
				o.failGroup(ctx, t.GroupID, err, logger)
				return nil, fmt.Errorf("registering calibration solve: %w", err)
			}
		}

		next, err := model.NextStage(stage, o.skipMosaic)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrPermanent, err)
		}
		if err := o.queue.SetStage(ctx, t.GroupID, next); err != nil {
			return nil, fmt.Errorf("could not persist stage transition: %w", err)
		}
		stage = next
	}

	if err := o.queue.Complete(ctx, t.GroupID); err != nil {
		return nil, fmt.Errorf("could not complete group: %w", err)
	}
	logger.Infof("Group completed")

	return json.Marshal(taskResult{GroupID: t.GroupID, Artifacts: artifacts})
}

// claimGroup takes the processing claim on the task's group. A nil group
// with nil error means the group already reached a terminal success state.
func (o *Orchestrator) claimGroup(ctx context.Context, t *model.Task) (*model.FileGroup, error) {
	group, err := o.queue.Get(ctx, t.GroupID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("group %s: %w", t.GroupID, model.ErrPermanent)
		}
		return nil, err
	}

	switch group.State {
	case model.GroupStateCompleted:
		return nil, nil
	case model.GroupStateAbandoned:
		return nil, fmt.Errorf("group %s is abandoned: %w", t.GroupID, model.ErrPermanent)
	case model.GroupStateFailed:
		// A retryable task attempt reclaims a failed group.
		if err := o.queue.Retry(ctx, t.GroupID); err != nil {
			return nil, err
		}
	case model.GroupStateProcessing, model.GroupStateClaimed:
		if group.WorkerID != t.WorkerID {
			return nil, fmt.Errorf("group %s held by %s: %w", t.GroupID, group.WorkerID, model.ErrNotOwner)
		}
		return group, nil
	}

	expiry := time.Now().UTC().Add(o.groupLease)
	if err := o.queue.Claim(ctx, t.GroupID, t.WorkerID, expiry); err != nil {
		return nil, err
	}
	if err := o.queue.Start(ctx, t.GroupID); err != nil {
		return nil, err
	}

	return o.queue.Get(ctx, t.GroupID)
}

// runStageLeased runs a stage while keeping the group lease renewed in the
// background. Stages block on the collaborator for longer than the lease
// lasts, so without renewal the stale sweep would hand the group to another
// worker mid-stage.
func (o *Orchestrator) runStageLeased(ctx context.Context, t *model.Task, group *model.FileGroup, stage model.Stage, artifacts map[string]string) (*model.StageResult, error) {
	renewCtx, stopRenewal := context.WithCancel(ctx)
	renewalDone := make(chan struct{})
	go func() {
		defer close(renewalDone)
		ticker := time.NewTicker(o.groupLease / 4)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				expiry := time.Now().UTC().Add(o.groupLease)
				if err := o.queue.ExtendLease(renewCtx, t.GroupID, t.WorkerID, expiry); err != nil {
					o.logger.Warningf("Could not renew lease on group %s during %s stage: %s", t.GroupID, stage, err)
				}
			}
		}
	}()

	result, err := o.runStage(ctx, group, stage, artifacts)
	stopRenewal()
	<-renewalDone
	return result, err
}

// runStage builds the stage request and invokes the external collaborator.
func (o *Orchestrator) runStage(ctx context.Context, group *model.FileGroup, stage model.Stage, artifacts map[string]string) (*model.StageResult, error) {
	req := model.StageRequest{
		Stage:      stage,
		GroupID:    group.ID,
		Parameters: map[string]string{},
		OutputDir:  conventions.GroupOutputDir(o.outputDir, group.ID),
	}
	if group.Partial {
		req.Parameters["partial"] = "true"
	}
	if group.DecDeg != nil {
		req.Parameters["dec_deg"] = fmt.Sprintf("%.6f", *group.DecDeg)
	}

	switch stage {
	case model.StageConvert:
		req.InputPaths = memberPaths(group)
	case model.StageCalibrate:
		req.InputPaths = inputArtifact(artifacts, conventions.MeasurementSetArtifact, req.OutputDir)
		if group.HasCalibrator {
			req.Parameters["mode"] = "solve"
		} else {
			req.Parameters["mode"] = "apply"
			if err := o.selectCalibration(ctx, group, req.Parameters); err != nil {
				return nil, err
			}
		}
	case model.StageImage:
		req.InputPaths = inputArtifact(artifacts, conventions.MeasurementSetArtifact, req.OutputDir)
	case model.StageMosaic:
		req.InputPaths = inputArtifact(artifacts, conventions.ImageArtifact, req.OutputDir)
	}

	return o.collaborator.Run(ctx, req)
}

// selectCalibration resolves the calibration set for a target observation
// and injects the apply list into the stage parameters. No matching set is a
// stage failure, never a silent pass-through.
func (o *Orchestrator) selectCalibration(ctx context.Context, group *model.FileGroup, params map[string]string) error {
	target := groupMidpoint(group)

	sel, err := o.registry.Select(ctx, target)
	if err != nil {
		return fmt.Errorf("could not select calibration: %w", err)
	}
	if sel == nil {
		return fmt.Errorf("no calibration covers %s: %w", target.Format(time.RFC3339), model.ErrMissingCalibration)
	}

	staleness, err := o.registry.Staleness(ctx, target)
	if err == nil && staleness > 0 {
		o.logger.Warningf("Calibration set %s is %s beyond the fresh window for group %s", sel.Set.ID, staleness, group.ID)
	}

	params["cal_set_id"] = sel.Set.ID
	params["cal_tables"] = strings.Join(sel.Set.ApplyList(), ",")
	return nil
}

// registerSolve turns a successful solve's artifacts into a registered
// calibration set.
func (o *Orchestrator) registerSolve(ctx context.Context, group *model.FileGroup, result *model.StageResult) error {
	var info solveInfo
	if len(result.Diagnostics) > 0 {
		if err := json.Unmarshal(result.Diagnostics, &info); err != nil {
			return fmt.Errorf("unreadable solve diagnostics: %w", model.ErrPermanent)
		}
	}

	var tables []model.CalibrationTable
	for _, kind := range []model.TableKind{model.TableKindDelay, model.TableKindBandpass, model.TableKindGain} {
		path, ok := result.Artifacts["cal_"+strings.ToLower(string(kind))]
		if !ok {
			continue
		}
		tables = append(tables, model.CalibrationTable{
			Kind:     kind,
			Path:     path,
			CalField: info.CalField,
			RefAnt:   info.RefAnt,
		})
	}
	if len(tables) == 0 {
		return fmt.Errorf("solve produced no calibration tables: %w", model.ErrPermanent)
	}

	validStart := groupMidpoint(group)
	if info.ValidStart != "" {
		if ts, err := time.Parse(time.RFC3339, info.ValidStart); err == nil {
			validStart = ts
		}
	}
	set := model.CalibrationSet{
		Tables:            tables,
		ValidStart:        validStart,
		SourceObservation: group.ID,
		Quality:           &model.CalQuality{SNR: info.SNR, FlaggedFraction: info.FlaggedFraction},
	}
	if info.ValidEnd != "" {
		if ts, err := time.Parse(time.RFC3339, info.ValidEnd); err == nil {
			set.ValidEnd = &ts
		}
	}

	registered, err := o.registry.Register(ctx, set)
	if err != nil {
		return err
	}
	o.logger.Infof("Registered calibration set %s from group %s", registered.ID, group.ID)
	return nil
}

// checkCancelled re-reads the task at a stage boundary and aborts if a
// cancellation was requested since the claim.
func (o *Orchestrator) checkCancelled(ctx context.Context, t *model.Task) error {
	current, err := o.tasks.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	if current.CancelRequested || current.State == model.TaskStateCancelled {
		return task.ErrCancelled
	}
	return nil
}

func (o *Orchestrator) failGroup(ctx context.Context, groupID string, cause error, logger log.Logger) {
	if err := o.queue.Fail(ctx, groupID, cause.Error()); err != nil {
		logger.Errorf("Could not mark group failed: %s", err)
	}
}

func (o *Orchestrator) releaseGroup(ctx context.Context, t *model.Task, logger log.Logger) {
	if err := o.queue.Release(ctx, t.GroupID, t.WorkerID); err != nil {
		logger.Errorf("Could not release group: %s", err)
	}
}

// memberPaths returns the group's raw file paths ordered by member index.
func memberPaths(g *model.FileGroup) []string {
	indices := make([]int, 0, len(g.Members))
	for idx := range g.Members {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	paths := make([]string, 0, len(indices))
	for _, idx := range indices {
		paths = append(paths, g.Members[idx].Path)
	}
	return paths
}

// inputArtifact resolves a named artifact from the running attempt, falling
// back to the group's output directory so a resumed attempt can relocate
// outputs a previous attempt already produced.
func inputArtifact(artifacts map[string]string, name, outputDir string) []string {
	if path, ok := artifacts[name]; ok {
		return []string{path}
	}
	return []string{filepath.Join(outputDir, name)}
}

// groupMidpoint is the mean of the group's member timestamps, used as the
// observation's representative time for calibration lookups.
func groupMidpoint(g *model.FileGroup) time.Time {
	ts := g.MemberTimestamps()
	if len(ts) == 0 {
		return g.FirstSeenAt
	}
	secs := make([]float64, len(ts))
	for i, t := range ts {
		secs[i] = float64(t.UnixNano()) / float64(time.Second)
	}
	mean := stat.Mean(secs, nil)
	return time.Unix(0, int64(mean*float64(time.Second))).UTC()
}
