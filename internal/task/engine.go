// Package task is the generic persistent task queue: enqueue, claim with
// lease, heartbeat, complete/fail/retry, and a subscription feed of state
// changes for external observers.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dsa110/contimg/internal/log"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/storage"
)

// EngineConfig is the configuration for the task engine.
type EngineConfig struct {
	Store storage.Store
	// MaxAttempts caps retryable failures; once exceeded the task is
	// terminally failed.
	MaxAttempts int
	Logger      log.Logger
}

func (c *EngineConfig) defaults() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "task.Engine"})
	return nil
}

// Engine is the persistent task queue. Tasks are never physically deleted;
// terminal records stay queryable for audit.
type Engine struct {
	store       storage.Store
	maxAttempts int
	notifier    *notifier
	logger      log.Logger
}

// NewEngine creates a new task engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Engine{
		store:       cfg.Store,
		maxAttempts: cfg.MaxAttempts,
		notifier:    newNotifier(),
		logger:      cfg.Logger,
	}, nil
}

// Enqueue adds a new queued task and returns it.
func (e *Engine) Enqueue(ctx context.Context, taskType, groupID string, payload []byte) (*model.Task, error) {
	now := time.Now().UTC()
	t := model.Task{
		ID:        ulid.Make().String(),
		Type:      taskType,
		GroupID:   groupID,
		Payload:   payload,
		State:     model.TaskStateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	record, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("could not encode task: %w", err)
	}
	if _, err := e.store.Put(ctx, storage.PrefixTask+t.ID, record, 0); err != nil {
		return nil, fmt.Errorf("could not store task: %w", err)
	}

	e.logger.Infof("Enqueued %s task %s for group %s", taskType, t.ID, groupID)
	e.publish(t, "")
	return &t, nil
}

// Claim atomically hands the oldest eligible task to the worker under a
// lease. Eligible tasks are queued ones and claimed/running ones whose lease
// expired (the crashed-worker recovery path). Returns nil when nothing is
// eligible.
func (e *Engine) Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*model.Task, error) {
	var claimed *model.Task
	var oldState model.TaskState

	err := e.store.Update(ctx, func(tx storage.Tx) error {
		claimed = nil
		kvs, err := tx.Scan(storage.PrefixTask)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		var best *model.Task
		var bestVersion int64
		for _, kv := range kvs {
			t, err := decodeTask(kv.Record)
			if err != nil {
				return err
			}
			eligible := t.State == model.TaskStateQueued ||
				((t.State == model.TaskStateClaimed || t.State == model.TaskStateRunning) && t.LeaseExpired(now))
			if !eligible {
				continue
			}
			// ULIDs order by creation time, so the lowest ID is the oldest.
			if best == nil || t.ID < best.ID {
				best, bestVersion = t, kv.Version
			}
		}
		if best == nil {
			return nil
		}

		oldState = best.State
		expiry := now.Add(leaseDuration)
		best.State = model.TaskStateClaimed
		best.WorkerID = workerID
		best.LeaseExpiry = &expiry
		best.UpdatedAt = now

		record, err := json.Marshal(best)
		if err != nil {
			return fmt.Errorf("could not encode task: %w", err)
		}
		if _, err := tx.Put(storage.PrefixTask+best.ID, record, bestVersion); err != nil {
			return err
		}
		claimed = best
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not claim task: %w", err)
	}
	if claimed == nil {
		return nil, nil
	}

	e.logger.Debugf("Worker %s claimed task %s", workerID, claimed.ID)
	e.publish(*claimed, oldState)
	return claimed, nil
}

// Start marks a claimed task as running.
func (e *Engine) Start(ctx context.Context, taskID, workerID string) error {
	return e.transition(ctx, taskID, func(t *model.Task) error {
		if t.State != model.TaskStateClaimed {
			return fmt.Errorf("task %s is %s: %w", taskID, t.State, model.ErrNotValid)
		}
		if err := requireOwner(t, workerID); err != nil {
			return err
		}
		t.State = model.TaskStateRunning
		return nil
	})
}

// Heartbeat extends the worker's lease. It fails with model.ErrNotOwner when
// another worker holds the task.
func (e *Engine) Heartbeat(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) error {
	return e.transition(ctx, taskID, func(t *model.Task) error {
		if t.State != model.TaskStateClaimed && t.State != model.TaskStateRunning {
			return fmt.Errorf("task %s is %s: %w", taskID, t.State, model.ErrNotValid)
		}
		if err := requireOwner(t, workerID); err != nil {
			return err
		}
		expiry := time.Now().UTC().Add(leaseDuration)
		t.LeaseExpiry = &expiry
		return nil
	})
}

// Complete marks a running task as completed with its result.
func (e *Engine) Complete(ctx context.Context, taskID, workerID string, result []byte) error {
	return e.transition(ctx, taskID, func(t *model.Task) error {
		if t.State != model.TaskStateClaimed && t.State != model.TaskStateRunning {
			return fmt.Errorf("task %s is %s: %w", taskID, t.State, model.ErrNotValid)
		}
		if err := requireOwner(t, workerID); err != nil {
			return err
		}
		t.State = model.TaskStateCompleted
		t.Result = result
		t.LeaseExpiry = nil
		return nil
	})
}

// Fail records a failed attempt. Retryable failures re-enter the queue until
// the attempt cap is exceeded, then the task is terminally failed. The last
// error and attempt count stay on the record.
func (e *Engine) Fail(ctx context.Context, taskID, workerID string, cause string, retryable bool) error {
	return e.transition(ctx, taskID, func(t *model.Task) error {
		if err := requireOwner(t, workerID); err != nil {
			return err
		}
		t.Attempts++
		t.LastError = cause
		t.WorkerID = ""
		t.LeaseExpiry = nil

		if retryable && t.Attempts <= e.maxAttempts {
			e.logger.Infof("Task %s failed (attempt %d/%d), requeueing: %s", taskID, t.Attempts, e.maxAttempts+1, cause)
			t.State = model.TaskStateQueued
			return nil
		}

		e.logger.Warningf("Task %s terminally failed after %d attempts: %s", taskID, t.Attempts, cause)
		t.State = model.TaskStateFailed
		return nil
	})
}

// Cancel cancels a task. Queued tasks become cancelled immediately; tasks
// already held by a worker get the cancel flag, which the worker checks at
// each stage boundary.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	return e.transition(ctx, taskID, func(t *model.Task) error {
		switch t.State {
		case model.TaskStateQueued:
			t.State = model.TaskStateCancelled
			t.LeaseExpiry = nil
		case model.TaskStateClaimed, model.TaskStateRunning:
			t.CancelRequested = true
		default:
			return fmt.Errorf("task %s is %s: %w", taskID, t.State, model.ErrNotValid)
		}
		return nil
	})
}

// Release acknowledges a cancel request: the task becomes cancelled and the
// lease is dropped immediately instead of waiting for expiry.
func (e *Engine) Release(ctx context.Context, taskID, workerID string) error {
	return e.transition(ctx, taskID, func(t *model.Task) error {
		if err := requireOwner(t, workerID); err != nil {
			return err
		}
		t.State = model.TaskStateCancelled
		t.WorkerID = ""
		t.LeaseExpiry = nil
		return nil
	})
}

// Get returns a task by ID.
func (e *Engine) Get(ctx context.Context, taskID string) (*model.Task, error) {
	record, _, err := e.store.Get(ctx, storage.PrefixTask+taskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	return decodeTask(record)
}

// List returns all tasks ordered by ID (creation order).
func (e *Engine) List(ctx context.Context) ([]model.Task, error) {
	kvs, err := e.store.Scan(ctx, storage.PrefixTask)
	if err != nil {
		return nil, fmt.Errorf("could not scan tasks: %w", err)
	}

	tasks := make([]model.Task, 0, len(kvs))
	for _, kv := range kvs {
		t, err := decodeTask(kv.Record)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

// Subscribe registers an observer for task state changes matching the
// predicate (nil matches everything). Delivery is at-least-once; consumers
// must tolerate duplicates. The returned cancel func releases the
// subscription.
func (e *Engine) Subscribe(predicate func(model.TaskStateChange) bool) (<-chan model.TaskStateChange, func()) {
	return e.notifier.subscribe(predicate)
}

func (e *Engine) transition(ctx context.Context, taskID string, fn func(*model.Task) error) error {
	key := storage.PrefixTask + taskID
	var change *model.TaskStateChange

	err := e.store.Update(ctx, func(tx storage.Tx) error {
		change = nil
		record, version, err := tx.Get(key)
		if err != nil {
			return err
		}
		t, err := decodeTask(record)
		if err != nil {
			return err
		}

		oldState := t.State
		if err := fn(t); err != nil {
			return err
		}
		t.UpdatedAt = time.Now().UTC()

		newRecord, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("could not encode task: %w", err)
		}
		if _, err := tx.Put(key, newRecord, version); err != nil {
			return err
		}

		if t.State != oldState {
			change = &model.TaskStateChange{
				TaskID:    t.ID,
				GroupID:   t.GroupID,
				OldState:  oldState,
				NewState:  t.State,
				Timestamp: t.UpdatedAt,
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not transition task %s: %w", taskID, err)
	}

	if change != nil {
		e.notifier.publish(*change)
	}
	return nil
}

func (e *Engine) publish(t model.Task, oldState model.TaskState) {
	e.notifier.publish(model.TaskStateChange{
		TaskID:    t.ID,
		GroupID:   t.GroupID,
		OldState:  oldState,
		NewState:  t.State,
		Timestamp: t.UpdatedAt,
	})
}

func requireOwner(t *model.Task, workerID string) error {
	if t.WorkerID != workerID {
		return fmt.Errorf("task %s held by %q: %w", t.ID, t.WorkerID, model.ErrNotOwner)
	}
	return nil
}

func decodeTask(record []byte) (*model.Task, error) {
	var t model.Task
	if err := json.Unmarshal(record, &t); err != nil {
		return nil, fmt.Errorf("could not decode task: %w", err)
	}
	return &t, nil
}
