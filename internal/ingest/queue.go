package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dsa110/contimg/internal/log"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/storage"
)

// QueueConfig is the configuration for the ingest queue.
type QueueConfig struct {
	Store storage.Store
	// MaxRetries is the number of retries after which a failed group is
	// abandoned.
	MaxRetries int
	Logger     log.Logger
}

func (c *QueueConfig) defaults() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "ingest.Queue"})
	return nil
}

// Queue is the durable state machine over file groups. Every mutation runs
// through the group transition table; unlisted (state, event) pairs are
// logged as anomalies and dropped, never applied and never fatal.
type Queue struct {
	store      storage.Store
	maxRetries int
	logger     log.Logger
}

// NewQueue creates a new ingest queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Queue{
		store:      cfg.Store,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
	}, nil
}

// Get returns a group by ID.
func (q *Queue) Get(ctx context.Context, groupID string) (*model.FileGroup, error) {
	record, _, err := q.store.Get(ctx, storage.PrefixIngestGroup+groupID)
	if err != nil {
		return nil, fmt.Errorf("could not get group: %w", err)
	}
	return decodeGroup(record)
}

// List returns all groups ordered by ID.
func (q *Queue) List(ctx context.Context) ([]model.FileGroup, error) {
	kvs, err := q.store.Scan(ctx, storage.PrefixIngestGroup)
	if err != nil {
		return nil, fmt.Errorf("could not scan groups: %w", err)
	}

	groups := make([]model.FileGroup, 0, len(kvs))
	for _, kv := range kvs {
		g, err := decodeGroup(kv.Record)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, nil
}

// ListByState returns all groups in the given state, ordered by ID.
func (q *Queue) ListByState(ctx context.Context, state model.GroupState) ([]model.FileGroup, error) {
	groups, err := q.List(ctx)
	if err != nil {
		return nil, err
	}

	filtered := groups[:0]
	for _, g := range groups {
		if g.State == state {
			filtered = append(filtered, g)
		}
	}
	return filtered, nil
}

// Claim moves a pending group to claimed under the worker's lease.
func (q *Queue) Claim(ctx context.Context, groupID, workerID string, leaseExpiry time.Time) error {
	return q.apply(ctx, groupID, model.GroupEventClaim, func(g *model.FileGroup) {
		g.WorkerID = workerID
		g.LeaseExpiry = &leaseExpiry
	})
}

// Start moves a claimed group to processing.
func (q *Queue) Start(ctx context.Context, groupID string) error {
	return q.apply(ctx, groupID, model.GroupEventStart, nil)
}

// ExtendLease renews the lease on a claimed or processing group. It fails
// with model.ErrNotOwner when another worker holds the group.
func (q *Queue) ExtendLease(ctx context.Context, groupID, workerID string, leaseExpiry time.Time) error {
	return q.update(ctx, groupID, func(g *model.FileGroup) error {
		if g.State != model.GroupStateClaimed && g.State != model.GroupStateProcessing {
			return fmt.Errorf("group %s is %s: %w", groupID, g.State, model.ErrNotValid)
		}
		if g.WorkerID != workerID {
			return fmt.Errorf("group %s held by %s: %w", groupID, g.WorkerID, model.ErrNotOwner)
		}
		g.LeaseExpiry = &leaseExpiry
		return nil
	})
}

// SetStage records the stage label a processing group is currently in.
func (q *Queue) SetStage(ctx context.Context, groupID string, stage model.Stage) error {
	return q.update(ctx, groupID, func(g *model.FileGroup) error {
		g.Stage = stage
		return nil
	})
}

// Complete moves a processing group to its terminal completed state.
func (q *Queue) Complete(ctx context.Context, groupID string) error {
	return q.apply(ctx, groupID, model.GroupEventSucceed, func(g *model.FileGroup) {
		g.WorkerID = ""
		g.LeaseExpiry = nil
		g.LastError = ""
	})
}

// Fail records a failed attempt and settles the group's next resting state in
// the same transaction: back to pending while retries remain, abandoned once
// the retry budget is exhausted. The last error and retry count stay
// queryable on the terminal record.
func (q *Queue) Fail(ctx context.Context, groupID string, cause string) error {
	var (
		final    model.GroupState
		attempts int
	)
	err := q.update(ctx, groupID, func(g *model.FileGroup) error {
		next, ok := model.NextGroupState(g.State, model.GroupEventFail)
		if !ok {
			q.logger.Warningf("Anomaly: event %q not valid in state %q for group %s, ignoring", model.GroupEventFail, g.State, groupID)
			return errNoop
		}
		g.State = next
		g.RetryCount++
		g.LastError = cause
		g.WorkerID = ""
		g.LeaseExpiry = nil

		event := model.GroupEventRetry
		if g.RetryCount > q.maxRetries {
			event = model.GroupEventAbandon
		}
		if settled, ok := model.NextGroupState(g.State, event); ok {
			g.State = settled
		}
		final = g.State
		attempts = g.RetryCount
		return nil
	})
	if err != nil {
		return err
	}

	switch final {
	case model.GroupStateAbandoned:
		q.logger.Warningf("Group %s exhausted %d retries, abandoning: %s", groupID, q.maxRetries, cause)
	case model.GroupStatePending:
		q.logger.Infof("Group %s failed (attempt %d/%d), requeueing: %s", groupID, attempts, q.maxRetries+1, cause)
	}
	return nil
}

// SetObservationMeta records what kind of observation the group holds: a
// reference calibrator pass (solved, then registered) or a target field at
// some declination (calibration applied). Any non-terminal state accepts it.
func (q *Queue) SetObservationMeta(ctx context.Context, groupID string, hasCalibrator bool, decDeg *float64) error {
	return q.update(ctx, groupID, func(g *model.FileGroup) error {
		if model.IsTerminalGroupState(g.State) {
			return fmt.Errorf("group %s is %s: %w", groupID, g.State, model.ErrNotValid)
		}
		g.HasCalibrator = hasCalibrator
		g.DecDeg = decDeg
		return nil
	})
}

// Retry manually requeues a failed or abandoned group without touching its
// retry count, so a requeued abandoned group gets exactly one more attempt
// before the next failure abandons it again. States that cannot be retried
// fail with model.ErrNotValid instead of the no-op treatment automatic
// events get, since an operator typed this one.
func (q *Queue) Retry(ctx context.Context, groupID string) error {
	return q.update(ctx, groupID, func(g *model.FileGroup) error {
		next, ok := model.NextGroupState(g.State, model.GroupEventRetry)
		if !ok {
			return fmt.Errorf("group %s is %s, not retryable: %w", groupID, g.State, model.ErrNotValid)
		}
		g.State = next
		g.WorkerID = ""
		g.LeaseExpiry = nil
		return nil
	})
}

// Release returns a claimed or processing group to pending immediately,
// used by cancelled workers instead of waiting for lease expiry.
func (q *Queue) Release(ctx context.Context, groupID, workerID string) error {
	return q.update(ctx, groupID, func(g *model.FileGroup) error {
		if g.State != model.GroupStateClaimed && g.State != model.GroupStateProcessing {
			return nil
		}
		if g.WorkerID != workerID {
			return fmt.Errorf("group %s held by %s: %w", groupID, g.WorkerID, model.ErrNotOwner)
		}
		next, _ := model.NextGroupState(g.State, model.GroupEventLeaseExpired)
		g.State = next
		g.WorkerID = ""
		g.LeaseExpiry = nil
		return nil
	})
}

// RecoverStale returns every claimed or processing group whose lease expired
// back to pending. This is the sweep that prevents a crashed worker from
// orphaning work. Returns the recovered group IDs.
func (q *Queue) RecoverStale(ctx context.Context, now time.Time) ([]string, error) {
	var recovered []string

	err := q.store.Update(ctx, func(tx storage.Tx) error {
		recovered = recovered[:0]
		kvs, err := tx.Scan(storage.PrefixIngestGroup)
		if err != nil {
			return err
		}

		for _, kv := range kvs {
			g, err := decodeGroup(kv.Record)
			if err != nil {
				return err
			}
			if g.State != model.GroupStateClaimed && g.State != model.GroupStateProcessing {
				continue
			}
			if g.LeaseExpiry == nil || now.Before(*g.LeaseExpiry) {
				continue
			}

			next, ok := model.NextGroupState(g.State, model.GroupEventLeaseExpired)
			if !ok {
				continue
			}
			g.State = next
			g.WorkerID = ""
			g.LeaseExpiry = nil
			g.LastError = "recovered from expired lease"
			g.UpdatedAt = now.UTC()

			record, err := encodeGroup(g)
			if err != nil {
				return err
			}
			if _, err := tx.Put(kv.Key, record, kv.Version); err != nil {
				return err
			}
			recovered = append(recovered, g.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not recover stale groups: %w", err)
	}

	for _, id := range recovered {
		q.logger.Warningf("Recovered group %s from expired lease", id)
	}
	return recovered, nil
}

// apply runs a state machine event on a group inside one store transaction.
// Unlisted (state, event) pairs log an anomaly and leave the group untouched.
func (q *Queue) apply(ctx context.Context, groupID string, event model.GroupEvent, mutate func(*model.FileGroup)) error {
	return q.update(ctx, groupID, func(g *model.FileGroup) error {
		next, ok := model.NextGroupState(g.State, event)
		if !ok {
			q.logger.Warningf("Anomaly: event %q not valid in state %q for group %s, ignoring", event, g.State, groupID)
			return errNoop
		}
		g.State = next
		if mutate != nil {
			mutate(g)
		}
		return nil
	})
}

// errNoop aborts an update without surfacing an error to the caller.
var errNoop = fmt.Errorf("no-op")

func (q *Queue) update(ctx context.Context, groupID string, fn func(*model.FileGroup) error) error {
	key := storage.PrefixIngestGroup + groupID
	err := q.store.Update(ctx, func(tx storage.Tx) error {
		record, version, err := tx.Get(key)
		if err != nil {
			return err
		}
		g, err := decodeGroup(record)
		if err != nil {
			return err
		}

		if err := fn(g); err != nil {
			return err
		}
		g.UpdatedAt = time.Now().UTC()

		newRecord, err := encodeGroup(g)
		if err != nil {
			return err
		}
		_, err = tx.Put(key, newRecord, version)
		return err
	})
	if err == errNoop {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not update group %s: %w", groupID, err)
	}
	return nil
}

func encodeGroup(g *model.FileGroup) ([]byte, error) {
	record, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("could not encode group: %w", err)
	}
	return record, nil
}

func decodeGroup(record []byte) (*model.FileGroup, error) {
	var g model.FileGroup
	if err := json.Unmarshal(record, &g); err != nil {
		return nil, fmt.Errorf("could not decode group: %w", err)
	}
	return &g, nil
}
