// Package calreg is the durable registry of calibration sets and their
// validity windows. It owns the selection policy that picks the applicable
// set for a target observation time.
package calreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"

	"github.com/dsa110/contimg/internal/log"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/storage"
)

// RegistryConfig is the configuration for the calibration registry.
type RegistryConfig struct {
	Store storage.Store
	// LockPath is the advisory lock file guarding the register/select pair
	// against two near-simultaneous solves registering inconsistent sets.
	LockPath string
	// HalfWindow extends each set's validity window in both directions.
	HalfWindow time.Duration
	// FreshWindow is the sub-window around a set's origin inside which a
	// selection is considered fresh; staleness measures the excess.
	FreshWindow time.Duration
	// LockTimeout bounds how long register/select wait for the advisory lock.
	LockTimeout time.Duration
	Logger      log.Logger
}

func (c *RegistryConfig) defaults() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.LockPath == "" {
		return fmt.Errorf("lock path is required")
	}
	if c.HalfWindow == 0 {
		c.HalfWindow = 30 * time.Minute
	}
	if c.FreshWindow == 0 {
		c.FreshWindow = 12 * time.Hour
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "calreg.Registry"})
	return nil
}

// Registry stores calibration sets append-only and selects the applicable
// set for a target time. History is never deleted: superseding a set only
// changes its status, keeping full provenance.
type Registry struct {
	store       storage.Store
	lock        *flock.Flock
	halfWindow  time.Duration
	freshWindow time.Duration
	lockTimeout time.Duration
	logger      log.Logger
}

// NewRegistry creates a new calibration registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Registry{
		store:       cfg.Store,
		lock:        flock.New(cfg.LockPath),
		halfWindow:  cfg.HalfWindow,
		freshWindow: cfg.FreshWindow,
		lockTimeout: cfg.LockTimeout,
		logger:      cfg.Logger,
	}, nil
}

// Selection is the result of picking a calibration set for a target time.
// Alternatives holds other active sets whose windows also covered the target;
// they are surfaced, never silently discarded, so callers can emit a
// data-quality warning.
type Selection struct {
	Set          model.CalibrationSet
	Alternatives []model.CalibrationSet
}

// Register validates and appends a calibration set. Overlapping validity
// windows are allowed and flagged at selection time; internal inconsistency
// (mixed reference antennas or source fields inside one set) is rejected
// here, at registration, never after the fact.
func (r *Registry) Register(ctx context.Context, set model.CalibrationSet) (*model.CalibrationSet, error) {
	if set.ID == "" {
		set.ID = ulid.Make().String()
	}
	if set.Status == "" {
		set.Status = model.CalSetStatusActive
	}
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("invalid calibration set: %w", err)
	}
	set.RegisteredAt = time.Now().UTC()

	// Order tables by apply order so ApplyList is stable.
	sort.Slice(set.Tables, func(i, j int) bool {
		return set.Tables[i].Kind.ApplyOrder() < set.Tables[j].Kind.ApplyOrder()
	})

	unlock, err := r.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Warn on overlaps with existing active sets before writing.
	existing, err := r.activeSets(ctx)
	if err != nil {
		return nil, err
	}
	for _, other := range existing {
		if !r.windowsOverlap(set, other, existing) {
			continue
		}
		if other.RefAnt() != set.RefAnt() || other.CalField() != set.CalField() {
			r.logger.Warningf("Overlapping calibration sets %s and %s disagree (refant %q vs %q, field %q vs %q), selection will prefer closest validity start",
				set.ID, other.ID, set.RefAnt(), other.RefAnt(), set.CalField(), other.CalField())
		} else {
			r.logger.Warningf("Calibration set %s overlaps %s, selection will prefer closest validity start", set.ID, other.ID)
		}
	}

	record, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("could not encode calibration set: %w", err)
	}
	if _, err := r.store.Put(ctx, storage.PrefixCalSet+set.ID, record, 0); err != nil {
		if errors.Is(err, model.ErrVersionConflict) {
			return nil, fmt.Errorf("calibration set %s: %w", set.ID, model.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("could not store calibration set: %w", err)
	}

	r.logger.Infof("Registered calibration set %s (%d tables, valid from %s)", set.ID, len(set.Tables), set.ValidStart.Format(time.RFC3339))
	return &set, nil
}

// Select returns the active set whose bidirectional validity window contains
// the target time, or nil when none does. Callers must treat a nil selection
// as an explicit missing-calibration condition, never default to uncalibrated
// output. Selection is deterministic: closest validity start wins, exact
// ties go to the most recently registered set.
func (r *Registry) Select(ctx context.Context, target time.Time) (*Selection, error) {
	unlock, err := r.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sets, err := r.activeSets(ctx)
	if err != nil {
		return nil, err
	}

	var matches []model.CalibrationSet
	for _, set := range sets {
		lo, hi := r.window(set, sets)
		if target.Before(lo) {
			continue
		}
		if hi != nil && target.After(*hi) {
			continue
		}
		matches = append(matches, set)
	}

	if len(matches) == 0 {
		return nil, nil
	}

	sort.Slice(matches, func(i, j int) bool {
		di := absDuration(target.Sub(matches[i].ValidStart))
		dj := absDuration(target.Sub(matches[j].ValidStart))
		if di != dj {
			return di < dj
		}
		return matches[i].RegisteredAt.After(matches[j].RegisteredAt)
	})

	sel := &Selection{Set: matches[0], Alternatives: matches[1:]}
	for _, alt := range sel.Alternatives {
		r.logger.Warningf("Calibration set %s also covers %s but lost selection to %s", alt.ID, target.Format(time.RFC3339), sel.Set.ID)
	}
	return sel, nil
}

// Staleness reports how far outside the fresh sub-window the selected set's
// origin lies for the target time. Zero means fresh. Returns
// model.ErrMissingCalibration when no set covers the target.
func (r *Registry) Staleness(ctx context.Context, target time.Time) (time.Duration, error) {
	sel, err := r.Select(ctx, target)
	if err != nil {
		return 0, err
	}
	if sel == nil {
		return 0, fmt.Errorf("staleness at %s: %w", target.Format(time.RFC3339), model.ErrMissingCalibration)
	}

	d := absDuration(target.Sub(sel.Set.ValidStart))
	if d <= r.freshWindow {
		return 0, nil
	}
	return d - r.freshWindow, nil
}

// Supersede marks a set as superseded. The record is kept for provenance.
func (r *Registry) Supersede(ctx context.Context, setID string) error {
	return r.setStatus(ctx, setID, model.CalSetStatusSuperseded)
}

// MarkFailed marks a set as failed so selection never returns it.
func (r *Registry) MarkFailed(ctx context.Context, setID string) error {
	return r.setStatus(ctx, setID, model.CalSetStatusFailed)
}

// List returns all calibration sets, any status, ordered by validity start.
func (r *Registry) List(ctx context.Context) ([]model.CalibrationSet, error) {
	kvs, err := r.store.Scan(ctx, storage.PrefixCalSet)
	if err != nil {
		return nil, fmt.Errorf("could not scan calibration sets: %w", err)
	}

	sets := make([]model.CalibrationSet, 0, len(kvs))
	for _, kv := range kvs {
		var set model.CalibrationSet
		if err := json.Unmarshal(kv.Record, &set); err != nil {
			return nil, fmt.Errorf("could not decode calibration set: %w", err)
		}
		sets = append(sets, set)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].ValidStart.Before(sets[j].ValidStart) })
	return sets, nil
}

func (r *Registry) setStatus(ctx context.Context, setID string, status model.CalSetStatus) error {
	key := storage.PrefixCalSet + setID
	err := r.store.Update(ctx, func(tx storage.Tx) error {
		record, version, err := tx.Get(key)
		if err != nil {
			return err
		}
		var set model.CalibrationSet
		if err := json.Unmarshal(record, &set); err != nil {
			return fmt.Errorf("could not decode calibration set: %w", err)
		}
		set.Status = status

		newRecord, err := json.Marshal(set)
		if err != nil {
			return fmt.Errorf("could not encode calibration set: %w", err)
		}
		_, err = tx.Put(key, newRecord, version)
		return err
	})
	if err != nil {
		return fmt.Errorf("could not set status of %s: %w", setID, err)
	}

	r.logger.Infof("Calibration set %s marked %s", setID, status)
	return nil
}

func (r *Registry) activeSets(ctx context.Context) ([]model.CalibrationSet, error) {
	sets, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	active := sets[:0]
	for _, set := range sets {
		if set.Status == model.CalSetStatusActive {
			active = append(active, set)
		}
	}
	return active, nil
}

// window computes a set's effective bidirectional validity window. An open
// validity end is bounded by the next active set's start when one exists;
// otherwise the window stays open-ended. all must be sorted by ValidStart.
func (r *Registry) window(set model.CalibrationSet, all []model.CalibrationSet) (lo time.Time, hi *time.Time) {
	lo = set.ValidStart.Add(-r.halfWindow)

	end := set.ValidEnd
	if end == nil {
		for _, other := range all {
			if other.ID == set.ID || !other.ValidStart.After(set.ValidStart) {
				continue
			}
			next := other.ValidStart
			if end == nil || next.Before(*end) {
				end = &next
			}
		}
	}
	if end == nil {
		return lo, nil
	}

	h := end.Add(r.halfWindow)
	return lo, &h
}

func (r *Registry) windowsOverlap(a, b model.CalibrationSet, all []model.CalibrationSet) bool {
	aLo, aHi := r.window(a, all)
	bLo, bHi := r.window(b, all)

	if aHi != nil && aHi.Before(bLo) {
		return false
	}
	if bHi != nil && bHi.Before(aLo) {
		return false
	}
	return true
}

func (r *Registry) acquireLock(ctx context.Context) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()

	ok, err := r.lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil || !ok {
		return nil, fmt.Errorf("could not acquire registry lock: %w", model.ErrStoreUnavailable)
	}
	return func() {
		if err := r.lock.Unlock(); err != nil {
			r.logger.Errorf("Could not release registry lock: %s", err)
		}
	}, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
