package ingest

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/dsa110/contimg/internal/log"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/storage"
)

// GrouperConfig is the configuration for the file arrival grouper.
type GrouperConfig struct {
	Store storage.Store
	// Tolerance is the clustering window: a file joins an open group when
	// its timestamp is within Tolerance of the group's mean member timestamp.
	Tolerance time.Duration
	// ExpectedMembers is the number of distinct member indices per group.
	ExpectedMembers int
	// CollectionTimeout bounds how long a group may stay collecting before
	// it is forced to pending with the partial flag set.
	CollectionTimeout time.Duration
	// AcceptLateMembers merges members arriving after the group left
	// collecting. Off by default: late arrivals are logged and dropped.
	AcceptLateMembers bool
	Logger            log.Logger
}

func (c *GrouperConfig) defaults() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Tolerance == 0 {
		c.Tolerance = 60 * time.Second
	}
	if c.ExpectedMembers == 0 {
		c.ExpectedMembers = ExpectedSubbands
	}
	if c.CollectionTimeout == 0 {
		c.CollectionTimeout = 20 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "ingest.Grouper"})
	return nil
}

// Grouper clusters arriving raw files into observation groups by timestamp
// proximity and member index. All grouping decisions are deterministic so a
// replayed arrival sequence produces the same groups.
type Grouper struct {
	store             storage.Store
	tolerance         time.Duration
	expectedMembers   int
	collectionTimeout time.Duration
	acceptLate        bool
	logger            log.Logger
}

// NewGrouper creates a new grouper.
func NewGrouper(cfg GrouperConfig) (*Grouper, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Grouper{
		store:             cfg.Store,
		tolerance:         cfg.Tolerance,
		expectedMembers:   cfg.ExpectedMembers,
		collectionTimeout: cfg.CollectionTimeout,
		acceptLate:        cfg.AcceptLateMembers,
		logger:            cfg.Logger,
	}, nil
}

// Observe records the arrival of one member file. It returns the group the
// file was assigned to and whether this observation completed the group
// (all expected indices present, group now pending). Observing the same
// (group, index) twice is an idempotent no-op.
func (g *Grouper) Observe(ctx context.Context, path string, timestamp time.Time, memberIndex int) (*model.FileGroup, bool, error) {
	if memberIndex < 0 || memberIndex >= g.expectedMembers {
		return nil, false, fmt.Errorf("member index %d out of range [0,%d): %w", memberIndex, g.expectedMembers, model.ErrNotValid)
	}

	var assigned *model.FileGroup
	var ready bool

	err := g.store.Update(ctx, func(tx storage.Tx) error {
		assigned, ready = nil, false

		kvs, err := tx.Scan(storage.PrefixIngestGroup)
		if err != nil {
			return err
		}

		groups := make([]*model.FileGroup, 0, len(kvs))
		versions := make(map[string]int64, len(kvs))
		for _, kv := range kvs {
			grp, err := decodeGroup(kv.Record)
			if err != nil {
				return err
			}
			groups = append(groups, grp)
			versions[grp.ID] = kv.Version
		}

		// Duplicate of an already-recorded member anywhere is a no-op.
		for _, grp := range groups {
			if m, ok := grp.Members[memberIndex]; ok && m.Path == path {
				assigned = grp
				return nil
			}
		}

		target := g.pickGroup(groups, timestamp)
		now := time.Now().UTC()

		if target == nil {
			target = &model.FileGroup{
				ID:              GroupIDForTime(timestamp),
				State:           model.GroupStateCollecting,
				Members:         map[int]model.GroupMember{},
				ExpectedMembers: g.expectedMembers,
				FirstSeenAt:     now,
				Stage:           model.StageConvert,
			}
			if _, taken := versions[target.ID]; taken {
				// Same canonical timestamp as a closed group; keep the audit
				// record intact and disambiguate the newcomer.
				target.ID = fmt.Sprintf("%s.%d", target.ID, now.UnixNano())
			}
		}

		if target.State != model.GroupStateCollecting {
			if !g.acceptLate {
				g.logger.Warningf("Anomaly: late member sb%02d for %s group %s, dropping %s", memberIndex, target.State, target.ID, path)
				assigned = target
				return nil
			}
			g.logger.Infof("Merging late member sb%02d into group %s", memberIndex, target.ID)
		}

		if existing, ok := target.Members[memberIndex]; ok {
			g.logger.Warningf("Anomaly: member sb%02d of group %s already recorded as %s, dropping %s", memberIndex, target.ID, existing.Path, path)
			assigned = target
			return nil
		}

		target.Members[memberIndex] = model.GroupMember{
			Index:     memberIndex,
			Path:      path,
			Timestamp: timestamp.UTC(),
			SeenAt:    now,
		}
		target.UpdatedAt = now

		if target.State == model.GroupStateCollecting && target.Complete() {
			next, _ := model.NextGroupState(target.State, model.GroupEventComplete)
			target.State = next
			target.Partial = false
			ready = true
		} else if target.State == model.GroupStatePending && target.Partial && target.Complete() {
			// A merged late member filled the last hole in a partial group.
			target.Partial = false
		}

		record, err := encodeGroup(target)
		if err != nil {
			return err
		}
		version := versions[target.ID]
		if _, err := tx.Put(storage.PrefixIngestGroup+target.ID, record, version); err != nil {
			return err
		}

		assigned = target
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("could not observe %s: %w", path, err)
	}

	if ready {
		g.logger.Infof("Group %s complete (%d/%d members)", assigned.ID, len(assigned.Members), assigned.ExpectedMembers)
	} else {
		g.logger.Debugf("Recorded sb%02d for group %s (%d/%d)", memberIndex, assigned.ID, len(assigned.Members), assigned.ExpectedMembers)
	}
	return assigned, ready, nil
}

// pickGroup selects the open group a timestamp belongs to. Candidates are
// collecting groups whose mean member timestamp is within the tolerance
// window. Ambiguity resolves to the closest mean, then the earlier-opened
// group, then the lower ID, so assignment is deterministic.
func (g *Grouper) pickGroup(groups []*model.FileGroup, timestamp time.Time) *model.FileGroup {
	var best *model.FileGroup
	var bestDist time.Duration

	for _, grp := range groups {
		// Pending groups stay candidates so late arrivals resolve to their
		// own group and get dropped or merged there, instead of seeding a
		// spurious new group.
		if grp.State != model.GroupStateCollecting && grp.State != model.GroupStatePending {
			continue
		}
		if len(grp.Members) == 0 {
			continue
		}

		dist := absDuration(timestamp.Sub(meanTimestamp(grp)))
		if dist > g.tolerance {
			continue
		}

		switch {
		case best == nil, dist < bestDist:
			best, bestDist = grp, dist
		case dist == bestDist:
			if grp.FirstSeenAt.Before(best.FirstSeenAt) ||
				(grp.FirstSeenAt.Equal(best.FirstSeenAt) && grp.ID < best.ID) {
				best, bestDist = grp, dist
			}
		}
	}
	return best
}

// SweepCollecting forces groups that exceeded the collection timeout to
// pending with the partial flag set. This is an explicit degraded-but-proceed
// policy: a short group is processed, never silently dropped. Returns the
// groups made ready.
func (g *Grouper) SweepCollecting(ctx context.Context, now time.Time) ([]model.FileGroup, error) {
	var ready []model.FileGroup

	err := g.store.Update(ctx, func(tx storage.Tx) error {
		ready = ready[:0]
		kvs, err := tx.Scan(storage.PrefixIngestGroup)
		if err != nil {
			return err
		}

		for _, kv := range kvs {
			grp, err := decodeGroup(kv.Record)
			if err != nil {
				return err
			}
			if grp.State != model.GroupStateCollecting {
				continue
			}
			if now.Sub(grp.FirstSeenAt) < g.collectionTimeout {
				continue
			}

			next, ok := model.NextGroupState(grp.State, model.GroupEventCollectTimeout)
			if !ok {
				continue
			}
			grp.State = next
			grp.Partial = len(grp.Members) < grp.ExpectedMembers
			grp.UpdatedAt = now.UTC()

			record, err := encodeGroup(grp)
			if err != nil {
				return err
			}
			if _, err := tx.Put(kv.Key, record, kv.Version); err != nil {
				return err
			}
			ready = append(ready, *grp)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not sweep collecting groups: %w", err)
	}

	for _, grp := range ready {
		g.logger.Warningf("Group %s timed out collecting with %d/%d members, proceeding partial", grp.ID, len(grp.Members), grp.ExpectedMembers)
	}
	return ready, nil
}

// meanTimestamp returns the mean of a group's member timestamps.
func meanTimestamp(g *model.FileGroup) time.Time {
	ts := g.MemberTimestamps()
	secs := make([]float64, len(ts))
	for i, t := range ts {
		secs[i] = float64(t.UnixNano()) / float64(time.Second)
	}
	mean := stat.Mean(secs, nil)
	s, frac := math.Modf(mean)
	return time.Unix(int64(s), int64(frac*float64(time.Second))).UTC()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
