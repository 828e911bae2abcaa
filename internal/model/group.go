package model

import (
	"fmt"
	"time"
)

// GroupState represents the lifecycle state of a file group.
type GroupState string

const (
	// GroupStateCollecting indicates the group is still gathering member files.
	GroupStateCollecting GroupState = "collecting"
	// GroupStatePending indicates the group is ready and waiting for a worker.
	GroupStatePending GroupState = "pending"
	// GroupStateClaimed indicates a worker holds a lease on the group.
	GroupStateClaimed GroupState = "claimed"
	// GroupStateProcessing indicates a worker is running pipeline stages.
	GroupStateProcessing GroupState = "processing"
	// GroupStateCompleted indicates all stages finished successfully.
	GroupStateCompleted GroupState = "completed"
	// GroupStateFailed indicates the last attempt failed.
	GroupStateFailed GroupState = "failed"
	// GroupStateAbandoned indicates the retry budget is exhausted.
	GroupStateAbandoned GroupState = "abandoned"
)

// GroupEvent is an event applied to a group's state machine.
type GroupEvent string

const (
	GroupEventMemberObserved GroupEvent = "member_observed"
	GroupEventComplete       GroupEvent = "complete"
	GroupEventCollectTimeout GroupEvent = "collect_timeout"
	GroupEventClaim          GroupEvent = "claim"
	GroupEventStart          GroupEvent = "start"
	GroupEventSucceed        GroupEvent = "succeed"
	GroupEventFail           GroupEvent = "fail"
	GroupEventRetry          GroupEvent = "retry"
	GroupEventAbandon        GroupEvent = "abandon"
	GroupEventLeaseExpired   GroupEvent = "lease_expired"
)

// groupTransitions lists every valid (state, event) pair. Any pair not listed
// is a no-op anomaly, never a crash.
var groupTransitions = map[GroupState]map[GroupEvent]GroupState{
	GroupStateCollecting: {
		GroupEventMemberObserved: GroupStateCollecting,
		GroupEventComplete:       GroupStatePending,
		GroupEventCollectTimeout: GroupStatePending,
		GroupEventFail:           GroupStateFailed,
	},
	GroupStatePending: {
		GroupEventClaim: GroupStateClaimed,
		GroupEventFail:  GroupStateFailed,
	},
	GroupStateClaimed: {
		GroupEventStart:        GroupStateProcessing,
		GroupEventFail:         GroupStateFailed,
		GroupEventLeaseExpired: GroupStatePending,
	},
	GroupStateProcessing: {
		GroupEventSucceed:      GroupStateCompleted,
		GroupEventFail:         GroupStateFailed,
		GroupEventLeaseExpired: GroupStatePending,
	},
	GroupStateFailed: {
		GroupEventRetry:   GroupStatePending,
		GroupEventAbandon: GroupStateAbandoned,
	},
	GroupStateAbandoned: {
		GroupEventRetry: GroupStatePending,
	},
}

// NextGroupState returns the state that results from applying event in state.
// The second return value is false for unlisted pairs.
func NextGroupState(state GroupState, event GroupEvent) (GroupState, bool) {
	events, ok := groupTransitions[state]
	if !ok {
		return state, false
	}
	next, ok := events[event]
	if !ok {
		return state, false
	}
	return next, true
}

// IsTerminalGroupState reports whether the pipeline advances the group no
// further on its own. An abandoned group is terminal in this sense but still
// accepts a manual retry.
func IsTerminalGroupState(state GroupState) bool {
	return state == GroupStateCompleted || state == GroupStateAbandoned
}

// GroupMember is a single raw file belonging to a group.
type GroupMember struct {
	Index     int
	Path      string
	Timestamp time.Time
	SeenAt    time.Time
}

// FileGroup is the set of raw subband files that together constitute one
// logical observation, plus its processing lifecycle state. Groups are kept
// indefinitely as an audit record.
type FileGroup struct {
	ID              string
	State           GroupState
	Members         map[int]GroupMember
	ExpectedMembers int
	Partial         bool
	FirstSeenAt     time.Time
	Stage           Stage
	HasCalibrator   bool
	DecDeg          *float64
	RetryCount      int
	LastError       string
	LeaseExpiry     *time.Time
	WorkerID        string
	UpdatedAt       time.Time
}

// Complete reports whether every expected member index has been observed.
func (g *FileGroup) Complete() bool {
	return len(g.Members) >= g.ExpectedMembers
}

// MemberTimestamps returns the parsed timestamps of the observed members.
func (g *FileGroup) MemberTimestamps() []time.Time {
	ts := make([]time.Time, 0, len(g.Members))
	for _, m := range g.Members {
		ts = append(ts, m.Timestamp)
	}
	return ts
}

// Validate validates the group's invariants.
func (g *FileGroup) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("group id is required: %w", ErrNotValid)
	}
	if g.ExpectedMembers <= 0 {
		return fmt.Errorf("expected members must be positive: %w", ErrNotValid)
	}
	for idx := range g.Members {
		if idx < 0 || idx >= g.ExpectedMembers {
			return fmt.Errorf("member index %d out of range: %w", idx, ErrNotValid)
		}
	}
	return nil
}
