package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg/internal/model"
)

func TestNextGroupState(t *testing.T) {
	tests := map[string]struct {
		state    model.GroupState
		event    model.GroupEvent
		expState model.GroupState
		expOK    bool
	}{
		"collecting completes to pending": {
			state:    model.GroupStateCollecting,
			event:    model.GroupEventComplete,
			expState: model.GroupStatePending,
			expOK:    true,
		},
		"collecting times out to pending": {
			state:    model.GroupStateCollecting,
			event:    model.GroupEventCollectTimeout,
			expState: model.GroupStatePending,
			expOK:    true,
		},
		"pending claims to claimed": {
			state:    model.GroupStatePending,
			event:    model.GroupEventClaim,
			expState: model.GroupStateClaimed,
			expOK:    true,
		},
		"claimed starts processing": {
			state:    model.GroupStateClaimed,
			event:    model.GroupEventStart,
			expState: model.GroupStateProcessing,
			expOK:    true,
		},
		"processing succeeds to completed": {
			state:    model.GroupStateProcessing,
			event:    model.GroupEventSucceed,
			expState: model.GroupStateCompleted,
			expOK:    true,
		},
		"processing lease expiry recovers to pending": {
			state:    model.GroupStateProcessing,
			event:    model.GroupEventLeaseExpired,
			expState: model.GroupStatePending,
			expOK:    true,
		},
		"failed retries to pending": {
			state:    model.GroupStateFailed,
			event:    model.GroupEventRetry,
			expState: model.GroupStatePending,
			expOK:    true,
		},
		"failed abandons": {
			state:    model.GroupStateFailed,
			event:    model.GroupEventAbandon,
			expState: model.GroupStateAbandoned,
			expOK:    true,
		},
		"completed accepts nothing": {
			state:    model.GroupStateCompleted,
			event:    model.GroupEventClaim,
			expState: model.GroupStateCompleted,
			expOK:    false,
		},
		"pending cannot start without claim": {
			state:    model.GroupStatePending,
			event:    model.GroupEventStart,
			expState: model.GroupStatePending,
			expOK:    false,
		},
		"abandoned retries to pending": {
			state:    model.GroupStateAbandoned,
			event:    model.GroupEventRetry,
			expState: model.GroupStatePending,
			expOK:    true,
		},
		"abandoned accepts no claim": {
			state:    model.GroupStateAbandoned,
			event:    model.GroupEventClaim,
			expState: model.GroupStateAbandoned,
			expOK:    false,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			next, ok := model.NextGroupState(test.state, test.event)

			assert.Equal(t, test.expState, next)
			assert.Equal(t, test.expOK, ok)
		})
	}
}

func TestIsTerminalGroupState(t *testing.T) {
	assert.True(t, model.IsTerminalGroupState(model.GroupStateCompleted))
	assert.True(t, model.IsTerminalGroupState(model.GroupStateAbandoned))
	assert.False(t, model.IsTerminalGroupState(model.GroupStateFailed))
	assert.False(t, model.IsTerminalGroupState(model.GroupStatePending))
}

func TestFileGroupComplete(t *testing.T) {
	now := time.Now().UTC()

	g := model.FileGroup{
		ID:              "2026-01-30T10:00:00",
		ExpectedMembers: 2,
		Members: map[int]model.GroupMember{
			0: {Index: 0, Path: "/data/a", Timestamp: now},
		},
	}
	assert.False(t, g.Complete())

	g.Members[1] = model.GroupMember{Index: 1, Path: "/data/b", Timestamp: now}
	assert.True(t, g.Complete())
}

func TestFileGroupValidate(t *testing.T) {
	now := time.Now().UTC()

	tests := map[string]struct {
		group  model.FileGroup
		expErr bool
	}{
		"valid group": {
			group: model.FileGroup{
				ID:              "2026-01-30T10:00:00",
				ExpectedMembers: 16,
				Members: map[int]model.GroupMember{
					3: {Index: 3, Path: "/data/x", Timestamp: now},
				},
			},
		},
		"missing id should fail": {
			group:  model.FileGroup{ExpectedMembers: 16},
			expErr: true,
		},
		"zero expected members should fail": {
			group:  model.FileGroup{ID: "g"},
			expErr: true,
		},
		"member index out of range should fail": {
			group: model.FileGroup{
				ID:              "g",
				ExpectedMembers: 4,
				Members: map[int]model.GroupMember{
					7: {Index: 7, Path: "/data/x", Timestamp: now},
				},
			},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := test.group.Validate()

			if test.expErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, model.ErrNotValid)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
