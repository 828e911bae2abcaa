package exec_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	collaboratorexec "github.com/dsa110/contimg/internal/collaborator/exec"
	"github.com/dsa110/contimg/internal/model"
)

func newCollaborator(t *testing.T, script string, timeout time.Duration) *collaboratorexec.Collaborator {
	t.Helper()

	c, err := collaboratorexec.NewCollaborator(collaboratorexec.CollaboratorConfig{
		Commands: map[model.Stage]collaboratorexec.Command{
			model.StageConvert: {"sh", "-c", script},
		},
		Timeout: timeout,
	})
	require.NoError(t, err)
	return c
}

func request() model.StageRequest {
	return model.StageRequest{
		Stage:      model.StageConvert,
		GroupID:    "2026-01-30T10:00:00",
		InputPaths: []string{"/data/a_sb00.hdf5"},
		Parameters: map[string]string{"mode": "apply"},
		OutputDir:  "/out/2026-01-30T10:00:00",
	}
}

func TestCollaboratorRun(t *testing.T) {
	tests := map[string]struct {
		script    string
		expResult *model.StageResult
		expErrMsg string
		permanent bool
	}{
		"A successful process result should be decoded with its artifacts.": {
			script: `echo '{"success": true, "artifacts": {"ms": "/out/obs.ms"}}'`,
			expResult: &model.StageResult{
				Success:   true,
				Artifacts: map[string]string{"ms": "/out/obs.ms"},
			},
		},

		"Diagnostics should pass through as a raw blob.": {
			script: `echo '{"success": true, "diagnostics": {"snr": 41.5}}'`,
			expResult: &model.StageResult{
				Success:     true,
				Diagnostics: []byte(`{"snr": 41.5}`),
			},
		},

		"A reported failure without the permanent flag should be a retryable error.": {
			script:    `echo '{"success": false, "message": "flagging exceeded threshold"}'`,
			expErrMsg: "flagging exceeded threshold",
		},

		"A reported permanent failure should mark the error permanent.": {
			script:    `echo '{"success": false, "permanent": true, "message": "corrupt input"}'`,
			expErrMsg: "corrupt input",
			permanent: true,
		},

		"A non-zero exit should be a retryable transport error carrying stderr.": {
			script:    `echo "disk full" >&2; exit 3`,
			expErrMsg: "disk full",
		},

		"Unparseable stdout should be a retryable error.": {
			script:    `echo "not json"`,
			expErrMsg: "unreadable output",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			c := newCollaborator(t, test.script, time.Minute)
			result, err := c.Run(context.Background(), request())

			if test.expErrMsg != "" {
				require.Error(err)
				assert.Contains(err.Error(), test.expErrMsg)
				assert.Equal(test.permanent, errors.Is(err, model.ErrPermanent))
				return
			}

			require.NoError(err)
			assert.Equal(test.expResult.Success, result.Success)
			assert.Equal(test.expResult.Artifacts, result.Artifacts)
			if test.expResult.Diagnostics != nil {
				assert.JSONEq(string(test.expResult.Diagnostics), string(result.Diagnostics))
			}
		})
	}
}

func TestCollaboratorReceivesRequestOnStdin(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	// The process echoes its stdin back inside the diagnostics blob.
	c := newCollaborator(t, `printf '{"success": true, "diagnostics": %s}' "$(cat)"`, time.Minute)

	result, err := c.Run(context.Background(), request())
	require.NoError(err)

	var in struct {
		Stage      string            `json:"stage"`
		GroupID    string            `json:"group_id"`
		InputPaths []string          `json:"input_paths"`
		Parameters map[string]string `json:"parameters"`
		OutputDir  string            `json:"output_dir"`
	}
	require.NoError(json.Unmarshal(result.Diagnostics, &in))
	assert.Equal("convert", in.Stage)
	assert.Equal("2026-01-30T10:00:00", in.GroupID)
	assert.Equal([]string{"/data/a_sb00.hdf5"}, in.InputPaths)
	assert.Equal(map[string]string{"mode": "apply"}, in.Parameters)
	assert.Equal("/out/2026-01-30T10:00:00", in.OutputDir)
}

func TestCollaboratorTimeout(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := newCollaborator(t, `sleep 5`, 50*time.Millisecond)

	_, err := c.Run(context.Background(), request())
	require.Error(err)
	assert.Contains(err.Error(), "timed out")
	assert.False(errors.Is(err, model.ErrPermanent))
}

func TestCollaboratorUnknownStage(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := newCollaborator(t, `echo '{"success": true}'`, time.Minute)

	req := request()
	req.Stage = model.StageMosaic
	_, err := c.Run(context.Background(), req)
	require.Error(err)
	assert.ErrorIs(err, model.ErrPermanent)
}

func TestCollaboratorStageTimeoutOverride(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c, err := collaboratorexec.NewCollaborator(collaboratorexec.CollaboratorConfig{
		Commands: map[model.Stage]collaboratorexec.Command{
			model.StageConvert: {"sh", "-c", "sleep 5"},
		},
		Timeout:       time.Minute,
		StageTimeouts: map[model.Stage]time.Duration{model.StageConvert: 50 * time.Millisecond},
	})
	require.NoError(err)

	_, err = c.Run(context.Background(), request())
	require.Error(err)
	assert.Contains(err.Error(), "timed out")
}

func TestCollaboratorConfigValidation(t *testing.T) {
	tests := map[string]struct {
		config collaboratorexec.CollaboratorConfig
	}{
		"No commands should fail.": {
			config: collaboratorexec.CollaboratorConfig{},
		},

		"An empty argv should fail.": {
			config: collaboratorexec.CollaboratorConfig{
				Commands: map[model.Stage]collaboratorexec.Command{model.StageConvert: {}},
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := collaboratorexec.NewCollaborator(test.config)
			assert.Error(t, err)
		})
	}
}
