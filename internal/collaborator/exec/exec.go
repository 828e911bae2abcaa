// Package exec runs pipeline stages as external processes. The request is
// handed over as JSON on stdin and the structured result blob is read from
// stdout; the process exit code signals transport-level success.
package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/dsa110/contimg/internal/collaborator"
	"github.com/dsa110/contimg/internal/log"
	"github.com/dsa110/contimg/internal/model"
)

// stageOutput is the wire format collaborators write on stdout.
type stageOutput struct {
	Success     bool              `json:"success"`
	Permanent   bool              `json:"permanent,omitempty"`
	Message     string            `json:"message,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Diagnostics json.RawMessage   `json:"diagnostics,omitempty"`
}

// stageInput is the wire format collaborators read on stdin.
type stageInput struct {
	Stage      model.Stage       `json:"stage"`
	GroupID    string            `json:"group_id"`
	InputPaths []string          `json:"input_paths"`
	Parameters map[string]string `json:"parameters,omitempty"`
	OutputDir  string            `json:"output_dir"`
}

// Command is the argv of one stage's collaborator process.
type Command []string

// CollaboratorConfig is the configuration for the process collaborator.
type CollaboratorConfig struct {
	// Commands maps each stage to the process that implements it.
	Commands map[model.Stage]Command
	// Timeout bounds each collaborator call. Per-stage overrides win.
	Timeout       time.Duration
	StageTimeouts map[model.Stage]time.Duration
	Logger        log.Logger
}

func (c *CollaboratorConfig) defaults() error {
	if len(c.Commands) == 0 {
		return fmt.Errorf("stage commands are required")
	}
	for stage, cmd := range c.Commands {
		if len(cmd) == 0 {
			return fmt.Errorf("command for stage %q is empty", stage)
		}
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "collaborator.Exec"})
	return nil
}

// Collaborator invokes external stage processes.
type Collaborator struct {
	commands      map[model.Stage]Command
	timeout       time.Duration
	stageTimeouts map[model.Stage]time.Duration
	logger        log.Logger
}

var _ collaborator.Collaborator = &Collaborator{}

// NewCollaborator creates a new process collaborator.
func NewCollaborator(cfg CollaboratorConfig) (*Collaborator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Collaborator{
		commands:      cfg.Commands,
		timeout:       cfg.Timeout,
		stageTimeouts: cfg.StageTimeouts,
		logger:        cfg.Logger,
	}, nil
}

// Run executes the stage's process with a bounded timeout.
func (c *Collaborator) Run(ctx context.Context, req model.StageRequest) (*model.StageResult, error) {
	argv, ok := c.commands[req.Stage]
	if !ok {
		return nil, fmt.Errorf("no command configured for stage %q: %w", req.Stage, model.ErrPermanent)
	}

	timeout := c.timeout
	if t, ok := c.stageTimeouts[req.Stage]; ok {
		timeout = t
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, err := json.Marshal(stageInput{
		Stage:      req.Stage,
		GroupID:    req.GroupID,
		InputPaths: req.InputPaths,
		Parameters: req.Parameters,
		OutputDir:  req.OutputDir,
	})
	if err != nil {
		return nil, fmt.Errorf("could not encode stage request: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debugf("Running %s stage for group %s: %v", req.Stage, req.GroupID, argv)
	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%s collaborator timed out after %s", req.Stage, timeout)
	}
	if runErr != nil {
		// Process crash or non-zero exit without a usable blob: transport
		// failure, always retryable.
		return nil, fmt.Errorf("%s collaborator exited abnormally: %v (stderr: %s)", req.Stage, runErr, truncate(stderr.String(), 512))
	}

	var out stageOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("%s collaborator produced unreadable output: %w", req.Stage, err)
	}

	result := &model.StageResult{
		Success:     out.Success,
		Artifacts:   out.Artifacts,
		Diagnostics: out.Diagnostics,
	}

	if !out.Success {
		if out.Permanent {
			return result, fmt.Errorf("%s stage failed permanently: %s: %w", req.Stage, out.Message, model.ErrPermanent)
		}
		return result, fmt.Errorf("%s stage failed: %s", req.Stage, out.Message)
	}

	c.logger.Infof("%s stage for group %s finished in %s", req.Stage, req.GroupID, elapsed.Round(time.Millisecond))
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
