package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dsa110/contimg/internal/collaborator"
	"github.com/dsa110/contimg/internal/log"
	"github.com/dsa110/contimg/internal/model"
)

// CollaboratorConfig is the configuration for the fake collaborator.
type CollaboratorConfig struct {
	Logger log.Logger
}

func (c *CollaboratorConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "collaborator.Fake"})
	return nil
}

// Response is a scripted outcome for one stage.
type Response struct {
	Result *model.StageResult
	Err    error
	// Delay blocks Run for the given time before answering, to simulate a
	// long-running stage.
	Delay time.Duration
}

// Collaborator is a fake implementation of the collaborator.Collaborator
// interface. It returns scripted per-stage responses and records every call.
type Collaborator struct {
	responses map[model.Stage][]Response
	calls     []model.StageRequest
	mu        sync.Mutex
	logger    log.Logger
}

var _ collaborator.Collaborator = &Collaborator{}

// NewCollaborator creates a new fake collaborator.
func NewCollaborator(cfg CollaboratorConfig) (*Collaborator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Collaborator{
		responses: make(map[model.Stage][]Response),
		logger:    cfg.Logger,
	}, nil
}

// Script queues responses for a stage, consumed in order. The last response
// repeats once the queue is drained.
func (c *Collaborator) Script(stage model.Stage, responses ...Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[stage] = append(c.responses[stage], responses...)
}

// Run returns the next scripted response for the request's stage.
func (c *Collaborator) Run(ctx context.Context, req model.StageRequest) (*model.StageResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)

	queue := c.responses[req.Stage]
	var resp Response
	if len(queue) == 0 {
		c.logger.Debugf("No scripted response for %s stage, returning success", req.Stage)
		resp = Response{Result: &model.StageResult{Success: true}}
	} else {
		resp = queue[0]
		if len(queue) > 1 {
			c.responses[req.Stage] = queue[1:]
		}
	}
	c.mu.Unlock()

	if resp.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(resp.Delay):
		}
	}

	return resp.Result, resp.Err
}

// Calls returns a copy of every request received so far.
func (c *Collaborator) Calls() []model.StageRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.StageRequest, len(c.calls))
	copy(out, c.calls)
	return out
}

// StageCalls returns the requests received for a single stage.
func (c *Collaborator) StageCalls(stage model.Stage) []model.StageRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []model.StageRequest
	for _, call := range c.calls {
		if call.Stage == stage {
			out = append(out, call)
		}
	}
	return out
}
