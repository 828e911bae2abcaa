package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/dsa110/contimg/internal/log"
	"github.com/dsa110/contimg/internal/model"
)

// Handler executes a claimed task and returns its result payload. Returned
// errors wrapping model.ErrPermanent are terminal; everything else is
// retryable.
type Handler interface {
	Handle(ctx context.Context, t *model.Task) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t *model.Task) ([]byte, error)

// Handle satisfies Handler.
func (f HandlerFunc) Handle(ctx context.Context, t *model.Task) ([]byte, error) { return f(ctx, t) }

// PoolConfig is the configuration for the worker pool.
type PoolConfig struct {
	Engine  *Engine
	Handler Handler
	// Workers is the number of independent claim loops.
	Workers           int
	PollInterval      time.Duration
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	Logger            log.Logger
}

func (c *PoolConfig) defaults() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.Handler == nil {
		return fmt.Errorf("handler is required")
	}
	if c.Workers == 0 {
		c.Workers = 2
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 2 * time.Minute
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = c.LeaseDuration / 4
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "task.Pool"})
	return nil
}

// Pool runs independent worker loops that claim tasks, heartbeat while the
// handler runs, and report the outcome back to the engine. Workers only
// block on the store, the handler, or the next claim poll; no worker blocks
// another worker's progress.
type Pool struct {
	engine            *Engine
	handler           Handler
	workers           int
	pollInterval      time.Duration
	leaseDuration     time.Duration
	heartbeatInterval time.Duration
	logger            log.Logger
}

// NewPool creates a new worker pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Pool{
		engine:            cfg.Engine,
		handler:           cfg.Handler,
		workers:           cfg.Workers,
		pollInterval:      cfg.PollInterval,
		leaseDuration:     cfg.LeaseDuration,
		heartbeatInterval: cfg.HeartbeatInterval,
		logger:            cfg.Logger,
	}, nil
}

// Run starts the workers and blocks until the context is cancelled or a
// worker hits a fatal store error.
func (p *Pool) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, p.workers)

	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.workerLoop(ctx, workerID); err != nil && !errors.Is(err, context.Canceled) {
				errc <- err
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errc)
	return <-errc
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) error {
	logger := p.logger.WithValues(log.Kv{"worker": workerID})
	logger.Infof("Worker started")

	for {
		t, err := p.claimWithBackoff(ctx, workerID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			// The store stayed unavailable beyond the retry budget. Exiting
			// beats proceeding on an inconsistent view.
			return fmt.Errorf("worker %s giving up: %w", workerID, err)
		}

		if t == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.pollInterval):
			}
			continue
		}

		if err := p.execute(ctx, workerID, t); err != nil {
			return err
		}
	}
}

// claimWithBackoff claims the next task, retrying bounded store contention
// with exponential backoff.
func (p *Pool) claimWithBackoff(ctx context.Context, workerID string) (*model.Task, error) {
	return backoff.Retry(ctx, func() (*model.Task, error) {
		t, err := p.engine.Claim(ctx, workerID, p.leaseDuration)
		if err != nil {
			if errors.Is(err, model.ErrStoreUnavailable) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return t, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
	)
}

func (p *Pool) execute(ctx context.Context, workerID string, t *model.Task) error {
	logger := p.logger.WithValues(log.Kv{"worker": workerID, "task": t.ID, "group": t.GroupID})

	if t.CancelRequested {
		logger.Infof("Task cancelled before start, releasing")
		return p.engine.Release(ctx, t.ID, workerID)
	}

	if err := p.engine.Start(ctx, t.ID, workerID); err != nil {
		logger.Warningf("Could not start task: %s", err)
		return nil
	}

	// Heartbeat while the handler runs, including during blocking
	// collaborator calls.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		ticker := time.NewTicker(p.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.engine.Heartbeat(hbCtx, t.ID, workerID, p.leaseDuration); err != nil {
					logger.Warningf("Heartbeat failed: %s", err)
				}
			}
		}
	}()

	result, handleErr := p.handler.Handle(ctx, t)
	stopHeartbeat()
	hbWG.Wait()

	switch {
	case handleErr == nil:
		if err := p.engine.Complete(ctx, t.ID, workerID, result); err != nil {
			return p.fatalOrIgnore(logger, "complete", err)
		}
		logger.Infof("Task completed")
	case errors.Is(handleErr, ErrCancelled):
		logger.Infof("Task cancelled mid-run, releasing")
		if err := p.engine.Release(ctx, t.ID, workerID); err != nil {
			return p.fatalOrIgnore(logger, "release", err)
		}
	default:
		retryable := !errors.Is(handleErr, model.ErrPermanent)
		if err := p.engine.Fail(ctx, t.ID, workerID, handleErr.Error(), retryable); err != nil {
			return p.fatalOrIgnore(logger, "fail", err)
		}
		logger.Warningf("Task failed (retryable=%t): %s", retryable, handleErr)
	}
	return nil
}

// fatalOrIgnore decides whether a reporting error kills the worker loop.
// Losing ownership is fine (recovery already rescheduled the task); an
// unavailable store is not.
func (p *Pool) fatalOrIgnore(logger log.Logger, op string, err error) error {
	if errors.Is(err, model.ErrNotOwner) || errors.Is(err, model.ErrNotFound) {
		logger.Warningf("Could not %s task, ownership lost: %s", op, err)
		return nil
	}
	if errors.Is(err, model.ErrStoreUnavailable) {
		return fmt.Errorf("could not %s task: %w", op, err)
	}
	logger.Errorf("Could not %s task: %s", op, err)
	return nil
}

// ErrCancelled is the sentinel handlers return after honoring a cancel
// request observed at a stage boundary.
var ErrCancelled = errors.New("task cancelled")
