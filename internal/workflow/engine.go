// Package workflow runs the durable mint and forge pipelines: ordered steps
// over a typed envelope, with per-step cursors persisted so a crashed
// instance resumes from its last completed step instead of its beginning.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/trivianft/trivianft/internal/trivia"
)

const (
	defaultRetryInitial = time.Second
	defaultRetryCap     = time.Minute
	defaultMaxAttempts  = 5
	defaultConcurrency  = 8
)

// Step transforms the envelope. A step must be side-effect idempotent keyed
// by operation id: the engine replays completed steps from their stored
// output, but a crash mid-step means the step body can run twice.
type Step[E any] struct {
	Name string
	Run  func(ctx context.Context, env E) (E, error)
}

// CursorStore persists per-step envelope snapshots.
type CursorStore interface {
	Completed(ctx context.Context, operationID string) (map[string]json.RawMessage, error)
	SaveStep(ctx context.Context, operationID, step string, envelope any) error
}

type EngineConfig struct {
	Cursors CursorStore

	// Optional configuration.
	Clock        clockwork.Clock
	RetryInitial time.Duration
	RetryCap     time.Duration
	MaxAttempts  int
	Concurrency  int
}

func (c *EngineConfig) Validate() error {
	if c.Cursors == nil {
		return errors.New("cursor store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = defaultRetryInitial
	}
	if c.RetryCap <= 0 {
		c.RetryCap = defaultRetryCap
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	return nil
}

// Engine executes instances in parallel across operations and serializes the
// steps within each one.
type Engine[E any] struct {
	log   *slog.Logger
	cfg   EngineConfig
	kind  string
	steps []Step[E]
	pool  pond.Pool
}

func NewEngine[E any](log *slog.Logger, kind string, steps []Step[E], cfg EngineConfig) (*Engine[E], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if len(steps) == 0 {
		return nil, errors.New("at least one step is required")
	}
	return &Engine[E]{
		log:   log.With("workflow", kind),
		cfg:   cfg,
		kind:  kind,
		steps: steps,
		pool:  pond.NewPool(cfg.Concurrency),
	}, nil
}

// Dispatch runs the instance on the worker pool and returns immediately.
// onDone receives the final envelope and the terminal error, if any; it is
// where the caller marks the operation failed and compensates. The instance
// detaches from the caller's context: client disconnect must not cancel a
// workflow, callers poll for status instead.
func (e *Engine[E]) Dispatch(ctx context.Context, operationID string, env E, onDone func(ctx context.Context, env E, err error)) {
	ctx = context.WithoutCancel(ctx)
	e.pool.Submit(func() {
		final, err := e.Run(ctx, operationID, env)
		if onDone != nil {
			onDone(ctx, final, err)
		}
	})
}

// Run executes the step chain synchronously. Completed steps replay from
// their persisted snapshots; the first incomplete step resumes live
// execution. Retriable failures back off and retry up to the attempt bound;
// anything else terminates the instance.
func (e *Engine[E]) Run(ctx context.Context, operationID string, env E) (E, error) {
	log := e.log.With("operation", operationID)

	completed, err := e.cfg.Cursors.Completed(ctx, operationID)
	if err != nil {
		return env, fmt.Errorf("failed to load step cursor: %w", err)
	}

	resumed := false
	for _, step := range e.steps {
		if snap, ok := completed[step.Name]; ok {
			if err := json.Unmarshal(snap, &env); err != nil {
				return env, fmt.Errorf("failed to replay step %s: %w", step.Name, err)
			}
			resumed = true
			continue
		}
		if resumed {
			log.Info("resuming from step", "step", step.Name)
			resumed = false
		}

		env, err = e.runStep(ctx, log, step, env)
		if err != nil {
			stepFailures.WithLabelValues(e.kind, step.Name).Inc()
			return env, fmt.Errorf("step %s: %w", step.Name, err)
		}

		if err := e.cfg.Cursors.SaveStep(ctx, operationID, step.Name, env); err != nil {
			return env, fmt.Errorf("failed to persist step %s: %w", step.Name, err)
		}
	}
	return env, nil
}

func (e *Engine[E]) runStep(ctx context.Context, log *slog.Logger, step Step[E], env E) (E, error) {
	attempt := 0
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.cfg.RetryInitial
	expo.MaxInterval = e.cfg.RetryCap
	expo.Multiplier = 2

	return backoff.Retry(ctx, func() (E, error) {
		attempt++
		if attempt > 1 {
			log.Warn("retrying step", "step", step.Name, "attempt", attempt)
			stepRetries.WithLabelValues(e.kind, step.Name).Inc()
		}
		out, err := step.Run(ctx, env)
		if err != nil {
			if trivia.IsRetriable(err) {
				return out, err
			}
			return out, backoff.Permanent(err)
		}
		return out, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(e.cfg.MaxAttempts)))
}
