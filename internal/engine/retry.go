package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentfactory/internal/spec"
)

// RetryDriver re-runs a failed specification when the failure is
// classified recoverable. Retries stay caller-driven: the engine never
// retries on its own, and the driver only runs when AutoRetry is
// enabled or the caller invokes it explicitly.
type RetryDriver struct {
	engine Service
	logger *zap.Logger

	// initialInterval seeds the exponential backoff between attempts.
	// Shortened in tests.
	initialInterval time.Duration
}

// NewRetryDriver builds a driver over the engine.
func NewRetryDriver(engine Service, logger *zap.Logger) *RetryDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryDriver{
		engine:          engine,
		logger:          logger,
		initialInterval: time.Second,
	}
}

// RunWithRetry executes the pipeline, re-running recoverable failures
// up to the engine's MaxRetries budget. Unrecoverable failures stop
// immediately.
func (d *RetryDriver) RunWithRetry(ctx context.Context, specID string) (*spec.Specification, error) {
	budget := uint64(d.engine.CurrentConfig().MaxRetries)

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newExponential(d.initialInterval), budget),
		ctx,
	)

	var last *spec.Specification
	first := true
	attempt := 0
	op := func() error {
		attempt++
		var (
			s   *spec.Specification
			err error
		)
		if first {
			first = false
			s, err = d.engine.Run(ctx, specID)
		} else {
			s, err = d.engine.Retry(ctx, specID)
		}
		if s != nil {
			last = s
		}
		if err == nil {
			return nil
		}
		if !spec.Recoverable(err) {
			return backoff.Permanent(err)
		}
		d.logger.Warn("recoverable run failure, will retry",
			zap.String("specification_id", specID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}

	if err := backoff.Retry(op, policy); err != nil {
		return last, err
	}
	return last, nil
}

func newExponential(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxElapsedTime = 0 // bounded by WithMaxRetries, not wall clock
	return b
}
