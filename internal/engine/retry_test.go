package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentfactory/internal/generative"
	"github.com/fyrsmithlabs/agentfactory/internal/spec"
)

func TestRunWithRetryRecoversTransientFailure(t *testing.T) {
	ctx := context.Background()

	var clarifierCalls atomic.Int32
	client := clientFunc(func(ctx context.Context, role generative.Role, prompt string) (*generative.Output, error) {
		if role == generative.RoleClarifier && clarifierCalls.Add(1) == 1 {
			return nil, spec.NewError(spec.ErrGeneration, "backend hiccup", nil)
		}
		return out(90, rolePayloads[role]), nil
	})
	env := newTestEnvWithClient(t, nil, client)

	s, err := env.engine.CreateAgent(ctx, validRequirements(), "tester")
	require.NoError(t, err)

	driver := NewRetryDriver(env.engine, zap.NewNop())
	driver.initialInterval = time.Millisecond

	final, err := driver.RunWithRetry(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, spec.StatusCompleted, final.Status)
	assert.Equal(t, int32(2), clarifierCalls.Load())
}

func TestRunWithRetryStopsOnUnrecoverableFailure(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int32
	client := clientFunc(func(ctx context.Context, role generative.Role, prompt string) (*generative.Output, error) {
		calls.Add(1)
		// A validation-kind failure is never retried.
		return nil, spec.NewError(spec.ErrValidation, "prompt rejected by backend", nil)
	})
	env := newTestEnvWithClient(t, nil, client)

	s, err := env.engine.CreateAgent(ctx, validRequirements(), "tester")
	require.NoError(t, err)

	driver := NewRetryDriver(env.engine, zap.NewNop())
	driver.initialInterval = time.Millisecond

	final, err := driver.RunWithRetry(ctx, s.ID)
	require.Error(t, err)
	assert.Equal(t, spec.ErrValidation, spec.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
	require.NotNil(t, final)
	assert.Equal(t, spec.StatusFailed, final.Status)
}

func TestRunWithRetryExhaustsBudget(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int32
	client := clientFunc(func(ctx context.Context, role generative.Role, prompt string) (*generative.Output, error) {
		calls.Add(1)
		return nil, spec.NewError(spec.ErrGeneration, "backend down", nil)
	})
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	env := newTestEnvWithClient(t, cfg, client)

	s, err := env.engine.CreateAgent(ctx, validRequirements(), "tester")
	require.NoError(t, err)

	driver := NewRetryDriver(env.engine, zap.NewNop())
	driver.initialInterval = time.Millisecond

	final, err := driver.RunWithRetry(ctx, s.ID)
	require.Error(t, err)
	// Initial attempt plus two retries.
	assert.Equal(t, int32(3), calls.Load())
	require.NotNil(t, final)
	assert.Equal(t, spec.StatusFailed, final.Status)
}
