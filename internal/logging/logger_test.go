package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerValidatesConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestContextFieldInjection(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithActorID(ctx, "reviewer-7")
	ctx = WithSpecificationID(ctx, "spec-42")

	tl.Info(ctx, "phase completed", zap.String("phase", "documentation"))

	tl.AssertLogged(t, zapcore.InfoLevel, "phase completed")
	tl.AssertField(t, "phase completed", "correlation.id", "corr-1")
	tl.AssertField(t, "phase completed", "actor.id", "reviewer-7")
	tl.AssertField(t, "phase completed", "specification.id", "spec-42")
}

func TestContextIDValidation(t *testing.T) {
	assert.Panics(t, func() { WithCorrelationID(context.Background(), "") })
	assert.Panics(t, func() { WithActorID(context.Background(), "bad actor!") })
	assert.NotPanics(t, func() { WithSpecificationID(context.Background(), "spec_1-a") })
}

func TestAuditRedactsContext(t *testing.T) {
	tl := NewTestLogger()

	tl.Audit(context.Background(), "specification.created", map[string]any{
		"creator": "ops@example.com",
		"name":    "Audience Bot",
	})

	entries := tl.Entries()
	require.Len(t, entries, 1)
	m := entries[0].ContextMap()
	assert.Equal(t, "specification.created", m["audit.action"])

	auditCtx, ok := m["audit.context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Audience Bot", auditCtx["name"])
	assert.NotContains(t, auditCtx["creator"].(string), "ops@example.com")
}

func TestChildLoggers(t *testing.T) {
	tl := NewTestLogger()

	child := tl.Named("engine").With(zap.String("phase", "delivery"))
	child.Info(context.Background(), "done")

	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "engine", entries[0].LoggerName)
	assert.Equal(t, "delivery", entries[0].ContextMap()["phase"])
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("shout")
	assert.Error(t, err)
}

func TestFromContextFallback(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	// Must be usable without panicking.
	logger.Info(context.Background(), "noop")
}
