package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func redactionConfig() RedactionConfig {
	return RedactionConfig{
		Enabled:  true,
		Fields:   DefaultRedactionFields(),
		Patterns: DefaultRedactionPatterns(),
	}
}

func TestRedactingEncoderFields(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc, err := NewRedactingEncoder(base, redactionConfig())
	require.NoError(t, err)

	enc.AddString("password", "hunter2")
	enc.AddString("API_KEY", "sk-123") // case-insensitive
	enc.AddString("phase", "clarification")

	buf, err := enc.EncodeEntry(zapcore.Entry{}, nil)
	require.NoError(t, err)
	out := buf.String()

	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "sk-123")
	assert.Contains(t, out, "clarification")
}

func TestRedactingEncoderPatterns(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc, err := NewRedactingEncoder(base, redactionConfig())
	require.NoError(t, err)

	enc.AddString("contact", "reach me at jane@example.com")
	enc.AddString("id_number", "123-45-6789")
	enc.AddString("callback", "(555) 867-5309")

	buf, err := enc.EncodeEntry(zapcore.Entry{}, nil)
	require.NoError(t, err)
	out := buf.String()

	assert.NotContains(t, out, "jane@example.com")
	assert.NotContains(t, out, "123-45-6789")
	assert.NotContains(t, out, "867-5309")
	assert.Contains(t, out, "[REDACTED:pattern]")
}

func TestRedactingEncoderInvalidPattern(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	_, err := NewRedactingEncoder(base, RedactionConfig{
		Enabled:  true,
		Patterns: []string{"("},
	})
	assert.Error(t, err)
}

func TestRedactMapRecursive(t *testing.T) {
	in := map[string]any{
		"name":  "Audience Bot",
		"email": "someone@example.com",
		"requirements": map[string]any{
			"purpose": "contact ops@example.com for details",
			"token":   "abc123",
			"nested": []any{
				map[string]any{"ssn": "987-65-4321"},
				"plain value",
			},
		},
	}

	out := RedactMap(in, redactionConfig())

	assert.Equal(t, "Audience Bot", out["name"])
	assert.Equal(t, "[REDACTED]", out["email"])

	req := out["requirements"].(map[string]any)
	assert.Equal(t, "[REDACTED]", req["token"])
	assert.NotContains(t, req["purpose"].(string), "ops@example.com")

	nested := req["nested"].([]any)
	assert.Equal(t, "[REDACTED]", nested[0].(map[string]any)["ssn"])
	assert.Equal(t, "plain value", nested[1])

	// Input untouched.
	assert.Equal(t, "someone@example.com", in["email"])
}

func TestRedactMapDisabled(t *testing.T) {
	in := map[string]any{"email": "x@y.com"}
	out := RedactMap(in, RedactionConfig{Enabled: false})
	assert.Equal(t, "x@y.com", out["email"])
}

func TestSecretField(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	logger.Info("auth", Secret("api_key", "sk-very-secret"))

	entries := observed.All()
	require.Len(t, entries, 1)
	m := entries[0].ContextMap()
	inner, ok := m["api_key"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED:14]", inner["api_key"])
}
