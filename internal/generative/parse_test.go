package generative

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentfactory/internal/spec"
)

func TestExtractEnvelope(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantErr    string
		confidence float64
	}{
		{
			name:       "bare json",
			content:    `{"confidence": 92, "result": {"overview": "an agent"}}`,
			confidence: 92,
		},
		{
			name:       "fenced json",
			content:    "```json\n{\"confidence\": 75.5, \"result\": {\"passed\": true}}\n```",
			confidence: 75.5,
		},
		{
			name:       "fenced without language tag",
			content:    "```\n{\"confidence\": 0, \"result\": {}}\n```",
			confidence: 0,
		},
		{
			name:       "confidence at upper bound",
			content:    `{"confidence": 100, "result": {}}`,
			confidence: 100,
		},
		{
			name:    "prose response",
			content: "I think the agent should focus on lead scoring.",
			wantErr: "not a JSON envelope",
		},
		{
			name:    "empty response",
			content: "   ",
			wantErr: "empty model response",
		},
		{
			name:    "missing confidence",
			content: `{"result": {"overview": "an agent"}}`,
			wantErr: "missing confidence",
		},
		{
			name:    "confidence above range",
			content: `{"confidence": 101, "result": {}}`,
			wantErr: "outside [0, 100]",
		},
		{
			name:    "confidence below range",
			content: `{"confidence": -3, "result": {}}`,
			wantErr: "outside [0, 100]",
		},
		{
			name:    "missing result",
			content: `{"confidence": 88}`,
			wantErr: "missing result",
		},
		{
			name:    "null result",
			content: `{"confidence": 88, "result": null}`,
			wantErr: "missing result",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ExtractEnvelope(tt.content)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, spec.ErrGeneration, spec.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.confidence, *env.Confidence, 0.001)
			assert.NotEmpty(t, env.Result)
		})
	}
}

func TestRoleProfilesComplete(t *testing.T) {
	require.Len(t, AllRoles(), 8)
	for _, role := range AllRoles() {
		prompt, err := role.SystemPrompt()
		require.NoError(t, err, role)
		assert.Contains(t, prompt, `"confidence"`, "envelope instructions must be appended")

		temp, err := role.Temperature()
		require.NoError(t, err, role)
		assert.GreaterOrEqual(t, temp, 0.1)
		assert.LessOrEqual(t, temp, 0.3)
	}

	_, err := Role("poet").SystemPrompt()
	assert.Error(t, err)
}

func TestAnalyticalRolesRunColder(t *testing.T) {
	cold := []Role{RoleToolIntegrator, RoleDependencyPlanner, RoleImplementer, RoleValidator}
	for _, role := range cold {
		temp, err := role.Temperature()
		require.NoError(t, err)
		assert.InDeltaf(t, 0.1, temp, 0.001, "%s should be near-deterministic", role)
	}

	warm, err := RoleClarifier.Temperature()
	require.NoError(t, err)
	assert.Greater(t, warm, 0.1)
}
