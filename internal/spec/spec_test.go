package spec

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequirements() AgentRequirements {
	return AgentRequirements{
		Name:       "Lead Qualifier",
		Purpose:    "Scores inbound leads against the ideal customer profile",
		Domain:     DomainLeadScoring,
		Complexity: ComplexityMedium,
	}
}

func TestAgentRequirementsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AgentRequirements)
		wantErr string
	}{
		{name: "valid", mutate: func(r *AgentRequirements) {}},
		{
			name:    "name too short",
			mutate:  func(r *AgentRequirements) { r.Name = "ab" },
			wantErr: "name must be",
		},
		{
			name:    "name too long",
			mutate:  func(r *AgentRequirements) { r.Name = strings.Repeat("x", 101) },
			wantErr: "name must be",
		},
		{
			name:    "purpose too short",
			mutate:  func(r *AgentRequirements) { r.Purpose = "too short" },
			wantErr: "purpose must be",
		},
		{
			name:    "purpose too long",
			mutate:  func(r *AgentRequirements) { r.Purpose = strings.Repeat("x", 501) },
			wantErr: "purpose must be",
		},
		{
			name:    "unknown domain",
			mutate:  func(r *AgentRequirements) { r.Domain = "finance" },
			wantErr: "unknown domain",
		},
		{
			name:    "unknown complexity",
			mutate:  func(r *AgentRequirements) { r.Complexity = "extreme" },
			wantErr: "unknown complexity",
		},
		{
			name:    "unknown compliance level",
			mutate:  func(r *AgentRequirements) { r.ComplianceLevel = "lax" },
			wantErr: "unknown compliance",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequirements()
			req.Normalize()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, ErrValidation, KindOf(err))
		})
	}
}

func TestNormalizeDefaultsComplianceLevel(t *testing.T) {
	req := validRequirements()
	req.Normalize()
	assert.Equal(t, ComplianceEnterprise, req.ComplianceLevel)
}

func TestPhaseOrdering(t *testing.T) {
	phases := AllPhases()
	require.Len(t, phases, 6)
	assert.Equal(t, PhaseClarification, phases[0])
	assert.Equal(t, PhaseDelivery, phases[5])

	next, ok := PhaseClarification.Next()
	require.True(t, ok)
	assert.Equal(t, PhaseDocumentation, next)

	_, ok = PhaseDelivery.Next()
	assert.False(t, ok, "delivery is the final phase")

	_, err := ParsePhase("deployment")
	assert.Error(t, err)
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusNotStarted, StatusInProgress, true},
		{StatusNotStarted, StatusCompleted, false},
		{StatusInProgress, StatusAwaitingApproval, true},
		{StatusInProgress, StatusPaused, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusAwaitingApproval, StatusInProgress, true},
		{StatusAwaitingApproval, StatusCompleted, false},
		{StatusPaused, StatusInProgress, true},
		{StatusPaused, StatusCancelled, true},
		{StatusCompleted, StatusInProgress, false},
		{StatusFailed, StatusInProgress, false},
		{StatusCancelled, StatusInProgress, false},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.allowed, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []Status{StatusNotStarted, StatusInProgress, StatusAwaitingApproval, StatusPaused} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestNewSpecification(t *testing.T) {
	s, err := NewSpecification(validRequirements(), "tester")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StatusNotStarted, s.Status)
	assert.Equal(t, PhaseClarification, s.CurrentPhase)

	bad := validRequirements()
	bad.Name = "x"
	_, err = NewSpecification(bad, "tester")
	assert.Error(t, err)
}

func TestSpecificationTransitions(t *testing.T) {
	s, err := NewSpecification(validRequirements(), "tester")
	require.NoError(t, err)

	require.NoError(t, s.SetStatus(StatusInProgress))
	assert.Error(t, s.SetStatus(StatusNotStarted), "cannot go backwards")
	assert.Equal(t, StatusInProgress, s.Status)

	require.NoError(t, s.Fail("generative backend unreachable"))
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, "generative backend unreachable", s.FailureReason)
	assert.Error(t, s.SetStatus(StatusInProgress), "failed is terminal")
}

func TestSpecificationClone(t *testing.T) {
	s, err := NewSpecification(validRequirements(), "tester")
	require.NoError(t, err)
	s.Metadata = map[string]string{"team": "growth"}

	cp := s.Clone()
	cp.Metadata["team"] = "ops"
	assert.Equal(t, "growth", s.Metadata["team"])
}

func TestNewPhaseResult(t *testing.T) {
	payload := &ClarificationResult{RefinedPurpose: "score leads", SuccessCriteria: []string{"precision > 0.8"}}

	r, err := NewPhaseResult("spec-1", PhaseClarification, "", payload, 90)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.InDelta(t, 90, r.Confidence, 0.001)

	var decoded ClarificationResult
	require.NoError(t, r.DecodePayload(&decoded))
	assert.Equal(t, "score leads", decoded.RefinedPurpose)

	_, err = NewPhaseResult("spec-1", PhaseClarification, "", payload, 100.5)
	assert.Error(t, err, "confidence above range")
	_, err = NewPhaseResult("spec-1", PhaseClarification, "", payload, -1)
	assert.Error(t, err, "confidence below range")
}

func TestFailedPhaseResultHasNoPayload(t *testing.T) {
	r := NewFailedPhaseResult("spec-1", PhaseValidation, "", "model returned prose")
	assert.False(t, r.Success)
	assert.Empty(t, r.Payload)

	var out ValidationResult
	assert.Error(t, r.DecodePayload(&out))
}

func TestFactoryErrorDefaults(t *testing.T) {
	tests := []struct {
		kind        ErrorKind
		recoverable bool
	}{
		{ErrValidation, false},
		{ErrGeneration, true},
		{ErrPersistence, true},
		{ErrTimeout, true},
		{ErrApproval, false},
		{ErrSystem, false},
	}
	for _, tt := range tests {
		e := NewError(tt.kind, "boom", nil)
		assert.Equalf(t, tt.recoverable, e.Recoverable, "%s", tt.kind)
		assert.NotEmpty(t, e.SuggestedAction)
	}
}

func TestApprovalRequestExpiry(t *testing.T) {
	req := NewApprovalRequest("spec-1", PhaseClarification, "", 60, 85, "confidence below threshold", time.Hour)
	assert.True(t, req.Pending())
	assert.False(t, req.Expired(time.Now()))
	assert.True(t, req.Expired(time.Now().Add(2*time.Hour)))

	req.Resolution = &ApprovalResponse{RequestID: req.ID, Action: ApprovalApprove, Reviewer: "ops", ResolvedAt: time.Now()}
	assert.False(t, req.Pending())
	assert.False(t, req.Expired(time.Now().Add(2*time.Hour)), "resolved requests never expire")
}

func TestUsageBucket(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	at := time.Date(2026, 3, 14, 15, 42, 5, 0, loc)
	bucket := UsageBucket(at)
	assert.Equal(t, time.UTC, bucket.Location())
	assert.Equal(t, 13, bucket.Hour())
	assert.Zero(t, bucket.Minute())
}
