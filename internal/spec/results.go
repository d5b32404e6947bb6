package spec

import (
	"encoding/json"
	"fmt"
	"time"
)

// Confidence bounds for phase results. Values outside the range are
// rejected at construction, never clamped.
const (
	MinConfidence = 0.0
	MaxConfidence = 100.0
)

// ClarificationResult refines the raw purpose into concrete success
// criteria before any documentation is written.
type ClarificationResult struct {
	RefinedPurpose  string   `json:"refined_purpose"`
	TargetUsers     []string `json:"target_users"`
	SuccessCriteria []string `json:"success_criteria"`
	OpenQuestions   []string `json:"open_questions,omitempty"`
}

// DocumentationResult is the human-facing description of the agent.
type DocumentationResult struct {
	Overview      string   `json:"overview"`
	Capabilities  []string `json:"capabilities"`
	Limitations   []string `json:"limitations"`
	UsageExamples []string `json:"usage_examples,omitempty"`
}

// PromptEngineeringResult is the prompt_engineering fan-out branch.
type PromptEngineeringResult struct {
	SystemPrompt string   `json:"system_prompt"`
	DesignNotes  []string `json:"design_notes,omitempty"`
}

// ToolSpec describes one tool the agent is wired to.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Endpoint    string `json:"endpoint,omitempty"`
}

// ToolIntegrationResult is the tool_integration fan-out branch.
type ToolIntegrationResult struct {
	Tools []ToolSpec `json:"tools"`
}

// DependencySpec pins one external dependency of the agent.
type DependencySpec struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

// DependencyManagementResult is the dependency_management fan-out
// branch.
type DependencyManagementResult struct {
	Dependencies []DependencySpec `json:"dependencies"`
}

// ParallelDevelopmentResult aggregates the three fan-out branches once
// all of them succeed.
type ParallelDevelopmentResult struct {
	PromptEngineering    *PromptEngineeringResult    `json:"prompt_engineering"`
	ToolIntegration      *ToolIntegrationResult      `json:"tool_integration"`
	DependencyManagement *DependencyManagementResult `json:"dependency_management"`
}

// ImplementationResult is the deployable agent configuration.
type ImplementationResult struct {
	SystemPrompt string            `json:"system_prompt"`
	Model        string            `json:"model"`
	Temperature  float64           `json:"temperature"`
	Tools        []ToolSpec        `json:"tools,omitempty"`
	Dependencies []DependencySpec  `json:"dependencies,omitempty"`
	Settings     map[string]string `json:"settings,omitempty"`
}

// ValidationCheck records one quality-gate check over the
// implementation.
type ValidationCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ValidationResult reports the quality-gate outcome.
type ValidationResult struct {
	Passed bool              `json:"passed"`
	Checks []ValidationCheck `json:"checks"`
	Issues []string          `json:"issues,omitempty"`
}

// DeliveryResult packages the finished agent for handoff.
type DeliveryResult struct {
	ArtifactID   string   `json:"artifact_id"`
	Summary      string   `json:"summary"`
	Instructions []string `json:"instructions,omitempty"`
}

// ResourceDelta is the consumption of a single phase execution, folded
// into hourly ResourceUsage buckets by the persistence gateway.
type ResourceDelta struct {
	GenerativeCalls int64   `json:"generative_calls"`
	PersistenceOps  int64   `json:"persistence_ops"`
	TokensUsed      int64   `json:"tokens_used"`
	EstimatedCost   float64 `json:"estimated_cost"`
}

// Add folds another delta into d.
func (d *ResourceDelta) Add(other ResourceDelta) {
	d.GenerativeCalls += other.GenerativeCalls
	d.PersistenceOps += other.PersistenceOps
	d.TokensUsed += other.TokensUsed
	d.EstimatedCost += other.EstimatedCost
}

// PhaseResult is the durable record of one phase (or fan-out branch)
// execution. Payload holds the typed result serialized as JSON; the
// concrete type is determined by Phase and Subphase.
type PhaseResult struct {
	SpecificationID  string          `json:"specification_id"`
	Phase            Phase           `json:"phase"`
	Subphase         Subphase        `json:"subphase,omitempty"`
	Success          bool            `json:"success"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Confidence       float64         `json:"confidence"`
	RequiresApproval bool            `json:"requires_approval"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	ExecutionTime    time.Duration   `json:"execution_time"`
	Resources        ResourceDelta   `json:"resources"`
	CreatedAt        time.Time       `json:"created_at"`
}

// NewPhaseResult constructs a successful result record, serializing the
// typed payload and rejecting out-of-range confidence.
func NewPhaseResult(specID string, phase Phase, subphase Subphase, payload any, confidence float64) (*PhaseResult, error) {
	if confidence < MinConfidence || confidence > MaxConfidence {
		return nil, NewError(ErrGeneration,
			fmt.Sprintf("confidence %.2f outside [%.0f, %.0f]", confidence, MinConfidence, MaxConfidence), nil).
			WithSpecification(specID, phase)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError(ErrSystem, "encode phase payload", err).WithSpecification(specID, phase)
	}
	return &PhaseResult{
		SpecificationID: specID,
		Phase:           phase,
		Subphase:        subphase,
		Success:         true,
		Payload:         raw,
		Confidence:      confidence,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// NewFailedPhaseResult records a failed execution. Failed results never
// carry a payload.
func NewFailedPhaseResult(specID string, phase Phase, subphase Subphase, reason string) *PhaseResult {
	return &PhaseResult{
		SpecificationID: specID,
		Phase:           phase,
		Subphase:        subphase,
		Success:         false,
		FailureReason:   reason,
		CreatedAt:       time.Now().UTC(),
	}
}

// DecodePayload unmarshals the stored payload into out, which must be a
// pointer to the result type matching the record's phase.
func (r *PhaseResult) DecodePayload(out any) error {
	if len(r.Payload) == 0 {
		return NewError(ErrSystem, "phase result has no payload", nil).
			WithSpecification(r.SpecificationID, r.Phase)
	}
	if err := json.Unmarshal(r.Payload, out); err != nil {
		return NewError(ErrSystem, "decode phase payload", err).
			WithSpecification(r.SpecificationID, r.Phase)
	}
	return nil
}
