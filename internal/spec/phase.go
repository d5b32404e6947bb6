package spec

import "fmt"

// Phase identifies one stage of the generation pipeline. Phases execute
// strictly in the order returned by AllPhases.
type Phase string

const (
	PhaseClarification       Phase = "clarification"
	PhaseDocumentation       Phase = "documentation"
	PhaseParallelDevelopment Phase = "parallel_development"
	PhaseImplementation      Phase = "implementation"
	PhaseValidation          Phase = "validation"
	PhaseDelivery            Phase = "delivery"
)

// AllPhases returns the execution phases in pipeline order.
func AllPhases() []Phase {
	return []Phase{
		PhaseClarification,
		PhaseDocumentation,
		PhaseParallelDevelopment,
		PhaseImplementation,
		PhaseValidation,
		PhaseDelivery,
	}
}

// ValidPhase reports whether p names a known execution phase.
func ValidPhase(p Phase) bool {
	for _, known := range AllPhases() {
		if p == known {
			return true
		}
	}
	return false
}

// Index returns the zero-based pipeline position of p, or -1 for an
// unknown phase.
func (p Phase) Index() int {
	for i, known := range AllPhases() {
		if p == known {
			return i
		}
	}
	return -1
}

// Next returns the phase that follows p. ok is false when p is the
// final phase or unknown.
func (p Phase) Next() (next Phase, ok bool) {
	phases := AllPhases()
	i := p.Index()
	if i < 0 || i+1 >= len(phases) {
		return "", false
	}
	return phases[i+1], true
}

func (p Phase) String() string { return string(p) }

// Subphase identifies one branch of the parallel_development fan-out.
type Subphase string

const (
	SubphasePromptEngineering    Subphase = "prompt_engineering"
	SubphaseToolIntegration      Subphase = "tool_integration"
	SubphaseDependencyManagement Subphase = "dependency_management"
)

// AllSubphases returns the parallel_development branches in a stable
// order used for result aggregation.
func AllSubphases() []Subphase {
	return []Subphase{
		SubphasePromptEngineering,
		SubphaseToolIntegration,
		SubphaseDependencyManagement,
	}
}

// ValidSubphase reports whether s names a known fan-out branch.
func ValidSubphase(s Subphase) bool {
	switch s {
	case SubphasePromptEngineering, SubphaseToolIntegration, SubphaseDependencyManagement:
		return true
	}
	return false
}

// ParsePhase converts a wire string into a Phase, rejecting unknown
// values so malformed records cannot masquerade as pipeline stages.
func ParsePhase(raw string) (Phase, error) {
	p := Phase(raw)
	if !ValidPhase(p) {
		return "", fmt.Errorf("unknown phase %q", raw)
	}
	return p, nil
}
