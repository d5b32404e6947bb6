package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/agentfactory/internal/generative"
	"github.com/fyrsmithlabs/agentfactory/internal/spec"
)

// roleForPhase maps sequential phases to their generation role. The
// fan-out branches are mapped separately in roleForSubphase.
func roleForPhase(p spec.Phase) (generative.Role, error) {
	switch p {
	case spec.PhaseClarification:
		return generative.RoleClarifier, nil
	case spec.PhaseDocumentation:
		return generative.RoleDocumenter, nil
	case spec.PhaseImplementation:
		return generative.RoleImplementer, nil
	case spec.PhaseValidation:
		return generative.RoleValidator, nil
	case spec.PhaseDelivery:
		return generative.RoleDeliveryManager, nil
	}
	return "", fmt.Errorf("phase %q has no single role", p)
}

func roleForSubphase(sp spec.Subphase) (generative.Role, error) {
	switch sp {
	case spec.SubphasePromptEngineering:
		return generative.RolePromptEngineer, nil
	case spec.SubphaseToolIntegration:
		return generative.RoleToolIntegrator, nil
	case spec.SubphaseDependencyManagement:
		return generative.RoleDependencyPlanner, nil
	}
	return "", fmt.Errorf("unknown subphase %q", sp)
}

// promptContext carries everything a phase prompt can draw on: the
// immutable requirements plus the payloads of every completed phase.
type promptContext struct {
	requirements spec.AgentRequirements
	results      map[string]json.RawMessage
}

func newPromptContext(s *spec.Specification, results []*spec.PhaseResult) *promptContext {
	pc := &promptContext{
		requirements: s.Requirements,
		results:      make(map[string]json.RawMessage),
	}
	for _, r := range results {
		if !r.Success {
			continue
		}
		key := r.Phase.String()
		if r.Subphase != "" {
			key = key + "/" + string(r.Subphase)
		}
		pc.results[key] = r.Payload
	}
	return pc
}

// buildUserPrompt assembles the user prompt for a phase or fan-out
// branch: the requirements block first, then the prior outputs the role
// needs, in pipeline order.
func (pc *promptContext) buildUserPrompt(phase spec.Phase, subphase spec.Subphase) string {
	var b strings.Builder

	b.WriteString("Agent requirements:\n")
	b.WriteString(pc.requirementsBlock())

	for _, dep := range promptInputs(phase, subphase) {
		if raw, ok := pc.results[dep]; ok {
			fmt.Fprintf(&b, "\n\nOutput of %s:\n%s", dep, string(raw))
		}
	}
	return b.String()
}

func (pc *promptContext) requirementsBlock() string {
	raw, err := json.MarshalIndent(pc.requirements, "", "  ")
	if err != nil {
		// Requirements are plain strings and enums; this cannot fail in
		// practice, but a prompt must never be silently empty.
		return fmt.Sprintf("name: %s\npurpose: %s", pc.requirements.Name, pc.requirements.Purpose)
	}
	return string(raw)
}

// promptInputs lists the earlier outputs each execution consumes.
func promptInputs(phase spec.Phase, subphase spec.Subphase) []string {
	clar := spec.PhaseClarification.String()
	doc := spec.PhaseDocumentation.String()
	par := spec.PhaseParallelDevelopment.String()

	switch phase {
	case spec.PhaseClarification:
		return nil
	case spec.PhaseDocumentation:
		return []string{clar}
	case spec.PhaseParallelDevelopment:
		// All three branches see the same design inputs.
		_ = subphase
		return []string{clar, doc}
	case spec.PhaseImplementation:
		return []string{
			clar,
			doc,
			par + "/" + string(spec.SubphasePromptEngineering),
			par + "/" + string(spec.SubphaseToolIntegration),
			par + "/" + string(spec.SubphaseDependencyManagement),
		}
	case spec.PhaseValidation:
		return []string{doc, spec.PhaseImplementation.String()}
	case spec.PhaseDelivery:
		return []string{doc, spec.PhaseImplementation.String(), spec.PhaseValidation.String()}
	}
	return nil
}
