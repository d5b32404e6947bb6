package spec

import (
	"time"

	"github.com/google/uuid"
)

// Specification is the aggregate tracked end to end by the factory:
// the immutable requirements plus the evolving pipeline position.
type Specification struct {
	ID            string            `json:"id"`
	Requirements  AgentRequirements `json:"requirements"`
	CurrentPhase  Phase             `json:"current_phase"`
	Status        Status            `json:"status"`
	FailureReason string            `json:"failure_reason,omitempty"`
	CreatedBy     string            `json:"created_by,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewSpecification validates the requirements and mints a new aggregate
// in not_started/clarification. No generative work happens here.
func NewSpecification(req AgentRequirements, createdBy string) (*Specification, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Specification{
		ID:           uuid.NewString(),
		Requirements: req,
		CurrentPhase: PhaseClarification,
		Status:       StatusNotStarted,
		CreatedBy:    createdBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// SetStatus applies a lifecycle transition, stamping UpdatedAt. Illegal
// edges leave the aggregate untouched.
func (s *Specification) SetStatus(to Status) error {
	next, err := Transition(s.Status, to)
	if err != nil {
		return NewError(ErrSystem, err.Error(), nil).WithSpecification(s.ID, s.CurrentPhase)
	}
	s.Status = next
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// AdvancePhase moves the pipeline pointer to the next phase. ok is
// false when the current phase was the last one.
func (s *Specification) AdvancePhase() (ok bool) {
	next, ok := s.CurrentPhase.Next()
	if !ok {
		return false
	}
	s.CurrentPhase = next
	s.UpdatedAt = time.Now().UTC()
	return true
}

// Fail marks the specification failed with an operator-visible reason.
func (s *Specification) Fail(reason string) error {
	if err := s.SetStatus(StatusFailed); err != nil {
		return err
	}
	s.FailureReason = reason
	return nil
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (s *Specification) Clone() *Specification {
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
