package spec

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalAction is the reviewer's decision on a pending request.
type ApprovalAction string

const (
	ApprovalApprove ApprovalAction = "approve"
	ApprovalReject  ApprovalAction = "reject"
)

// ApprovalRequest is raised when a phase completes below the
// auto-approval threshold. It stays queryable after expiry so auditors
// can see what lapsed unresolved.
type ApprovalRequest struct {
	ID              string    `json:"id"`
	SpecificationID string    `json:"specification_id"`
	Phase           Phase     `json:"phase"`
	Subphase        Subphase  `json:"subphase,omitempty"`
	Confidence      float64   `json:"confidence"`
	Threshold       float64   `json:"threshold"`
	Reason          string    `json:"reason"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`

	// Resolution is nil while the request is pending.
	Resolution *ApprovalResponse `json:"resolution,omitempty"`
}

// NewApprovalRequest mints a pending request with the given TTL.
func NewApprovalRequest(specID string, phase Phase, subphase Subphase, confidence, threshold float64, reason string, ttl time.Duration) *ApprovalRequest {
	now := time.Now().UTC()
	return &ApprovalRequest{
		ID:              uuid.NewString(),
		SpecificationID: specID,
		Phase:           phase,
		Subphase:        subphase,
		Confidence:      confidence,
		Threshold:       threshold,
		Reason:          reason,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
}

// Pending reports whether the request still awaits a decision.
func (r *ApprovalRequest) Pending() bool { return r.Resolution == nil }

// Expired reports whether the request lapsed before now without a
// decision. A resolved request never expires.
func (r *ApprovalRequest) Expired(now time.Time) bool {
	return r.Resolution == nil && now.After(r.ExpiresAt)
}

// ApprovalResponse is the immutable record of a reviewer decision.
type ApprovalResponse struct {
	RequestID  string         `json:"request_id"`
	Action     ApprovalAction `json:"action"`
	Reviewer   string         `json:"reviewer"`
	Feedback   string         `json:"feedback,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at"`
}
