// Package store provides durable persistence for factory state. Two
// implementations exist: an in-memory store for tests and single-node
// development, and a NATS JetStream key-value store for deployments
// that need durability across restarts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/agentfactory/internal/spec"
)

var (
	// ErrNotFound is returned when a lookup misses.
	ErrNotFound = errors.New("store: not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
	// ErrConflict is returned when an optimistic write loses its race
	// after all retries.
	ErrConflict = errors.New("store: write conflict")
)

// Store is the durability boundary beneath the persistence gateway.
// Implementations must be safe for concurrent use.
type Store interface {
	// PutSpecification writes the aggregate, replacing any prior
	// version.
	PutSpecification(ctx context.Context, s *spec.Specification) error
	// GetSpecification returns ErrNotFound on a miss.
	GetSpecification(ctx context.Context, id string) (*spec.Specification, error)
	// ListSpecifications returns every stored aggregate, newest first.
	ListSpecifications(ctx context.Context) ([]*spec.Specification, error)

	// AppendPhaseResult adds a result to the specification's
	// append-only history.
	AppendPhaseResult(ctx context.Context, r *spec.PhaseResult) error
	// ListPhaseResults returns results in append order.
	ListPhaseResults(ctx context.Context, specID string) ([]*spec.PhaseResult, error)

	// PutApproval writes an approval request, replacing any prior
	// version (used both for creation and resolution).
	PutApproval(ctx context.Context, req *spec.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*spec.ApprovalRequest, error)
	// ListApprovals returns every approval request for the
	// specification; an empty specID returns all of them.
	ListApprovals(ctx context.Context, specID string) ([]*spec.ApprovalRequest, error)

	// AppendAuditEvent adds to the operational stream. Callers treat
	// failures as non-fatal.
	AppendAuditEvent(ctx context.Context, ev *spec.AuditEvent) error
	// ListAuditEvents returns events for the specification in append
	// order.
	ListAuditEvents(ctx context.Context, specID string) ([]*spec.AuditEvent, error)

	// MergeUsage folds a delta into the specification's bucket for the
	// given hour.
	MergeUsage(ctx context.Context, specID string, bucket time.Time, delta spec.ResourceDelta) error
	// ListUsage returns hourly buckets in chronological order.
	ListUsage(ctx context.Context, specID string) ([]*spec.ResourceUsage, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}
