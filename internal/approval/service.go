// Package approval implements the human-review gate. Phase results
// whose confidence falls below the auto-approval threshold raise an
// ApprovalRequest; the pipeline stays in awaiting_approval until a
// reviewer resolves it or the request expires.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentfactory/internal/persistence"
	"github.com/fyrsmithlabs/agentfactory/internal/spec"
)

const instrumentationName = "github.com/fyrsmithlabs/agentfactory/internal/approval"

// Service manages the approval lifecycle.
type Service interface {
	// Request raises a pending approval for a low-confidence result.
	Request(ctx context.Context, specID string, phase spec.Phase, subphase spec.Subphase, confidence, threshold float64) (*spec.ApprovalRequest, error)

	// Resolve records a reviewer decision. Already-resolved and expired
	// requests are rejected.
	Resolve(ctx context.Context, requestID string, action spec.ApprovalAction, reviewer, feedback string) (*spec.ApprovalRequest, error)

	// Get returns a single request by ID.
	Get(ctx context.Context, requestID string) (*spec.ApprovalRequest, error)

	// ListPending returns unresolved, unexpired requests; an empty
	// specID matches all specifications.
	ListPending(ctx context.Context, specID string) ([]*spec.ApprovalRequest, error)

	// ListExpired returns requests that lapsed without a decision.
	ListExpired(ctx context.Context, specID string) ([]*spec.ApprovalRequest, error)

	// Close closes the service.
	Close() error
}

// Config tunes the gate.
type Config struct {
	// TTL is how long a request stays resolvable (default: 24h).
	TTL time.Duration
}

// DefaultConfig returns the default gate configuration.
func DefaultConfig() *Config {
	return &Config{TTL: 24 * time.Hour}
}

// service implements Service.
type service struct {
	config  *Config
	gateway persistence.Gateway
	logger  *zap.Logger

	// now is swapped in tests to control expiry.
	now func() time.Time

	tracer          trace.Tracer
	meter           metric.Meter
	requestCounter  metric.Int64Counter
	resolvedCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewService creates the approval gate over the persistence gateway.
func NewService(cfg *Config, gw persistence.Gateway, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if gw == nil {
		return nil, errors.New("persistence gateway is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:  cfg,
		gateway: gw,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.requestCounter, err = s.meter.Int64Counter(
		"factoryd.approval.requests_total",
		metric.WithDescription("Approval requests raised"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		s.logger.Warn("failed to create request counter", zap.Error(err))
	}

	s.resolvedCounter, err = s.meter.Int64Counter(
		"factoryd.approval.resolutions_total",
		metric.WithDescription("Approval requests resolved"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		s.logger.Warn("failed to create resolution counter", zap.Error(err))
	}
}

func (s *service) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *service) Request(ctx context.Context, specID string, phase spec.Phase, subphase spec.Subphase, confidence, threshold float64) (*spec.ApprovalRequest, error) {
	ctx, span := s.tracer.Start(ctx, "approval.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("specification_id", specID),
		attribute.String("phase", phase.String()),
		attribute.Float64("confidence", confidence),
	)

	if s.isClosed() {
		return nil, errors.New("service is closed")
	}

	reason := fmt.Sprintf("confidence %.1f below threshold %.1f", confidence, threshold)
	req := spec.NewApprovalRequest(specID, phase, subphase, confidence, threshold, reason, s.config.TTL)

	if err := s.gateway.SaveApproval(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.requestCounter != nil {
		s.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase.String())))
	}
	s.logger.Info("approval requested",
		zap.String("approval_id", req.ID),
		zap.String("specification_id", specID),
		zap.String("phase", phase.String()),
		zap.Float64("confidence", confidence),
	)
	return req, nil
}

func (s *service) Resolve(ctx context.Context, requestID string, action spec.ApprovalAction, reviewer, feedback string) (*spec.ApprovalRequest, error) {
	ctx, span := s.tracer.Start(ctx, "approval.resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("approval_id", requestID),
		attribute.String("action", string(action)),
	)

	if s.isClosed() {
		return nil, errors.New("service is closed")
	}
	if action != spec.ApprovalApprove && action != spec.ApprovalReject {
		return nil, spec.NewError(spec.ErrValidation, fmt.Sprintf("unknown approval action %q", action), nil)
	}
	if reviewer == "" {
		return nil, spec.NewError(spec.ErrValidation, "reviewer is required", nil)
	}

	req, err := s.gateway.GetApproval(ctx, requestID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !req.Pending() {
		return nil, spec.NewError(spec.ErrApproval, "approval already resolved", nil).
			WithSpecification(req.SpecificationID, req.Phase)
	}
	if req.Expired(s.now()) {
		return nil, spec.NewError(spec.ErrApproval, "approval request has expired", nil).
			WithSpecification(req.SpecificationID, req.Phase)
	}

	req.Resolution = &spec.ApprovalResponse{
		RequestID:  req.ID,
		Action:     action,
		Reviewer:   reviewer,
		Feedback:   feedback,
		ResolvedAt: s.now(),
	}
	if err := s.gateway.SaveApproval(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.resolvedCounter != nil {
		s.resolvedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(action))))
	}
	s.logger.Info("approval resolved",
		zap.String("approval_id", req.ID),
		zap.String("action", string(action)),
		zap.String("reviewer", reviewer),
	)
	return req, nil
}

func (s *service) Get(ctx context.Context, requestID string) (*spec.ApprovalRequest, error) {
	if s.isClosed() {
		return nil, errors.New("service is closed")
	}
	return s.gateway.GetApproval(ctx, requestID)
}

func (s *service) ListPending(ctx context.Context, specID string) ([]*spec.ApprovalRequest, error) {
	if s.isClosed() {
		return nil, errors.New("service is closed")
	}
	all, err := s.gateway.ListApprovals(ctx, specID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]*spec.ApprovalRequest, 0, len(all))
	for _, req := range all {
		if req.Pending() && !req.Expired(now) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (s *service) ListExpired(ctx context.Context, specID string) ([]*spec.ApprovalRequest, error) {
	if s.isClosed() {
		return nil, errors.New("service is closed")
	}
	all, err := s.gateway.ListApprovals(ctx, specID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]*spec.ApprovalRequest, 0)
	for _, req := range all {
		if req.Expired(now) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
