// Package engine drives specifications through the generation
// pipeline: six phases in fixed order, a three-way fan-out in the
// middle, confidence gating against the auto-approval threshold, and
// lifecycle control (pause, resume, cancel) between phases.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentfactory/internal/approval"
	"github.com/fyrsmithlabs/agentfactory/internal/generative"
	"github.com/fyrsmithlabs/agentfactory/internal/persistence"
	"github.com/fyrsmithlabs/agentfactory/internal/spec"
)

const instrumentationName = "github.com/fyrsmithlabs/agentfactory/internal/engine"

// StatusReport is the full externally visible state of one
// specification, assembled from durable records only.
type StatusReport struct {
	Specification    *spec.Specification     `json:"specification"`
	Results          []*spec.PhaseResult     `json:"results"`
	PendingApprovals []*spec.ApprovalRequest `json:"pending_approvals"`
	Usage            []*spec.ResourceUsage   `json:"usage"`
}

// Health summarizes whether the engine can make progress: store and
// generation-endpoint reachability, config validity, and liveness.
type Health struct {
	Healthy     bool      `json:"healthy"`
	Store       string    `json:"store"`
	Generative  string    `json:"generative"`
	ConfigValid bool      `json:"config_valid"`
	ActiveRuns  int64     `json:"active_runs"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Service is the workflow engine.
type Service interface {
	// CreateAgent validates the requirements and persists a new
	// specification in not_started. No generative work happens here.
	CreateAgent(ctx context.Context, req spec.AgentRequirements, createdBy string) (*spec.Specification, error)

	// Run executes the pipeline from the specification's current phase
	// until it completes, fails, pauses, or stops at an approval gate.
	Run(ctx context.Context, specID string) (*spec.Specification, error)

	// GetAgentStatus reports the last durable state.
	GetAgentStatus(ctx context.Context, specID string) (*StatusReport, error)

	// ListAgents returns matching specifications, newest first.
	ListAgents(ctx context.Context, filter persistence.ListFilter) ([]*spec.Specification, error)

	// GetPhaseResults returns the durable result history, optionally
	// restricted to one phase.
	GetPhaseResults(ctx context.Context, specID string, phase spec.Phase) ([]*spec.PhaseResult, error)

	// Pause stops the pipeline before its next phase. Status-only; the
	// current phase position and all results stay untouched.
	Pause(ctx context.Context, specID string) (*spec.Specification, error)

	// Resume moves a paused specification back to in_progress. The
	// caller restarts execution with Run.
	Resume(ctx context.Context, specID string) (*spec.Specification, error)

	// Cancel terminally stops the pipeline. Results of any in-flight
	// phase are discarded, not persisted.
	Cancel(ctx context.Context, specID string) (*spec.Specification, error)

	// Retry rewinds a failed specification to in_progress at its
	// recorded phase and runs the pipeline again. Only failed
	// specifications are eligible; this is the sole path out of the
	// failed state.
	Retry(ctx context.Context, specID string) (*spec.Specification, error)

	// HandleApproval records a reviewer decision on a gate. Approval
	// accepts the gated result and readies the next phase; rejection
	// fails the specification.
	HandleApproval(ctx context.Context, requestID string, action spec.ApprovalAction, reviewer, feedback string) (*spec.Specification, error)

	// UpdateConfig atomically merges a partial config update. Running
	// phases keep the snapshot they started with.
	UpdateConfig(patch *Patch) (*Config, error)

	// CurrentConfig returns the active config snapshot.
	CurrentConfig() *Config

	// GetHealthStatus reports engine liveness.
	GetHealthStatus(ctx context.Context) *Health

	// Close stops the engine.
	Close() error
}

// engine implements Service.
type engine struct {
	cfg       atomic.Pointer[Config]
	gateway   persistence.Gateway
	client    generative.Client
	approvals approval.Service
	logger    *zap.Logger

	activeRuns atomic.Int64

	tracer       trace.Tracer
	meter        metric.Meter
	phaseCounter metric.Int64Counter
	runCounter   metric.Int64Counter
	phaseSeconds metric.Float64Histogram

	mu     sync.RWMutex
	closed bool
}

// New creates the workflow engine.
func New(cfg *Config, gw persistence.Gateway, client generative.Client, approvals approval.Service, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gw == nil {
		return nil, errors.New("persistence gateway is required")
	}
	if client == nil {
		return nil, errors.New("generative client is required")
	}
	if approvals == nil {
		return nil, errors.New("approval service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &engine{
		gateway:   gw,
		client:    client,
		approvals: approvals,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	e.cfg.Store(cfg)
	e.initMetrics()
	return e, nil
}

func (e *engine) initMetrics() {
	var err error

	e.phaseCounter, err = e.meter.Int64Counter(
		"factoryd.engine.phases_total",
		metric.WithDescription("Phase executions by outcome"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		e.logger.Warn("failed to create phase counter", zap.Error(err))
	}

	e.runCounter, err = e.meter.Int64Counter(
		"factoryd.engine.runs_total",
		metric.WithDescription("Pipeline runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		e.logger.Warn("failed to create run counter", zap.Error(err))
	}

	e.phaseSeconds, err = e.meter.Float64Histogram(
		"factoryd.engine.phase_duration_seconds",
		metric.WithDescription("Phase execution duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		e.logger.Warn("failed to create phase histogram", zap.Error(err))
	}
}

func (e *engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *engine) CreateAgent(ctx context.Context, req spec.AgentRequirements, createdBy string) (*spec.Specification, error) {
	ctx, span := e.tracer.Start(ctx, "engine.create_agent")
	defer span.End()

	if e.isClosed() {
		return nil, errors.New("engine is closed")
	}

	s, err := spec.NewSpecification(req, createdBy)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("specification_id", s.ID),
		attribute.String("domain", string(s.Requirements.Domain)),
	)

	if err := e.gateway.SaveSpecification(ctx, s); err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.audit(ctx, s.ID, createdBy, "agent_created", map[string]any{
		"name":   s.Requirements.Name,
		"domain": string(s.Requirements.Domain),
	})

	e.logger.Info("agent specification created",
		zap.String("specification_id", s.ID),
		zap.String("domain", string(s.Requirements.Domain)),
		zap.String("complexity", string(s.Requirements.Complexity)),
	)
	return s, nil
}

func (e *engine) GetAgentStatus(ctx context.Context, specID string) (*StatusReport, error) {
	ctx, span := e.tracer.Start(ctx, "engine.get_agent_status")
	defer span.End()
	span.SetAttributes(attribute.String("specification_id", specID))

	if e.isClosed() {
		return nil, errors.New("engine is closed")
	}

	s, err := e.gateway.GetSpecification(ctx, specID)
	if err != nil {
		return nil, err
	}
	results, err := e.gateway.GetPhaseResults(ctx, specID, "")
	if err != nil {
		return nil, err
	}
	pending, err := e.approvals.ListPending(ctx, specID)
	if err != nil {
		return nil, err
	}
	usage, err := e.gateway.GetResourceUsage(ctx, specID)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		Specification:    s,
		Results:          results,
		PendingApprovals: pending,
		Usage:            usage,
	}, nil
}

func (e *engine) ListAgents(ctx context.Context, filter persistence.ListFilter) ([]*spec.Specification, error) {
	if e.isClosed() {
		return nil, errors.New("engine is closed")
	}
	if filter.Status != "" && !spec.ValidStatus(filter.Status) {
		return nil, spec.NewError(spec.ErrValidation, "unknown status filter "+filter.Status.String(), nil)
	}
	if filter.Phase != "" && !spec.ValidPhase(filter.Phase) {
		return nil, spec.NewError(spec.ErrValidation, "unknown phase filter "+filter.Phase.String(), nil)
	}
	return e.gateway.ListSpecifications(ctx, filter)
}

func (e *engine) GetPhaseResults(ctx context.Context, specID string, phase spec.Phase) ([]*spec.PhaseResult, error) {
	if e.isClosed() {
		return nil, errors.New("engine is closed")
	}
	if phase != "" && !spec.ValidPhase(phase) {
		return nil, spec.NewError(spec.ErrValidation, "unknown phase filter "+phase.String(), nil)
	}
	// Surface a not-found miss instead of an empty history.
	if _, err := e.gateway.GetSpecification(ctx, specID); err != nil {
		return nil, err
	}
	return e.gateway.GetPhaseResults(ctx, specID, phase)
}

func (e *engine) Pause(ctx context.Context, specID string) (*spec.Specification, error) {
	ctx, span := e.tracer.Start(ctx, "engine.pause")
	defer span.End()
	span.SetAttributes(attribute.String("specification_id", specID))

	if e.isClosed() {
		return nil, errors.New("engine is closed")
	}

	s, err := e.gateway.GetSpecification(ctx, specID)
	if err != nil {
		return nil, err
	}
	if s.Status == spec.StatusPaused {
		return s, nil // idempotent
	}
	if err := s.SetStatus(spec.StatusPaused); err != nil {
		return nil, spec.NewError(spec.ErrValidation, "cannot pause from status "+s.Status.String(), err).
			WithSpecification(s.ID, s.CurrentPhase)
	}
	if err := e.gateway.SaveSpecification(ctx, s); err != nil {
		return nil, err
	}
	e.audit(ctx, s.ID, "", "agent_paused", nil)
	e.logger.Info("agent paused", zap.String("specification_id", s.ID), zap.String("phase", s.CurrentPhase.String()))
	return s, nil
}

func (e *engine) Resume(ctx context.Context, specID string) (*spec.Specification, error) {
	ctx, span := e.tracer.Start(ctx, "engine.resume")
	defer span.End()
	span.SetAttributes(attribute.String("specification_id", specID))

	if e.isClosed() {
		return nil, errors.New("engine is closed")
	}

	s, err := e.gateway.GetSpecification(ctx, specID)
	if err != nil {
		return nil, err
	}
	if s.Status != spec.StatusPaused {
		return nil, spec.NewError(spec.ErrValidation, "cannot resume from status "+s.Status.String(), nil).
			WithSpecification(s.ID, s.CurrentPhase)
	}
	if err := s.SetStatus(spec.StatusInProgress); err != nil {
		return nil, err
	}
	if err := e.gateway.SaveSpecification(ctx, s); err != nil {
		return nil, err
	}
	e.audit(ctx, s.ID, "", "agent_resumed", nil)
	e.logger.Info("agent resumed", zap.String("specification_id", s.ID), zap.String("phase", s.CurrentPhase.String()))
	return s, nil
}

func (e *engine) Cancel(ctx context.Context, specID string) (*spec.Specification, error) {
	ctx, span := e.tracer.Start(ctx, "engine.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("specification_id", specID))

	if e.isClosed() {
		return nil, errors.New("engine is closed")
	}

	s, err := e.gateway.GetSpecification(ctx, specID)
	if err != nil {
		return nil, err
	}
	if s.Status == spec.StatusCancelled {
		return s, nil // idempotent
	}
	if err := s.SetStatus(spec.StatusCancelled); err != nil {
		return nil, spec.NewError(spec.ErrValidation, "cannot cancel from status "+s.Status.String(), err).
			WithSpecification(s.ID, s.CurrentPhase)
	}
	if err := e.gateway.SaveSpecification(ctx, s); err != nil {
		return nil, err
	}
	e.audit(ctx, s.ID, "", "agent_cancelled", nil)
	e.logger.Info("agent cancelled", zap.String("specification_id", s.ID), zap.String("phase", s.CurrentPhase.String()))
	return s, nil
}

func (e *engine) Retry(ctx context.Context, specID string) (*spec.Specification, error) {
	ctx, span := e.tracer.Start(ctx, "engine.retry")
	defer span.End()
	span.SetAttributes(attribute.String("specification_id", specID))

	if e.isClosed() {
		return nil, errors.New("engine is closed")
	}

	s, err := e.gateway.GetSpecification(ctx, specID)
	if err != nil {
		return nil, err
	}
	if s.Status != spec.StatusFailed {
		return nil, spec.NewError(spec.ErrValidation, "retry requires a failed specification, got "+s.Status.String(), nil).
			WithSpecification(s.ID, s.CurrentPhase)
	}

	// Failed is terminal in the public state machine; retry is the one
	// sanctioned way back, rewinding to the phase the failure was
	// recorded at.
	s.Status = spec.StatusInProgress
	s.FailureReason = ""
	s.UpdatedAt = time.Now().UTC()
	if err := e.gateway.SaveSpecification(ctx, s); err != nil {
		return nil, err
	}
	e.audit(ctx, s.ID, "", "agent_retried", map[string]any{"phase": s.CurrentPhase.String()})
	e.logger.Info("retrying failed agent",
		zap.String("specification_id", s.ID),
		zap.String("phase", s.CurrentPhase.String()),
	)
	return e.Run(ctx, specID)
}

func (e *engine) HandleApproval(ctx context.Context, requestID string, action spec.ApprovalAction, reviewer, feedback string) (*spec.Specification, error) {
	ctx, span := e.tracer.Start(ctx, "engine.handle_approval")
	defer span.End()
	span.SetAttributes(
		attribute.String("approval_id", requestID),
		attribute.String("action", string(action)),
	)

	if e.isClosed() {
		return nil, errors.New("engine is closed")
	}

	req, err := e.approvals.Resolve(ctx, requestID, action, reviewer, feedback)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s, err := e.gateway.GetSpecification(ctx, req.SpecificationID)
	if err != nil {
		return nil, err
	}
	if s.Status != spec.StatusAwaitingApproval {
		return nil, spec.NewError(spec.ErrApproval, "specification is not awaiting approval", nil).
			WithSpecification(s.ID, s.CurrentPhase)
	}

	if action == spec.ApprovalReject {
		if err := s.Fail("approval rejected by " + reviewer); err != nil {
			return nil, err
		}
		if err := e.gateway.SaveSpecification(ctx, s); err != nil {
			return nil, err
		}
		e.audit(ctx, s.ID, reviewer, "approval_rejected", map[string]any{"approval_id": requestID})
		return s, nil
	}

	// Approved: accept the gated result and ready the next phase. If
	// the gated phase was the last one, the pipeline is done.
	if err := s.SetStatus(spec.StatusInProgress); err != nil {
		return nil, err
	}
	if !s.AdvancePhase() {
		if err := s.SetStatus(spec.StatusCompleted); err != nil {
			return nil, err
		}
	}
	if err := e.gateway.SaveSpecification(ctx, s); err != nil {
		return nil, err
	}
	e.audit(ctx, s.ID, reviewer, "approval_granted", map[string]any{"approval_id": requestID})
	e.logger.Info("approval granted",
		zap.String("specification_id", s.ID),
		zap.String("approval_id", requestID),
		zap.String("next_phase", s.CurrentPhase.String()),
	)
	return s, nil
}

func (e *engine) UpdateConfig(patch *Patch) (*Config, error) {
	if patch == nil {
		return e.cfg.Load(), nil
	}
	for {
		current := e.cfg.Load()
		next := patch.apply(current)
		if err := next.Validate(); err != nil {
			return nil, spec.NewError(spec.ErrValidation, err.Error(), nil)
		}
		if e.cfg.CompareAndSwap(current, next) {
			e.logger.Info("engine config updated",
				zap.Float64("auto_approval_threshold", next.AutoApprovalThreshold),
				zap.Duration("phase_timeout", next.PhaseTimeout),
				zap.Bool("auto_retry", next.AutoRetry),
			)
			return next, nil
		}
	}
}

func (e *engine) CurrentConfig() *Config {
	return e.cfg.Load()
}

func (e *engine) GetHealthStatus(ctx context.Context) *Health {
	h := &Health{
		ActiveRuns:  e.activeRuns.Load(),
		CheckedAt:   time.Now().UTC(),
		ConfigValid: e.cfg.Load().Validate() == nil,
	}
	if err := e.gateway.Ping(ctx); err != nil {
		h.Store = err.Error()
	} else {
		h.Store = "ok"
	}
	if err := e.client.Ping(ctx); err != nil {
		h.Generative = err.Error()
	} else {
		h.Generative = "ok"
	}
	h.Healthy = h.Store == "ok" && h.Generative == "ok" && h.ConfigValid && !e.isClosed()
	return h
}

// audit emits a best-effort audit event when auditing is enabled.
func (e *engine) audit(ctx context.Context, specID, actor, action string, auditCtx map[string]any) {
	if !e.cfg.Load().AuditEnabled {
		return
	}
	e.gateway.LogAuditEvent(ctx, &spec.AuditEvent{
		SpecificationID: specID,
		Actor:           actor,
		Action:          action,
		Context:         auditCtx,
	})
}

func (e *engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
