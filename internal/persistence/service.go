// Package persistence is the write boundary between the engine and the
// store. Source-of-truth writes (specifications, phase results,
// approvals) propagate failures to the caller; telemetry writes (audit
// events, resource usage) go through a bounded outbox and are never
// allowed to fail a pipeline operation.
package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentfactory/internal/spec"
	"github.com/fyrsmithlabs/agentfactory/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/agentfactory/internal/persistence"

// Gateway provides durable state operations for the factory.
type Gateway interface {
	// SaveSpecification writes the aggregate. Failures propagate.
	SaveSpecification(ctx context.Context, s *spec.Specification) error

	// GetSpecification returns store.ErrNotFound on a miss.
	GetSpecification(ctx context.Context, id string) (*spec.Specification, error)

	// ListSpecifications returns matching aggregates, newest first.
	ListSpecifications(ctx context.Context, filter ListFilter) ([]*spec.Specification, error)

	// SavePhaseResult appends to the result history. Failures propagate.
	SavePhaseResult(ctx context.Context, r *spec.PhaseResult) error

	// GetPhaseResults returns results in append order. A non-empty phase
	// restricts the listing to that phase.
	GetPhaseResults(ctx context.Context, specID string, phase spec.Phase) ([]*spec.PhaseResult, error)

	// SaveApproval writes an approval request or its resolution.
	SaveApproval(ctx context.Context, req *spec.ApprovalRequest) error

	GetApproval(ctx context.Context, id string) (*spec.ApprovalRequest, error)
	ListApprovals(ctx context.Context, specID string) ([]*spec.ApprovalRequest, error)

	// LogError records a factory error in the audit stream. Best effort.
	LogError(ctx context.Context, fe *spec.FactoryError)

	// LogAuditEvent records an operational event. Best effort.
	LogAuditEvent(ctx context.Context, ev *spec.AuditEvent)

	// TrackResourceUsage folds a delta into the current hourly bucket.
	// Best effort.
	TrackResourceUsage(ctx context.Context, specID string, delta spec.ResourceDelta)

	// GetResourceUsage returns hourly buckets in chronological order.
	GetResourceUsage(ctx context.Context, specID string) ([]*spec.ResourceUsage, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close drains the telemetry outbox and releases the store.
	Close() error
}

// Config tunes the telemetry outbox.
type Config struct {
	// OutboxSize caps queued telemetry writes (default: 1024).
	OutboxSize int

	// DrainTimeout bounds Close's wait for the outbox worker
	// (default: 5s).
	DrainTimeout time.Duration

	// WriteTimeout bounds each background telemetry write
	// (default: 10s).
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible outbox defaults.
func DefaultConfig() *Config {
	return &Config{
		OutboxSize:   1024,
		DrainTimeout: 5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// ListFilter narrows a specification listing. Zero values match
// everything; Limit 0 means no cap.
type ListFilter struct {
	Status    spec.Status
	Phase     spec.Phase
	CreatedBy string
	Limit     int
	Offset    int
}

func (f ListFilter) matches(s *spec.Specification) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Phase != "" && s.CurrentPhase != f.Phase {
		return false
	}
	if f.CreatedBy != "" && s.CreatedBy != f.CreatedBy {
		return false
	}
	return true
}

// telemetryWrite is one queued best-effort write.
type telemetryWrite struct {
	event  *spec.AuditEvent
	specID string
	delta  spec.ResourceDelta
	at     time.Time
}

// gateway implements Gateway.
type gateway struct {
	config *Config
	store  store.Store
	logger *zap.Logger

	outbox chan telemetryWrite
	done   chan struct{}

	tracer         trace.Tracer
	meter          metric.Meter
	writeCounter   metric.Int64Counter
	droppedCounter metric.Int64Counter
	depthGauge     metric.Int64UpDownCounter

	mu     sync.RWMutex
	closed bool
}

// NewGateway wires a gateway over the given store and starts the
// telemetry outbox worker.
func NewGateway(cfg *Config, st store.Store, logger *zap.Logger) (Gateway, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultConfig().OutboxSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}

	g := &gateway{
		config: cfg,
		store:  st,
		logger: logger,
		outbox: make(chan telemetryWrite, cfg.OutboxSize),
		done:   make(chan struct{}),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	g.initMetrics()

	go g.drainOutbox()

	return g, nil
}

func (g *gateway) initMetrics() {
	var err error

	g.writeCounter, err = g.meter.Int64Counter(
		"factoryd.persistence.writes_total",
		metric.WithDescription("Total source-of-truth writes"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		g.logger.Warn("failed to create write counter", zap.Error(err))
	}

	g.droppedCounter, err = g.meter.Int64Counter(
		"factoryd.persistence.telemetry_dropped_total",
		metric.WithDescription("Telemetry writes dropped due to a full outbox or store failure"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		g.logger.Warn("failed to create dropped counter", zap.Error(err))
	}

	g.depthGauge, err = g.meter.Int64UpDownCounter(
		"factoryd.persistence.outbox_depth",
		metric.WithDescription("Telemetry writes waiting in the outbox"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		g.logger.Warn("failed to create depth gauge", zap.Error(err))
	}
}

func (g *gateway) isClosed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closed
}

// persistErr wraps a store failure in the factory taxonomy.
func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return err
	}
	return spec.NewError(spec.ErrPersistence, op, err)
}

func (g *gateway) SaveSpecification(ctx context.Context, s *spec.Specification) error {
	ctx, span := g.tracer.Start(ctx, "persistence.save_specification")
	defer span.End()
	span.SetAttributes(
		attribute.String("specification_id", s.ID),
		attribute.String("status", s.Status.String()),
	)

	if g.isClosed() {
		return errors.New("gateway is closed")
	}

	if err := g.store.PutSpecification(ctx, s); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return persistErr("save specification", err)
	}
	if g.writeCounter != nil {
		g.writeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("record", "specification")))
	}
	return nil
}

func (g *gateway) GetSpecification(ctx context.Context, id string) (*spec.Specification, error) {
	ctx, span := g.tracer.Start(ctx, "persistence.get_specification")
	defer span.End()
	span.SetAttributes(attribute.String("specification_id", id))

	if g.isClosed() {
		return nil, errors.New("gateway is closed")
	}

	s, err := g.store.GetSpecification(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			span.RecordError(err)
		}
		return nil, persistErr("get specification", err)
	}
	return s, nil
}

func (g *gateway) ListSpecifications(ctx context.Context, filter ListFilter) ([]*spec.Specification, error) {
	ctx, span := g.tracer.Start(ctx, "persistence.list_specifications")
	defer span.End()

	if g.isClosed() {
		return nil, errors.New("gateway is closed")
	}

	all, err := g.store.ListSpecifications(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, persistErr("list specifications", err)
	}

	matched := make([]*spec.Specification, 0, len(all))
	for _, s := range all {
		if filter.matches(s) {
			matched = append(matched, s)
		}
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*spec.Specification{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (g *gateway) SavePhaseResult(ctx context.Context, r *spec.PhaseResult) error {
	ctx, span := g.tracer.Start(ctx, "persistence.save_phase_result")
	defer span.End()
	span.SetAttributes(
		attribute.String("specification_id", r.SpecificationID),
		attribute.String("phase", r.Phase.String()),
		attribute.Bool("success", r.Success),
	)

	if g.isClosed() {
		return errors.New("gateway is closed")
	}

	if err := g.store.AppendPhaseResult(ctx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return persistErr("save phase result", err)
	}
	if g.writeCounter != nil {
		g.writeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("record", "phase_result")))
	}
	return nil
}

func (g *gateway) GetPhaseResults(ctx context.Context, specID string, phase spec.Phase) ([]*spec.PhaseResult, error) {
	ctx, span := g.tracer.Start(ctx, "persistence.get_phase_results")
	defer span.End()
	span.SetAttributes(attribute.String("specification_id", specID))

	if g.isClosed() {
		return nil, errors.New("gateway is closed")
	}

	all, err := g.store.ListPhaseResults(ctx, specID)
	if err != nil {
		span.RecordError(err)
		return nil, persistErr("get phase results", err)
	}
	if phase == "" {
		return all, nil
	}
	out := make([]*spec.PhaseResult, 0, len(all))
	for _, r := range all {
		if r.Phase == phase {
			out = append(out, r)
		}
	}
	return out, nil
}

func (g *gateway) SaveApproval(ctx context.Context, req *spec.ApprovalRequest) error {
	ctx, span := g.tracer.Start(ctx, "persistence.save_approval")
	defer span.End()
	span.SetAttributes(attribute.String("approval_id", req.ID))

	if g.isClosed() {
		return errors.New("gateway is closed")
	}

	if err := g.store.PutApproval(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return persistErr("save approval", err)
	}
	if g.writeCounter != nil {
		g.writeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("record", "approval")))
	}
	return nil
}

func (g *gateway) GetApproval(ctx context.Context, id string) (*spec.ApprovalRequest, error) {
	if g.isClosed() {
		return nil, errors.New("gateway is closed")
	}
	req, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return nil, persistErr("get approval", err)
	}
	return req, nil
}

func (g *gateway) ListApprovals(ctx context.Context, specID string) ([]*spec.ApprovalRequest, error) {
	if g.isClosed() {
		return nil, errors.New("gateway is closed")
	}
	out, err := g.store.ListApprovals(ctx, specID)
	if err != nil {
		return nil, persistErr("list approvals", err)
	}
	return out, nil
}

func (g *gateway) LogError(ctx context.Context, fe *spec.FactoryError) {
	ev := &spec.AuditEvent{
		SpecificationID: fe.SpecificationID,
		Action:          "factory_error",
		Context: map[string]any{
			"kind":             string(fe.Kind),
			"message":          fe.Message,
			"phase":            fe.Phase.String(),
			"recoverable":      fe.Recoverable,
			"suggested_action": fe.SuggestedAction,
		},
		OccurredAt: fe.OccurredAt,
	}
	g.LogAuditEvent(ctx, ev)
}

func (g *gateway) LogAuditEvent(ctx context.Context, ev *spec.AuditEvent) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	g.enqueue(ctx, telemetryWrite{event: ev})
}

func (g *gateway) TrackResourceUsage(ctx context.Context, specID string, delta spec.ResourceDelta) {
	g.enqueue(ctx, telemetryWrite{specID: specID, delta: delta, at: time.Now().UTC()})
}

func (g *gateway) GetResourceUsage(ctx context.Context, specID string) ([]*spec.ResourceUsage, error) {
	if g.isClosed() {
		return nil, errors.New("gateway is closed")
	}
	out, err := g.store.ListUsage(ctx, specID)
	if err != nil {
		return nil, persistErr("list usage", err)
	}
	return out, nil
}

// enqueue queues a telemetry write without blocking. A full outbox
// drops the write and logs it locally so the caller never stalls.
//
// The read lock is held across the send so Close cannot close the
// outbox between the closed check and the send; the send itself never
// blocks, so the lock is held only briefly.
func (g *gateway) enqueue(ctx context.Context, w telemetryWrite) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		g.logLocally(w, errors.New("gateway is closed"))
		return
	}
	select {
	case g.outbox <- w:
		if g.depthGauge != nil {
			g.depthGauge.Add(ctx, 1)
		}
	default:
		if g.droppedCounter != nil {
			g.droppedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "outbox_full")))
		}
		g.logLocally(w, errors.New("telemetry outbox full"))
	}
}

// drainOutbox is the single background writer for telemetry records.
func (g *gateway) drainOutbox() {
	defer close(g.done)
	for w := range g.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), g.config.WriteTimeout)
		err := g.write(ctx, w)
		cancel()
		if g.depthGauge != nil {
			g.depthGauge.Add(context.Background(), -1)
		}
		if err != nil {
			if g.droppedCounter != nil {
				g.droppedCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", "store_error")))
			}
			g.logLocally(w, err)
		}
	}
}

func (g *gateway) write(ctx context.Context, w telemetryWrite) error {
	if w.event != nil {
		return g.store.AppendAuditEvent(ctx, w.event)
	}
	return g.store.MergeUsage(ctx, w.specID, w.at, w.delta)
}

// logLocally is the fallback for telemetry that never reached the
// store. The record survives in the structured log stream.
func (g *gateway) logLocally(w telemetryWrite, cause error) {
	if w.event != nil {
		g.logger.Warn("audit event not persisted",
			zap.Error(cause),
			zap.String("action", w.event.Action),
			zap.String("specification_id", w.event.SpecificationID),
		)
		return
	}
	g.logger.Warn("resource usage not persisted",
		zap.Error(cause),
		zap.String("specification_id", w.specID),
		zap.Int64("tokens_used", w.delta.TokensUsed),
	)
}

func (g *gateway) Ping(ctx context.Context) error {
	if g.isClosed() {
		return errors.New("gateway is closed")
	}
	return g.store.Ping(ctx)
}

// Close stops accepting telemetry, waits for the outbox to drain up to
// DrainTimeout, then closes the store.
func (g *gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	close(g.outbox)
	select {
	case <-g.done:
	case <-time.After(g.config.DrainTimeout):
		g.logger.Warn("telemetry outbox did not drain before timeout")
	}
	return g.store.Close()
}
