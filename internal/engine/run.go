package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/agentfactory/internal/generative"
	"github.com/fyrsmithlabs/agentfactory/internal/spec"
)

// Run executes the pipeline until it reaches a stopping point: done,
// failed, paused, cancelled, or an approval gate.
func (e *engine) Run(ctx context.Context, specID string) (*spec.Specification, error) {
	ctx, span := e.tracer.Start(ctx, "engine.run")
	defer span.End()
	span.SetAttributes(attribute.String("specification_id", specID))

	if e.isClosed() {
		return nil, errors.New("engine is closed")
	}

	e.activeRuns.Add(1)
	defer e.activeRuns.Add(-1)

	s, err := e.gateway.GetSpecification(ctx, specID)
	if err != nil {
		return nil, err
	}

	switch s.Status {
	case spec.StatusNotStarted:
		// Become in_progress/clarification before any generative call.
		if err := s.SetStatus(spec.StatusInProgress); err != nil {
			return nil, err
		}
		if err := e.gateway.SaveSpecification(ctx, s); err != nil {
			return nil, err
		}
		e.audit(ctx, s.ID, "", "run_started", map[string]any{"phase": s.CurrentPhase.String()})
	case spec.StatusInProgress:
		// Continuing after resume or an approved gate.
	default:
		return nil, spec.NewError(spec.ErrValidation, "cannot run from status "+s.Status.String(), nil).
			WithSpecification(s.ID, s.CurrentPhase)
	}

	for {
		// Reload so pause/cancel issued between phases is observed.
		s, err = e.gateway.GetSpecification(ctx, specID)
		if err != nil {
			return nil, err
		}
		if s.Status != spec.StatusInProgress {
			e.recordRun(ctx, s.Status.String())
			return s, nil
		}

		stop, err := e.executePhase(ctx, s)
		if err != nil {
			e.recordRun(ctx, "failed")
			latest, getErr := e.gateway.GetSpecification(ctx, specID)
			if getErr == nil {
				return latest, err
			}
			return nil, err
		}
		if stop {
			latest, getErr := e.gateway.GetSpecification(ctx, specID)
			if getErr != nil {
				return nil, getErr
			}
			e.recordRun(ctx, latest.Status.String())
			return latest, nil
		}
	}
}

func (e *engine) recordRun(ctx context.Context, outcome string) {
	if e.runCounter != nil {
		e.runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// executePhase runs the specification's current phase. It returns
// stop=true when the pipeline must not continue to the next phase
// (completion, approval gate, cancellation) and an error when the
// phase failed and the specification was marked failed.
func (e *engine) executePhase(ctx context.Context, s *spec.Specification) (stop bool, err error) {
	cfg := e.cfg.Load()
	phase := s.CurrentPhase

	ctx, span := e.tracer.Start(ctx, "engine.phase")
	defer span.End()
	span.SetAttributes(
		attribute.String("specification_id", s.ID),
		attribute.String("phase", phase.String()),
	)

	priorResults, err := e.gateway.GetPhaseResults(ctx, s.ID, "")
	if err != nil {
		return false, err
	}
	pc := newPromptContext(s, priorResults)

	phaseCtx, cancel := context.WithTimeout(ctx, cfg.PhaseTimeout)
	defer cancel()

	start := time.Now()
	e.audit(ctx, s.ID, "", "phase_started", map[string]any{"phase": phase.String()})

	var (
		rows       []*spec.PhaseResult
		confidence float64
		delta      spec.ResourceDelta
		execErr    error
	)
	if phase == spec.PhaseParallelDevelopment {
		rows, confidence, delta, execErr = e.executeFanOut(phaseCtx, s, pc)
	} else {
		rows, confidence, delta, execErr = e.executeSingle(phaseCtx, s, pc, phase)
	}
	elapsed := time.Since(start)
	for _, r := range rows {
		r.ExecutionTime = elapsed
	}
	if e.phaseSeconds != nil {
		e.phaseSeconds.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("phase", phase.String())))
	}

	// Cancellation discards in-flight results entirely.
	latest, err := e.gateway.GetSpecification(ctx, s.ID)
	if err != nil {
		return false, err
	}
	if latest.Status == spec.StatusCancelled {
		e.logger.Info("discarding in-flight phase results after cancellation",
			zap.String("specification_id", s.ID),
			zap.String("phase", phase.String()),
		)
		return true, nil
	}
	s = latest

	e.gateway.TrackResourceUsage(ctx, s.ID, delta)

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		return false, e.failPhase(ctx, s, phase, rows, execErr)
	}

	// Persist results before any status transition so the durable
	// history is complete when the state becomes visible.
	for _, r := range rows {
		r.RequiresApproval = confidence < cfg.AutoApprovalThreshold
		if err := e.gateway.SavePhaseResult(ctx, r); err != nil {
			span.RecordError(err)
			return false, err
		}
	}
	if e.phaseCounter != nil {
		e.phaseCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", phase.String()),
			attribute.String("outcome", "success"),
		))
	}
	e.audit(ctx, s.ID, "", "phase_completed", map[string]any{
		"phase":      phase.String(),
		"confidence": confidence,
	})
	e.logger.Info("phase completed",
		zap.String("specification_id", s.ID),
		zap.String("phase", phase.String()),
		zap.Float64("confidence", confidence),
		zap.Duration("elapsed", elapsed),
	)

	if confidence < cfg.AutoApprovalThreshold {
		req, err := e.approvals.Request(ctx, s.ID, phase, "", confidence, cfg.AutoApprovalThreshold)
		if err != nil {
			return false, err
		}
		if err := s.SetStatus(spec.StatusAwaitingApproval); err != nil {
			return false, err
		}
		if err := e.gateway.SaveSpecification(ctx, s); err != nil {
			return false, err
		}
		e.audit(ctx, s.ID, "", "approval_requested", map[string]any{
			"approval_id": req.ID,
			"phase":       phase.String(),
			"confidence":  confidence,
		})
		return true, nil
	}

	if !s.AdvancePhase() {
		if err := s.SetStatus(spec.StatusCompleted); err != nil {
			return false, err
		}
		if err := e.gateway.SaveSpecification(ctx, s); err != nil {
			return false, err
		}
		e.audit(ctx, s.ID, "", "agent_completed", nil)
		e.logger.Info("agent completed", zap.String("specification_id", s.ID))
		return true, nil
	}
	if err := e.gateway.SaveSpecification(ctx, s); err != nil {
		return false, err
	}
	// Pause issued mid-phase takes effect here, before the next phase.
	return s.Status != spec.StatusInProgress, nil
}

// executeSingle runs a sequential phase through its role.
func (e *engine) executeSingle(ctx context.Context, s *spec.Specification, pc *promptContext, phase spec.Phase) ([]*spec.PhaseResult, float64, spec.ResourceDelta, error) {
	role, err := roleForPhase(phase)
	if err != nil {
		return nil, 0, spec.ResourceDelta{}, spec.NewError(spec.ErrSystem, err.Error(), nil)
	}

	out, err := e.client.ExecuteRole(ctx, role, pc.buildUserPrompt(phase, ""))
	delta := spec.ResourceDelta{GenerativeCalls: 1, PersistenceOps: 2}
	if out != nil {
		delta.TokensUsed = out.TokensUsed
		delta.EstimatedCost = out.EstimatedCost
	}
	if err != nil {
		return nil, 0, delta, normalizePhaseError(err, s.ID, phase)
	}

	row, err := spec.NewPhaseResult(s.ID, phase, "", out.Result, out.Confidence)
	if err != nil {
		return nil, 0, delta, err
	}
	row.Resources = delta
	return []*spec.PhaseResult{row}, out.Confidence, delta, nil
}

// branchOutcome captures one fan-out branch for aggregation.
type branchOutcome struct {
	subphase spec.Subphase
	out      *generative.Output
	err      error
}

// executeFanOut runs the three parallel_development branches
// concurrently. The phase succeeds only if every branch succeeds; the
// aggregate confidence is the mean of the branch confidences. On a
// partial failure the surviving branch outputs are preserved as
// non-success rows so reviewers can inspect them, and the phase fails.
func (e *engine) executeFanOut(ctx context.Context, s *spec.Specification, pc *promptContext) ([]*spec.PhaseResult, float64, spec.ResourceDelta, error) {
	subphases := spec.AllSubphases()
	outcomes := make([]branchOutcome, len(subphases))

	g, gctx := errgroup.WithContext(ctx)
	for i, sp := range subphases {
		g.Go(func() error {
			role, err := roleForSubphase(sp)
			if err != nil {
				outcomes[i] = branchOutcome{subphase: sp, err: spec.NewError(spec.ErrSystem, err.Error(), nil)}
				return outcomes[i].err
			}
			out, err := e.client.ExecuteRole(gctx, role, pc.buildUserPrompt(spec.PhaseParallelDevelopment, sp))
			outcomes[i] = branchOutcome{subphase: sp, out: out, err: err}
			return err
		})
	}
	groupErr := g.Wait()

	var delta spec.ResourceDelta
	for _, oc := range outcomes {
		delta.GenerativeCalls++
		if oc.out != nil {
			delta.TokensUsed += oc.out.TokensUsed
			delta.EstimatedCost += oc.out.EstimatedCost
		}
	}

	if groupErr != nil {
		// Preserve surviving branch outputs as non-success rows. A
		// branch cancelled by a sibling's failure has no output and
		// gets a plain failure row.
		rows := make([]*spec.PhaseResult, 0, len(outcomes))
		for _, oc := range outcomes {
			switch {
			case oc.err == nil && oc.out != nil:
				row := spec.NewFailedPhaseResult(s.ID, spec.PhaseParallelDevelopment, oc.subphase,
					"discarded: sibling branch failed")
				row.Payload = oc.out.Result
				row.Confidence = oc.out.Confidence
				row.RequiresApproval = true
				rows = append(rows, row)
			case oc.err != nil:
				rows = append(rows, spec.NewFailedPhaseResult(s.ID, spec.PhaseParallelDevelopment, oc.subphase,
					oc.err.Error()))
			}
		}
		return rows, 0, delta, normalizePhaseError(groupErr, s.ID, spec.PhaseParallelDevelopment)
	}

	rows := make([]*spec.PhaseResult, 0, len(outcomes)+1)
	var sum float64
	aggregate := &spec.ParallelDevelopmentResult{}
	for _, oc := range outcomes {
		row, err := spec.NewPhaseResult(s.ID, spec.PhaseParallelDevelopment, oc.subphase, oc.out.Result, oc.out.Confidence)
		if err != nil {
			return nil, 0, delta, err
		}
		delta.PersistenceOps++
		rows = append(rows, row)
		sum += oc.out.Confidence

		if err := decodeBranch(aggregate, oc); err != nil {
			return nil, 0, delta, err
		}
	}
	mean := sum / float64(len(outcomes))

	aggRow, err := spec.NewPhaseResult(s.ID, spec.PhaseParallelDevelopment, "", aggregate, mean)
	if err != nil {
		return nil, 0, delta, err
	}
	delta.PersistenceOps += 2
	rows = append(rows, aggRow)
	return rows, mean, delta, nil
}

// decodeBranch folds one branch output into the aggregate result,
// verifying the payload matches the branch schema.
func decodeBranch(agg *spec.ParallelDevelopmentResult, oc branchOutcome) error {
	wrap := func(err error) error {
		return spec.NewError(spec.ErrGeneration,
			fmt.Sprintf("branch %s returned malformed result", oc.subphase), err)
	}
	switch oc.subphase {
	case spec.SubphasePromptEngineering:
		var r spec.PromptEngineeringResult
		if err := json.Unmarshal(oc.out.Result, &r); err != nil {
			return wrap(err)
		}
		agg.PromptEngineering = &r
	case spec.SubphaseToolIntegration:
		var r spec.ToolIntegrationResult
		if err := json.Unmarshal(oc.out.Result, &r); err != nil {
			return wrap(err)
		}
		agg.ToolIntegration = &r
	case spec.SubphaseDependencyManagement:
		var r spec.DependencyManagementResult
		if err := json.Unmarshal(oc.out.Result, &r); err != nil {
			return wrap(err)
		}
		agg.DependencyManagement = &r
	}
	return nil
}

// failPhase persists the failure rows, marks the specification failed,
// and reports the classified error.
func (e *engine) failPhase(ctx context.Context, s *spec.Specification, phase spec.Phase, rows []*spec.PhaseResult, execErr error) error {
	if len(rows) == 0 {
		rows = []*spec.PhaseResult{spec.NewFailedPhaseResult(s.ID, phase, "", execErr.Error())}
	}
	for _, r := range rows {
		if err := e.gateway.SavePhaseResult(ctx, r); err != nil {
			e.logger.Error("failed to persist failure row",
				zap.String("specification_id", s.ID),
				zap.String("phase", phase.String()),
				zap.Error(err),
			)
		}
	}
	if e.phaseCounter != nil {
		e.phaseCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", phase.String()),
			attribute.String("outcome", "failure"),
		))
	}

	if err := s.Fail(execErr.Error()); err != nil {
		return err
	}
	if err := e.gateway.SaveSpecification(ctx, s); err != nil {
		return err
	}

	var fe *spec.FactoryError
	if errors.As(execErr, &fe) {
		e.gateway.LogError(ctx, fe)
	}
	e.audit(ctx, s.ID, "", "phase_failed", map[string]any{
		"phase": phase.String(),
		"kind":  string(spec.KindOf(execErr)),
	})
	e.logger.Error("phase failed",
		zap.String("specification_id", s.ID),
		zap.String("phase", phase.String()),
		zap.Error(execErr),
	)
	return execErr
}

// normalizePhaseError maps context expiry onto the timeout kind and
// stamps pipeline coordinates onto factory errors.
func normalizePhaseError(err error, specID string, phase spec.Phase) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return spec.NewError(spec.ErrTimeout, "phase exceeded its timeout", err).
			WithSpecification(specID, phase)
	}
	var fe *spec.FactoryError
	if errors.As(err, &fe) {
		if fe.SpecificationID == "" {
			fe.WithSpecification(specID, phase)
		}
		return err
	}
	return spec.NewError(spec.ErrSystem, err.Error(), err).WithSpecification(specID, phase)
}
