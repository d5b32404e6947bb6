package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentfactory/internal/spec"
	"github.com/fyrsmithlabs/agentfactory/internal/store"
)

// failingStore injects errors into selected operations.
type failingStore struct {
	*store.MemoryStore
	putSpecErr error
	appendErr  error
	auditErr   error
	usageErr   error
}

func (f *failingStore) PutSpecification(ctx context.Context, s *spec.Specification) error {
	if f.putSpecErr != nil {
		return f.putSpecErr
	}
	return f.MemoryStore.PutSpecification(ctx, s)
}

func (f *failingStore) AppendPhaseResult(ctx context.Context, r *spec.PhaseResult) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	return f.MemoryStore.AppendPhaseResult(ctx, r)
}

func (f *failingStore) AppendAuditEvent(ctx context.Context, ev *spec.AuditEvent) error {
	if f.auditErr != nil {
		return f.auditErr
	}
	return f.MemoryStore.AppendAuditEvent(ctx, ev)
}

func (f *failingStore) MergeUsage(ctx context.Context, specID string, bucket time.Time, delta spec.ResourceDelta) error {
	if f.usageErr != nil {
		return f.usageErr
	}
	return f.MemoryStore.MergeUsage(ctx, specID, bucket, delta)
}

func newTestSpecification(t *testing.T) *spec.Specification {
	t.Helper()
	s, err := spec.NewSpecification(spec.AgentRequirements{
		Name:       "Campaign Planner",
		Purpose:    "Drafts multi-channel campaign plans from a product brief",
		Domain:     spec.DomainCampaignManagement,
		Complexity: spec.ComplexityHigh,
	}, "tester")
	require.NoError(t, err)
	return s
}

func TestGatewaySourceOfTruthPropagatesErrors(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{MemoryStore: store.NewMemoryStore(), putSpecErr: errors.New("bucket offline")}
	g, err := NewGateway(nil, fs, zap.NewNop())
	require.NoError(t, err)
	defer g.Close()

	err = g.SaveSpecification(ctx, newTestSpecification(t))
	require.Error(t, err)
	assert.Equal(t, spec.ErrPersistence, spec.KindOf(err))

	fs.appendErr = errors.New("bucket offline")
	r := spec.NewFailedPhaseResult("s1", spec.PhaseClarification, "", "boom")
	err = g.SavePhaseResult(ctx, r)
	require.Error(t, err)
	assert.Equal(t, spec.ErrPersistence, spec.KindOf(err))
}

func TestGatewayNotFoundPassesThrough(t *testing.T) {
	ctx := context.Background()
	g, err := NewGateway(nil, store.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)
	defer g.Close()

	_, err = g.GetSpecification(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGatewayRoundTrip(t *testing.T) {
	ctx := context.Background()
	g, err := NewGateway(nil, store.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)
	defer g.Close()

	s := newTestSpecification(t)
	require.NoError(t, g.SaveSpecification(ctx, s))

	got, err := g.GetSpecification(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	r, err := spec.NewPhaseResult(s.ID, spec.PhaseClarification, "", &spec.ClarificationResult{RefinedPurpose: "plan campaigns"}, 91)
	require.NoError(t, err)
	require.NoError(t, g.SavePhaseResult(ctx, r))

	results, err := g.GetPhaseResults(ctx, s.ID, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
}

func TestGatewayListSpecificationsFilter(t *testing.T) {
	ctx := context.Background()
	g, err := NewGateway(nil, store.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)
	defer g.Close()

	var ids []string
	for i := 0; i < 4; i++ {
		s := newTestSpecification(t)
		if i%2 == 0 {
			s.CreatedBy = "alice"
		}
		require.NoError(t, g.SaveSpecification(ctx, s))
		ids = append(ids, s.ID)
	}
	cancelled, err := g.GetSpecification(ctx, ids[1])
	require.NoError(t, err)
	require.NoError(t, cancelled.SetStatus(spec.StatusCancelled))
	require.NoError(t, g.SaveSpecification(ctx, cancelled))

	tests := []struct {
		name   string
		filter ListFilter
		want   int
	}{
		{"empty filter matches all", ListFilter{}, 4},
		{"by status", ListFilter{Status: spec.StatusCancelled}, 1},
		{"by creator", ListFilter{CreatedBy: "alice"}, 2},
		{"status and creator", ListFilter{Status: spec.StatusCancelled, CreatedBy: "alice"}, 0},
		{"limit", ListFilter{Limit: 3}, 3},
		{"offset", ListFilter{Offset: 3}, 1},
		{"offset past end", ListFilter{Offset: 10}, 0},
		{"limit with offset", ListFilter{Limit: 2, Offset: 1}, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := g.ListSpecifications(ctx, tc.filter)
			require.NoError(t, err)
			assert.Len(t, got, tc.want)
		})
	}
}

func TestGatewayPhaseResultsFilteredByPhase(t *testing.T) {
	ctx := context.Background()
	g, err := NewGateway(nil, store.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)
	defer g.Close()

	s := newTestSpecification(t)
	require.NoError(t, g.SaveSpecification(ctx, s))

	r1, err := spec.NewPhaseResult(s.ID, spec.PhaseClarification, "", &spec.ClarificationResult{RefinedPurpose: "plan campaigns"}, 91)
	require.NoError(t, err)
	require.NoError(t, g.SavePhaseResult(ctx, r1))
	r2 := spec.NewFailedPhaseResult(s.ID, spec.PhaseDocumentation, "", "model returned prose")
	require.NoError(t, g.SavePhaseResult(ctx, r2))

	docs, err := g.GetPhaseResults(ctx, s.ID, spec.PhaseDocumentation)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, spec.PhaseDocumentation, docs[0].Phase)

	all, err := g.GetPhaseResults(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGatewayTelemetryIsSwallowed(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{
		MemoryStore: store.NewMemoryStore(),
		auditErr:    errors.New("bucket offline"),
		usageErr:    errors.New("bucket offline"),
	}
	g, err := NewGateway(&Config{OutboxSize: 4, DrainTimeout: time.Second}, fs, zap.NewNop())
	require.NoError(t, err)

	// Neither call may return an error or panic despite the store
	// failing underneath.
	g.LogAuditEvent(ctx, &spec.AuditEvent{SpecificationID: "s1", Action: "phase_started"})
	g.TrackResourceUsage(ctx, "s1", spec.ResourceDelta{GenerativeCalls: 1})
	g.LogError(ctx, spec.NewError(spec.ErrGeneration, "model timeout", nil))

	require.NoError(t, g.Close())
}

func TestGatewayTelemetryEventuallyLands(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	g, err := NewGateway(&Config{OutboxSize: 16, DrainTimeout: 2 * time.Second}, ms, zap.NewNop())
	require.NoError(t, err)
	defer g.Close()

	g.LogAuditEvent(ctx, &spec.AuditEvent{SpecificationID: "s1", Action: "phase_started"})
	g.TrackResourceUsage(ctx, "s1", spec.ResourceDelta{GenerativeCalls: 2, TokensUsed: 800})

	require.Eventually(t, func() bool {
		events, err := ms.ListAuditEvents(ctx, "s1")
		if err != nil || len(events) != 1 {
			return false
		}
		usage, err := ms.ListUsage(ctx, "s1")
		return err == nil && len(usage) == 1
	}, 2*time.Second, 10*time.Millisecond)

	events, err := ms.ListAuditEvents(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "phase_started", events[0].Action)

	usage, err := ms.ListUsage(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), usage[0].TokensUsed)
}

func TestGatewayOutboxFullDropsSilently(t *testing.T) {
	ctx := context.Background()
	// Block the worker with a store that sleeps.
	slow := &slowStore{MemoryStore: store.NewMemoryStore(), delay: 200 * time.Millisecond}
	g, err := NewGateway(&Config{OutboxSize: 1, DrainTimeout: time.Second}, slow, zap.NewNop())
	require.NoError(t, err)
	defer g.Close()

	for i := 0; i < 50; i++ {
		g.LogAuditEvent(ctx, &spec.AuditEvent{SpecificationID: "s1", Action: "noisy"})
	}
	// Reaching here without blocking is the assertion.
}

func TestCloseDuringTelemetryBurstDoesNotPanic(t *testing.T) {
	ctx := context.Background()
	g, err := NewGateway(&Config{OutboxSize: 8, DrainTimeout: time.Second}, store.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)

	// Hammer the outbox from many goroutines while Close runs. A send
	// racing the channel close panics, so surviving the burst is the
	// assertion; run with -race to catch the ordering, not just the
	// crash.
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 100; j++ {
				g.LogAuditEvent(ctx, &spec.AuditEvent{SpecificationID: "s1", Action: "noisy"})
				g.TrackResourceUsage(ctx, "s1", spec.ResourceDelta{GenerativeCalls: 1})
			}
		}()
	}
	close(start)
	require.NoError(t, g.Close())
	wg.Wait()

	// Telemetry arriving after close falls back to the local log.
	g.LogAuditEvent(ctx, &spec.AuditEvent{SpecificationID: "s1", Action: "late"})
}

type slowStore struct {
	*store.MemoryStore
	delay time.Duration
}

func (s *slowStore) AppendAuditEvent(ctx context.Context, ev *spec.AuditEvent) error {
	time.Sleep(s.delay)
	return s.MemoryStore.AppendAuditEvent(ctx, ev)
}
