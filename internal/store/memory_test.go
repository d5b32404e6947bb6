package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentfactory/internal/spec"
)

func newTestSpecification(t *testing.T) *spec.Specification {
	t.Helper()
	s, err := spec.NewSpecification(spec.AgentRequirements{
		Name:       "Churn Watcher",
		Purpose:    "Flags accounts showing early churn signals for the success team",
		Domain:     spec.DomainCustomerSupport,
		Complexity: spec.ComplexityLow,
	}, "tester")
	require.NoError(t, err)
	return s
}

func TestMemoryStoreSpecificationRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	s := newTestSpecification(t)

	require.NoError(t, m.PutSpecification(ctx, s))

	got, err := m.GetSpecification(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.Requirements.Name, got.Requirements.Name)

	// Mutating the returned copy must not touch the stored aggregate.
	got.Requirements.Name = "changed"
	again, err := m.GetSpecification(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "Churn Watcher", again.Requirements.Name)

	_, err = m.GetSpecification(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	first := newTestSpecification(t)
	first.CreatedAt = time.Now().Add(-time.Hour)
	second := newTestSpecification(t)
	require.NoError(t, m.PutSpecification(ctx, first))
	require.NoError(t, m.PutSpecification(ctx, second))

	all, err := m.ListSpecifications(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)
}

func TestMemoryStorePhaseResultsAppendOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	r1, err := spec.NewPhaseResult("s1", spec.PhaseClarification, "", &spec.ClarificationResult{RefinedPurpose: "a"}, 92)
	require.NoError(t, err)
	r2 := spec.NewFailedPhaseResult("s1", spec.PhaseDocumentation, "", "model returned prose")

	require.NoError(t, m.AppendPhaseResult(ctx, r1))
	require.NoError(t, m.AppendPhaseResult(ctx, r2))

	got, err := m.ListPhaseResults(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, spec.PhaseClarification, got[0].Phase)
	assert.False(t, got[1].Success)

	empty, err := m.ListPhaseResults(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStoreApprovals(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	req := spec.NewApprovalRequest("s1", spec.PhaseClarification, "", 60, 85, "below threshold", time.Hour)
	require.NoError(t, m.PutApproval(ctx, req))

	got, err := m.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, got.Pending())

	got.Resolution = &spec.ApprovalResponse{RequestID: req.ID, Action: spec.ApprovalApprove, Reviewer: "ops", ResolvedAt: time.Now()}
	require.NoError(t, m.PutApproval(ctx, got))

	resolved, err := m.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, resolved.Pending())

	bySpec, err := m.ListApprovals(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, bySpec, 1)

	other, err := m.ListApprovals(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryStoreUsageMergesByHour(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	at := time.Date(2026, 5, 1, 10, 15, 0, 0, time.UTC)
	require.NoError(t, m.MergeUsage(ctx, "s1", at, spec.ResourceDelta{GenerativeCalls: 1, TokensUsed: 400, EstimatedCost: 0.0012}))
	require.NoError(t, m.MergeUsage(ctx, "s1", at.Add(20*time.Minute), spec.ResourceDelta{GenerativeCalls: 2, TokensUsed: 600}))
	require.NoError(t, m.MergeUsage(ctx, "s1", at.Add(2*time.Hour), spec.ResourceDelta{GenerativeCalls: 1}))

	buckets, err := m.ListUsage(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, int64(3), buckets[0].GenerativeCalls)
	assert.Equal(t, int64(1000), buckets[0].TokensUsed)
	assert.Equal(t, int64(1), buckets[1].GenerativeCalls)
}

func TestMemoryStoreUsageListedChronologically(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	// Deltas land newest-first; the listing must still read as a
	// timeline.
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, m.MergeUsage(ctx, "s1", at.Add(3*time.Hour), spec.ResourceDelta{GenerativeCalls: 1}))
	require.NoError(t, m.MergeUsage(ctx, "s1", at, spec.ResourceDelta{GenerativeCalls: 1}))
	require.NoError(t, m.MergeUsage(ctx, "s1", at.Add(time.Hour), spec.ResourceDelta{GenerativeCalls: 1}))

	buckets, err := m.ListUsage(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, buckets, 3)
	for i := 1; i < len(buckets); i++ {
		assert.True(t, buckets[i-1].HourBucket.Before(buckets[i].HourBucket),
			"bucket %d out of order", i)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Ping(ctx), ErrClosed)
	assert.ErrorIs(t, m.PutSpecification(ctx, newTestSpecification(t)), ErrClosed)
	_, err := m.ListSpecifications(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
