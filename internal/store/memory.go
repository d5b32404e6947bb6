package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/agentfactory/internal/spec"
)

// MemoryStore keeps all state in process memory. It is the default
// backend and the fixture for every test that needs a Store.
type MemoryStore struct {
	mu        sync.RWMutex
	closed    bool
	specs     map[string]*spec.Specification
	results   map[string][]*spec.PhaseResult
	approvals map[string]*spec.ApprovalRequest
	audit     map[string][]*spec.AuditEvent
	usage     map[string]map[time.Time]*spec.ResourceUsage
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		specs:     make(map[string]*spec.Specification),
		results:   make(map[string][]*spec.PhaseResult),
		approvals: make(map[string]*spec.ApprovalRequest),
		audit:     make(map[string][]*spec.AuditEvent),
		usage:     make(map[string]map[time.Time]*spec.ResourceUsage),
	}
}

func (m *MemoryStore) PutSpecification(ctx context.Context, s *spec.Specification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.specs[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) GetSpecification(ctx context.Context, id string) (*spec.Specification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.specs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) ListSpecifications(ctx context.Context) ([]*spec.Specification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*spec.Specification, 0, len(m.specs))
	for _, s := range m.specs {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) AppendPhaseResult(ctx context.Context, r *spec.PhaseResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *r
	m.results[r.SpecificationID] = append(m.results[r.SpecificationID], &cp)
	return nil
}

func (m *MemoryStore) ListPhaseResults(ctx context.Context, specID string) ([]*spec.PhaseResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	rs := m.results[specID]
	out := make([]*spec.PhaseResult, len(rs))
	for i, r := range rs {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) PutApproval(ctx context.Context, req *spec.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *req
	m.approvals[req.ID] = &cp
	return nil
}

func (m *MemoryStore) GetApproval(ctx context.Context, id string) (*spec.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	req, ok := m.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (m *MemoryStore) ListApprovals(ctx context.Context, specID string) ([]*spec.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*spec.ApprovalRequest, 0)
	for _, req := range m.approvals {
		if specID != "" && req.SpecificationID != specID {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) AppendAuditEvent(ctx context.Context, ev *spec.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *ev
	m.audit[ev.SpecificationID] = append(m.audit[ev.SpecificationID], &cp)
	return nil
}

func (m *MemoryStore) ListAuditEvents(ctx context.Context, specID string) ([]*spec.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	evs := m.audit[specID]
	out := make([]*spec.AuditEvent, len(evs))
	for i, ev := range evs {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) MergeUsage(ctx context.Context, specID string, bucket time.Time, delta spec.ResourceDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	bucket = spec.UsageBucket(bucket)
	buckets, ok := m.usage[specID]
	if !ok {
		buckets = make(map[time.Time]*spec.ResourceUsage)
		m.usage[specID] = buckets
	}
	u, ok := buckets[bucket]
	if !ok {
		u = &spec.ResourceUsage{SpecificationID: specID, HourBucket: bucket}
		buckets[bucket] = u
	}
	u.Add(delta)
	return nil
}

func (m *MemoryStore) ListUsage(ctx context.Context, specID string) ([]*spec.ResourceUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*spec.ResourceUsage, 0, len(m.usage[specID]))
	for _, u := range m.usage[specID] {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HourBucket.Before(out[j].HourBucket) })
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
