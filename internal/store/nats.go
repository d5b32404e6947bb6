package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/agentfactory/internal/spec"
)

// optimisticRetries bounds read-modify-write loops on KV revisions.
const optimisticRetries = 5

// NATSStore persists factory state in JetStream key-value buckets, one
// bucket per record family. Append-only families (results, audit) keep
// a JSON array per specification key, updated under revision checks.
type NATSStore struct {
	nc        *nats.Conn
	specs     nats.KeyValue
	results   nats.KeyValue
	approvals nats.KeyValue
	audit     nats.KeyValue
	usage     nats.KeyValue
}

// NewNATSStore connects to the given server and ensures the factory
// buckets exist. bucketPrefix namespaces buckets so several factories
// can share one cluster.
func NewNATSStore(url, bucketPrefix string) (*NATSStore, error) {
	nc, err := nats.Connect(url,
		nats.Name("agentfactory"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	s := &NATSStore{nc: nc}
	for _, b := range []struct {
		name string
		kv   *nats.KeyValue
	}{
		{"specs", &s.specs},
		{"results", &s.results},
		{"approvals", &s.approvals},
		{"audit", &s.audit},
		{"usage", &s.usage},
	} {
		bucket := fmt.Sprintf("%s-%s", bucketPrefix, b.name)
		kv, err := ensureBucket(js, bucket)
		if err != nil {
			nc.Close()
			return nil, err
		}
		*b.kv = kv
	}
	return s, nil
}

func ensureBucket(js nats.JetStreamContext, bucket string) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  bucket,
		Storage: nats.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return kv, nil
}

func putJSON(kv nats.KeyValue, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if _, err := kv.Put(key, raw); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func getJSON(kv nats.KeyValue, key string, out any) error {
	entry, err := kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// appendJSON appends item to the JSON array stored under key, retrying
// the revision-checked update a bounded number of times.
func appendJSON[T any](kv nats.KeyValue, key string, item T) error {
	for attempt := 0; attempt < optimisticRetries; attempt++ {
		entry, err := kv.Get(key)
		switch {
		case errors.Is(err, nats.ErrKeyNotFound):
			raw, err := json.Marshal([]T{item})
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}
			if _, err := kv.Create(key, raw); err == nil {
				return nil
			}
			// Lost the creation race; re-read and append.
			continue
		case err != nil:
			return fmt.Errorf("get %s: %w", key, err)
		}

		var items []T
		if err := json.Unmarshal(entry.Value(), &items); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		items = append(items, item)
		raw, err := json.Marshal(items)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		if _, err := kv.Update(key, raw, entry.Revision()); err == nil {
			return nil
		}
	}
	return ErrConflict
}

func listJSON[T any](kv nats.KeyValue, key string) ([]T, error) {
	var items []T
	err := getJSON(kv, key, &items)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *NATSStore) PutSpecification(ctx context.Context, sp *spec.Specification) error {
	return putJSON(s.specs, sp.ID, sp)
}

func (s *NATSStore) GetSpecification(ctx context.Context, id string) (*spec.Specification, error) {
	var sp spec.Specification
	if err := getJSON(s.specs, id, &sp); err != nil {
		return nil, err
	}
	return &sp, nil
}

func (s *NATSStore) ListSpecifications(ctx context.Context) ([]*spec.Specification, error) {
	keys, err := s.specs.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list specification keys: %w", err)
	}
	out := make([]*spec.Specification, 0, len(keys))
	for _, key := range keys {
		var sp spec.Specification
		if err := getJSON(s.specs, key, &sp); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // deleted between Keys and Get
			}
			return nil, err
		}
		out = append(out, &sp)
	}
	return out, nil
}

func (s *NATSStore) AppendPhaseResult(ctx context.Context, r *spec.PhaseResult) error {
	return appendJSON(s.results, r.SpecificationID, r)
}

func (s *NATSStore) ListPhaseResults(ctx context.Context, specID string) ([]*spec.PhaseResult, error) {
	return listJSON[*spec.PhaseResult](s.results, specID)
}

func (s *NATSStore) PutApproval(ctx context.Context, req *spec.ApprovalRequest) error {
	return putJSON(s.approvals, req.ID, req)
}

func (s *NATSStore) GetApproval(ctx context.Context, id string) (*spec.ApprovalRequest, error) {
	var req spec.ApprovalRequest
	if err := getJSON(s.approvals, id, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *NATSStore) ListApprovals(ctx context.Context, specID string) ([]*spec.ApprovalRequest, error) {
	keys, err := s.approvals.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list approval keys: %w", err)
	}
	out := make([]*spec.ApprovalRequest, 0, len(keys))
	for _, key := range keys {
		var req spec.ApprovalRequest
		if err := getJSON(s.approvals, key, &req); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if specID != "" && req.SpecificationID != specID {
			continue
		}
		out = append(out, &req)
	}
	return out, nil
}

func (s *NATSStore) AppendAuditEvent(ctx context.Context, ev *spec.AuditEvent) error {
	return appendJSON(s.audit, ev.SpecificationID, ev)
}

func (s *NATSStore) ListAuditEvents(ctx context.Context, specID string) ([]*spec.AuditEvent, error) {
	return listJSON[*spec.AuditEvent](s.audit, specID)
}

func usageKey(specID string, bucket time.Time) string {
	return specID + "." + strconv.FormatInt(spec.UsageBucket(bucket).Unix(), 10)
}

func (s *NATSStore) MergeUsage(ctx context.Context, specID string, bucket time.Time, delta spec.ResourceDelta) error {
	key := usageKey(specID, bucket)
	for attempt := 0; attempt < optimisticRetries; attempt++ {
		entry, err := s.usage.Get(key)
		switch {
		case errors.Is(err, nats.ErrKeyNotFound):
			u := spec.ResourceUsage{SpecificationID: specID, HourBucket: spec.UsageBucket(bucket)}
			u.Add(delta)
			raw, err := json.Marshal(&u)
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}
			if _, err := s.usage.Create(key, raw); err == nil {
				return nil
			}
			continue
		case err != nil:
			return fmt.Errorf("get %s: %w", key, err)
		}

		var u spec.ResourceUsage
		if err := json.Unmarshal(entry.Value(), &u); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		u.Add(delta)
		raw, err := json.Marshal(&u)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		if _, err := s.usage.Update(key, raw, entry.Revision()); err == nil {
			return nil
		}
	}
	return ErrConflict
}

func (s *NATSStore) ListUsage(ctx context.Context, specID string) ([]*spec.ResourceUsage, error) {
	keys, err := s.usage.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list usage keys: %w", err)
	}
	out := make([]*spec.ResourceUsage, 0)
	for _, key := range keys {
		var u spec.ResourceUsage
		if err := getJSON(s.usage, key, &u); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if u.SpecificationID != specID {
			continue
		}
		out = append(out, &u)
	}
	// Keys() order is unspecified; callers read usage as a timeline.
	sort.Slice(out, func(i, j int) bool { return out[i].HourBucket.Before(out[j].HourBucket) })
	return out, nil
}

func (s *NATSStore) Ping(ctx context.Context) error {
	if s.nc == nil || !s.nc.IsConnected() {
		return errors.New("nats connection down")
	}
	return nil
}

func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
