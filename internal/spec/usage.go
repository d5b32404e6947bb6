package spec

import "time"

// ResourceUsage is the hourly consumption rollup per specification.
// Deltas land in the bucket of the hour they occurred in.
type ResourceUsage struct {
	SpecificationID string    `json:"specification_id"`
	HourBucket      time.Time `json:"hour_bucket"`
	ResourceDelta
}

// UsageBucket truncates t to its UTC hour.
func UsageBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// AuditEvent is one entry in the append-only operational stream. Events
// are observability, never control flow: a lost event must not fail the
// operation that produced it.
type AuditEvent struct {
	ID              string         `json:"id"`
	SpecificationID string         `json:"specification_id,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	Actor           string         `json:"actor,omitempty"`
	Action          string         `json:"action"`
	Context         map[string]any `json:"context,omitempty"`
	OccurredAt      time.Time      `json:"occurred_at"`
}
