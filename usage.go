// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

package meterd

import (
	"context"
	"strings"
	"time"

	"github.com/meterd/meterd/internal/window"
)

// UnknownConsumer is substituted when an event names no consumer.
const UnknownConsumer = "UNKNOWN"

// MeasuredUsage is one raw measure reported by a usage event.
type MeasuredUsage struct {
	Measure  string  `json:"measure"`
	Quantity float64 `json:"quantity"`
}

// UsageEvent is a single raw measurement report for a resource instance over
// an interval. Events are immutable and may be resubmitted; accumulation must
// be idempotent under replay.
type UsageEvent struct {
	OrganizationID     string          `json:"organization_id"`
	SpaceID            string          `json:"space_id"`
	ConsumerID         string          `json:"consumer_id,omitempty"`
	ResourceID         string          `json:"resource_id"`
	PlanID             string          `json:"plan_id"`
	ResourceInstanceID string          `json:"resource_instance_id"`
	MeteringPlanID     string          `json:"metering_plan_id"`
	RatingPlanID       string          `json:"rating_plan_id"`
	PricingPlanID      string          `json:"pricing_plan_id"`
	Start              time.Time       `json:"start"`
	End                time.Time       `json:"end"`
	MeasuredUsage      []MeasuredUsage `json:"measured_usage"`
	DedupID            string          `json:"dedup_id,omitempty"`
}

// Validate rejects malformed events. A failure is structural and must never
// be retried.
func (e *UsageEvent) Validate() error {
	switch {
	case e.OrganizationID == "":
		return &ValidationError{Field: "organization_id", Reason: "required"}
	case e.SpaceID == "":
		return &ValidationError{Field: "space_id", Reason: "required"}
	case e.ResourceID == "":
		return &ValidationError{Field: "resource_id", Reason: "required"}
	case e.PlanID == "":
		return &ValidationError{Field: "plan_id", Reason: "required"}
	case e.ResourceInstanceID == "":
		return &ValidationError{Field: "resource_instance_id", Reason: "required"}
	case e.Start.IsZero() || e.End.IsZero():
		return &ValidationError{Field: "start/end", Reason: "required"}
	case e.End.Before(e.Start):
		return &ValidationError{Field: "end", Reason: "before start"}
	case len(e.MeasuredUsage) == 0:
		return &ValidationError{Field: "measured_usage", Reason: "empty"}
	}
	for _, m := range e.MeasuredUsage {
		if m.Measure == "" {
			return &ValidationError{Field: "measured_usage.measure", Reason: "required"}
		}
	}
	return nil
}

// Consumer returns the event's consumer id, substituting UnknownConsumer when
// absent.
func (e *UsageEvent) Consumer() string {
	if e.ConsumerID == "" {
		return UnknownConsumer
	}
	return e.ConsumerID
}

// AccumulatorKey identifies the AccumulatedUsageDoc this event folds into.
func (e *UsageEvent) AccumulatorKey() string {
	return strings.Join([]string{
		e.OrganizationID, e.ResourceInstanceID, e.Consumer(), e.PlanID,
		e.MeteringPlanID, e.RatingPlanID, e.PricingPlanID,
	}, "/")
}

// DedupKey identifies this physical event for at-most-once accumulation. When
// the submitter supplies a dedup id it extends the key; otherwise the event's
// interval stands in for its identity.
func (e *UsageEvent) DedupKey() string {
	parts := []string{
		e.OrganizationID, e.ResourceInstanceID, e.Consumer(), e.ResourceID, e.PlanID,
	}
	if e.DedupID != "" {
		parts = append(parts, e.DedupID)
	} else {
		parts = append(parts,
			e.Start.UTC().Format(time.RFC3339Nano),
			e.End.UTC().Format(time.RFC3339Nano))
	}
	return strings.Join(parts, "/")
}

// Measures projects the measured usage into the map consumed by meter
// functions.
func (e *UsageEvent) Measures() map[string]float64 {
	m := make(map[string]float64, len(e.MeasuredUsage))
	for _, mu := range e.MeasuredUsage {
		m[mu.Measure] = mu.Quantity
	}
	return m
}

// Bucket returns the month bucket an event end time belongs to.
func Bucket(t time.Time) time.Time {
	return window.Month.Truncate(t)
}

// AccumulatedUsageDoc is the per-key rolling accumulation state. It is
// mutated in place while its month bucket is active and superseded once the
// bucket rolls past slack. Revision and EmittedAt are storage bookkeeping and
// are omitted from API responses.
type AccumulatedUsageDoc struct {
	ID                 string    `json:"id"`
	Key                string    `json:"key"`
	OrganizationID     string    `json:"organization_id"`
	SpaceID            string    `json:"space_id"`
	ConsumerID         string    `json:"consumer_id"`
	ResourceID         string    `json:"resource_id"`
	PlanID             string    `json:"plan_id"`
	ResourceInstanceID string    `json:"resource_instance_id"`
	MeteringPlanID     string    `json:"metering_plan_id"`
	RatingPlanID       string    `json:"rating_plan_id"`
	PricingPlanID      string    `json:"pricing_plan_id"`
	Bucket             time.Time `json:"bucket"`

	// Metrics maps metric name to its rolling window set.
	Metrics map[string]*window.Set `json:"metrics"`

	ProcessedAt time.Time  `json:"processed_at"`
	Revision    int64      `json:"-"`
	EmittedAt   *time.Time `json:"-"`
}

// DeltaCell is the accumulated change at one resolution: the cell value
// before and after the fold. Previous is nil when the fold opened a fresh
// window.
type DeltaCell struct {
	Resolution window.Resolution `json:"resolution"`
	Previous   *window.Quantity  `json:"previous,omitempty"`
	Current    *window.Quantity  `json:"current,omitempty"`
}

// MetricDelta is one metric's accumulated change across every resolution.
type MetricDelta struct {
	Metric string      `json:"metric"`
	Cells  []DeltaCell `json:"cells"`
}

// AccumulatedDelta is what accumulation emits downstream: enough to fold into
// every aggregation level without reading the accumulated doc. Aggregation is
// a pure function of deltas, never a recompute.
//
// ID is the delta's stable identity. It survives re-emission from the outbox,
// and the aggregation side folds each id at most once, so delivery may be
// at-least-once in any order.
type AccumulatedDelta struct {
	ID                 string        `json:"id"`
	DocID              string        `json:"doc_id"`
	OrganizationID     string        `json:"organization_id"`
	SpaceID            string        `json:"space_id"`
	ConsumerID         string        `json:"consumer_id"`
	ResourceID         string        `json:"resource_id"`
	PlanID             string        `json:"plan_id"`
	ResourceInstanceID string        `json:"resource_instance_id"`
	MeteringPlanID     string        `json:"metering_plan_id"`
	RatingPlanID       string        `json:"rating_plan_id"`
	PricingPlanID      string        `json:"pricing_plan_id"`
	Bucket             time.Time     `json:"bucket"`
	End                time.Time     `json:"end"`
	Deltas             []MetricDelta `json:"deltas"`
	ProcessedAt        time.Time     `json:"processed_at"`
}

// Validate rejects malformed deltas submitted to the aggregation service.
func (d *AccumulatedDelta) Validate() error {
	switch {
	case d.OrganizationID == "":
		return &ValidationError{Field: "organization_id", Reason: "required"}
	case d.SpaceID == "":
		return &ValidationError{Field: "space_id", Reason: "required"}
	case d.ResourceID == "":
		return &ValidationError{Field: "resource_id", Reason: "required"}
	case d.Bucket.IsZero():
		return &ValidationError{Field: "bucket", Reason: "required"}
	case d.End.IsZero():
		return &ValidationError{Field: "end", Reason: "required"}
	case len(d.Deltas) == 0:
		return &ValidationError{Field: "deltas", Reason: "empty"}
	}
	return nil
}

// Consumer returns the delta's consumer id, substituting UnknownConsumer when
// absent.
func (d *AccumulatedDelta) Consumer() string {
	if d.ConsumerID == "" {
		return UnknownConsumer
	}
	return d.ConsumerID
}

// DedupMarker records that a physical event has been accumulated. Written
// once, never mutated; a second insert for the same key is a caller-visible
// conflict, while a lookup hit short-circuits to the idempotent replay path.
type DedupMarker struct {
	Key       string    `json:"key"`
	DocID     string    `json:"doc_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AccumulatorRepository defines persistence for accumulated usage docs and
// dedup markers.
type AccumulatorRepository interface {
	// GetDoc retrieves the doc for a key and bucket, or ErrNotFound.
	GetDoc(ctx context.Context, key string, bucket time.Time) (*AccumulatedUsageDoc, error)

	// GetDocByID retrieves a doc by its id, or ErrNotFound.
	GetDocByID(ctx context.Context, id string) (*AccumulatedUsageDoc, error)

	// PutDoc persists a doc. The write is optimistic on doc.Revision: a
	// revision mismatch returns ErrRevisionConflict and on success the doc's
	// Revision is advanced.
	PutDoc(ctx context.Context, doc *AccumulatedUsageDoc) error

	// GetDedupMarker retrieves a marker by key, or ErrNotFound.
	GetDedupMarker(ctx context.Context, key string) (*DedupMarker, error)

	// CreateDedupMarker inserts a marker; an existing key returns
	// ErrDuplicateEntry.
	CreateDedupMarker(ctx context.Context, marker *DedupMarker) error

	// MarkEmitted records the downstream acknowledgment for a doc.
	MarkEmitted(ctx context.Context, id string, at time.Time) error

	// EnqueueDelta stores an emitted delta in the outbox so a failed or
	// unacknowledged emit can be replayed verbatim. An existing delta id
	// returns ErrDuplicateEntry.
	EnqueueDelta(ctx context.Context, delta *AccumulatedDelta) error

	// ListUnemittedDeltas retrieves outbox deltas not yet acknowledged
	// downstream, oldest first.
	ListUnemittedDeltas(ctx context.Context, limit int) ([]*AccumulatedDelta, error)

	// MarkDeltaEmitted records the downstream acknowledgment for an outbox
	// delta.
	MarkDeltaEmitted(ctx context.Context, id string, at time.Time) error
}
