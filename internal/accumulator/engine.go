// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package accumulator folds raw usage events into per-key rolling window
// documents and emits the resulting deltas downstream.
package accumulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/meterd/meterd"
	"github.com/meterd/meterd/internal/lock"
	"github.com/meterd/meterd/internal/monitoring"
	"github.com/meterd/meterd/internal/pipeline"
	"github.com/meterd/meterd/internal/plans"
	"github.com/meterd/meterd/internal/route"
	"github.com/meterd/meterd/internal/sink"
	"github.com/meterd/meterd/internal/window"
)

// DefaultSlack is how far past a window boundary a late event may still
// fold into the closed window.
const DefaultSlack = 2 * time.Hour

// writeRetries bounds the reload-and-reapply attempts after an optimistic
// write loses to a concurrent revision.
const writeRetries = 3

// Result reports the outcome of accumulating one event.
type Result struct {
	// DocID is the accumulated doc the event folded into. On a duplicate
	// submission it is the doc recorded by the original accumulation.
	DocID string
	// Duplicate reports that a dedup marker short-circuited the event.
	Duplicate bool
	// Delta carries the per-metric window changes this event caused. It is
	// nil for duplicates.
	Delta *meterd.AccumulatedDelta
}

// Engine accumulates usage events. All folds for one accumulator key are
// serialized through the locker; persistence is optimistic on the doc
// revision as a second guard against writers on other instances.
type Engine struct {
	repo    meterd.AccumulatorRepository
	locker  lock.Locker
	plans   plans.MeteringPlanProvider
	logger  *slog.Logger
	slack   time.Duration
	sink    sink.Sink
	parts   *route.Partitioner
	metrics *monitoring.UsageMetrics
	now     func() time.Time
}

// EngineOption configures Engine behavior
type EngineOption func(*Engine)

// WithLogger sets the logger for the engine
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithSlack sets how far behind a rolled window boundary an event may lag
// and still be folded
func WithSlack(slack time.Duration) EngineOption {
	return func(e *Engine) {
		e.slack = slack
	}
}

// WithSink sets the downstream delta sink
func WithSink(s sink.Sink, parts *route.Partitioner) EngineOption {
	return func(e *Engine) {
		e.sink = s
		e.parts = parts
	}
}

// WithMetrics sets the metrics for the engine
func WithMetrics(metrics *monitoring.UsageMetrics) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithClock overrides the engine's time source
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a new accumulation Engine
func NewEngine(
	repo meterd.AccumulatorRepository,
	locker lock.Locker,
	planProvider plans.MeteringPlanProvider,
	options ...EngineOption,
) *Engine {
	e := &Engine{
		repo:   repo,
		locker: locker,
		plans:  planProvider,
		logger: slog.Default(),
		slack:  DefaultSlack,
		now:    time.Now,
	}

	for _, opt := range options {
		opt(e)
	}

	return e
}

// Accumulate folds one usage event into its accumulated doc. Replays of an
// already-accumulated event return the original doc id with Duplicate set
// and leave all state untouched.
func (e *Engine) Accumulate(ctx context.Context, event *meterd.UsageEvent) (*Result, error) {
	started := e.now()

	if err := event.Validate(); err != nil {
		if e.metrics != nil {
			e.metrics.RecordEventRejected(ctx, "invalid")
		}
		return nil, err
	}

	plan, err := e.plans.MeteringPlan(ctx, event.MeteringPlanID)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordEventRejected(ctx, "plan")
		}
		return nil, err
	}

	key := event.AccumulatorKey()
	bucket := meterd.Bucket(event.End)

	release, err := e.locker.Acquire(ctx, key)
	if err != nil {
		if errors.Is(err, meterd.ErrLockTimeout) && e.metrics != nil {
			e.metrics.RecordLockTimeout(ctx, "accumulator")
		}
		return nil, err
	}
	defer release()

	// A marker hit means this physical event already folded; replay must
	// answer identically without touching the doc.
	dedupKey := event.DedupKey()
	marker, err := e.repo.GetDedupMarker(ctx, dedupKey)
	if err == nil {
		if e.metrics != nil {
			e.metrics.RecordEventDuplicate(ctx)
		}
		e.logger.Debug("Duplicate usage event", "key", key, "dedupKey", dedupKey, "docID", marker.DocID)
		return &Result{DocID: marker.DocID, Duplicate: true}, nil
	}
	if !errors.Is(err, meterd.ErrNotFound) {
		return nil, fmt.Errorf("check dedup marker: %w", err)
	}

	var doc *meterd.AccumulatedUsageDoc
	var delta *meterd.AccumulatedDelta
	for attempt := 1; ; attempt++ {
		doc, err = e.loadOrCreateDoc(ctx, event, key, bucket)
		if err != nil {
			return nil, err
		}

		delta, err = e.fold(doc, event, plan)
		if err != nil {
			if errors.Is(err, window.ErrStale) {
				if e.metrics != nil {
					e.metrics.RecordEventRejected(ctx, "stale")
				}
				return nil, fmt.Errorf("event end %s: %w", event.End.Format(time.RFC3339), meterd.ErrStaleUsage)
			}
			return nil, err
		}

		doc.ProcessedAt = e.now().UTC()
		err = e.repo.PutDoc(ctx, doc)
		if err == nil {
			break
		}
		if !errors.Is(err, meterd.ErrRevisionConflict) {
			return nil, fmt.Errorf("persist accumulated doc: %w", err)
		}
		if e.metrics != nil {
			e.metrics.RecordRevisionConflict(ctx, "accumulator")
		}
		if attempt >= writeRetries {
			return nil, fmt.Errorf("persist accumulated doc after %d attempts: %w", attempt, err)
		}
		e.logger.Debug("Accumulated doc write conflict, retrying", "key", key, "attempt", attempt)
	}

	// The outbox keeps the delta replayable verbatim; the aggregation side
	// folds each delta id at most once. A failed enqueue only narrows
	// recovery, so it must not fail the accumulation.
	if err := e.repo.EnqueueDelta(ctx, delta); err != nil && !errors.Is(err, meterd.ErrDuplicateEntry) {
		if e.metrics != nil {
			e.metrics.RecordDatabaseError(ctx, "enqueue_delta", "write")
		}
		e.logger.Error("Failed to enqueue delta for recovery", "docID", doc.ID, "deltaID", delta.ID, "error", err)
	}

	marker = &meterd.DedupMarker{
		Key:       dedupKey,
		DocID:     doc.ID,
		CreatedAt: e.now().UTC(),
	}
	if err := e.repo.CreateDedupMarker(ctx, marker); err != nil {
		if errors.Is(err, meterd.ErrDuplicateEntry) {
			// A writer on another instance folded this event concurrently.
			// Its marker wins; answer as a replay.
			existing, lookupErr := e.repo.GetDedupMarker(ctx, dedupKey)
			if lookupErr != nil {
				return nil, fmt.Errorf("load winning dedup marker: %w", lookupErr)
			}
			if e.metrics != nil {
				e.metrics.RecordEventDuplicate(ctx)
			}
			return &Result{DocID: existing.DocID, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("create dedup marker: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RecordEventAccumulated(ctx, event.OrganizationID, event.ResourceID)
		e.metrics.RecordAccumulationLatency(ctx, e.now().Sub(started))
	}

	e.emit(ctx, doc, delta)

	return &Result{DocID: doc.ID, Delta: delta}, nil
}

// loadOrCreateDoc fetches the doc for key and bucket, building a fresh one
// when no usage has been accumulated there yet.
func (e *Engine) loadOrCreateDoc(ctx context.Context, event *meterd.UsageEvent, key string, bucket time.Time) (*meterd.AccumulatedUsageDoc, error) {
	doc, err := e.repo.GetDoc(ctx, key, bucket)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, meterd.ErrNotFound) {
		return nil, fmt.Errorf("load accumulated doc: %w", err)
	}

	// Carry the superseded bucket's windows forward so the first fold in
	// the new bucket rolls them, freezing the old totals as previous.
	metrics := make(map[string]*window.Set)
	if prev, err := e.repo.GetDoc(ctx, key, bucket.AddDate(0, -1, 0)); err == nil {
		for name, set := range prev.Metrics {
			metrics[name] = set.Clone()
		}
	} else if !errors.Is(err, meterd.ErrNotFound) {
		return nil, fmt.Errorf("load superseded accumulated doc: %w", err)
	}

	return &meterd.AccumulatedUsageDoc{
		ID:                 uuid.NewString(),
		Key:                key,
		OrganizationID:     event.OrganizationID,
		SpaceID:            event.SpaceID,
		ConsumerID:         event.Consumer(),
		ResourceID:         event.ResourceID,
		PlanID:             event.PlanID,
		ResourceInstanceID: event.ResourceInstanceID,
		MeteringPlanID:     event.MeteringPlanID,
		RatingPlanID:       event.RatingPlanID,
		PricingPlanID:      event.PricingPlanID,
		Bucket:             bucket,
		Metrics:            metrics,
	}, nil
}

// fold meters the event and updates every plan metric's window set,
// collecting the per-resolution deltas.
func (e *Engine) fold(doc *meterd.AccumulatedUsageDoc, event *meterd.UsageEvent, plan *pipeline.Plan) (*meterd.AccumulatedDelta, error) {
	measures := event.Measures()
	delta := &meterd.AccumulatedDelta{
		ID:                 uuid.NewString(),
		DocID:              doc.ID,
		OrganizationID:     doc.OrganizationID,
		SpaceID:            doc.SpaceID,
		ConsumerID:         doc.ConsumerID,
		ResourceID:         doc.ResourceID,
		PlanID:             doc.PlanID,
		ResourceInstanceID: doc.ResourceInstanceID,
		MeteringPlanID:     doc.MeteringPlanID,
		RatingPlanID:       doc.RatingPlanID,
		PricingPlanID:      doc.PricingPlanID,
		Bucket:             doc.Bucket,
		End:                event.End,
		ProcessedAt:        e.now().UTC(),
	}

	for _, metric := range plan.Metrics {
		value := metric.Meter(measures)

		set, ok := doc.Metrics[metric.Name]
		if !ok {
			set = &window.Set{}
			doc.Metrics[metric.Name] = set
		}

		results, err := set.Update(event.End, e.slack, metric.RejectStale, func(_ window.Resolution, cur *window.Quantity) *window.Quantity {
			return metric.Accumulate(cur, value)
		})
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", metric.Name, err)
		}

		md := meterd.MetricDelta{Metric: metric.Name}
		for _, res := range results {
			if res.Action == window.Stale || res.Action == window.Skipped {
				continue
			}
			md.Cells = append(md.Cells, meterd.DeltaCell{
				Resolution: res.Resolution,
				Previous:   res.Before,
				Current:    res.After,
			})
		}
		delta.Deltas = append(delta.Deltas, md)
	}

	return delta, nil
}

// emit hands the delta to the downstream sink. Failures leave the doc
// unemitted for the recovery sweep and never fail the accumulation.
func (e *Engine) emit(ctx context.Context, doc *meterd.AccumulatedUsageDoc, delta *meterd.AccumulatedDelta) {
	if e.sink == nil {
		return
	}

	path := "/v1/aggregation/usage"
	if e.parts != nil {
		path = fmt.Sprintf("/v1/aggregation/%d/usage", e.parts.Partition(doc.OrganizationID, doc.Bucket))
	}

	if err := e.sink.Emit(ctx, path, delta); err != nil {
		if e.metrics != nil {
			e.metrics.RecordEmitFailure(ctx, "accumulator")
		}
		e.logger.Warn("Failed to emit accumulated delta", "docID", doc.ID, "error", err)
		return
	}

	at := e.now().UTC()
	if err := e.repo.MarkDeltaEmitted(ctx, delta.ID, at); err != nil {
		e.logger.Warn("Failed to mark delta emitted", "deltaID", delta.ID, "error", err)
	}
	if err := e.repo.MarkEmitted(ctx, doc.ID, at); err != nil {
		e.logger.Warn("Failed to mark accumulated doc emitted", "docID", doc.ID, "error", err)
	}
}
