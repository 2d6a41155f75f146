// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package aggregator folds accumulated deltas into per-organization usage
// trees. Every delta lands at six positions: the org, space and consumer
// levels, each with and without a plan breakdown.
package aggregator

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
	"github.com/meterd/meterd/internal/sink"
	"github.com/meterd/meterd/internal/window"
)

// DefaultSlack mirrors the accumulation slack: deltas lagging further than
// this behind a rolled window are skipped at that resolution.
const DefaultSlack = 2 * time.Hour

// writeRetries bounds the reload-and-reapply attempts after an optimistic
// write loses to a concurrent revision.
const writeRetries = 3

// Result reports the outcome of aggregating one delta.
type Result struct {
	// DocID is the organization tree snapshot the delta folded into.
	DocID string
	// Duplicate reports that the delta log short-circuited an
	// already-applied delta.
	Duplicate bool
}

// Engine aggregates accumulated deltas. All folds for one organization and
// bucket are serialized through the locker.
type Engine struct {
	repo    meterd.AggregatorRepository
	locker  lock.Locker
	plans   plans.MeteringPlanProvider
	logger  *slog.Logger
	slack   time.Duration
	sink    sink.Sink
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

// WithSlack sets how far behind a rolled window boundary a delta may lag
// and still be folded
func WithSlack(slack time.Duration) EngineOption {
	return func(e *Engine) {
		e.slack = slack
	}
}

// WithSink sets the downstream snapshot sink
func WithSink(s sink.Sink) EngineOption {
	return func(e *Engine) {
		e.sink = s
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

// NewEngine creates a new aggregation Engine
func NewEngine(
	repo meterd.AggregatorRepository,
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

// Aggregate folds one accumulated delta into the organization's tree at the
// delta's bucket. Because a delta carries before/after pairs, folding it is
// idempotent at the cell level and never recomputes from raw usage.
func (e *Engine) Aggregate(ctx context.Context, delta *meterd.AccumulatedDelta) (*Result, error) {
	started := e.now()

	if err := delta.Validate(); err != nil {
		return nil, err
	}

	plan, err := e.plans.MeteringPlan(ctx, delta.MeteringPlanID)
	if err != nil {
		return nil, err
	}

	lockKey := "agg/" + delta.OrganizationID + "@" + delta.Bucket.UTC().Format(time.RFC3339)
	release, err := e.locker.Acquire(ctx, lockKey)
	if err != nil {
		if errors.Is(err, meterd.ErrLockTimeout) && e.metrics != nil {
			e.metrics.RecordLockTimeout(ctx, "aggregator")
		}
		return nil, err
	}
	defer release()

	// Deltas are delivered at least once: a failed acknowledgment gets the
	// same delta re-emitted from the outbox. The delta log short-circuits
	// anything already folded, so folding stays effectively exactly-once.
	if delta.ID != "" {
		applied, err := e.repo.HasDelta(ctx, delta.ID)
		if err != nil {
			return nil, fmt.Errorf("check delta log: %w", err)
		}
		if applied {
			e.logger.Debug("Delta already applied", "deltaID", delta.ID, "organizationID", delta.OrganizationID)
			result := &Result{Duplicate: true}
			if doc, err := e.repo.GetOrg(ctx, delta.OrganizationID, delta.Bucket); err == nil {
				result.DocID = doc.ID
			}
			return result, nil
		}
	}

	entry := &meterd.DeltaLogEntry{
		ID:    delta.ID,
		Delta: delta,
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	var doc *meterd.AggregatedUsageDoc
	for attempt := 1; ; attempt++ {
		doc, err = e.loadOrCreateDoc(ctx, delta)
		if err != nil {
			return nil, err
		}

		e.fold(doc.Org, delta, plan)

		doc.ProcessedAt = e.now().UTC()
		entry.DocID = doc.ID
		entry.AppliedAt = doc.ProcessedAt

		// The snapshot and its log entry commit together: a failed write
		// changes nothing, so redelivering the delta can never fold it
		// twice.
		err = e.repo.PutOrg(ctx, doc, entry)
		if err == nil {
			break
		}
		if errors.Is(err, meterd.ErrDuplicateEntry) {
			// A crashed earlier attempt committed this delta after the
			// dedup check. The fold is already durable.
			e.logger.Debug("Delta already applied", "deltaID", entry.ID, "organizationID", delta.OrganizationID)
			result := &Result{Duplicate: true}
			if existing, err := e.repo.GetOrg(ctx, delta.OrganizationID, delta.Bucket); err == nil {
				result.DocID = existing.ID
			}
			return result, nil
		}
		if !errors.Is(err, meterd.ErrRevisionConflict) {
			return nil, fmt.Errorf("persist aggregated doc: %w", err)
		}
		if e.metrics != nil {
			e.metrics.RecordRevisionConflict(ctx, "aggregator")
		}
		if attempt >= writeRetries {
			return nil, fmt.Errorf("persist aggregated doc after %d attempts: %w", attempt, err)
		}
		e.logger.Debug("Aggregated doc write conflict, retrying", "organizationID", delta.OrganizationID, "attempt", attempt)
	}

	if e.metrics != nil {
		e.metrics.RecordDeltaAggregated(ctx, delta.OrganizationID)
		e.metrics.RecordAggregationLatency(ctx, e.now().Sub(started))
	}

	e.emit(ctx, doc)

	return &Result{DocID: doc.ID}, nil
}

// loadOrCreateDoc fetches the org tree for the delta's bucket, creating an
// empty one on first use.
func (e *Engine) loadOrCreateDoc(ctx context.Context, delta *meterd.AccumulatedDelta) (*meterd.AggregatedUsageDoc, error) {
	doc, err := e.repo.GetOrg(ctx, delta.OrganizationID, delta.Bucket)
	if err == nil {
		if doc.Org == nil {
			doc.Org = meterd.NewOrgNode(delta.OrganizationID)
		}
		return doc, nil
	}
	if !errors.Is(err, meterd.ErrNotFound) {
		return nil, fmt.Errorf("load aggregated doc: %w", err)
	}

	return &meterd.AggregatedUsageDoc{
		ID:             uuid.NewString(),
		OrganizationID: delta.OrganizationID,
		Bucket:         delta.Bucket,
		Org:            meterd.NewOrgNode(delta.OrganizationID),
	}, nil
}

// fold applies every metric delta at all six tree positions.
func (e *Engine) fold(org *meterd.OrgNode, delta *meterd.AccumulatedDelta, plan *pipeline.Plan) {
	orgRes := org.Resource(delta.ResourceID)
	space := org.Space(delta.SpaceID)
	spaceRes := space.Resource(delta.ResourceID)
	consRes := space.Consumer(delta.Consumer()).Resource(delta.ResourceID)

	for _, md := range delta.Deltas {
		metric := plan.Metric(md.Metric)
		if metric == nil {
			e.logger.Warn("Delta names a metric missing from its plan",
				"metric", md.Metric, "planID", delta.MeteringPlanID)
			continue
		}

		targets := []*meterd.MetricNode{
			orgRes.Metric(md.Metric),
			orgRes.Plan(delta.PlanID).Metric(md.Metric),
			spaceRes.Metric(md.Metric),
			spaceRes.Plan(delta.PlanID).Metric(md.Metric),
			consRes.Metric(md.Metric),
			consRes.Plan(delta.PlanID).Metric(md.Metric),
		}

		cells := make(map[window.Resolution]meterd.DeltaCell, len(md.Cells))
		for _, cell := range md.Cells {
			cells[cell.Resolution] = cell
		}

		for _, target := range targets {
			// Stale resolutions were skipped upstream and keep their
			// aggregate untouched here as well.
			_, err := target.Windows.Update(delta.End, e.slack, false, func(r window.Resolution, cur *window.Quantity) *window.Quantity {
				cell, ok := cells[r]
				if !ok {
					return cur
				}
				return metric.Aggregate(cur, cell.Previous, cell.Current)
			})
			if err != nil {
				// Non-strict updates only fail on programming errors.
				e.logger.Error("Failed to fold delta into aggregate", "metric", md.Metric, "error", err)
			}
		}
	}
}

// emit hands the refreshed snapshot to the downstream sink. Failures leave
// the doc unemitted for the recovery sweep.
func (e *Engine) emit(ctx context.Context, doc *meterd.AggregatedUsageDoc) {
	if e.sink == nil {
		return
	}

	if err := e.sink.Emit(ctx, "/v1/rating/usage", doc); err != nil {
		if e.metrics != nil {
			e.metrics.RecordEmitFailure(ctx, "aggregator")
		}
		e.logger.Warn("Failed to emit aggregated snapshot", "docID", doc.ID, "error", err)
		return
	}

	if err := e.repo.MarkEmitted(ctx, doc.ID, e.now().UTC()); err != nil {
		e.logger.Warn("Failed to mark aggregated doc emitted", "docID", doc.ID, "error", err)
	}
}
