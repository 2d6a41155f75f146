// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type UsageMetrics struct {
	eventsAccumulatedTotal  metric.Int64Counter
	eventsDuplicateTotal    metric.Int64Counter
	eventsRejectedTotal     metric.Int64Counter
	deltasAggregatedTotal   metric.Int64Counter
	lockTimeoutsTotal       metric.Int64Counter
	revisionConflictsTotal  metric.Int64Counter
	emitFailuresTotal       metric.Int64Counter
	recoveredDocsTotal      metric.Int64Counter
	accumulationLatency     metric.Float64Histogram
	aggregationLatency      metric.Float64Histogram
	ratingLatency           metric.Float64Histogram
	dbWriteErrorsTotal      metric.Int64Counter
}

func NewUsageMetrics(meter metric.Meter) (*UsageMetrics, error) {
	eventsAccumulatedTotal, err := meter.Int64Counter(
		"usage_events_accumulated_total",
		metric.WithDescription("Usage events folded into accumulated docs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_accumulated_total counter: %w", err)
	}

	eventsDuplicateTotal, err := meter.Int64Counter(
		"usage_events_duplicate_total",
		metric.WithDescription("Usage events short-circuited by a dedup marker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_duplicate_total counter: %w", err)
	}

	eventsRejectedTotal, err := meter.Int64Counter(
		"usage_events_rejected_total",
		metric.WithDescription("Usage events rejected as invalid or stale"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_rejected_total counter: %w", err)
	}

	deltasAggregatedTotal, err := meter.Int64Counter(
		"usage_deltas_aggregated_total",
		metric.WithDescription("Accumulated deltas folded into aggregation trees"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deltas_aggregated_total counter: %w", err)
	}

	lockTimeoutsTotal, err := meter.Int64Counter(
		"processing_lock_timeouts_total",
		metric.WithDescription("Per-key lock acquisitions that timed out"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock_timeouts_total counter: %w", err)
	}

	revisionConflictsTotal, err := meter.Int64Counter(
		"doc_revision_conflicts_total",
		metric.WithDescription("Optimistic writes lost to a concurrent revision"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create revision_conflicts_total counter: %w", err)
	}

	emitFailuresTotal, err := meter.Int64Counter(
		"sink_emit_failures_total",
		metric.WithDescription("Downstream emissions that failed after retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create emit_failures_total counter: %w", err)
	}

	recoveredDocsTotal, err := meter.Int64Counter(
		"recovery_reemitted_docs_total",
		metric.WithDescription("Unemitted docs re-emitted by the recovery sweep"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create recovered_docs_total counter: %w", err)
	}

	accumulationLatency, err := meter.Float64Histogram(
		"accumulation_latency_seconds",
		metric.WithDescription("Time to accumulate one usage event"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create accumulation_latency histogram: %w", err)
	}

	aggregationLatency, err := meter.Float64Histogram(
		"aggregation_latency_seconds",
		metric.WithDescription("Time to fold one delta into an org tree"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregation_latency histogram: %w", err)
	}

	ratingLatency, err := meter.Float64Histogram(
		"rating_latency_seconds",
		metric.WithDescription("Time to rate one aggregated snapshot"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rating_latency histogram: %w", err)
	}

	dbWriteErrorsTotal, err := meter.Int64Counter(
		"database_write_errors_total",
		metric.WithDescription("Failed database operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create database_write_errors_total counter: %w", err)
	}

	return &UsageMetrics{
		eventsAccumulatedTotal: eventsAccumulatedTotal,
		eventsDuplicateTotal:   eventsDuplicateTotal,
		eventsRejectedTotal:    eventsRejectedTotal,
		deltasAggregatedTotal:  deltasAggregatedTotal,
		lockTimeoutsTotal:      lockTimeoutsTotal,
		revisionConflictsTotal: revisionConflictsTotal,
		emitFailuresTotal:      emitFailuresTotal,
		recoveredDocsTotal:     recoveredDocsTotal,
		accumulationLatency:    accumulationLatency,
		aggregationLatency:     aggregationLatency,
		ratingLatency:          ratingLatency,
		dbWriteErrorsTotal:     dbWriteErrorsTotal,
	}, nil
}

func (um *UsageMetrics) RecordEventAccumulated(ctx context.Context, orgID string, resourceID string) {
	um.eventsAccumulatedTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("organization_id", orgID),
			attribute.String("resource_id", resourceID),
		),
	)
}

func (um *UsageMetrics) RecordEventDuplicate(ctx context.Context, options ...metric.AddOption) {
	um.eventsDuplicateTotal.Add(ctx, 1, options...)
}

func (um *UsageMetrics) RecordEventRejected(ctx context.Context, reason string) {
	um.eventsRejectedTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("reason", reason),
		),
	)
}

func (um *UsageMetrics) RecordDeltaAggregated(ctx context.Context, orgID string) {
	um.deltasAggregatedTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("organization_id", orgID),
		),
	)
}

func (um *UsageMetrics) RecordLockTimeout(ctx context.Context, scope string) {
	um.lockTimeoutsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("scope", scope),
		),
	)
}

func (um *UsageMetrics) RecordRevisionConflict(ctx context.Context, scope string) {
	um.revisionConflictsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("scope", scope),
		),
	)
}

func (um *UsageMetrics) RecordEmitFailure(ctx context.Context, scope string) {
	um.emitFailuresTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("scope", scope),
		),
	)
}

func (um *UsageMetrics) RecordRecoveredDocs(ctx context.Context, count int64, options ...metric.AddOption) {
	um.recoveredDocsTotal.Add(ctx, count, options...)
}

func (um *UsageMetrics) RecordAccumulationLatency(ctx context.Context, duration time.Duration, options ...metric.RecordOption) {
	um.accumulationLatency.Record(ctx, duration.Seconds(), options...)
}

func (um *UsageMetrics) RecordAggregationLatency(ctx context.Context, duration time.Duration, options ...metric.RecordOption) {
	um.aggregationLatency.Record(ctx, duration.Seconds(), options...)
}

func (um *UsageMetrics) RecordRatingLatency(ctx context.Context, duration time.Duration, options ...metric.RecordOption) {
	um.ratingLatency.Record(ctx, duration.Seconds(), options...)
}

func (um *UsageMetrics) RecordDatabaseError(ctx context.Context, operation string, errorType string) {
	um.dbWriteErrorsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("error_type", errorType),
		),
	)
}
