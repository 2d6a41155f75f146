// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meterd/meterd"
	"github.com/meterd/meterd/internal/monitoring"
	"github.com/meterd/meterd/internal/route"
	"github.com/meterd/meterd/internal/sink"
)

// DefaultSweepInterval is how often the recovery sweep runs.
const DefaultSweepInterval = time.Minute

// DefaultSweepBatch bounds how many pending items one sweep picks up per
// store.
const DefaultSweepBatch = 100

// RecoverySweeper periodically re-emits work whose downstream acknowledgment
// was lost: accumulated deltas still sitting in the outbox and aggregated
// snapshots not yet handed to rating. Re-emission is at-least-once; the
// aggregation side drops delta ids it has already folded and rating is
// stateless, so sweeping is always safe.
type RecoverySweeper struct {
	accumulatorRepo meterd.AccumulatorRepository
	aggregatorRepo  meterd.AggregatorRepository
	aggregationSink sink.Sink
	ratingSink      sink.Sink
	parts           *route.Partitioner
	logger          *slog.Logger
	metrics         *monitoring.UsageMetrics
	interval        time.Duration
	batch           int
	now             func() time.Time
	stopChan        chan struct{}
	doneChan        chan struct{}
}

// SweeperOption configures RecoverySweeper behavior
type SweeperOption func(*RecoverySweeper)

// WithSweeperLogger sets the logger for the sweeper
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *RecoverySweeper) {
		s.logger = logger
	}
}

// WithSweeperInterval sets how often the sweep runs
func WithSweeperInterval(interval time.Duration) SweeperOption {
	return func(s *RecoverySweeper) {
		s.interval = interval
	}
}

// WithSweeperBatch sets the per-store sweep batch size
func WithSweeperBatch(batch int) SweeperOption {
	return func(s *RecoverySweeper) {
		s.batch = batch
	}
}

// WithSweeperMetrics sets the metrics for the sweeper
func WithSweeperMetrics(metrics *monitoring.UsageMetrics) SweeperOption {
	return func(s *RecoverySweeper) {
		s.metrics = metrics
	}
}

// WithSweeperClock overrides the sweeper's time source
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *RecoverySweeper) {
		s.now = now
	}
}

// NewRecoverySweeper creates a new RecoverySweeper instance. The aggregation
// sink (with its partitioner) receives recovered deltas and the rating sink
// receives recovered snapshots; either sink may be nil to skip that side.
func NewRecoverySweeper(
	accumulatorRepo meterd.AccumulatorRepository,
	aggregatorRepo meterd.AggregatorRepository,
	aggregationSink sink.Sink,
	parts *route.Partitioner,
	ratingSink sink.Sink,
	options ...SweeperOption,
) *RecoverySweeper {
	s := &RecoverySweeper{
		accumulatorRepo: accumulatorRepo,
		aggregatorRepo:  aggregatorRepo,
		aggregationSink: aggregationSink,
		ratingSink:      ratingSink,
		parts:           parts,
		logger:          slog.Default(),
		interval:        DefaultSweepInterval,
		batch:           DefaultSweepBatch,
		now:             time.Now,
		stopChan:        make(chan struct{}),
		doneChan:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Start begins the sweeper's background loop
func (s *RecoverySweeper) Start(ctx context.Context) {
	s.logger.Info("Starting recovery sweeper", "interval", s.interval.String())

	go s.run(ctx)
}

// Stop gracefully shuts down the sweeper
func (s *RecoverySweeper) Stop() {
	s.logger.Info("Stopping recovery sweeper")
	close(s.stopChan)
	<-s.doneChan
	s.logger.Info("Recovery sweeper stopped")
}

func (s *RecoverySweeper) run(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Recovery sweeper context cancelled")
			return

		case <-s.stopChan:
			return

		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one recovery pass over both stores and reports how many items
// were successfully re-emitted.
func (s *RecoverySweeper) Sweep(ctx context.Context) int {
	recovered := s.sweepDeltas(ctx) + s.sweepSnapshots(ctx)

	if recovered > 0 {
		s.logger.Info("Recovery sweep re-emitted pending items", "count", recovered)
		if s.metrics != nil {
			s.metrics.RecordRecoveredDocs(ctx, int64(recovered))
		}
	}
	return recovered
}

// sweepDeltas replays unacknowledged accumulated deltas to the aggregation
// service.
func (s *RecoverySweeper) sweepDeltas(ctx context.Context) int {
	if s.aggregationSink == nil {
		return 0
	}

	deltas, err := s.accumulatorRepo.ListUnemittedDeltas(ctx, s.batch)
	if err != nil {
		s.logger.Error("Failed to list unemitted deltas", "error", err)
		return 0
	}

	recovered := 0
	for _, delta := range deltas {
		path := "/v1/aggregation/usage"
		if s.parts != nil {
			path = fmt.Sprintf("/v1/aggregation/%d/usage", s.parts.Partition(delta.OrganizationID, delta.Bucket))
		}

		if err := s.aggregationSink.Emit(ctx, path, delta); err != nil {
			s.logger.Warn("Failed to re-emit delta", "deltaID", delta.ID, "error", err)
			// The sink is likely down; the rest of the batch can wait for
			// the next sweep.
			break
		}

		at := s.now().UTC()
		if err := s.accumulatorRepo.MarkDeltaEmitted(ctx, delta.ID, at); err != nil {
			s.logger.Warn("Failed to mark delta emitted", "deltaID", delta.ID, "error", err)
			continue
		}
		if err := s.accumulatorRepo.MarkEmitted(ctx, delta.DocID, at); err != nil && !errors.Is(err, meterd.ErrNotFound) {
			s.logger.Warn("Failed to mark accumulated doc emitted", "docID", delta.DocID, "error", err)
		}
		recovered++
	}
	return recovered
}

// sweepSnapshots replays unacknowledged aggregated snapshots to the rating
// service.
func (s *RecoverySweeper) sweepSnapshots(ctx context.Context) int {
	if s.ratingSink == nil {
		return 0
	}

	docs, err := s.aggregatorRepo.ListUnemitted(ctx, s.batch)
	if err != nil {
		s.logger.Error("Failed to list unemitted aggregated docs", "error", err)
		return 0
	}

	recovered := 0
	for _, doc := range docs {
		if err := s.ratingSink.Emit(ctx, "/v1/rating/usage", doc); err != nil {
			s.logger.Warn("Failed to re-emit aggregated snapshot", "docID", doc.ID, "error", err)
			break
		}

		if err := s.aggregatorRepo.MarkEmitted(ctx, doc.ID, s.now().UTC()); err != nil {
			s.logger.Warn("Failed to mark aggregated doc emitted", "docID", doc.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered
}
