// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !integration && !acceptance

package accumulator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meterd/meterd"
	"github.com/meterd/meterd/internal/lock"
	"github.com/meterd/meterd/internal/pipeline"
	"github.com/meterd/meterd/internal/plans"
	"github.com/meterd/meterd/internal/sink"
	"github.com/meterd/meterd/internal/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo is an in-memory AccumulatorRepository with optional fault
// injection for optimistic write conflicts.
type fakeRepo struct {
	mu        sync.Mutex
	docs      map[string]*meterd.AccumulatedUsageDoc
	markers   map[string]*meterd.DedupMarker
	outbox    []*meterd.AccumulatedDelta
	emitted   map[string]bool
	conflicts int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		docs:    make(map[string]*meterd.AccumulatedUsageDoc),
		markers: make(map[string]*meterd.DedupMarker),
		emitted: make(map[string]bool),
	}
}

func (r *fakeRepo) docKey(key string, bucket time.Time) string {
	return key + "@" + bucket.UTC().Format(time.RFC3339)
}

func (r *fakeRepo) clone(doc *meterd.AccumulatedUsageDoc) *meterd.AccumulatedUsageDoc {
	c := *doc
	c.Metrics = make(map[string]*window.Set, len(doc.Metrics))
	for name, set := range doc.Metrics {
		s := *set
		c.Metrics[name] = &s
	}
	return &c
}

func (r *fakeRepo) GetDoc(_ context.Context, key string, bucket time.Time) (*meterd.AccumulatedUsageDoc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[r.docKey(key, bucket)]
	if !ok {
		return nil, meterd.ErrNotFound
	}
	return r.clone(doc), nil
}

func (r *fakeRepo) GetDocByID(_ context.Context, id string) (*meterd.AccumulatedUsageDoc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, doc := range r.docs {
		if doc.ID == id {
			return r.clone(doc), nil
		}
	}
	return nil, meterd.ErrNotFound
}

func (r *fakeRepo) PutDoc(_ context.Context, doc *meterd.AccumulatedUsageDoc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflicts > 0 {
		r.conflicts--
		return meterd.ErrRevisionConflict
	}
	key := r.docKey(doc.Key, doc.Bucket)
	existing, ok := r.docs[key]
	if ok && existing.Revision != doc.Revision {
		return meterd.ErrRevisionConflict
	}
	doc.Revision++
	doc.EmittedAt = nil
	r.docs[key] = r.clone(doc)
	return nil
}

func (r *fakeRepo) GetDedupMarker(_ context.Context, key string) (*meterd.DedupMarker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	marker, ok := r.markers[key]
	if !ok {
		return nil, meterd.ErrNotFound
	}
	return marker, nil
}

func (r *fakeRepo) CreateDedupMarker(_ context.Context, marker *meterd.DedupMarker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.markers[marker.Key]; ok {
		return meterd.ErrDuplicateEntry
	}
	r.markers[marker.Key] = marker
	return nil
}

func (r *fakeRepo) ListUnemitted(_ context.Context, limit int) ([]*meterd.AccumulatedUsageDoc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var docs []*meterd.AccumulatedUsageDoc
	for _, doc := range r.docs {
		if doc.EmittedAt == nil && len(docs) < limit {
			docs = append(docs, r.clone(doc))
		}
	}
	return docs, nil
}

func (r *fakeRepo) MarkEmitted(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, doc := range r.docs {
		if doc.ID == id {
			doc.EmittedAt = &at
			return nil
		}
	}
	return meterd.ErrNotFound
}

func (r *fakeRepo) EnqueueDelta(_ context.Context, delta *meterd.AccumulatedDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.outbox {
		if d.ID == delta.ID {
			return meterd.ErrDuplicateEntry
		}
	}
	r.outbox = append(r.outbox, delta)
	return nil
}

func (r *fakeRepo) ListUnemittedDeltas(_ context.Context, limit int) ([]*meterd.AccumulatedDelta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deltas []*meterd.AccumulatedDelta
	for _, d := range r.outbox {
		if !r.emitted[d.ID] && len(deltas) < limit {
			deltas = append(deltas, d)
		}
	}
	return deltas, nil
}

func (r *fakeRepo) MarkDeltaEmitted(_ context.Context, id string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.outbox {
		if d.ID == id {
			r.emitted[id] = true
			return nil
		}
	}
	return meterd.ErrNotFound
}

func testPlans(t *testing.T) *plans.StaticProvider {
	t.Helper()
	provider, err := plans.NewStaticProvider(
		[]pipeline.PlanSpec{
			{
				ID: "object-storage-metering",
				Metrics: []pipeline.MetricSpec{
					{Name: "storage", Unit: "GIGABYTE", Measure: "storage", Scale: 1 << 30, Accumulate: "max", RejectStale: true},
					{Name: "light_api_calls", Unit: "THOUSAND_CALLS", Measure: "light_api_calls", Scale: 1000, Accumulate: "sum"},
				},
			},
		},
		nil, nil,
	)
	require.NoError(t, err)
	return provider
}

func testEvent(end time.Time, calls float64) *meterd.UsageEvent {
	return &meterd.UsageEvent{
		OrganizationID:     "org-a",
		SpaceID:            "space-1",
		ConsumerID:         "cons-1",
		ResourceID:         "object-storage",
		PlanID:             "basic",
		ResourceInstanceID: "inst-1",
		MeteringPlanID:     "object-storage-metering",
		RatingPlanID:       "object-storage-rating",
		PricingPlanID:      "object-storage-pricing",
		Start:              end.Add(-time.Minute),
		End:                end,
		MeasuredUsage: []meterd.MeasuredUsage{
			{Measure: "storage", Quantity: 2 << 30},
			{Measure: "light_api_calls", Quantity: calls},
		},
	}
}

func newTestEngine(t *testing.T, repo meterd.AccumulatorRepository, options ...EngineOption) *Engine {
	t.Helper()
	return NewEngine(repo, lock.NewMemoryLocker(), testPlans(t), options...)
}

func hourCell(doc *meterd.AccumulatedUsageDoc, metric string) *window.Cell {
	return doc.Metrics[metric].Cell(window.Hour)
}

func TestEngine_AccumulateCreatesDoc(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	result, err := engine.Accumulate(ctx, testEvent(end, 12000))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	require.NotNil(t, result.Delta)

	doc, err := repo.GetDocByID(ctx, result.DocID)
	require.NoError(t, err)
	assert.Equal(t, meterd.Bucket(end), doc.Bucket)
	assert.Equal(t, int64(1), doc.Revision)

	// Metered values: calls scaled to thousands, storage scaled to GB
	calls := hourCell(doc, "light_api_calls")
	require.NotNil(t, calls.Current)
	assert.Equal(t, float64(12), calls.Current.Value)
	storage := hourCell(doc, "storage")
	require.NotNil(t, storage.Current)
	assert.Equal(t, float64(2), storage.Current.Value)

	// The delta reports one cell per non-stale resolution
	require.Len(t, result.Delta.Deltas, 2)
	for _, md := range result.Delta.Deltas {
		assert.Len(t, md.Cells, len(window.Resolutions))
	}
}

func TestEngine_AccumulateFoldsSameWindow(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	first, err := engine.Accumulate(ctx, testEvent(end, 10000))
	require.NoError(t, err)

	// Second event in the same hour with a distinct interval
	second := testEvent(end.Add(10*time.Minute), 5000)
	result, err := engine.Accumulate(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, first.DocID, result.DocID)

	doc, err := repo.GetDocByID(ctx, result.DocID)
	require.NoError(t, err)

	calls := hourCell(doc, "light_api_calls")
	assert.Equal(t, float64(15), calls.Current.Value)
	assert.Nil(t, calls.Previous)

	// MAX metric keeps the maximum, not the sum
	storage := hourCell(doc, "storage")
	assert.Equal(t, float64(2), storage.Current.Value)

	// The second delta's hour cell carries the pre-fold value
	for _, md := range result.Delta.Deltas {
		if md.Metric != "light_api_calls" {
			continue
		}
		for _, cell := range md.Cells {
			if cell.Resolution == window.Hour {
				require.NotNil(t, cell.Previous)
				assert.Equal(t, float64(10), cell.Previous.Value)
				assert.Equal(t, float64(15), cell.Current.Value)
			}
		}
	}
}

func TestEngine_AccumulateRollsWindow(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	_, err := engine.Accumulate(ctx, testEvent(end, 10000))
	require.NoError(t, err)

	// Next hour: the hour window rolls, the day window folds
	result, err := engine.Accumulate(ctx, testEvent(end.Add(time.Hour), 5000))
	require.NoError(t, err)

	doc, err := repo.GetDocByID(ctx, result.DocID)
	require.NoError(t, err)

	calls := hourCell(doc, "light_api_calls")
	assert.Equal(t, float64(5), calls.Current.Value)
	require.NotNil(t, calls.Previous)
	assert.Equal(t, float64(10), calls.Previous.Value)

	day := doc.Metrics["light_api_calls"].Cell(window.Day)
	assert.Equal(t, float64(15), day.Current.Value)
}

func TestEngine_AccumulateCarriesWindowsAcrossBuckets(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 23, 0, 0, 0, time.UTC)
	first, err := engine.Accumulate(ctx, testEvent(end, 10000))
	require.NoError(t, err)

	// First event of November opens a new bucket doc; October's totals roll
	// into previous instead of vanishing.
	next, err := engine.Accumulate(ctx, testEvent(time.Date(2025, 11, 1, 0, 30, 0, 0, time.UTC), 5000))
	require.NoError(t, err)
	assert.NotEqual(t, first.DocID, next.DocID)

	doc, err := repo.GetDocByID(ctx, next.DocID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC), doc.Bucket)

	month := doc.Metrics["light_api_calls"].Cell(window.Month)
	assert.Equal(t, float64(5), month.Current.Value)
	require.NotNil(t, month.Previous)
	assert.Equal(t, float64(10), month.Previous.Value)

	// October's doc keeps its final state
	old, err := repo.GetDocByID(ctx, first.DocID)
	require.NoError(t, err)
	assert.Equal(t, float64(10), old.Metrics["light_api_calls"].Cell(window.Month).Current.Value)
}

func TestEngine_AccumulateLateWithinSlack(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo, WithSlack(2*time.Hour))
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	_, err := engine.Accumulate(ctx, testEvent(end, 10000))
	require.NoError(t, err)

	// 45 minutes behind the hour boundary, within slack: lands in the
	// previous hour, the window it belongs to. The current hour stays as
	// it was.
	late := testEvent(end.Add(-45*time.Minute), 3000)
	result, err := engine.Accumulate(ctx, late)
	require.NoError(t, err)

	doc, err := repo.GetDocByID(ctx, result.DocID)
	require.NoError(t, err)
	calls := hourCell(doc, "light_api_calls")
	assert.Equal(t, float64(10), calls.Current.Value)
	require.NotNil(t, calls.Previous)
	assert.Equal(t, float64(3), calls.Previous.Value)

	// The delta carries the previous-hour pair so downstream aggregation
	// credits the same hour.
	require.NotNil(t, result.Delta)
	for _, md := range result.Delta.Deltas {
		if md.Metric != "light_api_calls" {
			continue
		}
		var hour *meterd.DeltaCell
		for i := range md.Cells {
			if md.Cells[i].Resolution == window.Hour {
				hour = &md.Cells[i]
			}
		}
		require.NotNil(t, hour)
		assert.Nil(t, hour.Previous)
		assert.Equal(t, float64(3), hour.Current.Value)
	}
}

func TestEngine_AccumulateLateAfterMonthRoll(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo, WithSlack(2*time.Hour))
	ctx := context.Background()

	_, err := engine.Accumulate(ctx, testEvent(time.Date(2025, 10, 31, 22, 0, 0, 0, time.UTC), 1000))
	require.NoError(t, err)
	result, err := engine.Accumulate(ctx, testEvent(time.Date(2025, 11, 1, 0, 30, 0, 0, time.UTC), 1000))
	require.NoError(t, err)

	// October usage arriving after November has opened grows October's
	// total, in October's bucket. November is untouched.
	lateResult, err := engine.Accumulate(ctx, testEvent(time.Date(2025, 10, 31, 23, 30, 0, 0, time.UTC), 1000))
	require.NoError(t, err)
	assert.NotEqual(t, result.DocID, lateResult.DocID)

	octDoc, err := repo.GetDocByID(ctx, lateResult.DocID)
	require.NoError(t, err)
	octMonth := octDoc.Metrics["light_api_calls"].Cell(window.Month)
	assert.Equal(t, time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC), octMonth.Boundary)
	assert.Equal(t, float64(2), octMonth.Current.Value)

	novDoc, err := repo.GetDocByID(ctx, result.DocID)
	require.NoError(t, err)
	novMonth := novDoc.Metrics["light_api_calls"].Cell(window.Month)
	assert.Equal(t, float64(1), novMonth.Current.Value)
}

func TestEngine_AccumulateRejectsStale(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo, WithSlack(30*time.Minute))
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	_, err := engine.Accumulate(ctx, testEvent(end, 10000))
	require.NoError(t, err)

	// Two hours behind with 30m slack; the storage metric is strict
	stale := testEvent(end.Add(-2*time.Hour), 3000)
	_, err = engine.Accumulate(ctx, stale)
	assert.ErrorIs(t, err, meterd.ErrStaleUsage)

	// The doc was not mutated by the rejected event
	doc, err := repo.GetDoc(ctx, stale.AccumulatorKey(), meterd.Bucket(end))
	require.NoError(t, err)
	assert.Equal(t, float64(10), hourCell(doc, "light_api_calls").Current.Value)
	assert.Equal(t, int64(1), doc.Revision)
}

func TestEngine_AccumulateIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	event := testEvent(end, 10000)
	event.DedupID = "evt-1"

	first, err := engine.Accumulate(ctx, event)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	replay, err := engine.Accumulate(ctx, event)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, first.DocID, replay.DocID)
	assert.Nil(t, replay.Delta)

	doc, err := repo.GetDocByID(ctx, first.DocID)
	require.NoError(t, err)
	assert.Equal(t, float64(10), hourCell(doc, "light_api_calls").Current.Value)
	assert.Equal(t, int64(1), doc.Revision)
}

func TestEngine_AccumulateRetriesWriteConflicts(t *testing.T) {
	repo := newFakeRepo()
	repo.conflicts = 2
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	result, err := engine.Accumulate(ctx, testEvent(end, 10000))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
}

func TestEngine_AccumulateGivesUpAfterRepeatedConflicts(t *testing.T) {
	repo := newFakeRepo()
	repo.conflicts = 10
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	_, err := engine.Accumulate(ctx, testEvent(end, 10000))
	assert.ErrorIs(t, err, meterd.ErrRevisionConflict)
}

func TestEngine_AccumulateRejectsInvalidEvent(t *testing.T) {
	engine := newTestEngine(t, newFakeRepo())

	event := testEvent(time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC), 100)
	event.OrganizationID = ""

	_, err := engine.Accumulate(context.Background(), event)
	var verr *meterd.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestEngine_AccumulateUnknownPlan(t *testing.T) {
	engine := newTestEngine(t, newFakeRepo())

	event := testEvent(time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC), 100)
	event.MeteringPlanID = "missing"

	_, err := engine.Accumulate(context.Background(), event)
	assert.ErrorIs(t, err, meterd.ErrPlanNotFound)
}

func TestEngine_EmitSuccessMarksDoc(t *testing.T) {
	repo := newFakeRepo()
	emitted := make([]string, 0, 1)
	s := sink.Func(func(_ context.Context, path string, _ any) error {
		emitted = append(emitted, path)
		return nil
	})
	engine := newTestEngine(t, repo, WithSink(s, nil))
	ctx := context.Background()

	_, err := engine.Accumulate(ctx, testEvent(time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC), 100))
	require.NoError(t, err)
	assert.Equal(t, []string{"/v1/aggregation/usage"}, emitted)

	unemitted, err := repo.ListUnemitted(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unemitted)
}

func TestEngine_EmitFailureLeavesDocUnemitted(t *testing.T) {
	repo := newFakeRepo()
	s := sink.Func(func(context.Context, string, any) error {
		return errors.New("downstream unavailable")
	})
	engine := newTestEngine(t, repo, WithSink(s, nil))
	ctx := context.Background()

	// Emission failure must not fail the accumulation
	result, err := engine.Accumulate(ctx, testEvent(time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC), 100))
	require.NoError(t, err)
	require.NotNil(t, result.Delta)

	unemitted, err := repo.ListUnemitted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unemitted, 1)
	assert.Equal(t, result.DocID, unemitted[0].ID)
}
