// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !integration && !acceptance

package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meterd/meterd"
	"github.com/meterd/meterd/internal/lock"
	"github.com/meterd/meterd/internal/pipeline"
	"github.com/meterd/meterd/internal/plans"
	"github.com/meterd/meterd/internal/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo is an in-memory AggregatorRepository with optional fault
// injection for optimistic write conflicts and hard write failures.
type fakeRepo struct {
	mu        sync.Mutex
	docs      map[string]*meterd.AggregatedUsageDoc
	log       []*meterd.DeltaLogEntry
	conflicts int
	failPuts  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{docs: make(map[string]*meterd.AggregatedUsageDoc)}
}

func (r *fakeRepo) docKey(orgID string, bucket time.Time) string {
	return orgID + "@" + bucket.UTC().Format(time.RFC3339)
}

// clone round-trips the doc through JSON the way the real repository does,
// so callers never share tree nodes with stored state.
func (r *fakeRepo) clone(doc *meterd.AggregatedUsageDoc) *meterd.AggregatedUsageDoc {
	c := *doc
	if doc.Org != nil {
		raw, _ := json.Marshal(doc.Org)
		c.Org = &meterd.OrgNode{}
		_ = json.Unmarshal(raw, c.Org)
	}
	return &c
}

func (r *fakeRepo) GetOrg(_ context.Context, orgID string, bucket time.Time) (*meterd.AggregatedUsageDoc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[r.docKey(orgID, bucket)]
	if !ok {
		return nil, meterd.ErrNotFound
	}
	return r.clone(doc), nil
}

func (r *fakeRepo) GetOrgByID(_ context.Context, id string) (*meterd.AggregatedUsageDoc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, doc := range r.docs {
		if doc.ID == id {
			return r.clone(doc), nil
		}
	}
	return nil, meterd.ErrNotFound
}

// PutOrg mirrors the real repository: the snapshot and the log entry land
// together or not at all.
func (r *fakeRepo) PutOrg(_ context.Context, doc *meterd.AggregatedUsageDoc, entry *meterd.DeltaLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflicts > 0 {
		r.conflicts--
		return meterd.ErrRevisionConflict
	}
	if r.failPuts > 0 {
		r.failPuts--
		return errors.New("connection reset")
	}
	key := r.docKey(doc.OrganizationID, doc.Bucket)
	existing, ok := r.docs[key]
	if ok && existing.Revision != doc.Revision {
		return meterd.ErrRevisionConflict
	}
	if entry != nil {
		for _, e := range r.log {
			if e.ID == entry.ID {
				return meterd.ErrDuplicateEntry
			}
		}
	}
	doc.Revision++
	doc.EmittedAt = nil
	r.docs[key] = r.clone(doc)
	if entry != nil {
		r.log = append(r.log, entry)
	}
	return nil
}

func (r *fakeRepo) HasDelta(_ context.Context, deltaID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.log {
		if e.ID == deltaID {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) ListUnemitted(_ context.Context, limit int) ([]*meterd.AggregatedUsageDoc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var docs []*meterd.AggregatedUsageDoc
	for _, doc := range r.docs {
		if doc.EmittedAt == nil && len(docs) < limit {
			c := *doc
			docs = append(docs, &c)
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

func testPlans(t *testing.T) *plans.StaticProvider {
	t.Helper()
	provider, err := plans.NewStaticProvider(
		[]pipeline.PlanSpec{
			{
				ID: "object-storage-metering",
				Metrics: []pipeline.MetricSpec{
					{Name: "storage", Unit: "GIGABYTE", Measure: "storage", Scale: 1 << 30, Accumulate: "max"},
					{Name: "light_api_calls", Unit: "THOUSAND_CALLS", Measure: "light_api_calls", Scale: 1000, Accumulate: "sum"},
				},
			},
		},
		nil, nil,
	)
	require.NoError(t, err)
	return provider
}

// testDelta builds a delta with one sum metric cell pair applied uniformly
// at every resolution.
func testDelta(end time.Time, space, consumer string, previous, current float64) *meterd.AccumulatedDelta {
	md := meterd.MetricDelta{Metric: "light_api_calls"}
	for _, r := range window.Resolutions {
		cell := meterd.DeltaCell{Resolution: r, Current: window.Num(current)}
		if previous > 0 {
			cell.Previous = window.Num(previous)
		}
		md.Cells = append(md.Cells, cell)
	}
	return &meterd.AccumulatedDelta{
		ID:                 uuid.NewString(),
		DocID:              "doc-1",
		OrganizationID:     "org-a",
		SpaceID:            space,
		ConsumerID:         consumer,
		ResourceID:         "object-storage",
		PlanID:             "basic",
		ResourceInstanceID: "inst-1",
		MeteringPlanID:     "object-storage-metering",
		Bucket:             meterd.Bucket(end),
		End:                end,
		Deltas:             []meterd.MetricDelta{md},
		ProcessedAt:        end,
	}
}

func newTestEngine(t *testing.T, repo meterd.AggregatorRepository, options ...EngineOption) *Engine {
	t.Helper()
	return NewEngine(repo, lock.NewMemoryLocker(), testPlans(t), options...)
}

func hourValue(t *testing.T, node *meterd.MetricNode) float64 {
	t.Helper()
	cell := node.Windows.Cell(window.Hour)
	require.NotNil(t, cell.Current)
	return cell.Current.Value
}

func TestEngine_AggregatePopulatesAllLevels(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	result, err := engine.Aggregate(ctx, testDelta(end, "space-1", "cons-1", 0, 10))
	require.NoError(t, err)

	doc, err := repo.GetOrgByID(ctx, result.DocID)
	require.NoError(t, err)
	org := doc.Org

	orgRes := org.Resource("object-storage")
	space := org.Space("space-1")
	spaceRes := space.Resource("object-storage")
	consRes := space.Consumer("cons-1").Resource("object-storage")

	assert.Equal(t, float64(10), hourValue(t, orgRes.Metric("light_api_calls")))
	assert.Equal(t, float64(10), hourValue(t, orgRes.Plan("basic").Metric("light_api_calls")))
	assert.Equal(t, float64(10), hourValue(t, spaceRes.Metric("light_api_calls")))
	assert.Equal(t, float64(10), hourValue(t, spaceRes.Plan("basic").Metric("light_api_calls")))
	assert.Equal(t, float64(10), hourValue(t, consRes.Metric("light_api_calls")))
	assert.Equal(t, float64(10), hourValue(t, consRes.Plan("basic").Metric("light_api_calls")))

	// No duplicate nodes were created
	assert.Len(t, org.Resources, 1)
	assert.Len(t, org.Spaces, 1)
	assert.Len(t, space.Consumers, 1)
}

func TestEngine_AggregateFoldsDeltasWithoutDoubleCounting(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	// First fold: fresh window with value 10
	_, err := engine.Aggregate(ctx, testDelta(end, "space-1", "cons-1", 0, 10))
	require.NoError(t, err)

	// Second fold from the same accumulator key: 10 became 15. The
	// aggregate must land on 15, not 25.
	result, err := engine.Aggregate(ctx, testDelta(end.Add(5*time.Minute), "space-1", "cons-1", 10, 15))
	require.NoError(t, err)

	doc, err := repo.GetOrgByID(ctx, result.DocID)
	require.NoError(t, err)
	assert.Equal(t, float64(15), hourValue(t, doc.Org.Resource("object-storage").Metric("light_api_calls")))
}

func TestEngine_AggregateSumsAcrossSpaces(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	_, err := engine.Aggregate(ctx, testDelta(end, "space-1", "cons-1", 0, 10))
	require.NoError(t, err)
	result, err := engine.Aggregate(ctx, testDelta(end.Add(time.Minute), "space-2", "cons-2", 0, 7))
	require.NoError(t, err)

	doc, err := repo.GetOrgByID(ctx, result.DocID)
	require.NoError(t, err)
	org := doc.Org

	// Org level sums both spaces; each space keeps its own share
	assert.Equal(t, float64(17), hourValue(t, org.Resource("object-storage").Metric("light_api_calls")))
	assert.Equal(t, float64(10), hourValue(t, org.Space("space-1").Resource("object-storage").Metric("light_api_calls")))
	assert.Equal(t, float64(7), hourValue(t, org.Space("space-2").Resource("object-storage").Metric("light_api_calls")))
	assert.Len(t, org.Spaces, 2)
}

func TestEngine_AggregateRollsWindows(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	_, err := engine.Aggregate(ctx, testDelta(end, "space-1", "cons-1", 0, 10))
	require.NoError(t, err)

	// Next hour: the accumulator rolled, so the delta carries no previous
	result, err := engine.Aggregate(ctx, testDelta(end.Add(time.Hour), "space-1", "cons-1", 0, 4))
	require.NoError(t, err)

	doc, err := repo.GetOrgByID(ctx, result.DocID)
	require.NoError(t, err)
	cell := doc.Org.Resource("object-storage").Metric("light_api_calls").Windows.Cell(window.Hour)
	require.NotNil(t, cell.Current)
	assert.Equal(t, float64(4), cell.Current.Value)
	require.NotNil(t, cell.Previous)
	assert.Equal(t, float64(10), cell.Previous.Value)
}

func TestEngine_AggregateRetriesWriteConflicts(t *testing.T) {
	repo := newFakeRepo()
	repo.conflicts = 2
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	_, err := engine.Aggregate(ctx, testDelta(end, "space-1", "cons-1", 0, 10))
	require.NoError(t, err)
}

func TestEngine_AggregateGivesUpAfterRepeatedConflicts(t *testing.T) {
	repo := newFakeRepo()
	repo.conflicts = 10
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	_, err := engine.Aggregate(ctx, testDelta(end, "space-1", "cons-1", 0, 10))
	assert.ErrorIs(t, err, meterd.ErrRevisionConflict)
}

func TestEngine_AggregateAppendsDeltaLog(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	result, err := engine.Aggregate(ctx, testDelta(end, "space-1", "cons-1", 0, 10))
	require.NoError(t, err)

	require.Len(t, repo.log, 1)
	assert.Equal(t, result.DocID, repo.log[0].DocID)
	assert.Equal(t, "org-a", repo.log[0].Delta.OrganizationID)
}

func TestEngine_AggregateSkipsAlreadyAppliedDelta(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	delta := testDelta(end, "space-1", "cons-1", 0, 10)
	first, err := engine.Aggregate(ctx, delta)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	// A re-emitted delta folds nothing and answers with the same doc.
	second, err := engine.Aggregate(ctx, delta)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.DocID, second.DocID)

	doc, err := repo.GetOrgByID(ctx, first.DocID)
	require.NoError(t, err)
	assert.Equal(t, float64(10), hourValue(t, doc.Org.Resource("object-storage").Metric("light_api_calls")))
	assert.Len(t, repo.log, 1)
}

func TestEngine_AggregateRedeliveredAfterFailedWriteFoldsOnce(t *testing.T) {
	repo := newFakeRepo()
	repo.failPuts = 1
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	delta := testDelta(end, "space-1", "cons-1", 0, 5)

	// The write fails wholesale: no snapshot, no log entry.
	_, err := engine.Aggregate(ctx, delta)
	require.Error(t, err)
	assert.Empty(t, repo.log)

	// The outbox re-emits the delta. It must fold exactly once.
	result, err := engine.Aggregate(ctx, delta)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)

	doc, err := repo.GetOrgByID(ctx, result.DocID)
	require.NoError(t, err)
	assert.Equal(t, float64(5), hourValue(t, doc.Org.Resource("object-storage").Metric("light_api_calls")))
	assert.Len(t, repo.log, 1)

	// A further redelivery is short-circuited by the log.
	third, err := engine.Aggregate(ctx, delta)
	require.NoError(t, err)
	assert.True(t, third.Duplicate)
	doc, err = repo.GetOrgByID(ctx, result.DocID)
	require.NoError(t, err)
	assert.Equal(t, float64(5), hourValue(t, doc.Org.Resource("object-storage").Metric("light_api_calls")))
}

func TestEngine_AggregateLateDeltaCreditsPreviousWindow(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	_, err := engine.Aggregate(ctx, testDelta(end, "space-1", "cons-1", 0, 10))
	require.NoError(t, err)

	// A late event landed in the accumulator's previous hour. Its delta
	// carries the hour pair for that window plus the folded day and month
	// pairs; the finer resolutions could not be attributed.
	late := testDelta(end.Add(-45*time.Minute), "space-1", "cons-1", 0, 0)
	late.Deltas = []meterd.MetricDelta{{
		Metric: "light_api_calls",
		Cells: []meterd.DeltaCell{
			{Resolution: window.Hour, Current: window.Num(3)},
			{Resolution: window.Day, Previous: window.Num(10), Current: window.Num(13)},
			{Resolution: window.Month, Previous: window.Num(10), Current: window.Num(13)},
		},
	}}

	result, err := engine.Aggregate(ctx, late)
	require.NoError(t, err)

	doc, err := repo.GetOrgByID(ctx, result.DocID)
	require.NoError(t, err)
	windows := doc.Org.Resource("object-storage").Metric("light_api_calls").Windows

	// The aggregate's previous hour absorbed the late usage; the current
	// hour did not.
	hour := windows.Cell(window.Hour)
	assert.Equal(t, float64(10), hour.Current.Value)
	require.NotNil(t, hour.Previous)
	assert.Equal(t, float64(3), hour.Previous.Value)
	assert.Equal(t, float64(13), windows.Cell(window.Day).Current.Value)
}

func TestEngine_AggregateRejectsInvalidDelta(t *testing.T) {
	engine := newTestEngine(t, newFakeRepo())

	delta := testDelta(time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC), "space-1", "cons-1", 0, 10)
	delta.OrganizationID = ""

	_, err := engine.Aggregate(context.Background(), delta)
	var verr *meterd.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestEngine_AggregateSubstitutesUnknownConsumer(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	end := time.Date(2025, 10, 31, 12, 30, 0, 0, time.UTC)
	result, err := engine.Aggregate(ctx, testDelta(end, "space-1", "", 0, 10))
	require.NoError(t, err)

	doc, err := repo.GetOrgByID(ctx, result.DocID)
	require.NoError(t, err)
	space := doc.Org.Space("space-1")
	require.Len(t, space.Consumers, 1)
	assert.Equal(t, meterd.UnknownConsumer, space.Consumers[0].ConsumerID)
}
