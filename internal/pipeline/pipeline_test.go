// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !integration && !acceptance

package pipeline

import (
	"math"
	"testing"
	"time"

	"github.com/meterd/meterd/internal/window"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileMetricSpec(t *testing.T, ms MetricSpec) *Metric {
	t.Helper()

	plan, err := Compile(PlanSpec{ID: "test-plan", Metrics: []MetricSpec{ms}})
	require.NoError(t, err)
	m := plan.Metric(ms.Name)
	require.NotNil(t, m)
	return m
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile(PlanSpec{})
	assert.Error(t, err)

	_, err = Compile(PlanSpec{ID: "p", Metrics: []MetricSpec{{}}})
	assert.Error(t, err)

	_, err = Compile(PlanSpec{ID: "p", Metrics: []MetricSpec{{Name: "m", Accumulate: "median"}}})
	assert.Error(t, err)

	_, err = Compile(PlanSpec{ID: "p", Metrics: []MetricSpec{{Name: "m"}, {Name: "m"}}})
	assert.Error(t, err)
}

func TestCompile_DefaultsToSum(t *testing.T) {
	m := compileMetricSpec(t, MetricSpec{Name: "calls"})

	q := m.Accumulate(nil, 3)
	q = m.Accumulate(q, 4)
	assert.Equal(t, float64(7), q.Value)
}

func TestPlan_MetricLookup(t *testing.T) {
	plan, err := Compile(PlanSpec{ID: "p", Metrics: []MetricSpec{{Name: "storage"}}})
	require.NoError(t, err)

	assert.NotNil(t, plan.Metric("storage"))
	assert.Nil(t, plan.Metric("missing"))
}

func TestProjectionMeter(t *testing.T) {
	m := compileMetricSpec(t, MetricSpec{Name: "storage", Measure: "bytes", Scale: 1 << 30})

	assert.Equal(t, float64(2), m.Meter(map[string]float64{"bytes": 2 << 30}))
	// Absent measure meters to zero.
	assert.Equal(t, float64(0), m.Meter(map[string]float64{"other": 5}))
	// Non-finite inputs meter to zero rather than poisoning windows.
	assert.Equal(t, float64(0), m.Meter(map[string]float64{"bytes": math.NaN()}))
	assert.Equal(t, float64(0), m.Meter(map[string]float64{"bytes": math.Inf(1)}))
}

func TestProjectionMeter_DefaultsMeasureAndScale(t *testing.T) {
	m := compileMetricSpec(t, MetricSpec{Name: "calls"})

	assert.Equal(t, float64(12), m.Meter(map[string]float64{"calls": 12}))
}

func TestSumFamily(t *testing.T) {
	m := compileMetricSpec(t, MetricSpec{Name: "calls", Accumulate: "sum"})

	q := m.Accumulate(nil, 10)
	assert.Equal(t, float64(10), q.Value)
	q = m.Accumulate(q, 5)
	assert.Equal(t, float64(15), q.Value)

	// Aggregation folds only the before/after difference, so refolding a
	// later delta of the same window never double-counts.
	agg := m.Aggregate(nil, nil, window.Num(10))
	assert.Equal(t, float64(10), agg.Value)
	agg = m.Aggregate(agg, window.Num(10), window.Num(15))
	assert.Equal(t, float64(15), agg.Value)
}

func TestMaxFamily(t *testing.T) {
	m := compileMetricSpec(t, MetricSpec{Name: "storage", Accumulate: "max"})

	q := m.Accumulate(nil, 2)
	q = m.Accumulate(q, 1)
	assert.Equal(t, float64(2), q.Value)
	q = m.Accumulate(q, 5)
	assert.Equal(t, float64(5), q.Value)

	agg := m.Aggregate(nil, nil, window.Num(2))
	assert.Equal(t, float64(2), agg.Value)
	agg = m.Aggregate(agg, window.Num(2), window.Num(5))
	assert.Equal(t, float64(5), agg.Value)
	// The aggregate never shrinks.
	agg = m.Aggregate(agg, window.Num(5), window.Num(3))
	assert.Equal(t, float64(5), agg.Value)
}

func TestAvgFamily(t *testing.T) {
	m := compileMetricSpec(t, MetricSpec{Name: "latency", Accumulate: "avg"})

	q := m.Accumulate(nil, 10)
	q = m.Accumulate(q, 20)
	assert.Equal(t, float64(15), q.Value)
	assert.Equal(t, float64(30), q.Sum)
	assert.Equal(t, int64(2), q.Count)

	// Aggregate merges running sums and counts, then recomputes the mean.
	agg := m.Aggregate(nil, nil, q)
	assert.Equal(t, float64(15), agg.Value)
	agg = m.Aggregate(agg, q, &window.Quantity{Value: 20, Sum: 60, Count: 3})
	assert.Equal(t, float64(20), agg.Value)
	assert.Equal(t, float64(60), agg.Sum)
	assert.Equal(t, int64(3), agg.Count)
}

func TestDefaultSummarizeRateCharge(t *testing.T) {
	m := compileMetricSpec(t, MetricSpec{Name: "calls"})

	assert.Equal(t, float64(0), m.Summarize(0, nil))
	assert.Equal(t, float64(7), m.Summarize(0, window.Num(7)))

	price := decimal.RequireFromString("0.03")
	assert.True(t, m.Rate(price, nil).IsZero())
	cost := m.Rate(price, window.Num(10))
	assert.True(t, cost.Equal(decimal.RequireFromString("0.30")), "cost %s", cost)

	assert.True(t, m.Charge(time.Now(), cost).Equal(cost))
}

func TestCompile_FunctionOverrides(t *testing.T) {
	m := compileMetricSpec(t, MetricSpec{
		Name:       "memory",
		Accumulate: "sum",
		MeterFn: func(measures map[string]float64) float64 {
			return measures["gb"] * measures["seconds"]
		},
		SummarizeFn: func(_ float64, agg *window.Quantity) float64 {
			if agg == nil {
				return 0
			}
			return agg.Value / 3600
		},
		ChargeFn: func(_ time.Time, cost decimal.Decimal) decimal.Decimal {
			return cost.Round(2)
		},
	})

	assert.Equal(t, float64(7200), m.Meter(map[string]float64{"gb": 2, "seconds": 3600}))
	assert.Equal(t, float64(2), m.Summarize(0, window.Num(7200)))
	charged := m.Charge(time.Now(), decimal.RequireFromString("1.004"))
	assert.True(t, charged.Equal(decimal.RequireFromString("1.00")), "charge %s", charged)
}

func TestCompile_RejectStaleCarried(t *testing.T) {
	m := compileMetricSpec(t, MetricSpec{Name: "storage", Accumulate: "max", RejectStale: true})
	assert.True(t, m.RejectStale)
}
