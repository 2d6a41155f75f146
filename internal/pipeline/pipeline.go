// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package pipeline binds the six per-metric transform functions (meter,
// accumulate, aggregate, summarize, rate, charge) into compiled metric
// pipelines. Compilation happens once at config-load time from a closed set
// of operator families plus optional custom Go functions; no configuration
// text is ever evaluated at runtime.
package pipeline

import (
	"fmt"
	"math"
	"time"

	"github.com/meterd/meterd/internal/window"
	"github.com/shopspring/decimal"
)

// MeterFunc maps an event's measured usage to a single metric quantity. It
// must never return NaN or panic; an absent measure meters to zero.
type MeterFunc func(measures map[string]float64) float64

// AccumulateFunc folds a metered value into a window cell. cur is nil for a
// fresh window.
type AccumulateFunc func(cur *window.Quantity, v float64) *window.Quantity

// AggregateFunc folds one accumulated delta (before, after) into an
// aggregated cell. agg is nil for a fresh aggregation window; before is nil
// when the accumulation opened a new window. The default family implements
// delta propagation, never resummation.
type AggregateFunc func(agg, before, after *window.Quantity) *window.Quantity

// SummarizeFunc produces the reporting-facing number for an aggregated cell.
type SummarizeFunc func(total float64, agg *window.Quantity) float64

// RateFunc prices an aggregated quantity.
type RateFunc func(price decimal.Decimal, agg *window.Quantity) decimal.Decimal

// ChargeFunc turns a cost into the charged amount at reporting time t.
type ChargeFunc func(t time.Time, cost decimal.Decimal) decimal.Decimal

// Metric is one fully bound metric pipeline.
type Metric struct {
	Name string
	Unit string

	// RejectStale makes the accumulation engine refuse the whole event when
	// any window resolution finds it older than slack. Discrete
	// (point-in-time) metrics set this; cumulative metrics usually tolerate
	// skipped resolutions.
	RejectStale bool

	Meter      MeterFunc
	Accumulate AccumulateFunc
	Aggregate  AggregateFunc
	Summarize  SummarizeFunc
	Rate       RateFunc
	Charge     ChargeFunc
}

// Plan is a compiled metering plan.
type Plan struct {
	ID      string
	Metrics []*Metric
}

// Metric returns the named metric pipeline, or nil.
func (p *Plan) Metric(name string) *Metric {
	for _, m := range p.Metrics {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// MetricSpec declares one metric of a plan. Measure names the projected
// measure (defaulting to the metric name) and Scale divides it (for example
// 1<<30 to meter bytes as gigabytes). Accumulate selects the operator family:
// "sum", "max" or "avg". Any of the function fields overrides its family
// default.
type MetricSpec struct {
	Name        string
	Unit        string
	Measure     string
	Scale       float64
	Accumulate  string
	RejectStale bool

	MeterFn      MeterFunc
	AccumulateFn AccumulateFunc
	AggregateFn  AggregateFunc
	SummarizeFn  SummarizeFunc
	RateFn       RateFunc
	ChargeFn     ChargeFunc
}

// PlanSpec declares a metering plan.
type PlanSpec struct {
	ID      string
	Metrics []MetricSpec
}

// Compile binds a plan spec into callable metric pipelines. It is the only
// place operator families are resolved; engines invoke the compiled functions
// and never interpret configuration themselves.
func Compile(spec PlanSpec) (*Plan, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("pipeline: plan id is required")
	}
	p := &Plan{ID: spec.ID}
	for _, ms := range spec.Metrics {
		m, err := compileMetric(ms)
		if err != nil {
			return nil, fmt.Errorf("pipeline: plan %s: %w", spec.ID, err)
		}
		if p.Metric(m.Name) != nil {
			return nil, fmt.Errorf("pipeline: plan %s: duplicate metric %s", spec.ID, m.Name)
		}
		p.Metrics = append(p.Metrics, m)
	}
	return p, nil
}

func compileMetric(ms MetricSpec) (*Metric, error) {
	if ms.Name == "" {
		return nil, fmt.Errorf("metric name is required")
	}

	family := ms.Accumulate
	if family == "" {
		family = "sum"
	}

	m := &Metric{
		Name:        ms.Name,
		Unit:        ms.Unit,
		RejectStale: ms.RejectStale,
		Meter:       projectionMeter(ms),
		Summarize:   defaultSummarize,
		Rate:        defaultRate,
		Charge:      defaultCharge,
	}

	switch family {
	case "sum":
		m.Accumulate = sumAccumulate
		m.Aggregate = sumAggregate
	case "max":
		m.Accumulate = maxAccumulate
		m.Aggregate = maxAggregate
	case "avg":
		m.Accumulate = avgAccumulate
		m.Aggregate = avgAggregate
	default:
		return nil, fmt.Errorf("metric %s: unknown accumulate family %q", ms.Name, family)
	}

	if ms.MeterFn != nil {
		m.Meter = ms.MeterFn
	}
	if ms.AccumulateFn != nil {
		m.Accumulate = ms.AccumulateFn
	}
	if ms.AggregateFn != nil {
		m.Aggregate = ms.AggregateFn
	}
	if ms.SummarizeFn != nil {
		m.Summarize = ms.SummarizeFn
	}
	if ms.RateFn != nil {
		m.Rate = ms.RateFn
	}
	if ms.ChargeFn != nil {
		m.Charge = ms.ChargeFn
	}
	return m, nil
}

// projectionMeter builds the default meter: project one measure and divide by
// the configured scale.
func projectionMeter(ms MetricSpec) MeterFunc {
	measure := ms.Measure
	if measure == "" {
		measure = ms.Name
	}
	scale := ms.Scale
	if scale <= 0 {
		scale = 1
	}
	return func(measures map[string]float64) float64 {
		v, ok := measures[measure]
		if !ok {
			return 0
		}
		v /= scale
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	}
}

func sumAccumulate(cur *window.Quantity, v float64) *window.Quantity {
	if cur == nil {
		return window.Num(v)
	}
	return window.Num(cur.Value + v)
}

func sumAggregate(agg, before, after *window.Quantity) *window.Quantity {
	delta := numeric(after) - numeric(before)
	if agg == nil {
		return window.Num(delta)
	}
	return window.Num(agg.Value + delta)
}

func maxAccumulate(cur *window.Quantity, v float64) *window.Quantity {
	if cur == nil {
		return window.Num(v)
	}
	return window.Num(math.Max(cur.Value, v))
}

// maxAggregate keeps the largest value seen at the aggregation level. Deltas
// carry the instance's running maximum, so folding the latest value is
// monotonic and replay-safe.
func maxAggregate(agg, _, after *window.Quantity) *window.Quantity {
	if agg == nil {
		return after.Clone()
	}
	return window.Num(math.Max(agg.Value, numeric(after)))
}

func avgAccumulate(cur *window.Quantity, v float64) *window.Quantity {
	if cur == nil {
		return &window.Quantity{Value: v, Sum: v, Count: 1}
	}
	sum := cur.Sum + v
	count := cur.Count + 1
	return &window.Quantity{Value: sum / float64(count), Sum: sum, Count: count}
}

func avgAggregate(agg, before, after *window.Quantity) *window.Quantity {
	var dSum float64
	var dCount int64
	if after != nil {
		dSum, dCount = after.Sum, after.Count
	}
	if before != nil {
		dSum -= before.Sum
		dCount -= before.Count
	}
	sum := dSum
	count := dCount
	if agg != nil {
		sum += agg.Sum
		count += agg.Count
	}
	q := &window.Quantity{Sum: sum, Count: count}
	if count > 0 {
		q.Value = sum / float64(count)
	}
	return q
}

func defaultSummarize(_ float64, agg *window.Quantity) float64 {
	if agg == nil {
		return 0
	}
	return agg.Value
}

func defaultRate(price decimal.Decimal, agg *window.Quantity) decimal.Decimal {
	if agg == nil {
		return decimal.Zero
	}
	return price.Mul(decimal.NewFromFloat(agg.Value))
}

func defaultCharge(_ time.Time, cost decimal.Decimal) decimal.Decimal {
	return cost
}

func numeric(q *window.Quantity) float64 {
	if q == nil {
		return 0
	}
	return q.Value
}
