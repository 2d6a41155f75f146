// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package rating turns aggregated usage trees into rated reports. The stage
// is stateless: rated documents are computed on every read from the current
// snapshot and never persisted.
package rating

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meterd/meterd"
	"github.com/meterd/meterd/internal/monitoring"
	"github.com/meterd/meterd/internal/pipeline"
	"github.com/meterd/meterd/internal/plans"
	"github.com/meterd/meterd/internal/window"
	"github.com/shopspring/decimal"
)

// Stage rates aggregated usage. Costs and charges are computed at the plan
// level, where the pricing plan is known, and summed upward to the resource
// level. Plan-less metric nodes above consumers only carry quantity
// summaries plus those sums.
type Stage struct {
	plans     plans.MeteringPlanProvider
	refs      plans.RefResolver
	prices    plans.PriceProvider
	countries plans.CountryProvider
	logger    *slog.Logger
	metrics   *monitoring.UsageMetrics
	now       func() time.Time
}

// StageOption configures Stage behavior
type StageOption func(*Stage)

// WithLogger sets the logger for the stage
func WithLogger(logger *slog.Logger) StageOption {
	return func(s *Stage) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics for the stage
func WithMetrics(metrics *monitoring.UsageMetrics) StageOption {
	return func(s *Stage) {
		s.metrics = metrics
	}
}

// WithClock overrides the stage's time source
func WithClock(now func() time.Time) StageOption {
	return func(s *Stage) {
		s.now = now
	}
}

// NewStage creates a new rating Stage
func NewStage(
	planProvider plans.MeteringPlanProvider,
	refs plans.RefResolver,
	prices plans.PriceProvider,
	countries plans.CountryProvider,
	options ...StageOption,
) *Stage {
	s := &Stage{
		plans:     planProvider,
		refs:      refs,
		prices:    prices,
		countries: countries,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Rate computes the rated report for one aggregated snapshot. The report is
// priced in the organization's country and stamped with the rating time,
// which monthly-prorated charge functions use as "now".
func (s *Stage) Rate(ctx context.Context, doc *meterd.AggregatedUsageDoc) (*meterd.RatedUsageDoc, error) {
	if doc == nil || doc.Org == nil {
		return nil, fmt.Errorf("rating: nil aggregated doc")
	}
	start := s.now()

	country, err := s.countries.Country(ctx, doc.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("resolving country for organization %s: %w", doc.OrganizationID, err)
	}

	out := &meterd.RatedUsageDoc{
		OrganizationID: doc.OrganizationID,
		Bucket:         doc.Bucket,
		Country:        country,
		RatedAt:        start,
	}

	for _, res := range doc.Org.Resources {
		rated, err := s.rateResource(ctx, res, country, start)
		if err != nil {
			return nil, err
		}
		out.Resources = append(out.Resources, rated)
	}

	for _, space := range doc.Org.Spaces {
		rated, err := s.rateSpace(ctx, space, country, start)
		if err != nil {
			return nil, err
		}
		out.Spaces = append(out.Spaces, rated)
	}

	if s.metrics != nil {
		s.metrics.RecordRatingLatency(ctx, s.now().Sub(start))
	}
	return out, nil
}

// chargeKey addresses one metric's rated total at one resolution.
type chargeKey struct {
	metric     string
	resolution window.Resolution
}

func (s *Stage) rateSpace(ctx context.Context, node *meterd.SpaceNode, country string, at time.Time) (*meterd.RatedSpace, error) {
	out := &meterd.RatedSpace{SpaceID: node.SpaceID}
	for _, res := range node.Resources {
		rated, err := s.rateResource(ctx, res, country, at)
		if err != nil {
			return nil, err
		}
		out.Resources = append(out.Resources, rated)
	}
	for _, cons := range node.Consumers {
		rc := &meterd.RatedConsumer{ConsumerID: cons.ConsumerID}
		for _, res := range cons.Resources {
			rated, err := s.rateResource(ctx, res, country, at)
			if err != nil {
				return nil, err
			}
			rc.Resources = append(rc.Resources, rated)
		}
		out.Consumers = append(out.Consumers, rc)
	}
	return out, nil
}

func (s *Stage) rateResource(ctx context.Context, node *meterd.ResourceNode, country string, at time.Time) (*meterd.RatedResource, error) {
	out := &meterd.RatedResource{ResourceID: node.ResourceID}
	costs := make(map[chargeKey]decimal.Decimal)
	charges := make(map[chargeKey]decimal.Decimal)

	for _, p := range node.Plans {
		refs, err := s.refs.Refs(ctx, node.ResourceID, p.PlanID)
		if err != nil {
			return nil, err
		}
		plan, err := s.plans.MeteringPlan(ctx, refs.MeteringPlanID)
		if err != nil {
			return nil, err
		}
		rp := &meterd.RatedPlan{PlanID: p.PlanID}
		for _, mn := range p.AggregatedUsage {
			metric := plan.Metric(mn.Metric)
			if metric == nil {
				s.logger.Warn("metric missing from metering plan, skipping",
					"plan_id", refs.MeteringPlanID, "metric", mn.Metric)
				continue
			}
			price, err := s.prices.Price(ctx, refs.PricingPlanID, mn.Metric, country)
			if errors.Is(err, meterd.ErrPlanNotFound) {
				// An unpriced metric still reports its quantity; it rates
				// to zero.
				s.logger.Warn("no price configured, rating as zero",
					"pricing_plan_id", refs.PricingPlanID, "metric", mn.Metric, "country", country)
				price = decimal.Zero
			} else if err != nil {
				return nil, err
			}
			rm := rateWindows(metric, price, mn, at)
			rp.Usage = append(rp.Usage, rm)
			for _, cell := range rm.Windows {
				key := chargeKey{mn.Metric, cell.Resolution}
				costs[key] = costs[key].Add(cell.Cost)
				charges[key] = charges[key].Add(cell.Charge)
			}
		}
		out.Plans = append(out.Plans, rp)
	}

	for _, mn := range node.AggregatedUsage {
		rm := &meterd.RatedMetric{Metric: mn.Metric}
		for _, r := range window.Resolutions {
			key := chargeKey{mn.Metric, r}
			cell := meterd.RatedCell{
				Resolution: r,
				Cost:       costs[key],
				Charge:     charges[key],
			}
			if qty := mn.Windows.Cell(r).Current; qty != nil {
				cell.Quantity = qty.Clone()
				cell.Summary = qty.Value
			}
			rm.Windows = append(rm.Windows, cell)
		}
		out.Usage = append(out.Usage, rm)
	}
	return out, nil
}

// rateWindows rates every resolution of one plan-level metric node.
func rateWindows(metric *pipeline.Metric, price decimal.Decimal, node *meterd.MetricNode, at time.Time) *meterd.RatedMetric {
	rm := &meterd.RatedMetric{Metric: metric.Name, Unit: metric.Unit}
	for _, r := range window.Resolutions {
		cell := meterd.RatedCell{Resolution: r}
		if qty := node.Windows.Cell(r).Current; qty != nil {
			cell.Quantity = qty.Clone()
			cell.Summary = metric.Summarize(qty.Value, qty)
			cell.Cost = metric.Rate(price, qty)
			cell.Charge = metric.Charge(at, cell.Cost)
		}
		rm.Windows = append(rm.Windows, cell)
	}
	return rm
}
