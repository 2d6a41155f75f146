// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package plans resolves metering plans, pricing plans and account
// countries for incoming usage.
package plans

import (
	"context"
	"fmt"

	"github.com/meterd/meterd"
	"github.com/meterd/meterd/internal/pipeline"
	"github.com/shopspring/decimal"
)

// DefaultCountry is used for organizations without a configured country.
const DefaultCountry = "USA"

// WildcardCountry matches any country in a price list.
const WildcardCountry = "*"

// MeteringPlanProvider resolves a compiled metering plan by id.
type MeteringPlanProvider interface {
	MeteringPlan(ctx context.Context, planID string) (*pipeline.Plan, error)
}

// PriceProvider resolves the unit price for a metric of a pricing plan in a
// given country.
type PriceProvider interface {
	Price(ctx context.Context, pricingPlanID, metric, country string) (decimal.Decimal, error)
}

// CountryProvider resolves the pricing country of an organization.
type CountryProvider interface {
	Country(ctx context.Context, organizationID string) (string, error)
}

// PlanRefs are the concrete plan ids behind one resource plan.
type PlanRefs struct {
	MeteringPlanID string `json:"metering_plan_id"`
	RatingPlanID   string `json:"rating_plan_id"`
	PricingPlanID  string `json:"pricing_plan_id"`
}

// RefResolver maps a resource's plan to its metering, rating and pricing
// plan ids. Rating needs this because aggregation trees carry only the
// plain plan id.
type RefResolver interface {
	Refs(ctx context.Context, resourceID, planID string) (PlanRefs, error)
}

// StaticRefResolver resolves plan refs from an in-memory table keyed by
// "resourceID/planID".
type StaticRefResolver map[string]PlanRefs

// Refs returns the plan refs for resourceID and planID.
func (m StaticRefResolver) Refs(_ context.Context, resourceID, planID string) (PlanRefs, error) {
	refs, ok := m[resourceID+"/"+planID]
	if !ok {
		return PlanRefs{}, fmt.Errorf("plan refs for %s/%s: %w", resourceID, planID, meterd.ErrPlanNotFound)
	}
	return refs, nil
}

// PriceEntry is one country's unit price for a metric.
type PriceEntry struct {
	Country string          `json:"country"`
	Price   decimal.Decimal `json:"price"`
}

// MetricPrice holds the per-country prices of one metric.
type MetricPrice struct {
	Name   string       `json:"name"`
	Prices []PriceEntry `json:"prices"`
}

// PricingPlan prices the metrics of a metering plan.
type PricingPlan struct {
	ID      string        `json:"id"`
	Metrics []MetricPrice `json:"metrics"`
}

// Price returns the unit price of metric in country. Lookup falls back to
// the wildcard country, then to the first configured entry.
func (p *PricingPlan) Price(metric, country string) (decimal.Decimal, bool) {
	for i := range p.Metrics {
		if p.Metrics[i].Name != metric {
			continue
		}
		prices := p.Metrics[i].Prices
		for j := range prices {
			if prices[j].Country == country {
				return prices[j].Price, true
			}
		}
		for j := range prices {
			if prices[j].Country == WildcardCountry {
				return prices[j].Price, true
			}
		}
		if len(prices) > 0 {
			return prices[0].Price, true
		}
		return decimal.Zero, false
	}
	return decimal.Zero, false
}
