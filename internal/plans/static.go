// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

package plans

import (
	"context"
	"fmt"

	"github.com/meterd/meterd"
	"github.com/meterd/meterd/internal/pipeline"
	"github.com/shopspring/decimal"
)

// StaticProvider serves metering plans, pricing plans and organization
// countries from in-memory configuration. It implements
// MeteringPlanProvider, PriceProvider and CountryProvider.
type StaticProvider struct {
	metering  map[string]*pipeline.Plan
	pricing   map[string]*PricingPlan
	countries map[string]string
}

// NewStaticProvider compiles the given metering plan specs and indexes the
// pricing plans. Compilation errors surface immediately rather than at
// resolution time.
func NewStaticProvider(metering []pipeline.PlanSpec, pricing []*PricingPlan, countries map[string]string) (*StaticProvider, error) {
	p := &StaticProvider{
		metering:  make(map[string]*pipeline.Plan, len(metering)),
		pricing:   make(map[string]*PricingPlan, len(pricing)),
		countries: countries,
	}

	for i := range metering {
		plan, err := pipeline.Compile(metering[i])
		if err != nil {
			return nil, fmt.Errorf("compile metering plan %q: %w", metering[i].ID, err)
		}
		if _, exists := p.metering[plan.ID]; exists {
			return nil, fmt.Errorf("duplicate metering plan %q", plan.ID)
		}
		p.metering[plan.ID] = plan
	}

	for _, plan := range pricing {
		if _, exists := p.pricing[plan.ID]; exists {
			return nil, fmt.Errorf("duplicate pricing plan %q", plan.ID)
		}
		p.pricing[plan.ID] = plan
	}

	return p, nil
}

// MeteringPlan returns the compiled plan for planID.
func (p *StaticProvider) MeteringPlan(_ context.Context, planID string) (*pipeline.Plan, error) {
	plan, ok := p.metering[planID]
	if !ok {
		return nil, fmt.Errorf("metering plan %q: %w", planID, meterd.ErrPlanNotFound)
	}
	return plan, nil
}

// Price returns the unit price of metric in pricingPlanID for country.
func (p *StaticProvider) Price(_ context.Context, pricingPlanID, metric, country string) (decimal.Decimal, error) {
	plan, ok := p.pricing[pricingPlanID]
	if !ok {
		return decimal.Zero, fmt.Errorf("pricing plan %q: %w", pricingPlanID, meterd.ErrPlanNotFound)
	}
	price, ok := plan.Price(metric, country)
	if !ok {
		return decimal.Zero, fmt.Errorf("pricing plan %q metric %q: %w", pricingPlanID, metric, meterd.ErrPlanNotFound)
	}
	return price, nil
}

// Country returns the configured country for organizationID, or
// DefaultCountry when none is configured.
func (p *StaticProvider) Country(_ context.Context, organizationID string) (string, error) {
	country, ok := p.countries[organizationID]
	if !ok || country == "" {
		return DefaultCountry, nil
	}
	return country, nil
}
