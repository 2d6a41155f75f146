// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

package plans

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/meterd/meterd/internal/pipeline"
)

// MetricConfig declares one metric of a metering plan in configuration.
// Accumulate selects the operator family ("sum", "max" or "avg"); custom
// transform functions can only be bound in code.
type MetricConfig struct {
	Name        string  `json:"name"`
	Unit        string  `json:"unit,omitempty"`
	Measure     string  `json:"measure,omitempty"`
	Scale       float64 `json:"scale,omitempty"`
	Accumulate  string  `json:"accumulate,omitempty"`
	RejectStale bool    `json:"reject_stale,omitempty"`
}

// MeteringPlanConfig declares one metering plan in configuration.
type MeteringPlanConfig struct {
	ID      string         `json:"id"`
	Metrics []MetricConfig `json:"metrics"`
}

// Config is the on-disk plan configuration: metering plans, pricing plans,
// organization countries and the resource-plan to plan-ids table.
type Config struct {
	MeteringPlans []MeteringPlanConfig `json:"metering_plans"`
	PricingPlans  []*PricingPlan       `json:"pricing_plans"`
	Countries     map[string]string    `json:"countries,omitempty"`
	PlanRefs      map[string]PlanRefs  `json:"plan_refs,omitempty"`
}

// LoadConfig reads and parses a plan configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse plan config %s: %w", path, err)
	}
	return &cfg, nil
}

// Provider compiles the configuration into a StaticProvider.
func (c *Config) Provider() (*StaticProvider, error) {
	specs := make([]pipeline.PlanSpec, 0, len(c.MeteringPlans))
	for _, plan := range c.MeteringPlans {
		spec := pipeline.PlanSpec{ID: plan.ID}
		for _, m := range plan.Metrics {
			spec.Metrics = append(spec.Metrics, pipeline.MetricSpec{
				Name:        m.Name,
				Unit:        m.Unit,
				Measure:     m.Measure,
				Scale:       m.Scale,
				Accumulate:  m.Accumulate,
				RejectStale: m.RejectStale,
			})
		}
		specs = append(specs, spec)
	}
	return NewStaticProvider(specs, c.PricingPlans, c.Countries)
}

// Refs returns the configured plan ref resolver.
func (c *Config) Refs() StaticRefResolver {
	return StaticRefResolver(c.PlanRefs)
}
