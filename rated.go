// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

package meterd

import (
	"time"

	"github.com/meterd/meterd/internal/window"
	"github.com/shopspring/decimal"
)

// The rated snapshot mirrors the aggregation tree with cost, charge and
// summary attached per window cell. It is computed on read and never
// persisted.

// RatedCell is one rated window cell.
type RatedCell struct {
	Resolution window.Resolution `json:"resolution"`
	Quantity   *window.Quantity  `json:"quantity,omitempty"`
	Summary    float64           `json:"summary"`
	Cost       decimal.Decimal   `json:"cost"`
	Charge     decimal.Decimal   `json:"charge"`
}

// RatedMetric is one metric's rated windows.
type RatedMetric struct {
	Metric  string      `json:"metric"`
	Unit    string      `json:"unit,omitempty"`
	Windows []RatedCell `json:"windows"`
}

// RatedPlan is a plan breakdown with rated usage.
type RatedPlan struct {
	PlanID string         `json:"plan_id"`
	Usage  []*RatedMetric `json:"usage"`
}

// RatedResource is a resource with rated usage and its plan breakdowns.
type RatedResource struct {
	ResourceID string         `json:"resource_id"`
	Usage      []*RatedMetric `json:"usage"`
	Plans      []*RatedPlan   `json:"plans"`
}

// RatedConsumer is a consumer with rated resources.
type RatedConsumer struct {
	ConsumerID string           `json:"consumer_id"`
	Resources  []*RatedResource `json:"resources"`
}

// RatedSpace is a space with rated resources and consumers.
type RatedSpace struct {
	SpaceID   string           `json:"space_id"`
	Resources []*RatedResource `json:"resources"`
	Consumers []*RatedConsumer `json:"consumers"`
}

// RatedUsageDoc is the reporting-facing rated snapshot of one organization's
// aggregated usage at a bucket time.
type RatedUsageDoc struct {
	OrganizationID string           `json:"organization_id"`
	Bucket         time.Time        `json:"bucket"`
	Country        string           `json:"country"`
	Resources      []*RatedResource `json:"resources"`
	Spaces         []*RatedSpace    `json:"spaces"`
	RatedAt        time.Time        `json:"rated_at"`
}
