// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

package meterd

import (
	"context"
	"time"

	"github.com/meterd/meterd/internal/window"
)

// The aggregation tree is plain data: nodes carry only ids, id-indexed child
// slices and window sets, so find-or-create works identically on a freshly
// built tree and on one deserialized from storage. Children are created
// lazily and never removed within a bucket's lifetime.

// MetricNode holds the aggregated rolling windows for one metric.
type MetricNode struct {
	Metric  string     `json:"metric"`
	Windows window.Set `json:"windows"`
}

// PlanNode breaks a resource's aggregated usage down by plan.
type PlanNode struct {
	PlanID          string        `json:"plan_id"`
	AggregatedUsage []*MetricNode `json:"aggregated_usage"`
}

// Metric finds or lazily creates the named metric node.
func (p *PlanNode) Metric(name string) *MetricNode {
	for _, m := range p.AggregatedUsage {
		if m.Metric == name {
			return m
		}
	}
	m := &MetricNode{Metric: name}
	p.AggregatedUsage = append(p.AggregatedUsage, m)
	return m
}

// ResourceNode aggregates one resource's usage at some level of the tree.
type ResourceNode struct {
	ResourceID      string        `json:"resource_id"`
	Plans           []*PlanNode   `json:"plans"`
	AggregatedUsage []*MetricNode `json:"aggregated_usage"`
}

// Plan finds or lazily creates the plan breakdown node.
func (r *ResourceNode) Plan(id string) *PlanNode {
	for _, p := range r.Plans {
		if p.PlanID == id {
			return p
		}
	}
	p := &PlanNode{PlanID: id}
	r.Plans = append(r.Plans, p)
	return p
}

// Metric finds or lazily creates the named metric node.
func (r *ResourceNode) Metric(name string) *MetricNode {
	for _, m := range r.AggregatedUsage {
		if m.Metric == name {
			return m
		}
	}
	m := &MetricNode{Metric: name}
	r.AggregatedUsage = append(r.AggregatedUsage, m)
	return m
}

// ConsumerNode aggregates the usage of one consumer within a space.
type ConsumerNode struct {
	ConsumerID string          `json:"consumer_id"`
	Resources  []*ResourceNode `json:"resources"`
}

// Resource finds or lazily creates the consumer's resource node.
func (c *ConsumerNode) Resource(id string) *ResourceNode {
	for _, r := range c.Resources {
		if r.ResourceID == id {
			return r
		}
	}
	r := &ResourceNode{ResourceID: id}
	c.Resources = append(c.Resources, r)
	return r
}

// SpaceNode aggregates the usage of one space and its consumers.
type SpaceNode struct {
	SpaceID   string          `json:"space_id"`
	Resources []*ResourceNode `json:"resources"`
	Consumers []*ConsumerNode `json:"consumers"`
}

// Resource finds or lazily creates the space's resource node.
func (s *SpaceNode) Resource(id string) *ResourceNode {
	for _, r := range s.Resources {
		if r.ResourceID == id {
			return r
		}
	}
	r := &ResourceNode{ResourceID: id}
	s.Resources = append(s.Resources, r)
	return r
}

// Consumer finds or lazily creates the space's consumer node.
func (s *SpaceNode) Consumer(id string) *ConsumerNode {
	for _, c := range s.Consumers {
		if c.ConsumerID == id {
			return c
		}
	}
	c := &ConsumerNode{ConsumerID: id}
	s.Consumers = append(s.Consumers, c)
	return c
}

// OrgNode is the root of one organization's aggregation tree.
type OrgNode struct {
	OrganizationID string          `json:"organization_id"`
	Resources      []*ResourceNode `json:"resources"`
	Spaces         []*SpaceNode    `json:"spaces"`
}

// NewOrgNode creates the root node for an organization.
func NewOrgNode(id string) *OrgNode {
	return &OrgNode{OrganizationID: id}
}

// Resource finds or lazily creates the org-level resource node.
func (o *OrgNode) Resource(id string) *ResourceNode {
	for _, r := range o.Resources {
		if r.ResourceID == id {
			return r
		}
	}
	r := &ResourceNode{ResourceID: id}
	o.Resources = append(o.Resources, r)
	return r
}

// Space finds or lazily creates the org's space node.
func (o *OrgNode) Space(id string) *SpaceNode {
	for _, s := range o.Spaces {
		if s.SpaceID == id {
			return s
		}
	}
	s := &SpaceNode{SpaceID: id}
	o.Spaces = append(o.Spaces, s)
	return s
}

// AggregatedUsageDoc is one organization's full tree snapshot at a bucket
// time. It is rewritten on every successful aggregation; the applied deltas
// are kept in an append-only log for audit and crash recovery.
type AggregatedUsageDoc struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Bucket         time.Time  `json:"bucket"`
	Org            *OrgNode   `json:"org"`
	ProcessedAt    time.Time  `json:"processed_at"`
	Revision       int64      `json:"-"`
	EmittedAt      *time.Time `json:"-"`
}

// DeltaLogEntry is one applied delta in the append-only aggregation log. ID
// is the applied delta's own id, which makes the log double as the dedup
// table for re-emitted deltas.
type DeltaLogEntry struct {
	ID        string            `json:"id"`
	DocID     string            `json:"doc_id"`
	Delta     *AccumulatedDelta `json:"delta"`
	AppliedAt time.Time         `json:"applied_at"`
}

// AggregatorRepository defines persistence for aggregated usage trees and
// their delta log.
type AggregatorRepository interface {
	// GetOrg retrieves the tree snapshot for an org and bucket, or
	// ErrNotFound.
	GetOrg(ctx context.Context, orgID string, bucket time.Time) (*AggregatedUsageDoc, error)

	// GetOrgByID retrieves a tree snapshot by doc id, or ErrNotFound.
	GetOrgByID(ctx context.Context, id string) (*AggregatedUsageDoc, error)

	// PutOrg persists a snapshot and appends the applied delta to the
	// immutable log in one atomic write, optimistic on doc.Revision.
	// Neither side lands without the other, so a delta is logged exactly
	// when its fold is durable. An already-applied delta id returns
	// ErrDuplicateEntry.
	PutOrg(ctx context.Context, doc *AggregatedUsageDoc, entry *DeltaLogEntry) error

	// HasDelta reports whether a delta id has already been applied.
	HasDelta(ctx context.Context, deltaID string) (bool, error)

	// ListUnemitted retrieves snapshots not yet acknowledged downstream.
	ListUnemitted(ctx context.Context, limit int) ([]*AggregatedUsageDoc, error)

	// MarkEmitted records the downstream acknowledgment for a snapshot.
	MarkEmitted(ctx context.Context, id string, at time.Time) error
}
