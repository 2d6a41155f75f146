// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/meterd/meterd"
	"github.com/meterd/meterd/internal/window"
)

const accumulatedDocColumns = `
		id, key, bucket, organization_id, space_id, consumer_id,
		resource_id, plan_id, resource_instance_id,
		metering_plan_id, rating_plan_id, pricing_plan_id,
		metrics, processed_at, revision, emitted_at`

// GetDoc retrieves the accumulated doc for a key and bucket
func (r *AccumulatorRepository) GetDoc(ctx context.Context, key string, bucket time.Time) (*meterd.AccumulatedUsageDoc, error) {
	query := `
		SELECT` + accumulatedDocColumns + `
		FROM accumulated_docs
		WHERE key = $1 AND bucket = $2`

	return r.scanDoc(ctx, r.options.Db.QueryRow(ctx, query, key, bucket))
}

// GetDocByID retrieves an accumulated doc by ID
func (r *AccumulatorRepository) GetDocByID(ctx context.Context, id string) (*meterd.AccumulatedUsageDoc, error) {
	query := `
		SELECT` + accumulatedDocColumns + `
		FROM accumulated_docs
		WHERE id = $1`

	return r.scanDoc(ctx, r.options.Db.QueryRow(ctx, query, id))
}

// PutDoc persists an accumulated doc. The write is optimistic on the doc's
// revision: a zero revision inserts, a positive one updates the matching
// revision and advances it. A mismatch reports ErrRevisionConflict.
func (r *AccumulatorRepository) PutDoc(ctx context.Context, doc *meterd.AccumulatedUsageDoc) error {
	metrics, err := json.Marshal(doc.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	if doc.Revision == 0 {
		query := `
			INSERT INTO accumulated_docs (
				id, key, bucket, organization_id, space_id, consumer_id,
				resource_id, plan_id, resource_instance_id,
				metering_plan_id, rating_plan_id, pricing_plan_id,
				metrics, processed_at, revision, emitted_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, NULL)`

		_, err := r.options.Db.Exec(ctx, query,
			doc.ID,
			doc.Key,
			doc.Bucket,
			doc.OrganizationID,
			doc.SpaceID,
			doc.ConsumerID,
			doc.ResourceID,
			doc.PlanID,
			doc.ResourceInstanceID,
			doc.MeteringPlanID,
			doc.RatingPlanID,
			doc.PricingPlanID,
			metrics,
			doc.ProcessedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// Another writer created this key/bucket first
				return meterd.ErrRevisionConflict
			}
			r.options.Logger.Error("Failed to insert accumulated doc", "error", err, "key", doc.Key)
			return err
		}
		doc.Revision = 1
		return nil
	}

	query := `
		UPDATE accumulated_docs SET
			metrics = $3,
			processed_at = $4,
			revision = revision + 1,
			emitted_at = NULL
		WHERE id = $1 AND revision = $2`

	result, err := r.options.Db.Exec(ctx, query, doc.ID, doc.Revision, metrics, doc.ProcessedAt)
	if err != nil {
		r.options.Logger.Error("Failed to update accumulated doc", "error", err, "id", doc.ID)
		return err
	}
	if result.RowsAffected() == 0 {
		return meterd.ErrRevisionConflict
	}
	doc.Revision++
	doc.EmittedAt = nil
	return nil
}

// GetDedupMarker retrieves a dedup marker by key
func (r *AccumulatorRepository) GetDedupMarker(ctx context.Context, key string) (*meterd.DedupMarker, error) {
	query := `
		SELECT key, doc_id, created_at
		FROM dedup_markers
		WHERE key = $1`

	row := r.options.Db.QueryRow(ctx, query, key)

	var marker meterd.DedupMarker
	err := row.Scan(&marker.Key, &marker.DocID, &marker.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, meterd.ErrNotFound
	}
	if err != nil {
		r.options.Logger.Error("Failed to get dedup marker", "error", err, "key", key)
		return nil, err
	}
	return &marker, nil
}

// CreateDedupMarker inserts a dedup marker
func (r *AccumulatorRepository) CreateDedupMarker(ctx context.Context, marker *meterd.DedupMarker) error {
	query := `
		INSERT INTO dedup_markers (key, doc_id, created_at)
		VALUES ($1, $2, $3)`

	_, err := r.options.Db.Exec(ctx, query, marker.Key, marker.DocID, marker.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return meterd.ErrDuplicateEntry
		}
		r.options.Logger.Error("Failed to create dedup marker", "error", err, "key", marker.Key)
		return err
	}
	return nil
}

// MarkEmitted records the downstream acknowledgment for a doc
func (r *AccumulatorRepository) MarkEmitted(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE accumulated_docs SET emitted_at = $2
		WHERE id = $1`

	result, err := r.options.Db.Exec(ctx, query, id, at)
	if err != nil {
		r.options.Logger.Error("Failed to mark accumulated doc emitted", "error", err, "id", id)
		return err
	}
	if result.RowsAffected() == 0 {
		return meterd.ErrNotFound
	}
	return nil
}

// EnqueueDelta stores an emitted delta in the outbox
func (r *AccumulatorRepository) EnqueueDelta(ctx context.Context, delta *meterd.AccumulatedDelta) error {
	payload, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}

	query := `
		INSERT INTO delta_outbox (id, doc_id, delta, created_at, emitted_at)
		VALUES ($1, $2, $3, $4, NULL)`

	_, err = r.options.Db.Exec(ctx, query, delta.ID, delta.DocID, payload, delta.ProcessedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return meterd.ErrDuplicateEntry
		}
		r.options.Logger.Error("Failed to enqueue delta", "error", err, "deltaID", delta.ID)
		return err
	}
	return nil
}

// ListUnemittedDeltas retrieves outbox deltas not yet acknowledged
// downstream, oldest first
func (r *AccumulatorRepository) ListUnemittedDeltas(ctx context.Context, limit int) ([]*meterd.AccumulatedDelta, error) {
	query := `
		SELECT delta
		FROM delta_outbox
		WHERE emitted_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1`

	rows, err := r.options.Db.Query(ctx, query, limit)
	if err != nil {
		r.options.Logger.Error("Failed to list unemitted deltas", "error", err)
		return nil, err
	}
	defer rows.Close()

	var deltas []*meterd.AccumulatedDelta
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			r.options.Logger.Error("Failed to scan outbox row", "error", err)
			return nil, err
		}
		delta := &meterd.AccumulatedDelta{}
		if err := json.Unmarshal(payload, delta); err != nil {
			return nil, fmt.Errorf("decode delta: %w", err)
		}
		deltas = append(deltas, delta)
	}

	if err := rows.Err(); err != nil {
		r.options.Logger.Error("Error iterating outbox rows", "error", err)
		return nil, err
	}

	return deltas, nil
}

// MarkDeltaEmitted records the downstream acknowledgment for an outbox delta
func (r *AccumulatorRepository) MarkDeltaEmitted(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE delta_outbox SET emitted_at = $2
		WHERE id = $1`

	result, err := r.options.Db.Exec(ctx, query, id, at)
	if err != nil {
		r.options.Logger.Error("Failed to mark delta emitted", "error", err, "id", id)
		return err
	}
	if result.RowsAffected() == 0 {
		return meterd.ErrNotFound
	}
	return nil
}

func (r *AccumulatorRepository) scanDoc(_ context.Context, row pgx.Row) (*meterd.AccumulatedUsageDoc, error) {
	var doc meterd.AccumulatedUsageDoc
	var metrics []byte

	err := row.Scan(
		&doc.ID,
		&doc.Key,
		&doc.Bucket,
		&doc.OrganizationID,
		&doc.SpaceID,
		&doc.ConsumerID,
		&doc.ResourceID,
		&doc.PlanID,
		&doc.ResourceInstanceID,
		&doc.MeteringPlanID,
		&doc.RatingPlanID,
		&doc.PricingPlanID,
		&metrics,
		&doc.ProcessedAt,
		&doc.Revision,
		&doc.EmittedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, meterd.ErrNotFound
	}
	if err != nil {
		r.options.Logger.Error("Failed to scan accumulated doc row", "error", err)
		return nil, err
	}

	doc.Metrics = make(map[string]*window.Set)
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &doc.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
	}
	return &doc, nil
}
