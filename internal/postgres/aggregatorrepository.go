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
)

// GetOrg retrieves the aggregation tree snapshot for an org and bucket
func (r *AggregatorRepository) GetOrg(ctx context.Context, orgID string, bucket time.Time) (*meterd.AggregatedUsageDoc, error) {
	query := `
		SELECT id, organization_id, bucket, org, processed_at, revision, emitted_at
		FROM aggregated_docs
		WHERE organization_id = $1 AND bucket = $2`

	return r.scanOrg(r.options.Db.QueryRow(ctx, query, orgID, bucket))
}

// GetOrgByID retrieves an aggregation tree snapshot by doc ID
func (r *AggregatorRepository) GetOrgByID(ctx context.Context, id string) (*meterd.AggregatedUsageDoc, error) {
	query := `
		SELECT id, organization_id, bucket, org, processed_at, revision, emitted_at
		FROM aggregated_docs
		WHERE id = $1`

	return r.scanOrg(r.options.Db.QueryRow(ctx, query, id))
}

// PutOrg persists a tree snapshot and its delta log entry in one
// transaction, optimistic on the doc's revision. The log append rides the
// snapshot write so a delta is logged exactly when its fold is durable.
func (r *AggregatorRepository) PutOrg(ctx context.Context, doc *meterd.AggregatedUsageDoc, entry *meterd.DeltaLogEntry) error {
	org, err := json.Marshal(doc.Org)
	if err != nil {
		return fmt.Errorf("encode aggregation tree: %w", err)
	}

	tx, err := r.options.Db.Begin(ctx)
	if err != nil {
		r.options.Logger.Error("Failed to begin aggregated doc transaction", "error", err, "id", doc.ID)
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if doc.Revision == 0 {
		query := `
			INSERT INTO aggregated_docs (
				id, organization_id, bucket, org, processed_at, revision, emitted_at
			)
			VALUES ($1, $2, $3, $4, $5, 1, NULL)`

		_, err := tx.Exec(ctx, query,
			doc.ID,
			doc.OrganizationID,
			doc.Bucket,
			org,
			doc.ProcessedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// Another writer created this org/bucket first
				return meterd.ErrRevisionConflict
			}
			r.options.Logger.Error("Failed to insert aggregated doc", "error", err, "organizationID", doc.OrganizationID)
			return err
		}
	} else {
		query := `
			UPDATE aggregated_docs SET
				org = $3,
				processed_at = $4,
				revision = revision + 1,
				emitted_at = NULL
			WHERE id = $1 AND revision = $2`

		result, err := tx.Exec(ctx, query, doc.ID, doc.Revision, org, doc.ProcessedAt)
		if err != nil {
			r.options.Logger.Error("Failed to update aggregated doc", "error", err, "id", doc.ID)
			return err
		}
		if result.RowsAffected() == 0 {
			return meterd.ErrRevisionConflict
		}
	}

	if entry != nil {
		if err := r.appendDeltaLog(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.options.Logger.Error("Failed to commit aggregated doc transaction", "error", err, "id", doc.ID)
		return err
	}

	if doc.Revision == 0 {
		doc.Revision = 1
	} else {
		doc.Revision++
	}
	doc.EmittedAt = nil
	return nil
}

func (r *AggregatorRepository) appendDeltaLog(ctx context.Context, tx pgx.Tx, entry *meterd.DeltaLogEntry) error {
	delta, err := json.Marshal(entry.Delta)
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}

	query := `
		INSERT INTO delta_log (id, doc_id, delta, applied_at)
		VALUES ($1, $2, $3, $4)`

	_, err = tx.Exec(ctx, query, entry.ID, entry.DocID, delta, entry.AppliedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return meterd.ErrDuplicateEntry
		}
		r.options.Logger.Error("Failed to append delta log entry", "error", err, "docID", entry.DocID)
		return err
	}
	return nil
}

// HasDelta reports whether a delta id is already in the log
func (r *AggregatorRepository) HasDelta(ctx context.Context, deltaID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM delta_log WHERE id = $1)`

	var exists bool
	if err := r.options.Db.QueryRow(ctx, query, deltaID).Scan(&exists); err != nil {
		r.options.Logger.Error("Failed to check delta log", "error", err, "deltaID", deltaID)
		return false, err
	}
	return exists, nil
}

// ListUnemitted retrieves tree snapshots not yet acknowledged downstream,
// oldest first
func (r *AggregatorRepository) ListUnemitted(ctx context.Context, limit int) ([]*meterd.AggregatedUsageDoc, error) {
	query := `
		SELECT id, organization_id, bucket, org, processed_at, revision, emitted_at
		FROM aggregated_docs
		WHERE emitted_at IS NULL
		ORDER BY processed_at ASC
		LIMIT $1`

	rows, err := r.options.Db.Query(ctx, query, limit)
	if err != nil {
		r.options.Logger.Error("Failed to list unemitted aggregated docs", "error", err)
		return nil, err
	}
	defer rows.Close()

	var docs []*meterd.AggregatedUsageDoc
	for rows.Next() {
		doc, err := r.scanOrg(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		r.options.Logger.Error("Error iterating aggregated doc rows", "error", err)
		return nil, err
	}

	return docs, nil
}

// MarkEmitted records the downstream acknowledgment for a snapshot
func (r *AggregatorRepository) MarkEmitted(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE aggregated_docs SET emitted_at = $2
		WHERE id = $1`

	result, err := r.options.Db.Exec(ctx, query, id, at)
	if err != nil {
		r.options.Logger.Error("Failed to mark aggregated doc emitted", "error", err, "id", id)
		return err
	}
	if result.RowsAffected() == 0 {
		return meterd.ErrNotFound
	}
	return nil
}

func (r *AggregatorRepository) scanOrg(row pgx.Row) (*meterd.AggregatedUsageDoc, error) {
	var doc meterd.AggregatedUsageDoc
	var org []byte

	err := row.Scan(
		&doc.ID,
		&doc.OrganizationID,
		&doc.Bucket,
		&org,
		&doc.ProcessedAt,
		&doc.Revision,
		&doc.EmittedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, meterd.ErrNotFound
	}
	if err != nil {
		r.options.Logger.Error("Failed to scan aggregated doc row", "error", err)
		return nil, err
	}

	if len(org) > 0 {
		doc.Org = &meterd.OrgNode{}
		if err := json.Unmarshal(org, doc.Org); err != nil {
			return nil, fmt.Errorf("decode aggregation tree: %w", err)
		}
	}
	return &doc, nil
}
