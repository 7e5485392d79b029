// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// =============================================================================
// Schema
// =============================================================================

// schema holds the DDL for both persistence surfaces. EnsureSchema runs it
// idempotently at startup so dev and test databases need no migration
// tooling.
const schema = `
CREATE TABLE IF NOT EXISTS workspace_snapshots (
    workspace_id TEXT PRIMARY KEY,
    snapshot     BYTEA NOT NULL,
    vector       BYTEA NOT NULL DEFAULT ''::bytea,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    user_id      TEXT
);

CREATE TABLE IF NOT EXISTS workspace_updates (
    id           BIGSERIAL PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    update_data  BYTEA NOT NULL,
    update_size  INTEGER NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    user_id      TEXT
);

CREATE INDEX IF NOT EXISTS idx_workspace_updates_ws_created
    ON workspace_updates (workspace_id, created_at);
`

// =============================================================================
// Postgres Store
// =============================================================================

// PostgresStore implements SnapshotStore and UpdateLog on a pgx pool.
//
// # Thread Safety
//
// pgxpool is safe for concurrent use; no additional locking here.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pgx pool. The caller owns the pool's
// lifecycle.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the snapshot and update-log tables if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure realtime schema: %w", err)
	}
	return nil
}

// Save upserts the workspace's single snapshot row.
func (s *PostgresStore) Save(ctx context.Context, rec SnapshotRecord) error {
	const q = `
		INSERT INTO workspace_snapshots (workspace_id, snapshot, vector, updated_at, user_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (workspace_id) DO UPDATE SET
			snapshot   = EXCLUDED.snapshot,
			vector     = EXCLUDED.vector,
			updated_at = EXCLUDED.updated_at,
			user_id    = EXCLUDED.user_id`

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	if _, err := s.pool.Exec(ctx, q,
		rec.WorkspaceID, rec.Snapshot, rec.Vector, updatedAt, rec.UserID); err != nil {
		return fmt.Errorf("save snapshot for %s: %w", rec.WorkspaceID, err)
	}
	return nil
}

// Load returns the workspace's snapshot row, or ErrNotFound.
func (s *PostgresStore) Load(ctx context.Context, workspaceID string) (SnapshotRecord, error) {
	const q = `
		SELECT workspace_id, snapshot, vector, updated_at, COALESCE(user_id, '')
		FROM workspace_snapshots
		WHERE workspace_id = $1`

	var rec SnapshotRecord
	err := s.pool.QueryRow(ctx, q, workspaceID).Scan(
		&rec.WorkspaceID, &rec.Snapshot, &rec.Vector, &rec.UpdatedAt, &rec.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRecord{}, ErrNotFound
	}
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("load snapshot for %s: %w", workspaceID, err)
	}
	return rec, nil
}

// Delete removes the workspace's snapshot row.
func (s *PostgresStore) Delete(ctx context.Context, workspaceID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM workspace_snapshots WHERE workspace_id = $1`, workspaceID); err != nil {
		return fmt.Errorf("delete snapshot for %s: %w", workspaceID, err)
	}
	return nil
}

// Append adds one update to the append-only log.
func (s *PostgresStore) Append(ctx context.Context, rec UpdateRecord) error {
	const q = `
		INSERT INTO workspace_updates (workspace_id, update_data, update_size, created_at, user_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err := s.pool.Exec(ctx, q,
		rec.WorkspaceID, rec.Update, len(rec.Update), createdAt, rec.UserID); err != nil {
		return fmt.Errorf("append update for %s: %w", rec.WorkspaceID, err)
	}
	return nil
}

// Replay returns the workspace's logged updates in creation order.
func (s *PostgresStore) Replay(ctx context.Context, workspaceID string) ([]UpdateRecord, error) {
	const q = `
		SELECT id, workspace_id, update_data, update_size, created_at, COALESCE(user_id, '')
		FROM workspace_updates
		WHERE workspace_id = $1
		ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, q, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("replay updates for %s: %w", workspaceID, err)
	}
	defer rows.Close()

	var records []UpdateRecord
	for rows.Next() {
		var rec UpdateRecord
		if err := rows.Scan(&rec.ID, &rec.WorkspaceID, &rec.Update,
			&rec.Size, &rec.CreatedAt, &rec.UserID); err != nil {
			return nil, fmt.Errorf("scan update row for %s: %w", workspaceID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replay updates for %s: %w", workspaceID, err)
	}
	return records, nil
}

// Trim deletes log entries made redundant by a snapshot.
func (s *PostgresStore) Trim(ctx context.Context, workspaceID string, upTo time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM workspace_updates WHERE workspace_id = $1 AND created_at <= $2`,
		workspaceID, upTo); err != nil {
		return fmt.Errorf("trim updates for %s: %w", workspaceID, err)
	}
	return nil
}

// Compile-time interface compliance.
var (
	_ SnapshotStore = (*PostgresStore)(nil)
	_ UpdateLog     = (*PostgresStore)(nil)
)
