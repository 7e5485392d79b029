// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides durable persistence for workspace documents.
//
// # Description
//
// Two persistence surfaces exist:
//
//   - SnapshotStore: one overwritten row per workspace holding the full
//     serialized CRDT state plus its state vector. This is the primary
//     durability mechanism.
//   - UpdateLog: optional append-only log of raw updates, used by the
//     legacy replay-based sync path and as extra crash insurance between
//     snapshots.
//
// The production implementation is PostgresStore; MemoryStore backs tests
// and single-node dev mode.
package store

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// Records
// =============================================================================

// SnapshotRecord is the durable single-row-per-workspace snapshot.
//
// Vector must always be re-derivable from Snapshot; loaders that find an
// empty Vector recompute it from the snapshot rather than trusting a
// stale value.
type SnapshotRecord struct {
	WorkspaceID string
	Snapshot    []byte
	Vector      []byte
	UpdatedAt   time.Time
	UserID      string
}

// UpdateRecord is one entry in the append-only update log.
type UpdateRecord struct {
	ID          int64
	WorkspaceID string
	Update      []byte
	Size        int
	CreatedAt   time.Time
	UserID      string
}

// =============================================================================
// Errors
// =============================================================================

// ErrNotFound is returned when no snapshot row exists for a workspace.
var ErrNotFound = errors.New("snapshot not found")

// =============================================================================
// Interfaces
// =============================================================================

// SnapshotStore persists one snapshot row per workspace.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the per-workspace
// write lock in the document manager serializes writes for a single
// workspace, so last-writer-wins at the row level is sufficient.
type SnapshotStore interface {
	// Save overwrites the workspace's snapshot row (upsert semantics).
	Save(ctx context.Context, rec SnapshotRecord) error

	// Load returns the workspace's snapshot row, or ErrNotFound.
	Load(ctx context.Context, workspaceID string) (SnapshotRecord, error)

	// Delete removes the workspace's snapshot row. Missing rows are not
	// an error.
	Delete(ctx context.Context, workspaceID string) error
}

// UpdateLog is the optional append-only durability mode.
type UpdateLog interface {
	// Append adds one update to the log.
	Append(ctx context.Context, rec UpdateRecord) error

	// Replay returns the workspace's updates ordered by creation time.
	Replay(ctx context.Context, workspaceID string) ([]UpdateRecord, error)

	// Trim deletes log entries created at or before the cutoff,
	// typically called after a successful snapshot makes them redundant.
	Trim(ctx context.Context, workspaceID string, upTo time.Time) error
}
