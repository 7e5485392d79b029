// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package doc owns the per-workspace in-memory document lifecycle: load,
// merge, fan-out, persistence triggers, and eviction.
package doc

import (
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSync/services/realtime/crdt"
)

// =============================================================================
// Workspace Document
// =============================================================================

// WorkspaceDocument is the single live in-memory instance of a
// workspace's shared document.
//
// # Invariants
//
//   - At most one live instance per workspace id per process (enforced
//     by the Manager's map plus singleflight loading).
//   - The CRDT handle is owned exclusively by this instance. All handle
//     mutation happens under the write lock; derived reads (vector,
//     delta, snapshot) happen under the read lock.
//   - The dirty counters reset atomically with a successful snapshot
//     write, under the same write lock.
type WorkspaceDocument struct {
	workspaceID string

	// mu guards the CRDT handle and the dirty counters. Network and
	// persistence I/O happen outside the critical section wherever
	// possible; the lock protects only the in-memory merge. handle is
	// nil once the document has been evicted; a holder of a stale
	// pointer must re-resolve through the manager instead of touching it.
	mu     sync.RWMutex
	handle crdt.Doc

	updatesSinceSnapshot int
	bufferedBytes        int
	lastPersistedAt      time.Time
	lastTouchedBy        string

	// idleSince is set when the workspace's local connection count
	// reaches zero and cleared when a session returns. Zero while any
	// local session is attached.
	idleSince time.Time
}

// newWorkspaceDocument wraps a freshly hydrated CRDT handle.
func newWorkspaceDocument(workspaceID string, handle crdt.Doc) *WorkspaceDocument {
	return &WorkspaceDocument{
		workspaceID:     workspaceID,
		handle:          handle,
		lastPersistedAt: time.Now(),
	}
}

// WorkspaceID returns the owning workspace id.
func (d *WorkspaceDocument) WorkspaceID() string { return d.workspaceID }

// noteMerge records one merged update. Caller holds the write lock.
func (d *WorkspaceDocument) noteMerge(size int, userID string) {
	d.updatesSinceSnapshot++
	d.bufferedBytes += size
	if userID != "" {
		d.lastTouchedBy = userID
	}
}

// dirty reports whether unpersisted merges exist. Caller holds either lock.
func (d *WorkspaceDocument) dirty() bool {
	return d.updatesSinceSnapshot > 0
}

// shouldPersist is the one persistence decision point: persist when the
// update count, buffered byte count, or snapshot age crosses its
// threshold. A clean document never persists. Caller holds the write lock.
func (d *WorkspaceDocument) shouldPersist(now time.Time, policy PersistPolicy) bool {
	if !d.dirty() {
		return false
	}
	if d.updatesSinceSnapshot >= policy.UpdateThreshold {
		return true
	}
	if d.bufferedBytes >= policy.ByteThreshold {
		return true
	}
	return now.Sub(d.lastPersistedAt) >= policy.MaxAge
}

// notePersisted resets the dirty counters after a successful snapshot
// write. Caller holds the write lock.
func (d *WorkspaceDocument) notePersisted(now time.Time) {
	d.updatesSinceSnapshot = 0
	d.bufferedBytes = 0
	d.lastPersistedAt = now
}

// =============================================================================
// Persistence Policy
// =============================================================================

// PersistPolicy holds the three snapshot trigger thresholds.
type PersistPolicy struct {
	// UpdateThreshold triggers a snapshot after this many merges.
	UpdateThreshold int

	// ByteThreshold triggers a snapshot after this many buffered
	// update bytes.
	ByteThreshold int

	// MaxAge triggers a snapshot once the last one is this old and the
	// document is dirty.
	MaxAge time.Duration
}

// DefaultPersistPolicy returns production-ready trigger thresholds.
func DefaultPersistPolicy() PersistPolicy {
	return PersistPolicy{
		UpdateThreshold: 100,
		ByteThreshold:   1 << 20, // 1 MiB of buffered updates
		MaxAge:          time.Minute,
	}
}
