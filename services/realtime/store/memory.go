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
	"sync"
	"time"
)

// =============================================================================
// Memory Store
// =============================================================================

// MemoryStore is a map-backed SnapshotStore and UpdateLog for tests and
// single-node dev mode. Contents are lost on process exit.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]SnapshotRecord
	updates   map[string][]UpdateRecord
	nextID    int64

	// SaveErr and LoadErr, when set, force the corresponding operation
	// to fail. Lets tests exercise persistence-failure handling.
	SaveErr error
	LoadErr error

	// SaveErrFor fails Save for specific workspaces only, so tests can
	// break one workspace while its neighbors keep persisting.
	SaveErrFor map[string]error

	// SaveCalls counts successful Save invocations per workspace.
	SaveCalls map[string]int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]SnapshotRecord),
		updates:   make(map[string][]UpdateRecord),
		SaveCalls: make(map[string]int),
	}
}

// Save overwrites the workspace's snapshot record.
func (s *MemoryStore) Save(ctx context.Context, rec SnapshotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	if err := s.SaveErrFor[rec.WorkspaceID]; err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	rec.Snapshot = cloneBytes(rec.Snapshot)
	rec.Vector = cloneBytes(rec.Vector)
	s.snapshots[rec.WorkspaceID] = rec
	s.SaveCalls[rec.WorkspaceID]++
	return nil
}

// Load returns the workspace's snapshot record, or ErrNotFound.
func (s *MemoryStore) Load(ctx context.Context, workspaceID string) (SnapshotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.LoadErr != nil {
		return SnapshotRecord{}, s.LoadErr
	}
	rec, ok := s.snapshots[workspaceID]
	if !ok {
		return SnapshotRecord{}, ErrNotFound
	}
	rec.Snapshot = cloneBytes(rec.Snapshot)
	rec.Vector = cloneBytes(rec.Vector)
	return rec, nil
}

// Delete removes the workspace's snapshot record.
func (s *MemoryStore) Delete(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, workspaceID)
	return nil
}

// Append adds one update to the workspace's log.
func (s *MemoryStore) Append(ctx context.Context, rec UpdateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	rec.Size = len(rec.Update)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.Update = cloneBytes(rec.Update)
	s.updates[rec.WorkspaceID] = append(s.updates[rec.WorkspaceID], rec)
	return nil
}

// Replay returns the workspace's logged updates in append order.
func (s *MemoryStore) Replay(ctx context.Context, workspaceID string) ([]UpdateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]UpdateRecord, len(s.updates[workspaceID]))
	copy(records, s.updates[workspaceID])
	return records, nil
}

// Trim drops logged updates created at or before the cutoff.
func (s *MemoryStore) Trim(ctx context.Context, workspaceID string, upTo time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []UpdateRecord
	for _, rec := range s.updates[workspaceID] {
		if rec.CreatedAt.After(upTo) {
			kept = append(kept, rec)
		}
	}
	s.updates[workspaceID] = kept
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

// Compile-time interface compliance.
var (
	_ SnapshotStore = (*MemoryStore)(nil)
	_ UpdateLog     = (*MemoryStore)(nil)
)
