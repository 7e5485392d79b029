// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package doc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianSync/services/realtime/bus"
	"github.com/AleutianAI/AleutianSync/services/realtime/crdt"
	"github.com/AleutianAI/AleutianSync/services/realtime/observability"
	"github.com/AleutianAI/AleutianSync/services/realtime/registry"
	"github.com/AleutianAI/AleutianSync/services/realtime/store"
)

// =============================================================================
// Configuration
// =============================================================================

// Config controls the manager's persistence and eviction behavior.
type Config struct {
	// Policy holds the snapshot trigger thresholds.
	Policy PersistPolicy

	// IdleEvictAfter is how long a workspace with zero local sessions
	// stays resident before the sweeper evicts it. Zero disables
	// eviction.
	IdleEvictAfter time.Duration

	// LogUpdates enables the append-only update log as crash insurance
	// between snapshots. Requires an UpdateLog to be wired.
	LogUpdates bool
}

// applyConfigDefaults fills zero values with production defaults.
func applyConfigDefaults(cfg *Config) {
	def := DefaultPersistPolicy()
	if cfg.Policy.UpdateThreshold <= 0 {
		cfg.Policy.UpdateThreshold = def.UpdateThreshold
	}
	if cfg.Policy.ByteThreshold <= 0 {
		cfg.Policy.ByteThreshold = def.ByteThreshold
	}
	if cfg.Policy.MaxAge <= 0 {
		cfg.Policy.MaxAge = def.MaxAge
	}
	if cfg.IdleEvictAfter == 0 {
		cfg.IdleEvictAfter = 5 * time.Minute
	}
}

// =============================================================================
// Manager
// =============================================================================

// Manager owns every resident workspace document in this process.
//
// # Description
//
// The manager is the only component that touches CRDT handles. It loads
// documents on first use (shared cache, then durable store, then update
// log replay, then empty), merges local and remote updates, decides when
// to snapshot, and evicts idle workspaces.
//
// # Thread Safety
//
// The manager's own map is guarded by mu. Each document carries its own
// read-write lock: merges and snapshots take the write lock, delta and
// vector reads take the read lock. Concurrent loads of the same
// workspace collapse into one via singleflight.
type Manager struct {
	cfg       Config
	codec     crdt.Codec
	snapshots store.SnapshotStore
	updateLog store.UpdateLog
	bus       bus.Bus
	registry  *registry.Registry

	mu   sync.RWMutex
	docs map[string]*WorkspaceDocument

	group singleflight.Group
}

// NewManager wires the manager. updateLog may be nil when the log mode
// is disabled.
func NewManager(cfg Config, codec crdt.Codec, snapshots store.SnapshotStore, updateLog store.UpdateLog, b bus.Bus, reg *registry.Registry) *Manager {
	applyConfigDefaults(&cfg)
	return &Manager{
		cfg:       cfg,
		codec:     codec,
		snapshots: snapshots,
		updateLog: updateLog,
		bus:       b,
		registry:  reg,
		docs:      make(map[string]*WorkspaceDocument),
	}
}

// =============================================================================
// Loading
// =============================================================================

// GetOrCreate returns the workspace's resident document, loading it if
// necessary. Concurrent callers for the same workspace share one load.
func (m *Manager) GetOrCreate(ctx context.Context, workspaceID string) (*WorkspaceDocument, error) {
	m.mu.RLock()
	d, ok := m.docs[workspaceID]
	m.mu.RUnlock()
	if ok {
		return d, nil
	}

	v, err, _ := m.group.Do(workspaceID, func() (interface{}, error) {
		// Another caller may have finished the load while we queued.
		m.mu.RLock()
		d, ok := m.docs[workspaceID]
		m.mu.RUnlock()
		if ok {
			return d, nil
		}

		d, err := m.load(ctx, workspaceID)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.docs[workspaceID] = d
		m.mu.Unlock()

		if mtr := observability.DefaultMetrics; mtr != nil {
			mtr.WorkspacesOpen.Inc()
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*WorkspaceDocument), nil
}

// load hydrates a document from the fastest source that has it.
func (m *Manager) load(ctx context.Context, workspaceID string) (*WorkspaceDocument, error) {
	var handle crdt.Doc

	// Warm start from the shared cache when a peer persisted recently.
	if rec, err := m.bus.ReadSnapshot(ctx, workspaceID); err == nil {
		h, herr := m.codec.Hydrate(rec.Snapshot, rec.Vector)
		if herr == nil {
			slog.Debug("Workspace hydrated from shared cache",
				"workspace_id", workspaceID,
				"snapshot_bytes", len(rec.Snapshot))
			handle = h
		} else {
			// A corrupt cache entry must not take the workspace down.
			slog.Warn("Cached snapshot failed to hydrate, falling back to store",
				"workspace_id", workspaceID,
				"error", herr)
		}
	}

	if handle == nil {
		rec, err := m.snapshots.Load(ctx, workspaceID)
		switch {
		case err == nil:
			handle, err = m.codec.Hydrate(rec.Snapshot, rec.Vector)
			if err != nil {
				return nil, fmt.Errorf("hydrate workspace %s: %w", workspaceID, err)
			}
		case errors.Is(err, store.ErrNotFound):
			handle, err = m.codec.NewDocument()
			if err != nil {
				return nil, fmt.Errorf("create workspace %s: %w", workspaceID, err)
			}
		default:
			return nil, fmt.Errorf("load workspace %s: %w", workspaceID, err)
		}
	}

	// Replay logged updates newer than the snapshot, whichever source
	// supplied it; a cached snapshot trails the log exactly like a
	// durable one. Merging an update the snapshot already contains is
	// harmless; merges are idempotent.
	if m.updateLog != nil && m.cfg.LogUpdates {
		records, rerr := m.updateLog.Replay(ctx, workspaceID)
		if rerr != nil {
			m.codec.Release(handle)
			return nil, fmt.Errorf("replay workspace %s: %w", workspaceID, rerr)
		}
		for _, r := range records {
			if aerr := m.codec.ApplyUpdate(handle, r.Update); aerr != nil {
				m.codec.Release(handle)
				return nil, fmt.Errorf("replay workspace %s update %d: %w", workspaceID, r.ID, aerr)
			}
		}
		if len(records) > 0 {
			slog.Info("Replayed logged updates",
				"workspace_id", workspaceID,
				"count", len(records))
		}
	}

	return newWorkspaceDocument(workspaceID, handle), nil
}

// lockLive returns the workspace document with its write lock held and
// its handle guaranteed live. An eviction that raced the map lookup
// releases the handle under the same lock, so a nil handle means the
// pointer is stale and the lookup must be repeated.
func (m *Manager) lockLive(ctx context.Context, workspaceID string) (*WorkspaceDocument, error) {
	for {
		d, err := m.GetOrCreate(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		if d.handle != nil {
			return d, nil
		}
		d.mu.Unlock()
	}
}

// rlockLive is lockLive for read-only handle access.
func (m *Manager) rlockLive(ctx context.Context, workspaceID string) (*WorkspaceDocument, error) {
	for {
		d, err := m.GetOrCreate(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		d.mu.RLock()
		if d.handle != nil {
			return d, nil
		}
		d.mu.RUnlock()
	}
}

// Resident reports whether the workspace is currently loaded.
func (m *Manager) Resident(workspaceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.docs[workspaceID]
	return ok
}

// ResidentCount returns the number of loaded workspaces.
func (m *Manager) ResidentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// =============================================================================
// Update Application
// =============================================================================

// ApplyLocalUpdate merges an update received from a client session,
// fans it out to the session's local peers, and publishes it on the bus
// for other instances.
//
// # Description
//
// The merge and the persistence decision happen under the document's
// write lock; broadcast and bus publish happen after it is released so
// slow consumers never extend the critical section. The sessionID
// doubles as the update's origin id on the bus.
func (m *Manager) ApplyLocalUpdate(ctx context.Context, workspaceID, sessionID, userID string, update []byte) error {
	d, err := m.lockLive(ctx, workspaceID)
	if err != nil {
		return err
	}

	if err := m.codec.ApplyUpdate(d.handle, update); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("apply local update: %w", err)
	}
	d.noteMerge(len(update), userID)
	if m.updateLog != nil && m.cfg.LogUpdates {
		if lerr := m.updateLog.Append(ctx, store.UpdateRecord{
			WorkspaceID: workspaceID,
			Update:      update,
			Size:        len(update),
			CreatedAt:   time.Now(),
			UserID:      userID,
		}); lerr != nil {
			// The merge already happened; losing one log entry costs
			// only replay fidelity, not correctness.
			slog.Warn("Update log append failed",
				"workspace_id", workspaceID,
				"error", lerr)
		}
	}
	var persistErr error
	if d.shouldPersist(time.Now(), m.cfg.Policy) {
		persistErr = m.persistLocked(ctx, d)
	}
	d.mu.Unlock()

	if mtr := observability.DefaultMetrics; mtr != nil {
		mtr.UpdatesTotal.WithLabelValues("local").Inc()
		mtr.UpdateBytes.Observe(float64(len(update)))
	}

	if failed := m.registry.Broadcast(workspaceID, sessionID, websocket.BinaryMessage, update); failed > 0 {
		if mtr := observability.DefaultMetrics; mtr != nil {
			mtr.BroadcastFailuresTotal.Add(float64(failed))
		}
	}

	if m.bus.Enabled() {
		if perr := m.bus.Publish(ctx, workspaceID, update, sessionID); perr != nil {
			// Peers will converge via the durable snapshot on their
			// next load; log and keep serving local clients.
			slog.Error("Bus publish failed",
				"workspace_id", workspaceID,
				"error", perr)
		} else if mtr := observability.DefaultMetrics; mtr != nil {
			mtr.BusPublishesTotal.Inc()
		}
	}

	if persistErr != nil {
		slog.Error("Threshold snapshot failed, will retry on next trigger",
			"workspace_id", workspaceID,
			"error", persistErr)
	}
	return nil
}

// ApplyRemoteUpdate merges an update that arrived from the bus and fans
// it out to local sessions only. Remote applies never re-publish; the
// origin tag is the loop guard.
func (m *Manager) ApplyRemoteUpdate(ctx context.Context, workspaceID string, update []byte, originID string) error {
	// An instance with neither the document resident nor any local
	// session has nothing to do with this update.
	if !m.Resident(workspaceID) && m.registry.Count(workspaceID) == 0 {
		return nil
	}

	d, err := m.lockLive(ctx, workspaceID)
	if err != nil {
		return err
	}

	if err := m.codec.ApplyUpdate(d.handle, update); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("apply remote update: %w", err)
	}
	d.noteMerge(len(update), "")
	var persistErr error
	if d.shouldPersist(time.Now(), m.cfg.Policy) {
		persistErr = m.persistLocked(ctx, d)
	}
	d.mu.Unlock()

	if mtr := observability.DefaultMetrics; mtr != nil {
		mtr.UpdatesTotal.WithLabelValues("remote").Inc()
		mtr.UpdateBytes.Observe(float64(len(update)))
	}

	if failed := m.registry.Broadcast(workspaceID, originID, websocket.BinaryMessage, update); failed > 0 {
		if mtr := observability.DefaultMetrics; mtr != nil {
			mtr.BroadcastFailuresTotal.Add(float64(failed))
		}
	}

	if persistErr != nil {
		slog.Error("Threshold snapshot failed, will retry on next trigger",
			"workspace_id", workspaceID,
			"error", persistErr)
	}
	return nil
}

// BusHandler returns the bus subscription callback.
//
// Redis pub/sub delivers a process's own publishes back to it. The
// registry lookup drops those echoes: a local session id registered
// under the workspace means the update originated here.
func (m *Manager) BusHandler() bus.Handler {
	return func(workspaceID string, update []byte, originID string) {
		if originID != "" && m.registry.Contains(workspaceID, originID) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.ApplyRemoteUpdate(ctx, workspaceID, update, originID); err != nil {
			slog.Error("Remote update rejected",
				"workspace_id", workspaceID,
				"origin_id", originID,
				"error", err)
		}
	}
}

// =============================================================================
// Reads
// =============================================================================

// ComputeDelta returns the update carrying everything the client's
// vector has not seen. A nil vector yields the full state.
func (m *Manager) ComputeDelta(ctx context.Context, workspaceID string, clientVector []byte) ([]byte, error) {
	d, err := m.rlockLive(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	defer d.mu.RUnlock()
	return m.codec.EncodeStateAsUpdate(d.handle, clientVector)
}

// StateVector returns the workspace's current state vector.
func (m *Manager) StateVector(ctx context.Context, workspaceID string) ([]byte, error) {
	d, err := m.rlockLive(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	defer d.mu.RUnlock()
	return m.codec.EncodeStateVector(d.handle)
}

// Snapshot returns the full serialized state plus vector without
// persisting anything. Serves the debug snapshot endpoint.
func (m *Manager) Snapshot(ctx context.Context, workspaceID string) (store.SnapshotRecord, error) {
	d, err := m.rlockLive(ctx, workspaceID)
	if err != nil {
		return store.SnapshotRecord{}, err
	}
	defer d.mu.RUnlock()
	snapshot, err := m.codec.EncodeSnapshot(d.handle)
	if err != nil {
		return store.SnapshotRecord{}, err
	}
	vector, err := m.codec.EncodeStateVector(d.handle)
	if err != nil {
		return store.SnapshotRecord{}, err
	}
	return store.SnapshotRecord{
		WorkspaceID: workspaceID,
		Snapshot:    snapshot,
		Vector:      vector,
		UpdatedAt:   time.Now(),
		UserID:      d.lastTouchedBy,
	}, nil
}

// Stats describes one resident workspace for the debug stats endpoint.
type Stats struct {
	WorkspaceID          string    `json:"workspaceId"`
	Sessions             int       `json:"sessions"`
	UpdatesSinceSnapshot int       `json:"updatesSinceSnapshot"`
	BufferedBytes        int       `json:"bufferedBytes"`
	LastPersistedAt      time.Time `json:"lastPersistedAt"`
	LastTouchedBy        string    `json:"lastTouchedBy,omitempty"`
}

// WorkspaceStats returns runtime counters for a resident workspace. The
// boolean is false when the workspace is not loaded.
func (m *Manager) WorkspaceStats(workspaceID string) (Stats, bool) {
	m.mu.RLock()
	d, ok := m.docs[workspaceID]
	m.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Stats{
		WorkspaceID:          workspaceID,
		Sessions:             m.registry.Count(workspaceID),
		UpdatesSinceSnapshot: d.updatesSinceSnapshot,
		BufferedBytes:        d.bufferedBytes,
		LastPersistedAt:      d.lastPersistedAt,
		LastTouchedBy:        d.lastTouchedBy,
	}, true
}

// =============================================================================
// Persistence
// =============================================================================

// persistLocked snapshots the document to the durable store. Caller
// holds the document's write lock.
//
// Counters reset only on success; a failed write leaves them in place
// so the next trigger retries.
func (m *Manager) persistLocked(ctx context.Context, d *WorkspaceDocument) error {
	snapshot, err := m.codec.EncodeSnapshot(d.handle)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	vector, err := m.codec.EncodeStateVector(d.handle)
	if err != nil {
		return fmt.Errorf("encode vector: %w", err)
	}

	now := time.Now()
	rec := store.SnapshotRecord{
		WorkspaceID: d.workspaceID,
		Snapshot:    snapshot,
		Vector:      vector,
		UpdatedAt:   now,
		UserID:      d.lastTouchedBy,
	}
	if err := m.snapshots.Save(ctx, rec); err != nil {
		if mtr := observability.DefaultMetrics; mtr != nil {
			mtr.SnapshotPersistsTotal.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("save snapshot: %w", err)
	}
	d.notePersisted(now)

	if mtr := observability.DefaultMetrics; mtr != nil {
		mtr.SnapshotPersistsTotal.WithLabelValues("success").Inc()
	}

	// The snapshot supersedes logged updates up to now.
	if m.updateLog != nil && m.cfg.LogUpdates {
		if terr := m.updateLog.Trim(ctx, d.workspaceID, now); terr != nil {
			slog.Warn("Update log trim failed",
				"workspace_id", d.workspaceID,
				"error", terr)
		}
	}

	// Best-effort write-through so peers warm-start from the cache.
	if cerr := m.bus.CacheSnapshot(ctx, rec); cerr != nil {
		slog.Debug("Snapshot cache write failed",
			"workspace_id", d.workspaceID,
			"error", cerr)
	}
	return nil
}

// PersistSnapshot snapshots one workspace. With force it persists any
// dirty document; without it the trigger policy decides.
func (m *Manager) PersistSnapshot(ctx context.Context, workspaceID string, force bool) error {
	m.mu.RLock()
	d, ok := m.docs[workspaceID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == nil || !d.dirty() {
		// A racing eviction already released (and persisted) it.
		return nil
	}
	if !force && !d.shouldPersist(time.Now(), m.cfg.Policy) {
		return nil
	}
	return m.persistLocked(ctx, d)
}

// PersistAll force-persists every dirty resident workspace. Used at
// shutdown. Returns the first error but attempts every workspace.
func (m *Manager) PersistAll(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := m.PersistSnapshot(ctx, id, true); err != nil {
			slog.Error("Shutdown snapshot failed",
				"workspace_id", id,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// =============================================================================
// Eviction
// =============================================================================

// Evict persists a dirty document, releases its handle, and removes it
// from the resident map. A workspace with live sessions is not evicted.
func (m *Manager) Evict(ctx context.Context, workspaceID string) error {
	if m.registry.Count(workspaceID) > 0 {
		return nil
	}

	m.mu.Lock()
	d, ok := m.docs[workspaceID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.docs, workspaceID)
	m.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dirty() {
		if err := m.persistLocked(ctx, d); err != nil {
			// Keep the document resident rather than drop unpersisted
			// merges.
			m.mu.Lock()
			m.docs[workspaceID] = d
			m.mu.Unlock()
			return fmt.Errorf("evict workspace %s: %w", workspaceID, err)
		}
	}
	m.codec.Release(d.handle)
	d.handle = nil

	if mtr := observability.DefaultMetrics; mtr != nil {
		mtr.WorkspacesOpen.Dec()
	}
	slog.Info("Workspace evicted", "workspace_id", workspaceID)
	return nil
}

// Sweep runs one maintenance pass: persist documents whose trigger
// policy fired, and evict workspaces idle past the configured window.
// The flusher calls this on its ticker.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.RLock()
	docs := make([]*WorkspaceDocument, 0, len(m.docs))
	for _, d := range m.docs {
		docs = append(docs, d)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, d := range docs {
		sessions := m.registry.Count(d.workspaceID)

		d.mu.Lock()
		if d.handle == nil {
			// Evicted since the resident list was snapshotted.
			d.mu.Unlock()
			continue
		}
		if sessions > 0 {
			d.idleSince = time.Time{}
		} else if d.idleSince.IsZero() {
			d.idleSince = now
		}
		idleFor := time.Duration(0)
		if !d.idleSince.IsZero() {
			idleFor = now.Sub(d.idleSince)
		}

		var persistErr error
		if d.dirty() && d.shouldPersist(now, m.cfg.Policy) {
			persistErr = m.persistLocked(ctx, d)
		}
		d.mu.Unlock()

		if persistErr != nil {
			slog.Error("Sweep snapshot failed",
				"workspace_id", d.workspaceID,
				"error", persistErr)
			continue
		}

		if m.cfg.IdleEvictAfter > 0 && idleFor >= m.cfg.IdleEvictAfter {
			if err := m.Evict(ctx, d.workspaceID); err != nil {
				slog.Error("Idle eviction failed",
					"workspace_id", d.workspaceID,
					"error", err)
			}
		}
	}
}
