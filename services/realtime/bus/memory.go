// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bus

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSync/services/realtime/store"
)

// =============================================================================
// Noop Bus
// =============================================================================

// NoopBus is the disabled bus: publishes vanish, cache reads miss. Used
// when no Redis is configured, giving single-instance-only behavior.
type NoopBus struct{}

// NewNoopBus returns the disabled bus.
func NewNoopBus() *NoopBus { return &NoopBus{} }

func (b *NoopBus) Publish(ctx context.Context, workspaceID string, update []byte, originID string) error {
	return nil
}

func (b *NoopBus) Subscribe(ctx context.Context, h Handler) error { return nil }

func (b *NoopBus) CacheSnapshot(ctx context.Context, rec store.SnapshotRecord) error {
	return nil
}

func (b *NoopBus) ReadSnapshot(ctx context.Context, workspaceID string) (store.SnapshotRecord, error) {
	return store.SnapshotRecord{}, ErrCacheMiss
}

func (b *NoopBus) Enabled() bool { return false }

func (b *NoopBus) Close() error { return nil }

// =============================================================================
// Memory Bus
// =============================================================================

// MemoryBus is an in-process Bus for tests and multi-manager simulations.
// Publishes are dispatched synchronously to every subscribed handler,
// which keeps cross-"instance" tests deterministic.
type MemoryBus struct {
	mu       sync.Mutex
	handlers []Handler
	cache    map[string]cacheEntry

	// Published records every publish for loop-prevention assertions.
	Published []PublishedMessage
}

// PublishedMessage is one recorded Publish call.
type PublishedMessage struct {
	WorkspaceID string
	Update      []byte
	OriginID    string
}

type cacheEntry struct {
	rec     store.SnapshotRecord
	expires time.Time
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{cache: make(map[string]cacheEntry)}
}

// Publish records the message and dispatches it to every handler,
// including handlers registered by the publishing "instance" — mirroring
// Redis pub/sub, where a process receives its own publishes.
func (b *MemoryBus) Publish(ctx context.Context, workspaceID string, update []byte, originID string) error {
	b.mu.Lock()
	b.Published = append(b.Published, PublishedMessage{
		WorkspaceID: workspaceID,
		Update:      cloneBytes(update),
		OriginID:    originID,
	})
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		h(workspaceID, cloneBytes(update), originID)
	}
	return nil
}

// Subscribe registers a handler. Unlike RedisBus, multiple subscribers
// are allowed so one MemoryBus can stand in for a whole cluster.
func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
	return nil
}

// CacheSnapshot stores the snapshot with a fixed five-minute TTL.
func (b *MemoryBus) CacheSnapshot(ctx context.Context, rec store.SnapshotRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache[cacheKey(rec.WorkspaceID)] = cacheEntry{rec: rec, expires: time.Now().Add(5 * time.Minute)}
	return nil
}

// ReadSnapshot returns the cached snapshot if present and unexpired.
func (b *MemoryBus) ReadSnapshot(ctx context.Context, workspaceID string) (store.SnapshotRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.cache[cacheKey(workspaceID)]
	if !ok || time.Now().After(entry.expires) {
		return store.SnapshotRecord{}, ErrCacheMiss
	}
	return entry.rec, nil
}

// PublishCount returns how many messages have been published.
func (b *MemoryBus) PublishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Published)
}

func (b *MemoryBus) Enabled() bool { return true }

func (b *MemoryBus) Close() error { return nil }

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
	_ Bus = (*NoopBus)(nil)
	_ Bus = (*MemoryBus)(nil)
)
