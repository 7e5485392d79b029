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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/AleutianSync/services/realtime/store"
)

// =============================================================================
// Redis Bus
// =============================================================================

// defaultChannel is the shared pub/sub channel for document updates.
const defaultChannel = "realtime:updates"

// cachedSnapshot is the JSON shape stored in the shared cache.
type cachedSnapshot struct {
	Snapshot  []byte    `json:"snapshot"`
	Vector    []byte    `json:"vector"`
	UpdatedAt time.Time `json:"updated_at"`
	UserID    string    `json:"user_id,omitempty"`
}

// RedisBus implements Bus on a go-redis client.
//
// # Thread Safety
//
// Safe for concurrent use. Subscribe may be called once; the listener
// goroutine exits when the context is cancelled or Close is called.
type RedisBus struct {
	client   *redis.Client
	channel  string
	cacheTTL time.Duration

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
}

// RedisBusConfig configures the Redis-backed bus.
type RedisBusConfig struct {
	// Channel overrides the shared pub/sub channel name.
	// Default: "realtime:updates".
	Channel string

	// CacheTTL bounds how long cached snapshots stay readable.
	// Default: 5 minutes.
	CacheTTL time.Duration
}

// NewRedisBus wraps an existing Redis client. The caller owns the client's
// lifecycle; Close here only stops the subscription.
func NewRedisBus(client *redis.Client, cfg RedisBusConfig) *RedisBus {
	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &RedisBus{
		client:   client,
		channel:  cfg.Channel,
		cacheTTL: cfg.CacheTTL,
	}
}

// Publish sends one update on the shared channel.
func (b *RedisBus) Publish(ctx context.Context, workspaceID string, update []byte, originID string) error {
	msg := EncodeMessage(workspaceID, update, originID)
	if err := b.client.Publish(ctx, b.channel, msg).Err(); err != nil {
		return fmt.Errorf("publish update for %s: %w", workspaceID, err)
	}
	return nil
}

// Subscribe starts the listener goroutine.
func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bus is closed")
	}
	if b.pubsub != nil {
		return errors.New("bus already subscribed")
	}
	b.pubsub = b.client.Subscribe(ctx, b.channel)

	// Confirm the subscription before returning so callers know the
	// fan-out path is live.
	if _, err := b.pubsub.Receive(ctx); err != nil {
		b.pubsub = nil
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	ch := b.pubsub.Channel()
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				workspaceID, update, originID, err := DecodeMessage(msg.Payload)
				if err != nil {
					slog.Warn("Dropping malformed bus message", "error", err)
					continue
				}
				h(workspaceID, update, originID)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// CacheSnapshot writes the snapshot to the shared cache with the
// configured TTL.
func (b *RedisBus) CacheSnapshot(ctx context.Context, rec store.SnapshotRecord) error {
	payload, err := json.Marshal(cachedSnapshot{
		Snapshot:  rec.Snapshot,
		Vector:    rec.Vector,
		UpdatedAt: rec.UpdatedAt,
		UserID:    rec.UserID,
	})
	if err != nil {
		return fmt.Errorf("encode cached snapshot for %s: %w", rec.WorkspaceID, err)
	}
	if err := b.client.Set(ctx, cacheKey(rec.WorkspaceID), payload, b.cacheTTL).Err(); err != nil {
		return fmt.Errorf("cache snapshot for %s: %w", rec.WorkspaceID, err)
	}
	return nil
}

// ReadSnapshot returns the cached snapshot, or ErrCacheMiss.
func (b *RedisBus) ReadSnapshot(ctx context.Context, workspaceID string) (store.SnapshotRecord, error) {
	raw, err := b.client.Get(ctx, cacheKey(workspaceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.SnapshotRecord{}, ErrCacheMiss
	}
	if err != nil {
		return store.SnapshotRecord{}, fmt.Errorf("read cached snapshot for %s: %w", workspaceID, err)
	}
	var cached cachedSnapshot
	if err := json.Unmarshal(raw, &cached); err != nil {
		// A corrupt cache entry is treated as a miss; the durable
		// store remains authoritative.
		slog.Warn("Dropping corrupt cached snapshot", "workspace_id", workspaceID, "error", err)
		return store.SnapshotRecord{}, ErrCacheMiss
	}
	return store.SnapshotRecord{
		WorkspaceID: workspaceID,
		Snapshot:    cached.Snapshot,
		Vector:      cached.Vector,
		UpdatedAt:   cached.UpdatedAt,
		UserID:      cached.UserID,
	}, nil
}

// Enabled reports that cross-instance fan-out is active.
func (b *RedisBus) Enabled() bool { return true }

// Close stops the subscription. The underlying Redis client is left to
// its owner.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.pubsub != nil {
		err := b.pubsub.Close()
		b.pubsub = nil
		return err
	}
	return nil
}

// Compile-time interface compliance.
var _ Bus = (*RedisBus)(nil)
