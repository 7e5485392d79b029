// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bus propagates document updates between server instances.
//
// # Description
//
// Each process is stateless with respect to its peers: an update merged
// locally is published on one shared logical channel, and every other
// instance's listener merges it as a remote update. The bus also carries a
// TTL-bound snapshot cache so a workspace opened on a fresh instance can
// warm-start without hitting the durable store.
//
// A disabled bus (no Redis configured) degrades gracefully to
// single-instance behavior: publishes become no-ops and cache reads miss.
//
// # Wire Format
//
// One pipe-delimited line per update:
//
//	workspaceId|base64(update)|originId
//
// The origin id tags the session that produced the update so the
// receiving instance can exclude it from local broadcast; it is also the
// loop guard — remote applies never re-publish.
package bus

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianSync/services/realtime/store"
)

// =============================================================================
// Interface
// =============================================================================

// Handler consumes one decoded update from the shared channel.
type Handler func(workspaceID string, update []byte, originID string)

// ErrCacheMiss is returned by ReadSnapshot when no cached snapshot exists
// (or the cache is disabled).
var ErrCacheMiss = errors.New("snapshot cache miss")

// Bus is the cross-instance fan-out channel plus snapshot cache.
type Bus interface {
	// Publish sends an update to all other instances. No-op when the
	// bus is disabled.
	Publish(ctx context.Context, workspaceID string, update []byte, originID string) error

	// Subscribe starts delivering decoded updates to the handler until
	// the context is cancelled or the bus is closed. Messages published
	// by this same process are delivered too; the document manager's
	// origin tracking makes redelivery harmless.
	Subscribe(ctx context.Context, h Handler) error

	// CacheSnapshot writes a snapshot to the TTL-bound shared cache.
	CacheSnapshot(ctx context.Context, rec store.SnapshotRecord) error

	// ReadSnapshot returns the cached snapshot, or ErrCacheMiss.
	ReadSnapshot(ctx context.Context, workspaceID string) (store.SnapshotRecord, error)

	// Enabled reports whether cross-instance fan-out is active.
	Enabled() bool

	// Close stops the subscription and releases resources.
	Close() error
}

// =============================================================================
// Wire Codec
// =============================================================================

// EncodeMessage renders one update in the shared wire format.
func EncodeMessage(workspaceID string, update []byte, originID string) string {
	return workspaceID + "|" + base64.StdEncoding.EncodeToString(update) + "|" + originID
}

// DecodeMessage parses one wire-format message.
//
// Workspace and origin ids must not contain the pipe delimiter; the
// handshake validates workspace ids and origin ids are server-generated
// UUIDs.
func DecodeMessage(raw string) (workspaceID string, update []byte, originID string, err error) {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 || parts[0] == "" {
		return "", nil, "", fmt.Errorf("malformed bus message: %q", truncate(raw, 64))
	}
	update, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", nil, "", fmt.Errorf("malformed bus payload: %w", err)
	}
	return parts[0], update, parts[2], nil
}

// cacheKey is the shared cache key for a workspace snapshot.
func cacheKey(workspaceID string) string {
	return "workspace:" + workspaceID
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
