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
	"bytes"
	"context"
	"testing"

	"github.com/AleutianAI/AleutianSync/services/realtime/store"
)

func TestWireFormat_RoundTrip(t *testing.T) {
	update := []byte{0x00, 0x01, 0xff, 0x7c} // includes a raw pipe byte
	encoded := EncodeMessage("ws-42", update, "session-abc")

	workspaceID, decoded, originID, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if workspaceID != "ws-42" {
		t.Errorf("workspace id: got %q", workspaceID)
	}
	if originID != "session-abc" {
		t.Errorf("origin id: got %q", originID)
	}
	if !bytes.Equal(decoded, update) {
		t.Errorf("update bytes: got %v want %v", decoded, update)
	}
}

func TestWireFormat_Malformed(t *testing.T) {
	cases := []string{
		"",
		"no-delimiters",
		"ws|only-two-parts",
		"|b64|origin",
		"ws|!!!not-base64!!!|origin",
	}
	for _, raw := range cases {
		t.Run(raw, func(t *testing.T) {
			if _, _, _, err := DecodeMessage(raw); err == nil {
				t.Errorf("expected error for %q", raw)
			}
		})
	}
}

func TestWireFormat_EmptyOriginAllowed(t *testing.T) {
	// Server-side sweeps publish without a session origin.
	_, _, originID, err := DecodeMessage(EncodeMessage("ws-1", []byte("u"), ""))
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if originID != "" {
		t.Errorf("expected empty origin, got %q", originID)
	}
}

func TestMemoryBus_FanOut(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var got []string
	if err := b.Subscribe(ctx, func(workspaceID string, update []byte, originID string) {
		got = append(got, workspaceID+"/"+string(update)+"/"+originID)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, "ws-1", []byte("u1"), "s1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(got) != 1 || got[0] != "ws-1/u1/s1" {
		t.Errorf("unexpected deliveries: %v", got)
	}
	if b.PublishCount() != 1 {
		t.Errorf("expected 1 recorded publish, got %d", b.PublishCount())
	}
}

func TestMemoryBus_SnapshotCache(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	if _, err := b.ReadSnapshot(ctx, "ws-1"); err != ErrCacheMiss {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}

	rec := store.SnapshotRecord{WorkspaceID: "ws-1", Snapshot: []byte("snap"), Vector: []byte("vec")}
	if err := b.CacheSnapshot(ctx, rec); err != nil {
		t.Fatalf("CacheSnapshot: %v", err)
	}

	cached, err := b.ReadSnapshot(ctx, "ws-1")
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if !bytes.Equal(cached.Snapshot, rec.Snapshot) || !bytes.Equal(cached.Vector, rec.Vector) {
		t.Error("cached snapshot does not match stored record")
	}
}

func TestNoopBus_Disabled(t *testing.T) {
	b := NewNoopBus()
	ctx := context.Background()

	if b.Enabled() {
		t.Error("noop bus must report disabled")
	}
	if err := b.Publish(ctx, "ws-1", []byte("u"), "s1"); err != nil {
		t.Errorf("noop publish must succeed silently: %v", err)
	}
	if _, err := b.ReadSnapshot(ctx, "ws-1"); err != ErrCacheMiss {
		t.Errorf("noop cache read must miss, got %v", err)
	}
}
