// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crdt

import (
	"bytes"
	"testing"
)

// mustVector is a test helper that encodes a document's state vector.
func mustVector(t *testing.T, c Codec, doc Doc) []byte {
	t.Helper()
	v, err := c.EncodeStateVector(doc)
	if err != nil {
		t.Fatalf("EncodeStateVector failed: %v", err)
	}
	return v
}

func TestFakeCodec_MergeCommutative(t *testing.T) {
	c := NewFakeCodec()
	updateA := []byte("insert 'hello' at 0")
	updateB := []byte("insert 'world' at 5")

	ab, _ := c.NewDocument()
	ba, _ := c.NewDocument()

	if err := c.ApplyUpdate(ab, updateA); err != nil {
		t.Fatalf("apply A: %v", err)
	}
	if err := c.ApplyUpdate(ab, updateB); err != nil {
		t.Fatalf("apply B: %v", err)
	}
	if err := c.ApplyUpdate(ba, updateB); err != nil {
		t.Fatalf("apply B: %v", err)
	}
	if err := c.ApplyUpdate(ba, updateA); err != nil {
		t.Fatalf("apply A: %v", err)
	}

	if !bytes.Equal(mustVector(t, c, ab), mustVector(t, c, ba)) {
		t.Error("state vectors differ after reordered merges")
	}
	snapAB, _ := c.EncodeSnapshot(ab)
	snapBA, _ := c.EncodeSnapshot(ba)
	if !bytes.Equal(snapAB, snapBA) {
		t.Error("snapshots differ after reordered merges")
	}
}

func TestFakeCodec_MergeIdempotent(t *testing.T) {
	c := NewFakeCodec()
	update := []byte("some opaque update")

	once, _ := c.NewDocument()
	twice, _ := c.NewDocument()

	if err := c.ApplyUpdate(once, update); err != nil {
		t.Fatalf("apply: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := c.ApplyUpdate(twice, update); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	if !bytes.Equal(mustVector(t, c, once), mustVector(t, c, twice)) {
		t.Error("merging an update twice changed the state vector")
	}
}

func TestFakeCodec_SnapshotRoundTrip(t *testing.T) {
	c := NewFakeCodec()
	doc, _ := c.NewDocument()
	for _, u := range []string{"u1", "u2", "u3"} {
		if err := c.ApplyUpdate(doc, []byte(u)); err != nil {
			t.Fatalf("apply %s: %v", u, err)
		}
	}

	snapshot, err := c.EncodeSnapshot(doc)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	vector := mustVector(t, c, doc)

	hydrated, err := c.Hydrate(snapshot, vector)
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}

	snapshot2, _ := c.EncodeSnapshot(hydrated)
	if !bytes.Equal(snapshot, snapshot2) {
		t.Errorf("snapshot not byte-identical after hydrate:\n%s\nvs\n%s", snapshot, snapshot2)
	}
	if !bytes.Equal(vector, mustVector(t, c, hydrated)) {
		t.Error("vector not byte-identical after hydrate")
	}
}

func TestFakeCodec_DeltaAgainstVector(t *testing.T) {
	c := NewFakeCodec()

	server, _ := c.NewDocument()
	client, _ := c.NewDocument()

	shared := []byte("shared update")
	for _, d := range []Doc{server, client} {
		if err := c.ApplyUpdate(d, shared); err != nil {
			t.Fatalf("apply shared: %v", err)
		}
	}
	if err := c.ApplyUpdate(server, []byte("server only")); err != nil {
		t.Fatalf("apply server-only: %v", err)
	}

	delta, err := c.EncodeStateAsUpdate(server, mustVector(t, c, client))
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if err := c.ApplyUpdate(client, delta); err != nil {
		t.Fatalf("apply delta: %v", err)
	}

	if !bytes.Equal(mustVector(t, c, server), mustVector(t, c, client)) {
		t.Error("client did not converge after applying delta")
	}

	// A fully synced client gets an empty delta.
	delta, err = c.EncodeStateAsUpdate(server, mustVector(t, c, client))
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if len(delta) != 0 {
		t.Errorf("expected empty delta for synced client, got %d bytes", len(delta))
	}
}

func TestFakeCodec_WrongHandleRejected(t *testing.T) {
	c := NewFakeCodec()
	if err := c.ApplyUpdate("not a handle", []byte("u")); err == nil {
		t.Error("expected error for foreign handle")
	}
}
