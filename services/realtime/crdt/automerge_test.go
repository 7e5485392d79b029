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

	"github.com/automerge/automerge-go"
)

// editedDoc builds a source document with one committed edit and returns
// its full save, which doubles as an update payload.
func editedDoc(t *testing.T, key, value string) []byte {
	t.Helper()
	src := automerge.New()
	if err := src.Path(key).Set(value); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
	if _, err := src.Commit("edit"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return src.Save()
}

func TestAutomergeCodec_ApplyAndDelta(t *testing.T) {
	c := NewAutomergeCodec()

	doc, err := c.NewDocument()
	if err != nil {
		t.Fatalf("NewDocument: %v", err)
	}
	if err := c.ApplyUpdate(doc, editedDoc(t, "title", "hello")); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	vector := mustVector(t, c, doc)
	if len(vector) == 0 {
		t.Fatal("expected non-empty vector after merge")
	}

	// A client already at this vector has nothing left to fetch.
	delta, err := c.EncodeStateAsUpdate(doc, vector)
	if err != nil {
		t.Fatalf("EncodeStateAsUpdate: %v", err)
	}
	if len(delta) != 0 {
		t.Errorf("expected empty delta for synced vector, got %d bytes", len(delta))
	}

	// An empty client receives the full state and converges.
	full, err := c.EncodeStateAsUpdate(doc, nil)
	if err != nil {
		t.Fatalf("EncodeStateAsUpdate(nil): %v", err)
	}
	fresh, _ := c.NewDocument()
	if err := c.ApplyUpdate(fresh, full); err != nil {
		t.Fatalf("ApplyUpdate(full): %v", err)
	}
	if !bytes.Equal(vector, mustVector(t, c, fresh)) {
		t.Error("fresh document did not converge on the source vector")
	}
}

func TestAutomergeCodec_MergeCommutativeAcrossActors(t *testing.T) {
	c := NewAutomergeCodec()
	updateA := editedDoc(t, "a", "1")
	updateB := editedDoc(t, "b", "2")

	ab, _ := c.NewDocument()
	ba, _ := c.NewDocument()
	for _, step := range []struct {
		doc     Doc
		updates [][]byte
	}{
		{ab, [][]byte{updateA, updateB}},
		{ba, [][]byte{updateB, updateA}},
	} {
		for _, u := range step.updates {
			if err := c.ApplyUpdate(step.doc, u); err != nil {
				t.Fatalf("ApplyUpdate: %v", err)
			}
		}
	}

	if !bytes.Equal(mustVector(t, c, ab), mustVector(t, c, ba)) {
		t.Error("state vectors diverged after reordered merges")
	}
}

func TestAutomergeCodec_HydratePreservesVector(t *testing.T) {
	c := NewAutomergeCodec()
	doc, _ := c.NewDocument()
	if err := c.ApplyUpdate(doc, editedDoc(t, "body", "content")); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	snapshot, err := c.EncodeSnapshot(doc)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	vector := mustVector(t, c, doc)

	hydrated, err := c.Hydrate(snapshot, vector)
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if !bytes.Equal(vector, mustVector(t, c, hydrated)) {
		t.Error("vector changed across hydrate round trip")
	}

	// An untouched document re-encodes to the identical snapshot.
	reencoded, err := c.EncodeSnapshot(hydrated)
	if err != nil {
		t.Fatalf("EncodeSnapshot after hydrate: %v", err)
	}
	if !bytes.Equal(snapshot, reencoded) {
		t.Error("snapshot bytes changed across hydrate round trip")
	}
}
