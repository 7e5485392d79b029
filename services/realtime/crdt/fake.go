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
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// =============================================================================
// Fake Codec (test engine)
// =============================================================================

// FakeCodec is a deterministic in-memory CRDT engine for tests.
//
// # Description
//
// A fake document is a set of opaque update payloads keyed by content
// hash. Merging adds to the set, which makes merges commutative and
// idempotent by construction — the same guarantees the production engine
// provides, without the engine.
//
// Representation:
//
//   - state vector: JSON array of sorted update hashes
//   - snapshot / delta: JSON envelope {"fake":1,"updates":[base64...]}
//     with updates sorted by hash, so serialization is deterministic and
//     hydrate-then-snapshot is byte-identical
//
// An update payload that is not itself an envelope is treated as a single
// opaque update, so tests can feed arbitrary bytes through the system.
//
// # Thread Safety
//
// Handles are NOT internally locked; callers serialize access exactly as
// they must for the production engines.
type FakeCodec struct {
	// FailApply, when set, forces ApplyUpdate to fail. Lets tests
	// exercise the codec-error path.
	FailApply error
}

// NewFakeCodec returns a fresh fake engine.
func NewFakeCodec() *FakeCodec {
	return &FakeCodec{}
}

// fakeDoc is the handle type produced by FakeCodec.
type fakeDoc struct {
	updates map[string][]byte
}

// fakeEnvelope is the serialized form of a fake document or delta.
type fakeEnvelope struct {
	Fake    int      `json:"fake"`
	Updates []string `json:"updates"`
}

// NewDocument returns an empty fake document.
func (c *FakeCodec) NewDocument() (Doc, error) {
	return &fakeDoc{updates: make(map[string][]byte)}, nil
}

// Hydrate reconstructs a fake document from its snapshot envelope.
func (c *FakeCodec) Hydrate(snapshot, vector []byte) (Doc, error) {
	doc, _ := c.NewDocument()
	if len(snapshot) == 0 {
		return doc, nil
	}
	if err := c.ApplyUpdate(doc, snapshot); err != nil {
		return nil, codecErr("hydrate", err)
	}
	return doc, nil
}

// ApplyUpdate merges an update (single payload or envelope) into the set.
func (c *FakeCodec) ApplyUpdate(doc Doc, update []byte) error {
	if c.FailApply != nil {
		return codecErr("merge", c.FailApply)
	}
	d, err := c.handle(doc)
	if err != nil {
		return err
	}
	if len(update) == 0 {
		return nil
	}
	for _, payload := range splitFakeUpdate(update) {
		d.updates[hashPayload(payload)] = payload
	}
	return nil
}

// EncodeStateVector returns the sorted update hashes as JSON.
func (c *FakeCodec) EncodeStateVector(doc Doc) ([]byte, error) {
	d, err := c.handle(doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(d.sortedHashes())
}

// EncodeStateAsUpdate returns the updates absent from the client's vector.
func (c *FakeCodec) EncodeStateAsUpdate(doc Doc, clientVector []byte) ([]byte, error) {
	d, err := c.handle(doc)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	if len(clientVector) > 0 {
		var hashes []string
		if err := json.Unmarshal(clientVector, &hashes); err == nil {
			for _, h := range hashes {
				seen[h] = true
			}
		}
	}
	var missing []string
	for _, h := range d.sortedHashes() {
		if !seen[h] {
			missing = append(missing, base64.StdEncoding.EncodeToString(d.updates[h]))
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return json.Marshal(fakeEnvelope{Fake: 1, Updates: missing})
}

// EncodeSnapshot serializes the full update set deterministically.
func (c *FakeCodec) EncodeSnapshot(doc Doc) ([]byte, error) {
	d, err := c.handle(doc)
	if err != nil {
		return nil, err
	}
	env := fakeEnvelope{Fake: 1, Updates: make([]string, 0, len(d.updates))}
	for _, h := range d.sortedHashes() {
		env.Updates = append(env.Updates, base64.StdEncoding.EncodeToString(d.updates[h]))
	}
	return json.Marshal(env)
}

// Release drops the handle.
func (c *FakeCodec) Release(doc Doc) {}

func (c *FakeCodec) handle(doc Doc) (*fakeDoc, error) {
	d, ok := doc.(*fakeDoc)
	if !ok || d.updates == nil {
		return nil, codecErr("handle", fmt.Errorf("%w: %T", ErrWrongHandle, doc))
	}
	return d, nil
}

func (d *fakeDoc) sortedHashes() []string {
	hashes := make([]string, 0, len(d.updates))
	for h := range d.updates {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	return hashes
}

// splitFakeUpdate explodes an envelope into payloads, or returns the raw
// bytes as a single payload when the input is not an envelope.
func splitFakeUpdate(update []byte) [][]byte {
	var env fakeEnvelope
	if err := json.Unmarshal(update, &env); err == nil && env.Fake == 1 {
		payloads := make([][]byte, 0, len(env.Updates))
		for _, enc := range env.Updates {
			if raw, err := base64.StdEncoding.DecodeString(enc); err == nil {
				payloads = append(payloads, raw)
			}
		}
		return payloads
	}
	cp := make([]byte, len(update))
	copy(cp, update)
	return [][]byte{cp}
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Compile-time interface compliance.
var _ Codec = (*FakeCodec)(nil)
