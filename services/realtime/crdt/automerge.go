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
	"encoding/json"
	"fmt"

	"github.com/automerge/automerge-go"
)

// =============================================================================
// Automerge Codec
// =============================================================================

// AutomergeCodec runs the CRDT engine in-process via automerge-go.
//
// # Description
//
// This is the default engine. Representation choices:
//
//   - snapshot: the document's full binary save (automerge.Doc.Save)
//   - update: one or more concatenated automerge change chunks; the
//     automerge binary format is self-delimiting, so a client's
//     incremental save and a multi-change delta load the same way
//   - state vector: JSON array of the document's head change hashes
//     in hex, the closest automerge analogue of a logical clock
//
// # Limitations
//
//   - When the client vector names heads this document cannot resolve
//     (client forked from unknown history), the delta degrades to the
//     full state as an update.
type AutomergeCodec struct{}

// NewAutomergeCodec returns a Codec backed by the in-process automerge
// engine.
func NewAutomergeCodec() *AutomergeCodec {
	return &AutomergeCodec{}
}

// automergeDoc is the handle type produced by AutomergeCodec.
type automergeDoc struct {
	doc *automerge.Doc
}

// NewDocument returns a handle to a fresh automerge document.
func (c *AutomergeCodec) NewDocument() (Doc, error) {
	return &automergeDoc{doc: automerge.New()}, nil
}

// Hydrate reconstructs a document from its binary save.
//
// The vector is ignored: automerge re-derives heads from the snapshot,
// which also guarantees a stale stored vector can never poison state.
func (c *AutomergeCodec) Hydrate(snapshot, vector []byte) (Doc, error) {
	if len(snapshot) == 0 {
		return c.NewDocument()
	}
	d, err := automerge.Load(snapshot)
	if err != nil {
		return nil, codecErr("hydrate", err)
	}
	return &automergeDoc{doc: d}, nil
}

// ApplyUpdate merges raw automerge change chunks into the document.
func (c *AutomergeCodec) ApplyUpdate(doc Doc, update []byte) error {
	d, err := c.handle(doc)
	if err != nil {
		return err
	}
	if len(update) == 0 {
		return nil
	}
	if err := d.doc.LoadIncremental(update); err != nil {
		return codecErr("merge", err)
	}
	return nil
}

// EncodeStateVector returns the document heads as a JSON hex array.
func (c *AutomergeCodec) EncodeStateVector(doc Doc) ([]byte, error) {
	d, err := c.handle(doc)
	if err != nil {
		return nil, err
	}
	heads := d.doc.Heads()
	hexes := make([]string, 0, len(heads))
	for _, h := range heads {
		hexes = append(hexes, h.String())
	}
	raw, err := json.Marshal(hexes)
	if err != nil {
		return nil, codecErr("vector", err)
	}
	return raw, nil
}

// EncodeStateAsUpdate returns the changes the client's heads have not seen.
func (c *AutomergeCodec) EncodeStateAsUpdate(doc Doc, clientVector []byte) ([]byte, error) {
	d, err := c.handle(doc)
	if err != nil {
		return nil, err
	}
	heads, err := decodeHeads(clientVector)
	if err != nil {
		// Unparseable vector: treat the client as empty rather than
		// failing the sync.
		heads = nil
	}
	if len(heads) == 0 {
		return d.doc.Save(), nil
	}
	changes, err := d.doc.Changes(heads...)
	if err != nil {
		// Client references history we do not have; send everything.
		return d.doc.Save(), nil
	}
	var out []byte
	for _, ch := range changes {
		out = append(out, ch.Save()...)
	}
	return out, nil
}

// EncodeSnapshot returns the document's full binary save.
func (c *AutomergeCodec) EncodeSnapshot(doc Doc) ([]byte, error) {
	d, err := c.handle(doc)
	if err != nil {
		return nil, err
	}
	return d.doc.Save(), nil
}

// Release drops the handle. The automerge-go runtime reclaims the
// underlying document with the handle.
func (c *AutomergeCodec) Release(doc Doc) {}

// handle asserts the opaque handle back to the automerge concrete type.
func (c *AutomergeCodec) handle(doc Doc) (*automergeDoc, error) {
	d, ok := doc.(*automergeDoc)
	if !ok || d.doc == nil {
		return nil, codecErr("handle", fmt.Errorf("%w: %T", ErrWrongHandle, doc))
	}
	return d, nil
}

// decodeHeads parses a JSON hex array back into automerge change hashes.
func decodeHeads(vector []byte) ([]automerge.ChangeHash, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	var hexes []string
	if err := json.Unmarshal(vector, &hexes); err != nil {
		return nil, err
	}
	heads := make([]automerge.ChangeHash, 0, len(hexes))
	for _, s := range hexes {
		h, err := automerge.NewChangeHash(s)
		if err != nil {
			return nil, err
		}
		heads = append(heads, h)
	}
	return heads, nil
}

// Compile-time interface compliance.
var _ Codec = (*AutomergeCodec)(nil)
