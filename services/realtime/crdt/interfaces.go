// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crdt defines the boundary between the realtime service and the
// CRDT engine that performs the actual merge mathematics.
//
// # Description
//
// The realtime service never inspects update payloads. Everything it needs
// from the CRDT engine fits in six operations: create, hydrate, merge,
// state vector, delta, snapshot. The Codec interface captures exactly that
// surface so the engine stays pluggable:
//
//   - AutomergeCodec: in-process engine backed by automerge-go (default)
//   - RemoteCodec: stateless-per-call HTTP client to a codec sidecar
//   - FakeCodec: deterministic in-memory engine for tests
//
// # Required Engine Properties
//
// Whatever engine is plugged in must provide commutative and idempotent
// merges: applying the same update twice, or two updates in either order,
// yields the same resulting state vector and snapshot. The document manager
// relies on this to tolerate cross-instance message reordering.
//
// # Thread Safety
//
// Codec implementations are safe for concurrent use across distinct
// document handles. Concurrent calls against the SAME handle must be
// serialized by the caller; the document manager does this with a
// per-workspace read-write lock.
package crdt

import (
	"errors"
	"fmt"
)

// =============================================================================
// Opaque Document Handle
// =============================================================================

// Doc is an opaque handle to a CRDT document.
//
// The concrete type belongs to the codec that created it. Callers must not
// inspect or copy it, and must hand it back only to the codec it came from.
type Doc interface{}

// =============================================================================
// Codec Interface
// =============================================================================

// Codec is the narrow interface to the external CRDT engine.
//
// # Description
//
// All operations are synchronous and side-effect-free apart from mutating
// the passed document handle. Failures are reported as *CodecError and are
// never silently absorbed: an unmerged update risks undetected divergence.
//
// # Limitations
//
//   - No streaming API; snapshots and updates are whole byte slices.
//   - The handle is exclusively owned; sharing one handle across
//     workspaces is undefined behavior.
type Codec interface {
	// NewDocument returns a fresh, empty document handle.
	NewDocument() (Doc, error)

	// Hydrate reconstructs a document from a durable snapshot.
	//
	// The vector is advisory: engines that can re-derive it from the
	// snapshot may ignore it. An empty snapshot yields a new document.
	Hydrate(snapshot, vector []byte) (Doc, error)

	// ApplyUpdate merges an opaque update into the document.
	//
	// Merges must be commutative and idempotent.
	ApplyUpdate(doc Doc, update []byte) error

	// EncodeStateVector returns the document's compact logical clock.
	EncodeStateVector(doc Doc) ([]byte, error)

	// EncodeStateAsUpdate returns the update representing everything the
	// client's vector has not yet seen.
	//
	// A nil or empty clientVector yields the full state as an update.
	// Engines may fall back to the full state when the vector references
	// history they cannot resolve; correct but not bandwidth-optimal.
	EncodeStateAsUpdate(doc Doc, clientVector []byte) ([]byte, error)

	// EncodeSnapshot serializes the full document state.
	EncodeSnapshot(doc Doc) ([]byte, error)

	// Release frees any engine-side resources tied to the handle.
	//
	// The handle must not be used after Release.
	Release(doc Doc)
}

// =============================================================================
// Errors
// =============================================================================

// ErrWrongHandle is returned when a handle is passed to a codec that did
// not create it.
var ErrWrongHandle = errors.New("document handle belongs to a different codec")

// CodecError wraps a failure from the CRDT engine.
//
// Codec failures are fatal for the specific update or query that caused
// them. The op field names the failed operation for logs and metrics.
type CodecError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *CodecError) Error() string {
	return fmt.Sprintf("codec %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying engine error for errors.Is/As.
func (e *CodecError) Unwrap() error { return e.Err }

// codecErr wraps err as a *CodecError for the named operation.
func codecErr(op string, err error) error {
	return &CodecError{Op: op, Err: err}
}
