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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// =============================================================================
// Remote Codec
// =============================================================================

// RemoteCodec reaches a CRDT engine running as a separate codec sidecar.
//
// # Description
//
// Every call is stateless on the wire: the handle carries the current
// snapshot bytes, and each operation POSTs the snapshot (plus operation
// inputs) to the sidecar and stores the returned snapshot. This keeps the
// sidecar itself free of per-document state and lets any replica serve any
// call.
//
// Endpoints, all JSON with base64-encoded byte fields:
//
//	POST {base}/v1/new      {}                        -> {snapshot}
//	POST {base}/v1/merge    {snapshot, update}        -> {snapshot}
//	POST {base}/v1/vector   {snapshot}                -> {vector}
//	POST {base}/v1/diff     {snapshot, vector}        -> {update}
//
// # Limitations
//
//   - Snapshot bytes cross the network on every merge; prefer the
//     in-process engine unless deployment constraints require isolation.
//   - No retries here; the document manager owns the retry policy.
type RemoteCodec struct {
	baseURL string
	client  *http.Client
}

// NewRemoteCodec returns a Codec backed by the codec sidecar at baseURL.
func NewRemoteCodec(baseURL string) *RemoteCodec {
	return &RemoteCodec{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// remoteDoc is the handle type produced by RemoteCodec. It holds the
// document's authoritative snapshot between calls.
type remoteDoc struct {
	snapshot []byte
}

// codecRequest is the wire request shared by all sidecar endpoints.
type codecRequest struct {
	Snapshot []byte `json:"snapshot,omitempty"`
	Update   []byte `json:"update,omitempty"`
	Vector   []byte `json:"vector,omitempty"`
}

// codecResponse is the wire response shared by all sidecar endpoints.
type codecResponse struct {
	Snapshot []byte `json:"snapshot,omitempty"`
	Update   []byte `json:"update,omitempty"`
	Vector   []byte `json:"vector,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewDocument asks the sidecar for an empty document snapshot.
func (c *RemoteCodec) NewDocument() (Doc, error) {
	resp, err := c.post("new", codecRequest{})
	if err != nil {
		return nil, err
	}
	return &remoteDoc{snapshot: resp.Snapshot}, nil
}

// Hydrate wraps existing snapshot bytes in a handle. No network call: the
// snapshot IS the document.
func (c *RemoteCodec) Hydrate(snapshot, vector []byte) (Doc, error) {
	if len(snapshot) == 0 {
		return c.NewDocument()
	}
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	return &remoteDoc{snapshot: cp}, nil
}

// ApplyUpdate merges the update remotely and adopts the returned snapshot.
func (c *RemoteCodec) ApplyUpdate(doc Doc, update []byte) error {
	d, err := c.handle(doc)
	if err != nil {
		return err
	}
	if len(update) == 0 {
		return nil
	}
	resp, err := c.post("merge", codecRequest{Snapshot: d.snapshot, Update: update})
	if err != nil {
		return err
	}
	d.snapshot = resp.Snapshot
	return nil
}

// EncodeStateVector asks the sidecar for the snapshot's logical clock.
func (c *RemoteCodec) EncodeStateVector(doc Doc) ([]byte, error) {
	d, err := c.handle(doc)
	if err != nil {
		return nil, err
	}
	resp, err := c.post("vector", codecRequest{Snapshot: d.snapshot})
	if err != nil {
		return nil, err
	}
	return resp.Vector, nil
}

// EncodeStateAsUpdate asks the sidecar for the delta past clientVector.
func (c *RemoteCodec) EncodeStateAsUpdate(doc Doc, clientVector []byte) ([]byte, error) {
	d, err := c.handle(doc)
	if err != nil {
		return nil, err
	}
	resp, err := c.post("diff", codecRequest{Snapshot: d.snapshot, Vector: clientVector})
	if err != nil {
		return nil, err
	}
	return resp.Update, nil
}

// EncodeSnapshot returns the handle's snapshot bytes.
func (c *RemoteCodec) EncodeSnapshot(doc Doc) ([]byte, error) {
	d, err := c.handle(doc)
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(d.snapshot))
	copy(cp, d.snapshot)
	return cp, nil
}

// Release drops the handle; the sidecar holds no per-document state.
func (c *RemoteCodec) Release(doc Doc) {}

func (c *RemoteCodec) handle(doc Doc) (*remoteDoc, error) {
	d, ok := doc.(*remoteDoc)
	if !ok {
		return nil, codecErr("handle", fmt.Errorf("%w: %T", ErrWrongHandle, doc))
	}
	return d, nil
}

// post issues one sidecar call and decodes the shared response shape.
func (c *RemoteCodec) post(op string, req codecRequest) (*codecResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, codecErr(op, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/"+op, bytes.NewReader(body))
	if err != nil {
		return nil, codecErr(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, codecErr(op, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 64<<20))
	if err != nil {
		return nil, codecErr(op, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, codecErr(op, fmt.Errorf("sidecar returned %d: %s",
			httpResp.StatusCode, truncate(raw, 256)))
	}

	var resp codecResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, codecErr(op, err)
	}
	if resp.Error != "" {
		return nil, codecErr(op, fmt.Errorf("sidecar error: %s", resp.Error))
	}
	return &resp, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Compile-time interface compliance.
var _ Codec = (*RemoteCodec)(nil)
