// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import "encoding/json"

// =============================================================================
// Wire Protocol
// =============================================================================

// The socket carries two frame kinds:
//
//   - binary frames: opaque CRDT update payloads, relayed verbatim
//   - text frames: JSON control messages for out-of-band signaling
//
// Anything the server cannot parse as a control message is logged and
// dropped; control traffic must never corrupt document state.

// Control message types.
const (
	// ControlSync asks the server to re-send the delta against a fresh
	// client vector. The client uses this after suspecting a missed
	// frame instead of reconnecting.
	ControlSync = "sync"

	// ControlPing and ControlPong are the application-level liveness
	// probe.
	ControlPing = "ping"
	ControlPong = "pong"

	// ControlError carries a server-side failure notice for one update
	// without tearing the session down.
	ControlError = "error"
)

// ControlMessage is one JSON text frame.
type ControlMessage struct {
	Type string `json:"type"`

	// Vector is the base64-encoded client state vector on a sync
	// request.
	Vector string `json:"vector,omitempty"`

	// Message is the human-readable detail on an error frame.
	Message string `json:"message,omitempty"`
}

// parseControl decodes a text frame. Returns false when the payload is
// not a control message.
func parseControl(data []byte) (ControlMessage, bool) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		return ControlMessage{}, false
	}
	return msg, true
}

// encodeControl renders a control message; marshaling a flat struct of
// strings cannot fail.
func encodeControl(msg ControlMessage) []byte {
	data, _ := json.Marshal(msg)
	return data
}

// =============================================================================
// Close Codes
// =============================================================================

// Application close codes in the private 4000-4999 range.
const (
	// CloseBadHandshake rejects a structurally invalid handshake
	// (missing user id, malformed workspace id or vector).
	CloseBadHandshake = 4400

	// CloseUnauthorized rejects a user who is not a member of the
	// workspace. Deliberately distinct from CloseBadHandshake so
	// clients do not retry with the same credentials.
	CloseUnauthorized = 4403

	// CloseInternalError reports a server-side failure while preparing
	// the session.
	CloseInternalError = 4500
)
