// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry tracks which sessions belong to which workspace inside
// one process and performs local broadcast.
//
// # Description
//
// The registry is explicit bookkeeping, not garbage collection: the
// protocol handler adds a session after authorization and removes it on
// transport close, so abandoned sockets never linger. Cross-instance
// fan-out is not this package's job; see the bus package.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Broadcast snapshots the
// session set under the read lock and performs network writes outside it,
// so a slow consumer never blocks registration.
package registry

import (
	"log/slog"
	"sync"
)

// =============================================================================
// Session
// =============================================================================

// Session is one live client connection.
//
// Implementations must serialize their own writes: Send may be invoked
// concurrently by broadcasts from different workspaces' goroutines, and
// interleaved frame writes would corrupt the protocol.
type Session interface {
	// ID returns the server-assigned session id (also the update
	// origin id for this connection).
	ID() string

	// UserID returns the authenticated user behind the connection.
	UserID() string

	// Send writes one message to the client. messageType follows
	// gorilla/websocket conventions (binary or text).
	Send(messageType int, data []byte) error
}

// =============================================================================
// Registry
// =============================================================================

// Registry maintains the workspace → session-set map for one process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Session // workspaceID -> sessionID -> session
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]map[string]Session)}
}

// Add registers a session under a workspace.
func (r *Registry) Add(workspaceID string, session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[workspaceID]
	if !ok {
		set = make(map[string]Session)
		r.sessions[workspaceID] = set
	}
	set[session.ID()] = session
}

// Remove deregisters a session. Returns the number of sessions remaining
// in the workspace, so callers can detect when it goes idle.
func (r *Registry) Remove(workspaceID, sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[workspaceID]
	if !ok {
		return 0
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.sessions, workspaceID)
		return 0
	}
	return len(set)
}

// Broadcast delivers a message to every session in the workspace except
// the sender. A failed send is logged and skipped; it never blocks
// delivery to the remaining sessions. Returns the number of failed sends.
func (r *Registry) Broadcast(workspaceID, senderSessionID string, messageType int, data []byte) int {
	r.mu.RLock()
	recipients := make([]Session, 0, len(r.sessions[workspaceID]))
	for id, s := range r.sessions[workspaceID] {
		if id != senderSessionID {
			recipients = append(recipients, s)
		}
	}
	r.mu.RUnlock()

	failed := 0
	for _, s := range recipients {
		if err := s.Send(messageType, data); err != nil {
			// Broken consumers are expected; teardown happens on the
			// session's own read loop.
			slog.Debug("Broadcast send failed",
				"workspace_id", workspaceID,
				"session_id", s.ID(),
				"error", err)
			failed++
		}
	}
	return failed
}

// Contains reports whether the session is registered under the workspace.
// The bus listener uses this to drop echoes of this process's own
// publishes.
func (r *Registry) Contains(workspaceID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[workspaceID][sessionID]
	return ok
}

// Count returns the number of sessions in one workspace.
func (r *Registry) Count(workspaceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[workspaceID])
}

// TotalCount returns the number of sessions across all workspaces.
func (r *Registry) TotalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, set := range r.sessions {
		total += len(set)
	}
	return total
}

// Workspaces returns the ids of workspaces with at least one session.
func (r *Registry) Workspaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
