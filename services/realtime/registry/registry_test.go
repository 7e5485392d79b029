// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"errors"
	"sync"
	"testing"
)

// fakeSession records sends and can be told to fail.
type fakeSession struct {
	id     string
	userID string
	fail   error

	mu       sync.Mutex
	received [][]byte
}

func (s *fakeSession) ID() string     { return s.id }
func (s *fakeSession) UserID() string { return s.userID }

func (s *fakeSession) Send(messageType int, data []byte) error {
	if s.fail != nil {
		return s.fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, data)
	return nil
}

func (s *fakeSession) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func TestRegistry_BroadcastExcludesSender(t *testing.T) {
	r := New()
	sender := &fakeSession{id: "s1", userID: "alice"}
	peer := &fakeSession{id: "s2", userID: "bob"}
	r.Add("ws-1", sender)
	r.Add("ws-1", peer)

	failed := r.Broadcast("ws-1", "s1", 2, []byte("update"))

	if failed != 0 {
		t.Errorf("expected 0 failures, got %d", failed)
	}
	if sender.count() != 0 {
		t.Error("sender must never receive its own update")
	}
	if peer.count() != 1 {
		t.Errorf("peer expected 1 delivery, got %d", peer.count())
	}
}

func TestRegistry_BroadcastSkipsFailedSession(t *testing.T) {
	r := New()
	broken := &fakeSession{id: "s1", userID: "alice", fail: errors.New("broken pipe")}
	healthy := &fakeSession{id: "s2", userID: "bob"}
	r.Add("ws-1", broken)
	r.Add("ws-1", healthy)

	failed := r.Broadcast("ws-1", "none", 2, []byte("update"))

	if failed != 1 {
		t.Errorf("expected 1 failure, got %d", failed)
	}
	if healthy.count() != 1 {
		t.Error("failure on one session must not block delivery to others")
	}
}

func TestRegistry_BroadcastScopedToWorkspace(t *testing.T) {
	r := New()
	inWs := &fakeSession{id: "s1", userID: "alice"}
	otherWs := &fakeSession{id: "s2", userID: "bob"}
	r.Add("ws-1", inWs)
	r.Add("ws-2", otherWs)

	r.Broadcast("ws-1", "none", 2, []byte("update"))

	if otherWs.count() != 0 {
		t.Error("broadcast must not cross workspaces")
	}
}

func TestRegistry_Counts(t *testing.T) {
	r := New()
	r.Add("ws-1", &fakeSession{id: "s1"})
	r.Add("ws-1", &fakeSession{id: "s2"})
	r.Add("ws-2", &fakeSession{id: "s3"})

	if got := r.Count("ws-1"); got != 2 {
		t.Errorf("Count(ws-1) = %d, want 2", got)
	}
	if got := r.TotalCount(); got != 3 {
		t.Errorf("TotalCount() = %d, want 3", got)
	}
	if got := len(r.Workspaces()); got != 2 {
		t.Errorf("Workspaces() len = %d, want 2", got)
	}

	if remaining := r.Remove("ws-1", "s1"); remaining != 1 {
		t.Errorf("Remove returned %d remaining, want 1", remaining)
	}
	if remaining := r.Remove("ws-1", "s2"); remaining != 0 {
		t.Errorf("Remove returned %d remaining, want 0", remaining)
	}
	if got := r.Count("ws-1"); got != 0 {
		t.Errorf("Count(ws-1) after removals = %d, want 0", got)
	}

	// Removing from an unknown workspace is harmless.
	if remaining := r.Remove("ws-9", "s9"); remaining != 0 {
		t.Errorf("Remove on unknown workspace returned %d", remaining)
	}
}

func TestRegistry_ConcurrentAddRemove(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s := &fakeSession{id: string(rune('a' + n%26))}
			r.Add("ws-1", s)
			r.Broadcast("ws-1", s.ID(), 2, []byte("u"))
			r.Remove("ws-1", s.ID())
		}(i)
	}
	wg.Wait()
	if got := r.TotalCount(); got != 0 {
		t.Errorf("expected empty registry after churn, got %d", got)
	}
}
