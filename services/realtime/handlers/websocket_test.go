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

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianSync/services/realtime/auth"
	"github.com/AleutianAI/AleutianSync/services/realtime/bus"
	"github.com/AleutianAI/AleutianSync/services/realtime/crdt"
	"github.com/AleutianAI/AleutianSync/services/realtime/doc"
	"github.com/AleutianAI/AleutianSync/services/realtime/registry"
	"github.com/AleutianAI/AleutianSync/services/realtime/store"
)

type testServer struct {
	srv        *httptest.Server
	manager    *doc.Manager
	registry   *registry.Registry
	membership *auth.StaticMembership
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New()
	membership := auth.NewStaticMembership()
	manager := doc.NewManager(doc.Config{
		Policy: doc.PersistPolicy{UpdateThreshold: 1 << 30, ByteThreshold: 1 << 30, MaxAge: time.Hour},
	}, crdt.NewFakeCodec(), store.NewMemoryStore(), nil, bus.NewNoopBus(), reg)

	h := NewWebSocketHandler(manager, reg, membership)
	router := gin.New()
	router.GET("/v1/workspaces/:workspaceId/ws", h.Handle)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, manager: manager, registry: reg, membership: membership}
}

// dial opens a client connection; the caller owns Close.
func (ts *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(ts.srv.URL, "http", "ws", 1) + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// expectClose reads until the server closes and returns the close code.
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				return closeErr.Code
			}
			t.Fatalf("expected close error, got %v", err)
		}
	}
}

// awaitOpen round-trips a ping so the test knows the server finished
// registration and entered the read loop.
func awaitOpen(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	ping := ControlMessage{Type: ControlPing}
	if err := conn.WriteMessage(websocket.TextMessage, encodeControl(ping)); err != nil {
		t.Fatalf("ping: %v", err)
	}
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("awaiting pong: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("expected text pong, got message type %d", messageType)
	}
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != ControlPong {
		t.Fatalf("expected pong, got %s", data)
	}
}

func TestWebSocket_RejectsNonMember(t *testing.T) {
	ts := newTestServer(t)

	conn := ts.dial(t, "/v1/workspaces/ws-1/ws?userId=mallory")
	defer conn.Close()

	if code := expectClose(t, conn); code != CloseUnauthorized {
		t.Errorf("close code = %d, want %d", code, CloseUnauthorized)
	}
	if ts.registry.TotalCount() != 0 {
		t.Error("rejected connection must never be registered")
	}
}

func TestWebSocket_RejectsBadHandshake(t *testing.T) {
	ts := newTestServer(t)

	t.Run("missing userId", func(t *testing.T) {
		conn := ts.dial(t, "/v1/workspaces/ws-1/ws")
		defer conn.Close()
		if code := expectClose(t, conn); code != CloseBadHandshake {
			t.Errorf("close code = %d, want %d", code, CloseBadHandshake)
		}
	})

	t.Run("malformed vector", func(t *testing.T) {
		ts.membership.Grant("ws-1", "alice")
		conn := ts.dial(t, "/v1/workspaces/ws-1/ws?userId=alice&vector=%21%21not-base64")
		defer conn.Close()
		if code := expectClose(t, conn); code != CloseBadHandshake {
			t.Errorf("close code = %d, want %d", code, CloseBadHandshake)
		}
	})
}

func TestWebSocket_InitialSyncSendsState(t *testing.T) {
	ts := newTestServer(t)
	ts.membership.Grant("ws-1", "alice")

	// Seed the document before the client arrives.
	if err := ts.manager.ApplyLocalUpdate(context.Background(), "ws-1", "seed-session", "seed", []byte("existing-edit")); err != nil {
		t.Fatal(err)
	}

	conn := ts.dial(t, "/v1/workspaces/ws-1/ws?userId=alice")
	defer conn.Close()

	messageType, delta, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading initial sync: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Fatalf("initial sync message type = %d, want binary", messageType)
	}
	if len(delta) == 0 {
		t.Fatal("expected a non-empty delta for a stale client")
	}
}

func TestWebSocket_CurrentClientGetsNoInitialDelta(t *testing.T) {
	ts := newTestServer(t)
	ts.membership.Grant("ws-1", "alice")

	if err := ts.manager.ApplyLocalUpdate(context.Background(), "ws-1", "seed-session", "seed", []byte("existing-edit")); err != nil {
		t.Fatal(err)
	}
	vector, err := ts.manager.StateVector(context.Background(), "ws-1")
	if err != nil {
		t.Fatal(err)
	}

	path := "/v1/workspaces/ws-1/ws?userId=alice&vector=" +
		url.QueryEscape(base64.StdEncoding.EncodeToString(vector))
	conn := ts.dial(t, path)
	defer conn.Close()

	// The first frame must be the pong, not a redundant delta.
	awaitOpen(t, conn)
}

func TestWebSocket_RelaysUpdatesBetweenClients(t *testing.T) {
	ts := newTestServer(t)
	ts.membership.Grant("ws-1", "alice")
	ts.membership.Grant("ws-1", "bob")

	alice := ts.dial(t, "/v1/workspaces/ws-1/ws?userId=alice")
	defer alice.Close()
	awaitOpen(t, alice)

	bob := ts.dial(t, "/v1/workspaces/ws-1/ws?userId=bob")
	defer bob.Close()
	awaitOpen(t, bob)

	update := []byte("alice-edit")
	if err := alice.WriteMessage(websocket.BinaryMessage, update); err != nil {
		t.Fatal(err)
	}

	messageType, data, err := bob.ReadMessage()
	if err != nil {
		t.Fatalf("bob reading relay: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Fatalf("relay message type = %d, want binary", messageType)
	}
	if string(data) != string(update) {
		t.Errorf("relayed bytes = %q, want %q", data, update)
	}

	// The sender must not see its own update echoed; a ping round-trip
	// proves the next frame alice receives is the pong.
	awaitOpen(t, alice)
}

func TestWebSocket_SyncControlResendsDelta(t *testing.T) {
	ts := newTestServer(t)
	ts.membership.Grant("ws-1", "alice")

	if err := ts.manager.ApplyLocalUpdate(context.Background(), "ws-1", "seed-session", "seed", []byte("existing-edit")); err != nil {
		t.Fatal(err)
	}

	conn := ts.dial(t, "/v1/workspaces/ws-1/ws?userId=alice")
	defer conn.Close()

	// Drain the initial sync.
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	awaitOpen(t, conn)

	// An empty vector asks for the full state again.
	req := ControlMessage{Type: ControlSync}
	if err := conn.WriteMessage(websocket.TextMessage, encodeControl(req)); err != nil {
		t.Fatal(err)
	}

	messageType, delta, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("resync delta: %v", err)
	}
	if messageType != websocket.BinaryMessage || len(delta) == 0 {
		t.Errorf("expected non-empty binary resync delta, got type %d len %d", messageType, len(delta))
	}
}

func TestWebSocket_DisconnectDeregisters(t *testing.T) {
	ts := newTestServer(t)
	ts.membership.Grant("ws-1", "alice")

	conn := ts.dial(t, "/v1/workspaces/ws-1/ws?userId=alice")
	awaitOpen(t, conn)
	if ts.registry.Count("ws-1") != 1 {
		t.Fatalf("expected 1 registered session, got %d", ts.registry.Count("ws-1"))
	}

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for ts.registry.Count("ws-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was not deregistered after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
