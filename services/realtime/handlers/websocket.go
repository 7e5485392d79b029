// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the WebSocket protocol surface of the
// realtime service.
//
// # Description
//
// Each connection walks a fixed lifecycle:
//
//	CONNECTING -> AUTHORIZING -> SYNCING -> OPEN -> CLOSED
//
// with REJECTED branching off AUTHORIZING. A session is registered for
// broadcast only after authorization and initial sync; a rejected
// connection never touches the registry, so no misdirected frame can
// reach it.
//
// # Thread Safety
//
// One goroutine per connection runs the read loop. Writes come from the
// read loop and from broadcast goroutines concurrently; wsSession
// serializes them with a mutex.
package handlers

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianSync/pkg/validation"
	"github.com/AleutianAI/AleutianSync/services/realtime/auth"
	"github.com/AleutianAI/AleutianSync/services/realtime/doc"
	"github.com/AleutianAI/AleutianSync/services/realtime/observability"
	"github.com/AleutianAI/AleutianSync/services/realtime/registry"
)

// =============================================================================
// Session
// =============================================================================

const (
	writeTimeout = 10 * time.Second

	// maxUpdateBytes bounds a single inbound frame. Oversized frames
	// close the connection at the transport level.
	maxUpdateBytes = 8 << 20
)

// wsSession is the registry.Session implementation for one WebSocket
// connection.
type wsSession struct {
	id     string
	userID string
	conn   *websocket.Conn

	// writeMu serializes frame writes; gorilla/websocket allows only
	// one concurrent writer.
	writeMu sync.Mutex
}

func newSession(userID string, conn *websocket.Conn) *wsSession {
	return &wsSession{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
	}
}

func (s *wsSession) ID() string     { return s.id }
func (s *wsSession) UserID() string { return s.userID }

// Send writes one frame under the write mutex.
func (s *wsSession) Send(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(messageType, data)
}

// close sends a close frame with the given application code, then tears
// down the transport.
func (s *wsSession) close(code int, reason string) {
	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

// =============================================================================
// Handler
// =============================================================================

// WebSocketHandler upgrades sync connections and runs their lifecycle.
type WebSocketHandler struct {
	manager    *doc.Manager
	registry   *registry.Registry
	membership auth.Membership
	upgrader   websocket.Upgrader
}

// NewWebSocketHandler wires the protocol handler.
//
// # Assumptions
//
//   - Cross-origin policy is enforced upstream (ingress); the upgrader
//     accepts any origin.
func NewWebSocketHandler(manager *doc.Manager, reg *registry.Registry, membership auth.Membership) *WebSocketHandler {
	return &WebSocketHandler{
		manager:    manager,
		registry:   reg,
		membership: membership,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handle is the gin handler for GET /v1/workspaces/:workspaceId/ws.
//
// # Description
//
// Upgrades the connection, authorizes the user against the workspace,
// performs the initial sync, registers the session, and runs the read
// loop until the client disconnects. Rejections use application close
// codes so clients can distinguish bad requests from denied access.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	userID := c.Query("userId")
	encodedVector := c.Query("vector")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		slog.Debug("WebSocket upgrade failed", "error", err)
		countConnection("failed")
		return
	}
	conn.SetReadLimit(maxUpdateBytes)
	session := newSession(userID, conn)

	// ----- AUTHORIZING -----

	var clientVector []byte
	if encodedVector != "" {
		clientVector, err = base64.StdEncoding.DecodeString(encodedVector)
		if err != nil {
			session.close(CloseBadHandshake, "malformed state vector")
			countConnection("rejected")
			return
		}
	}
	// Ids become bus wire-format fields, cache keys, and row keys;
	// reject anything outside the safe identifier set.
	if err := validation.ValidateWorkspaceID(workspaceID); err != nil {
		session.close(CloseBadHandshake, "invalid workspace id")
		countConnection("rejected")
		return
	}
	if err := validation.ValidateUserID(userID); err != nil {
		session.close(CloseBadHandshake, "missing or invalid userId")
		countConnection("rejected")
		return
	}

	authCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	member, err := h.membership.IsMember(authCtx, workspaceID, userID)
	cancel()
	if err != nil {
		// Unknown is denied: an authorizer outage must fail closed.
		slog.Warn("Membership check failed, denying",
			"workspace_id", workspaceID,
			"user_id", userID,
			"error", err)
		member = false
	}
	if !member {
		session.close(CloseUnauthorized, "not a workspace member")
		countConnection("rejected")
		return
	}

	// ----- SYNCING -----

	loadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	_, err = h.manager.GetOrCreate(loadCtx, workspaceID)
	cancel()
	if err != nil {
		slog.Error("Workspace load failed",
			"workspace_id", workspaceID,
			"error", err)
		session.close(CloseInternalError, "workspace unavailable")
		countConnection("failed")
		return
	}

	// A failed initial delta is not fatal: the client can recover with
	// a sync control message once the session is open.
	h.sendDelta(session, workspaceID, clientVector)

	// ----- OPEN -----

	h.registry.Add(workspaceID, session)
	countConnection("accepted")
	if mtr := observability.DefaultMetrics; mtr != nil {
		mtr.ConnectionsActive.Inc()
	}
	slog.Info("Session opened",
		"workspace_id", workspaceID,
		"session_id", session.id,
		"user_id", userID)

	h.readLoop(session, workspaceID)

	// ----- CLOSED -----

	remaining := h.registry.Remove(workspaceID, session.id)
	if mtr := observability.DefaultMetrics; mtr != nil {
		mtr.ConnectionsActive.Dec()
	}
	_ = conn.Close()
	slog.Info("Session closed",
		"workspace_id", workspaceID,
		"session_id", session.id,
		"remaining_sessions", remaining)
}

// readLoop consumes frames until the transport fails or closes.
func (h *WebSocketHandler) readLoop(session *wsSession, workspaceID string) {
	for {
		messageType, data, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Session read failed",
					"workspace_id", workspaceID,
					"session_id", session.id,
					"error", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			h.handleUpdate(session, workspaceID, data)
		case websocket.TextMessage:
			h.handleControl(session, workspaceID, data)
		}
	}
}

// handleUpdate merges one client update. A codec rejection is fatal for
// that update only; the session stays open and is told via an error
// frame.
func (h *WebSocketHandler) handleUpdate(session *wsSession, workspaceID string, update []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.manager.ApplyLocalUpdate(ctx, workspaceID, session.id, session.userID, update); err != nil {
		slog.Error("Update rejected",
			"workspace_id", workspaceID,
			"session_id", session.id,
			"update_bytes", len(update),
			"error", err)
		_ = session.Send(websocket.TextMessage, encodeControl(ControlMessage{
			Type:    ControlError,
			Message: "update rejected",
		}))
	}
}

// handleControl dispatches one JSON control frame.
func (h *WebSocketHandler) handleControl(session *wsSession, workspaceID string, data []byte) {
	msg, ok := parseControl(data)
	if !ok {
		slog.Debug("Unparseable control frame dropped",
			"workspace_id", workspaceID,
			"session_id", session.id)
		return
	}

	switch msg.Type {
	case ControlPing:
		_ = session.Send(websocket.TextMessage, encodeControl(ControlMessage{Type: ControlPong}))
	case ControlPong:
		// Client answered our probe; nothing to do.
	case ControlSync:
		var vector []byte
		if msg.Vector != "" {
			decoded, err := base64.StdEncoding.DecodeString(msg.Vector)
			if err != nil {
				_ = session.Send(websocket.TextMessage, encodeControl(ControlMessage{
					Type:    ControlError,
					Message: "malformed state vector",
				}))
				return
			}
			vector = decoded
		}
		h.sendDelta(session, workspaceID, vector)
	default:
		slog.Debug("Unknown control type dropped",
			"workspace_id", workspaceID,
			"session_id", session.id,
			"type", msg.Type)
	}
}

// sendDelta computes and sends the delta against the client's vector.
// Failures are logged and swallowed; the client owns retry via a sync
// control message.
func (h *WebSocketHandler) sendDelta(session *wsSession, workspaceID string, clientVector []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	delta, err := h.manager.ComputeDelta(ctx, workspaceID, clientVector)
	if err != nil {
		slog.Error("Delta computation failed",
			"workspace_id", workspaceID,
			"session_id", session.id,
			"error", err)
		return
	}
	if len(delta) == 0 {
		// Client is already current.
		return
	}
	if err := session.Send(websocket.BinaryMessage, delta); err != nil {
		slog.Warn("Initial sync send failed",
			"workspace_id", workspaceID,
			"session_id", session.id,
			"error", err)
	}
}

func countConnection(outcome string) {
	if mtr := observability.DefaultMetrics; mtr != nil {
		mtr.ConnectionsTotal.WithLabelValues(outcome).Inc()
	}
}
