// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth answers one question for the realtime service: may this
// user join this workspace?
//
// # Description
//
// Authentication itself (who is this user) happens upstream; the
// handshake arrives with a user id already attached. This package only
// checks workspace membership. The production implementation asks the
// workspace service over HTTP; StaticMembership and AllowAll back tests
// and single-tenant dev mode.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// =============================================================================
// Interface
// =============================================================================

// Membership decides whether a user may join a workspace.
type Membership interface {
	// IsMember reports whether the user belongs to the workspace. An
	// error means the answer is unknown; callers must treat unknown as
	// denied.
	IsMember(ctx context.Context, workspaceID, userID string) (bool, error)
}

// =============================================================================
// HTTP Membership
// =============================================================================

// HTTPMembership queries the workspace service's membership endpoint.
//
// # Description
//
// Issues GET {base}/v1/workspaces/{id}/members/{user}. A 200 means
// member, a 404 means not a member, anything else is an error. The
// caller denies on error, so a workspace-service outage fails closed.
type HTTPMembership struct {
	baseURL string
	client  *http.Client
}

// NewHTTPMembership creates a membership client against the given base
// URL, e.g. "http://workspace-service:8080".
func NewHTTPMembership(baseURL string) *HTTPMembership {
	return &HTTPMembership{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// IsMember asks the workspace service.
func (m *HTTPMembership) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/v1/workspaces/%s/members/%s",
		m.baseURL, url.PathEscape(workspaceID), url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build membership request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("membership check failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("membership check returned status %d", resp.StatusCode)
	}
}

// =============================================================================
// Static Membership
// =============================================================================

// StaticMembership is a fixed in-memory membership table for tests and
// dev mode.
type StaticMembership struct {
	mu      sync.RWMutex
	members map[string]map[string]bool // workspaceID -> userID -> member
}

// NewStaticMembership returns an empty table.
func NewStaticMembership() *StaticMembership {
	return &StaticMembership{members: make(map[string]map[string]bool)}
}

// Grant adds a user to a workspace.
func (m *StaticMembership) Grant(workspaceID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[workspaceID]
	if !ok {
		set = make(map[string]bool)
		m.members[workspaceID] = set
	}
	set[userID] = true
}

// Revoke removes a user from a workspace.
func (m *StaticMembership) Revoke(workspaceID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[workspaceID], userID)
}

// IsMember checks the table.
func (m *StaticMembership) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members[workspaceID][userID], nil
}

// =============================================================================
// Allow All
// =============================================================================

// AllowAll admits everyone. Single-tenant dev mode only.
type AllowAll struct{}

// IsMember always says yes.
func (AllowAll) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	return true, nil
}

// Compile-time interface compliance.
var (
	_ Membership = (*HTTPMembership)(nil)
	_ Membership = (*StaticMembership)(nil)
	_ Membership = AllowAll{}
)
