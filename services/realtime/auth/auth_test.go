// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStaticMembership(t *testing.T) {
	m := NewStaticMembership()
	ctx := context.Background()

	ok, err := m.IsMember(ctx, "ws-1", "alice")
	if err != nil || ok {
		t.Fatalf("empty table: got (%v, %v), want (false, nil)", ok, err)
	}

	m.Grant("ws-1", "alice")
	if ok, _ := m.IsMember(ctx, "ws-1", "alice"); !ok {
		t.Error("granted member should be admitted")
	}
	if ok, _ := m.IsMember(ctx, "ws-2", "alice"); ok {
		t.Error("membership must be per workspace")
	}

	m.Revoke("ws-1", "alice")
	if ok, _ := m.IsMember(ctx, "ws-1", "alice"); ok {
		t.Error("revoked member should be denied")
	}
}

func TestHTTPMembership(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/workspaces/ws-1/members/alice":
			w.WriteHeader(http.StatusOK)
		case "/v1/workspaces/ws-1/members/bob":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	m := NewHTTPMembership(srv.URL)
	ctx := context.Background()

	t.Run("member", func(t *testing.T) {
		ok, err := m.IsMember(ctx, "ws-1", "alice")
		if err != nil {
			t.Fatalf("IsMember: %v", err)
		}
		if !ok {
			t.Error("200 response must mean member")
		}
	})

	t.Run("not a member", func(t *testing.T) {
		ok, err := m.IsMember(ctx, "ws-1", "bob")
		if err != nil {
			t.Fatalf("IsMember: %v", err)
		}
		if ok {
			t.Error("404 response must mean not a member")
		}
	})

	t.Run("upstream failure is an error", func(t *testing.T) {
		if _, err := m.IsMember(ctx, "ws-9", "carol"); err == nil {
			t.Error("5xx response must surface as an error")
		}
	})
}

func TestAllowAll(t *testing.T) {
	ok, err := AllowAll{}.IsMember(context.Background(), "any", "one")
	if err != nil || !ok {
		t.Errorf("AllowAll: got (%v, %v), want (true, nil)", ok, err)
	}
}
