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
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianSync/services/realtime/doc"
	"github.com/AleutianAI/AleutianSync/services/realtime/registry"
	"github.com/AleutianAI/AleutianSync/services/realtime/store"
)

// =============================================================================
// Operational REST Handlers
// =============================================================================

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// WorkspaceSnapshot returns the durable snapshot row for a workspace.
// Debug and ops read; serves whatever the last persist wrote, which may
// trail the live in-memory state.
func WorkspaceSnapshot(snapshots store.SnapshotStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		workspaceID := c.Param("workspaceId")
		rec, err := snapshots.Load(c.Request.Context(), workspaceID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for workspace"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot load failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"workspaceId":   rec.WorkspaceID,
			"updatedAt":     rec.UpdatedAt,
			"updatedBy":     rec.UserID,
			"snapshotBytes": len(rec.Snapshot),
			"vector":        base64.StdEncoding.EncodeToString(rec.Vector),
		})
	}
}

// WorkspaceStats returns live counters for a resident workspace, or the
// connection count alone when the document is not loaded here.
func WorkspaceStats(manager *doc.Manager, reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		workspaceID := c.Param("workspaceId")
		if stats, ok := manager.WorkspaceStats(workspaceID); ok {
			c.JSON(http.StatusOK, stats)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"workspaceId": workspaceID,
			"resident":    false,
			"sessions":    reg.Count(workspaceID),
		})
	}
}
