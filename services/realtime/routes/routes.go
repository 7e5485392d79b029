// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianSync/services/realtime/auth"
	"github.com/AleutianAI/AleutianSync/services/realtime/doc"
	"github.com/AleutianAI/AleutianSync/services/realtime/handlers"
	"github.com/AleutianAI/AleutianSync/services/realtime/registry"
	"github.com/AleutianAI/AleutianSync/services/realtime/store"
)

func SetupRoutes(router *gin.Engine, manager *doc.Manager, reg *registry.Registry,
	membership auth.Membership, snapshots store.SnapshotStore) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ws := handlers.NewWebSocketHandler(manager, reg, membership)

	// API version 1 group
	v1 := router.Group("/v1")
	{
		workspaces := v1.Group("/workspaces")
		{
			workspaces.GET("/:workspaceId/ws", ws.Handle)
			workspaces.GET("/:workspaceId/snapshot", handlers.WorkspaceSnapshot(snapshots))
			workspaces.GET("/:workspaceId/stats", handlers.WorkspaceStats(manager, reg))
		}
	}
}
