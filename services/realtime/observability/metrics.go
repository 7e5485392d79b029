// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the realtime
// collaboration service.
//
// # Description
//
// Metrics cover the sync hot path: connection lifecycle, applied updates
// (local vs remote), broadcast health, snapshot persistence, and bus
// traffic. Exposed via the /metrics endpoint for Prometheus + Grafana.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for realtime sync metrics
const realtimeSubsystem = "realtime"

// RealtimeMetrics holds all Prometheus metrics for the sync service.
//
// # Fields
//
//   - ConnectionsActive: Gauge of currently open sessions
//   - ConnectionsTotal: Counter of connection attempts by outcome
//   - WorkspacesOpen: Gauge of workspaces resident in memory
//   - UpdatesTotal: Counter of merged updates by source (local, remote)
//   - UpdateBytes: Histogram of update payload sizes
//   - BroadcastFailuresTotal: Counter of failed per-session sends
//   - SnapshotPersistsTotal: Counter of snapshot writes by status
//   - BusPublishesTotal: Counter of updates published to the shared bus
type RealtimeMetrics struct {
	// ConnectionsActive tracks currently open WebSocket sessions.
	ConnectionsActive prometheus.Gauge

	// ConnectionsTotal counts connection attempts.
	// Labels: outcome (accepted, rejected, failed)
	ConnectionsTotal *prometheus.CounterVec

	// WorkspacesOpen tracks workspace documents resident in memory.
	WorkspacesOpen prometheus.Gauge

	// UpdatesTotal counts merged updates.
	// Labels: source (local, remote)
	UpdatesTotal *prometheus.CounterVec

	// UpdateBytes measures update payload sizes.
	UpdateBytes prometheus.Histogram

	// BroadcastFailuresTotal counts per-session send failures during
	// local broadcast.
	BroadcastFailuresTotal prometheus.Counter

	// SnapshotPersistsTotal counts snapshot writes.
	// Labels: status (success, error)
	SnapshotPersistsTotal *prometheus.CounterVec

	// BusPublishesTotal counts updates published to the shared bus.
	BusPublishesTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of RealtimeMetrics.
// Initialized by InitMetrics(); nil when metrics are disabled (tests).
var DefaultMetrics *RealtimeMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Call once at startup.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *RealtimeMetrics {
	DefaultMetrics = &RealtimeMetrics{
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: realtimeSubsystem,
			Name:      "connections_active",
			Help:      "Currently open WebSocket sessions",
		}),

		ConnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: realtimeSubsystem,
			Name:      "connections_total",
			Help:      "Connection attempts by outcome",
		}, []string{"outcome"}),

		WorkspacesOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: realtimeSubsystem,
			Name:      "workspaces_open",
			Help:      "Workspace documents resident in memory",
		}),

		UpdatesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: realtimeSubsystem,
			Name:      "updates_total",
			Help:      "Merged CRDT updates by source",
		}, []string{"source"}),

		UpdateBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: realtimeSubsystem,
			Name:      "update_bytes",
			Help:      "CRDT update payload sizes in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),

		BroadcastFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: realtimeSubsystem,
			Name:      "broadcast_failures_total",
			Help:      "Failed per-session sends during local broadcast",
		}),

		SnapshotPersistsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: realtimeSubsystem,
			Name:      "snapshot_persists_total",
			Help:      "Snapshot writes to the durable store by status",
		}, []string{"status"}),

		BusPublishesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: realtimeSubsystem,
			Name:      "bus_publishes_total",
			Help:      "Updates published to the shared bus",
		}),
	}
	return DefaultMetrics
}
