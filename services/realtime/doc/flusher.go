// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package doc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Background Flusher
// =============================================================================

// FlusherConfig holds configuration for the background flusher.
//
// # Fields
//
//   - Interval: How often to run a maintenance sweep. Default: 15 seconds.
type FlusherConfig struct {
	Interval time.Duration
}

// DefaultFlusherConfig returns production-ready flusher settings.
//
// The 15-second interval keeps the worst-case data-loss window small
// while staying far below the snapshot MaxAge trigger, so age-based
// persists fire close to on time.
func DefaultFlusherConfig() FlusherConfig {
	return FlusherConfig{Interval: 15 * time.Second}
}

// Flusher periodically sweeps the document manager: age-triggered
// snapshots and idle-workspace eviction.
//
// # Description
//
// Uses the ticker + done channel pattern for graceful shutdown. A sweep
// failure on one workspace never stops the sweep for the others; the
// manager handles per-workspace errors internally.
//
// # Thread Safety
//
// All public methods are thread-safe. A mutex protects the running
// state transitions.
type Flusher struct {
	manager *Manager
	config  FlusherConfig
	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewFlusher creates a flusher for the given manager.
func NewFlusher(manager *Manager, config FlusherConfig) *Flusher {
	if config.Interval <= 0 {
		config = DefaultFlusherConfig()
	}
	return &Flusher{
		manager: manager,
		config:  config,
		done:    make(chan struct{}),
	}
}

// Start begins the background sweep loop.
//
// # Outputs
//
//   - error: Non-nil if the flusher is already running.
func (f *Flusher) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("flusher is already running")
	}
	f.running = true
	f.done = make(chan struct{}) // Reset done channel for potential restart
	f.mu.Unlock()

	slog.Info("Snapshot flusher starting",
		"interval", f.config.Interval.String())

	go f.runLoop(ctx)
	return nil
}

// Stop signals the sweep loop to exit. Safe to call multiple times.
// Does not interrupt an in-progress sweep.
func (f *Flusher) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return nil
	}

	slog.Info("Snapshot flusher stopping")
	close(f.done)
	f.running = false
	return nil
}

// RunNow triggers an immediate sweep without waiting for the ticker.
// Useful for manual invocation and tests.
func (f *Flusher) RunNow(ctx context.Context) {
	f.manager.Sweep(ctx)
}

// runLoop is the main flusher goroutine.
func (f *Flusher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(f.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Snapshot flusher stopped (context cancelled)")
			return
		case <-f.done:
			slog.Info("Snapshot flusher stopped (stop requested)")
			return
		case <-ticker.C:
			f.manager.Sweep(ctx)
		}
	}
}
