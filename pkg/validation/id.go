// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that are used in
// database queries, cache keys, or wire-format messages. Using these
// validators prevents injection through identifiers (SQL injection, bus
// message corruption, cache key collisions).
package validation

import (
	"fmt"
	"regexp"
)

// idPattern matches valid workspace and user identifiers.
// Allows: letters, digits, hyphens, underscores, dots.
// Max length: 128 characters (UUIDs and prefixed ids both fit).
//
// The pipe character is deliberately excluded: ids travel in a
// pipe-delimited bus wire format.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,127}$`)

// ValidateWorkspaceID validates a workspace identifier.
//
// Workspace ids become Postgres row keys, Redis cache keys
// ("workspace:{id}"), and the first field of bus messages, so the
// character set is restricted to safe identifier characters.
//
// Example:
//
//	if err := validation.ValidateWorkspaceID(id); err != nil {
//	    return fmt.Errorf("bad handshake: %w", err)
//	}
func ValidateWorkspaceID(id string) error {
	if id == "" {
		return fmt.Errorf("workspace id cannot be empty")
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid workspace id: %q (must be 1-128 alphanumeric chars, dots, hyphens, or underscores)", id)
	}
	return nil
}

// ValidateUserID validates a user identifier from the handshake.
// Same character rules as workspace ids; user ids end up in snapshot
// rows and log attributes.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid user id: %q (must be 1-128 alphanumeric chars, dots, hyphens, or underscores)", id)
	}
	return nil
}
