// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

package meterd

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound should be returned when a requested document cannot be found
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEntry should be returned when a document would violate unique constraints
	ErrDuplicateEntry = errors.New("duplicate entry")

	// ErrRevisionConflict should be returned when an optimistic write lost
	// against a concurrent writer of the same document
	ErrRevisionConflict = errors.New("revision conflict")

	// ErrLockTimeout should be returned when a scoped lock could not be acquired
	// within its timeout. Nothing has been mutated; the caller may retry.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrStaleUsage should be returned when an event's end time falls outside
	// the slack tolerance of the rolling windows it targets
	ErrStaleUsage = errors.New("stale usage")

	// ErrPlanNotFound should be returned when no metering or pricing plan is
	// configured for a resource and plan. Structural; never retried.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrSinkUnavailable should be returned when the downstream sink is
	// unreachable or its breaker is open. The local persist already happened;
	// the recovery sweep re-emits.
	ErrSinkUnavailable = errors.New("sink unavailable")
)

// ValidationError describes a malformed usage event. Validation failures are
// surfaced to the submitter and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid usage event: %s: %s", e.Field, e.Reason)
}
