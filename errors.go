package vitalsync

import (
	"errors"
	"fmt"
)

// Common errors returned by the vitalsync client.
var (
	// ErrNotFound is returned when a record is not found in the local store.
	ErrNotFound = errors.New("record not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrInvalidOperation is returned when an unknown queue operation is enqueued.
	ErrInvalidOperation = errors.New("invalid queue operation")

	// ErrInvalidStatus is returned when an unknown sync status is applied.
	ErrInvalidStatus = errors.New("invalid sync status")

	// ErrUnknownTable is returned when a table name is not a registered record table.
	ErrUnknownTable = errors.New("unknown record table")

	// ErrOffline is returned when a network operation is attempted while offline.
	ErrOffline = errors.New("operation unavailable while offline")

	// ErrNoHandler is returned when the queue holds an entry for a table
	// with no registered sync handler.
	ErrNoHandler = errors.New("no sync handler registered for table")

	// ErrMonitorClosed is returned when the network monitor is used after Close.
	ErrMonitorClosed = errors.New("network monitor is closed")

	// ErrDependencyCycle is returned when the orchestrator's category graph
	// contains a cycle. This is a configuration error, caught at construction.
	ErrDependencyCycle = errors.New("data category dependency cycle")

	// ErrUnknownDependency is returned when a category depends on an
	// undeclared category key.
	ErrUnknownDependency = errors.New("data category depends on unknown key")

	// ErrStartupFailed is returned when a required critical-phase category
	// fails to load during orchestration.
	ErrStartupFailed = errors.New("critical startup data failed to load")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// SyncError is returned when a remote sync operation fails.
// Extractable via errors.As(). Supports Unwrap().
type SyncError struct {
	Operation  Operation
	Table      string
	StatusCode int
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync: %s %s failed (status %d): %v", e.Operation, e.Table, e.StatusCode, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Permanent reports whether the failure is non-retryable. Validation-style
// 4xx responses will never succeed on replay; 408 and 429 are transport
// pressure and stay retryable, as do network errors and 5xx responses.
func (e *SyncError) Permanent() bool {
	if e.StatusCode == 408 || e.StatusCode == 429 {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Conflict reports whether the server rejected the mutation because of a
// concurrent change to the same record.
func (e *SyncError) Conflict() bool {
	return e.StatusCode == 409
}
