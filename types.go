package vitalsync

import (
	"encoding/json"
	"time"
)

// SyncStatus tracks a record's reconciliation state with the server.
type SyncStatus string

const (
	// StatusLocalOnly marks a record written locally but not yet confirmed by the server.
	StatusLocalOnly SyncStatus = "local_only"
	// StatusSynced marks a record confirmed by the server.
	StatusSynced SyncStatus = "synced"
	// StatusFailed marks a record whose sync attempts were abandoned.
	StatusFailed SyncStatus = "failed"
	// StatusConflict marks a record the server rejected due to a concurrent change.
	StatusConflict SyncStatus = "conflict"
)

// IsValid checks if the status is a known sync status.
func (s SyncStatus) IsValid() bool {
	switch s {
	case StatusLocalOnly, StatusSynced, StatusFailed, StatusConflict:
		return true
	}
	return false
}

// Operation identifies the remote mutation a queue entry replays.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Priority returns the queue drain priority. Deletes drain before updates,
// updates before creates, so a delete never trails a stale write for the
// same natural key.
func (o Operation) Priority() int {
	switch o {
	case OpDelete:
		return 3
	case OpUpdate:
		return 2
	case OpCreate:
		return 1
	}
	return 0
}

// IsValid checks if the operation is a known queue operation.
func (o Operation) IsValid() bool {
	return o.Priority() != 0
}

// Record table names understood by the store and the handler registry.
const (
	TableWeightMeasurements = "weight_measurements"
	TableBodyMeasurements   = "body_measurements"
)

// SyncMeta carries the per-record sync bookkeeping columns shared by every
// record table.
type SyncMeta struct {
	Status          SyncStatus `json:"sync_status"`
	RetryCount      int        `json:"retry_count"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
	ServerTimestamp *time.Time `json:"server_timestamp,omitempty"`
}

// WeightMeasurement is a single weight log entry.
type WeightMeasurement struct {
	LocalID    string    `json:"local_id"`
	UserID     string    `json:"user_id"`
	Weight     float64   `json:"weight"`
	MeasuredAt time.Time `json:"measured_at"`
	SyncMeta
}

// BodyMeasurement is a single body circumference log entry.
type BodyMeasurement struct {
	LocalID    string    `json:"local_id"`
	UserID     string    `json:"user_id"`
	Chest      float64   `json:"chest"`
	Waist      float64   `json:"waist"`
	Hips       float64   `json:"hips"`
	MeasuredAt time.Time `json:"measured_at"`
	SyncMeta
}

// WeightUpdate contains the mutable fields of a weight measurement.
// Nil fields are left unchanged.
type WeightUpdate struct {
	Weight     *float64
	MeasuredAt *time.Time
}

// BodyUpdate contains the mutable fields of a body measurement.
// Nil fields are left unchanged.
type BodyUpdate struct {
	Chest      *float64
	Waist      *float64
	Hips       *float64
	MeasuredAt *time.Time
}

// QueueEntry is a durable pending server operation.
//
// For OpDelete the Payload must carry every field the remote call needs,
// because the local row is already gone by the time the entry drains.
type QueueEntry struct {
	ID             int64           `json:"id"`
	TableName      string          `json:"table_name"`
	Operation      Operation       `json:"operation"`
	RecordID       string          `json:"record_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Priority       int             `json:"priority"`
	RetryCount     int             `json:"retry_count"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAttempt    *time.Time      `json:"last_attempt,omitempty"`
}

// DeletePayload is the denormalized snapshot enqueued with OpDelete entries.
type DeletePayload struct {
	UserID     string    `json:"user_id"`
	MeasuredAt time.Time `json:"measured_at"`
}

// SyncUpdate describes a sync-status transition applied to a record.
type SyncUpdate struct {
	ServerTimestamp *time.Time
	ErrorMessage    string
	IncrementRetry  bool
}

// GetOptions filters and pages record queries.
type GetOptions struct {
	// IncludeLocalOnly, when false, returns only server-confirmed rows.
	IncludeLocalOnly bool
	Limit            int
	Offset           int
	// Ascending orders by measurement time oldest-first. Default is newest-first.
	Ascending bool
}

// QueueStatus is a snapshot of sync queue health, observable by the UI layer.
type QueueStatus struct {
	IsProcessing       bool       `json:"is_processing"`
	PendingCount       int        `json:"pending_count"`
	FailedCount        int        `json:"failed_count"`
	LastSyncAttempt    *time.Time `json:"last_sync_attempt,omitempty"`
	LastSuccessfulSync *time.Time `json:"last_successful_sync,omitempty"`
}

// StoreStats contains statistics about the local store.
type StoreStats struct {
	WeightCount        int       `json:"weight_count"`
	BodyCount          int       `json:"body_count"`
	PendingRecords     int       `json:"pending_records"`
	FailedRecords      int       `json:"failed_records"`
	QueueDepth         int       `json:"queue_depth"`
	LastSuccessfulSync time.Time `json:"last_successful_sync"`
	SchemaVersion      string    `json:"schema_version"`
}

// HealthStatus represents the health of the client.
type HealthStatus struct {
	Healthy         bool   `json:"healthy"`
	StoreOK         bool   `json:"store_ok"`
	ServerReachable bool   `json:"server_reachable"`
	Error           string `json:"error,omitempty"`
}

// Sync metadata keys persisted in the sync_metadata table.
const (
	metaSchemaVersion      = "schema_version"
	metaLastSyncAttempt    = "last_sync_attempt"
	metaLastSuccessfulSync = "last_successful_sync"
)
