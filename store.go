package vitalsync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/stridehealth/vitalsync/internal/remote"
	"github.com/stridehealth/vitalsync/internal/store/migrations"
)

const schemaVersion = "1"

// recordTables whitelists the tables sync metadata operations may touch.
// Table names are interpolated into SQL, so they must never come from
// unvalidated input.
var recordTables = map[string]bool{
	TableWeightMeasurements: true,
	TableBodyMeasurements:   true,
}

// Store manages the local SQLite tracking database.
//
// All mutating calls take the write lock, so writes execute strictly in
// submission order; reads may interleave under the read lock.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewStore opens or creates a local tracking store.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets readers interleave with the serialized writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	store := &Store{db: db, path: path}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO sync_metadata (key, value) VALUES (?, ?)
	`, metaSchemaVersion, schemaVersion)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// --- Weight measurements ---

// CreateWeightMeasurement inserts a weight measurement and its CREATE sync
// queue entry in one transaction. The row starts as local_only; the returned
// local ID is stable for the record's lifetime. Never calls the network.
func (s *Store) CreateWeightMeasurement(m *WeightMeasurement) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}
	if m.UserID == "" {
		return "", &ValidationError{Field: "UserID", Message: "required"}
	}
	if m.MeasuredAt.IsZero() {
		return "", &ValidationError{Field: "MeasuredAt", Message: "required"}
	}

	m.LocalID = ulid.Make().String()
	now := time.Now().UTC()
	m.Status = StatusLocalOnly
	m.RetryCount = 0
	m.ErrorMessage = ""
	m.CreatedAt = now
	m.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	_, err = tx.Exec(`
		INSERT INTO weight_measurements (local_id, user_id, weight, measured_at, sync_status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`,
		m.LocalID,
		m.UserID,
		m.Weight,
		fmtTime(m.MeasuredAt),
		string(StatusLocalOnly),
		fmtTime(now),
		fmtTime(now),
	)
	if err != nil {
		return "", fmt.Errorf("store: insert weight measurement: %w", err)
	}

	if err := enqueueTx(tx, TableWeightMeasurements, OpCreate, m.LocalID, nil); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit: %w", err)
	}
	return m.LocalID, nil
}

// GetWeightMeasurement retrieves a weight measurement by local ID.
func (s *Store) GetWeightMeasurement(localID string) (*WeightMeasurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.getWeight(localID)
}

func (s *Store) getWeight(localID string) (*WeightMeasurement, error) {
	row := s.db.QueryRow(`
		SELECT local_id, user_id, weight, measured_at,
		       sync_status, retry_count, error_message, created_at, updated_at, last_sync_attempt, server_timestamp
		FROM weight_measurements WHERE local_id = ?
	`, localID)
	return scanWeight(row)
}

// WeightMeasurements returns a user's weight measurements ordered by
// measurement time (newest first by default).
func (s *Store) WeightMeasurements(userID string, opts GetOptions) ([]WeightMeasurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `
		SELECT local_id, user_id, weight, measured_at,
		       sync_status, retry_count, error_message, created_at, updated_at, last_sync_attempt, server_timestamp
		FROM weight_measurements WHERE user_id = ?
	`
	query, args := applyGetOptions(query, []any{userID}, opts)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query weight measurements: %w", err)
	}
	defer rows.Close()

	var results []WeightMeasurement
	for rows.Next() {
		m, err := scanWeight(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *m)
	}
	return results, rows.Err()
}

// UpdateWeightMeasurement merges fields into an existing row, stamps
// updated_at, and demotes a previously-synced row back to local_only so the
// change is queued for re-sync. A row still awaiting its initial CREATE is
// not re-queued: the pending CREATE entry pushes the live row's values.
func (s *Store) UpdateWeightMeasurement(localID string, upd WeightUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	m, err := s.getWeight(localID)
	if err != nil {
		return err
	}

	if upd.Weight != nil {
		m.Weight = *upd.Weight
	}
	if upd.MeasuredAt != nil {
		m.MeasuredAt = *upd.MeasuredAt
	}
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE weight_measurements
		SET weight = ?, measured_at = ?, sync_status = ?, retry_count = 0, error_message = NULL, updated_at = ?
		WHERE local_id = ?
	`, m.Weight, fmtTime(m.MeasuredAt), string(StatusLocalOnly), fmtTime(now), localID)
	if err != nil {
		return fmt.Errorf("store: update weight measurement: %w", err)
	}

	if m.Status != StatusLocalOnly {
		if err := enqueueTx(tx, TableWeightMeasurements, OpUpdate, localID, nil); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// DeleteWeightMeasurement removes the row and, in the same transaction,
// enqueues a DELETE entry whose payload snapshots everything the remote call
// needs. Rows never seen by the server are removed without a remote delete.
func (s *Store) DeleteWeightMeasurement(localID string) error {
	return s.deleteRecord(TableWeightMeasurements, localID)
}

// PendingWeightMeasurements returns rows still awaiting a successful sync,
// the working set for reconciliation after an app restart.
func (s *Store) PendingWeightMeasurements(userID string) ([]WeightMeasurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT local_id, user_id, weight, measured_at,
		       sync_status, retry_count, error_message, created_at, updated_at, last_sync_attempt, server_timestamp
		FROM weight_measurements
		WHERE user_id = ? AND sync_status IN (?, ?)
		ORDER BY created_at ASC
	`, userID, string(StatusLocalOnly), string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("store: query pending weight measurements: %w", err)
	}
	defer rows.Close()

	var results []WeightMeasurement
	for rows.Next() {
		m, err := scanWeight(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *m)
	}
	return results, rows.Err()
}

// MergeServerWeightMeasurements lands server records locally. Records are
// matched by the (user_id, measured_at) natural key: matches are overwritten
// and forced to synced, misses are inserted as new synced rows. Running the
// merge twice with the same input yields the same final state.
func (s *Store) MergeServerWeightMeasurements(userID string, records []remote.WeightRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, rec := range records {
		var localID string
		err := tx.QueryRow(`
			SELECT local_id FROM weight_measurements WHERE user_id = ? AND measured_at = ?
		`, userID, fmtTime(rec.MeasuredAt)).Scan(&localID)

		switch {
		case err == sql.ErrNoRows:
			_, err = tx.Exec(`
				INSERT INTO weight_measurements (local_id, user_id, weight, measured_at, sync_status, retry_count, created_at, updated_at, server_timestamp)
				VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
			`, ulid.Make().String(), userID, rec.Weight, fmtTime(rec.MeasuredAt), string(StatusSynced), fmtTime(now), fmtTime(now), fmtTime(rec.UpdatedAt))
			if err != nil {
				return fmt.Errorf("store: merge insert weight: %w", err)
			}
		case err != nil:
			return fmt.Errorf("store: merge lookup weight: %w", err)
		default:
			_, err = tx.Exec(`
				UPDATE weight_measurements
				SET weight = ?, sync_status = ?, retry_count = 0, error_message = NULL, updated_at = ?, server_timestamp = ?
				WHERE local_id = ?
			`, rec.Weight, string(StatusSynced), fmtTime(now), fmtTime(rec.UpdatedAt), localID)
			if err != nil {
				return fmt.Errorf("store: merge update weight: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// --- Body measurements ---

// CreateBodyMeasurement inserts a body measurement and its CREATE sync queue
// entry in one transaction.
func (s *Store) CreateBodyMeasurement(m *BodyMeasurement) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}
	if m.UserID == "" {
		return "", &ValidationError{Field: "UserID", Message: "required"}
	}
	if m.MeasuredAt.IsZero() {
		return "", &ValidationError{Field: "MeasuredAt", Message: "required"}
	}

	m.LocalID = ulid.Make().String()
	now := time.Now().UTC()
	m.Status = StatusLocalOnly
	m.RetryCount = 0
	m.ErrorMessage = ""
	m.CreatedAt = now
	m.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO body_measurements (local_id, user_id, chest, waist, hips, measured_at, sync_status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, m.LocalID, m.UserID, m.Chest, m.Waist, m.Hips, fmtTime(m.MeasuredAt), string(StatusLocalOnly), fmtTime(now), fmtTime(now))
	if err != nil {
		return "", fmt.Errorf("store: insert body measurement: %w", err)
	}

	if err := enqueueTx(tx, TableBodyMeasurements, OpCreate, m.LocalID, nil); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit: %w", err)
	}
	return m.LocalID, nil
}

// GetBodyMeasurement retrieves a body measurement by local ID.
func (s *Store) GetBodyMeasurement(localID string) (*BodyMeasurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.getBody(localID)
}

func (s *Store) getBody(localID string) (*BodyMeasurement, error) {
	row := s.db.QueryRow(`
		SELECT local_id, user_id, chest, waist, hips, measured_at,
		       sync_status, retry_count, error_message, created_at, updated_at, last_sync_attempt, server_timestamp
		FROM body_measurements WHERE local_id = ?
	`, localID)
	return scanBody(row)
}

// BodyMeasurements returns a user's body measurements ordered by measurement
// time (newest first by default).
func (s *Store) BodyMeasurements(userID string, opts GetOptions) ([]BodyMeasurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `
		SELECT local_id, user_id, chest, waist, hips, measured_at,
		       sync_status, retry_count, error_message, created_at, updated_at, last_sync_attempt, server_timestamp
		FROM body_measurements WHERE user_id = ?
	`
	query, args := applyGetOptions(query, []any{userID}, opts)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query body measurements: %w", err)
	}
	defer rows.Close()

	var results []BodyMeasurement
	for rows.Next() {
		m, err := scanBody(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *m)
	}
	return results, rows.Err()
}

// UpdateBodyMeasurement merges fields into an existing row and demotes a
// previously-synced row back to local_only. See UpdateWeightMeasurement.
func (s *Store) UpdateBodyMeasurement(localID string, upd BodyUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	m, err := s.getBody(localID)
	if err != nil {
		return err
	}

	if upd.Chest != nil {
		m.Chest = *upd.Chest
	}
	if upd.Waist != nil {
		m.Waist = *upd.Waist
	}
	if upd.Hips != nil {
		m.Hips = *upd.Hips
	}
	if upd.MeasuredAt != nil {
		m.MeasuredAt = *upd.MeasuredAt
	}
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE body_measurements
		SET chest = ?, waist = ?, hips = ?, measured_at = ?, sync_status = ?, retry_count = 0, error_message = NULL, updated_at = ?
		WHERE local_id = ?
	`, m.Chest, m.Waist, m.Hips, fmtTime(m.MeasuredAt), string(StatusLocalOnly), fmtTime(now), localID)
	if err != nil {
		return fmt.Errorf("store: update body measurement: %w", err)
	}

	if m.Status != StatusLocalOnly {
		if err := enqueueTx(tx, TableBodyMeasurements, OpUpdate, localID, nil); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// DeleteBodyMeasurement removes the row and enqueues its remote DELETE in
// the same transaction.
func (s *Store) DeleteBodyMeasurement(localID string) error {
	return s.deleteRecord(TableBodyMeasurements, localID)
}

// PendingBodyMeasurements returns rows still awaiting a successful sync.
func (s *Store) PendingBodyMeasurements(userID string) ([]BodyMeasurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT local_id, user_id, chest, waist, hips, measured_at,
		       sync_status, retry_count, error_message, created_at, updated_at, last_sync_attempt, server_timestamp
		FROM body_measurements
		WHERE user_id = ? AND sync_status IN (?, ?)
		ORDER BY created_at ASC
	`, userID, string(StatusLocalOnly), string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("store: query pending body measurements: %w", err)
	}
	defer rows.Close()

	var results []BodyMeasurement
	for rows.Next() {
		m, err := scanBody(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *m)
	}
	return results, rows.Err()
}

// MergeServerBodyMeasurements lands server body records locally, keyed by
// (user_id, measured_at). Idempotent; see MergeServerWeightMeasurements.
func (s *Store) MergeServerBodyMeasurements(userID string, records []remote.BodyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, rec := range records {
		var localID string
		err := tx.QueryRow(`
			SELECT local_id FROM body_measurements WHERE user_id = ? AND measured_at = ?
		`, userID, fmtTime(rec.MeasuredAt)).Scan(&localID)

		switch {
		case err == sql.ErrNoRows:
			_, err = tx.Exec(`
				INSERT INTO body_measurements (local_id, user_id, chest, waist, hips, measured_at, sync_status, retry_count, created_at, updated_at, server_timestamp)
				VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
			`, ulid.Make().String(), userID, rec.Chest, rec.Waist, rec.Hips, fmtTime(rec.MeasuredAt), string(StatusSynced), fmtTime(now), fmtTime(now), fmtTime(rec.UpdatedAt))
			if err != nil {
				return fmt.Errorf("store: merge insert body: %w", err)
			}
		case err != nil:
			return fmt.Errorf("store: merge lookup body: %w", err)
		default:
			_, err = tx.Exec(`
				UPDATE body_measurements
				SET chest = ?, waist = ?, hips = ?, sync_status = ?, retry_count = 0, error_message = NULL, updated_at = ?, server_timestamp = ?
				WHERE local_id = ?
			`, rec.Chest, rec.Waist, rec.Hips, string(StatusSynced), fmtTime(now), fmtTime(rec.UpdatedAt), localID)
			if err != nil {
				return fmt.Errorf("store: merge update body: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// --- Shared record operations ---

// deleteRecord hard-removes a row. If the row was ever server-confirmed, a
// DELETE queue entry carrying the denormalized payload is written in the
// same transaction; a row the server never saw only needs its pending queue
// entries dropped.
func (s *Store) deleteRecord(table, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if !recordTables[table] {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	var userID, measuredAt, status string
	err := s.db.QueryRow(
		fmt.Sprintf(`SELECT user_id, measured_at, sync_status FROM %s WHERE local_id = ?`, table),
		localID,
	).Scan(&userID, &measuredAt, &status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: lookup record: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Pending entries for this record are now moot either way.
	if _, err := tx.Exec(`DELETE FROM sync_queue WHERE table_name = ? AND record_id = ?`, table, localID); err != nil {
		return fmt.Errorf("store: drop pending queue entries: %w", err)
	}

	if SyncStatus(status) != StatusLocalOnly {
		measured, perr := parseTime(measuredAt)
		if perr != nil {
			return fmt.Errorf("store: parse measured_at: %w", perr)
		}
		payload, merr := json.Marshal(DeletePayload{UserID: userID, MeasuredAt: measured})
		if merr != nil {
			return fmt.Errorf("store: marshal delete payload: %w", merr)
		}
		if err := enqueueTx(tx, table, OpDelete, localID, payload); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE local_id = ?`, table), localID); err != nil {
		return fmt.Errorf("store: delete record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// UpdateSyncStatus is the only path by which a record moves to synced,
// failed or conflict. Moving to synced clears error_message and resets
// retry_count. A missing row is tolerated: DELETE entries resolve after
// their row is gone.
func (s *Store) UpdateSyncStatus(table, localID string, status SyncStatus, upd SyncUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateSyncStatusTx(tx, table, localID, status, upd); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func updateSyncStatusTx(tx *sql.Tx, table, localID string, status SyncStatus, upd SyncUpdate) error {
	if !recordTables[table] {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if !status.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	now := fmtTime(time.Now().UTC())

	if status == StatusSynced {
		var serverTS any
		if upd.ServerTimestamp != nil {
			serverTS = fmtTime(*upd.ServerTimestamp)
		}
		_, err := tx.Exec(fmt.Sprintf(`
			UPDATE %s
			SET sync_status = ?, retry_count = 0, error_message = NULL, last_sync_attempt = ?, server_timestamp = COALESCE(?, server_timestamp)
			WHERE local_id = ?
		`, table), string(status), now, serverTS, localID)
		if err != nil {
			return fmt.Errorf("store: update sync status: %w", err)
		}
		return nil
	}

	retryDelta := 0
	if upd.IncrementRetry {
		retryDelta = 1
	}
	_, err := tx.Exec(fmt.Sprintf(`
		UPDATE %s
		SET sync_status = ?, retry_count = retry_count + ?, error_message = ?, last_sync_attempt = ?
		WHERE local_id = ?
	`, table), string(status), retryDelta, nullString(upd.ErrorMessage), now, localID)
	if err != nil {
		return fmt.Errorf("store: update sync status: %w", err)
	}
	return nil
}

// CleanupExpiredData purges record rows older than the retention window.
// Only terminal synced rows are eligible: local_only and failed rows survive
// regardless of age, so data loss always requires an explicit user action or
// a confirmed sync. Returns the number of rows removed.
func (s *Store) CleanupExpiredData(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := fmtTime(time.Now().UTC().Add(-retention))
	var total int64
	for table := range recordTables {
		res, err := s.db.Exec(fmt.Sprintf(`
			DELETE FROM %s WHERE sync_status = ? AND created_at < ?
		`, table), string(StatusSynced), cutoff)
		if err != nil {
			return total, fmt.Errorf("store: cleanup %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// --- Sync queue ---

// enqueueTx appends a durable queue entry inside an open transaction. Each
// entry gets a fresh idempotency key that is replayed on every retry of the
// same entry.
func enqueueTx(tx *sql.Tx, table string, op Operation, recordID string, payload json.RawMessage) error {
	if !op.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidOperation, op)
	}
	if !recordTables[table] {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	var payloadStr any
	if len(payload) > 0 {
		payloadStr = string(payload)
	}
	_, err := tx.Exec(`
		INSERT INTO sync_queue (table_name, operation, record_id, payload, idempotency_key, priority, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, table, string(op), recordID, payloadStr, uuid.NewString(), op.Priority(), fmtTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("store: enqueue sync: %w", err)
	}
	return nil
}

// Enqueue appends a durable sync queue entry. It performs no network I/O.
func (s *Store) Enqueue(table string, op Operation, recordID string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := enqueueTx(tx, table, op, recordID, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// QueueEntries returns all pending entries in drain order:
// priority DESC, created_at ASC.
func (s *Store) QueueEntries() ([]QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, table_name, operation, record_id, payload, idempotency_key, priority, retry_count, error_message, created_at, last_attempt
		FROM sync_queue
		ORDER BY priority DESC, created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: query sync queue: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var (
			e           QueueEntry
			op          string
			payload     sql.NullString
			errMsg      sql.NullString
			createdAt   string
			lastAttempt sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TableName, &op, &e.RecordID, &payload, &e.IdempotencyKey, &e.Priority, &e.RetryCount, &errMsg, &createdAt, &lastAttempt); err != nil {
			return nil, fmt.Errorf("store: scan queue entry: %w", err)
		}
		e.Operation = Operation(op)
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		if errMsg.Valid {
			e.ErrorMessage = errMsg.String
		}
		e.CreatedAt, _ = parseTime(createdAt)
		if lastAttempt.Valid {
			t, _ := parseTime(lastAttempt.String)
			e.LastAttempt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CompleteQueueEntry records a confirmed remote success: the queue entry is
// removed and the record is marked synced in one transaction, so the two
// never diverge on a crash between them.
func (s *Store) CompleteQueueEntry(entry *QueueEntry, serverTimestamp *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sync_queue WHERE id = ?`, entry.ID); err != nil {
		return fmt.Errorf("store: delete queue entry: %w", err)
	}

	// DELETE entries have no surviving row to update.
	if entry.Operation != OpDelete {
		if err := updateSyncStatusTx(tx, entry.TableName, entry.RecordID, StatusSynced, SyncUpdate{ServerTimestamp: serverTimestamp}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// FailQueueEntry records a failed attempt. With abandon=false the entry's
// retry bookkeeping is updated and it stays queued; with abandon=true the
// entry is removed for good while the record keeps its failed status,
// visible to the user. Both sides commit in one transaction.
func (s *Store) FailQueueEntry(entry *QueueEntry, errMsg string, abandon bool, recordStatus SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := fmtTime(time.Now().UTC())
	if abandon {
		if _, err := tx.Exec(`DELETE FROM sync_queue WHERE id = ?`, entry.ID); err != nil {
			return fmt.Errorf("store: delete queue entry: %w", err)
		}
	} else {
		_, err := tx.Exec(`
			UPDATE sync_queue SET retry_count = retry_count + 1, error_message = ?, last_attempt = ? WHERE id = ?
		`, errMsg, now, entry.ID)
		if err != nil {
			return fmt.Errorf("store: update queue entry: %w", err)
		}
	}

	if entry.Operation != OpDelete {
		upd := SyncUpdate{ErrorMessage: errMsg, IncrementRetry: true}
		if err := updateSyncStatusTx(tx, entry.TableName, entry.RecordID, recordStatus, upd); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// --- Sync metadata ---

// GetMetadata returns the value for a sync_metadata key, or "" if unset.
func (s *Store) GetMetadata(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get metadata: %w", err)
	}
	return value, nil
}

// SetMetadata stores a sync_metadata key-value pair.
func (s *Store) SetMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO sync_metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: set metadata: %w", err)
	}
	return nil
}

// Stats returns store statistics.
func (s *Store) Stats() (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &StoreStats{SchemaVersion: schemaVersion}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM weight_measurements`).Scan(&stats.WeightCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM body_measurements`).Scan(&stats.BodyCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_queue`).Scan(&stats.QueueDepth); err != nil {
		return nil, err
	}

	for table := range recordTables {
		var pending, failed int
		err := s.db.QueryRow(fmt.Sprintf(`
			SELECT
				COUNT(CASE WHEN sync_status IN (?, ?) THEN 1 END),
				COUNT(CASE WHEN sync_status = ? THEN 1 END)
			FROM %s
		`, table), string(StatusLocalOnly), string(StatusFailed), string(StatusFailed)).Scan(&pending, &failed)
		if err != nil {
			return nil, err
		}
		stats.PendingRecords += pending
		stats.FailedRecords += failed
	}

	var lastSyncStr sql.NullString
	s.db.QueryRow(`SELECT value FROM sync_metadata WHERE key = ?`, metaLastSuccessfulSync).Scan(&lastSyncStr)
	if lastSyncStr.Valid {
		stats.LastSuccessfulSync, _ = parseTime(lastSyncStr.String)
	}

	return stats, nil
}

// --- Helpers ---

func applyGetOptions(query string, args []any, opts GetOptions) (string, []any) {
	if !opts.IncludeLocalOnly {
		query += " AND sync_status != ?"
		args = append(args, string(StatusLocalOnly))
	}
	if opts.Ascending {
		query += " ORDER BY measured_at ASC"
	} else {
		query += " ORDER BY measured_at DESC"
	}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}
	return query, args
}

// scanner abstracts the Scan method shared by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanWeight(sc scanner) (*WeightMeasurement, error) {
	var (
		m          WeightMeasurement
		measuredAt string
	)
	dest := []any{&m.LocalID, &m.UserID, &m.Weight, &measuredAt}
	metaDest, finish := metaScanDest(&m.SyncMeta)
	dest = append(dest, metaDest...)

	err := sc.Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	m.MeasuredAt, _ = parseTime(measuredAt)
	finish()
	return &m, nil
}

func scanBody(sc scanner) (*BodyMeasurement, error) {
	var (
		m          BodyMeasurement
		measuredAt string
	)
	dest := []any{&m.LocalID, &m.UserID, &m.Chest, &m.Waist, &m.Hips, &measuredAt}
	metaDest, finish := metaScanDest(&m.SyncMeta)
	dest = append(dest, metaDest...)

	err := sc.Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	m.MeasuredAt, _ = parseTime(measuredAt)
	finish()
	return &m, nil
}

// metaScanDest returns scan destinations for the shared sync metadata
// columns plus a finish func that copies the scanned values into meta.
func metaScanDest(meta *SyncMeta) ([]any, func()) {
	var (
		status      string
		errMsg      sql.NullString
		createdAt   string
		updatedAt   string
		lastAttempt sql.NullString
		serverTS    sql.NullString
	)
	dest := []any{&status, &meta.RetryCount, &errMsg, &createdAt, &updatedAt, &lastAttempt, &serverTS}
	finish := func() {
		meta.Status = SyncStatus(status)
		if errMsg.Valid {
			meta.ErrorMessage = errMsg.String
		}
		meta.CreatedAt, _ = parseTime(createdAt)
		meta.UpdatedAt, _ = parseTime(updatedAt)
		if lastAttempt.Valid {
			t, _ := parseTime(lastAttempt.String)
			meta.LastSyncAttempt = &t
		}
		if serverTS.Valid {
			t, _ := parseTime(serverTS.String)
			meta.ServerTimestamp = &t
		}
	}
	return dest, finish
}

// fmtTime stores timestamps as fixed-width RFC3339 strings so lexicographic
// ORDER BY and cutoff comparisons match chronological order.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
