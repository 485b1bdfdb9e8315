package vitalsync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSyncErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
		conflict  bool
	}{
		{status: 0, permanent: false}, // network error, never reached the server
		{status: 400, permanent: true},
		{status: 401, permanent: true},
		{status: 404, permanent: true},
		{status: 408, permanent: false}, // request timeout is transport pressure
		{status: 409, permanent: true, conflict: true},
		{status: 422, permanent: true},
		{status: 429, permanent: false}, // rate limit clears with time
		{status: 500, permanent: false},
		{status: 503, permanent: false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := &SyncError{Operation: OpCreate, Table: TableWeightMeasurements, StatusCode: tt.status, Err: errors.New("boom")}
			require.Equal(t, tt.permanent, err.Permanent())
			require.Equal(t, tt.conflict, err.Conflict())
		})
	}
}

func TestSyncErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &SyncError{Operation: OpUpdate, Table: TableBodyMeasurements, StatusCode: 503, Err: cause}

	require.ErrorIs(t, err, cause)

	var syncErr *SyncError
	require.ErrorAs(t, fmt.Errorf("drain: %w", err), &syncErr)
	require.Equal(t, 503, syncErr.StatusCode)
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "DBPath", Message: "required"}
	require.Contains(t, err.Error(), "DBPath")
	require.Contains(t, err.Error(), "required")
}

func TestOperationPriority(t *testing.T) {
	require.Greater(t, OpDelete.Priority(), OpUpdate.Priority())
	require.Greater(t, OpUpdate.Priority(), OpCreate.Priority())

	require.True(t, OpCreate.IsValid())
	require.False(t, Operation("MERGE").IsValid())
}

func TestSyncStatusIsValid(t *testing.T) {
	for _, s := range []SyncStatus{StatusLocalOnly, StatusSynced, StatusFailed, StatusConflict} {
		require.True(t, s.IsValid())
	}
	require.False(t, SyncStatus("pending").IsValid())
}
