package vitalsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stridehealth/vitalsync/internal/remote"
)

// weightSyncHandler replays weight measurement queue entries.
type weightSyncHandler struct {
	store *Store
	svc   remote.Service
}

func (h *weightSyncHandler) Apply(ctx context.Context, entry QueueEntry) (*SyncOutcome, error) {
	switch entry.Operation {
	case OpCreate, OpUpdate:
		m, err := h.store.GetWeightMeasurement(entry.RecordID)
		if errors.Is(err, ErrNotFound) {
			// The row was deleted locally after this entry was queued; the
			// delete path already queued its own entry.
			return &SyncOutcome{}, nil
		}
		if err != nil {
			return nil, err
		}

		var rec *remote.WeightRecord
		if entry.Operation == OpCreate {
			rec, err = h.svc.LogWeightMeasurement(ctx, &remote.LogWeightRequest{
				UserID:         m.UserID,
				Weight:         m.Weight,
				MeasuredAt:     m.MeasuredAt,
				IdempotencyKey: entry.IdempotencyKey,
			})
		} else {
			rec, err = h.svc.UpdateWeightMeasurement(ctx, &remote.UpdateWeightRequest{
				UserID:         m.UserID,
				Weight:         m.Weight,
				MeasuredAt:     m.MeasuredAt,
				IdempotencyKey: entry.IdempotencyKey,
			})
		}
		if err != nil {
			return nil, wrapRemoteErr(entry, err)
		}
		return &SyncOutcome{ServerTimestamp: &rec.UpdatedAt}, nil

	case OpDelete:
		var payload DeletePayload
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode delete payload: %w", err)
		}
		err := h.svc.DeleteWeightMeasurement(ctx, &remote.DeleteWeightRequest{
			UserID:         payload.UserID,
			MeasuredAt:     payload.MeasuredAt,
			IdempotencyKey: entry.IdempotencyKey,
		})
		if err != nil {
			return nil, wrapRemoteErr(entry, err)
		}
		return &SyncOutcome{}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrInvalidOperation, entry.Operation)
}

// bodySyncHandler replays body measurement queue entries.
type bodySyncHandler struct {
	store *Store
	svc   remote.Service
}

func (h *bodySyncHandler) Apply(ctx context.Context, entry QueueEntry) (*SyncOutcome, error) {
	switch entry.Operation {
	case OpCreate, OpUpdate:
		m, err := h.store.GetBodyMeasurement(entry.RecordID)
		if errors.Is(err, ErrNotFound) {
			return &SyncOutcome{}, nil
		}
		if err != nil {
			return nil, err
		}

		var rec *remote.BodyRecord
		if entry.Operation == OpCreate {
			rec, err = h.svc.LogBodyMeasurement(ctx, &remote.LogBodyRequest{
				UserID:         m.UserID,
				Chest:          m.Chest,
				Waist:          m.Waist,
				Hips:           m.Hips,
				MeasuredAt:     m.MeasuredAt,
				IdempotencyKey: entry.IdempotencyKey,
			})
		} else {
			rec, err = h.svc.UpdateBodyMeasurement(ctx, &remote.UpdateBodyRequest{
				UserID:         m.UserID,
				Chest:          m.Chest,
				Waist:          m.Waist,
				Hips:           m.Hips,
				MeasuredAt:     m.MeasuredAt,
				IdempotencyKey: entry.IdempotencyKey,
			})
		}
		if err != nil {
			return nil, wrapRemoteErr(entry, err)
		}
		return &SyncOutcome{ServerTimestamp: &rec.UpdatedAt}, nil

	case OpDelete:
		var payload DeletePayload
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode delete payload: %w", err)
		}
		err := h.svc.DeleteBodyMeasurement(ctx, &remote.DeleteBodyRequest{
			UserID:         payload.UserID,
			MeasuredAt:     payload.MeasuredAt,
			IdempotencyKey: entry.IdempotencyKey,
		})
		if err != nil {
			return nil, wrapRemoteErr(entry, err)
		}
		return &SyncOutcome{}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrInvalidOperation, entry.Operation)
}

// wrapRemoteErr maps a remote API failure to a SyncError so the queue can
// classify it as retryable, permanent, or a conflict.
func wrapRemoteErr(entry QueueEntry, err error) error {
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		return &SyncError{
			Operation:  entry.Operation,
			Table:      entry.TableName,
			StatusCode: apiErr.StatusCode,
			Err:        err,
		}
	}
	return &SyncError{Operation: entry.Operation, Table: entry.TableName, Err: err}
}
