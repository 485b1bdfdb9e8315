package remote

import "time"

// WeightRecord is a weight measurement in the server's API format.
type WeightRecord struct {
	UserID     string    `json:"user_id"`
	Weight     float64   `json:"weight"`
	MeasuredAt time.Time `json:"measured_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BodyRecord is a body measurement in the server's API format.
type BodyRecord struct {
	UserID     string    `json:"user_id"`
	Chest      float64   `json:"chest"`
	Waist      float64   `json:"waist"`
	Hips       float64   `json:"hips"`
	MeasuredAt time.Time `json:"measured_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LogWeightRequest creates a new weight measurement on the server.
type LogWeightRequest struct {
	UserID         string    `json:"user_id"`
	Weight         float64   `json:"weight"`
	MeasuredAt     time.Time `json:"measured_at"`
	IdempotencyKey string    `json:"-"`
}

// UpdateWeightRequest overwrites the weight measurement identified by
// (UserID, MeasuredAt). Conflict policy is last-writer-wins.
type UpdateWeightRequest struct {
	UserID         string    `json:"user_id"`
	Weight         float64   `json:"weight"`
	MeasuredAt     time.Time `json:"measured_at"`
	IdempotencyKey string    `json:"-"`
}

// DeleteWeightRequest removes the weight measurement identified by
// (UserID, MeasuredAt).
type DeleteWeightRequest struct {
	UserID         string
	MeasuredAt     time.Time
	IdempotencyKey string
}

// LogBodyRequest creates a new body measurement on the server.
type LogBodyRequest struct {
	UserID         string    `json:"user_id"`
	Chest          float64   `json:"chest"`
	Waist          float64   `json:"waist"`
	Hips           float64   `json:"hips"`
	MeasuredAt     time.Time `json:"measured_at"`
	IdempotencyKey string    `json:"-"`
}

// UpdateBodyRequest overwrites the body measurement identified by
// (UserID, MeasuredAt).
type UpdateBodyRequest struct {
	UserID         string    `json:"user_id"`
	Chest          float64   `json:"chest"`
	Waist          float64   `json:"waist"`
	Hips           float64   `json:"hips"`
	MeasuredAt     time.Time `json:"measured_at"`
	IdempotencyKey string    `json:"-"`
}

// DeleteBodyRequest removes the body measurement identified by
// (UserID, MeasuredAt).
type DeleteBodyRequest struct {
	UserID         string
	MeasuredAt     time.Time
	IdempotencyKey string
}

// HealthResponse is the server health check payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
