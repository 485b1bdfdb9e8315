// Package remote implements the HTTP client for the tracking data service.
//
// The sync core treats the service as an opaque, retryable boundary: every
// failure surfaces as an *APIError whose status code drives the caller's
// retry classification. Mutating calls carry a client-generated
// Idempotency-Key header so server-side replays of an already-applied
// operation are no-ops.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Service abstracts the remote tracking data API.
// Implementations must be safe for concurrent use.
type Service interface {
	// HealthCheck validates connectivity to the service.
	HealthCheck(ctx context.Context) (*HealthResponse, error)

	// LogWeightMeasurement creates a weight measurement.
	LogWeightMeasurement(ctx context.Context, req *LogWeightRequest) (*WeightRecord, error)
	// UpdateWeightMeasurement overwrites a weight measurement (last-writer-wins).
	UpdateWeightMeasurement(ctx context.Context, req *UpdateWeightRequest) (*WeightRecord, error)
	// DeleteWeightMeasurement removes a weight measurement.
	DeleteWeightMeasurement(ctx context.Context, req *DeleteWeightRequest) error
	// GetWeightMeasurements fetches all weight measurements for a user.
	GetWeightMeasurements(ctx context.Context, userID string) ([]WeightRecord, error)

	// LogBodyMeasurement creates a body measurement.
	LogBodyMeasurement(ctx context.Context, req *LogBodyRequest) (*BodyRecord, error)
	// UpdateBodyMeasurement overwrites a body measurement (last-writer-wins).
	UpdateBodyMeasurement(ctx context.Context, req *UpdateBodyRequest) (*BodyRecord, error)
	// DeleteBodyMeasurement removes a body measurement.
	DeleteBodyMeasurement(ctx context.Context, req *DeleteBodyRequest) error
	// GetBodyMeasurements fetches all body measurements for a user.
	GetBodyMeasurements(ctx context.Context, userID string) ([]BodyRecord, error)
}

// APIError is returned for any failed remote call.
type APIError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote: %s failed (status %d): %v", e.Operation, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Temporary reports whether the call may succeed on retry. Network errors
// (status 0), 408, 429 and 5xx are temporary; other 4xx responses are not.
func (e *APIError) Temporary() bool {
	if e.StatusCode == 0 || e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode >= 500
}

// HTTPClient implements Service using net/http.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the tracking data service.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHTTPClient sets a custom http.Client (for testing or custom timeouts).
func (c *HTTPClient) WithHTTPClient(client *http.Client) *HTTPClient {
	c.httpClient = client
	return c
}

func (c *HTTPClient) setHeaders(req *http.Request, idempotencyKey string) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", "vitalsync-client/1.0")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
}

func newAPIError(op string, statusCode int, body []byte) *APIError {
	msg := ""
	if len(body) > 0 {
		if len(body) > 200 {
			msg = string(body[:200]) + "..."
		} else {
			msg = string(body)
		}
	}
	return &APIError{
		Operation:  op,
		StatusCode: statusCode,
		Err:        fmt.Errorf("HTTP %d: %s", statusCode, msg),
	}
}

// doJSON performs a request with an optional JSON body and decodes the JSON
// response into out (if out is non-nil).
func (c *HTTPClient) doJSON(ctx context.Context, op, method, path string, idempotencyKey string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &APIError{Operation: op, Err: err}
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return &APIError{Operation: op, Err: err}
	}
	c.setHeaders(req, idempotencyKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Operation: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return newAPIError(op, resp.StatusCode, body)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &APIError{Operation: op, Err: err}
		}
	}
	return nil
}

func (c *HTTPClient) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.doJSON(ctx, "health_check", http.MethodGet, "/api/v1/health", "", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func weightsPath(userID string) string {
	return "/api/v1/users/" + url.PathEscape(userID) + "/weights"
}

func bodyPath(userID string) string {
	return "/api/v1/users/" + url.PathEscape(userID) + "/body-measurements"
}

func measuredAtQuery(t time.Time) string {
	return "?measured_at=" + url.QueryEscape(t.UTC().Format(time.RFC3339))
}

func (c *HTTPClient) LogWeightMeasurement(ctx context.Context, req *LogWeightRequest) (*WeightRecord, error) {
	var rec WeightRecord
	if err := c.doJSON(ctx, "log_weight", http.MethodPost, weightsPath(req.UserID), req.IdempotencyKey, req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPClient) UpdateWeightMeasurement(ctx context.Context, req *UpdateWeightRequest) (*WeightRecord, error) {
	var rec WeightRecord
	path := weightsPath(req.UserID) + measuredAtQuery(req.MeasuredAt)
	if err := c.doJSON(ctx, "update_weight", http.MethodPut, path, req.IdempotencyKey, req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPClient) DeleteWeightMeasurement(ctx context.Context, req *DeleteWeightRequest) error {
	path := weightsPath(req.UserID) + measuredAtQuery(req.MeasuredAt)
	return c.doJSON(ctx, "delete_weight", http.MethodDelete, path, req.IdempotencyKey, nil, nil)
}

func (c *HTTPClient) GetWeightMeasurements(ctx context.Context, userID string) ([]WeightRecord, error) {
	var recs []WeightRecord
	if err := c.doJSON(ctx, "get_weights", http.MethodGet, weightsPath(userID), "", nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *HTTPClient) LogBodyMeasurement(ctx context.Context, req *LogBodyRequest) (*BodyRecord, error) {
	var rec BodyRecord
	if err := c.doJSON(ctx, "log_body", http.MethodPost, bodyPath(req.UserID), req.IdempotencyKey, req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPClient) UpdateBodyMeasurement(ctx context.Context, req *UpdateBodyRequest) (*BodyRecord, error) {
	var rec BodyRecord
	path := bodyPath(req.UserID) + measuredAtQuery(req.MeasuredAt)
	if err := c.doJSON(ctx, "update_body", http.MethodPut, path, req.IdempotencyKey, req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPClient) DeleteBodyMeasurement(ctx context.Context, req *DeleteBodyRequest) error {
	path := bodyPath(req.UserID) + measuredAtQuery(req.MeasuredAt)
	return c.doJSON(ctx, "delete_body", http.MethodDelete, path, req.IdempotencyKey, nil, nil)
}

func (c *HTTPClient) GetBodyMeasurements(ctx context.Context, userID string) ([]BodyRecord, error) {
	var recs []BodyRecord
	if err := c.doJSON(ctx, "get_body", http.MethodGet, bodyPath(userID), "", nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}
