package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// capture records the last request the test server saw.
type capture struct {
	method    string
	path      string
	query     string
	auth      string
	userAgent string
	idemKey   string
	body      []byte
}

func newCaptureServer(t *testing.T, status int, respBody string) (*httptest.Server, *capture) {
	t.Helper()
	cap := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cap.method = r.Method
		cap.path = r.URL.Path
		cap.query = r.URL.RawQuery
		cap.auth = r.Header.Get("Authorization")
		cap.userAgent = r.Header.Get("User-Agent")
		cap.idemKey = r.Header.Get("Idempotency-Key")
		cap.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(status)
		if respBody != "" {
			_, _ = w.Write([]byte(respBody))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, cap
}

func TestLogWeightMeasurement(t *testing.T) {
	at := time.Date(2026, 8, 30, 7, 0, 0, 0, time.UTC)
	resp := `{"user_id":"user-1","weight":72.4,"measured_at":"2026-08-30T07:00:00Z","updated_at":"2026-08-30T07:00:05Z"}`
	srv, cap := newCaptureServer(t, http.StatusCreated, resp)

	client := NewHTTPClient(srv.URL, "secret-key")
	rec, err := client.LogWeightMeasurement(context.Background(), &LogWeightRequest{
		UserID:         "user-1",
		Weight:         72.4,
		MeasuredAt:     at,
		IdempotencyKey: "idem-abc",
	})
	require.NoError(t, err)

	require.Equal(t, http.MethodPost, cap.method)
	require.Equal(t, "/api/v1/users/user-1/weights", cap.path)
	require.Equal(t, "Bearer secret-key", cap.auth)
	require.Equal(t, "vitalsync-client/1.0", cap.userAgent)
	require.Equal(t, "idem-abc", cap.idemKey)

	var sent LogWeightRequest
	require.NoError(t, json.Unmarshal(cap.body, &sent))
	require.Equal(t, 72.4, sent.Weight)
	require.Empty(t, sent.IdempotencyKey) // header only, never in the body

	require.Equal(t, "user-1", rec.UserID)
	require.Equal(t, time.Date(2026, 8, 30, 7, 0, 5, 0, time.UTC), rec.UpdatedAt)
}

func TestUpdateWeightMeasurementAddressesByNaturalKey(t *testing.T) {
	at := time.Date(2026, 8, 30, 7, 0, 0, 0, time.UTC)
	resp := `{"user_id":"user-1","weight":71.9,"measured_at":"2026-08-30T07:00:00Z","updated_at":"2026-08-30T08:00:00Z"}`
	srv, cap := newCaptureServer(t, http.StatusOK, resp)

	client := NewHTTPClient(srv.URL, "secret-key")
	_, err := client.UpdateWeightMeasurement(context.Background(), &UpdateWeightRequest{
		UserID:     "user-1",
		Weight:     71.9,
		MeasuredAt: at,
	})
	require.NoError(t, err)

	require.Equal(t, http.MethodPut, cap.method)
	require.Equal(t, "/api/v1/users/user-1/weights", cap.path)
	require.Equal(t, "measured_at=2026-08-30T07%3A00%3A00Z", cap.query)
}

func TestDeleteBodyMeasurement(t *testing.T) {
	at := time.Date(2026, 8, 30, 7, 0, 0, 0, time.UTC)
	srv, cap := newCaptureServer(t, http.StatusNoContent, "")

	client := NewHTTPClient(srv.URL, "secret-key")
	err := client.DeleteBodyMeasurement(context.Background(), &DeleteBodyRequest{
		UserID:         "user-1",
		MeasuredAt:     at,
		IdempotencyKey: "idem-del",
	})
	require.NoError(t, err)

	require.Equal(t, http.MethodDelete, cap.method)
	require.Equal(t, "/api/v1/users/user-1/body-measurements", cap.path)
	require.Equal(t, "measured_at=2026-08-30T07%3A00%3A00Z", cap.query)
	require.Equal(t, "idem-del", cap.idemKey)
}

func TestGetWeightMeasurements(t *testing.T) {
	resp := `[{"user_id":"user-1","weight":72.4,"measured_at":"2026-08-29T07:00:00Z","updated_at":"2026-08-29T07:00:05Z"},
	          {"user_id":"user-1","weight":72.1,"measured_at":"2026-08-30T07:00:00Z","updated_at":"2026-08-30T07:00:05Z"}]`
	srv, cap := newCaptureServer(t, http.StatusOK, resp)

	client := NewHTTPClient(srv.URL, "secret-key")
	recs, err := client.GetWeightMeasurements(context.Background(), "user-1")
	require.NoError(t, err)

	require.Equal(t, http.MethodGet, cap.method)
	require.Empty(t, cap.idemKey) // reads carry no idempotency key
	require.Len(t, recs, 2)
	require.Equal(t, 72.1, recs[1].Weight)
}

func TestHealthCheck(t *testing.T) {
	srv, cap := newCaptureServer(t, http.StatusOK, `{"status":"ok","version":"1.4.2"}`)

	client := NewHTTPClient(srv.URL, "secret-key")
	health, err := client.HealthCheck(context.Background())
	require.NoError(t, err)
	require.Equal(t, "/api/v1/health", cap.path)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "1.4.2", health.Version)
}

func TestErrorResponseProducesAPIError(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusUnprocessableEntity, `{"error":"weight out of range"}`)

	client := NewHTTPClient(srv.URL, "secret-key")
	_, err := client.LogWeightMeasurement(context.Background(), &LogWeightRequest{
		UserID:     "user-1",
		Weight:     -1,
		MeasuredAt: time.Now(),
	})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "log_weight", apiErr.Operation)
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	require.False(t, apiErr.Temporary())
	require.Contains(t, apiErr.Error(), "weight out of range")
}

func TestTransportErrorIsTemporary(t *testing.T) {
	// Nothing listens on this port.
	client := NewHTTPClient("http://127.0.0.1:1", "secret-key")
	_, err := client.GetWeightMeasurements(context.Background(), "user-1")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Zero(t, apiErr.StatusCode)
	require.True(t, apiErr.Temporary())
}

func TestContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewHTTPClient(srv.URL, "secret-key")
	_, err := client.HealthCheck(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTemporaryClassification(t *testing.T) {
	cases := []struct {
		status    int
		temporary bool
	}{
		{0, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusRequestTimeout, true},
		{http.StatusConflict, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tc := range cases {
		err := &APIError{Operation: "op", StatusCode: tc.status, Err: errors.New("x")}
		require.Equal(t, tc.temporary, err.Temporary(), "status %d", tc.status)
	}
}
