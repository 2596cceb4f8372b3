package cloud

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestClient_Refresh(t *testing.T) {
	expiry := time.Now().UTC().Add(6 * time.Minute).Format(time.RFC3339)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cloud/devices/refresh", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		fmt.Fprintf(w, `{"success":true,"token":"new-access","expiresAt":%q}`, expiry)
	}))
	t.Cleanup(srv.Close)

	grant, err := testClient(srv).Refresh(context.Background(), "refresh-1", "device-1")
	require.NoError(t, err)
	require.Equal(t, "new-access", grant.AccessToken)
	require.Empty(t, grant.RefreshToken)
	require.False(t, grant.AccessExpiresAt.IsZero())
}

func TestClient_Rotate(t *testing.T) {
	now := time.Now().UTC()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cloud/devices/refresh-rotate", r.URL.Path)
		fmt.Fprintf(w, `{"success":true,"token":"new-access","refreshToken":"new-refresh","expiresAt":%q,"refreshTokenExpiresAt":%q}`,
			now.Add(6*time.Minute).Format(time.RFC3339),
			now.Add(18*time.Minute).Format(time.RFC3339))
	}))
	t.Cleanup(srv.Close)

	grant, err := testClient(srv).Rotate(context.Background(), "refresh-1", "device-1")
	require.NoError(t, err)
	require.Equal(t, "new-access", grant.AccessToken)
	require.Equal(t, "new-refresh", grant.RefreshToken)
	require.True(t, grant.AccessExpiresAt.Before(grant.RefreshExpiresAt))
}

func TestClient_UnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	_, err := testClient(srv).Refresh(context.Background(), "expired", "device-1")
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, int64(1), calls.Load())
}

func TestClient_TransientIsRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"success":true,"token":"access-after-retry"}`)
	}))
	t.Cleanup(srv.Close)

	grant, err := testClient(srv).Refresh(context.Background(), "refresh-1", "device-1")
	require.NoError(t, err)
	require.Equal(t, "access-after-retry", grant.AccessToken)
	require.Equal(t, int64(3), calls.Load())
}

func TestClient_RetriesExhausted(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	_, err := testClient(srv).Refresh(context.Background(), "refresh-1", "device-1")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrUnauthorized))
	// first attempt + two retries
	require.Equal(t, int64(3), calls.Load())
}

func TestClient_MalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `garbage`},
		{name: "success false", body: `{"success":false}`},
		{name: "missing token", body: `{"success":true}`},
		{name: "bad expiry", body: `{"success":true,"token":"a","expiresAt":"yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			t.Cleanup(srv.Close)

			_, err := testClient(srv).Refresh(context.Background(), "refresh-1", "device-1")
			require.Error(t, err)
			require.False(t, errors.Is(err, ErrUnauthorized))
		})
	}
}

func TestClient_ReportHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cloud/devices/health", r.URL.Path)
		require.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
	}))
	t.Cleanup(srv.Close)

	err := testClient(srv).ReportHealth(context.Background(), "access-1", HealthReport{
		Status:     "online",
		SensorData: map[string]any{"uptime": 123},
	})
	require.NoError(t, err)
}

func testClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		BaseURL:       srv.URL,
		Timeout:       5 * time.Second,
		RetryInterval: time.Millisecond,
	})
}
