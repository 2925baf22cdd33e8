package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, calculateBackoff(1))
	assert.Equal(t, 1000*time.Millisecond, calculateBackoff(2))
	assert.Equal(t, 2000*time.Millisecond, calculateBackoff(3))
	assert.Equal(t, 4000*time.Millisecond, calculateBackoff(4))
}

func TestNewRejectsURLWithoutScheme(t *testing.T) {
	_, err := New(Config{BaseURL: "panel.example.com", TokenID: "a", Token: "b"}, zerolog.Nop())
	require.Error(t, err)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrInvalidURL, apiErr.Kind)
}

func TestURLBuilding(t *testing.T) {
	c, err := New(Config{BaseURL: "https://panel.example.com/", TokenID: "abc", Token: "xyz"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "https://panel.example.com/api/remote/servers", c.url("servers"))
	assert.Equal(t, "https://panel.example.com/api/remote/servers", c.url("/servers"))
}

func TestAuthHeader(t *testing.T) {
	c, err := New(Config{BaseURL: "https://panel.example.com", TokenID: "token-id", Token: "secret-token"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-id.secret-token", c.authHeader())
}

func TestSetServerStatusSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/remote/servers/wl-1/status", r.URL.Path)
		assert.Equal(t, "Bearer id.tok", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "running", body["status"])
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, TokenID: "id", Token: "tok"}, zerolog.Nop())
	require.NoError(t, err)

	err = c.SetServerStatus(context.Background(), "wl-1", "running")
	assert.NoError(t, err)
}

func TestNotFoundIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, TokenID: "id", Token: "tok"}, zerolog.Nop())
	require.NoError(t, err)

	_, err = c.GetServerConfiguration(context.Background(), "missing")
	require.Error(t, err)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrNotFound, apiErr.Kind)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestServerErrorIsRetriedThenExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, TokenID: "id", Token: "tok"}, zerolog.Nop())
	require.NoError(t, err)

	err = c.SetServerStatus(context.Background(), "wl-1", "offline")
	require.Error(t, err)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrRetryExhausted, apiErr.Kind)
	assert.EqualValues(t, maxRetries+1, atomic.LoadInt32(&calls))
}

func TestListWorkloadsWalksAllPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		w.Header().Set("Content-Type", "application/json")
		switch page {
		case "1":
			_, _ = w.Write([]byte(`{"data":[{"uuid":"a"}],"meta":{"current_page":1,"last_page":2}}`))
		default:
			_, _ = w.Write([]byte(`{"data":[{"uuid":"b"}],"meta":{"current_page":2,"last_page":2}}`))
		}
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, TokenID: "id", Token: "tok"}, zerolog.Nop())
	require.NoError(t, err)

	workloads, err := c.ListWorkloads(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, workloads, 2)
	assert.Equal(t, "a", workloads[0].UUID)
	assert.Equal(t, "b", workloads[1].UUID)
}
