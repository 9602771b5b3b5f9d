package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/pkgshift/internal/ledger"
	"github.com/dyluth/pkgshift/pkg/dispatch"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixedStats dispatch.Stats

func (s fixedStats) Stats() dispatch.Stats { return dispatch.Stats(s) }

func get(t *testing.T, s *Server) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var response Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return w, response
}

func TestHealthCheck_MethodNotAllowed(t *testing.T) {
	s := NewServer(nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	w := httptest.NewRecorder()
	s.healthCheckHandler(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthCheck_Healthy(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := ledger.NewClient(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	defer client.Close()

	s := NewServer(client, fixedStats{Run: "r1", Building: 2, Committing: 1, Settled: 5}, nil)
	w, response := get(t, s)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "healthy", response.Status)
	assert.Equal(t, "connected", response.Ledger)
	require.NotNil(t, response.Dispatch)
	assert.Equal(t, 2, response.Dispatch.Building)
	assert.Equal(t, 5, response.Dispatch.Settled)
}

func TestHealthCheck_LedgerDown(t *testing.T) {
	s := NewServer(pingFunc(func(context.Context) error { return errors.New("connection refused") }), nil, nil)
	w, response := get(t, s)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", response.Status)
	assert.Equal(t, "disconnected", response.Ledger)
	assert.Equal(t, "connection refused", response.Error)
	assert.Nil(t, response.Dispatch)
}

func TestServer_StartAndShutdown(t *testing.T) {
	s := NewServer(pingFunc(func(context.Context) error { return nil }), nil, nil)
	addr, err := s.Start("127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
}
