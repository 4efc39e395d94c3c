package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbes(t *testing.T) {
	var ready atomic.Bool
	s := NewServer(Options{
		Ready:  ready.Load,
		Stats:  func() map[string]any { return map[string]any{"active_threads": 3} },
		Logger: log.New(io.Discard),
	})
	router := s.Router()

	do := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	t.Run("liveness", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, do(http.MethodGet, "/healthz").Code)
	})

	t.Run("readiness follows gateway", func(t *testing.T) {
		assert.Equal(t, http.StatusServiceUnavailable, do(http.MethodGet, "/readyz").Code)
		ready.Store(true)
		assert.Equal(t, http.StatusNoContent, do(http.MethodGet, "/readyz").Code)
	})

	t.Run("stats", func(t *testing.T) {
		rec := do(http.MethodGet, "/stats")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, float64(3), body["active_threads"])
		assert.Contains(t, body, "timestamp")
	})

	t.Run("wrong method", func(t *testing.T) {
		assert.Equal(t, http.StatusMethodNotAllowed, do(http.MethodPost, "/healthz").Code)
	})
}

func TestStopBeforeStart(t *testing.T) {
	s := NewServer(Options{Addr: "127.0.0.1:0", Logger: log.New(io.Discard)})
	require.NoError(t, s.Stop(t.Context()))
	assert.NoError(t, s.Start())
}
