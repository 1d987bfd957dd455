package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/config"
)

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 1<<20, cfg.MaxHeaderBytes)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, "127.0.0.1:9100", ConfigFrom(config.MetricsConfig{Addr: "127.0.0.1:9100"}).Addr)
	assert.Equal(t, ":9090", ConfigFrom(config.MetricsConfig{}).Addr)
}

func TestManager_StartAndShutdown(t *testing.T) {
	handler := NewOpsHandler(nil, nil, zap.NewNop())
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	m := NewManager(handler, cfg, nil)
	assert.False(t, m.IsRunning())

	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	assert.True(t, m.IsRunning())
	assert.Error(t, m.Start(), "double start")

	resp, err := http.Get("http://" + m.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
	assert.Error(t, m.Start(), "start after shutdown")
}

func TestManager_StartFailsOnBusyPort(t *testing.T) {
	first := NewManager(http.NotFoundHandler(), Config{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, nil)
	require.NoError(t, first.Start())
	t.Cleanup(func() { _ = first.Shutdown(context.Background()) })

	second := NewManager(http.NotFoundHandler(), Config{Addr: first.Addr(), ShutdownTimeout: time.Second}, nil)
	assert.Error(t, second.Start())
}

func TestOpsHandler_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "agentloop_runs_total 1\n")
	})
	h := NewOpsHandler(metrics, nil, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentloop_runs_total")

	rec = httptest.NewRecorder()
	NewOpsHandler(nil, nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpsHandler_Readiness(t *testing.T) {
	healthy := map[string]Check{
		"redis":    func(context.Context) error { return nil },
		"database": func(context.Context) error { return nil },
	}
	rec := httptest.NewRecorder()
	NewOpsHandler(nil, healthy, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"database":"ok","redis":"ok"}}`, rec.Body.String())

	failing := map[string]Check{
		"redis":    func(context.Context) error { return errors.New("connection refused") },
		"database": func(context.Context) error { return nil },
	}
	rec = httptest.NewRecorder()
	NewOpsHandler(nil, failing, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "connection refused", body.Checks["redis"])
	assert.Equal(t, "ok", body.Checks["database"])
}

func TestOpsHandler_CheckGetsDeadline(t *testing.T) {
	var hasDeadline bool
	checks := map[string]Check{"slow": func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	}}
	rec := httptest.NewRecorder()
	NewOpsHandler(nil, checks, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.True(t, hasDeadline)
}
