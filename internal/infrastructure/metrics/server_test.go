package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding_keeper/internal/core"
	"funding_keeper/internal/infrastructure/health"
)

type nopLogger struct{}

func (l *nopLogger) Debug(msg string, fields ...interface{})               {}
func (l *nopLogger) Info(msg string, fields ...interface{})                {}
func (l *nopLogger) Warn(msg string, fields ...interface{})                {}
func (l *nopLogger) Error(msg string, fields ...interface{})               {}
func (l *nopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *nopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *nopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

func TestHealthzReportsOKWhileComponentsAreHealthy(t *testing.T) {
	tracker := health.NewTracker(&nopLogger{})
	tracker.ReportOK("HYPERLIQUID")
	srv := NewServer(":0", tracker, &nopLogger{})

	rec := httptest.NewRecorder()
	srv.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snapshot map[string]health.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.Contains(t, snapshot, "HYPERLIQUID")
	assert.True(t, snapshot["HYPERLIQUID"].Healthy)
}

func TestHealthzTurns503OnUnhealthyComponent(t *testing.T) {
	tracker := health.NewTracker(&nopLogger{})
	tracker.ReportOK("HYPERLIQUID")
	tracker.ReportError("LIGHTER", errors.New("stream disconnected"))
	srv := NewServer(":0", tracker, &nopLogger{})

	rec := httptest.NewRecorder()
	srv.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var snapshot map[string]health.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.False(t, snapshot["LIGHTER"].Healthy)
	assert.Equal(t, "stream disconnected", snapshot["LIGHTER"].LastError)
}
