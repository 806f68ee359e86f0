package observability_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshtopo/internal/observability"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServerHealthFollowsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(observability.WithRegistry(reg))
	srv := observability.NewServer(observability.ServerConfig{Metrics: metrics, Gatherer: reg})
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)

	metrics.IncDecodeErrors()
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/healthz").Code)

	metrics.MarkHealthy()
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
}

func TestServerReadiness(t *testing.T) {
	var readyErr error
	srv := observability.NewServer(observability.ServerConfig{
		Gatherer: prometheus.NewRegistry(),
		Ready:    func() error { return readyErr },
	})
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	readyErr = errors.New("database unavailable")
	rec := get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database unavailable")
}

func TestServerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(observability.WithRegistry(reg), observability.WithNamespace("meshtopo_test"))
	metrics.IncMessagesReceived()
	metrics.AddHopsStored(3)

	srv := observability.NewServer(observability.ServerConfig{Metrics: metrics, Gatherer: reg})
	rec := get(t, srv.Handler(), "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "meshtopo_test_messages_received_total 1"), body)
	assert.Contains(t, body, "meshtopo_test_")
}
