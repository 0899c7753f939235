// ABOUTME: Tests for metric registration, exposition and nil safety
// ABOUTME: Reads counters back through the testutil helpers

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.ObserveCall("success", 20*time.Millisecond)
	m.ObserveCall("mcp_timeout", time.Second)
	m.ObserveCall("success", 10*time.Millisecond)
	m.IncRateLimited("quota_exceeded")
	m.AddSinkDropped("usage", 3)
	m.SetPoolEntries(2)
	m.IncListedServer("listed")
	m.IncListedServer("skipped")
	m.IncListedServer("listed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.calls.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("mcp_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited.WithLabelValues("quota_exceeded")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sinkDropped.WithLabelValues("usage")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.poolEntries))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.listedServers.WithLabelValues("listed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.listedServers.WithLabelValues("skipped")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncAuthFailure()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "mcp_gateway_auth_failures_total 1"))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCall("success", time.Millisecond)
	m.IncRetry()
	m.IncListedServer("listed")
	m.IncRateLimited("rate_limited")
	m.IncAuthFailure()
	m.IncHealthTransition("healthy")
	m.IncPoolCheckout("pooled")
	m.SetPoolEntries(1)
	m.AddSinkDropped("usage", 1)
	m.IncSinkFlushFailure("audit")
	m.AddSinkWritten("audit", 1)
}
