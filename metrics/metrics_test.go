package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.FlowStarted()
	m.FlowStarted()
	m.FlowFinished("ok")
	m.FlowFinished("state_mismatch")
	m.FlowFinished("ok")
	m.BridgeFinished("created")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.flowsStarted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.flowsFinished.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flowsFinished.WithLabelValues("state_mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bridgeOutcomes.WithLabelValues("created")))
}

func TestHistograms(t *testing.T) {
	m := New(nil)
	m.ObserveUpstream("discovery", 200, 20*time.Millisecond)
	m.ObserveUpstream("token_exchange", 0, time.Second)
	m.ObserveRequest("/callback", 302, time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(m.upstreamDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(m.requestDuration))
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.FlowStarted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "storefront_signin_started_total 1")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FlowStarted()
		m.FlowFinished("ok")
		m.BridgeFinished("failed")
		m.ObserveUpstream("x", 0, 0)
		m.ObserveRequest("/", 200, 0)
	})
}
