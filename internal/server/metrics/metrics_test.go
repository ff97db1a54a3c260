package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetPoolConnections(3)
		m.PoolDial()
		m.PoolEvictions(2)
		m.CacheLookup(true)
		m.DownloadBytes(10)
		m.StaleRefresh()
		m.UploadPart(10)
		m.DedupHit()
		m.ObserveRequest("stream", "200", time.Second)
	})
}

func TestCounters(t *testing.T) {
	m := New()

	m.SetPoolConnections(3)
	m.PoolDial()
	m.PoolDial()
	m.PoolEvictions(2)
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	m.UploadPart(100)
	m.UploadPart(50)
	m.DedupHit()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.poolConnections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.poolDials))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.poolEvictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.uploadParts))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.uploadBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dedupHits))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveRequest("stream", "206", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `chanvault_http_requests_total{code="206",route="stream"} 1`), body)
	assert.Contains(t, body, "chanvault_pool_connections")
}
