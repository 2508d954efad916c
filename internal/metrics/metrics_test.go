package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.SetPoolCounts(1, 2, 3, 4, 5)
	c.ObserveProbe(true, time.Second)
	c.RecordAcquire("hit")
}

func TestCollectorExposition(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.SetPoolCounts(10, 7, 2, 1, 3)
	c.ObserveProbe(true, 120*time.Millisecond)
	c.ObserveProbe(false, 0)
	c.RecordAcquire("hit")
	c.RecordAcquire("exhausted")

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Contains(t, body, "rotaproxy_pool_proxies_total 10")
	assert.Contains(t, body, "rotaproxy_pool_proxies_healthy 7")
	assert.Contains(t, body, `rotaproxy_checker_probes_total{result="success"} 1`)
	assert.Contains(t, body, `rotaproxy_checker_probes_total{result="failure"} 1`)
	assert.Contains(t, body, `rotaproxy_pool_acquisitions_total{outcome="hit"} 1`)
}

func TestNewCollectorDefaultsRegistry(t *testing.T) {
	c := NewCollector(nil)
	require.NotNil(t, c.registry)
}
