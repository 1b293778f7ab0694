package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	c.RequestCaptured(true, false, 80)
	c.RequestCaptured(false, true, 10)
	c.ResponseMatched(false, 83)
	c.ResponseDropped()
	c.Evicted(3)
	c.Replay("ok")
	c.Alert("High")
	c.Export("completed")
	c.HistorySize("s1", 42)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("third", "live")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("first", "replay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dropped))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.evictions))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.history.WithLabelValues("s1")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RequestCaptured(true, false, 1)
		c.ResponseMatched(true, 1)
		c.ResponseDropped()
		c.Evicted(1)
		c.Replay("failed")
		c.Alert("Critical")
		c.Export("failed")
		c.HistorySize("s", 1)
	})
	assert.Nil(t, c.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.ResponseDropped()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "netlens_responses_dropped_total 1"))
}
