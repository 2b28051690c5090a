package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	c := New()

	c.RecordRun("succeeded", "", 3*time.Millisecond)
	c.RecordRun("failed", "SlippageViolation", time.Millisecond)
	c.RecordRun("failed", "SlippageViolation", time.Millisecond)
	c.AddProfit("WETH", 0.25)
	c.AddProfit("WETH", 0)
	c.SetTolerance(75)
	c.RecordCandidate("scanner", CandidateDuplicate)
	c.RecordWithdrawal("DAI")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("succeeded", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("failed", "SlippageViolation")))
	assert.Equal(t, 0.25, testutil.ToFloat64(c.profitTotal.WithLabelValues("WETH")))
	assert.Equal(t, 75.0, testutil.ToFloat64(c.toleranceBps))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.candidatesTotal.WithLabelValues("scanner", CandidateDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.withdrawals.WithLabelValues("DAI")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.RecordRun("succeeded", "", time.Second)
	c.AddProfit("WETH", 1)
	c.SetTolerance(1)
	c.RecordCandidate("api", CandidateAccepted)
	c.RecordHTTP("GET", "/api/health", 200, time.Millisecond)
	c.RecordWithdrawal("DAI")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.RecordHTTP("GET", "/api/engine", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `flasharb_api_requests_total{method="GET",route="/api/engine",status_code="200"} 1`)
}
