package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTurn(t *testing.T) {
	m := getMetrics()
	before := testutil.ToFloat64(m.turnTotal.WithLabelValues(OutcomeSoftFailure))

	RecordTurn(OutcomeSoftFailure, 150*time.Millisecond)

	after := testutil.ToFloat64(m.turnTotal.WithLabelValues(OutcomeSoftFailure))
	assert.Equal(t, before+1, after)
}

func TestRecordEviction(t *testing.T) {
	m := getMetrics()
	before := testutil.ToFloat64(m.evictedSessions.WithLabelValues("idle"))

	RecordEviction("idle", 3)
	RecordEviction("idle", 0)

	assert.Equal(t, before+3, testutil.ToFloat64(m.evictedSessions.WithLabelValues("idle")))
}

func TestSetActiveSessions(t *testing.T) {
	SetActiveSessions(42)
	assert.Equal(t, float64(42), testutil.ToFloat64(getMetrics().activeSessions))
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		200: "2xx",
		204: "2xx",
		302: "3xx",
		400: "4xx",
		429: "4xx",
		500: "5xx",
		503: "5xx",
		101: "1xx",
	}
	for code, want := range tests {
		assert.Equal(t, want, StatusClass(code), "code %d", code)
	}
}

func TestMetricsHandler(t *testing.T) {
	RecordUpstreamCall("gemini", "2xx", time.Second)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "biblechat_upstream_requests_total")
}
