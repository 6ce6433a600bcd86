package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	h := Handler()
	Handler() // second call must not re-register

	JobsRegistered.Inc()
	DeliveryFailures.WithLabelValues("webhook").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(DeliveryFailures.WithLabelValues("webhook")), 1.0)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "reports_registered_total")
	assert.Contains(t, string(body), `reports_delivery_failures_total{sink="webhook"}`)
}
