package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	b, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(b)
}

func TestJobMetrics_Exposed(t *testing.T) {
	IncreaseJobsSubmittedMetric()
	ObserveJobCompleted("finished", 3*time.Second)
	var obs QueueObserver
	obs.QueueDepth(4)
	obs.BusySlots(1)

	body := scrape(t, Handler())
	assert.Contains(t, body, "meshd_jobs_submitted_total")
	assert.Contains(t, body, `meshd_jobs_completed_total{status="finished"}`)
	assert.Contains(t, body, `meshd_job_duration_seconds_count{status="finished"}`)
	assert.Contains(t, body, "meshd_queue_depth 4")
	assert.Contains(t, body, "meshd_busy_slots 1")
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMiddleware()
	m.MustRegister(reg)

	r := chi.NewRouter()
	r.Use(m.Handler)
	r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jobs/"+id, nil))
	}

	body := scrape(t, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	assert.Contains(t, body, `meshd_http_requests_total{code="404",method="GET",path="/jobs/{id}"} 2`)
	assert.False(t, strings.Contains(body, `path="/jobs/a"`), "raw paths must not become labels")
}
