package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/benchkeeper/internal/models"
)

// scrape возвращает текст экспорта метрик
func scrape(t *testing.T, m *Metrics) string {
	t.Helper()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	return rec.Body.String()
}

func TestMetrics_Middleware(t *testing.T) {
	m := New()

	r := chi.NewRouter()
	r.Use(m.Middleware())
	r.Get("/api/v1/assets/{tag}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/assets/A42", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	body := scrape(t, m)
	assert.Contains(t, body, `benchkeeper_http_requests_total{method="GET",path="/api/v1/assets/{tag}",status="Not Found"} 1`)
	assert.NotContains(t, body, "A42")
}

func TestMetrics_DomainCounters(t *testing.T) {
	m := New()

	m.ObserveProbe("primary", 5*time.Millisecond, true)
	m.ObserveProbe("primary", 0, false)
	m.ObserveProbe("primary", 0, false)
	m.ObserveDelivery(DeliveryAcknowledged)
	m.ObserveDelivery(DeliveryConflicted)
	m.ObserveTransition(models.RoleLocalOnly, models.RolePrimary)
	m.SetQueue(7, 1)

	body := scrape(t, m)
	assert.Contains(t, body, `benchkeeper_probe_failures_total{endpoint="primary"} 2`)
	assert.Contains(t, body, `benchkeeper_deliveries_total{result="conflicted"} 1`)
	assert.Contains(t, body, `benchkeeper_role{role="PRIMARY"} 1`)
	assert.Contains(t, body, `benchkeeper_role{role="LOCAL_ONLY"} 0`)
	assert.Contains(t, body, "benchkeeper_queue_depth 7")
	assert.Contains(t, body, "benchkeeper_conflicts 1")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveProbe("x", time.Second, true)
		m.ObserveDelivery(DeliveryTransient)
		m.ObserveTransition(models.RolePrimary, models.RoleLocalOnly)
		m.SetQueue(1, 1)
	})
}
