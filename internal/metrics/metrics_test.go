package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestHostAndStatusClass(t *testing.T) {
	t.Parallel()

	require.Equal(t, "catalog.example.org", Host("https://Catalog.Example.org/list?page=2"))
	require.Equal(t, "example.org", Host("example.org/x"))
	require.Equal(t, "unknown", Host("://"))
	require.Equal(t, "2xx", StatusClass(204))
	require.Equal(t, "5xx", StatusClass(503))
	require.Equal(t, "error", StatusClass(0))
}

func TestObserveFetchAndUpsert(t *testing.T) {
	Init()
	before := testutil.ToFloat64(fetchTotal.WithLabelValues("colly", "4xx"))
	ObserveFetch("colly", 404, 10*time.Millisecond)
	require.InDelta(t, before+1, testutil.ToFloat64(fetchTotal.WithLabelValues("colly", "4xx")), 0.001)

	beforeUp := testutil.ToFloat64(storeUpsertsTotal.WithLabelValues("inserted"))
	ObserveUpsert("inserted")
	require.InDelta(t, beforeUp+1, testutil.ToFloat64(storeUpsertsTotal.WithLabelValues("inserted")), 0.001)

	ObserveRateLimitDelay("example.org", 20*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(rateLimitDelaySeconds))
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/probe-ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/probe-missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	missBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))

	for _, path := range []string{"/probe-ok", "/probe-missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, okBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")), 0.001)
	require.InDelta(t, missBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")), 0.001)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
