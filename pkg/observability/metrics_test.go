package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/plugd/pkg/build"
	"github.com/platinummonkey/plugd/pkg/bundle"
	"github.com/platinummonkey/plugd/pkg/events"
	"github.com/platinummonkey/plugd/pkg/fetch"
	"github.com/platinummonkey/plugd/pkg/lifecycle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ lifecycle.Recorder = (*Metrics)(nil)
	_ build.Recorder     = (*Metrics)(nil)
	_ fetch.Recorder     = (*Metrics)(nil)
	_ bundle.Recorder    = (*Metrics)(nil)
	_ events.DropCounter = (*Metrics)(nil)
)

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	t.Run("lifecycle", func(t *testing.T) {
		m.RecordTransition("install", time.Second, nil)
		m.RecordTransition("install", time.Second, errors.New("boom"))
		m.RecordHook("onInstall", 10*time.Millisecond, errors.New("exit 1"))

		assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("install", "success")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("install", "error")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.HookFailuresTotal.WithLabelValues("onInstall")))
	})

	t.Run("build", func(t *testing.T) {
		m.RecordStage("install", time.Second, nil)
		m.RecordStage("compile-client", time.Second, errors.New("esbuild"))

		assert.Equal(t, 0.0, testutil.ToFloat64(m.BuildStageErrorsTotal.WithLabelValues("install")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.BuildStageErrorsTotal.WithLabelValues("compile-client")))
		assert.Equal(t, 2, testutil.CollectAndCount(m.BuildStageDuration))
	})

	t.Run("fetch", func(t *testing.T) {
		m.RecordFetch("https", 2048, time.Second, nil)
		m.RecordFetch("s3", 0, time.Second, errors.New("denied"))

		assert.Equal(t, 2048.0, testutil.ToFloat64(m.FetchBytesTotal.WithLabelValues("https")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchErrorsTotal.WithLabelValues("s3")))
	})

	t.Run("bundle", func(t *testing.T) {
		m.RecordBundle("prebuilt", false)
		m.RecordBundle("prebuilt", true)
		m.RecordBundle("prebuilt", true)

		assert.Equal(t, 1.0, testutil.ToFloat64(m.BundleRequestsTotal.WithLabelValues("prebuilt", "miss")))
		assert.Equal(t, 2.0, testutil.ToFloat64(m.BundleRequestsTotal.WithLabelValues("prebuilt", "hit")))
	})

	t.Run("events", func(t *testing.T) {
		m.EventDropped(events.PluginInstalled)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDroppedTotal.WithLabelValues(string(events.PluginInstalled))))
	})
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	r := mux.NewRouter()
	r.Use(HTTPMetricsMiddleware(m))
	r.HandleFunc("/installed-plugins/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"Plugin not found"}`)
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/installed-plugins/"+id, nil))
	}

	expected := `
		# HELP plugd_http_requests_total Total number of HTTP requests
		# TYPE plugd_http_requests_total counter
		plugd_http_requests_total{method="GET",route="/installed-plugins/{id}",status="404"} 3
	`
	require.NoError(t, testutil.CollectAndCompare(m.HTTPRequestsTotal, strings.NewReader(expected)))
}

func TestRegisterGaugeAndEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RegisterGauge("plugd_plugins_loaded", "Number of resident plugins", func() float64 { return 4 })

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "plugd_plugins_loaded 4")
}
