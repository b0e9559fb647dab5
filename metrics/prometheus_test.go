package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.ObserveStageDuration("render", 150*time.Millisecond)
	pr.ObserveBuildDuration(500 * time.Millisecond)
	pr.IncStageResult("render", ResultSuccess)
	pr.AddStageBytes("render", 100, 80)
	pr.AddItemErrors("image", 2)
	pr.AddItemErrors("image", 0)
	pr.IncReloads()

	assert.Equal(t, 1.0, testutil.ToFloat64(pr.stageResults.WithLabelValues("render", "success")))
	assert.Equal(t, 80.0, testutil.ToFloat64(pr.stageBytes.WithLabelValues("render", "out")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pr.itemErrors.WithLabelValues("image")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.reloads))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestHTTPHandlerExposesCollectors(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.IncReloads()

	rec := httptest.NewRecorder()
	HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "assetpipe_reloads_total"))
}

func TestNoopRecorderSatisfiesInterface(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncReloads()
	r.AddStageBytes("copy", 1, 1)
}
