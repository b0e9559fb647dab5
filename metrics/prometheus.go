package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "assetpipe"

// PrometheusRecorder implements Recorder on a Prometheus registry.
type PrometheusRecorder struct {
	stageDuration *prom.HistogramVec
	buildDuration prom.Histogram
	stageResults  *prom.CounterVec
	stageBytes    *prom.CounterVec
	itemErrors    *prom.CounterVec
	reloads       prom.Counter
}

// NewPrometheusRecorder creates the pipeline collectors and registers them on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual build stage runs",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Duration of full builds and triggered rebuilds",
			Buckets:   prom.DefBuckets,
		}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Stage run outcomes",
		}, []string{"stage", "result"}),
		stageBytes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_bytes_total",
			Help:      "Bytes read and written by stages",
		}, []string{"stage", "direction"}),
		itemErrors: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "item_errors_total",
			Help:      "Inputs excluded from output because their transformation failed",
		}, []string{"stage"}),
		reloads: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Reload notifications sent to dev server clients",
		}),
	}
	reg.MustRegister(pr.stageDuration, pr.buildDuration, pr.stageResults, pr.stageBytes, pr.itemErrors, pr.reloads)
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) AddStageBytes(stage string, in, out int64) {
	if in > 0 {
		p.stageBytes.WithLabelValues(stage, "in").Add(float64(in))
	}
	if out > 0 {
		p.stageBytes.WithLabelValues(stage, "out").Add(float64(out))
	}
}

func (p *PrometheusRecorder) AddItemErrors(stage string, n int) {
	if n > 0 {
		p.itemErrors.WithLabelValues(stage).Add(float64(n))
	}
}

func (p *PrometheusRecorder) IncReloads() { p.reloads.Inc() }

// HTTPHandler serves the metrics gathered by reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
