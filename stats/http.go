package stats

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollectors mirrors an Emitter's counters as Prometheus
// gauges, refreshed on every scrape rather than on a timer, so a scrape
// always reflects the latest in-process values.
type PrometheusCollectors struct {
	emitter *Emitter

	acked, failed, requeued, expired, deadLettered, heartbeats prometheus.Gauge
	avgProcessing                                              prometheus.Gauge
}

func NewPrometheusCollectors(e *Emitter) *PrometheusCollectors {
	labels := prometheus.Labels{"queue": e.queue}
	return &PrometheusCollectors{
		emitter:      e,
		acked:        prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "redismq", Name: "messages_acked_total", ConstLabels: labels}),
		failed:       prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "redismq", Name: "messages_failed_total", ConstLabels: labels}),
		requeued:     prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "redismq", Name: "messages_requeued_total", ConstLabels: labels}),
		expired:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "redismq", Name: "messages_expired_total", ConstLabels: labels}),
		deadLettered: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "redismq", Name: "messages_dead_lettered_total", ConstLabels: labels}),
		heartbeats:   prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "redismq", Name: "consumer_heartbeats_total", ConstLabels: labels}),
		avgProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "redismq", Name: "message_processing_microseconds_avg", ConstLabels: labels,
		}),
	}
}

func (p *PrometheusCollectors) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range p.gauges() {
		ch <- g.Desc()
	}
}

func (p *PrometheusCollectors) Collect(ch chan<- prometheus.Metric) {
	s := p.emitter.CurrentSnapshot()
	p.acked.Set(float64(s.Acked))
	p.failed.Set(float64(s.Failed))
	p.requeued.Set(float64(s.Requeued))
	p.expired.Set(float64(s.Expired))
	p.deadLettered.Set(float64(s.DeadLettered))
	p.heartbeats.Set(float64(s.Heartbeats))
	p.avgProcessing.Set(float64(s.AvgProcessingMicros))
	for _, g := range p.gauges() {
		ch <- g
	}
}

func (p *PrometheusCollectors) gauges() []prometheus.Gauge {
	return []prometheus.Gauge{p.acked, p.failed, p.requeued, p.expired, p.deadLettered, p.heartbeats, p.avgProcessing}
}

// Router builds the stats HTTP surface: a JSON snapshot endpoint and a
// Prometheus /metrics endpoint, following the same chi-based layout the
// broader example pack uses for its own service routers.
func Router(e *Emitter) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewPrometheusCollectors(e))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/stats/{queue}", func(w http.ResponseWriter, req *http.Request) {
		queue := chi.URLParam(req, "queue")
		if queue != e.queue {
			http.Error(w, "unknown queue", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(e.CurrentSnapshot())
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return r
}
