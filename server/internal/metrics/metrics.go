package metrics

import (
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "pulse"

// Metrics holds the server's collectors.
type Metrics struct {
	reg *prometheus.Registry

	samplesIngested  *prometheus.CounterVec
	samplesRejected  prometheus.Counter
	baselineOutcomes *prometheus.CounterVec
	detections       *prometheus.CounterVec
	alertsRouted     *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryLatency  *prometheus.HistogramVec
	tokensDenied     *prometheus.CounterVec
	backpressure     *prometheus.CounterVec
	destinationRate  *prometheus.GaugeVec
	jobRuns          *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		samplesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "samples_ingested_total",
			Help: "Samples accepted by the ingest endpoint.",
		}, []string{"operation"}),
		samplesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "samples_rejected_total",
			Help: "Samples rejected as invalid.",
		}),
		baselineOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "baseline_recalculations_total",
			Help: "Baseline recalculations by outcome.",
		}, []string{"outcome"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "detections_total",
			Help: "Detections produced by the detectors.",
		}, []string{"kind", "severity"}),
		alertsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_routed_total",
			Help: "Alerts handled by the router, by severity and outcome.",
		}, []string{"severity", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Delivery attempts by destination and result.",
		}, []string{"destination", "result"}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "delivery_latency_seconds",
			Help:    "Sink send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"destination"}),
		tokensDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tokens_denied_total",
			Help: "Dequeues deferred because the destination bucket was empty.",
		}, []string{"destination"}),
		backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "backpressure_decisions_total",
			Help: "Admission decisions by destination and action.",
		}, []string{"destination", "action"}),
		destinationRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "destination_rate",
			Help: "Current committed refill rate in tokens per second.",
		}, []string{"destination"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_runs_total",
			Help: "Batch job runs by job and report status.",
		}, []string{"job", "status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.samplesIngested, m.samplesRejected, m.baselineOutcomes, m.detections,
		m.alertsRouted, m.deliveries, m.deliveryLatency, m.tokensDenied,
		m.backpressure, m.destinationRate, m.jobRuns,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) SampleIngested(op string) {
	if m == nil {
		return
	}
	m.samplesIngested.WithLabelValues(op).Inc()
}

func (m *Metrics) SampleRejected() {
	if m == nil {
		return
	}
	m.samplesRejected.Inc()
}

func (m *Metrics) BaselineOutcome(outcome string) {
	if m == nil {
		return
	}
	m.baselineOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Detection(kind, severity string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) AlertRouted(severity, outcome string) {
	if m == nil {
		return
	}
	m.alertsRouted.WithLabelValues(severity, outcome).Inc()
}

// Delivery records one delivery result. seconds is ignored when negative.
func (m *Metrics) Delivery(destination, result string, seconds float64) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(destination, result).Inc()
	if seconds >= 0 {
		m.deliveryLatency.WithLabelValues(destination).Observe(seconds)
	}
}

func (m *Metrics) TokenDenied(destination string) {
	if m == nil {
		return
	}
	m.tokensDenied.WithLabelValues(destination).Inc()
}

func (m *Metrics) Backpressure(destination, action string) {
	if m == nil {
		return
	}
	m.backpressure.WithLabelValues(destination, action).Inc()
}

func (m *Metrics) Rate(destination string, rate float64) {
	if m == nil {
		return
	}
	m.destinationRate.WithLabelValues(destination).Set(rate)
}

func (m *Metrics) JobRun(job, status string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
}

// Point is one flattened series value.
type Point struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Snapshot gathers the pulse_* families and flattens them to points.
// Counters and gauges report their value; histograms report their sample
// count under name_count and their sum under name_sum.
func (m *Metrics) Snapshot() ([]Point, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return nil, err
	}
	var out []Point
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, namespace+"_") {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := labelMap(metric.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out = append(out, Point{Name: name, Labels: labels, Value: metric.GetCounter().GetValue()})
			case dto.MetricType_GAUGE:
				out = append(out, Point{Name: name, Labels: labels, Value: metric.GetGauge().GetValue()})
			case dto.MetricType_HISTOGRAM:
				h := metric.GetHistogram()
				out = append(out,
					Point{Name: name + "_count", Labels: labels, Value: float64(h.GetSampleCount())},
					Point{Name: name + "_sum", Labels: labels, Value: h.GetSampleSum()},
				)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, lp := range pairs {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}
