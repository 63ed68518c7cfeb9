package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agentline"

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	callsStarted     *prometheus.CounterVec
	callsFailed      *prometheus.CounterVec
	callsEnded       *prometheus.CounterVec
	allocateDuration *prometheus.HistogramVec
	connectDuration  prometheus.Histogram
	talkDuration     prometheus.Histogram
	reconnects       prometheus.Counter
	finalizeTotal    *prometheus.CounterVec
	active           prometheus.Gauge
}

// NewPrometheusRecorder creates a recorder registering its collectors with
// reg. A nil reg uses the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		callsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_started_total",
				Help:      "Total number of accepted call start requests by agent",
			},
			[]string{"agent_id"},
		),
		callsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_failed_total",
				Help:      "Total number of call start attempts that failed, by reason",
			},
			[]string{"reason"},
		),
		callsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_ended_total",
				Help:      "Total number of calls that reached Ended, by end reason",
			},
			[]string{"reason"},
		),
		allocateDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_allocate_duration_seconds",
				Help:      "Duration of backend session allocation requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		connectDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transport_connect_duration_seconds",
				Help:      "Time from allocation to a live media connection",
				Buckets:   prometheus.DefBuckets,
			},
		),
		talkDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_talk_duration_seconds",
				Help:      "Time calls spent connected",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		reconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_reconnects_total",
				Help:      "Total number of transport reconnect attempts",
			},
		),
		finalizeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_finalize_total",
				Help:      "Total number of finalize requests by status",
			},
			[]string{"status"},
		),
		active: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "call_active",
				Help:      "1 while a media connection is held",
			},
		),
	}
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// IncCallStarted implements Recorder.
func (p *PrometheusRecorder) IncCallStarted(agentID string) {
	p.callsStarted.WithLabelValues(agentID).Inc()
}

// IncCallFailed implements Recorder.
func (p *PrometheusRecorder) IncCallFailed(reason string) {
	p.callsFailed.WithLabelValues(reason).Inc()
}

// ObserveAllocate implements Recorder.
func (p *PrometheusRecorder) ObserveAllocate(success bool, duration time.Duration) {
	p.allocateDuration.WithLabelValues(status(success)).Observe(duration.Seconds())
}

// ObserveConnect implements Recorder.
func (p *PrometheusRecorder) ObserveConnect(duration time.Duration) {
	p.connectDuration.Observe(duration.Seconds())
}

// IncReconnect implements Recorder.
func (p *PrometheusRecorder) IncReconnect() {
	p.reconnects.Inc()
}

// ObserveCallEnded implements Recorder.
func (p *PrometheusRecorder) ObserveCallEnded(reason string, talk time.Duration) {
	p.callsEnded.WithLabelValues(reason).Inc()
	if talk > 0 {
		p.talkDuration.Observe(talk.Seconds())
	}
}

// IncFinalize implements Recorder.
func (p *PrometheusRecorder) IncFinalize(success bool) {
	p.finalizeTotal.WithLabelValues(status(success)).Inc()
}

// SetActive implements Recorder.
func (p *PrometheusRecorder) SetActive(active bool) {
	if active {
		p.active.Set(1)
		return
	}
	p.active.Set(0)
}
