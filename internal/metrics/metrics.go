// Package metrics exposes the bot's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pixelmage"

// Generation item outcomes.
const (
	OutcomeCached    = "cached"
	OutcomeGenerated = "generated"
	OutcomeFailed    = "failed"
)

// Recorder owns a private registry. A nil Recorder discards every observation.
type Recorder struct {
	registry          *prometheus.Registry
	admissionInFlight prometheus.Gauge
	admissionRejected prometheus.Counter
	generationItems   *prometheus.CounterVec
	refundedUnits     prometheus.Counter
	payments          *prometheus.CounterVec
}

// NewRecorder registers all instruments plus the Go and process collectors.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	recorder := &Recorder{
		registry: registry,
		admissionInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "in_flight",
			Help:      "Generation jobs currently holding an admission slot.",
		}),
		admissionRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "rejections_total",
			Help:      "Jobs turned away because the admission queue was full.",
		}),
		generationItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "items_total",
			Help:      "Resolved generation and edit items by outcome.",
		}, []string{"outcome"}),
		refundedUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "refunded_units_total",
			Help:      "Units credited back to users after failed work.",
		}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Payment records reaching a status.",
		}, []string{"status"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		recorder.admissionInFlight,
		recorder.admissionRejected,
		recorder.generationItems,
		recorder.refundedUnits,
		recorder.payments,
	)
	return recorder
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) AdmissionChanged(inFlight int) {
	if r == nil {
		return
	}
	r.admissionInFlight.Set(float64(inFlight))
}

func (r *Recorder) AdmissionRejected() {
	if r == nil {
		return
	}
	r.admissionRejected.Inc()
}

// ItemResolved counts one generation item by outcome.
func (r *Recorder) ItemResolved(outcome string) {
	if r == nil {
		return
	}
	r.generationItems.WithLabelValues(outcome).Inc()
}

func (r *Recorder) UnitsRefunded(units int64) {
	if r == nil || units <= 0 {
		return
	}
	r.refundedUnits.Add(float64(units))
}

func (r *Recorder) PaymentObserved(status string) {
	if r == nil {
		return
	}
	r.payments.WithLabelValues(status).Inc()
}
