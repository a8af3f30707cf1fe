// Package metrics provides Prometheus metrics collection for koi-vetter.
// It defines the classification, input validation and front-end metrics
// exposed via the /metrics endpoint of both servers.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values of Classifications.
const (
	LabelConfirmed     = "confirmed"
	LabelFalsePositive = "false_positive"
)

// Metrics holds all Prometheus metrics for the classifier and its front ends.
type Metrics struct {
	// Classification metrics
	Classifications      *prometheus.CounterVec // Classifications by predicted label
	ClassificationErrors prometheus.Counter     // Model invocations that failed
	InputRejections      prometheus.Counter     // Feature vectors rejected before the model
	OutOfRange           *prometheus.CounterVec // Accepted values outside the typical range, by feature
	Latency              prometheus.Histogram   // Classification latency in seconds
	Confidence           prometheus.Histogram   // Distribution of P(confirmed)
	CacheHits            prometheus.Counter     // Results served from the cache
	ModelAge             prometheus.Gauge       // Age of the loaded artifact in seconds

	// Front-end metrics
	WSClients    prometheus.Gauge       // Connected dashboard clients
	HTTPRequests *prometheus.CounterVec // Requests by handler and status code

	gatherer prometheus.Gatherer
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
// When registerer is also a Gatherer, Totals reads from it.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	m := &Metrics{
		Classifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "koi_classifications_total",
			Help: "Total number of classifications by predicted label",
		}, []string{"label"}),
		ClassificationErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "koi_classification_failures_total",
			Help: "Total number of failed model invocations",
		}),
		InputRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "koi_input_rejections_total",
			Help: "Total number of feature vectors rejected as malformed",
		}),
		OutOfRange: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "koi_out_of_range_inputs_total",
			Help: "Accepted feature values outside the typical range",
		}, []string{"feature"}),
		Latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "koi_classification_latency_seconds",
			Help:    "Classification latency in seconds (end-to-end)",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		Confidence: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "koi_confidence",
			Help:    "Distribution of the confirmed-planet probability",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "koi_cache_hits_total",
			Help: "Total number of classifications served from the result cache",
		}),
		ModelAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "koi_model_age_seconds",
			Help: "Age of the loaded model artifact in seconds",
		}),
		WSClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "koi_ws_clients",
			Help: "Number of connected dashboard clients",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "koi_http_requests_total",
			Help: "HTTP requests by handler and status code",
		}, []string{"handler", "code"}),
	}
	if g, ok := registerer.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// ObserveHTTP counts one served request.
func (m *Metrics) ObserveHTTP(handler string, code int) {
	m.HTTPRequests.WithLabelValues(handler, strconv.Itoa(code)).Inc()
}

// Totals reads the classification counters back from the registry.
// It returns zeros when the registry cannot be gathered.
func (m *Metrics) Totals() (confirmed, falsePositive, failures float64) {
	if m.gatherer == nil {
		return 0, 0, 0
	}
	families, err := m.gatherer.Gather()
	if err != nil {
		return 0, 0, 0
	}
	for _, mf := range families {
		switch mf.GetName() {
		case "koi_classifications_total":
			for _, metric := range mf.GetMetric() {
				for _, lp := range metric.GetLabel() {
					if lp.GetName() != "label" {
						continue
					}
					switch lp.GetValue() {
					case LabelConfirmed:
						confirmed = metric.GetCounter().GetValue()
					case LabelFalsePositive:
						falsePositive = metric.GetCounter().GetValue()
					}
				}
			}
		case "koi_classification_failures_total":
			for _, metric := range mf.GetMetric() {
				failures = metric.GetCounter().GetValue()
			}
		}
	}
	return confirmed, falsePositive, failures
}

// ErrorRate is failures over all model invocations, or 0 before the first.
func (m *Metrics) ErrorRate() float64 {
	confirmed, falsePositive, failures := m.Totals()
	total := confirmed + falsePositive + failures
	if total == 0 {
		return 0
	}
	return failures / total
}
