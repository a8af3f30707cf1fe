package metrics

import "github.com/prometheus/client_golang/prometheus"

// MetricsGauge is the client gauge as the dashboard sees it.
type MetricsGauge interface {
	Set(float64)
	Add(float64)
	Inc()
	Dec()
}

// MetricsWrapper adapts Metrics to the interfaces the ml adapter and the
// front ends depend on.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

// Metrics returns the wrapped collectors.
func (w *MetricsWrapper) Metrics() *Metrics {
	return w.m
}

func (w *MetricsWrapper) MLPredictionsInc(label int) {
	name := LabelFalsePositive
	if label == 1 {
		name = LabelConfirmed
	}
	w.m.Classifications.WithLabelValues(name).Inc()
}

func (w *MetricsWrapper) MLFailuresInc() {
	w.m.ClassificationErrors.Inc()
}

func (w *MetricsWrapper) MLRejectionsInc() {
	w.m.InputRejections.Inc()
}

func (w *MetricsWrapper) MLOutOfRangeInc(feature string) {
	w.m.OutOfRange.WithLabelValues(feature).Inc()
}

func (w *MetricsWrapper) MLLatencyObserve(v float64) {
	w.m.Latency.Observe(v)
}

func (w *MetricsWrapper) MLModelAgeSet(v float64) {
	w.m.ModelAge.Set(v)
}

func (w *MetricsWrapper) MLPredictionScoresObserve(v float64) {
	w.m.Confidence.Observe(v)
}

func (w *MetricsWrapper) MLCacheHitsInc() {
	w.m.CacheHits.Inc()
}

func (w *MetricsWrapper) WSClients() MetricsGauge {
	return &GaugeWrapper{w.m.WSClients}
}

func (w *MetricsWrapper) ObserveHTTP(handler string, code int) {
	w.m.ObserveHTTP(handler, code)
}

type GaugeWrapper struct {
	g prometheus.Gauge
}

func (gw *GaugeWrapper) Set(v float64) {
	gw.g.Set(v)
}

func (gw *GaugeWrapper) Add(v float64) {
	gw.g.Add(v)
}

func (gw *GaugeWrapper) Inc() {
	gw.g.Inc()
}

func (gw *GaugeWrapper) Dec() {
	gw.g.Dec()
}
