package metrics

import (
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func newTestMetrics(t testing.TB) (*Metrics, *MetricsWrapper) {
	t.Helper()
	metrics := NewWithRegistry(prometheus.NewRegistry())
	return metrics, NewWrapper(metrics)
}

func TestNewWrapper(t *testing.T) {
	metrics, wrapper := newTestMetrics(t)

	if wrapper == nil {
		t.Fatal("NewWrapper returned nil")
	}
	if wrapper.Metrics() != metrics {
		t.Error("Wrapper does not contain correct metrics instance")
	}
}

func TestMetricsWrapper_PredictionsByLabel(t *testing.T) {
	metrics, wrapper := newTestMetrics(t)

	wrapper.MLPredictionsInc(1)
	wrapper.MLPredictionsInc(1)
	wrapper.MLPredictionsInc(0)

	if v := testutil.ToFloat64(metrics.Classifications.WithLabelValues(LabelConfirmed)); v != 2 {
		t.Errorf("Expected 2 confirmed classifications, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.Classifications.WithLabelValues(LabelFalsePositive)); v != 1 {
		t.Errorf("Expected 1 false positive classification, got %f", v)
	}
}

func TestMetricsWrapper_MLMethods(t *testing.T) {
	metrics, wrapper := newTestMetrics(t)

	wrapper.MLFailuresInc()
	if v := testutil.ToFloat64(metrics.ClassificationErrors); v != 1 {
		t.Errorf("Expected 1 failure, got %f", v)
	}

	wrapper.MLRejectionsInc()
	wrapper.MLRejectionsInc()
	if v := testutil.ToFloat64(metrics.InputRejections); v != 2 {
		t.Errorf("Expected 2 rejections, got %f", v)
	}

	wrapper.MLOutOfRangeInc("period")
	if v := testutil.ToFloat64(metrics.OutOfRange.WithLabelValues("period")); v != 1 {
		t.Errorf("Expected 1 out-of-range period, got %f", v)
	}

	wrapper.MLCacheHitsInc()
	if v := testutil.ToFloat64(metrics.CacheHits); v != 1 {
		t.Errorf("Expected 1 cache hit, got %f", v)
	}

	wrapper.MLModelAgeSet(3600.0)
	if v := testutil.ToFloat64(metrics.ModelAge); v != 3600.0 {
		t.Errorf("Expected model age 3600.0, got %f", v)
	}

	wrapper.MLLatencyObserve(0.002)
	wrapper.MLLatencyObserve(0.004)
	wrapper.MLPredictionScoresObserve(0.75)
	if n := testutil.CollectAndCount(metrics.Latency); n != 1 {
		t.Errorf("Expected 1 latency series, got %d", n)
	}

	if n := histogramCount(t, metrics.Latency); n != 2 {
		t.Errorf("Expected 2 latency observations, got %d", n)
	}
	if n := histogramCount(t, metrics.Confidence); n != 1 {
		t.Errorf("Expected 1 confidence observation, got %d", n)
	}
}

func histogramCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	if err := h.Write(&m); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestMetricsWrapper_WSClients(t *testing.T) {
	metrics, wrapper := newTestMetrics(t)

	g := wrapper.WSClients()
	g.Inc()
	g.Inc()
	g.Dec()
	if v := testutil.ToFloat64(metrics.WSClients); v != 1 {
		t.Errorf("Expected 1 client, got %f", v)
	}
	g.Set(5)
	g.Add(-5)
	if v := testutil.ToFloat64(metrics.WSClients); v != 0 {
		t.Errorf("Expected 0 clients, got %f", v)
	}
}

func TestMetrics_ObserveHTTP(t *testing.T) {
	metrics, wrapper := newTestMetrics(t)

	wrapper.ObserveHTTP("predict", http.StatusOK)
	wrapper.ObserveHTTP("predict", http.StatusBadRequest)
	metrics.ObserveHTTP("predict", http.StatusOK)

	if v := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("predict", "200")); v != 2 {
		t.Errorf("Expected 2 OK requests, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("predict", "400")); v != 1 {
		t.Errorf("Expected 1 bad request, got %f", v)
	}
}

func TestMetrics_TotalsAndErrorRate(t *testing.T) {
	metrics, wrapper := newTestMetrics(t)

	if rate := metrics.ErrorRate(); rate != 0 {
		t.Errorf("Expected 0 error rate before any classification, got %f", rate)
	}

	for i := 0; i < 6; i++ {
		wrapper.MLPredictionsInc(1)
	}
	for i := 0; i < 3; i++ {
		wrapper.MLPredictionsInc(0)
	}
	wrapper.MLFailuresInc()

	confirmed, falsePositive, failures := metrics.Totals()
	if confirmed != 6 || falsePositive != 3 || failures != 1 {
		t.Errorf("Unexpected totals: %f %f %f", confirmed, falsePositive, failures)
	}
	if rate := metrics.ErrorRate(); rate != 0.1 {
		t.Errorf("Expected error rate 0.1, got %f", rate)
	}
}

func TestMetrics_TotalsWithoutGatherer(t *testing.T) {
	metrics := NewWithRegistry(registererOnly{prometheus.NewRegistry()})
	NewWrapper(metrics).MLPredictionsInc(1)

	if c, f, e := metrics.Totals(); c != 0 || f != 0 || e != 0 {
		t.Errorf("Expected zero totals without a gatherer, got %f %f %f", c, f, e)
	}
}

type registererOnly struct{ r *prometheus.Registry }

func (r registererOnly) Register(c prometheus.Collector) error   { return r.r.Register(c) }
func (r registererOnly) MustRegister(cs ...prometheus.Collector) { r.r.MustRegister(cs...) }
func (r registererOnly) Unregister(c prometheus.Collector) bool  { return r.r.Unregister(c) }

func TestMetricsWrapper_ConcurrentAccess(t *testing.T) {
	metrics, wrapper := newTestMetrics(t)

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func(label int) {
			for j := 0; j < 100; j++ {
				wrapper.MLPredictionsInc(label % 2)
				wrapper.MLLatencyObserve(0.01)
			}
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	confirmed := testutil.ToFloat64(metrics.Classifications.WithLabelValues(LabelConfirmed))
	falsePositive := testutil.ToFloat64(metrics.Classifications.WithLabelValues(LabelFalsePositive))
	if confirmed != 500 || falsePositive != 500 {
		t.Errorf("Expected 500/500 after concurrent access, got %f/%f", confirmed, falsePositive)
	}
}

func TestMetricsWrapper_NilGuard(t *testing.T) {
	wrapper := &MetricsWrapper{m: nil}

	// NewWrapper ensures m is never nil
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic when accessing nil metrics")
		}
	}()

	wrapper.MLFailuresInc()
}

func BenchmarkMetricsWrapper_MLPredictionsInc(b *testing.B) {
	_, wrapper := newTestMetrics(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wrapper.MLPredictionsInc(i % 2)
	}
}

func BenchmarkMetricsWrapper_MLLatencyObserve(b *testing.B) {
	_, wrapper := newTestMetrics(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wrapper.MLLatencyObserve(0.01)
	}
}
