package ml

import "sync"

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu               sync.Mutex
	predictions      int
	labels           map[int]int
	failures         int
	rejections       int
	outOfRange       map[string]int
	cacheHits        int
	latencySum       float64
	latencyCount     int
	modelAge         float64
	predictionScores []float64
}

func (m *MockMetrics) MLPredictionsInc(label int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions++
	if m.labels == nil {
		m.labels = make(map[int]int)
	}
	m.labels[label]++
}

func (m *MockMetrics) MLFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *MockMetrics) MLRejectionsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections++
}

func (m *MockMetrics) MLOutOfRangeInc(feature string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outOfRange == nil {
		m.outOfRange = make(map[string]int)
	}
	m.outOfRange[feature]++
}

func (m *MockMetrics) MLLatencyObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencySum += v
	m.latencyCount++
}

func (m *MockMetrics) MLModelAgeSet(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelAge = v
}

func (m *MockMetrics) MLPredictionScoresObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictionScores = append(m.predictionScores, v)
}

func (m *MockMetrics) MLCacheHitsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
}

type mockCounts struct {
	predictions  int
	failures     int
	rejections   int
	cacheHits    int
	latencyCount int
	modelAge     float64
}

func (m *MockMetrics) snapshot() mockCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return mockCounts{
		predictions:  m.predictions,
		failures:     m.failures,
		rejections:   m.rejections,
		cacheHits:    m.cacheHits,
		latencyCount: m.latencyCount,
		modelAge:     m.modelAge,
	}
}
