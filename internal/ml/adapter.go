package ml

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"koi-vetter/internal/features"
)

// MetricsInterface defines the metrics the adapter reports.
type MetricsInterface interface {
	MLPredictionsInc(label int)
	MLFailuresInc()
	MLRejectionsInc()
	MLOutOfRangeInc(feature string)
	MLLatencyObserve(float64)
	MLModelAgeSet(float64)
	MLPredictionScoresObserve(float64)
	MLCacheHitsInc()
}

// ModelConfig selects and tunes the backend.
type ModelConfig struct {
	Kind           string        // forest, logistic, joblib, remote; empty infers from Path
	Path           string        // artifact path, or base URL for remote
	PythonPath     string        // joblib only; searched when empty
	CacheSize      int           // 0 disables the result cache
	Timeout        time.Duration // per-call bound for joblib and remote
	StartupTimeout time.Duration // worker handshake / remote readiness
}

// HealthStatus summarizes the adapter for the health endpoints.
type HealthStatus struct {
	Healthy         bool      `json:"healthy"`
	LastCheck       time.Time `json:"last_check"`
	ModelLoaded     bool      `json:"model_loaded"`
	ModelKind       string    `json:"model_kind"`
	ModelVersion    string    `json:"model_version"`
	PredictionCount int64     `json:"prediction_count"`
	RejectionCount  int64     `json:"rejection_count"`
	ErrorRate       float64   `json:"error_rate"`
	CacheHitRate    float64   `json:"cache_hit_rate"`
	AverageLatency  float64   `json:"average_latency_ms"`
	LastError       string    `json:"last_error,omitempty"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
}

// Adapter owns the loaded model. It is constructed once at startup and
// passed to every handler; after construction nothing in it changes except
// counters and the result cache, both of which are safe for concurrent use.
type Adapter struct {
	model   Model
	info    ModelInfo
	cache   *lru.Cache[[features.Size]uint64, PredictionResult]
	metrics MetricsInterface
	start   time.Time

	predictions  atomic.Int64
	rejections   atomic.Int64
	errors       atomic.Int64
	cacheHits    atomic.Int64
	cacheLookups atomic.Int64
	latencyNanos atomic.Int64
	lastError    atomic.Value // string

	closeOnce sync.Once
}

// Load builds the adapter for cfg. Any failure is a ModelUnavailableError;
// callers should treat it as fatal and not serve.
func Load(ctx context.Context, cfg ModelConfig, metrics MetricsInterface) (*Adapter, error) {
	kind, err := resolveKind(cfg)
	if err != nil {
		return nil, unavailable(cfg.Kind, cfg.Path, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}

	info := ModelInfo{
		Kind:     kind,
		Path:     cfg.Path,
		Features: features.Names(),
		LoadedAt: time.Now(),
	}

	var model Model
	switch kind {
	case KindForest:
		f, version, err := LoadForest(cfg.Path)
		if err != nil {
			return nil, unavailable(kind, cfg.Path, err)
		}
		model, info.Version = f, version
	case KindLogistic:
		l, version, err := LoadLogistic(cfg.Path)
		if err != nil {
			return nil, unavailable(kind, cfg.Path, err)
		}
		model, info.Version = l, version
	case KindJoblib:
		j, err := StartJoblib(cfg.Path, cfg.PythonPath, cfg.StartupTimeout, cfg.Timeout)
		if err != nil {
			return nil, unavailable(kind, cfg.Path, err)
		}
		model = j
	case KindRemote:
		r, err := DialRemote(ctx, cfg.Path, cfg.Timeout, cfg.StartupTimeout)
		if err != nil {
			return nil, unavailable(kind, cfg.Path, err)
		}
		model = r
		info.Version, info.TrainedAt, info.Accuracy = r.Info.Version, r.Info.TrainedAt, r.Info.Accuracy
	}

	if kind != KindRemote {
		if st, err := os.Stat(cfg.Path); err == nil {
			info.ModifiedAt = st.ModTime()
		}
		// The sidecar is optional, but one that exists must parse and, when
		// it declares columns, must declare the canonical order.
		md, err := loadModelMetadata(cfg.Path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			closeModel(model)
			return nil, unavailable(kind, cfg.Path, fmt.Errorf("metadata: %w", err))
		default:
			if len(md.Features) > 0 {
				if err := checkColumnOrder(md.Features); err != nil {
					closeModel(model)
					return nil, unavailable(kind, cfg.Path, fmt.Errorf("metadata: %w", err))
				}
			}
			if md.Version != "" {
				info.Version = md.Version
			}
			if !md.TrainedAt.IsZero() {
				info.TrainedAt = md.TrainedAt
			}
			if md.Accuracy > 0 {
				info.Accuracy = md.Accuracy
			}
		}
	}
	if info.Version == "" {
		info.Version = "unknown"
	}

	a, err := NewAdapter(model, info, cfg.CacheSize, metrics)
	if err != nil {
		closeModel(model)
		return nil, unavailable(kind, cfg.Path, err)
	}

	if metrics != nil && !info.ModifiedAt.IsZero() {
		metrics.MLModelAgeSet(time.Since(info.ModifiedAt).Seconds())
	}
	log.Info().
		Str("kind", info.Kind).
		Str("model_path", info.Path).
		Str("version", info.Version).
		Int("cache_size", cfg.CacheSize).
		Msg("model loaded")
	return a, nil
}

// NewAdapter wraps an already constructed model.
func NewAdapter(model Model, info ModelInfo, cacheSize int, metrics MetricsInterface) (*Adapter, error) {
	if model == nil {
		return nil, errors.New("nil model")
	}
	a := &Adapter{model: model, info: info, metrics: metrics, start: time.Now()}
	if cacheSize > 0 {
		c, err := lru.New[[features.Size]uint64, PredictionResult](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("result cache: %w", err)
		}
		a.cache = c
	}
	return a, nil
}

func resolveKind(cfg ModelConfig) (string, error) {
	if cfg.Path == "" {
		return "", errors.New("no model path configured")
	}
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	switch kind {
	case KindForest, KindLogistic, KindJoblib, KindRemote:
		return kind, nil
	case "", "auto":
	default:
		return "", fmt.Errorf("unsupported model kind %q", cfg.Kind)
	}

	if strings.HasPrefix(cfg.Path, "http://") || strings.HasPrefix(cfg.Path, "https://") {
		return KindRemote, nil
	}
	switch strings.ToLower(filepath.Ext(cfg.Path)) {
	case ".joblib", ".pkl":
		return KindJoblib, nil
	case ".json":
		data, err := os.ReadFile(cfg.Path)
		if err != nil {
			return "", err
		}
		h, err := readHeader(data)
		if err != nil {
			return "", err
		}
		if h.Kind == KindForest || h.Kind == KindLogistic {
			return h.Kind, nil
		}
		return "", fmt.Errorf("artifact declares unknown kind %q", h.Kind)
	}
	return "", fmt.Errorf("cannot infer model kind from %q", cfg.Path)
}

// Classify implements Classifier.
func (a *Adapter) Classify(v features.FeatureVector) (PredictionResult, error) {
	return a.ClassifyContext(context.Background(), v)
}

// ClassifyValues checks shape before classifying a raw slice.
func (a *Adapter) ClassifyValues(values []float64) (PredictionResult, error) {
	v, err := features.FromSlice(values)
	if err != nil {
		a.reject(err)
		return PredictionResult{}, err
	}
	return a.Classify(v)
}

// ClassifyContext classifies v, bounding backend calls by ctx.
func (a *Adapter) ClassifyContext(ctx context.Context, v features.FeatureVector) (PredictionResult, error) {
	if a == nil || a.model == nil {
		return PredictionResult{}, unavailable("", "", errors.New("classifier not initialized"))
	}
	if err := v.Validate(); err != nil {
		a.reject(err)
		return PredictionResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return PredictionResult{}, err
	}

	start := time.Now()
	defer func() {
		d := time.Since(start)
		a.latencyNanos.Add(int64(d))
		if a.metrics != nil {
			a.metrics.MLLatencyObserve(d.Seconds())
		}
	}()

	if a.metrics != nil {
		for _, name := range v.OutOfRange() {
			a.metrics.MLOutOfRangeInc(name)
		}
	}

	key := v.Key()
	if a.cache != nil {
		a.cacheLookups.Add(1)
		if r, ok := a.cache.Get(key); ok {
			a.cacheHits.Add(1)
			if a.metrics != nil {
				a.metrics.MLCacheHitsInc()
			}
			a.record(r)
			return r, nil
		}
	}

	r, err := a.model.Predict(ctx, v)
	if err == nil {
		r, err = r.check()
	}
	if err != nil {
		a.fail(err)
		log.Error().Err(err).Str("kind", a.info.Kind).Stringer("features", v).Msg("classification failed")
		return PredictionResult{}, fmt.Errorf("classify: %w", err)
	}

	if a.cache != nil {
		a.cache.Add(key, r)
	}
	a.record(r)

	log.Debug().
		Stringer("features", v).
		Int("label", r.Label).
		Floats64("probabilities", r.Probabilities[:]).
		Msg("classification successful")
	return r, nil
}

func (a *Adapter) record(r PredictionResult) {
	a.predictions.Add(1)
	if a.metrics != nil {
		a.metrics.MLPredictionsInc(r.Label)
		a.metrics.MLPredictionScoresObserve(r.Probabilities[Confirmed])
	}
}

func (a *Adapter) reject(err error) {
	a.rejections.Add(1)
	if a.metrics != nil {
		a.metrics.MLRejectionsInc()
	}
	log.Debug().Err(err).Msg("feature vector rejected")
}

func (a *Adapter) fail(err error) {
	a.errors.Add(1)
	a.lastError.Store(err.Error())
	if a.metrics != nil {
		a.metrics.MLFailuresInc()
	}
}

// Info describes the loaded model.
func (a *Adapter) Info() ModelInfo {
	info := a.info
	info.Features = append([]string(nil), a.info.Features...)
	return info
}

// Health reports counters gathered since startup.
func (a *Adapter) Health() HealthStatus {
	predictions := a.predictions.Load()
	errs := a.errors.Load()
	attempts := predictions + errs

	status := HealthStatus{
		LastCheck:       time.Now(),
		ModelLoaded:     a.model != nil,
		ModelKind:       a.info.Kind,
		ModelVersion:    a.info.Version,
		PredictionCount: predictions,
		RejectionCount:  a.rejections.Load(),
		UptimeSeconds:   time.Since(a.start).Seconds(),
	}
	if attempts > 0 {
		status.ErrorRate = float64(errs) / float64(attempts)
		status.AverageLatency = float64(a.latencyNanos.Load()) / float64(attempts) / float64(time.Millisecond)
	}
	if lookups := a.cacheLookups.Load(); lookups > 0 {
		status.CacheHitRate = float64(a.cacheHits.Load()) / float64(lookups)
	}
	if s, ok := a.lastError.Load().(string); ok {
		status.LastError = s
	}
	status.Healthy = status.ModelLoaded && status.ErrorRate < 0.1
	return status
}

// Close releases backend resources such as the Python worker.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = closeModel(a.model)
	})
	return err
}

func closeModel(m Model) error {
	if c, ok := m.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
