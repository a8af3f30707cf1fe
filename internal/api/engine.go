// Package api holds the HTTP plumbing shared by the form and dashboard
// servers: the classification pipeline, the JSON endpoints and the
// middleware chain.
package api

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"koi-vetter/internal/features"
	"koi-vetter/internal/ml"
	"koi-vetter/internal/storage"
	"koi-vetter/internal/verdict"
)

// Recorder persists classifications. *storage.Store implements it.
type Recorder interface {
	Append(storage.Record) (storage.Record, error)
}

// Engine runs one classification end to end: model call, verdict
// formatting and the optional history write.
type Engine struct {
	svc     ml.Service
	history Recorder
	timeout time.Duration
}

// NewEngine wires the pipeline. history may be nil.
func NewEngine(svc ml.Service, history Recorder, timeout time.Duration) *Engine {
	return &Engine{svc: svc, history: history, timeout: timeout}
}

// Service returns the underlying classifier.
func (e *Engine) Service() ml.Service {
	return e.svc
}

// Classify classifies v and returns the wire response. Errors are the
// adapter's: InputShapeError, ModelUnavailableError or a wrapped backend
// failure.
func (e *Engine) Classify(ctx context.Context, source string, v features.FeatureVector, requestID string) (ml.ClassifyResponse, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	r, err := e.svc.ClassifyContext(ctx, v)
	if err != nil {
		return ml.ClassifyResponse{}, err
	}
	latency := time.Since(start)

	vd := verdict.Format(r)
	info := e.svc.Info()
	outOfRange := v.OutOfRange()
	if len(outOfRange) > 0 {
		log.Warn().
			Str("source", source).
			Strs("features", outOfRange).
			Msg("classified values outside the typical range")
	}

	if e.history != nil {
		if _, err := e.history.Append(storage.NewRecord(source, v, r, info.Version)); err != nil {
			log.Warn().Err(err).Str("source", source).Msg("failed to record classification")
		}
	}

	return ml.ClassifyResponse{
		Label:         r.Label,
		Probabilities: r.Probabilities,
		Text:          vd.Text,
		Confidence:    vd.Confidence,
		Percent:       vd.Percent,
		OutOfRange:    outOfRange,
		RequestID:     requestID,
		ModelVersion:  info.Version,
		Latency:       float64(latency.Microseconds()) / 1000,
		Timestamp:     time.Now().UTC(),
	}, nil
}
