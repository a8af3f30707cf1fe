package ml

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"koi-vetter/internal/features"
)

// KindRemote delegates to another koi-vetter instance's classify API.
const KindRemote = "remote"

// Remote API paths, shared with the api package.
const (
	PathClassify = "/api/v1/classify"
	PathModel    = "/api/v1/model"
	PathHealth   = "/health"
)

// RemoteModel calls a peer that holds the artifact.
type RemoteModel struct {
	base string
	rest *resty.Client
	Info ModelInfo
}

// DialRemote waits for the peer to report healthy, retrying with
// exponential backoff until startup elapses, then checks that the peer's
// model uses the canonical column order.
func DialRemote(ctx context.Context, baseURL string, timeout, startup time.Duration) (*RemoteModel, error) {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("remote model URL %q must be http(s)", baseURL)
	}
	r := newRemoteClient(baseURL, timeout)
	m := &RemoteModel{base: baseURL, rest: r}

	probe := func() error {
		resp, err := r.R().SetContext(ctx).Get(PathHealth)
		if err != nil {
			return fmt.Errorf("health probe: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("health probe: status %d", resp.StatusCode())
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = startup
	notify := func(err error, next time.Duration) {
		log.Warn().Err(err).Str("url", baseURL).Dur("retry_in", next).Msg("remote model not ready")
	}
	if err := backoff.RetryNotify(probe, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, fmt.Errorf("remote model unreachable after %v: %w", startup, err)
	}

	var info ModelInfo
	resp, err := r.R().SetContext(ctx).SetResult(&info).Get(PathModel)
	if err != nil {
		return nil, fmt.Errorf("fetch remote model info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch remote model info: status %d", resp.StatusCode())
	}
	if err := checkColumnOrder(info.Features); err != nil {
		return nil, err
	}
	m.Info = info
	return m, nil
}

func newRemoteClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			r.ForceContentType("application/json")
			return nil
		})
}

// Predict implements Model.
func (m *RemoteModel) Predict(ctx context.Context, v features.FeatureVector) (PredictionResult, error) {
	var out ClassifyResponse
	var apiErr ErrorResponse
	resp, err := m.rest.R().
		SetContext(ctx).
		SetBody(ClassifyRequest{Features: v.Slice()}).
		SetResult(&out).
		SetError(&apiErr).
		Post(PathClassify)
	if err != nil {
		return PredictionResult{}, fmt.Errorf("remote classify: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusOK:
		return PredictionResult{Label: out.Label, Probabilities: out.Probabilities}, nil
	case apiErr.Error != "":
		return PredictionResult{}, fmt.Errorf("remote classify: status %d: %s", resp.StatusCode(), apiErr.Error)
	default:
		return PredictionResult{}, errors.New("remote classify: status " + resp.Status())
	}
}
