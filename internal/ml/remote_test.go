package ml

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"koi-vetter/internal/features"
)

// peer serves the classify API from a local forest.
func peer(t *testing.T, columns []string, notReadyFor int32) *httptest.Server {
	t.Helper()
	f, _, err := LoadForest("testdata/forest/model.json")
	require.NoError(t, err)

	var probes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(PathHealth, func(w http.ResponseWriter, r *http.Request) {
		if probes.Add(1) <= notReadyFor {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(PathModel, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ModelInfo{Kind: KindForest, Version: "peer-1", Features: columns})
	})
	mux.HandleFunc(PathClassify, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var req ClassifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
			return
		}
		v, err := req.Vector()
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
			return
		}
		res, _ := f.Predict(r.Context(), v)
		json.NewEncoder(w).Encode(ClassifyResponse{Label: res.Label, Probabilities: res.Probabilities})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemote_Classify(t *testing.T) {
	srv := peer(t, features.Names(), 2)

	a, err := Load(context.Background(), ModelConfig{Path: srv.URL, StartupTimeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, KindRemote, a.Info().Kind)
	assert.Equal(t, "peer-1", a.Info().Version)

	r, err := a.Classify(features.Defaults())
	require.NoError(t, err)
	assert.Equal(t, Confirmed, r.Label)
	assert.InDelta(t, 0.775, r.Probabilities[1], 1e-12)
}

func TestRemote_ColumnMismatch(t *testing.T) {
	cols := features.Names()
	cols[0], cols[1] = cols[1], cols[0]
	srv := peer(t, cols, 0)

	_, err := Load(context.Background(), ModelConfig{Path: srv.URL}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelUnavailable))
	assert.Contains(t, err.Error(), `column 0 is "duration", expected period`)
}

func TestRemote_ModelInfoWithoutContentType(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathHealth, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(PathModel, func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		data, _ := json.Marshal(ModelInfo{Kind: KindForest, Version: "bare-1", Features: features.Names()})
		w.Write(data)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m, err := DialRemote(context.Background(), srv.URL, time.Second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "bare-1", m.Info.Version)
	assert.Equal(t, features.Names(), m.Info.Features)
}

func TestRemote_NeverReady(t *testing.T) {
	srv := peer(t, features.Names(), 1<<30)

	start := time.Now()
	_, err := DialRemote(context.Background(), srv.URL, time.Second, 300*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRemote_RejectsBadURL(t *testing.T) {
	_, err := DialRemote(context.Background(), "ftp://example.org", time.Second, time.Second)
	assert.Error(t, err)
}

func TestRemote_PeerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathClassify, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "model offline"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := &RemoteModel{base: srv.URL}
	m.rest = newRemoteClient(srv.URL, time.Second)
	_, err := m.Predict(context.Background(), features.Defaults())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model offline")
}
