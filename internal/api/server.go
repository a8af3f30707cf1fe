package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"koi-vetter/internal/common"
	"koi-vetter/internal/features"
	"koi-vetter/internal/ml"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Route names, used as the handler label of the request metrics.
const (
	RouteClassify = "classify"
	RouteModel    = "model"
	RouteHealth   = "health"
)

// Server exposes the JSON classification API.
type Server struct {
	engine *Engine
}

// NewServer creates the JSON API handlers.
func NewServer(engine *Engine) *Server {
	return &Server{engine: engine}
}

// Register mounts the API on r.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc(ml.PathClassify, s.handleClassify).Methods(http.MethodPost).Name(RouteClassify)
	r.HandleFunc(ml.PathModel, s.handleModelInfo).Methods(http.MethodGet).Name(RouteModel)
	r.HandleFunc(ml.PathHealth, s.handleHealth).Methods(http.MethodGet).Name(RouteHealth)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req ml.ClassifyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	v, err := req.Vector()
	if err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = RequestIDFrom(r.Context())
	}

	resp, err := s.engine.Classify(r.Context(), common.SourceAPI, v, req.RequestID)
	if err != nil {
		log.Error().Err(err).Str("request_id", req.RequestID).Msg("classification failed")
		WriteError(w, StatusFor(err), err)
		return
	}

	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.engine.Service().Health()

	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, health)
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.engine.Service().Info())
}

// StatusFor maps a classification error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case features.IsInputShape(err):
		return http.StatusBadRequest
	case errors.Is(err, ml.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

// WriteError writes an ErrorResponse. For input errors naming a slot, the
// slot's feature name is included.
func WriteError(w http.ResponseWriter, status int, err error) {
	resp := ml.ErrorResponse{Error: err.Error()}
	var shape *ml.InputShapeError
	if errors.As(err, &shape) && shape.Slot >= 0 && shape.Slot < features.Size {
		resp.Slot = features.Names()[shape.Slot]
	}
	WriteJSON(w, status, resp)
}
