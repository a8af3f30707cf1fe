// Package web serves the request/response form front end: a page with the
// seven feature inputs that posts back and re-renders with the verdict.
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"koi-vetter/internal/api"
	"koi-vetter/internal/common"
	"koi-vetter/internal/features"
	"koi-vetter/internal/ml"
	"koi-vetter/internal/verdict"
)

//go:embed templates/index.html
var templateFS embed.FS

var pageTemplate = template.Must(template.New("index.html").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(templateFS, "templates/index.html"))

// Route names, used as the handler label of the request metrics.
const (
	RouteIndex   = "index"
	RoutePredict = "predict"
	RouteMetrics = "metrics"
)

type field struct {
	Slot    features.Slot
	Value   string
	Invalid bool
}

type pageData struct {
	Fields         []field
	PredictionText string
	ConfidenceText string
	Confirmed      bool
	OutOfRange     []string
	Error          string
	Model          ml.ModelInfo
}

// Server is the form front end.
type Server struct {
	engine *api.Engine
	router *mux.Router
	server *http.Server
}

// NewServer wires the form, the JSON API and /metrics onto one router.
// metricsHandler may be nil.
func NewServer(addr string, engine *api.Engine, metricsHandler http.Handler, opts api.Options) *Server {
	s := &Server{engine: engine, router: mux.NewRouter()}

	api.Use(s.router, opts)
	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet).Name(RouteIndex)
	s.router.HandleFunc("/predict", s.handlePredict).Methods(http.MethodPost).Name(RoutePredict)
	api.NewServer(engine).Register(s.router)
	if metricsHandler != nil {
		s.router.Handle("/metrics", metricsHandler).Methods(http.MethodGet).Name(RouteMetrics)
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("starting form server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, s.page(defaultFields()))
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := r.ParseForm(); err != nil {
		data := s.page(defaultFields())
		data.Error = fmt.Sprintf("Could not read the form: %v", err)
		s.render(w, http.StatusBadRequest, data)
		return
	}

	fields := submittedFields(r)
	v, err := features.FromForm(r.PostForm)
	if err != nil {
		var shape *ml.InputShapeError
		if errors.As(err, &shape) && shape.Slot >= 0 && shape.Slot < len(fields) {
			fields[shape.Slot].Invalid = true
		}
		data := s.page(fields)
		data.Error = err.Error()
		s.render(w, http.StatusBadRequest, data)
		return
	}

	resp, err := s.engine.Classify(r.Context(), common.SourceForm, v, api.RequestIDFrom(r.Context()))
	if err != nil {
		log.Error().Err(err).Msg("form classification failed")
		data := s.page(fields)
		data.Error = "Classification failed: " + err.Error()
		s.render(w, api.StatusFor(err), data)
		return
	}

	vd := verdict.Verdict{Label: resp.Label, Text: resp.Text, Confidence: resp.Confidence, Percent: resp.Percent}
	data := s.page(fields)
	data.PredictionText = vd.Text
	data.ConfidenceText = vd.ConfidenceText()
	data.Confirmed = vd.Confirmed()
	data.OutOfRange = resp.OutOfRange
	s.render(w, http.StatusOK, data)
}

func (s *Server) page(fields []field) pageData {
	return pageData{Fields: fields, Model: s.engine.Service().Info()}
}

func (s *Server) render(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, data); err != nil {
		log.Error().Err(err).Msg("failed to render form page")
	}
}

func defaultFields() []field {
	slots := features.Slots()
	defaults := features.Defaults()
	fields := make([]field, len(slots))
	for i, slot := range slots {
		fields[i] = field{Slot: slot, Value: strconv.FormatFloat(defaults[i], 'f', -1, 64)}
	}
	return fields
}

// submittedFields echoes what the user typed, under either name.
func submittedFields(r *http.Request) []field {
	fields := defaultFields()
	for i := range fields {
		slot := fields[i].Slot
		if v, ok := r.PostForm[slot.Name]; ok && len(v) > 0 {
			fields[i].Value = v[0]
		} else if v, ok := r.PostForm[slot.Alias]; ok && len(v) > 0 {
			fields[i].Value = v[0]
		} else {
			fields[i].Value = ""
		}
	}
	return fields
}
