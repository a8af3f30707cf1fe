// Package dashboard provides the reactive front end of koi-vetter: a slider
// page that classifies every change over a WebSocket and a periodic
// activity snapshot streamed to all connected clients.
//
// The package serves the page, the WebSocket channel, the recent history
// and the shared JSON API on one router.
package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"koi-vetter/internal/api"
	"koi-vetter/internal/common"
	"koi-vetter/internal/features"
	"koi-vetter/internal/metrics"
	"koi-vetter/internal/ml"
	"koi-vetter/internal/storage"
)

//go:embed templates/dashboard.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/dashboard.html"))

// Route names, used as the handler label of the request metrics.
const (
	RouteIndex   = "dashboard"
	RouteWS      = "ws"
	RouteHistory = "history"
	RouteMetrics = "metrics"
)

// Message types sent to clients.
const (
	TypeVerdict  = "verdict"
	TypeError    = "error"
	TypeSnapshot = "snapshot"
)

const (
	sendBuffer     = 16
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// HistoryReader lists recent classifications. *storage.Store implements it.
type HistoryReader interface {
	Recent(n int) ([]storage.Record, error)
}

// Options configures a Dashboard. Every field but Addr is optional.
type Options struct {
	Addr           string
	Metrics        *metrics.MetricsWrapper
	MetricsHandler http.Handler
	History        HistoryReader
	HistoryLimit   int
	Interval       time.Duration
	API            api.Options
}

// Snapshot is the activity summary broadcast to every client.
type Snapshot struct {
	Timestamp     time.Time            `json:"timestamp"`
	Clients       int                  `json:"clients"`
	Confirmed     float64              `json:"confirmed"`
	FalsePositive float64              `json:"false_positive"`
	Failures      float64              `json:"failures"`
	ErrorRate     float64              `json:"error_rate"`
	Last          *ml.ClassifyResponse `json:"last,omitempty"`
	Model         ml.ModelInfo         `json:"model"`
	History       *storage.Summary     `json:"history,omitempty"`
}

// Envelope is every server to client message.
type Envelope struct {
	Type     string               `json:"type"`
	Verdict  *ml.ClassifyResponse `json:"verdict,omitempty"`
	Error    *ml.ErrorResponse    `json:"error,omitempty"`
	Snapshot *Snapshot            `json:"snapshot,omitempty"`
}

// client is one WebSocket connection. Only its writer goroutine touches
// the connection for writing, and it closes the connection once done is
// closed and the close frame has gone out.
type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Dashboard serves the slider page and its live channel.
type Dashboard struct {
	engine *api.Engine
	opts   Options
	router *mux.Router
	server *http.Server

	upgrader  websocket.Upgrader
	clients   map[*client]struct{}
	clientsMu sync.RWMutex

	last          atomic.Pointer[ml.ClassifyResponse]
	confirmed     atomic.Int64
	falsePositive atomic.Int64
	failures      atomic.Int64

	stopChannel chan struct{}
	isRunning   bool
	mu          sync.Mutex
	wg          sync.WaitGroup
}

// New creates a dashboard with its routes. It does not listen until Start.
func New(engine *api.Engine, opts Options) *Dashboard {
	if opts.Interval <= 0 {
		opts.Interval = common.DefaultBroadcastInterval
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = common.DefaultHistoryLimit
	}
	if opts.Metrics != nil && opts.API.Observer == nil {
		opts.API.Observer = opts.Metrics
	}

	d := &Dashboard{
		engine:   engine,
		opts:     opts,
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*client]struct{}),
	}

	api.Use(d.router, opts.API)
	d.router.HandleFunc("/", d.handleDashboard).Methods(http.MethodGet).Name(RouteIndex)
	d.router.HandleFunc("/ws", d.handleWebSocket).Methods(http.MethodGet).Name(RouteWS)
	d.router.HandleFunc("/api/history", d.handleHistory).Methods(http.MethodGet).Name(RouteHistory)
	api.NewServer(engine).Register(d.router)
	if opts.MetricsHandler != nil {
		d.router.Handle("/metrics", opts.MetricsHandler).Methods(http.MethodGet).Name(RouteMetrics)
	}
	return d
}

// Handler returns the router, for tests and embedding.
func (d *Dashboard) Handler() http.Handler {
	return d.router
}

// Start starts the broadcaster and the HTTP server. A stopped dashboard
// can be started again.
func (d *Dashboard) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isRunning {
		return errors.New("dashboard is already running")
	}

	// A shut down http.Server cannot serve again.
	d.stopChannel = make(chan struct{})
	d.server = &http.Server{
		Addr:         d.opts.Addr,
		Handler:      d.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	d.wg.Add(1)
	go d.broadcaster(d.stopChannel)

	srv := d.server
	go func() {
		log.Info().
			Str("address", srv.Addr).
			Msg("Starting dashboard server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Dashboard server failed")
		}
	}()

	d.isRunning = true
	return nil
}

// Stop closes every client and shuts the server down.
func (d *Dashboard) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isRunning {
		return nil
	}

	close(d.stopChannel)
	d.wg.Wait()
	d.closeClients()
	d.isRunning = false

	if err := d.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown dashboard server")
		return err
	}

	log.Info().Msg("Dashboard stopped")
	return nil
}

// ClientCount returns the number of connected WebSocket clients.
func (d *Dashboard) ClientCount() int {
	d.clientsMu.RLock()
	defer d.clientsMu.RUnlock()
	return len(d.clients)
}

func (d *Dashboard) broadcaster(stop <-chan struct{}) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.Broadcast()
		case <-stop:
			return
		}
	}
}

// Broadcast sends the current snapshot to every connected client.
func (d *Dashboard) Broadcast() {
	snap := d.Snapshot()
	data, err := json.Marshal(Envelope{Type: TypeSnapshot, Snapshot: &snap})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot for broadcast")
		return
	}

	d.clientsMu.RLock()
	defer d.clientsMu.RUnlock()
	for c := range d.clients {
		d.enqueue(c, data)
	}
}

// Snapshot collects the activity summary. Counts come from the Prometheus
// collectors when configured, otherwise from this dashboard's own traffic.
func (d *Dashboard) Snapshot() Snapshot {
	snap := Snapshot{
		Timestamp: time.Now().UTC(),
		Clients:   d.ClientCount(),
		Last:      d.last.Load(),
		Model:     d.engine.Service().Info(),
	}

	if d.opts.Metrics != nil {
		m := d.opts.Metrics.Metrics()
		snap.Confirmed, snap.FalsePositive, snap.Failures = m.Totals()
		snap.ErrorRate = m.ErrorRate()
	} else {
		snap.Confirmed = float64(d.confirmed.Load())
		snap.FalsePositive = float64(d.falsePositive.Load())
		snap.Failures = float64(d.failures.Load())
		if total := snap.Confirmed + snap.FalsePositive + snap.Failures; total > 0 {
			snap.ErrorRate = snap.Failures / total
		}
	}

	if d.opts.History != nil {
		records, err := d.opts.History.Recent(d.opts.HistoryLimit)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read history for snapshot")
		} else {
			summary := storage.Summarize(records)
			snap.History = &summary
		}
	}
	return snap
}

func (d *Dashboard) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Slots []features.Slot
		Model ml.ModelInfo
	}{features.Slots(), d.engine.Service().Info()}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, data); err != nil {
		log.Error().Err(err).Msg("Failed to render dashboard")
	}
}

func (d *Dashboard) handleHistory(w http.ResponseWriter, r *http.Request) {
	if d.opts.History == nil {
		api.WriteError(w, http.StatusNotFound, errors.New("history is disabled"))
		return
	}

	limit := d.opts.HistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			api.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", s))
			return
		}
		limit = min(n, d.opts.HistoryLimit)
	}

	records, err := d.opts.History.Recent(limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read history")
		api.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []storage.Record{}
	}
	api.WriteJSON(w, http.StatusOK, records)
}

func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	d.register(c)
	defer d.unregister(c)

	go d.writePump(c)

	snap := d.Snapshot()
	if data, err := json.Marshal(Envelope{Type: TypeSnapshot, Snapshot: &snap}); err == nil {
		d.enqueue(c, data)
	}

	d.readPump(r.Context(), c)
}

func (d *Dashboard) register(c *client) {
	d.clientsMu.Lock()
	d.clients[c] = struct{}{}
	d.clientsMu.Unlock()
	if d.opts.Metrics != nil {
		d.opts.Metrics.WSClients().Inc()
	}
	log.Debug().Str("remote", c.conn.RemoteAddr().String()).Msg("WebSocket client connected")
}

func (d *Dashboard) unregister(c *client) {
	d.clientsMu.Lock()
	_, ok := d.clients[c]
	delete(d.clients, c)
	d.clientsMu.Unlock()
	c.close()
	if ok && d.opts.Metrics != nil {
		d.opts.Metrics.WSClients().Dec()
	}
}

func (d *Dashboard) closeClients() {
	d.clientsMu.RLock()
	clients := make([]*client, 0, len(d.clients))
	for c := range d.clients {
		clients = append(clients, c)
	}
	d.clientsMu.RUnlock()

	for _, c := range clients {
		d.unregister(c)
	}
}

// enqueue never blocks; a client that cannot keep up loses messages.
func (d *Dashboard) enqueue(c *client, data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("WebSocket client too slow, dropping message")
	}
}

func (d *Dashboard) readPump(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("WebSocket read failed")
			}
			return
		}
		d.enqueue(c, d.classify(ctx, data))
	}
}

// classify answers one client message with a verdict or an error envelope.
func (d *Dashboard) classify(ctx context.Context, data []byte) []byte {
	var req ml.ClassifyRequest
	env := Envelope{Type: TypeVerdict}

	if err := json.Unmarshal(data, &req); err != nil {
		env = errorEnvelope(fmt.Errorf("invalid message: %w", err))
	} else if v, err := req.Vector(); err != nil {
		env = errorEnvelope(err)
	} else if resp, err := d.engine.Classify(ctx, common.SourceDashboard, v, req.RequestID); err != nil {
		d.failures.Add(1)
		log.Error().Err(err).Msg("Dashboard classification failed")
		env = errorEnvelope(err)
	} else {
		if resp.Label == ml.Confirmed {
			d.confirmed.Add(1)
		} else {
			d.falsePositive.Add(1)
		}
		d.last.Store(&resp)
		env.Verdict = &resp
	}

	out, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal dashboard reply")
		out, _ = json.Marshal(errorEnvelope(err))
	}
	return out
}

func errorEnvelope(err error) Envelope {
	resp := ml.ErrorResponse{Error: err.Error()}
	var shape *ml.InputShapeError
	if errors.As(err, &shape) && shape.Slot >= 0 && shape.Slot < features.Size {
		resp.Slot = features.Names()[shape.Slot]
	}
	return Envelope{Type: TypeError, Error: &resp}
}

func (d *Dashboard) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Msg("Failed to send message to WebSocket client")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
