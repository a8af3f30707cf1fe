package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"koi-vetter/internal/api"
	"koi-vetter/internal/common"
	"koi-vetter/internal/features"
	"koi-vetter/internal/metrics"
	"koi-vetter/internal/ml"
	"koi-vetter/internal/storage"
)

func newEngine(t *testing.T, m ml.MetricsInterface) *api.Engine {
	t.Helper()
	f, err := ml.NewForest(ml.TreeSpec{Nodes: []ml.TreeNode{
		{Feature: features.PlanetRadius, Threshold: 10, Left: 1, Right: 2},
		{Left: -1, Right: -1, Value: []float64{0.0433, 0.9567}},
		{Left: -1, Right: -1, Value: []float64{0.9, 0.1}},
	}})
	require.NoError(t, err)
	a, err := ml.NewAdapter(f, ml.ModelInfo{Kind: ml.KindForest, Version: "dash-1", Features: features.Names()}, 0, m)
	require.NoError(t, err)
	return api.NewEngine(a, nil, 0)
}

type fakeHistory struct {
	mu      sync.Mutex
	records []storage.Record
	err     error
	asked   int
}

func (f *fakeHistory) Recent(n int) ([]storage.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = n
	if f.err != nil {
		return nil, f.err
	}
	if n > len(f.records) {
		n = len(f.records)
	}
	return f.records[:n], nil
}

func (f *fakeHistory) lastAsked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.asked
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestDashboard_Page(t *testing.T) {
	d := New(newEngine(t, nil), Options{})
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var sb strings.Builder
	_, err = io.Copy(&sb, resp.Body)
	require.NoError(t, err)
	page := sb.String()
	for _, slot := range features.Slots() {
		assert.Contains(t, page, `id="`+slot.Name+`"`)
		assert.Contains(t, page, slot.Label)
	}
	assert.Contains(t, page, `type="range"`)
	assert.Contains(t, page, "dash-1")
}

func TestDashboard_ClassifiesOverWebSocket(t *testing.T) {
	d := New(newEngine(t, nil), Options{})
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()
	conn := dial(t, srv)

	hello := readEnvelope(t, conn)
	require.Equal(t, TypeSnapshot, hello.Type)
	require.NotNil(t, hello.Snapshot)
	assert.Equal(t, 1, hello.Snapshot.Clients)
	assert.Nil(t, hello.Snapshot.Last)

	require.NoError(t, conn.WriteJSON(ml.ClassifyRequest{Features: features.Defaults().Slice()}))
	env := readEnvelope(t, conn)
	require.Equal(t, TypeVerdict, env.Type)
	require.NotNil(t, env.Verdict)
	assert.Equal(t, ml.Confirmed, env.Verdict.Label)
	assert.Equal(t, "CONFIRMED PLANET", env.Verdict.Text)
	assert.Equal(t, "95.67%", env.Verdict.Confidence)

	giant := features.Defaults().Named()
	giant["planet_radius"] = 15
	require.NoError(t, conn.WriteJSON(ml.ClassifyRequest{Values: giant}))
	env = readEnvelope(t, conn)
	require.Equal(t, TypeVerdict, env.Type)
	assert.Equal(t, "FALSE POSITIVE", env.Verdict.Text)
	assert.Equal(t, "90.00%", env.Verdict.Confidence)

	snap := d.Snapshot()
	assert.Equal(t, 1.0, snap.Confirmed)
	assert.Equal(t, 1.0, snap.FalsePositive)
	require.NotNil(t, snap.Last)
	assert.Equal(t, "FALSE POSITIVE", snap.Last.Text)
}

func TestDashboard_BadMessages(t *testing.T) {
	d := New(newEngine(t, nil), Options{})
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()
	conn := dial(t, srv)
	readEnvelope(t, conn)

	tests := []struct {
		name string
		msg  string
		want string
		slot string
	}{
		{"not json", `{features`, "invalid message", ""},
		{"short vector", `{"features":[30,3,1000,2.5,5700,4.5]}`, "expected 7 features, got 6", ""},
		{"missing named", `{"values":{"period":30}}`, "missing feature", "duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.msg)))
			env := readEnvelope(t, conn)
			require.Equal(t, TypeError, env.Type)
			require.NotNil(t, env.Error)
			assert.Contains(t, env.Error.Error, tt.want)
			assert.Equal(t, tt.slot, env.Error.Slot)
		})
	}

	assert.Nil(t, d.Snapshot().Last, "nothing was classified")
}

func TestDashboard_BroadcastReachesEveryClient(t *testing.T) {
	d := New(newEngine(t, nil), Options{})
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	first := dial(t, srv)
	readEnvelope(t, first)
	second := dial(t, srv)
	readEnvelope(t, second)
	require.Equal(t, 2, d.ClientCount())

	d.Broadcast()
	for _, conn := range []*websocket.Conn{first, second} {
		env := readEnvelope(t, conn)
		require.Equal(t, TypeSnapshot, env.Type)
		assert.Equal(t, 2, env.Snapshot.Clients)
		assert.Equal(t, "dash-1", env.Snapshot.Model.Version)
	}

	first.Close()
	assert.Eventually(t, func() bool { return d.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDashboard_MetricsAndClientGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	wrapper := metrics.NewWrapper(m)

	d := New(newEngine(t, wrapper), Options{Metrics: wrapper})
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	readEnvelope(t, conn)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSClients))

	require.NoError(t, conn.WriteJSON(ml.ClassifyRequest{Features: features.Defaults().Slice()}))
	readEnvelope(t, conn)

	snap := d.Snapshot()
	assert.Equal(t, 1.0, snap.Confirmed)
	assert.Equal(t, 0.0, snap.Failures)
	assert.Equal(t, 0.0, snap.ErrorRate)

	wrapper.MLFailuresInc()
	snap = d.Snapshot()
	assert.Equal(t, 1.0, snap.Failures)
	assert.Equal(t, 0.5, snap.ErrorRate)
	assert.Equal(t, m.ErrorRate(), snap.ErrorRate)

	conn.Close()
	assert.Eventually(t, func() bool { return testutil.ToFloat64(m.WSClients) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.HTTPRequests.WithLabelValues(RouteWS, "101")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDashboard_History(t *testing.T) {
	engine := newEngine(t, nil)
	v := features.Defaults()
	r, err := engine.Service().ClassifyContext(context.Background(), v)
	require.NoError(t, err)
	history := &fakeHistory{records: []storage.Record{
		storage.NewRecord(common.SourceDashboard, v, r, "dash-1"),
		storage.NewRecord(common.SourceForm, v, r, "dash-1"),
	}}

	d := New(engine, Options{History: history, HistoryLimit: 10})
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/history?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var records []storage.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	assert.Len(t, records, 1)
	assert.Equal(t, 1, history.lastAsked())

	resp2, err := http.Get(srv.URL + "/api/history?limit=500")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, 10, history.lastAsked(), "limit is capped")

	resp3, err := http.Get(srv.URL + "/api/history?limit=zero")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)

	snap := d.Snapshot()
	require.NotNil(t, snap.History)
	assert.Equal(t, 2, snap.History.Total)
	assert.Equal(t, 2, snap.History.Confirmed)

	history.mu.Lock()
	history.err = errors.New("disk gone")
	history.mu.Unlock()
	resp4, err := http.Get(srv.URL + "/api/history")
	require.NoError(t, err)
	resp4.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp4.StatusCode)
	assert.Nil(t, d.Snapshot().History)
}

func TestDashboard_HistoryDisabled(t *testing.T) {
	d := New(newEngine(t, nil), Options{})
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDashboard_MountsAPI(t *testing.T) {
	d := New(newEngine(t, nil), Options{})
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + ml.PathModel)
	require.NoError(t, err)
	defer resp.Body.Close()
	var info ml.ModelInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "dash-1", info.Version)
}

func TestDashboard_StartStop(t *testing.T) {
	d := New(newEngine(t, nil), Options{Addr: "127.0.0.1:0", Interval: 10 * time.Millisecond})
	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second start is refused")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	require.NoError(t, d.Stop(ctx), "stop is idempotent")
}

func TestDashboard_RestartAfterStop(t *testing.T) {
	d := New(newEngine(t, nil), Options{Addr: "127.0.0.1:0", Interval: 10 * time.Millisecond})

	for i := 0; i < 2; i++ {
		require.NoError(t, d.Start(), "start %d", i)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, d.Stop(ctx), "stop %d", i)
		cancel()
	}
}

func TestDashboard_StopSendsCloseFrame(t *testing.T) {
	d := New(newEngine(t, nil), Options{})
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	readEnvelope(t, conn)
	require.Equal(t, 1, d.ClientCount())

	d.closeClients()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, 0, d.ClientCount())
}
