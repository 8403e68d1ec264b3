package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cyphalnode/config"
	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/metric"
	"github.com/c360/cyphalnode/mirror"
	"github.com/c360/cyphalnode/node"
	"github.com/c360/cyphalnode/stack"
	"github.com/c360/cyphalnode/transport/transporttest"
)

func newNode(t *testing.T, registry *metric.MetricsRegistry) *stack.Stack {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Name = "gw"
	cfg.Network.LockTimeout = 50 * time.Millisecond
	cfg.Queue.PopTimeout = 20 * time.Millisecond
	s, err := stack.New(stack.Deps{Config: cfg, Listen: (&transporttest.Network{}).Listen, MetricsRegistry: registry})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(time.Second) })
	return s
}

func newGateway(t *testing.T, n Node, registry *metric.MetricsRegistry) *Gateway {
	t.Helper()
	g, err := New(Deps{Node: n, MetricsRegistry: registry})
	require.NoError(t, err)
	return g
}

func do(t *testing.T, g *Gateway, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresNode(t *testing.T) {
	_, err := New(Deps{})
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
}

func TestGetOrGenerateRequestID(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "existing-request-id-12345")
	assert.Equal(t, "existing-request-id-12345", getOrGenerateRequestID(req))

	ids := make(map[string]bool)
	bare := httptest.NewRequest("GET", "/test", nil)
	for i := 0; i < 100; i++ {
		id := getOrGenerateRequestID(bare)
		require.NotEmpty(t, id)
		require.False(t, ids[id], "duplicate request id %s", id)
		ids[id] = true
	}
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusInternalServerError},
		{errors.WrapInvalid(errors.ErrInvalidParameter, "x", "y", "z"), http.StatusBadRequest},
		{errors.WrapTransient(errors.ErrIsolated, "x", "y", "z"), http.StatusServiceUnavailable},
		{errors.WrapFatal(fmt.Errorf("boom"), "x", "y", "z"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, mapErrorToHTTPStatus(tc.err), "%v", tc.err)
	}
}

func TestHealthFollowsNode(t *testing.T) {
	s := newNode(t, nil)
	g := newGateway(t, s, nil)

	rec := do(t, g, "GET", "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "transport not initialized")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.NoError(t, s.Init("", 7))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })

	rec = do(t, g, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, true, st["healthy"])
}

func TestStatusStatsPeers(t *testing.T) {
	s := newNode(t, nil)
	require.NoError(t, s.Init("", 9))
	g := newGateway(t, s, nil)

	rec := do(t, g, "GET", "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `Node "gw"`)

	rec = do(t, g, "GET", "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Contains(t, stats, "stability")
	assert.Contains(t, stats, "queue")

	rec = do(t, g, "GET", "/peers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestNodeGetPut(t *testing.T) {
	s := newNode(t, nil)
	g := newGateway(t, s, nil)

	rec := do(t, g, "PUT", "/node", `{"id": 42, "health": "caution", "mode": "maintenance", "heartbeat_interval": "500ms"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var view NodeView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "42", view.ID)
	assert.Equal(t, "caution", view.Health)
	assert.Equal(t, "maintenance", view.Mode)
	assert.Equal(t, "500ms", view.HeartbeatInterval)
	assert.Equal(t, node.HealthCaution, s.Health())

	rec = do(t, g, "PUT", "/node", `{"heartbeat_enabled": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.HeartbeatEnabled())

	rec = do(t, g, "GET", "/node", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.False(t, view.HeartbeatEnabled)
}

func TestNodePut_Rejects(t *testing.T) {
	s := newNode(t, nil)
	require.NoError(t, s.SetNodeID(5))
	g := newGateway(t, s, nil)

	tests := []struct {
		name string
		body string
	}{
		{"garbage", `{`},
		{"unknown field", `{"colour": "red"}`},
		{"id out of range", `{"id": 200}`},
		{"health", `{"id": 6, "health": "grim"}`},
		{"mode", `{"mode": "sleeping"}`},
		{"interval format", `{"heartbeat_interval": "soon"}`},
		{"interval range", `{"heartbeat_interval": "1ms"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, g, "PUT", "/node", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, message.NodeID(5), s.NodeID(), "rejected update leaves the id alone")
}

func TestMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	s := newNode(t, registry)
	g := newGateway(t, s, registry)

	rec := do(t, g, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	bare := newGateway(t, s, nil)
	rec = do(t, bare, "GET", "/metrics", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTap_StreamsTransfers(t *testing.T) {
	s := newNode(t, nil)
	g := newGateway(t, s, nil)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/transfers"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return g.Tap().Clients() == 1 }, time.Second, 10*time.Millisecond)

	tr, err := message.New(1234, message.PriorityFast, []byte{1, 2}, message.WithSource(3))
	require.NoError(t, err)
	g.Tap().ObserveTransfer(message.DirectionRx, tr)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env mirror.TransferEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "rx", env.Direction)
	assert.Equal(t, uint16(1234), env.Port)
	assert.Equal(t, uint8(3), env.Source)
	assert.Equal(t, []byte{1, 2}, env.Payload)

	g.Tap().Close()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return g.Tap().Clients() == 0 }, time.Second, 10*time.Millisecond)
}

func TestStartStop(t *testing.T) {
	s := newNode(t, nil)
	g := newGateway(t, s, nil)

	require.NoError(t, g.Start("127.0.0.1:0"))
	assert.ErrorIs(t, g.Start("127.0.0.1:0"), errors.ErrAlreadyStarted)

	addr := g.Addr()
	require.NotNil(t, addr)
	resp, err := http.Get("http://" + addr.String() + "/status")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Node")

	require.NoError(t, g.Stop(time.Second))
	assert.Nil(t, g.Addr())
	require.NoError(t, g.Stop(time.Second))
}
