// Package http serves the node diagnostics and admin endpoints.
//
//	GET  /metrics        Prometheus scrape of the node registry
//	GET  /health         aggregate health, 503 when unhealthy
//	GET  /status         human readable status report
//	GET  /stats          component statistics
//	GET  /peers          nodes heard on the bus
//	GET  /node           node identity, health and mode
//	PUT  /node           change id, health, mode or heartbeat settings
//	GET  /ws/transfers   websocket stream of transfers sent and received
package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/health"
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/metric"
	"github.com/c360/cyphalnode/node"
	"github.com/c360/cyphalnode/stack"
)

// Node is the part of the stack the gateway drives.
type Node interface {
	StatusString() string
	HealthStatus() health.Status
	Snapshot() node.Snapshot
	Stats() stack.Stats
	Peers() []node.Peer
	HeartbeatInterval() time.Duration
	HeartbeatEnabled() bool

	SetNodeID(id message.NodeID) error
	SetHealth(h node.Health) error
	SetMode(m node.Mode) error
	SetHeartbeatInterval(d time.Duration) error
	EnableHeartbeat()
	DisableHeartbeat()

	AddObserver(o stack.TransferObserver)
	RemoveObserver(o stack.TransferObserver)
}

// Deps holds the gateway collaborators. Node is required.
type Deps struct {
	Node            Node
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Gateway is the HTTP front end of one node.
type Gateway struct {
	node     Node
	registry *metric.MetricsRegistry
	logger   *slog.Logger
	tap      *Tap
	mux      *http.ServeMux

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
}

// New builds the gateway and its routes. Nothing listens until Start.
func New(deps Deps) (*Gateway, error) {
	if deps.Node == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidParameter, "gateway", "New", "node is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	g := &Gateway{
		node:     deps.Node,
		registry: deps.MetricsRegistry,
		logger:   logger,
		tap:      NewTap(TapConfig{}, deps.MetricsRegistry, logger),
		mux:      http.NewServeMux(),
	}
	g.routes()
	return g, nil
}

func (g *Gateway) routes() {
	g.mux.Handle("GET /metrics", metric.Handler(g.registry))
	g.mux.HandleFunc("GET /health", g.track(g.handleHealth))
	g.mux.HandleFunc("GET /status", g.track(g.handleStatus))
	g.mux.HandleFunc("GET /stats", g.track(g.handleStats))
	g.mux.HandleFunc("GET /peers", g.track(g.handlePeers))
	g.mux.HandleFunc("GET /node", g.track(g.handleGetNode))
	g.mux.HandleFunc("PUT /node", g.track(g.handlePutNode))
	g.mux.Handle("GET /ws/transfers", g.tap)
}

// Handler returns the router, for embedding or tests.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

// Tap returns the websocket transfer stream.
func (g *Gateway) Tap() *Tap {
	return g.tap
}

// Start listens on addr and serves in the background. The transfer tap is
// attached to the node while the gateway runs.
func (g *Gateway) Start(addr string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "gateway", "Start", "check state")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapKind(errors.KindNetworkUnavailable, err, "gateway", "Start", "listen on "+addr)
	}

	server := &http.Server{
		Handler:           g.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	g.server = server
	g.listener = ln
	g.node.AddObserver(g.tap)

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Error("HTTP server error", "error", err)
		}
	}()

	g.logger.Info("Gateway listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listening address, nil when stopped.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Stop shuts the server down, waiting at most timeout for requests in flight.
func (g *Gateway) Stop(timeout time.Duration) error {
	g.mu.Lock()
	server := g.server
	g.server, g.listener = nil, nil
	g.mu.Unlock()

	if server == nil {
		return nil
	}
	g.node.RemoveObserver(g.tap)
	g.tap.Close()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		g.logger.Error("HTTP server shutdown failed",
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return errors.WrapTransient(err, "gateway", "Stop", "shutdown server")
	}
	g.logger.Debug("HTTP server shutdown completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// track stamps a request id and counts the request.
func (g *Gateway) track(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", getOrGenerateRequestID(r))
		g.requestsTotal.Add(1)
		h(w, r)
	}
}

// getOrGenerateRequestID extracts the request id header or makes one up.
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// mapErrorToHTTPStatus maps error classes to HTTP status codes.
func mapErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("Response not written", "error", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, message string) {
	g.requestsFailed.Add(1)
	g.writeJSON(w, status, map[string]any{
		"error":  message,
		"status": status,
	})
}
