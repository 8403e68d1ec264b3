package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/metric"
	"github.com/c360/cyphalnode/mirror"
)

// TapConfig sizes the websocket stream.
type TapConfig struct {
	// ClientBuffer is the number of transfers queued per client before new
	// ones are dropped for that client.
	ClientBuffer int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (c TapConfig) withDefaults() TapConfig {
	if c.ClientBuffer <= 0 {
		c.ClientBuffer = 128
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

type tapMetrics struct {
	clients prometheus.Gauge
	sent    prometheus.Counter
	dropped prometheus.Counter
}

func newTapMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *tapMetrics {
	if registry == nil {
		return nil
	}
	m := &tapMetrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cyphal", Subsystem: "ws", Name: "clients_connected",
			Help: "Number of connected transfer stream clients",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cyphal", Subsystem: "ws", Name: "messages_sent_total",
			Help: "Transfers written to stream clients",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cyphal", Subsystem: "ws", Name: "messages_dropped_total",
			Help: "Transfers dropped for slow stream clients",
		}),
	}
	errs := []error{
		registry.RegisterGauge("ws", "clients_connected", m.clients),
		registry.RegisterCounter("ws", "messages_sent_total", m.sent),
		registry.RegisterCounter("ws", "messages_dropped_total", m.dropped),
	}
	for _, err := range errs {
		if err != nil {
			logger.Warn("Transfer stream metrics disabled", "error", err)
			return nil
		}
	}
	return m
}

type tapClient struct {
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	connectedAt time.Time
	closeOnce   sync.Once
}

// Tap streams every observed transfer to websocket clients as JSON. A slow
// client loses transfers; it never slows the bus.
type Tap struct {
	cfg      TapConfig
	logger   *slog.Logger
	metrics  *tapMetrics
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*tapClient]struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewTap creates a tap with no clients.
func NewTap(cfg TapConfig, registry *metric.MetricsRegistry, logger *slog.Logger) *Tap {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tap{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: newTapMetrics(registry, logger),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*tapClient]struct{}),
	}
}

// ObserveTransfer queues t for every client.
func (tp *Tap) ObserveTransfer(dir message.Direction, t *message.Transfer) {
	tp.clientsMu.RLock()
	defer tp.clientsMu.RUnlock()
	if len(tp.clients) == 0 {
		return
	}

	data, err := json.Marshal(mirror.NewTransferEnvelope(dir, t))
	if err != nil {
		tp.logger.Debug("Transfer not encoded", "error", err)
		return
	}
	for c := range tp.clients {
		select {
		case c.send <- data:
		default:
			tp.dropped.Add(1)
			if tp.metrics != nil {
				tp.metrics.dropped.Inc()
			}
		}
	}
}

// ServeHTTP upgrades the request and streams until the client leaves.
func (tp *Tap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := tp.upgrader.Upgrade(w, r, nil)
	if err != nil {
		tp.logger.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &tapClient{
		conn:        conn,
		send:        make(chan []byte, tp.cfg.ClientBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	tp.clientsMu.Lock()
	tp.clients[c] = struct{}{}
	count := len(tp.clients)
	tp.clientsMu.Unlock()
	if tp.metrics != nil {
		tp.metrics.clients.Set(float64(count))
	}
	tp.logger.Debug("Stream client connected", "remote", r.RemoteAddr, "clients", count)

	go tp.writeLoop(c)
	tp.readLoop(c)
}

// readLoop discards client messages and returns when the connection ends.
func (tp *Tap) readLoop(c *tapClient) {
	defer tp.removeClient(c)

	deadline := 2 * tp.cfg.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (tp *Tap) writeLoop(c *tapClient) {
	ping := time.NewTicker(tp.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(tp.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				tp.removeClient(c)
				return
			}
			tp.sent.Add(1)
			if tp.metrics != nil {
				tp.metrics.sent.Inc()
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(tp.cfg.WriteTimeout)); err != nil {
				tp.removeClient(c)
				return
			}
		}
	}
}

func (tp *Tap) removeClient(c *tapClient) {
	c.closeOnce.Do(func() {
		tp.clientsMu.Lock()
		delete(tp.clients, c)
		count := len(tp.clients)
		tp.clientsMu.Unlock()

		close(c.done)
		_ = c.conn.Close()
		if tp.metrics != nil {
			tp.metrics.clients.Set(float64(count))
		}
		tp.logger.Debug("Stream client disconnected", "connected_for", time.Since(c.connectedAt))
	})
}

// Clients returns the number of connected clients.
func (tp *Tap) Clients() int {
	tp.clientsMu.RLock()
	defer tp.clientsMu.RUnlock()
	return len(tp.clients)
}

// Stats returns how many transfers were written and dropped.
func (tp *Tap) Stats() (sent, dropped uint64) {
	return tp.sent.Load(), tp.dropped.Load()
}

// Close disconnects every client.
func (tp *Tap) Close() {
	tp.clientsMu.RLock()
	clients := make([]*tapClient, 0, len(tp.clients))
	for c := range tp.clients {
		clients = append(clients, c)
	}
	tp.clientsMu.RUnlock()

	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		tp.removeClient(c)
	}
}
