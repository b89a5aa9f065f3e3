package bus

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/live_translation_relay_go/pkg/metrics"
	"github.com/silviot/live_translation_relay_go/pkg/protocol"
)

// pongWaitPings is how many ping intervals may pass without any inbound
// frame or pong before the connection is considered dead
const pongWaitPings = 3

// WebSocket is a bus backend that talks to a Hub over a single WebSocket
// connection and reconnects with backoff when the connection drops.
type WebSocket struct {
	url          string
	header       http.Header
	pingInterval time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration
	conn         *websocket.Conn
	writeMu      sync.Mutex // serializes writes on conn
	mu           sync.Mutex // guards conn
	fanout       *fanout
	logger       *slog.Logger
	metrics      metrics.Collector
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// WebSocketConfig holds WebSocket bus configuration
type WebSocketConfig struct {
	URL          string        // Hub URL, e.g. ws://localhost:8090/ws?room=branch-1
	Header       http.Header   // Optional handshake headers
	PingInterval time.Duration // Keep-alive ping interval (default 25s)
	MinBackoff   time.Duration // First reconnect delay (default 1s)
	MaxBackoff   time.Duration // Reconnect delay cap (default 30s)
	Logger       *slog.Logger
	Metrics      metrics.Collector
}

// NewWebSocket creates a WebSocket bus client. Call Connect before publishing.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WebSocket{
		url:          cfg.URL,
		header:       cfg.Header,
		pingInterval: cfg.PingInterval,
		minBackoff:   cfg.MinBackoff,
		maxBackoff:   cfg.MaxBackoff,
		fanout:       newFanout(),
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Connect dials the hub and starts the read and keep-alive loops
func (w *WebSocket) Connect(ctx context.Context) error {
	if err := w.dial(ctx); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.readLoop()
	go w.pingLoop()

	return nil
}

func (w *WebSocket) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		w.logger.Error("failed to connect to signaling hub", "url", w.url, "error", err)
		w.metrics.BusError("dial")
		return fmt.Errorf("failed to connect to signaling hub: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(w.pongWait()))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(w.pongWait()))
		return nil
	})

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	w.logger.Info("connected to signaling hub", "url", w.url)
	return nil
}

func (w *WebSocket) pongWait() time.Duration {
	return pongWaitPings * w.pingInterval
}

func (w *WebSocket) currentConn() *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

// readLoop decodes inbound frames and fans them out to subscribers.
// Malformed frames are logged and dropped.
func (w *WebSocket) readLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		conn := w.currentConn()
		if conn == nil {
			if !w.reconnect() {
				return
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.logger.Warn("signaling hub read error, reconnecting", "error", err)
			w.metrics.BusError("read")
			w.dropConn(conn)
			if !w.reconnect() {
				return
			}
			continue
		}
		conn.SetReadDeadline(time.Now().Add(w.pongWait()))

		msg, err := protocol.Decode(data)
		if err != nil {
			w.logger.Debug("dropping malformed bus message", "error", err)
			w.metrics.BusError("decode")
			continue
		}

		w.metrics.BusReceived(string(msg.Type()))
		w.fanout.deliver(msg)
	}
}

// reconnect retries the dial with doubling backoff until it succeeds or the
// bus is closed. Returns false when closed.
func (w *WebSocket) reconnect() bool {
	backoff := w.minBackoff

	for {
		select {
		case <-w.ctx.Done():
			return false
		case <-time.After(backoff):
		}

		w.logger.Info("attempting signaling hub reconnection", "url", w.url)
		if err := w.dial(w.ctx); err != nil {
			backoff *= 2
			if backoff > w.maxBackoff {
				backoff = w.maxBackoff
			}
			w.logger.Error("signaling hub reconnection failed", "error", err, "nextBackoff", backoff)
			continue
		}

		w.logger.Info("signaling hub reconnected", "url", w.url)
		return true
	}
}

func (w *WebSocket) dropConn(conn *websocket.Conn) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	conn.Close()
}

// pingLoop sends keep-alive pings. A hub that stops answering them trips the
// read deadline and the read loop redials.
func (w *WebSocket) pingLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			conn := w.currentConn()
			if conn == nil {
				continue
			}
			w.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			w.writeMu.Unlock()
			if err != nil {
				w.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}

// Publish sends msg to the hub. When the connection is down the message is
// dropped and an error returned; the bus makes no delivery guarantee.
func (w *WebSocket) Publish(ctx context.Context, msg protocol.Message) error {
	if w.ctx.Err() != nil {
		return ErrClosed
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		w.metrics.BusError("encode")
		return err
	}

	conn := w.currentConn()
	if conn == nil {
		w.metrics.BusError("publish")
		return fmt.Errorf("signaling hub not connected")
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.metrics.BusError("publish")
		return fmt.Errorf("failed to publish %s: %w", msg.Type(), err)
	}

	w.metrics.BusPublished(string(msg.Type()))
	return nil
}

// Subscribe registers a handler for every inbound message
func (w *WebSocket) Subscribe(h Handler) func() {
	return w.fanout.add(h)
}

// IsConnected returns whether the hub connection is currently up
func (w *WebSocket) IsConnected() bool {
	return w.currentConn() != nil
}

// Close closes the connection and stops the background loops
func (w *WebSocket) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.conn != nil {
		w.writeMu.Lock()
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		w.conn.Close()
		w.conn = nil
	}
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}
