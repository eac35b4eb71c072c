// Package websocket provides a reusable WebSocket client with automatic reconnection
package websocket

import (
	"context"
	"fmt"
	"market_maker/internal/core"
	"market_maker/pkg/telemetry"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler handles incoming WebSocket messages
type MessageHandler func(message []byte)

// Client is a resilient WebSocket client. Reconnect backoff is geometric:
// baseReconnectWait * 2^attempt, capped at maxReconnectWait, giving up after
// maxReconnectAttempts consecutive failures (the onGiveUp callback is then
// called, if set).
type Client struct {
	url     string
	handler MessageHandler

	baseReconnectWait    time.Duration
	maxReconnectWait     time.Duration
	maxReconnectAttempts int

	conn *websocket.Conn
	mu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnected func() // Callback when connected (useful for subscriptions)
	onGiveUp    func() // Callback when reconnect attempts are exhausted

	pingInterval time.Duration
	pingWait     time.Duration
	pongWait     time.Duration

	// Logger
	logger core.ILogger

	// OTel
	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new WebSocket client
func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	tracer := telemetry.GetTracer("ws-client")
	meter := telemetry.GetMeter("ws-client")

	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))
	latencyHist, _ := meter.Float64Histogram("ws_message_processing_latency_seconds",
		metric.WithDescription("Latency of processing WebSocket messages in seconds"))

	return &Client{
		url:                  url,
		handler:              handler,
		baseReconnectWait:    5 * time.Second,
		maxReconnectWait:     60 * time.Second,
		maxReconnectAttempts: 10,
		pingInterval:         180 * time.Second,
		pingWait:             10 * time.Second,
		pongWait:             210 * time.Second,
		ctx:                  ctx,
		cancel:               cancel,
		tracer:               tracer,
		msgCounter:           msgCounter,
		connCounter:          connCounter,
		latencyHist:          latencyHist,
		logger:               logger,
	}
}

// SetReconnectPolicy overrides the geometric backoff parameters.
func (c *Client) SetReconnectPolicy(base, max time.Duration, maxAttempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseReconnectWait = base
	c.maxReconnectWait = max
	c.maxReconnectAttempts = maxAttempts
}

// SetOnGiveUp sets the callback invoked once reconnect attempts are exhausted.
func (c *Client) SetOnGiveUp(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onGiveUp = cb
}

// SetPingConfig sets the ping/pong configuration
func (c *Client) SetPingConfig(interval, wait, pongWait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingInterval = interval
	c.pingWait = wait
	c.pongWait = pongWait
}

// SetOnConnected sets the callback for when the connection is established
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// Send sends a message over the WebSocket
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	return c.conn.WriteJSON(message)
}

// Start connects and begins listening for messages
func (c *Client) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop cancels the client and closes the connection. It never blocks on the
// reader goroutine's exit, so it is safe to call from inside the client's own
// message handler (i.e. from the reader goroutine itself) without
// deadlocking. Callers that need a synchronous, bounded-wait shutdown (e.g.
// the process-level drain sequence) should use StopAndWait instead.
func (c *Client) Stop() {
	c.cancel()
	c.closeConn()
}

// StopAndWait cancels the client, closes the connection, and waits up to
// timeout for all internal goroutines to exit. Must not be called from
// inside the client's own reader goroutine or message handler.
func (c *Client) StopAndWait(timeout time.Duration) {
	c.cancel()
	c.closeConn()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		if c.logger != nil {
			c.logger.Warn("WebSocket client StopAndWait: goroutines did not exit within timeout")
		}
	}
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	attempt := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if err := c.connect(); err != nil {
				if c.logger != nil {
					c.logger.Error("WebSocket connect failed", "url", c.url, "error", err, "attempt", attempt)
				}
				attempt++
				c.mu.Lock()
				maxAttempts := c.maxReconnectAttempts
				c.mu.Unlock()
				if maxAttempts > 0 && attempt >= maxAttempts {
					if c.logger != nil {
						c.logger.Error("WebSocket giving up after exhausting reconnect attempts", "url", c.url, "attempts", attempt)
					}
					c.mu.Lock()
					giveUp := c.onGiveUp
					c.mu.Unlock()
					if giveUp != nil {
						giveUp()
					}
					return
				}
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(c.backoffFor(attempt)):
				}
				continue
			}
			attempt = 0

			c.mu.Lock()
			onConnected := c.onConnected
			pingInterval := c.pingInterval
			c.mu.Unlock()

			if onConnected != nil {
				onConnected()
			}

			// Start heartbeat if interval > 0
			heartbeatCtx, heartbeatCancel := context.WithCancel(c.ctx)
			if pingInterval > 0 {
				c.wg.Add(1)
				go c.heartbeat(heartbeatCtx, heartbeatCancel)
			}

			c.readLoop()
			heartbeatCancel()

			// If readLoop returns, connection was lost
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.baseReconnectWait):
			}
		}
	}
}

// backoffFor computes baseReconnectWait*2^attempt capped at maxReconnectWait.
func (c *Client) backoffFor(attempt int) time.Duration {
	c.mu.Lock()
	base, max := c.baseReconnectWait, c.maxReconnectWait
	c.mu.Unlock()

	wait := base
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait >= max {
			return max
		}
	}
	return wait
}

func (c *Client) heartbeat(ctx context.Context, cancel context.CancelFunc) {
	defer c.wg.Done()
	c.mu.Lock()
	interval := c.pingInterval
	wait := c.pingWait
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wait)); err != nil {
				// If ping fails, close connection to trigger reconnect
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) connect() error {
	ctx, span := c.tracer.Start(c.ctx, "WS Connect",
		trace.WithAttributes(attribute.String("ws.url", c.url)),
	)
	defer span.End()

	c.connCounter.Add(ctx, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	// Set pong handler
	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	c.conn = conn
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop() {
	defer c.closeConn()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if c.conn == nil {
				return
			}

			_, message, err := c.conn.ReadMessage()
			if err != nil {
				return
			}

			start := time.Now()
			c.msgCounter.Add(c.ctx, 1)

			if c.handler != nil {
				c.handler(message)
			}

			duration := time.Since(start).Seconds()
			c.latencyHist.Record(c.ctx, duration)
		}
	}
}
