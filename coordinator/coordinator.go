package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Config holds configuration for the Coordinator.
type Config struct {
	// EvaluatorURL is the WebSocket URL of the evaluator's change
	// acceptor (e.g., "ws://localhost:8080/v1/coordination").
	EvaluatorURL string

	// WatcherID identifies this watcher process to the evaluator,
	// carried as a header on the initial handshake only.
	WatcherID string

	// Reconnect settings
	ReconnectInitialDelay  time.Duration
	ReconnectMaxDelay      time.Duration
	ReconnectBackoffFactor float64
	ReconnectMaxAttempts   int // 0 = infinite

	// PingInterval is how often to send pings
	PingInterval time.Duration

	// Logger for coordinator messages
	Logger *logrus.Entry
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectInitialDelay:  1 * time.Second,
		ReconnectMaxDelay:      30 * time.Second,
		ReconnectBackoffFactor: 2.0,
		ReconnectMaxAttempts:   0, // infinite
		PingInterval:           30 * time.Second,
	}
}

// Coordinator is the watcher-side WebSocket client: it pushes
// MessageTypeChangeBatch messages to the evaluator and receives
// MessageTypeInjected acknowledgements and MessageTypeDiagnostic
// events in reply. Adapted from the teacher's when-v3 coordination
// client, rescoped from service registration to file-change transport.
type Coordinator struct {
	config Config
	logger *logrus.Entry

	conn      *websocket.Conn
	connMu    sync.RWMutex
	connected bool

	handlers   map[MessageType]MessageHandler
	handlersMu sync.RWMutex

	sendChan chan *WSMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnected    func()
	onDisconnected func(error)
	onInjected     func(version int64)
	onDiagnostic   func(ev *WSMessage)
}

// MessageHandler is a function that handles incoming messages.
type MessageHandler func(msg *WSMessage) error

// New creates a new Coordinator.
func New(config Config) *Coordinator {
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		config:   config,
		logger:   config.Logger.WithField("component", "coordinator"),
		handlers: make(map[MessageType]MessageHandler),
		sendChan: make(chan *WSMessage, 100),
		ctx:      ctx,
		cancel:   cancel,
	}

	c.registerDefaultHandlers()

	return c
}

// registerDefaultHandlers sets up handlers for standard message types.
func (c *Coordinator) registerDefaultHandlers() {
	c.handlers[MessageTypePing] = c.handlePing
	c.handlers[MessageTypeInjected] = c.handleInjected
	c.handlers[MessageTypeDiagnostic] = c.handleDiagnostic
}

// OnMessage registers a custom handler for a message type.
func (c *Coordinator) OnMessage(msgType MessageType, handler MessageHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[msgType] = handler
}

// OnConnected sets a callback for when connection is established.
func (c *Coordinator) OnConnected(fn func()) {
	c.onConnected = fn
}

// OnDisconnected sets a callback for when connection is lost.
func (c *Coordinator) OnDisconnected(fn func(error)) {
	c.onDisconnected = fn
}

// OnInjected sets a callback invoked when the evaluator acknowledges
// a pushed change batch with the version it was stamped at.
func (c *Coordinator) OnInjected(fn func(version int64)) {
	c.onInjected = fn
}

// OnDiagnostic sets a callback invoked for each diagnostic event
// forwarded by the evaluator.
func (c *Coordinator) OnDiagnostic(fn func(ev *WSMessage)) {
	c.onDiagnostic = fn
}

// Connect establishes the WebSocket connection and starts processing.
func (c *Coordinator) Connect() error {
	c.wg.Add(1)
	go c.connectionLoop()
	return nil
}

// Close shuts down the coordinator.
func (c *Coordinator) Close() error {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
	return nil
}

// IsConnected returns whether the WebSocket is connected.
func (c *Coordinator) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// PushChanges sends a batch of observed file changes to the evaluator.
func (c *Coordinator) PushChanges(changes []FileChange) {
	msg := NewMessage(MessageTypeChangeBatch)
	msg.SetPayload(ChangeBatchPayload{Changes: changes})
	c.Send(msg)
}

// connectionLoop manages connection and reconnection.
func (c *Coordinator) connectionLoop() {
	defer c.wg.Done()

	delay := c.config.ReconnectInitialDelay
	attempts := 0

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		err := c.connect()
		if err != nil {
			attempts++
			c.logger.WithError(err).WithField("attempt", attempts).Warn("connection failed")

			if c.config.ReconnectMaxAttempts > 0 && attempts >= c.config.ReconnectMaxAttempts {
				c.logger.Error("max reconnection attempts reached")
				return
			}

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}

			delay = time.Duration(float64(delay) * c.config.ReconnectBackoffFactor)
			if delay > c.config.ReconnectMaxDelay {
				delay = c.config.ReconnectMaxDelay
			}
			continue
		}

		delay = c.config.ReconnectInitialDelay
		attempts = 0

		err = c.runConnection()
		if err != nil {
			c.logger.WithError(err).Warn("connection lost")
			if c.onDisconnected != nil {
				c.onDisconnected(err)
			}
		}

		c.connMu.Lock()
		c.connected = false
		c.connMu.Unlock()
	}
}

// connect establishes the WebSocket connection.
func (c *Coordinator) connect() error {
	c.logger.WithField("url", c.config.EvaluatorURL).Info("connecting to evaluator")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	headers := http.Header{}
	if c.config.WatcherID != "" {
		headers.Set("X-Watcher-ID", c.config.WatcherID)
	}

	conn, _, err := dialer.DialContext(c.ctx, c.config.EvaluatorURL, headers)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()

	c.logger.Info("connected to evaluator")
	if c.onConnected != nil {
		c.onConnected()
	}

	return nil
}

// runConnection handles the connection lifecycle.
func (c *Coordinator) runConnection() error {
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		c.senderLoop()
	}()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop()
	}()

	err := c.readLoop()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	<-senderDone
	<-pingDone

	return err
}

// readLoop reads and dispatches incoming messages.
func (c *Coordinator) readLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		if conn == nil {
			return fmt.Errorf("connection closed")
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		msg, err := ParseMessage(data)
		if err != nil {
			c.logger.WithError(err).Warn("failed to parse message")
			continue
		}

		c.handleMessage(msg)
	}
}

// senderLoop sends outgoing messages.
func (c *Coordinator) senderLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.sendChan:
			if !ok {
				return
			}
			if err := c.sendMessage(msg); err != nil {
				c.logger.WithError(err).Warn("failed to send message")
			}
		}
	}
}

// pingLoop sends periodic pings.
func (c *Coordinator) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()

			if conn == nil {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				c.logger.WithError(err).Debug("ping failed")
			}
		}
	}
}

// sendMessage sends a message immediately.
func (c *Coordinator) sendMessage(msg *WSMessage) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := msg.JSON()
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	return conn.WriteMessage(websocket.TextMessage, data)
}

// Send queues a message for sending.
func (c *Coordinator) Send(msg *WSMessage) {
	select {
	case c.sendChan <- msg:
	default:
		c.logger.Warn("send channel full, dropping message")
	}
}

// handleMessage dispatches a message to its handler.
func (c *Coordinator) handleMessage(msg *WSMessage) {
	c.handlersMu.RLock()
	handler, ok := c.handlers[msg.Type]
	c.handlersMu.RUnlock()

	if !ok {
		c.logger.WithField("type", msg.Type).Debug("no handler for message type")
		return
	}

	if err := handler(msg); err != nil {
		c.logger.WithError(err).WithField("type", msg.Type).Warn("handler error")
	}
}

// Default handlers

func (c *Coordinator) handlePing(msg *WSMessage) error {
	pong := NewMessage(MessageTypePong)
	pong.ID = msg.ID
	return c.sendMessage(pong)
}

func (c *Coordinator) handleInjected(msg *WSMessage) error {
	payload, err := msg.GetInjectedPayload()
	if err != nil {
		return fmt.Errorf("invalid injected payload: %w", err)
	}

	c.logger.WithField("version", payload.Version).Debug("change batch injected")

	if c.onInjected != nil {
		c.onInjected(payload.Version)
	}
	return nil
}

func (c *Coordinator) handleDiagnostic(msg *WSMessage) error {
	if c.onDiagnostic != nil {
		c.onDiagnostic(msg)
	}
	return nil
}
