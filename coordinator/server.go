package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"buildgraph.evalgo.org/core/invalidate"
	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/internal/telemetry"
)

// Upgrader is the HTTP-to-WebSocket upgrader used by Acceptor.
// Exported so cli can share it across handlers that also need custom
// origin checks.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Acceptor is the evaluator-side WebSocket endpoint that receives
// MessageTypeChangeBatch messages from watcher processes and turns
// them into invalidate.Change values via invalidate.Invalidator.Inject.
// No pack example shows server-side websocket.Upgrader usage, so this
// mirrors coordinator.Coordinator's client-side connection/message
// plumbing server-side: same WSMessage envelope, same ping/read/send
// loop shape, a new accept-and-register-client loop in place of
// dial-and-reconnect.
type Acceptor struct {
	inv           *invalidate.Invalidator
	fileStateKind keyvalue.Kind
	logger        *logrus.Entry

	clientsMu sync.Mutex
	clients   map[*serverConn]struct{}
}

type serverConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	sendChan chan *WSMessage
}

// NewAcceptor constructs an Acceptor. fileStateKind is the keyvalue.Kind
// used to build keys from each FileChange's path, matching whatever
// kind filestate.RegisterFileStateComputeFunction was registered under.
func NewAcceptor(inv *invalidate.Invalidator, fileStateKind keyvalue.Kind, logger *logrus.Entry) *Acceptor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Acceptor{
		inv:           inv,
		fileStateKind: fileStateKind,
		logger:        logger.WithField("component", "coordinator.acceptor"),
		clients:       make(map[*serverConn]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and
// services it until reading from the connection fails (the client
// disconnects or the connection is closed).
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sc := &serverConn{conn: conn, sendChan: make(chan *WSMessage, 32)}
	a.register(sc)
	defer a.unregister(sc)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.senderLoop(ctx, sc)
	}()

	a.readLoop(ctx, sc)
	cancel()
	wg.Wait()
}

func (a *Acceptor) register(sc *serverConn) {
	a.clientsMu.Lock()
	defer a.clientsMu.Unlock()
	a.clients[sc] = struct{}{}
}

func (a *Acceptor) unregister(sc *serverConn) {
	a.clientsMu.Lock()
	delete(a.clients, sc)
	a.clientsMu.Unlock()
	sc.conn.Close()
	close(sc.sendChan)
}

func (a *Acceptor) readLoop(ctx context.Context, sc *serverConn) {
	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			a.logger.WithError(err).Debug("watcher connection closed")
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			a.logger.WithError(err).Warn("failed to parse message")
			continue
		}

		switch msg.Type {
		case MessageTypePing:
			pong := NewMessage(MessageTypePong)
			pong.ID = msg.ID
			a.enqueue(sc, pong)
		case MessageTypeChangeBatch:
			a.handleChangeBatch(sc, msg)
		default:
			a.logger.WithField("type", msg.Type).Debug("no handler for message type")
		}
	}
}

func (a *Acceptor) handleChangeBatch(sc *serverConn, msg *WSMessage) {
	payload, err := msg.GetChangeBatchPayload()
	if err != nil {
		a.logger.WithError(err).Warn("invalid change batch payload")
		return
	}

	changes := make([]invalidate.Change, len(payload.Changes))
	for i, fc := range payload.Changes {
		changes[i] = invalidate.Change{
			Key:   keyvalue.New(a.fileStateKind, fc.Path),
			Value: keyvalue.JustValue(fc.State),
		}
	}

	v := a.inv.Inject(changes)

	ack := NewMessage(MessageTypeInjected)
	ack.ID = msg.ID
	ack.SetPayload(InjectedPayload{Version: int64(v)})
	a.enqueue(sc, ack)
}

func (a *Acceptor) senderLoop(ctx context.Context, sc *serverConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sc.sendChan:
			if !ok {
				return
			}
			data, err := msg.JSON()
			if err != nil {
				a.logger.WithError(err).Warn("marshal error")
				continue
			}
			sc.writeMu.Lock()
			err = sc.conn.WriteMessage(websocket.TextMessage, data)
			sc.writeMu.Unlock()
			if err != nil {
				a.logger.WithError(err).Debug("write failed")
				return
			}
		}
	}
}

func (a *Acceptor) enqueue(sc *serverConn, msg *WSMessage) {
	select {
	case sc.sendChan <- msg:
	default:
		a.logger.Warn("client send channel full, dropping message")
	}
}

// Broadcast pushes a diagnostic message to every connected watcher.
func (a *Acceptor) Broadcast(msg *WSMessage) {
	a.clientsMu.Lock()
	defer a.clientsMu.Unlock()
	for sc := range a.clients {
		a.enqueue(sc, msg)
	}
}

// BridgeDiagnostics subscribes to sink and broadcasts every event it
// produces to connected watchers as MessageTypeDiagnostic messages,
// until ctx is canceled. Run it in its own goroutine.
func (a *Acceptor) BridgeDiagnostics(ctx context.Context, sink *telemetry.EventSink) error {
	events, err := sink.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to diagnostic sink: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			msg := NewMessage(MessageTypeDiagnostic)
			msg.SetPayload(ev)
			a.Broadcast(msg)
		}
	}
}
