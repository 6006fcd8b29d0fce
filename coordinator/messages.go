// Package coordinator carries FILE_STATE change batches over a
// WebSocket connection between a workspace watcher process and the
// evaluator that owns the graph, the concrete realization of the
// change-injection interface (core/invalidate) over a network
// boundary. Adapted from the teacher's WebSocket coordination client
// (coordinator/coordinator.go, coordinator/messages.go), rescoped from
// "service registration with when-v3" workflow-phase signaling to a
// single-purpose file-change transport.
package coordinator

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"buildgraph.evalgo.org/internal/telemetry"
	"buildgraph.evalgo.org/plugins/filestate"
)

// MessageType identifies a WSMessage's payload shape.
type MessageType string

const (
	// MessageTypeChangeBatch is sent watcher -> evaluator: a batch of
	// observed file changes to inject.
	MessageTypeChangeBatch MessageType = "change_batch"

	// MessageTypeInjected is sent evaluator -> watcher: acknowledges a
	// change batch with the version it was stamped at.
	MessageTypeInjected MessageType = "injected"

	// MessageTypeDiagnostic is sent evaluator -> watcher (or any other
	// subscriber): a live diagnostic event, the WebSocket-delivered
	// twin of internal/telemetry's Redis event sink.
	MessageTypeDiagnostic MessageType = "diagnostic"

	MessageTypePing MessageType = "ping"
	MessageTypePong MessageType = "pong"
)

// WSMessage is the envelope for every message exchanged over the
// coordination socket, the same shape as the teacher's WSMessage.
type WSMessage struct {
	ID        string                 `json:"id"`
	Type      MessageType            `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// NewMessage creates a new WSMessage of the given type, stamped with
// now and a fresh correlation ID.
func NewMessage(msgType MessageType) *WSMessage {
	return &WSMessage{
		ID:        generateMessageID(),
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   make(map[string]interface{}),
	}
}

// JSON serializes the message.
func (m *WSMessage) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage deserializes a JSON message.
func ParseMessage(data []byte) (*WSMessage, error) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SetPayload sets the payload from a typed struct.
func (m *WSMessage) SetPayload(payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &m.Payload)
}

// decodePayload re-marshals m.Payload into target, the same
// round-trip the teacher's GetRegisterPayload/GetPausePayload used.
func (m *WSMessage) decodePayload(target interface{}) error {
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// FileChange is one wire-format file observation: a path and the
// filestate.State a fresh stat of it produced.
type FileChange struct {
	Path  string          `json:"path"`
	State filestate.State `json:"state"`
}

// ChangeBatchPayload is MessageTypeChangeBatch's payload.
type ChangeBatchPayload struct {
	Changes []FileChange `json:"changes"`
}

// GetChangeBatchPayload extracts a ChangeBatchPayload from m.
func (m *WSMessage) GetChangeBatchPayload() (*ChangeBatchPayload, error) {
	var payload ChangeBatchPayload
	if err := m.decodePayload(&payload); err != nil {
		return nil, fmt.Errorf("decode change batch payload: %w", err)
	}
	return &payload, nil
}

// InjectedPayload is MessageTypeInjected's payload.
type InjectedPayload struct {
	Version int64 `json:"version"`
}

// GetInjectedPayload extracts an InjectedPayload from m.
func (m *WSMessage) GetInjectedPayload() (*InjectedPayload, error) {
	var payload InjectedPayload
	if err := m.decodePayload(&payload); err != nil {
		return nil, fmt.Errorf("decode injected payload: %w", err)
	}
	return &payload, nil
}

// GetDiagnosticPayload extracts a telemetry.DiagnosticEvent from m.
func (m *WSMessage) GetDiagnosticPayload() (*telemetry.DiagnosticEvent, error) {
	var payload telemetry.DiagnosticEvent
	if err := m.decodePayload(&payload); err != nil {
		return nil, fmt.Errorf("decode diagnostic payload: %w", err)
	}
	return &payload, nil
}

func generateMessageID() string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return fmt.Sprintf("msg-%s-%d", string(b), time.Now().UnixNano()%1000000)
}
