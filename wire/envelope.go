// Package wire defines the JSON envelope exchanged with the relay endpoint.
// One WebSocket text frame carries exactly one envelope; the transport is
// message-framed so no length prefix is needed.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/hwzz3311/silent-agent-sub001/errors"
)

// Well-known method and event names on the relay protocol.
const (
	// MethodExecuteTool asks the extension to run a named browser operation.
	MethodExecuteTool = "executeTool"

	// MethodEvent marks an event envelope in the method-discriminated shape.
	MethodEvent = "event"

	// TypeEvent marks an event envelope in the type-discriminated shape.
	TypeEvent = "event"

	// TypePing is the heartbeat envelope; the relay sends no reply.
	TypePing = "ping"
)

// Events emitted by the relay about the remote extension peer.
const (
	EventExtensionConnected    = "extension_connected"
	EventExtensionDisconnected = "extension_disconnected"
)

// Request is the outbound call envelope.
type Request struct {
	ID     string `json:"id,omitempty"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// ExecuteParams is the parameter block of an executeTool request.
// Timeout is in seconds; SecretKey selects among multiple attached
// extensions and may be empty.
type ExecuteParams struct {
	Name      string         `json:"name"`
	Args      map[string]any `json:"args"`
	Timeout   float64        `json:"timeout,omitempty"`
	SecretKey string         `json:"secretKey,omitempty"`
}

// ErrorDetail is the error block of a failed response.
type ErrorDetail struct {
	Message string          `json:"message"`
	Code    int             `json:"code,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Error implements the error interface so an ErrorDetail can be surfaced
// directly to the caller that issued the request.
func (e *ErrorDetail) Error() string {
	return e.Message
}

// Frame is a decoded inbound envelope before classification. A frame whose
// ID matches a pending request is a response; otherwise it is an event when
// it carries the event discriminator, and dropped when it carries neither.
type Frame struct {
	ID     string          `json:"id,omitempty"`
	Type   string          `json:"type,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`
}

// Decode parses a single relay frame.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrProtocol, err),
			"wire", "Decode", "unmarshal frame")
	}
	return &f, nil
}

// Encode marshals any envelope into a single relay frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "wire", "Encode", "marshal frame")
	}
	return data, nil
}

// Ping returns the encoded heartbeat frame.
func Ping() []byte {
	return []byte(`{"type":"ping"}`)
}

// IsEvent reports whether the frame carries the event discriminator.
// Both the type-based and method-based shapes are recognized.
func (f *Frame) IsEvent() bool {
	return f.Type == TypeEvent || f.Method == MethodEvent
}

// Event extracts the event name and payload from an event frame. The payload
// lives under "params" with "data" as a legacy fallback; the event name is
// the payload's "type" field with "event" as a legacy fallback. An empty
// name means the frame carried no usable event.
func (f *Frame) Event() (string, map[string]any) {
	raw := f.Params
	if len(raw) == 0 {
		raw = f.Data
	}
	if len(raw) == 0 {
		return "", nil
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", nil
	}

	name, _ := payload["type"].(string)
	if name == "" {
		name, _ = payload["event"].(string)
	}
	return name, payload
}
