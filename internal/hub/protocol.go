// Package hub implements the ACP WebSocket Hub (C9): JSON-RPC 2.0 framed
// messages over gorilla/websocket, per-session request/response
// correlation, bounded-channel backpressure with a SlowConsumer cutoff,
// and a stale-request sweeper. Grounded on the predecessor's
// internal/worker/worker.go + internal/worker/pool.go worker-facing
// shape and the pack's leapmux WorkerConnectorService pattern for
// bidirectional session registration and pending-request tracking.
package hub

import "encoding/json"

// ProtocolVersion is the JSON-RPC 2.0 constant every frame carries.
const ProtocolVersion = "2.0"

// Message is the wire envelope: a tagged union distinguishing requests
// (have Method, may have ID), responses (have ID, have Result or Error),
// and notifications (have Method, no ID).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *string         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError mirrors JSON-RPC 2.0's error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// Standard JSON-RPC error codes used across the hub.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeTimeout        = -32000
	CodeDisconnected   = -32001
)

// IsRequest reports whether m is a request expecting a response.
func (m *Message) IsRequest() bool { return m.Method != "" && m.ID != nil }

// IsNotification reports whether m is a fire-and-forget message.
func (m *Message) IsNotification() bool { return m.Method != "" && m.ID == nil }

// IsResponse reports whether m is a reply to a previously sent request.
func (m *Message) IsResponse() bool { return m.Method == "" && m.ID != nil }

// NewRequest builds a request frame with the given id/method/params.
func NewRequest(id, method string, params interface{}) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: ProtocolVersion, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification frame (no ID, no reply expected).
func NewNotification(method string, params interface{}) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: ProtocolVersion, Method: method, Params: raw}, nil
}

// NewResult builds a success response for id.
func NewResult(id string, result interface{}) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: ProtocolVersion, ID: &id, Result: raw}, nil
}

// NewError builds an error response for id.
func NewError(id string, code int, message string) *Message {
	return &Message{JSONRPC: ProtocolVersion, ID: &id, Error: &RPCError{Code: code, Message: message}}
}
