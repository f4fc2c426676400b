// Package transport implements the uniform client abstraction over the four
// upstream wire shapes (subprocess stdio, SSE, websocket, streaming HTTP)
// sharing request/response correlation, auth-header injection, 401-retry,
// and reconnection scheduling.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/centianhq/aproxy/internal/reconnect"
)

// Message is one JSON-RPC 2.0 envelope exchanged with an upstream. Fields
// are kept as json.RawMessage where the payload shape is opaque to the
// transport layer.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsResponse reports whether m carries a result or error (vs. being a
// request/notification).
func (m *Message) IsResponse() bool {
	return len(m.ID) > 0 && (m.Result != nil || m.Error != nil)
}

// HasID reports whether m carries a correlation id (request, not a notification).
func (m *Message) HasID() bool {
	return len(m.ID) > 0
}

// ErrClosed is returned by Send when the transport has been closed.
var ErrClosed = errors.New("transport closed")

// Transport is the contract shared by every wire-shape implementation.
// Concrete implementations embed Base to get correlation, auth-retry, and
// close semantics for free; they only need to implement dial/write/read.
type Transport interface {
	// Start connects the transport. Every call after the first is a no-op,
	// whether or not the first call succeeded.
	Start(ctx context.Context) error
	// Send transmits a request and blocks for its correlated response.
	Send(ctx context.Context, msg *Message) (*Message, error)
	// Close releases wire resources. Idempotent.
	Close() error

	// OnMessage registers a callback for messages without a correlation id
	// (server-initiated notifications).
	OnMessage(func(*Message))
	// OnError registers a callback for non-retryable transport errors.
	OnError(func(error))
	// OnClose registers a callback invoked exactly once when the transport closes.
	OnClose(func())
	// OnReconnect registers a callback for the transport's internal
	// reconnection controller transitions, so an owning session can re-run
	// its handshake after an automatic reconnect.
	OnReconnect(func(reconnect.Transition))

	// SessionID returns the id assigned on the current connection, or "" if closed.
	SessionID() string
}
