package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/centianhq/aproxy/internal/reconnect"
	"github.com/centianhq/aproxy/internal/transport"
)

type fakeTransport struct {
	mu          sync.Mutex
	closed      bool
	onClose     []func()
	onMessage   []func(*transport.Message)
	onReconnect []func(reconnect.Transition)
	responder   func(*transport.Message) (*transport.Message, error)
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }

func (f *fakeTransport) Send(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}
	if f.responder != nil {
		return f.responder(msg)
	}
	return &transport.Message{JSONRPC: "2.0", ID: msg.ID, Result: json.RawMessage(`{}`)}, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	hooks := append([]func(){}, f.onClose...)
	f.mu.Unlock()
	for _, h := range hooks {
		h()
	}
	return nil
}

func (f *fakeTransport) OnMessage(fn func(*transport.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = append(f.onMessage, fn)
}
func (f *fakeTransport) OnError(fn func(error)) {}
func (f *fakeTransport) OnClose(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = append(f.onClose, fn)
}
func (f *fakeTransport) SessionID() string { return "fake-session" }

func (f *fakeTransport) OnReconnect(fn func(reconnect.Transition)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReconnect = append(f.onReconnect, fn)
}

// fireReconnect simulates the transport's own reconnection controller
// emitting a transition, as it would after an automatic wire-level redial.
func (f *fakeTransport) fireReconnect(t reconnect.Transition) {
	f.mu.Lock()
	obs := append([]func(reconnect.Transition){}, f.onReconnect...)
	f.mu.Unlock()
	for _, o := range obs {
		o(t)
	}
}

type fakeSink struct {
	mu    sync.Mutex
	added map[string][]ToolDescriptor
}

func newFakeSink() *fakeSink { return &fakeSink{added: make(map[string][]ToolDescriptor)} }

func (s *fakeSink) AddFromSession(sessionID string, descriptors []ToolDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added[sessionID] = descriptors
}

func (s *fakeSink) RemoveFromSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.added, sessionID)
}

func toolsListResponder(tools ...ToolDescriptor) func(*transport.Message) (*transport.Message, error) {
	return func(msg *transport.Message) (*transport.Message, error) {
		switch msg.Method {
		case "tools/list":
			payload, _ := json.Marshal(struct {
				Tools []ToolDescriptor `json:"tools"`
			}{Tools: tools})
			return &transport.Message{JSONRPC: "2.0", ID: msg.ID, Result: payload}, nil
		default:
			return &transport.Message{JSONRPC: "2.0", ID: msg.ID, Result: json.RawMessage(`{}`)}, nil
		}
	}
}

func TestSessionStartPublishesToolsOnlyWhenConnected(t *testing.T) {
	ft := &fakeTransport{responder: toolsListResponder(ToolDescriptor{LocalName: "read", Description: "reads things"})}
	sink := newFakeSink()
	sess := NewSession("upA", func() (transport.Transport, error) { return ft, nil }, sink, nil, true)

	if sess.State() != reconnect.Disconnected {
		t.Fatal("expected initial state Disconnected")
	}

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.State() != reconnect.Connected {
		t.Fatalf("expected Connected, got %s", sess.State())
	}

	sink.mu.Lock()
	tools := sink.added["upA"]
	sink.mu.Unlock()
	if len(tools) != 1 || tools[0].FullName() != "upA__read" {
		t.Fatalf("expected one published tool upA__read, got %+v", tools)
	}
}

func TestSessionCallToolFailsWhenNotConnected(t *testing.T) {
	ft := &fakeTransport{}
	sess := NewSession("upB", func() (transport.Transport, error) { return ft, nil }, newFakeSink(), nil, true)

	_, err := sess.CallTool(context.Background(), "anything", nil)
	if err == nil {
		t.Fatal("expected error calling a tool on a disconnected session")
	}
}

func TestSessionDisconnectRemovesToolsAndDoesNotReconnect(t *testing.T) {
	ft := &fakeTransport{responder: toolsListResponder(ToolDescriptor{LocalName: "x"})}
	sink := newFakeSink()
	sess := NewSession("upC", func() (transport.Transport, error) { return ft, nil }, sink, nil, true)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if sess.State() != reconnect.Disconnected {
		t.Fatalf("expected Disconnected after explicit disconnect, got %s", sess.State())
	}
	sink.mu.Lock()
	_, stillPresent := sink.added["upC"]
	sink.mu.Unlock()
	if stillPresent {
		t.Fatal("expected tools removed from sink on disconnect")
	}
}

func TestSessionTransportCloseRemovesToolsWithoutExplicitDisconnect(t *testing.T) {
	ft := &fakeTransport{responder: toolsListResponder(ToolDescriptor{LocalName: "x"})}
	sink := newFakeSink()
	sess := NewSession("upD", func() (transport.Transport, error) { return ft, nil }, sink, nil, true)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = ft.Close() // simulate the transport dying out from under the session

	sink.mu.Lock()
	_, stillPresent := sink.added["upD"]
	sink.mu.Unlock()
	if stillPresent {
		t.Fatal("expected tools removed once the transport reports closed")
	}
	if sess.State() != reconnect.Reconnecting {
		t.Fatalf("expected Reconnecting after an unplanned transport close, got %s", sess.State())
	}
}

func TestSessionAutoReconnectRerunsHandshakeAndRepublishesTools(t *testing.T) {
	var mu sync.Mutex
	tools := []ToolDescriptor{{LocalName: "read", Description: "reads"}}
	ft := &fakeTransport{responder: func(msg *transport.Message) (*transport.Message, error) {
		switch msg.Method {
		case "tools/list":
			mu.Lock()
			cur := tools
			mu.Unlock()
			payload, _ := json.Marshal(struct {
				Tools []ToolDescriptor `json:"tools"`
			}{Tools: cur})
			return &transport.Message{JSONRPC: "2.0", ID: msg.ID, Result: payload}, nil
		default:
			return &transport.Message{JSONRPC: "2.0", ID: msg.ID, Result: json.RawMessage(`{}`)}, nil
		}
	}}
	sink := newFakeSink()
	sess := NewSession("upF", func() (transport.Transport, error) { return ft, nil }, sink, nil, true)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Simulate the wire dropping and the transport's own controller
	// redialing automatically, without any explicit Session call.
	ft.fireReconnect(reconnect.Transition{From: reconnect.Connected, To: reconnect.Reconnecting, RetryCount: 1})

	if sess.State() != reconnect.Reconnecting {
		t.Fatalf("expected Reconnecting after transport reports a drop, got %s", sess.State())
	}
	sink.mu.Lock()
	_, stillPresent := sink.added["upF"]
	sink.mu.Unlock()
	if stillPresent {
		t.Fatal("expected tools removed while reconnecting")
	}

	mu.Lock()
	tools = []ToolDescriptor{{LocalName: "read", Description: "reads"}, {LocalName: "write", Description: "writes"}}
	mu.Unlock()

	ft.fireReconnect(reconnect.Transition{From: reconnect.Reconnecting, To: reconnect.Connected, RetryCount: 0})

	deadline := time.Now().Add(2 * time.Second)
	for {
		sink.mu.Lock()
		got := len(sink.added["upF"])
		sink.mu.Unlock()
		if got == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected tools republished with 2 entries after auto-reconnect, got %d", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sess.State() != reconnect.Connected {
		t.Fatalf("expected Connected after auto-reconnect handshake succeeds, got %s", sess.State())
	}
}

func TestSessionCallToolPropagatesUpstreamError(t *testing.T) {
	wantErr := &transport.RPCError{Code: -32000, Message: "boom"}
	ft := &fakeTransport{
		responder: func(msg *transport.Message) (*transport.Message, error) {
			switch msg.Method {
			case "tools/list":
				return toolsListResponder()(msg)
			case "tools/call":
				return &transport.Message{JSONRPC: "2.0", ID: msg.ID, Error: wantErr}, nil
			default:
				return &transport.Message{JSONRPC: "2.0", ID: msg.ID, Result: json.RawMessage(`{}`)}, nil
			}
		},
	}
	sess := NewSession("upE", func() (transport.Transport, error) { return ft, nil }, newFakeSink(), nil, true)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := sess.CallTool(context.Background(), "read", nil)
	var rpcErr *transport.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Message != "boom" {
		t.Fatalf("expected the upstream RPCError to propagate verbatim, got %v", err)
	}
}
