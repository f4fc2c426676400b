// Package upstream implements one logical connection to one upstream tool
// server: transport lifecycle, the initialize/tools-list handshake, call
// dispatch, and forwarding of server-originated notifications.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/centianhq/aproxy/internal/common"
	"github.com/centianhq/aproxy/internal/reconnect"
	"github.com/centianhq/aproxy/internal/transport"
)

// ToolDescriptor mirrors the wire tool descriptor shape, plus the upstream id
// it was discovered from.
type ToolDescriptor struct {
	LocalName   string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	UpstreamID  string          `json:"-"`
}

// FullName returns the namespaced name the registry indexes on.
func (d ToolDescriptor) FullName() string {
	return d.UpstreamID + "__" + d.LocalName
}

// ToolSink receives a session's tool catalog. Implemented by the tool
// registry; kept as a narrow interface here so upstream does not import it.
type ToolSink interface {
	AddFromSession(sessionID string, descriptors []ToolDescriptor)
	RemoveFromSession(sessionID string)
}

// NotificationSink receives server-originated notifications that are not
// responses to a pending request (e.g. notifications/tools/list_changed).
type NotificationSink interface {
	OnUpstreamNotification(sessionID string, method string, params json.RawMessage)
}

// Status reports a session's current connection state for diagnostics.
type Status struct {
	State          reconnect.State
	RetryCount     int
	NextRetryDelay *time.Duration
	LastError      error
}

// Session is one logical upstream connection.
type Session struct {
	ID        string
	newTransport func() (transport.Transport, error)
	sink      ToolSink
	notifier  NotificationSink

	mu             sync.Mutex
	current        transport.Transport
	state          reconnect.State
	retryCount     int
	nextRetryDelay *time.Duration
	lastErr        error
	autoReconnect  bool
	onState        func(Status)
}

// OnStateChange registers a callback invoked whenever the session's
// connection state changes. Used by the proxy coordinator to log
// transitions; the session itself re-fetches its tool list on reconnect.
func (s *Session) OnStateChange(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// NewSession constructs a session. newTransport builds a fresh Transport
// instance each time it is called — Session calls it once at Start and
// again on an explicit reconnect, since a closed transport cannot be reused.
func NewSession(id string, newTransport func() (transport.Transport, error), sink ToolSink, notifier NotificationSink, autoReconnect bool) *Session {
	return &Session{
		ID:            id,
		newTransport:  newTransport,
		sink:          sink,
		notifier:      notifier,
		state:         reconnect.Disconnected,
		autoReconnect: autoReconnect,
	}
}

// Start connects the transport, performs the initialize handshake, and
// fetches the initial tool catalog. If autoReconnect is set, it also
// subscribes to the transport's own reconnection controller so a wire-level
// auto-reconnect (one this Session never initiates or even hears about
// otherwise) re-runs the handshake and republishes the tool catalog instead
// of leaving the session wrongly reporting Connected with a stale namespace.
func (s *Session) Start(ctx context.Context) error {
	tr, err := s.newTransport()
	if err != nil {
		s.setState(reconnect.Failed, err)
		return err
	}

	s.mu.Lock()
	s.current = tr
	s.mu.Unlock()

	tr.OnClose(func() { s.handleTransportClosed() })
	tr.OnMessage(func(m *transport.Message) {
		if s.notifier != nil && m.Method != "" {
			s.notifier.OnUpstreamNotification(s.ID, m.Method, m.Params)
		}
	})
	if s.autoReconnect {
		tr.OnReconnect(s.handleReconnectTransition)
	}

	s.setState(reconnect.Connecting, nil)
	if err := tr.Start(ctx); err != nil {
		s.setState(reconnect.Disconnected, err)
		return err
	}

	if err := s.handshake(ctx, tr); err != nil {
		s.setState(reconnect.Disconnected, err)
		return err
	}

	s.setState(reconnect.Connected, nil)

	if err := s.fetchAndPublishTools(ctx, tr); err != nil {
		return err
	}
	return nil
}

// handshake runs the initialize call. Shared by Start and the auto-reconnect
// path, which must re-run it after the wire redials on its own.
func (s *Session) handshake(ctx context.Context, tr transport.Transport) error {
	_, err := tr.Send(ctx, &transport.Message{JSONRPC: "2.0", Method: "initialize"})
	return err
}

// fetchAndPublishTools fetches the catalog over an already-handshaked
// transport and republishes it to the sink, atomically replacing this
// session's prior entries. Shared by ListTools and the auto-reconnect path.
func (s *Session) fetchAndPublishTools(ctx context.Context, tr transport.Transport) error {
	resp, err := tr.Send(ctx, &transport.Message{JSONRPC: "2.0", Method: "tools/list"})
	if err != nil {
		return fmt.Errorf("upstream %s: tools/list: %w", s.ID, err)
	}

	var payload struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &payload); err != nil {
		return fmt.Errorf("upstream %s: malformed tools/list result: %w", s.ID, err)
	}
	for i := range payload.Tools {
		payload.Tools[i].UpstreamID = s.ID
	}

	if s.sink != nil {
		s.sink.AddFromSession(s.ID, payload.Tools)
	}
	return nil
}

// ListTools re-fetches the catalog from the upstream and republishes it to
// the sink.
func (s *Session) ListTools(ctx context.Context) error {
	tr := s.transportOrNil()
	if tr == nil || s.State() != reconnect.Connected {
		return fmt.Errorf("upstream %s: not connected", s.ID)
	}
	return s.fetchAndPublishTools(ctx, tr)
}

// handleReconnectTransition reacts to the underlying transport's own
// reconnection controller, which redials the wire automatically without ever
// calling back into Session on its own. A Reconnecting transition means the
// wire dropped out from under an established session, so this session's
// tools are pulled from the registry immediately, per the invariant that no
// tool is reported exposed while its session is not Connected. A Connected
// transition means the wire redialed successfully but the session's own
// initialize/tools-list handshake has not re-run yet, so that work is done
// in a goroutine — handleReconnectTransition is invoked synchronously from
// inside the reconnection controller's lock, and blocking there would
// deadlock any other controller call made while the handshake is in flight.
// A Failed transition means reconnection is exhausted; the upstream is
// reported Failed until an explicit Reconnect.
func (s *Session) handleReconnectTransition(t reconnect.Transition) {
	switch t.To {
	case reconnect.Reconnecting, reconnect.Disconnected:
		if s.sink != nil {
			s.sink.RemoveFromSession(s.ID)
		}
		s.applyTransition(t)
	case reconnect.Failed:
		if s.sink != nil {
			s.sink.RemoveFromSession(s.ID)
		}
		s.applyTransition(t)
	case reconnect.Connected:
		// Only a transition out of Reconnecting is an auto-reconnect: the
		// very first connect also reports Connected through this same
		// observer (registered before Start dials), and Start's own
		// handshake/publish already covers that case.
		if t.From == reconnect.Reconnecting {
			go s.handleAutoReconnected()
		}
	}
}

// handleAutoReconnected re-runs the initialize/tools-list handshake after the
// transport's own controller reports a successful redial, so the namespace
// eventually re-converges instead of staying stuck on a stale or empty
// catalog — per §4.I, a Connected transition re-fetches the tool list. The
// session is only marked Connected once the handshake and re-publish
// actually succeed; a failure here leaves it Reconnecting rather than lying
// about the state of a namespace it could not actually refresh.
func (s *Session) handleAutoReconnected() {
	tr := s.transportOrNil()
	if tr == nil {
		return
	}

	ctx := context.Background()
	if err := s.handshake(ctx, tr); err != nil {
		common.LogError("upstream %s: re-handshake after auto-reconnect: %v", s.ID, err)
		return
	}
	if err := s.fetchAndPublishTools(ctx, tr); err != nil {
		common.LogError("upstream %s: re-fetching tool list after auto-reconnect: %v", s.ID, err)
		return
	}
	s.setState(reconnect.Connected, nil)
}

// CallTool invokes a local tool name with the given arguments and returns
// the raw result payload.
func (s *Session) CallTool(ctx context.Context, localName string, args json.RawMessage) (json.RawMessage, error) {
	tr := s.transportOrNil()
	if tr == nil || s.State() != reconnect.Connected {
		return nil, fmt.Errorf("upstream %s: not connected", s.ID)
	}

	params, err := json.Marshal(struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}{Name: localName, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("upstream %s: marshal params: %w", s.ID, err)
	}

	resp, err := tr.Send(ctx, &transport.Message{JSONRPC: "2.0", Method: "tools/call", Params: params})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Reconnect closes the current transport and establishes a fresh one.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	tr := s.current
	s.current = nil
	s.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
	return s.Start(ctx)
}

// Disconnect closes the transport and marks the session Disconnected
// without scheduling a retry.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	tr := s.current
	s.current = nil
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.RemoveFromSession(s.ID)
	}
	s.setState(reconnect.Disconnected, nil)
	if tr != nil {
		return tr.Close()
	}
	return nil
}

// Status reports the session's current state, retry count, and last error.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state, RetryCount: s.retryCount, NextRetryDelay: s.nextRetryDelay, LastError: s.lastErr}
}

// State returns just the current connection state.
func (s *Session) State() reconnect.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transportOrNil() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) setState(state reconnect.State, err error) {
	s.mu.Lock()
	s.state = state
	s.lastErr = err
	s.nextRetryDelay = nil
	cb := s.onState
	status := Status{State: s.state, RetryCount: s.retryCount, NextRetryDelay: s.nextRetryDelay, LastError: s.lastErr}
	s.mu.Unlock()
	if cb != nil {
		cb(status)
	}
}

// applyTransition folds a transport reconnection-controller transition into
// the session's own state, preserving the retry count and next-retry delay
// the controller computed so Status/Statuses can surface them (§4.A).
func (s *Session) applyTransition(t reconnect.Transition) {
	s.mu.Lock()
	s.state = t.To
	s.retryCount = t.RetryCount
	s.nextRetryDelay = t.NextRetryDelay
	s.lastErr = t.Error
	cb := s.onState
	status := Status{State: s.state, RetryCount: s.retryCount, NextRetryDelay: s.nextRetryDelay, LastError: s.lastErr}
	s.mu.Unlock()
	if cb != nil {
		cb(status)
	}
}

// handleTransportClosed reacts to the transport closing without an explicit
// Disconnect (for example Reconnect closing the old transport): removes this session's
// tools from the registry so no tool is ever reported exposed while
// disconnected, per the visibility invariant.
func (s *Session) handleTransportClosed() {
	if s.State() == reconnect.Disconnected {
		return // already an explicit Disconnect(); sink already cleared.
	}
	if s.sink != nil {
		s.sink.RemoveFromSession(s.ID)
	}
	s.setState(reconnect.Reconnecting, s.lastErr)
}
