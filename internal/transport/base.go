package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/centianhq/aproxy/internal/outboundauth"
	"github.com/centianhq/aproxy/internal/reconnect"
)

// ErrUnauthorized is returned by a Dispatcher when the wire call failed with
// an HTTP 401. Base retries exactly once after refreshing auth.
var ErrUnauthorized = errors.New("transport: unauthorized")

// retryableClassifier reports whether a wire-level error should be handed to
// the reconnection controller (connection reset, refused, timeout) rather
// than surfaced via onerror as a non-retryable fault.
type retryableClassifier func(error) bool

// Dispatcher performs the wire-specific half of a transport: connecting and
// transmitting a request. Base owns everything else (correlation, retry,
// auth, reconnection, close semantics).
type Dispatcher interface {
	// Dial establishes the wire-level connection. Called by Base.Start.
	Dial(ctx context.Context, headers map[string]string) error
	// Dispatch transmits msg. The eventual response arrives asynchronously
	// via Base.routeIncoming (called by the concrete transport's own read
	// loop), except for request/response-shaped transports which may call
	// routeIncoming synchronously from within Dispatch itself.
	Dispatch(ctx context.Context, msg *Message, headers map[string]string) error
	// Shutdown releases wire resources. Called by Base.Close.
	Shutdown() error
}

// Base implements Transport's correlation map, auth injection, 401 retry,
// and reconnection hookup. Concrete transports embed it and supply a Dispatcher.
type Base struct {
	name       string // "stdio", "sse", "websocket", "streamable-http" — for errors/logs
	dispatcher Dispatcher
	auth       outboundauth.Provider
	reconnect  *reconnect.Controller
	retryable  retryableClassifier

	mu        sync.Mutex
	started   bool
	closed    bool
	sessionID string
	pending   map[string]*pendingRequest
	nextID    uint64

	onMessage []func(*Message)
	onError   []func(error)
	onClose   []func()
}

type pendingRequest struct {
	resultCh chan pendingResult
}

type pendingResult struct {
	msg *Message
	err error
}

// NewBase constructs a Base. auth and reconnectCtrl may be nil (e.g. stdio
// has no auth; a transport used outside a session may have no reconnection).
func NewBase(name string, dispatcher Dispatcher, auth outboundauth.Provider, reconnectCtrl *reconnect.Controller, retryable retryableClassifier) *Base {
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	return &Base{
		name:       name,
		dispatcher: dispatcher,
		auth:       auth,
		reconnect:  reconnectCtrl,
		retryable:  retryable,
		pending:    make(map[string]*pendingRequest),
	}
}

// Start validates preconditions are already the caller's job (see factory
// validator); Start itself just dials once. Subsequent calls are a no-op:
// automatic reconnection after the first successful connect goes through
// connect directly (via the reconnection controller's scheduled callback),
// never back through Start.
func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	return b.connect(ctx)
}

// connect performs one dial attempt, win or lose, and is reused by both the
// first Start and every subsequent auto-reconnect attempt scheduled by the
// reconnection controller.
func (b *Base) connect(ctx context.Context) error {
	if b.reconnect != nil {
		b.reconnect.OnConnecting()
	}

	headers, err := b.authHeaders(ctx)
	if err != nil {
		b.emitError(err)
		return err
	}

	if err := b.dispatcher.Dial(ctx, headers); err != nil {
		b.handleConnectFailure(err)
		return err
	}

	b.mu.Lock()
	b.sessionID = newSessionID()
	b.mu.Unlock()

	if b.reconnect != nil {
		b.reconnect.OnConnected()
	}
	return nil
}

func (b *Base) handleConnectFailure(err error) {
	if b.reconnect != nil && b.retryable(err) {
		b.reconnect.OnDisconnected(err)
		b.reconnect.Schedule(func() {
			_ = b.connect(context.Background())
		})
		return
	}
	b.emitError(err)
}

func (b *Base) authHeaders(ctx context.Context) (map[string]string, error) {
	if b.auth == nil {
		return nil, nil
	}
	headers, err := b.auth.GetHeaders(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: auth headers: %w", err)
	}
	return headers, nil
}

// Send allocates a correlation id, installs a pending entry, dispatches the
// request, and blocks until it is resolved, the transport closes, or ctx is
// cancelled.
func (b *Base) Send(ctx context.Context, msg *Message) (*Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	id := b.allocateIDLocked()
	msg.ID = id
	entry := &pendingRequest{resultCh: make(chan pendingResult, 1)}
	b.pending[string(id)] = entry
	b.mu.Unlock()

	result, err := b.dispatchWithReauth(ctx, msg)
	if err != nil {
		b.removePending(string(id))
		return nil, err
	}
	if result != nil {
		// Dispatcher resolved synchronously (e.g. streaming-HTTP request/response).
		b.removePending(string(id))
		return result, nil
	}

	select {
	case res := <-entry.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.msg, nil
	case <-ctx.Done():
		b.removePending(string(id))
		return nil, ctx.Err()
	}
}

// dispatchWithReauth calls Dispatch, retrying exactly once on ErrUnauthorized
// after refreshing auth. It returns (msg, nil) if the dispatcher resolved the
// call synchronously and wrote a result via routeIncoming already, in which
// case msg is taken from the pending entry here and the entry is removed;
// otherwise it returns (nil, nil) and the caller waits on the entry.
func (b *Base) dispatchWithReauth(ctx context.Context, msg *Message) (*Message, error) {
	headers, err := b.authHeaders(ctx)
	if err != nil {
		return nil, err
	}

	err = b.dispatcher.Dispatch(ctx, msg, headers)
	if errors.Is(err, ErrUnauthorized) {
		if b.auth == nil {
			return nil, err
		}
		if refreshErr := b.auth.Refresh(ctx); refreshErr != nil {
			return nil, fmt.Errorf("transport: reauth failed: %w", refreshErr)
		}
		headers, herr := b.authHeaders(ctx)
		if herr != nil {
			return nil, herr
		}
		err = b.dispatcher.Dispatch(ctx, msg, headers)
		if errors.Is(err, ErrUnauthorized) {
			return nil, fmt.Errorf("transport: unauthorized after reauth retry")
		}
	}
	if err != nil {
		if b.retryable(err) {
			b.scheduleReconnect(err)
		} else {
			b.emitError(err)
		}
		return nil, err
	}

	// Synchronous dispatchers (streaming-HTTP) resolve the pending entry
	// themselves via routeIncoming before Dispatch returns; surface it now.
	return b.takeResolvedIfReady(string(msg.ID)), nil
}

func (b *Base) takeResolvedIfReady(id string) *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.pending[id]
	if !ok {
		return nil
	}
	select {
	case res := <-entry.resultCh:
		delete(b.pending, id)
		if res.msg != nil {
			return res.msg
		}
		return nil
	default:
		return nil
	}
}

func (b *Base) removePending(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

// routeIncoming is called by a concrete transport's read loop for every
// parsed message. Messages with a matching pending id resolve that entry;
// all others are forwarded to onMessage observers.
func (b *Base) routeIncoming(msg *Message) {
	if msg.HasID() {
		b.mu.Lock()
		entry, ok := b.pending[string(msg.ID)]
		b.mu.Unlock()
		if ok {
			result := pendingResult{msg: msg}
			if msg.Error != nil {
				result.err = msg.Error
			}
			select {
			case entry.resultCh <- result:
			default:
			}
			return
		}
	}

	b.mu.Lock()
	observers := append([]func(*Message){}, b.onMessage...)
	b.mu.Unlock()
	for _, obs := range observers {
		obs(msg)
	}
}

// scheduleReconnect forwards a retryable wire failure to the reconnection
// controller, if one is attached. Any request still pending on this
// connection can never be answered by it, so it is rejected immediately
// rather than left to hang until the caller's context deadline — per §4.G,
// an in-flight call observed during a disconnect completes with a
// transport-closed error rather than silently hanging.
func (b *Base) scheduleReconnect(err error) {
	b.abortPending(ErrClosed)

	if b.reconnect == nil {
		b.emitError(err)
		return
	}
	b.reconnect.OnDisconnected(err)
	b.reconnect.Schedule(func() {
		_ = b.connect(context.Background())
	})
}

// abortPending rejects every currently pending request with err, atomically
// swapping in a fresh empty map so each entry is completed exactly once.
func (b *Base) abortPending(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()

	for _, entry := range pending {
		select {
		case entry.resultCh <- pendingResult{err: err}:
		default:
		}
	}
}

func (b *Base) emitError(err error) {
	b.mu.Lock()
	observers := append([]func(error){}, b.onError...)
	b.mu.Unlock()
	for _, obs := range observers {
		obs(err)
	}
}

// Close marks the transport closed, aborts all pending entries, cancels
// reconnection, and releases wire resources. Idempotent.
func (b *Base) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.sessionID = ""
	closeObservers := append([]func(){}, b.onClose...)
	b.mu.Unlock()

	b.abortPending(ErrClosed)

	if b.reconnect != nil {
		b.reconnect.Destroy()
	}

	err := b.dispatcher.Shutdown()

	for _, obs := range closeObservers {
		obs()
	}
	return err
}

// OnReconnect registers an observer for this transport's internal
// reconnection state transitions (wire-level dial attempts and backoff —
// not the owning session's handshake state). A transport with no
// reconnection controller attached silently drops the observer, since it
// will never reconnect on its own. It may be called at any time; an
// observer registered after Start sees only later transitions.
func (b *Base) OnReconnect(fn func(reconnect.Transition)) {
	if b.reconnect == nil {
		return
	}
	b.reconnect.Observe(fn)
}

func (b *Base) OnMessage(fn func(*Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMessage = append(b.onMessage, fn)
}

func (b *Base) OnError(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = append(b.onError, fn)
}

func (b *Base) OnClose(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onClose = append(b.onClose, fn)
}

func (b *Base) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

func (b *Base) allocateIDLocked() []byte {
	n := atomic.AddUint64(&b.nextID, 1)
	return []byte(fmt.Sprintf("%q", fmt.Sprintf("%s-%d", b.name, n)))
}

func newSessionID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
