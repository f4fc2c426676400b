package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/centianhq/aproxy/internal/outboundauth"
	"github.com/centianhq/aproxy/internal/reconnect"
)

const websocketPingInterval = 30 * time.Second

// WebsocketTransport exchanges JSON-RPC frames over a single websocket
// connection, accepting ws/wss/http/https URLs (http(s) is upgraded).
type WebsocketTransport struct {
	*Base
	url         string
	subprotocol string

	mu       sync.Mutex
	conn     *websocket.Conn
	pingStop chan struct{}
}

// NewWebsocketTransport constructs a websocket transport.
func NewWebsocketTransport(url, subprotocol string, auth outboundauth.Provider, reconnectCtrl *reconnect.Controller) *WebsocketTransport {
	t := &WebsocketTransport{url: url}
	t.subprotocol = subprotocol
	t.Base = NewBase("websocket", t, auth, reconnectCtrl, isRetryableNetError)
	return t
}

func isRetryableNetError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "connection reset") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "i/o timeout") ||
		strings.Contains(s, "EOF") ||
		websocket.IsUnexpectedCloseError(err)
}

func wsURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		return raw
	}
}

// Dial implements Dispatcher.
func (t *WebsocketTransport) Dial(ctx context.Context, headers map[string]string) error {
	dialer := websocket.DefaultDialer
	if t.subprotocol != "" {
		d := *websocket.DefaultDialer
		d.Subprotocols = []string{t.subprotocol}
		dialer = &d
	}

	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL(t.url), h)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("transport/websocket: dial: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.pingStop = make(chan struct{})
	t.mu.Unlock()

	go t.readLoop(conn)
	go t.pingLoop(conn, t.pingStop)
	return nil
}

func (t *WebsocketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.scheduleReconnect(fmt.Errorf("transport/websocket: read: %w", err))
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.emitError(fmt.Errorf("transport/websocket: malformed frame: %w", err))
			continue
		}
		t.routeIncoming(&msg)
	}
}

func (t *WebsocketTransport) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(websocketPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// Dispatch implements Dispatcher.
func (t *WebsocketTransport) Dispatch(ctx context.Context, msg *Message, headers map[string]string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport/websocket: not connected")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport/websocket: marshal: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("transport/websocket: write: %w", err)
	}
	return nil
}

// Shutdown implements Dispatcher.
func (t *WebsocketTransport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pingStop != nil {
		close(t.pingStop)
		t.pingStop = nil
	}
	if t.conn != nil {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

var _ Transport = (*WebsocketTransport)(nil)
