package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/centianhq/aproxy/internal/outboundauth"
	"github.com/centianhq/aproxy/internal/reconnect"
)

// StreamableHTTPTransport issues one POST per outbound message, reading the
// response body back synchronously from that same response — the transport
// the MCP spec calls "Streamable HTTP". An application/json body is decoded
// as a single message; a text/event-stream body may carry one or more data
// events. No separate read loop: each Dispatch resolves its own message by
// routing every message it reads, which includes the response to the
// request it just sent.
type StreamableHTTPTransport struct {
	*Base
	url     string
	client  *http.Client
	session string
	mu      sync.Mutex
}

// NewStreamableHTTPTransport constructs a streaming-HTTP transport.
func NewStreamableHTTPTransport(url string, auth outboundauth.Provider, reconnectCtrl *reconnect.Controller) *StreamableHTTPTransport {
	t := &StreamableHTTPTransport{url: url, client: http.DefaultClient}
	t.Base = NewBase("streamable-http", t, auth, reconnectCtrl, isRetryableNetError)
	return t
}

// Dial performs no handshake of its own; the upstream session is
// established implicitly by the first POST's Mcp-Session-Id response header.
func (t *StreamableHTTPTransport) Dial(ctx context.Context, headers map[string]string) error {
	return nil
}

// Dispatch POSTs msg and streams the response body, routing every framed
// message it contains. The response to msg itself is resolved via the
// ordinary pending-map path (routeIncoming), so Dispatch returns as soon as
// the body is fully drained rather than returning the message directly.
func (t *StreamableHTTPTransport) Dispatch(ctx context.Context, msg *Message, headers map[string]string) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport/streamable-http: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("transport/streamable-http: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.mu.Lock()
	session := t.session
	t.mu.Unlock()
	if session != "" {
		req.Header.Set("Mcp-Session-Id", session)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport/streamable-http: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transport/streamable-http: status %d", resp.StatusCode)
	}

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.session = sid
		t.mu.Unlock()
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		return t.consumeSSEBody(resp.Body)
	}
	return t.consumeJSONBody(resp.Body)
}

func (t *StreamableHTTPTransport) consumeJSONBody(body io.Reader) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("transport/streamable-http: read body: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	t.decodeAndRoute(string(raw))
	return nil
}

func (t *StreamableHTTPTransport) consumeSSEBody(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				dataLines = nil
				t.decodeAndRoute(data)
			}
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if len(dataLines) > 0 {
		t.decodeAndRoute(strings.Join(dataLines, "\n"))
	}
	return nil
}

func (t *StreamableHTTPTransport) decodeAndRoute(data string) {
	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		t.emitError(fmt.Errorf("transport/streamable-http: malformed event: %w", err))
		return
	}
	t.routeIncoming(&msg)
}

// Shutdown implements Dispatcher: streaming-HTTP holds no persistent
// connection to release.
func (t *StreamableHTTPTransport) Shutdown() error {
	return nil
}

var _ Transport = (*StreamableHTTPTransport)(nil)
