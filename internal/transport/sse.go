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

// SSETransport consumes a long-lived server-sent-events stream for incoming
// messages and issues a paired POST per outbound message, as used by MCP
// servers predating the streamable-HTTP transport.
type SSETransport struct {
	*Base
	baseURL string
	client  *http.Client

	mu       sync.Mutex
	postURL  string
	streamCl io.Closer
	cancel   context.CancelFunc
}

// NewSSETransport constructs an SSE transport.
func NewSSETransport(baseURL string, auth outboundauth.Provider, reconnectCtrl *reconnect.Controller) *SSETransport {
	t := &SSETransport{baseURL: baseURL, client: http.DefaultClient}
	t.Base = NewBase("sse", t, auth, reconnectCtrl, isRetryableNetError)
	return t
}

// Dial opens the GET event stream and blocks until the server's initial
// "endpoint" event names the POST URL to use for outbound messages.
func (t *SSETransport) Dial(ctx context.Context, headers map[string]string) error {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("transport/sse: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("transport/sse: connect: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		cancel()
		return ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("transport/sse: unexpected status %d", resp.StatusCode)
	}

	endpointReady := make(chan string, 1)
	t.mu.Lock()
	t.streamCl = resp.Body
	t.cancel = cancel
	t.mu.Unlock()

	go t.readLoop(resp.Body, endpointReady)

	select {
	case endpoint := <-endpointReady:
		t.mu.Lock()
		t.postURL = t.resolveEndpoint(endpoint)
		t.mu.Unlock()
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

func (t *SSETransport) resolveEndpoint(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	base := strings.TrimSuffix(t.baseURL, "/")
	if idx := strings.Index(base, "://"); idx >= 0 {
		if slash := strings.Index(base[idx+3:], "/"); slash >= 0 {
			base = base[:idx+3+slash]
		}
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return base + endpoint
}

// readLoop parses the SSE stream, dispatching "message" events to
// routeIncoming and resolving endpointReady on the first "endpoint" event.
func (t *SSETransport) readLoop(body io.ReadCloser, endpointReady chan<- string) {
	defer body.Close()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var eventName string
	var dataLines []string
	sawEndpoint := false

	flush := func() {
		data := strings.Join(dataLines, "\n")
		dataLines = nil
		if data == "" {
			return
		}
		switch eventName {
		case "endpoint":
			if !sawEndpoint {
				sawEndpoint = true
				endpointReady <- data
			}
		default:
			var msg Message
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				t.emitError(fmt.Errorf("transport/sse: malformed event: %w", err))
				return
			}
			t.routeIncoming(&msg)
		}
		eventName = ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	t.scheduleReconnect(fmt.Errorf("transport/sse: stream closed"))
}

// Dispatch implements Dispatcher: POSTs the message to the paired endpoint.
func (t *SSETransport) Dispatch(ctx context.Context, msg *Message, headers map[string]string) error {
	t.mu.Lock()
	postURL := t.postURL
	t.mu.Unlock()
	if postURL == "" {
		return fmt.Errorf("transport/sse: no endpoint established")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport/sse: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("transport/sse: build post: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport/sse: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transport/sse: post status %d", resp.StatusCode)
	}
	return nil
}

// Shutdown implements Dispatcher.
func (t *SSETransport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	if t.streamCl != nil {
		return t.streamCl.Close()
	}
	return nil
}

var _ Transport = (*SSETransport)(nil)
