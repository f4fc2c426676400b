package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/centianhq/aproxy/internal/config"
	"github.com/centianhq/aproxy/internal/outboundauth"
	"github.com/centianhq/aproxy/internal/reconnect"
)

// New builds the concrete Transport for one upstream's configuration,
// wiring in its outbound auth provider (if any) and a reconnection
// controller built from its reconnect policy. auth may be nil for stdio
// upstreams, which have no wire to attach headers to.
func New(cfg config.TransportConfig, auth outboundauth.Provider) (Transport, error) {
	ctrl := reconnect.New(cfg.ReconnectOrDefault())

	switch cfg.Kind {
	case config.TransportStdio:
		return NewStdioTransport(cfg.Command, cfg.Args, envSliceFromMap(cfg.Env), ctrl), nil
	case config.TransportSSE:
		return NewSSETransport(cfg.URL, auth, ctrl), nil
	case config.TransportWebsocket:
		return NewWebsocketTransport(cfg.URL, cfg.Subprotocol, auth, ctrl), nil
	case config.TransportStreamableHTTP:
		return NewStreamableHTTPTransport(cfg.URL, auth, ctrl), nil
	default:
		return nil, fmt.Errorf("transport: unsupported kind %q", cfg.Kind)
	}
}

func envSliceFromMap(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// cacheKey identifies a transport instance by its upstream id and the
// serialized shape of its configuration. The auth provider is not part of
// the key: a lookup with the same upstream id and config returns the cached
// transport whichever provider is passed.
type cacheKey struct {
	upstreamID   string
	configDigest string
}

// Cache hands back the same Transport instance for the same upstream
// configuration across repeated lookups (e.g. reconnect orchestration
// re-resolving an upstream's transport without redialing a fresh one),
// and tears down evicted entries.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]Transport
}

// NewCache constructs an empty transport cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey]Transport)}
}

// GetOrCreate returns the cached transport for upstreamID + cfg if present,
// otherwise builds one via New, wiring auth, and caches it.
func (c *Cache) GetOrCreate(upstreamID string, cfg config.TransportConfig, auth outboundauth.Provider) (Transport, error) {
	key := cacheKey{upstreamID: upstreamID, configDigest: digestTransportConfig(cfg)}

	c.mu.Lock()
	if t, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	t, err := New(cfg, auth)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		// Lost the race: tear down the one we just built, keep the winner.
		_ = t.Close()
		return existing, nil
	}
	c.entries[key] = t
	return t, nil
}

// Evict closes and removes the cached transport for upstreamID + cfg, if any.
func (c *Cache) Evict(upstreamID string, cfg config.TransportConfig) {
	key := cacheKey{upstreamID: upstreamID, configDigest: digestTransportConfig(cfg)}
	c.mu.Lock()
	t, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if ok {
		_ = t.Close()
	}
}

func digestTransportConfig(cfg config.TransportConfig) string {
	return fmt.Sprintf("%s|%s|%v|%s|%s|%d|%v",
		cfg.Kind, cfg.Command, cfg.Args, cfg.URL, cfg.Subprotocol, cfg.TimeoutSeconds, cfg.ReconnectOrDefault())
}

// timeoutOrDefault resolves a per-call timeout from the transport config,
// falling back to a conservative default for transports that omit it.
func timeoutOrDefault(cfg config.TransportConfig) time.Duration {
	if cfg.TimeoutSeconds > 0 {
		return time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}
