// Package coordinator owns the lifecycle of every configured upstream,
// routes downstream requests to the right upstream session or core tool,
// and exposes the aggregate catalog over the MCP transports the go-sdk
// provides.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/centianhq/aproxy/internal/common"
	"github.com/centianhq/aproxy/internal/config"
	"github.com/centianhq/aproxy/internal/outboundauth"
	"github.com/centianhq/aproxy/internal/registry"
	"github.com/centianhq/aproxy/internal/reconnect"
	"github.com/centianhq/aproxy/internal/transport"
	"github.com/centianhq/aproxy/internal/upstream"
)

// maxParallelConnects bounds how many upstreams dial concurrently during
// Initialize, independent of how many upstreams are configured.
const maxParallelConnects = 8

// defaultShutdownBudget bounds how long Shutdown waits for every session to
// close before giving up on the stragglers.
const defaultShutdownBudget = 10 * time.Second

// UpstreamStatus reports one upstream's outcome from Initialize or its
// current live status thereafter.
type UpstreamStatus struct {
	ID    string
	State reconnect.State
	Err   error
}

// Coordinator is the aggregating proxy's central object: every upstream
// session, the merged tool registry, and the core tools layered on it.
type Coordinator struct {
	cfg      *config.GlobalConfig
	registry *registry.Registry
	core     *registry.CoreTools
	cache    *transport.Cache

	mu       sync.RWMutex
	sessions map[string]*upstream.Session
}

// New constructs a Coordinator from a loaded configuration. It does not
// connect to any upstream; call Initialize for that.
func New(cfg *config.GlobalConfig, toolsets map[string][]string) *Coordinator {
	reg := registry.New(cfg.ShortNameResolution)
	c := &Coordinator{
		cfg:      cfg,
		registry: reg,
		cache:    transport.NewCache(),
		sessions: make(map[string]*upstream.Session),
	}
	c.core = registry.NewCoreTools(reg, c, toolsets, cfg)
	return c
}

// Registry exposes the merged tool catalog for the downstream-facing server.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// CoreTools exposes the core tool implementations for request routing.
func (c *Coordinator) CoreTools() *registry.CoreTools { return c.core }

// CallTool implements registry.ToolCaller: it is how bridge_tool_request
// reaches an upstream session without the registry importing this package.
func (c *Coordinator) CallTool(ctx context.Context, upstreamID, localName string, args json.RawMessage) (json.RawMessage, error) {
	c.mu.RLock()
	sess, ok := c.sessions[upstreamID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("upstream %q not found", upstreamID)
	}
	if sess.State() != reconnect.Connected {
		return nil, fmt.Errorf("upstream %q is not connected (retryable)", upstreamID)
	}
	return sess.CallTool(ctx, localName, args)
}

// Initialize constructs a session per enabled upstream and connects them in
// parallel with bounded concurrency. One upstream's failure never aborts the
// others — every upstream's outcome is reported, Promise.allSettled-style.
func (c *Coordinator) Initialize(ctx context.Context) []UpstreamStatus {
	ids := c.cfg.ListEnabledUpstreams()

	results := make([]UpstreamStatus, len(ids))
	sem := make(chan struct{}, maxParallelConnects)
	var wg sync.WaitGroup

	for i, id := range ids {
		u, ok := c.cfg.Upstreams[id]
		if !ok {
			results[i] = UpstreamStatus{ID: id, State: reconnect.Failed, Err: fmt.Errorf("upstream %q missing from config", id)}
			continue
		}

		wg.Add(1)
		go func(idx int, upstreamID string, u *config.UpstreamConfig) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			sess := c.buildSession(upstreamID, u)
			sess.OnStateChange(func(status upstream.Status) {
				c.onSessionStateChange(upstreamID, status)
			})

			c.mu.Lock()
			c.sessions[upstreamID] = sess
			c.mu.Unlock()

			err := sess.Start(ctx)
			results[idx] = UpstreamStatus{ID: upstreamID, State: sess.State(), Err: err}
			if err != nil {
				common.LogError("upstream %s: failed to connect: %v", upstreamID, err)
			} else {
				common.LogInfo("upstream %s: connected", upstreamID)
			}
		}(i, id, u)
	}

	wg.Wait()
	return results
}

// buildSession wires together an upstream's auth provider, transport
// factory, and session object from its configuration.
func (c *Coordinator) buildSession(id string, u *config.UpstreamConfig) *upstream.Session {
	var provider outboundauth.Provider
	if u.Auth != nil {
		provider = c.buildAuthProvider(id, u)
	}

	newTransport := func() (transport.Transport, error) {
		return c.cache.GetOrCreate(id, u.Transport, provider)
	}

	return upstream.NewSession(id, newTransport, c.registry, c, true)
}

func (c *Coordinator) buildAuthProvider(id string, u *config.UpstreamConfig) outboundauth.Provider {
	authCfg := u.Auth.Substituted()
	switch authCfg.Kind {
	case config.AuthBearer:
		return outboundauth.NewBearer(authCfg.Token)
	case config.AuthClientCredentials:
		return outboundauth.NewClientCredentials(outboundauth.ClientCredentialsConfig{
			ClientID:      authCfg.ClientID,
			ClientSecret:  authCfg.ClientSecret,
			TokenEndpoint: authCfg.TokenEndpoint,
			Scope:         authCfg.Scope,
			Audience:      authCfg.Audience,
		}, nil)
	case config.AuthAuthorizationCode:
		return outboundauth.NewAuthorizationCodePKCE(outboundauth.AuthorizationCodePKCEConfig{
			ClientID:              authCfg.ClientID,
			ClientSecret:          authCfg.ClientSecret,
			TokenEndpoint:         authCfg.TokenEndpoint,
			AuthorizationEndpoint: authCfg.AuthorizationEndpoint,
			RedirectURI:           authCfg.RedirectURI,
			Scope:                 authCfg.Scope,
		}, func(authURL string) {
			common.LogInfo("upstream %s: visit this URL to authorize: %s", id, authURL)
		})
	default:
		return nil
	}
}

// OnUpstreamNotification implements upstream.NotificationSink: it logs
// forwarded server-originated notifications. tools/list_changed from an
// upstream is handled separately, via reconnect convergence in
// onSessionStateChange, since most upstreams don't emit it reliably.
func (c *Coordinator) OnUpstreamNotification(sessionID, method string, params json.RawMessage) {
	common.LogDebug("upstream %s: notification %s", sessionID, method)
}

// onSessionStateChange logs every transition the coordinator subscribed to
// via Session.OnStateChange. The session itself owns re-fetching the tool
// list and republishing it to the registry on a reconnect (it is the one
// that hears about the transport's own reconnection controller), so this
// hook is purely observational — it never calls back into the session.
func (c *Coordinator) onSessionStateChange(upstreamID string, status upstream.Status) {
	switch {
	case status.State == reconnect.Failed:
		common.LogError("upstream %s: state -> %s (err: %v)", upstreamID, status.State, status.LastError)
	case status.NextRetryDelay != nil:
		common.LogInfo("upstream %s: state -> %s (retry %d in %s)", upstreamID, status.State, status.RetryCount, *status.NextRetryDelay)
	default:
		common.LogInfo("upstream %s: state -> %s", upstreamID, status.State)
	}
}

// Reconnect explicitly reconnects one upstream by id.
func (c *Coordinator) Reconnect(ctx context.Context, upstreamID string) error {
	c.mu.RLock()
	sess, ok := c.sessions[upstreamID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("upstream %q not found", upstreamID)
	}
	return sess.Reconnect(ctx)
}

// Statuses reports the live status of every configured upstream.
func (c *Coordinator) Statuses() []UpstreamStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]UpstreamStatus, 0, len(c.sessions))
	for id, sess := range c.sessions {
		st := sess.Status()
		out = append(out, UpstreamStatus{ID: id, State: st.State, Err: st.LastError})
	}
	return out
}

// Shutdown disconnects every session, bounded by defaultShutdownBudget;
// sessions not closed in time are orphaned with a warning rather than
// blocking the whole shutdown.
func (c *Coordinator) Shutdown() {
	c.mu.RLock()
	sessions := make([]*upstream.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range sessions {
			wg.Add(1)
			go func(sess *upstream.Session) {
				defer wg.Done()
				_ = sess.Disconnect()
			}(s)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(defaultShutdownBudget):
		common.LogWarn("shutdown: timed out after %s waiting for all upstreams to close", defaultShutdownBudget)
	}
}
