// Package config provides configuration management for the aproxy tool:
// loading, validating, and saving the JSON document that describes the
// proxy's own settings and the upstream tool servers it aggregates.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/centianhq/aproxy/internal/common"
)

// ProcessorType defines the type of an in-process command, e.g. cli, webhook, internal, etc.
type ProcessorType string

const (
	// CLIProcessor represents the type of a CLI-based processor -> "cli".
	CLIProcessor ProcessorType = "cli"
)

// TransportKind identifies one of the four wire shapes an upstream can be reached over.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportWebsocket      TransportKind = "websocket"
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// AuthKind identifies one of the three outbound auth provider shapes.
type AuthKind string

const (
	AuthBearer             AuthKind = "bearer"
	AuthClientCredentials  AuthKind = "client_credentials"
	AuthAuthorizationCode  AuthKind = "authorization_code"
)

// ReconnectConfig configures a reconnection controller for one upstream.
// Mirrors the reconnect-field validation table in the spec (§4.F).
type ReconnectConfig struct {
	MaxAttempts       int     `json:"maxAttempts"`
	InitialDelayMs    int     `json:"initialDelayMs"`
	MaxDelayMs        int     `json:"maxDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	Jitter            float64 `json:"jitter"`
}

// DefaultReconnectConfig returns sane defaults for upstreams that omit "reconnect".
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts:       5,
		InitialDelayMs:    1000,
		MaxDelayMs:        30000,
		BackoffMultiplier: 2,
		Jitter:            0.2,
	}
}

// TransportConfig is the tagged variant over the four wire shapes (§4.F).
type TransportConfig struct {
	Kind TransportKind `json:"kind"`

	// stdio
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// sse / websocket / streamable-http
	URL            string            `json:"url,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Subprotocol    string            `json:"subprotocol,omitempty"` // websocket only
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`

	Reconnect *ReconnectConfig `json:"reconnect,omitempty"`
}

// GetSubstitutedHeaders returns headers with environment variables substituted.
// Supports both ${VAR_NAME} and $VAR_NAME syntax.
func (t *TransportConfig) GetSubstitutedHeaders() map[string]string {
	if t.Headers == nil {
		return make(map[string]string)
	}
	result := make(map[string]string, len(t.Headers))
	for key, value := range t.Headers {
		result[key] = os.Expand(value, os.Getenv)
	}
	return result
}

// ReconnectOrDefault returns the configured reconnect policy, or the default if unset.
func (t *TransportConfig) ReconnectOrDefault() ReconnectConfig {
	if t.Reconnect != nil {
		return *t.Reconnect
	}
	return DefaultReconnectConfig()
}

// AuthConfig is the tagged variant over the three outbound auth provider shapes (§4.C).
// String fields support ${VAR} environment substitution exactly like transport headers,
// since secret-source resolution itself is an external collaborator (spec.md §1).
type AuthConfig struct {
	Kind AuthKind `json:"kind"`

	// bearer
	Token string `json:"token,omitempty"`

	// client_credentials (and shared with authorization_code)
	ClientID      string `json:"clientId,omitempty"`
	ClientSecret  string `json:"clientSecret,omitempty"`
	TokenEndpoint string `json:"tokenEndpoint,omitempty"`
	Scope         string `json:"scope,omitempty"`
	Audience      string `json:"audience,omitempty"`

	// authorization_code
	AuthorizationEndpoint string `json:"authorizationEndpoint,omitempty"`
	RedirectURI           string `json:"redirectUri,omitempty"`
}

// Substituted returns a copy of the AuthConfig with ${VAR} placeholders in its
// secret-bearing fields resolved from the process environment.
func (a *AuthConfig) Substituted() AuthConfig {
	out := *a
	out.Token = os.Expand(out.Token, os.Getenv)
	out.ClientSecret = os.Expand(out.ClientSecret, os.Getenv)
	out.ClientID = os.Expand(out.ClientID, os.Getenv)
	return out
}

// UpstreamConfig represents a single upstream tool server (spec.md §3 "Upstream").
type UpstreamConfig struct {
	ID          string          `json:"-"` // populated from the map key it is stored under
	Description string          `json:"description,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Transport   TransportConfig `json:"transport"`
	Auth        *AuthConfig     `json:"auth,omitempty"`
}

// IsEnabled returns true if the upstream is either explicitly enabled or the flag is unset (nil).
func (u *UpstreamConfig) IsEnabled() bool {
	if u.Enabled == nil {
		return true
	}
	return *u.Enabled
}

// ProxySettings contains proxy-level configuration for the downstream-facing surface.
type ProxySettings struct {
	Host     string `json:"host,omitempty"`
	Port     string `json:"port,omitempty"`
	LogLevel string `json:"logLevel,omitempty"` // debug, info, warn, error
	Timeout  int    `json:"timeout,omitempty"`  // request timeout in seconds
}

// NewDefaultProxySettings creates a new ProxySettings with default values.
func NewDefaultProxySettings() ProxySettings {
	return ProxySettings{
		Host:     DefaultProxyHost,
		Port:     "8080",
		Timeout:  30,
		LogLevel: "info",
	}
}

// GlobalConfig is the root configuration object loaded from ~/.aproxy/config.json.
type GlobalConfig struct {
	Name                string                     `json:"name"`
	Version             string                     `json:"version"`
	AuthEnabled         *bool                      `json:"auth,omitempty"`
	AuthHeader          string                     `json:"authHeader,omitempty"`
	ShortNameResolution bool                       `json:"shortNameResolution,omitempty"`
	Proxy               *ProxySettings             `json:"proxy,omitempty"`
	Upstreams           map[string]*UpstreamConfig `json:"upstreams,omitempty"`
	Commands            []*ProcessorConfig         `json:"commands,omitempty"`
	Metadata            map[string]interface{}     `json:"metadata,omitempty"`
}

// DefaultAuthHeader represents the default header for inbound proxy authentication.
const DefaultAuthHeader = "X-Aproxy-Auth"

// DefaultProxyHost represents the default bind address for the proxy.
const DefaultProxyHost = "127.0.0.1"

// IsAuthEnabled returns true when inbound auth is enabled or unset.
func (g *GlobalConfig) IsAuthEnabled() bool {
	if g == nil || g.AuthEnabled == nil {
		return true
	}
	return *g.AuthEnabled
}

// GetAuthHeader returns the configured inbound auth header name or the default.
func (g *GlobalConfig) GetAuthHeader() string {
	if g == nil || g.AuthHeader == "" {
		return DefaultAuthHeader
	}
	return g.AuthHeader
}

// NormalizeUpstreamIDs assigns each map key as the ID field on its UpstreamConfig
// so later code can carry a single *UpstreamConfig around without the map.
func (g *GlobalConfig) NormalizeUpstreamIDs() {
	for id, up := range g.Upstreams {
		up.ID = id
	}
}

// ListEnabledUpstreams returns the ids of all enabled upstreams.
func (g *GlobalConfig) ListEnabledUpstreams() []string {
	ids := make([]string, 0, len(g.Upstreams))
	for id, up := range g.Upstreams {
		if up.IsEnabled() {
			ids = append(ids, id)
		}
	}
	return ids
}

//////// PROCESSOR / COMMAND CONFIG STRUCTS ///////

// ProcessorConfig defines a single in-process tool command backing the
// manage_commands core tool: a composable unit invoked as a subprocess when
// the downstream client bridges a call to it.
//
// Type-specific configuration (Config field), for CLIProcessor commands:
//   - "command" (string, required): executable to run (e.g., "python", "bash", "node").
//   - "args" (array of strings, optional): command-line arguments.
type ProcessorConfig struct {
	Name    string                 `json:"name"`
	Type    string                 `json:"type"`
	Enabled bool                   `json:"enabled"`
	Timeout int                    `json:"timeout,omitempty"`
	Config  map[string]interface{} `json:"config"`
}

// ProcessorInput represents the JSON input passed to commands via stdin.
type ProcessorInput struct {
	Type       string                 `json:"type"`
	Timestamp  string                 `json:"timestamp"`
	Connection ConnectionContext      `json:"connection"`
	Payload    map[string]interface{} `json:"payload"`
	Metadata   ProcessorMetadata      `json:"metadata"`
}

// ConnectionContext provides connection-level metadata for commands.
type ConnectionContext struct {
	ServerName string `json:"server_name"`
	Transport  string `json:"transport"`
	SessionID  string `json:"session_id"`
}

// ProcessorMetadata contains additional context for command execution.
type ProcessorMetadata struct {
	ProcessorChain  []string               `json:"processor_chain"`
	OriginalPayload map[string]interface{} `json:"original_payload"`
}

// ProcessorOutput represents the JSON output expected from commands via stdout.
type ProcessorOutput struct {
	Status   int                    `json:"status"`
	Payload  map[string]interface{} `json:"payload"`
	Error    *string                `json:"error"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *GlobalConfig {
	authEnabled := true
	proxySettings := NewDefaultProxySettings()
	return &GlobalConfig{
		Name:        "aproxy",
		Version:     "1.0.0",
		AuthEnabled: &authEnabled,
		AuthHeader:  DefaultAuthHeader,
		Proxy:       &proxySettings,
		Upstreams:   make(map[string]*UpstreamConfig),
		Commands:    []*ProcessorConfig{},
		Metadata:    make(map[string]interface{}),
	}
}

// GetConfigDir returns the aproxy config directory path.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".aproxy"), nil
}

// GetConfigPath returns the full path to config.json.
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.json"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(configDir, 0o750)
}

// LoadConfig loads the global configuration from ~/.aproxy/config.json.
func LoadConfig() (*GlobalConfig, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadConfigFromPath(configPath)
}

// LoadConfigFromPath loads configuration from a custom file path.
// The configuration is validated after loading.
func LoadConfigFromPath(path string) (*GlobalConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found at %s", path)
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg GlobalConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.NormalizeUpstreamIDs()

	if err := ValidateConfigSchema(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// SaveConfig saves the configuration to ~/.aproxy/config.json.
func SaveConfig(config *GlobalConfig) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	//nolint:gosec // upstream auth secrets live in the environment, not this file.
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ValidateConfigSchema performs schema validation on the configuration: required
// fields, transport/auth variant shape, and reconnect bounds (spec.md §4.F table).
func ValidateConfigSchema(config *GlobalConfig) error {
	if config.Version == "" {
		return fmt.Errorf("version field is required")
	}
	if config.Proxy == nil {
		return fmt.Errorf("proxy settings are required in config")
	}
	if err := validateUpstreams(config.Upstreams); err != nil {
		return err
	}
	if err := validateProcessors(config.Commands); err != nil {
		return err
	}
	return nil
}

// ValidateConfigForServer validates the config is ready for server operation:
// at least one upstream must be configured.
func ValidateConfigForServer(config *GlobalConfig) error {
	if len(config.Upstreams) == 0 {
		return fmt.Errorf("no upstreams configured: add at least one upstream tool server")
	}
	return nil
}

func validateUpstreams(upstreams map[string]*UpstreamConfig) error {
	for id, up := range upstreams {
		if !common.IsURLCompliant(id) {
			return fmt.Errorf("upstream '%s': id must be URL-safe (alphanumeric, dash, underscore only)", id)
		}
		if err := validateTransport(id, &up.Transport); err != nil {
			return err
		}
		if up.Auth != nil {
			if err := validateAuth(id, up.Auth); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateTransport(upstreamID string, t *TransportConfig) error {
	switch t.Kind {
	case TransportStdio:
		if t.Command == "" {
			return fmt.Errorf("upstream '%s': stdio transport requires 'command'", upstreamID)
		}
	case TransportSSE:
		if t.URL == "" {
			return fmt.Errorf("upstream '%s': sse transport requires 'url'", upstreamID)
		}
		if _, err := url.Parse(t.URL); err != nil {
			return fmt.Errorf("upstream '%s': invalid sse url: %w", upstreamID, err)
		}
	case TransportWebsocket:
		if t.URL == "" {
			return fmt.Errorf("upstream '%s': websocket transport requires 'url'", upstreamID)
		}
		if err := validateScheme(upstreamID, t.URL, "ws", "wss", "http", "https"); err != nil {
			return err
		}
		if t.TimeoutSeconds <= 0 {
			return fmt.Errorf("upstream '%s': websocket transport requires timeoutSeconds > 0", upstreamID)
		}
	case TransportStreamableHTTP:
		if t.URL == "" {
			return fmt.Errorf("upstream '%s': streamable-http transport requires 'url'", upstreamID)
		}
		if err := validateScheme(upstreamID, t.URL, "http", "https"); err != nil {
			return err
		}
		if t.TimeoutSeconds <= 0 {
			return fmt.Errorf("upstream '%s': streamable-http transport requires timeoutSeconds > 0", upstreamID)
		}
	default:
		return fmt.Errorf("upstream '%s': unknown transport kind '%s'", upstreamID, t.Kind)
	}

	if t.Reconnect != nil {
		if err := validateReconnect(upstreamID, t.Reconnect); err != nil {
			return err
		}
	}
	return nil
}

func validateScheme(upstreamID, rawURL string, allowed ...string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("upstream '%s': invalid url: %w", upstreamID, err)
	}
	for _, scheme := range allowed {
		if parsed.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("upstream '%s': url scheme '%s' not in %v", upstreamID, parsed.Scheme, allowed)
}

func validateReconnect(upstreamID string, r *ReconnectConfig) error {
	if r.MaxAttempts < 0 {
		return fmt.Errorf("upstream '%s': reconnect.maxAttempts must be >= 0", upstreamID)
	}
	if r.InitialDelayMs < 0 {
		return fmt.Errorf("upstream '%s': reconnect.initialDelayMs must be >= 0", upstreamID)
	}
	if r.MaxDelayMs < 0 {
		return fmt.Errorf("upstream '%s': reconnect.maxDelayMs must be >= 0", upstreamID)
	}
	if r.BackoffMultiplier <= 1 {
		return fmt.Errorf("upstream '%s': reconnect.backoffMultiplier must be > 1", upstreamID)
	}
	return nil
}

func validateAuth(upstreamID string, a *AuthConfig) error {
	switch a.Kind {
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("upstream '%s': bearer auth requires 'token'", upstreamID)
		}
	case AuthClientCredentials:
		if a.ClientID == "" || a.ClientSecret == "" || a.TokenEndpoint == "" {
			return fmt.Errorf("upstream '%s': client_credentials auth requires clientId, clientSecret, and tokenEndpoint", upstreamID)
		}
	case AuthAuthorizationCode:
		if a.ClientID == "" || a.TokenEndpoint == "" || a.AuthorizationEndpoint == "" || a.RedirectURI == "" {
			return fmt.Errorf("upstream '%s': authorization_code auth requires clientId, tokenEndpoint, authorizationEndpoint, and redirectUri", upstreamID)
		}
	default:
		return fmt.Errorf("upstream '%s': unknown auth kind '%s'", upstreamID, a.Kind)
	}
	return nil
}

// validateProcessors validates command configurations.
func validateProcessors(processors []*ProcessorConfig) error {
	processorNames := make(map[string]bool)
	for i, processor := range processors {
		if err := validateProcessor(i, processor, processorNames); err != nil {
			return err
		}
	}
	return nil
}

// validateProcessor validates a single command configuration.
func validateProcessor(index int, processor *ProcessorConfig, processorNames map[string]bool) error {
	if processor.Name == "" {
		return fmt.Errorf("commands[%d]: name is required", index)
	}

	if processorNames[processor.Name] {
		return fmt.Errorf("command '%s': duplicate name", processor.Name)
	}
	processorNames[processor.Name] = true

	if processor.Type == "" {
		return fmt.Errorf("command '%s': type is required", processor.Name)
	}

	if ProcessorType(processor.Type) != CLIProcessor {
		return fmt.Errorf("command '%s': unsupported type '%s' (only 'cli' supported)", processor.Name, processor.Type)
	}

	if processor.Timeout == 0 {
		processor.Timeout = 15
	}

	if processor.Config == nil {
		return fmt.Errorf("command '%s': config is required", processor.Name)
	}

	return validateProcessorTypeConfig(processor)
}

// validateProcessorTypeConfig validates type-specific command configuration.
func validateProcessorTypeConfig(processor *ProcessorConfig) error {
	//nolint:gocritic // switch used for future extensibility with additional command types
	switch ProcessorType(processor.Type) {
	case CLIProcessor:
		command, ok := processor.Config["command"]
		if !ok {
			return fmt.Errorf("command '%s': config.command is required for cli type", processor.Name)
		}
		if _, ok := command.(string); !ok {
			return fmt.Errorf("command '%s': config.command must be a string", processor.Name)
		}

		if args, exists := processor.Config["args"]; exists {
			if _, ok := args.([]interface{}); !ok {
				return fmt.Errorf("command '%s': config.args must be an array", processor.Name)
			}
		}
	}
	return nil
}
