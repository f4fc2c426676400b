// Copyright 2025 Centian Contributors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at.
//
//     http://www.apache.org/licenses/LICENSE-2.0.
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/centianhq/aproxy/internal/auth"
	"github.com/centianhq/aproxy/internal/common"
	"github.com/centianhq/aproxy/internal/config"
	"github.com/centianhq/aproxy/internal/coordinator"
	"github.com/urfave/cli/v3"
)

// downstreamSessionTimeout bounds how long an idle streamable-HTTP client
// session is retained before its mcp.Server is discarded.
const downstreamSessionTimeout = 10 * time.Minute

// ServerCommand provides server management functionality.
var ServerCommand = &cli.Command{
	Name:  "server",
	Usage: "Manage the aproxy server",
	Commands: []*cli.Command{
		ServerStartCommand,
		ServerGetKeyCommand,
	},
}

// ServerStartCommand starts the aproxy aggregating proxy server.
var ServerStartCommand = &cli.Command{
	Name:  "start",
	Usage: "aproxy server start [--config-path <path>]",
	Description: `Start the aproxy server for the configured upstream tool servers.

Connects to every enabled upstream (spawning stdio subprocesses, opening SSE,
websocket, or streamable-HTTP connections as configured) and serves the
merged, namespaced tool catalog over streamable HTTP at /mcp.

Configuration is loaded from ~/.aproxy/config.json by default.

Examples:
  aproxy server start
  aproxy server start --config-path ./custom-config.json
`,
	Action: handleServerStartCommand,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config-path",
			Usage: "Path to config file (default: ~/.aproxy/config.json)",
		},
	},
}

// ServerGetKeyCommand generates and stores a new API key.
var ServerGetKeyCommand = &cli.Command{
	Name:  "get-key",
	Usage: "aproxy server get-key",
	Description: `Generate a new API key for the HTTP proxy.

The key is printed once to the console, then hashed with bcrypt and stored in:
  ~/.aproxy/api_keys.json
`,
	Action: handleAuthNewKeyCommand,
}

func printServerInfo(globalConfig *config.GlobalConfig, statuses []coordinator.UpstreamStatus) {
	serverName := globalConfig.Name
	if serverName == "" {
		serverName = "aproxy"
	}

	host := config.DefaultProxyHost
	port := "8080"
	timeout := 30
	if globalConfig.Proxy != nil {
		if globalConfig.Proxy.Host != "" {
			host = globalConfig.Proxy.Host
		}
		if globalConfig.Proxy.Port != "" {
			port = globalConfig.Proxy.Port
		}
		if globalConfig.Proxy.Timeout > 0 {
			timeout = globalConfig.Proxy.Timeout
		}
	}

	fmt.Fprintf(os.Stderr, "[APROXY] %s\n", serverName)
	fmt.Fprintf(os.Stderr, "[APROXY] Host: %s\n", host)
	fmt.Fprintf(os.Stderr, "[APROXY] Port: %s\n", port)
	fmt.Fprintf(os.Stderr, "[APROXY] Timeout: %ds\n", timeout)
	fmt.Fprintf(os.Stderr, "[APROXY] Endpoint: http://%s:%s/mcp\n", host, port)
	fmt.Fprintf(os.Stderr, "\n[APROXY] Upstreams:\n")
	for _, st := range statuses {
		if st.Err != nil {
			fmt.Fprintf(os.Stderr, "  - %s: %s (%v)\n", st.ID, st.State, st.Err)
		} else {
			fmt.Fprintf(os.Stderr, "  - %s: %s\n", st.ID, st.State)
		}
	}
	fmt.Fprintf(os.Stderr, "\n")
}

// handleServerStartCommand handles the server start command.
func handleServerStartCommand(ctx context.Context, cmd *cli.Command) error {
	if err := common.InitializeLogger(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer common.CloseLogger()

	configPath := cmd.String("config-path")
	if configPath == "" {
		var err error
		configPath, err = config.GetConfigPath()
		if err != nil {
			return err
		}
	}

	globalConfig, err := config.LoadConfigFromPath(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	if err := config.ValidateConfigForServer(globalConfig); err != nil {
		return fmt.Errorf("config validation failed for %s: %w", configPath, err)
	}
	fmt.Fprintf(os.Stderr, "[APROXY] Loaded config from: %s\n", configPath)

	coord := coordinator.New(globalConfig, nil)
	statuses := coord.Initialize(ctx)
	printServerInfo(globalConfig, statuses)

	downstream := coordinator.NewDownstreamServer(coord)

	mux := http.NewServeMux()
	mux.Handle("/mcp", maybeRequireAPIKey(globalConfig, downstream.Handler(downstreamSessionTimeout)))

	host := config.DefaultProxyHost
	port := "8080"
	timeout := 30
	if globalConfig.Proxy != nil {
		if globalConfig.Proxy.Host != "" {
			host = globalConfig.Proxy.Host
		}
		if globalConfig.Proxy.Port != "" {
			port = globalConfig.Proxy.Port
		}
		if globalConfig.Proxy.Timeout > 0 {
			timeout = globalConfig.Proxy.Timeout
		}
	}

	server := &http.Server{
		Addr:         host + ":" + port,
		Handler:      mux,
		ReadTimeout:  time.Duration(timeout) * time.Second,
		WriteTimeout: time.Duration(timeout) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	fmt.Fprintf(os.Stderr, "[APROXY] Server started, press Ctrl+C to stop\n\n")

	select {
	case <-sigChan:
		fmt.Fprintf(os.Stderr, "\n[APROXY] Received shutdown signal, stopping server...\n")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			common.LogError("error during HTTP shutdown: %v", err)
		}
		coord.Shutdown()
		fmt.Fprintf(os.Stderr, "[APROXY] Server stopped\n")
		return nil
	case err := <-errChan:
		coord.Shutdown()
		return err
	}
}

// maybeRequireAPIKey wraps handler with API-key checking when inbound auth is
// enabled in the config: the raw value of the configured auth header must match
// a stored key. Otherwise it passes requests through.
func maybeRequireAPIKey(cfg *config.GlobalConfig, handler http.Handler) http.Handler {
	if !cfg.IsAuthEnabled() {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store, err := apiKeyStoreOrNil()
		if err != nil || store == nil {
			http.Error(w, "server auth misconfigured", http.StatusInternalServerError)
			return
		}
		key := r.Header.Get(cfg.GetAuthHeader())
		if key == "" || !store.Validate(key) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func apiKeyStoreOrNil() (*auth.APIKeyStore, error) {
	store, err := auth.LoadDefaultAPIKeys()
	if err != nil {
		return nil, err
	}
	return store, nil
}
