package config

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
)

// ConfigCommand provides configuration management subcommands for the aproxy CLI.
// This is the main entry point for all config-related operations including
// initialization, validation, and upstream management.
var ConfigCommand = &cli.Command{
	Name:        "config",
	Usage:       "Manage aproxy configuration",
	Description: "Commands to manage the global aproxy configuration at ~/.aproxy/config.json",
	Commands: []*cli.Command{
		configInitCommand,
		configShowCommand,
		configValidateCommand,
		configRemoveCommand,
		configUpstreamCommand,
	},
}

var configInitCommand = &cli.Command{
	Name:        "init",
	Usage:       "Initialize configuration with defaults",
	Description: "Creates ~/.aproxy/config.json with default settings if it doesn't exist",
	Action:      initConfig,
}

var configShowCommand = &cli.Command{
	Name:        "show",
	Usage:       "Display current configuration",
	Description: "Shows the current configuration from ~/.aproxy/config.json",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "json",
			Aliases: []string{"j"},
			Usage:   "Output as JSON",
		},
	},
	Action: showConfig,
}

var configValidateCommand = &cli.Command{
	Name:        "validate",
	Usage:       "Validate configuration file",
	Description: "Validates the syntax and content of ~/.aproxy/config.json",
	Action:      validateConfig,
}

var configRemoveCommand = &cli.Command{
	Name:        "remove",
	Usage:       "Remove configuration file",
	Description: "Removes ~/.aproxy/config.json and the entire ~/.aproxy directory",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "force",
			Aliases: []string{"f"},
			Usage:   "Skip confirmation prompt",
		},
	},
	Action: removeConfig,
}

var configUpstreamCommand = &cli.Command{
	Name:        "upstream",
	Usage:       "Manage upstream tool servers",
	Description: "Add, remove, and configure upstream MCP tool servers",
	Commands: []*cli.Command{
		{
			Name:        "list",
			Usage:       "List all configured upstreams",
			Description: "Display all upstream tool servers in the configuration",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:    "enabled-only",
					Aliases: []string{"e"},
					Usage:   "Show only enabled upstreams",
				},
			},
			Action: listUpstreams,
		},
		{
			Name:        "add",
			Usage:       "Add a new stdio upstream",
			Description: "Add a new stdio-transport upstream tool server configuration",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "id",
					Aliases:  []string{"n"},
					Usage:    "Upstream id",
					Required: true,
				},
				&cli.StringFlag{
					Name:     "command",
					Aliases:  []string{"c"},
					Usage:    "Upstream command",
					Required: true,
				},
				&cli.StringSliceFlag{
					Name:    "args",
					Aliases: []string{"a"},
					Usage:   "Command arguments",
				},
				&cli.StringFlag{
					Name:    "description",
					Aliases: []string{"d"},
					Usage:   "Upstream description",
				},
				&cli.BoolFlag{
					Name:  "enabled",
					Usage: "Enable upstream",
					Value: true,
				},
			},
			Action: addUpstream,
		},
		{
			Name:        "remove",
			Usage:       "Remove an upstream",
			Description: "Remove an upstream tool server from configuration",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "id",
					Aliases:  []string{"n"},
					Usage:    "Upstream id to remove",
					Required: true,
				},
			},
			Action: removeUpstream,
		},
		{
			Name:        "enable",
			Usage:       "Enable an upstream",
			Description: "Enable an upstream tool server",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "id",
					Aliases:  []string{"n"},
					Usage:    "Upstream id to enable",
					Required: true,
				},
			},
			Action: enableUpstream,
		},
		{
			Name:        "disable",
			Usage:       "Disable an upstream",
			Description: "Disable an upstream tool server",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "id",
					Aliases:  []string{"n"},
					Usage:    "Upstream id to disable",
					Required: true,
				},
			},
			Action: disableUpstream,
		},
	},
}

// initConfig initializes a new configuration file with default settings.
// Creates ~/.aproxy/config.json if it doesn't exist, fails if file already exists.
func initConfig(ctx context.Context, cmd *cli.Command) error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration already exists at %s", configPath)
	}

	cfg := DefaultConfig()
	if err := SaveConfig(cfg); err != nil {
		return fmt.Errorf("failed to create configuration: %w", err)
	}

	fmt.Printf("Configuration initialized at %s\n", configPath)
	return nil
}

// showConfig displays the current configuration either as formatted text
// or JSON based on the --json flag.
func showConfig(ctx context.Context, cmd *cli.Command) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cmd.Bool("json") {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Println(string(data))
	} else {
		configPath, _ := GetConfigPath()
		fmt.Printf("Configuration path: %s\n", configPath)
		fmt.Printf("Version: %s\n", cfg.Version)
		if cfg.Proxy != nil && cfg.Proxy.LogLevel != "" {
			fmt.Printf("Log Level: %s\n", cfg.Proxy.LogLevel)
		}
		fmt.Printf("Upstreams: %d configured\n", len(cfg.Upstreams))

		enabled := len(cfg.ListEnabledUpstreams())
		fmt.Printf("  - Enabled: %d\n", enabled)
		fmt.Printf("  - Disabled: %d\n", len(cfg.Upstreams)-enabled)
	}

	return nil
}

func validateConfig(ctx context.Context, cmd *cli.Command) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := ValidateConfigSchema(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	configPath, _ := GetConfigPath()
	fmt.Printf("Configuration is valid: %s\n", configPath)
	return nil
}

func listUpstreams(ctx context.Context, cmd *cli.Command) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	enabledOnly := cmd.Bool("enabled-only")
	upstreams := cfg.Upstreams

	if len(upstreams) == 0 {
		fmt.Println("No upstreams configured.")
		return nil
	}

	fmt.Printf("Upstreams:\n")
	for id, up := range upstreams {
		if enabledOnly && !up.IsEnabled() {
			continue
		}

		status := "enabled"
		if !up.IsEnabled() {
			status = "disabled"
		}

		fmt.Printf("  %s (%s) [%s]\n", id, status, up.Transport.Kind)
		if up.Transport.Command != "" {
			fmt.Printf("    Command: %s %v\n", up.Transport.Command, up.Transport.Args)
		}
		if up.Transport.URL != "" {
			fmt.Printf("    URL: %s\n", up.Transport.URL)
		}
		if up.Description != "" {
			fmt.Printf("    Description: %s\n", up.Description)
		}
		fmt.Println()
	}

	return nil
}

// addUpstream adds a new stdio upstream configuration to the global config.
// Validates that the upstream id doesn't already exist before adding.
func addUpstream(ctx context.Context, cmd *cli.Command) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	id := cmd.String("id")
	if _, exists := cfg.Upstreams[id]; exists {
		return fmt.Errorf("upstream '%s' already exists", id)
	}

	enabled := cmd.Bool("enabled")
	if cfg.Upstreams == nil {
		cfg.Upstreams = make(map[string]*UpstreamConfig)
	}
	cfg.Upstreams[id] = &UpstreamConfig{
		ID:          id,
		Description: cmd.String("description"),
		Enabled:     &enabled,
		Transport: TransportConfig{
			Kind:    TransportStdio,
			Command: cmd.String("command"),
			Args:    cmd.StringSlice("args"),
		},
	}

	if err := SaveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Printf("Added upstream '%s'\n", id)
	return nil
}

func removeUpstream(ctx context.Context, cmd *cli.Command) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	id := cmd.String("id")
	if _, exists := cfg.Upstreams[id]; !exists {
		return fmt.Errorf("upstream '%s' not found", id)
	}

	delete(cfg.Upstreams, id)

	if err := SaveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Printf("Removed upstream '%s'\n", id)
	return nil
}

func enableUpstream(ctx context.Context, cmd *cli.Command) error {
	return toggleUpstream(cmd.String("id"), true)
}

func disableUpstream(ctx context.Context, cmd *cli.Command) error {
	return toggleUpstream(cmd.String("id"), false)
}

func toggleUpstream(id string, enabled bool) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	up, exists := cfg.Upstreams[id]
	if !exists {
		return fmt.Errorf("upstream '%s' not found", id)
	}

	up.Enabled = &enabled

	if err := SaveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	status := "enabled"
	if !enabled {
		status = "disabled"
	}
	fmt.Printf("Upstream '%s' %s\n", id, status)
	return nil
}

// removeConfig removes the entire aproxy configuration directory.
func removeConfig(ctx context.Context, cmd *cli.Command) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if _, err := os.Stat(configDir); os.IsNotExist(err) {
		fmt.Printf("No configuration found at %s\n", configDir)
		return nil
	}

	if !cmd.Bool("force") {
		reader := bufio.NewReader(os.Stdin)
		fmt.Printf("This will permanently remove your aproxy configuration at:\n")
		fmt.Printf("   %s\n", configDir)
		fmt.Printf("This action cannot be undone. Continue? [y/N]: ")

		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Println("Operation cancelled")
			return nil
		}
	}

	if err := os.RemoveAll(configDir); err != nil {
		return fmt.Errorf("failed to remove configuration: %w", err)
	}

	fmt.Println("Configuration removed successfully")
	fmt.Println("Run 'aproxy config init' to create a new configuration")

	return nil
}
