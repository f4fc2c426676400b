package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/centianhq/aproxy/internal/config"
	"github.com/centianhq/aproxy/internal/processor"
	"github.com/centianhq/aproxy/internal/upstream"
)

// ToolCaller dispatches a call to the upstream session that owns fullName.
// Implemented by the proxy coordinator, which holds the live session map;
// the registry itself never reaches across to a session directly.
type ToolCaller interface {
	CallTool(ctx context.Context, upstreamID, localName string, args json.RawMessage) (json.RawMessage, error)
}

// coreToolPrefix namespaces core tools the same way upstream tools are
// namespaced, so they participate in the one full-name space uniformly.
const coreToolPrefix = "core"

// cmdToolPrefix namespaces in-process commands installed via manage_commands,
// kept distinct from coreToolPrefix so the bridge can tell "invoke this
// directly" (core) apart from "run it through the processor executor" (cmd).
const cmdToolPrefix = "cmd"

// defaultProcessorTimeout bounds a command's execution when its own
// ProcessorConfig.Timeout is unset.
const defaultProcessorTimeout = 30 * time.Second

// CoreTools implements the fixed set of proxy-native tools: discovery,
// schema lookup, the call bridge, named toolsets, and in-process command
// management. It operates entirely through the Registry and a ToolCaller;
// it never imports the coordinator or transport packages.
type CoreTools struct {
	reg      *Registry
	caller   ToolCaller
	toolsets map[string][]string
	cfg      *config.GlobalConfig
	executor *processor.Executor
}

// NewCoreTools constructs the core tool set and registers its own entries
// in reg as always-enabled. toolsets maps a load_toolset name to the list of
// full tool names it enables; cfg is the live global config, mutated and
// persisted by ManageCommands. Any commands already present in cfg.Commands
// are registered as callable tools immediately, so a restarted proxy exposes
// previously installed commands without the caller reinstalling them.
func NewCoreTools(reg *Registry, caller ToolCaller, toolsets map[string][]string, cfg *config.GlobalConfig) *CoreTools {
	executor, err := processor.NewExecutor()
	if err != nil {
		executor = nil
	}
	c := &CoreTools{reg: reg, caller: caller, toolsets: toolsets, cfg: cfg, executor: executor}
	c.register()
	c.registerExistingCommands()
	return c
}

func (c *CoreTools) registerExistingCommands() {
	if c.cfg == nil {
		return
	}
	for _, cmd := range c.cfg.Commands {
		c.putCommandEntry(cmd)
	}
}

func (c *CoreTools) putCommandEntry(cmd *config.ProcessorConfig) {
	d := upstream.ToolDescriptor{
		LocalName:   cmd.Name,
		UpstreamID:  cmdToolPrefix,
		Description: fmt.Sprintf("In-process command %q (%s)", cmd.Name, cmd.Type),
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}
	c.reg.Put(d, cmd.Enabled)
}

func (c *CoreTools) register() {
	names := []string{"discover_tools_by_words", "get_tool_schema", "bridge_tool_request", "load_toolset", "manage_commands"}
	for _, n := range names {
		d := upstream.ToolDescriptor{LocalName: n, UpstreamID: coreToolPrefix, Description: coreToolDescription(n)}
		c.reg.mu.Lock()
		c.reg.entries[d.FullName()] = Entry{Descriptor: d, Enabled: true}
		c.reg.mu.Unlock()
	}
}

func coreToolDescription(name string) string {
	switch name {
	case "discover_tools_by_words":
		return "Search the aggregated tool catalog by keyword, optionally enabling every match."
	case "get_tool_schema":
		return "Return a tool's JSON-Schema input shape by full name."
	case "bridge_tool_request":
		return "Invoke a tool by full name with the given arguments."
	case "load_toolset":
		return "Enable a pre-named list of tools as a group."
	case "manage_commands":
		return "Install, update, or remove an in-process command implementation."
	default:
		return ""
	}
}

// DiscoverToolsByWords searches by keyword and, when enableAll is set,
// atomically enables every match before returning it.
func (c *CoreTools) DiscoverToolsByWords(keywords []string, mode SearchMode, enableAll bool) []Entry {
	matches := c.reg.Search(keywords, mode)
	if enableAll && len(matches) > 0 {
		names := make([]string, len(matches))
		for i, e := range matches {
			names[i] = e.FullName()
		}
		c.reg.Enable(names, "discover_tools_by_words enableAll")
		matches = c.reg.Search(keywords, mode)
	}
	return matches
}

// GetToolSchema returns the input schema for a full tool name.
func (c *CoreTools) GetToolSchema(fullName string) (json.RawMessage, error) {
	e, ok := c.reg.Get(fullName)
	if !ok {
		return nil, fmt.Errorf("tool %q not found", fullName)
	}
	return e.Descriptor.InputSchema, nil
}

// BridgeToolRequest invokes a tool by full name. Core tools cannot be
// invoked recursively through the bridge; callers use the dedicated core
// tool methods instead. A tool backed by an in-process command runs through
// the processor executor rather than an upstream session.
func (c *CoreTools) BridgeToolRequest(ctx context.Context, fullName string, args json.RawMessage) (json.RawMessage, error) {
	e, ok := c.reg.Get(fullName)
	if !ok {
		return nil, fmt.Errorf("tool %q not found", fullName)
	}
	if !e.Enabled {
		return nil, fmt.Errorf("tool %q is disabled", fullName)
	}
	if e.Descriptor.UpstreamID == coreToolPrefix {
		return nil, fmt.Errorf("tool %q is a core tool; invoke it directly", fullName)
	}
	if e.Descriptor.UpstreamID == cmdToolPrefix {
		return c.runCommand(ctx, e.Descriptor.LocalName, args)
	}
	if c.caller == nil {
		return nil, fmt.Errorf("no upstream caller configured")
	}
	return c.caller.CallTool(ctx, e.Descriptor.UpstreamID, e.Descriptor.LocalName, args)
}

// runCommand executes an installed command with args as its request payload,
// using the teacher's CLI-processor executor (stdin/stdout JSON, bounded by
// the command's own timeout).
func (c *CoreTools) runCommand(_ context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if c.executor == nil {
		return nil, fmt.Errorf("command %q: no processor executor available", name)
	}
	cmd := c.findCommand(name)
	if cmd == nil {
		return nil, fmt.Errorf("command %q not found", name)
	}

	var payload map[string]interface{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, fmt.Errorf("command %q: decoding arguments: %w", name, err)
		}
	}

	input := &config.ProcessorInput{
		Type:    "request",
		Payload: payload,
		Metadata: config.ProcessorMetadata{
			ProcessorChain: []string{cmd.Name},
		},
	}

	output, err := c.executor.Execute(cmd, input)
	if err != nil {
		return nil, fmt.Errorf("command %q: %w", name, err)
	}
	if output.Status >= 400 {
		if output.Error != nil {
			return nil, fmt.Errorf("command %q: %s", name, *output.Error)
		}
		return nil, fmt.Errorf("command %q: failed with status %d", name, output.Status)
	}
	return json.Marshal(output.Payload)
}

func (c *CoreTools) findCommand(name string) *config.ProcessorConfig {
	if c.cfg == nil {
		return nil
	}
	for _, cmd := range c.cfg.Commands {
		if cmd.Name == name {
			return cmd
		}
	}
	return nil
}

// LoadToolset enables every tool in a pre-named list.
func (c *CoreTools) LoadToolset(name string) error {
	names, ok := c.toolsets[name]
	if !ok {
		return fmt.Errorf("no toolset named %q", name)
	}
	c.reg.Enable(names, "load_toolset:"+name)
	return nil
}

// ManageCommandsAction is the verb passed to ManageCommands.
type ManageCommandsAction string

const (
	ManageCommandsInstall ManageCommandsAction = "install"
	ManageCommandsUpdate  ManageCommandsAction = "update"
	ManageCommandsRemove  ManageCommandsAction = "remove"
)

// ManageCommands installs, updates, or removes an in-process command
// implementation, persisting the change to the live global config.
func (c *CoreTools) ManageCommands(action ManageCommandsAction, cmd *config.ProcessorConfig) error {
	if c.cfg == nil {
		return fmt.Errorf("manage_commands: no config available")
	}
	switch action {
	case ManageCommandsInstall, ManageCommandsUpdate:
		if cmd == nil || strings.TrimSpace(cmd.Name) == "" {
			return fmt.Errorf("manage_commands: command name is required")
		}
		if cmd.Timeout <= 0 {
			cmd.Timeout = int(defaultProcessorTimeout / time.Second)
		}
		replaced := false
		for i, existing := range c.cfg.Commands {
			if existing.Name == cmd.Name {
				c.cfg.Commands[i] = cmd
				replaced = true
				break
			}
		}
		if !replaced {
			if action == ManageCommandsUpdate {
				return fmt.Errorf("manage_commands: no existing command named %q to update", cmd.Name)
			}
			c.cfg.Commands = append(c.cfg.Commands, cmd)
		}
		c.putCommandEntry(cmd)
	case ManageCommandsRemove:
		if cmd == nil || cmd.Name == "" {
			return fmt.Errorf("manage_commands: command name is required")
		}
		kept := c.cfg.Commands[:0]
		found := false
		for _, existing := range c.cfg.Commands {
			if existing.Name == cmd.Name {
				found = true
				continue
			}
			kept = append(kept, existing)
		}
		if !found {
			return fmt.Errorf("manage_commands: no command named %q", cmd.Name)
		}
		c.cfg.Commands = kept
		c.reg.Remove(upstream.ToolDescriptor{LocalName: cmd.Name, UpstreamID: cmdToolPrefix}.FullName())
	default:
		return fmt.Errorf("manage_commands: unsupported action %q", action)
	}
	return config.SaveConfig(c.cfg)
}
