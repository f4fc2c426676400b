package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/centianhq/aproxy/internal/common"
	"github.com/centianhq/aproxy/internal/config"
	"github.com/centianhq/aproxy/internal/registry"
)

// downstreamServerName/Version identify this proxy to a connecting MCP
// client during initialize.
const (
	downstreamServerName    = "aproxy"
	downstreamServerVersion = "1.0.0"
)

// downstreamSession tracks one connected client's mcp.Server instance and
// which full tool names have been registered on it so far. Tools are only
// ever added, never removed, mirroring the underlying SDK's lack of a
// RemoveTool primitive (see DESIGN.md); a session that enables a previously
// hidden tool sees it appear on its next tools/list.
type downstreamSession struct {
	mu         sync.Mutex
	server     *mcp.Server
	registered map[string]bool
}

// DownstreamServer adapts a Coordinator's merged tool catalog to the MCP
// streamable-HTTP wire surface, following the one-mcp.Server-per-HTTP-session
// pattern.
type DownstreamServer struct {
	coord *Coordinator

	mu       sync.Mutex
	sessions map[string]*downstreamSession
}

// NewDownstreamServer wires a DownstreamServer to the coordinator's registry
// so that Enable/Disable/AddFromSession changes propagate to every live
// client session.
func NewDownstreamServer(coord *Coordinator) *DownstreamServer {
	d := &DownstreamServer{coord: coord, sessions: make(map[string]*downstreamSession)}
	coord.Registry().OnListChanged(d.onRegistryListChanged)
	return d
}

// Handler builds the http.Handler serving this proxy's aggregate tool
// catalog over streamable HTTP, per mcp-go-sdk's session-scoped server model.
func (d *DownstreamServer) Handler(sessionTimeout time.Duration) http.Handler {
	return mcp.NewStreamableHTTPHandler(
		func(r *http.Request) *mcp.Server {
			return d.getServerForRequest(r)
		},
		&mcp.StreamableHTTPOptions{
			SessionTimeout: sessionTimeout,
			Stateless:      false,
		},
	)
}

func (d *DownstreamServer) getServerForRequest(r *http.Request) *mcp.Server {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ds, ok := d.sessions[sessionID]
	if !ok {
		ds = d.createSession(sessionID)
		d.sessions[sessionID] = ds
	}
	return ds.server
}

func (d *DownstreamServer) createSession(sessionID string) *downstreamSession {
	ds := &downstreamSession{registered: make(map[string]bool)}

	ds.server = mcp.NewServer(&mcp.Implementation{
		Name:    downstreamServerName,
		Version: downstreamServerVersion,
	}, &mcp.ServerOptions{
		InitializedHandler: func(ctx context.Context, _ *mcp.InitializedRequest) {
			d.registerCurrentCatalog(ds)
			common.LogMCPEvent(common.NewMCPSystemEvent("streamable-http").
				WithSessionID(sessionID).
				WithRawMessage(fmt.Sprintf("session %s initialized", sessionID)))
		},
	})
	return ds
}

// registerCurrentCatalog adds every currently exposed entry not yet
// registered on this session's server.
func (d *DownstreamServer) registerCurrentCatalog(ds *downstreamSession) {
	for _, e := range d.coord.Registry().Exposed() {
		d.registerEntry(ds, e)
	}
}

func (d *DownstreamServer) registerEntry(ds *downstreamSession, e registry.Entry) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	fullName := e.FullName()
	if ds.registered[fullName] {
		return
	}
	ds.registered[fullName] = true

	tool := &mcp.Tool{
		Name:        fullName,
		Description: e.Descriptor.Description,
		InputSchema: decodeInputSchema(e.Descriptor.InputSchema),
	}
	ds.server.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return d.handleToolCall(ctx, fullName, req)
	})
}

// onRegistryListChanged runs whenever the registry's exposed set changes; it
// pushes newly-exposed tools onto every live session so enabling a tool via
// discover_tools_by_words/load_toolset takes effect without a reconnect.
func (d *DownstreamServer) onRegistryListChanged() {
	d.mu.Lock()
	sessions := make([]*downstreamSession, 0, len(d.sessions))
	for _, ds := range d.sessions {
		sessions = append(sessions, ds)
	}
	d.mu.Unlock()

	exposed := d.coord.Registry().Exposed()
	for _, ds := range sessions {
		for _, e := range exposed {
			d.registerEntry(ds, e)
		}
	}
}

// decodeInputSchema turns the opaque JSON Schema bytes carried on a
// ToolDescriptor (passed through byte-for-byte from the upstream's
// tools/list response) into the SDK's typed schema. A tool with no or
// malformed input schema is registered with an unconstrained one rather than
// rejected, since an upstream's schema is outside this proxy's control.
func decodeInputSchema(raw json.RawMessage) *jsonschema.Schema {
	if len(raw) == 0 {
		return &jsonschema.Schema{Type: "object"}
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		common.LogWarn("decoding upstream input schema: %v", err)
		return &jsonschema.Schema{Type: "object"}
	}
	return &schema
}

func (d *DownstreamServer) handleToolCall(ctx context.Context, fullName string, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	event := common.NewMCPRequestEvent("streamable-http").
		WithToolCall(fullName, req.Params.Arguments)

	result, err := d.dispatch(ctx, fullName, req.Params.Arguments)

	event.WithToolResult(result, err != nil)
	if err != nil {
		event.Error = err.Error()
		event.Success = false
	}
	common.LogMCPEvent(event)

	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			IsError: true,
		}, nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(result)}}}, nil
}

func (d *DownstreamServer) dispatch(ctx context.Context, fullName string, args json.RawMessage) (json.RawMessage, error) {
	if !strings.HasPrefix(fullName, "core__") {
		return d.coord.CoreTools().BridgeToolRequest(ctx, fullName, args)
	}
	return d.dispatchCoreTool(ctx, strings.TrimPrefix(fullName, "core__"), args)
}

func (d *DownstreamServer) dispatchCoreTool(ctx context.Context, localName string, args json.RawMessage) (json.RawMessage, error) {
	ct := d.coord.CoreTools()
	switch localName {
	case "discover_tools_by_words":
		var in struct {
			Keywords  []string `json:"keywords"`
			Mode      string   `json:"mode"`
			EnableAll bool     `json:"enableAll"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("discover_tools_by_words: %w", err)
		}
		mode := registry.SearchAND
		if strings.EqualFold(in.Mode, "OR") {
			mode = registry.SearchOR
		}
		matches := ct.DiscoverToolsByWords(in.Keywords, mode, in.EnableAll)
		return json.Marshal(matches)

	case "get_tool_schema":
		var in struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("get_tool_schema: %w", err)
		}
		return ct.GetToolSchema(in.Name)

	case "bridge_tool_request":
		var in struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("bridge_tool_request: %w", err)
		}
		return ct.BridgeToolRequest(ctx, in.Name, in.Arguments)

	case "load_toolset":
		var in struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("load_toolset: %w", err)
		}
		if err := ct.LoadToolset(in.Name); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})

	case "manage_commands":
		var in struct {
			Action  registry.ManageCommandsAction `json:"action"`
			Command *config.ProcessorConfig        `json:"command"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("manage_commands: %w", err)
		}
		if err := ct.ManageCommands(in.Action, in.Command); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})

	default:
		return nil, fmt.Errorf("unknown core tool %q", localName)
	}
}
