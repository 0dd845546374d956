package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"github.com/rparkins/convoke/engine"
)

// MCPServer manages one stdio MCP server process and exposes its tools as
// engine tools. Tool names are namespaced "<server>.<tool>" so multiple
// servers can coexist in one registry.
type MCPServer struct {
	name   string
	client *client.Client

	mu    sync.RWMutex
	tools []mcptypes.Tool
}

// StartMCPServer launches command as a stdio MCP server, runs the
// initialize handshake, and fetches its tool list.
func StartMCPServer(ctx context.Context, name, command string, env []string, args ...string) (*MCPServer, error) {
	c, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", name, err)
	}

	s := &MCPServer{name: name, client: c}

	initReq := mcptypes.InitializeRequest{
		Params: mcptypes.InitializeParams{
			ProtocolVersion: "2025-06-18",
			Capabilities:    mcptypes.ClientCapabilities{},
			ClientInfo: mcptypes.Implementation{
				Name:    "convoke",
				Version: "1.0.0",
			},
		},
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize mcp server %s: %w", name, err)
	}

	if err := s.RefreshTools(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return s, nil
}

// RefreshTools re-fetches the server's tool list.
func (s *MCPServer) RefreshTools(ctx context.Context) error {
	result, err := s.client.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("list tools for mcp server %s: %w", s.name, err)
	}
	s.mu.Lock()
	s.tools = result.Tools
	s.mu.Unlock()
	return nil
}

// Name returns the server's registry namespace.
func (s *MCPServer) Name() string {
	return s.name
}

// Tools wraps the server's advertised tools as engine tools.
func (s *MCPServer) Tools() []engine.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wrapped := make([]engine.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		wrapped = append(wrapped, &mcpTool{server: s, def: t})
	}
	return wrapped
}

// RegisterTools adds all of the server's tools to a registry.
func (s *MCPServer) RegisterTools(reg *engine.Registry) {
	for _, t := range s.Tools() {
		reg.Register(t)
	}
}

// CallTool invokes a tool by its un-namespaced name.
func (s *MCPServer) CallTool(ctx context.Context, toolName string, args map[string]any) (string, error) {
	result, err := s.client.CallTool(ctx, mcptypes.CallToolRequest{
		Params: mcptypes.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	})
	if err != nil {
		return "", fmt.Errorf("mcp tool %s.%s: %w", s.name, toolName, err)
	}

	text := renderMCPContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error with no content"
		}
		return "", fmt.Errorf("mcp tool %s.%s: %s", s.name, toolName, text)
	}
	return text, nil
}

// Close shuts down the server process, bounded so a hung server does not
// stall agent shutdown.
func (s *MCPServer) Close() error {
	done := make(chan error, 1)
	go func() { done <- s.client.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		return fmt.Errorf("mcp server %s: close timed out", s.name)
	}
}

func renderMCPContent(content []mcptypes.Content) string {
	var sb strings.Builder
	for _, c := range content {
		switch tc := c.(type) {
		case mcptypes.TextContent:
			sb.WriteString(tc.Text)
		case *mcptypes.TextContent:
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// mcpTool adapts one advertised MCP tool to the engine's Tool interface.
type mcpTool struct {
	server *MCPServer
	def    mcptypes.Tool
}

func (t *mcpTool) Name() string {
	return t.server.name + "." + t.def.Name
}

func (t *mcpTool) Description() string {
	return t.def.Description
}

func (t *mcpTool) Schema() map[string]any {
	schema := map[string]any{
		"type": t.def.InputSchema.Type,
	}
	if schema["type"] == "" {
		schema["type"] = "object"
	}
	if t.def.InputSchema.Properties != nil {
		schema["properties"] = t.def.InputSchema.Properties
	} else {
		schema["properties"] = map[string]any{}
	}
	if len(t.def.InputSchema.Required) > 0 {
		schema["required"] = t.def.InputSchema.Required
	}
	return schema
}

func (t *mcpTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	out, err := t.server.CallTool(ctx, t.def.Name, args)
	if err != nil {
		return "", err
	}
	return out, nil
}
