// Package proxyserver exposes a ctxpool.Pool as an MCP server. Downstream
// clients see a fixed set of proxy tools (list_contexts, switch_context,
// get_current_context, proxy_tool, list_proxied_tools) instead of the
// backends' own tools; backend tools are reached through proxy_tool so the
// downstream tool surface never changes when contexts switch.
package proxyserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-env-proxy-go/pkg/ctxpool"
)

// Server wires the proxy tools onto an MCP server over a context pool.
type Server struct {
	pool *ctxpool.Pool
	opts Options

	server *mcp.Server
}

type switchContextInput struct {
	ContextName string `json:"context_name" jsonschema:"Name of the configured context to switch to"`
}

type proxyToolInput struct {
	ToolName  string         `json:"tool_name" jsonschema:"Name of the backend tool to invoke"`
	Arguments map[string]any `json:"arguments,omitempty" jsonschema:"Arguments forwarded to the backend tool verbatim"`
}

type listProxiedToolsInput struct {
	ContextName string `json:"context_name,omitempty" jsonschema:"Context to list tools for; defaults to the current context"`
}

type emptyInput struct{}

// New builds a Server over the given pool and registers the proxy tools.
func New(pool *ctxpool.Pool, opts *Options) *Server {
	s := &Server{pool: pool, opts: opts.withDefaults()}
	s.server = mcp.NewServer(s.opts.Implementation, &mcp.ServerOptions{HasTools: true})

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_contexts",
		Description: "List every configured environment context with its server, command, overrides, and pool status.",
	}, s.handleListContexts)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "switch_context",
		Description: "Make the named context current and return the tools its backend advertises.",
	}, s.handleSwitchContext)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_current_context",
		Description: "Report which context is currently active.",
	}, s.handleGetCurrentContext)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "proxy_tool",
		Description: "Invoke a tool on the current context's backend and return its result.",
	}, s.handleProxyTool)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_proxied_tools",
		Description: "List the tools advertised by a context's backend, defaulting to the current context.",
	}, s.handleListProxiedTools)

	return s
}

// Run serves MCP over stdin/stdout until the context is cancelled or the
// client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) handleListContexts(ctx context.Context, req *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
	return jsonResult(map[string]any{
		"contexts":        s.pool.Describe(),
		"current_context": orNil(s.pool.CurrentContext()),
	})
}

func (s *Server) handleSwitchContext(ctx context.Context, req *mcp.CallToolRequest, in switchContextInput) (*mcp.CallToolResult, any, error) {
	info, err := s.pool.Activate(ctx, in.ContextName)
	if err != nil {
		return toolFailure(err)
	}
	if info.Tools == nil {
		info.Tools = []ctxpool.Tool{}
	}
	return jsonResult(info)
}

func (s *Server) handleGetCurrentContext(ctx context.Context, req *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
	name := s.pool.CurrentContext()
	if name == "" {
		return jsonResult(map[string]any{"current_context": nil})
	}
	out := map[string]any{"current_context": name}
	for _, summary := range s.pool.Describe() {
		if summary.Name == name {
			out["server"] = summary.Server
			if len(summary.Env) > 0 {
				out["env"] = summary.Env
			}
			break
		}
	}
	if tools, ok := s.pool.CachedTools(name); ok {
		names := make([]string, 0, len(tools))
		for _, tool := range tools {
			names = append(names, tool.Name)
		}
		out["tools"] = names
	}
	return jsonResult(out)
}

func (s *Server) handleProxyTool(ctx context.Context, req *mcp.CallToolRequest, in proxyToolInput) (*mcp.CallToolResult, any, error) {
	result, err := s.pool.Invoke(ctx, in.ToolName, in.Arguments)
	if err != nil {
		return toolFailure(err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(result)}},
	}, nil, nil
}

func (s *Server) handleListProxiedTools(ctx context.Context, req *mcp.CallToolRequest, in listProxiedToolsInput) (*mcp.CallToolResult, any, error) {
	tools, err := s.pool.ListTools(ctx, in.ContextName)
	if err != nil {
		return toolFailure(err)
	}
	if tools == nil {
		tools = []ctxpool.Tool{}
	}
	return jsonResult(map[string]any{"tools": tools})
}

// jsonResult renders v as an indented JSON text block.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("proxyserver: encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// toolFailure maps a pool error onto an MCP tool error result so callers see
// the failure inline rather than as a protocol fault. A backend's own error
// payload passes through verbatim.
func toolFailure(err error) (*mcp.CallToolResult, any, error) {
	text := err.Error()
	var toolErr *ctxpool.ToolInvocationError
	if errors.As(err, &toolErr) {
		text = string(toolErr.Payload)
	}
	if errors.Is(err, ctxpool.ErrNoActiveContext) {
		text = "no active context: call switch_context first"
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

func orNil(name string) any {
	if name == "" {
		return nil
	}
	return name
}
