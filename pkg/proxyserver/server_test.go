package proxyserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-env-proxy-go/pkg/ctxpool"
	"github.com/vikashloomba/mcp-env-proxy-go/pkg/proxycfg"
)

// fakeBackend answers the handshake, tool listing, and tool calls the way a
// minimal MCP stdio server would.
const fakeBackend = `#!/bin/sh
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  case "$line" in
    *'"initialize"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05"}}\n' "$id" ;;
    *'"tools/list"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"greet","description":"says hello"}]}}\n' "$id" ;;
    *'"tools/call"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"hello from backend"}]}}\n' "$id" ;;
  esac
done
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	script := filepath.Join(t.TempDir(), "backend.sh")
	if err := os.WriteFile(script, []byte(fakeBackend), 0o755); err != nil {
		t.Fatalf("write backend script: %v", err)
	}
	cfg := &proxycfg.Config{
		Servers: map[string]proxycfg.Server{"fake": {Command: "/bin/sh", Args: []string{script}}},
		Contexts: map[string]proxycfg.Context{
			"dev":  {Server: "fake", Description: "development backend"},
			"prod": {Server: "fake"},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := ctxpool.NewPool(cfg, &ctxpool.Options{
		ListTimeout: 5 * time.Second,
		CallTimeout: 5 * time.Second,
		GracePeriod: 200 * time.Millisecond,
		KillPeriod:  200 * time.Millisecond,
		Logger:      logger,
	})
	t.Cleanup(pool.Shutdown)
	return New(pool, &Options{Logger: logger})
}

func connectClient(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	clientTr, serverTr := mcp.NewInMemoryTransports()
	serverSession, err := s.server.Connect(ctx, serverTr, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "proxy-tests", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTr, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func callText(t *testing.T, session *mcp.ClientSession, tool string, args map[string]any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s) error: %v", tool, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s) returned no content", tool)
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s) content = %#v, expected text", tool, result.Content[0])
	}
	return text.Text, result.IsError
}

func TestServerExposesProxyTools(t *testing.T) {
	t.Parallel()

	session := connectClient(t, newTestServer(t))
	listed, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools error: %v", err)
	}
	names := make(map[string]bool, len(listed.Tools))
	for _, tool := range listed.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"list_contexts", "switch_context", "get_current_context", "proxy_tool", "list_proxied_tools"} {
		if !names[want] {
			t.Fatalf("tool %q not exposed; got %v", want, names)
		}
	}
}

func TestProxyLifecycle(t *testing.T) {
	t.Parallel()

	session := connectClient(t, newTestServer(t))

	text, isErr := callText(t, session, "get_current_context", nil)
	if isErr || !strings.Contains(text, "null") {
		t.Fatalf("get_current_context before any switch = %q (isError=%v)", text, isErr)
	}

	text, isErr = callText(t, session, "proxy_tool", map[string]any{"tool_name": "greet"})
	if !isErr || !strings.Contains(text, "switch_context") {
		t.Fatalf("proxy_tool without a context = %q (isError=%v)", text, isErr)
	}

	text, isErr = callText(t, session, "switch_context", map[string]any{"context_name": "dev"})
	if isErr {
		t.Fatalf("switch_context(dev) failed: %s", text)
	}
	if !strings.Contains(text, `"greet"`) {
		t.Fatalf("switch_context result lacks the backend tools: %s", text)
	}

	text, isErr = callText(t, session, "get_current_context", nil)
	if isErr || !strings.Contains(text, `"dev"`) {
		t.Fatalf("get_current_context after switch = %q", text)
	}

	text, isErr = callText(t, session, "proxy_tool", map[string]any{
		"tool_name": "greet",
		"arguments": map[string]any{"name": "world"},
	})
	if isErr || !strings.Contains(text, "hello from backend") {
		t.Fatalf("proxy_tool(greet) = %q (isError=%v)", text, isErr)
	}

	text, isErr = callText(t, session, "list_proxied_tools", nil)
	if isErr || !strings.Contains(text, `"greet"`) {
		t.Fatalf("list_proxied_tools = %q (isError=%v)", text, isErr)
	}

	text, isErr = callText(t, session, "list_contexts", nil)
	if isErr || !strings.Contains(text, `"dev"`) || !strings.Contains(text, `"prod"`) {
		t.Fatalf("list_contexts = %q (isError=%v)", text, isErr)
	}
	if !strings.Contains(text, `"active": true`) {
		t.Fatalf("list_contexts does not flag the active context: %s", text)
	}
}

func TestSwitchContextUnknownName(t *testing.T) {
	t.Parallel()

	session := connectClient(t, newTestServer(t))
	text, isErr := callText(t, session, "switch_context", map[string]any{"context_name": "ghost"})
	if !isErr || !strings.Contains(text, "ghost") {
		t.Fatalf("switch_context(ghost) = %q (isError=%v)", text, isErr)
	}
}

func TestHTTPMountHealthAndCORS(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestServer(t).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("GET /healthz = %d, expected 204", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("build preflight request: %v", err)
	}
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight error: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight headers = %v, expected a CORS allow", resp.Header)
	}
}
