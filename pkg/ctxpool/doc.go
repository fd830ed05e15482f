// Package ctxpool maintains a bounded pool of backend MCP server
// subprocesses, one per named environment context, and proxies tool
// operations to whichever context is current. Each backend speaks
// newline-delimited JSON-RPC 2.0 over its stdio pipes; the pool owns the
// full subprocess lifecycle from spawn through graceful teardown.
//
// # Core entry points
//
//   - Pool is the long-lived orchestration type. Construct it with NewPool
//     over a validated proxycfg.Config, then call Activate to switch the
//     current context.
//   - Invoke forwards a tool call to the current context's backend and
//     returns the backend's raw result payload.
//   - ListTools returns the (cached) tool snapshot for a context, Describe
//     reports a summary of every configured context, and Invalidate drops a
//     cached tool list so the next listing refetches.
//   - Options tune pool capacity, exchange timeouts, teardown escalation
//     periods, and logging.
//
// Sessions are created lazily on first use of their context and evicted in
// insertion order when the pool is at capacity, skipping the current
// context. Every exchange with a backend is self-contained: the pool sends
// an initialize handshake followed by the operation request, so a backend
// restarted after eviction needs no pre-warming. Call Shutdown to terminate
// every pooled subprocess before exit.
package ctxpool
