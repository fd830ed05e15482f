package ctxpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vikashloomba/mcp-env-proxy-go/pkg/proxycfg"
)

// Tool is an immutable snapshot of one tool advertised by a backend. The
// input schema is opaque structured data, passed through verbatim.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ContextInfo is returned by Activate: the context that is now current and
// the tools its backend advertises.
type ContextInfo struct {
	Name   string            `json:"name"`
	Server string            `json:"server"`
	Env    map[string]string `json:"env,omitempty"`
	Tools  []Tool            `json:"tools"`
}

// ContextSummary is one row of Describe: a point-in-time snapshot of a
// configured context.
type ContextSummary struct {
	Name        string            `json:"name"`
	Server      string            `json:"server"`
	Command     string            `json:"command"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
	Active      bool              `json:"active"`
	Loaded      bool              `json:"loaded"`
}

// Options configure a Pool instance.
type Options struct {
	// MaxSessions bounds the number of live backend sessions. Defaults to 5.
	MaxSessions int
	// ListTimeout bounds a handshake + tools/list exchange. Defaults to 10s.
	ListTimeout time.Duration
	// CallTimeout bounds a handshake + tools/call exchange. Defaults to 30s.
	CallTimeout time.Duration
	// GracePeriod and KillPeriod control session teardown escalation.
	// Default to 3s and 2s.
	GracePeriod time.Duration
	KillPeriod  time.Duration
	// ClientVersion is reported to backends in the handshake. Defaults to
	// "1.0.0".
	ClientVersion string
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 5
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = 10 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 3 * time.Second
	}
	if opts.KillPeriod <= 0 {
		opts.KillPeriod = 2 * time.Second
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// session is one live backend subprocess bound to a context name. Exchanges
// hold mu for their whole duration, which enforces at most one in-flight
// request per session.
type session struct {
	contextName string

	// ready is closed once spawning finished; spawnErr and tr are only
	// read after ready.
	ready    chan struct{}
	spawnErr error
	tr       *transport

	mu          sync.Mutex
	nextID      int64
	tools       []Tool
	toolsLoaded bool
}

// Pool owns every live backend session, keyed by context name, and tracks
// which context is current. All table mutation happens under mu; subprocess
// I/O (spawn, exchange, close) never does.
type Pool struct {
	cfg  *proxycfg.Config
	opts Options

	mu       sync.Mutex
	sessions map[string]*session
	order    []string
	current  string
}

// NewPool builds a Pool over a validated configuration. The current context
// is seeded from the configuration's current_context, if any; its session is
// created lazily on first use.
func NewPool(cfg *proxycfg.Config, opts *Options) *Pool {
	return &Pool{
		cfg:      cfg,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*session),
		current:  cfg.CurrentContext,
	}
}

// CurrentContext returns the name of the current context, or "" when none is
// active.
func (p *Pool) CurrentContext() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Activate validates the context name, ensures a live session exists for it
// (creating one, evicting if the pool is at capacity), marks it current, and
// returns its cached or freshly fetched tool list. Re-activating the current
// context is a no-op aside from a tool-cache fill if the cache was never
// populated.
func (p *Pool) Activate(ctx context.Context, contextName string) (ContextInfo, error) {
	ctxCfg, ok := p.cfg.Contexts[contextName]
	if !ok {
		return ContextInfo{}, &proxycfg.UnknownContextError{Name: contextName}
	}
	s, err := p.acquire(contextName)
	if err != nil {
		return ContextInfo{}, err
	}

	p.mu.Lock()
	p.current = contextName
	p.mu.Unlock()
	p.opts.Logger.Info("switched context", "context", contextName)

	return ContextInfo{
		Name:   contextName,
		Server: ctxCfg.Server,
		Env:    ctxCfg.Env,
		Tools:  p.sessionTools(ctx, s),
	}, nil
}

// ListTools returns the tool snapshot for the named context, defaulting to
// the current one. The first listing per session performs a handshake +
// tools/list round trip; a fetch that fails or times out yields an empty
// list rather than an error, so an unreachable backend does not break
// context discovery.
func (p *Pool) ListTools(ctx context.Context, contextName string) ([]Tool, error) {
	name := contextName
	if name == "" {
		p.mu.Lock()
		name = p.current
		p.mu.Unlock()
		if name == "" {
			return nil, ErrNoActiveContext
		}
	}
	if _, ok := p.cfg.Contexts[name]; !ok {
		return nil, &proxycfg.UnknownContextError{Name: name}
	}
	s, err := p.acquire(name)
	if err != nil {
		return nil, err
	}
	return p.sessionTools(ctx, s), nil
}

// CachedTools returns the tool snapshot already cached for a context, if
// any, without touching the backend.
func (p *Pool) CachedTools(contextName string) ([]Tool, bool) {
	p.mu.Lock()
	s := p.sessions[contextName]
	p.mu.Unlock()
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools, s.toolsLoaded
}

// Invalidate drops the cached tool list for a context so the next listing
// refetches from the backend. It is a no-op when the context has no live
// session.
func (p *Pool) Invalidate(contextName string) {
	p.mu.Lock()
	s := p.sessions[contextName]
	p.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	s.tools = nil
	s.toolsLoaded = false
	s.mu.Unlock()
}

// Invoke calls a tool on the current context's backend. It requires a
// current context, re-creating its session if it was evicted. A backend
// error payload surfaces as *ToolInvocationError; an unanswered call
// surfaces as *NoResponseError.
func (p *Pool) Invoke(ctx context.Context, toolName string, arguments map[string]any) (json.RawMessage, error) {
	p.mu.Lock()
	name := p.current
	p.mu.Unlock()
	if name == "" {
		return nil, ErrNoActiveContext
	}
	s, err := p.acquire(name)
	if err != nil {
		return nil, err
	}

	if arguments == nil {
		arguments = map[string]any{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	callID := s.nextID + 1
	requests := []rpcRequest{
		handshakeRequest(s.nextID, p.opts.ClientVersion),
		{
			JSONRPC: "2.0",
			ID:      callID,
			Method:  "tools/call",
			Params:  map[string]any{"name": toolName, "arguments": arguments},
		},
	}
	s.nextID += 2

	responses, err := exchange(ctx, s.tr, requests, len(requests), p.opts.CallTimeout)
	if err != nil {
		return nil, err
	}
	resp, ok := responses[callID]
	if !ok {
		return nil, &NoResponseError{Tool: toolName}
	}
	if len(resp.Error) > 0 {
		return nil, &ToolInvocationError{
			Tool:    toolName,
			Payload: append(json.RawMessage(nil), resp.Error...),
		}
	}
	return resp.Result, nil
}

// Describe reports a snapshot of every configured context, sorted by name.
func (p *Pool) Describe() []ContextSummary {
	p.mu.Lock()
	current := p.current
	loaded := make(map[string]bool, len(p.sessions))
	for name := range p.sessions {
		loaded[name] = true
	}
	p.mu.Unlock()

	summaries := make([]ContextSummary, 0, len(p.cfg.Contexts))
	for name, ctxCfg := range p.cfg.Contexts {
		command := "unknown"
		if srv, ok := p.cfg.Servers[ctxCfg.Server]; ok {
			command = strings.TrimSpace(srv.Command + " " + strings.Join(srv.Args, " "))
		}
		summaries = append(summaries, ContextSummary{
			Name:        name,
			Server:      ctxCfg.Server,
			Command:     command,
			Env:         ctxCfg.Env,
			Description: ctxCfg.Description,
			Active:      name == current,
			Loaded:      loaded[name],
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries
}

// Shutdown evicts every live session, leaving the pool empty. It is
// idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	victims := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		victims = append(victims, s)
	}
	p.sessions = make(map[string]*session)
	p.order = nil
	p.mu.Unlock()

	for _, s := range victims {
		p.closeSession(s)
	}
}

func (p *Pool) closeSession(s *session) {
	<-s.ready
	if s.tr == nil {
		return
	}
	p.opts.Logger.Info("terminating backend process", "context", s.contextName)
	s.tr.close(p.opts.GracePeriod, p.opts.KillPeriod)
}

// acquire returns the live session for a context, creating one if needed.
// Creation is linearized per context name: concurrent callers for the same
// name share one spawn attempt. The pool lock is never held across spawn,
// eviction close, or an exchange.
func (p *Pool) acquire(contextName string) (*session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[contextName]; ok {
		p.mu.Unlock()
		<-s.ready
		if s.spawnErr != nil {
			return nil, s.spawnErr
		}
		return s, nil
	}

	var victim *session
	if len(p.order) >= p.opts.MaxSessions {
		if candidate := p.evictionCandidateLocked(); candidate != "" {
			victim = p.sessions[candidate]
			p.removeLocked(candidate, victim)
		} else {
			// Only the current context is pooled; creating the new session
			// exceeds capacity by one rather than evicting the session a
			// caller is actively using.
			p.opts.Logger.Warn("cannot evict: only the current context is pooled",
				"context", p.current, "max_sessions", p.opts.MaxSessions)
		}
	}

	s := &session{contextName: contextName, ready: make(chan struct{})}
	p.sessions[contextName] = s
	p.order = append(p.order, contextName)
	p.mu.Unlock()

	if victim != nil {
		p.opts.Logger.Info("evicting context session", "context", victim.contextName)
		p.closeSession(victim)
	}

	command, args, err := p.cfg.Command(contextName)
	if err != nil {
		return nil, p.abortSpawn(s, err)
	}
	env, err := p.cfg.Environ(contextName)
	if err != nil {
		return nil, p.abortSpawn(s, err)
	}
	p.opts.Logger.Info("starting backend process",
		"context", contextName, "command", command)
	tr, err := newTransport(contextName, command, args, env, p.opts.Logger)
	if err != nil {
		return nil, p.abortSpawn(s, err)
	}
	s.tr = tr
	close(s.ready)
	return s, nil
}

// abortSpawn rolls the reserved table slot back so a failed activation
// leaves pool state unchanged.
func (p *Pool) abortSpawn(s *session, err error) error {
	s.spawnErr = err
	close(s.ready)
	p.mu.Lock()
	p.removeLocked(s.contextName, s)
	p.mu.Unlock()
	return err
}

// evictionCandidateLocked picks the oldest-inserted session that is not the
// current context, or "" when no such session exists.
func (p *Pool) evictionCandidateLocked() string {
	for _, name := range p.order {
		if name != p.current {
			return name
		}
	}
	return ""
}

// removeLocked drops a session from the table only if it is still the one
// registered under its name.
func (p *Pool) removeLocked(name string, s *session) {
	if p.sessions[name] != s {
		return
	}
	delete(p.sessions, name)
	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// sessionTools returns the session's cached tool list, fetching and caching
// it on first use.
func (p *Pool) sessionTools(ctx context.Context, s *session) []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.toolsLoaded {
		return s.tools
	}
	tools, err := p.fetchTools(ctx, s)
	if err != nil {
		p.opts.Logger.Warn("tool listing failed, caching empty tool list",
			"context", s.contextName, "error", err)
		tools = nil
	}
	s.tools = tools
	s.toolsLoaded = true
	p.opts.Logger.Info("discovered tools", "context", s.contextName, "count", len(tools))
	return s.tools
}

// fetchTools performs the fixed handshake + tools/list exchange. The caller
// holds s.mu.
func (p *Pool) fetchTools(ctx context.Context, s *session) ([]Tool, error) {
	listID := s.nextID + 1
	requests := []rpcRequest{
		handshakeRequest(s.nextID, p.opts.ClientVersion),
		{JSONRPC: "2.0", ID: listID, Method: "tools/list", Params: map[string]any{}},
	}
	s.nextID += 2

	responses, err := exchange(ctx, s.tr, requests, len(requests), p.opts.ListTimeout)
	if err != nil {
		return nil, err
	}
	resp, ok := responses[listID]
	if !ok {
		return nil, fmt.Errorf("ctxpool: tools/list went unanswered")
	}
	if len(resp.Error) > 0 {
		return nil, fmt.Errorf("ctxpool: tools/list error: %s", resp.Error)
	}
	var payload struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &payload); err != nil {
		return nil, fmt.Errorf("ctxpool: decode tools/list result: %w", err)
	}
	return payload.Tools, nil
}
