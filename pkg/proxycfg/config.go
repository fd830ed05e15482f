// Package proxycfg loads and resolves the proxy's context configuration: the
// catalog of backend server commands, the named contexts that select a server
// plus environment-variable overrides, and the global defaults layered
// underneath every context. The document is YAML (`contexts.yaml`) and is
// read once at startup; everything in this package is read-only afterwards.
package proxycfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted when no explicit
// config path is given.
const EnvConfigPath = "MCP_ENV_PROXY_CONFIG"

// Server describes a backend command template shared by zero or more
// contexts.
type Server struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args,omitempty"`
}

// Context selects a server and the environment overrides applied when that
// server is launched on the context's behalf.
type Context struct {
	Server      string            `yaml:"server" json:"server"`
	Env         map[string]string `yaml:"env" json:"env,omitempty"`
	Description string            `yaml:"description" json:"description,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	Defaults       map[string]string  `yaml:"defaults" json:"defaults,omitempty"`
	Servers        map[string]Server  `yaml:"servers" json:"servers"`
	Contexts       map[string]Context `yaml:"contexts" json:"contexts"`
	CurrentContext string             `yaml:"current_context" json:"current_context,omitempty"`
}

// UnknownContextError reports a reference to a context name absent from the
// configuration.
type UnknownContextError struct {
	Name string
}

func (e *UnknownContextError) Error() string {
	return fmt.Sprintf("proxycfg: unknown context %q", e.Name)
}

// UnknownServerError reports a context pointing at a server name absent from
// the configuration.
type UnknownServerError struct {
	Name string
}

func (e *UnknownServerError) Error() string {
	return fmt.Sprintf("proxycfg: unknown server %q", e.Name)
}

// Load reads the configuration document. When path is empty the following
// locations are tried in order: the MCP_ENV_PROXY_CONFIG environment
// variable, ./contexts.yaml, and ~/.config/mcp-env-proxy/contexts.yaml.
// When none exists an empty Config is returned rather than an error; an
// explicit path that does not exist is always an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv(EnvConfigPath)
		explicit = path != ""
	}
	if path == "" {
		path = searchDefaultPaths()
	}
	if path == "" {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("proxycfg: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("proxycfg: parse %s: %w", path, err)
	}
	return cfg, nil
}

func searchDefaultPaths() string {
	if _, err := os.Stat("contexts.yaml"); err == nil {
		return "contexts.yaml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	user := filepath.Join(home, ".config", "mcp-env-proxy", "contexts.yaml")
	if _, err := os.Stat(user); err == nil {
		return user
	}
	return ""
}

// Validate checks internal references: every context must name a defined
// server, every server needs a command, and override keys must be non-empty.
func (c *Config) Validate() error {
	for name, srv := range c.Servers {
		if strings.TrimSpace(srv.Command) == "" {
			return fmt.Errorf("proxycfg: server %q has no command", name)
		}
	}
	for name, ctx := range c.Contexts {
		if _, ok := c.Servers[ctx.Server]; !ok {
			return fmt.Errorf("proxycfg: context %q references %w", name, &UnknownServerError{Name: ctx.Server})
		}
		for key := range ctx.Env {
			if strings.TrimSpace(key) == "" {
				return fmt.Errorf("proxycfg: context %q has an empty env override key", name)
			}
		}
	}
	if c.CurrentContext != "" {
		if _, ok := c.Contexts[c.CurrentContext]; !ok {
			return fmt.Errorf("proxycfg: current_context references %w", &UnknownContextError{Name: c.CurrentContext})
		}
	}
	return nil
}

// Command resolves the launch command and argument vector for a context.
func (c *Config) Command(contextName string) (string, []string, error) {
	ctx, ok := c.Contexts[contextName]
	if !ok {
		return "", nil, &UnknownContextError{Name: contextName}
	}
	srv, ok := c.Servers[ctx.Server]
	if !ok {
		return "", nil, &UnknownServerError{Name: ctx.Server}
	}
	return srv.Command, srv.Args, nil
}

// Environ builds the effective environment for a context in "KEY=value"
// form: the process environment, overlaid with the global defaults, overlaid
// with the context's own overrides. Later layers win on key collision.
func (c *Config) Environ(contextName string) ([]string, error) {
	ctx, ok := c.Contexts[contextName]
	if !ok {
		return nil, &UnknownContextError{Name: contextName}
	}
	merged := make(map[string]string)
	var order []string
	set := func(key, value string) {
		if _, seen := merged[key]; !seen {
			order = append(order, key)
		}
		merged[key] = value
	}
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			set(kv[:idx], kv[idx+1:])
		}
	}
	for key, value := range c.Defaults {
		set(key, value)
	}
	for key, value := range ctx.Env {
		set(key, value)
	}
	env := make([]string, 0, len(order))
	for _, key := range order {
		env = append(env, key+"="+merged[key])
	}
	return env, nil
}
