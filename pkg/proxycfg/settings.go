package proxycfg

import (
	"time"

	"github.com/joeshaw/envdecode"
)

// Settings tunes the process pool at runtime. Every field has a default, so
// decoding never fails on an empty environment.
type Settings struct {
	// MaxProcesses bounds how many backend processes stay alive at once.
	MaxProcesses int `env:"MCP_ENV_PROXY_MAX_PROCESSES,default=5"`
	// ListTimeout bounds the handshake plus tools/list exchange.
	ListTimeout time.Duration `env:"MCP_ENV_PROXY_LIST_TIMEOUT,default=10s"`
	// CallTimeout bounds the handshake plus tools/call exchange. Tool
	// execution may be slow, so it is longer than ListTimeout.
	CallTimeout time.Duration `env:"MCP_ENV_PROXY_CALL_TIMEOUT,default=30s"`
	// GracePeriod is how long an evicted backend gets to exit after its
	// stdin closes before it is signalled.
	GracePeriod time.Duration `env:"MCP_ENV_PROXY_GRACE_PERIOD,default=3s"`
	// KillPeriod is how long a signalled backend gets before it is killed.
	KillPeriod time.Duration `env:"MCP_ENV_PROXY_KILL_PERIOD,default=2s"`
}

// SettingsFromEnv decodes Settings from the environment, falling back to the
// tag defaults for anything unset.
func SettingsFromEnv() Settings {
	var s Settings
	_ = envdecode.Decode(&s)
	return s
}
