package ctxpool

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoActiveContext is returned when a tool invocation arrives before any
// context has been activated.
var ErrNoActiveContext = errors.New("ctxpool: no active context")

// SpawnError reports that a backend executable could not be launched. The
// activation that triggered the spawn fails; pool state is unchanged.
type SpawnError struct {
	Context string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("ctxpool: spawn %q for context %q: %v", e.Command, e.Context, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WriteError reports a failed write to a backend's stdin, usually because
// the process exited. It is fatal for the exchange in progress.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("ctxpool: write to backend: %v", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ToolInvocationError carries a backend's error payload for a tools/call
// request verbatim. The call is never retried.
type ToolInvocationError struct {
	Tool    string
	Payload json.RawMessage
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("ctxpool: tool %q failed: %s", e.Tool, e.Payload)
}

// NoResponseError reports that the backend never answered a tools/call
// request before the exchange deadline.
type NoResponseError struct {
	Tool string
}

func (e *NoResponseError) Error() string {
	return fmt.Sprintf("ctxpool: no response for tool %q before the deadline", e.Tool)
}
