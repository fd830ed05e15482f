package ctxpool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// errReceiveTimeout is the internal signal that no protocol line arrived
// before the deadline. Callers degrade (partial responses, empty tool lists)
// instead of surfacing it.
var errReceiveTimeout = errors.New("ctxpool: receive timed out")

const maxLineBytes = 1 << 20

// transport owns exactly one backend subprocess and exchanges
// newline-delimited JSON documents over its stdin/stdout. Stdout lines that
// do not look like JSON objects are diagnostic noise and are discarded;
// stderr is never parsed, only logged.
type transport struct {
	contextName string
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	logger      *slog.Logger

	// lines carries accepted stdout lines from the reader goroutine; it is
	// closed when the backend's stdout closes.
	lines chan json.RawMessage

	writeMu sync.Mutex

	waitOnce sync.Once
	waitDone chan struct{}
}

// newTransport spawns the backend with the given argument vector and
// environment and starts the stdout/stderr pump goroutines. The returned
// transport owns the live OS process until close is called.
func newTransport(contextName, command string, args, env []string, logger *slog.Logger) (*transport, error) {
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Context: contextName, Command: command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Context: contextName, Command: command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Context: contextName, Command: command, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Context: contextName, Command: command, Err: err}
	}

	t := &transport{
		contextName: contextName,
		cmd:         cmd,
		stdin:       stdin,
		logger:      logger,
		lines:       make(chan json.RawMessage, 64),
		waitDone:    make(chan struct{}),
	}
	go t.pumpStdout(stdout)
	go t.pumpStderr(stderr)
	return t, nil
}

func (t *transport) pumpStdout(r io.Reader) {
	defer close(t.lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' || !json.Valid(line) {
			t.logger.Debug("discarding non-protocol output",
				"context", t.contextName, "line", string(line))
			continue
		}
		t.lines <- json.RawMessage(append([]byte(nil), line...))
	}
}

func (t *transport) pumpStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		t.logger.Debug("backend stderr", "context", t.contextName, "line", scanner.Text())
	}
}

// send serializes doc as a single JSON line and writes it to the backend's
// stdin.
func (t *transport) send(doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return &WriteError{Err: err}
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// receiveLine blocks until one accepted protocol line is available, the
// timeout elapses, the context is cancelled, or the backend's stdout closes.
func (t *transport) receiveLine(ctx context.Context, deadline time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case line, ok := <-t.lines:
		if !ok {
			return nil, io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errReceiveTimeout
	}
}

// close tears the backend down in three stages: close stdin and wait up to
// grace for a cooperative exit, send SIGTERM and wait up to kill, then
// SIGKILL. It always returns once the process is confirmed gone and is safe
// to call when the process already exited.
func (t *transport) close(grace, kill time.Duration) {
	// Keep the stdout pump from blocking on a full buffer while the backend
	// flushes its final output.
	go func() {
		for range t.lines {
		}
	}()
	_ = t.stdin.Close()
	if t.awaitExit(grace) {
		return
	}
	t.logger.Debug("backend ignored stdin close, sending SIGTERM", "context", t.contextName)
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Signal(syscall.SIGTERM)
	}
	if t.awaitExit(kill) {
		return
	}
	t.logger.Warn("backend ignored SIGTERM, killing", "context", t.contextName)
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	<-t.waitDone
}

// awaitExit reaps the process at most once and reports whether it exited
// within d.
func (t *transport) awaitExit(d time.Duration) bool {
	t.waitOnce.Do(func() {
		go func() {
			_ = t.cmd.Wait()
			close(t.waitDone)
		}()
	})
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.waitDone:
		return true
	case <-timer.C:
		return false
	}
}
