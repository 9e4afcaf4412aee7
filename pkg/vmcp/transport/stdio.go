package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/doublegate/Only1MCP-sub001/pkg/logger"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/router"
)

// Restart backoff bounds for a child that exits unexpectedly (spec §4.4
// "attempt restart with bounded exponential backoff").
const (
	restartInitialBackoff = 500 * time.Millisecond
	restartMaxBackoff     = 30 * time.Second
)

// StdioAdapter supervises one child process and speaks line-delimited
// JSON-RPC over its stdin/stdout (spec §4.4 "STDIO transport").
type StdioAdapter struct {
	backendID vmcp.BackendID
	spec      vmcp.StdioSpec

	mu      sync.Mutex // guards cmd/stdin/stdout/closed across restarts
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	closed  bool

	writeMu sync.Mutex // serializes stdin writes; one in-flight frame at a time

	pendingMu sync.Mutex
	pending   map[string]chan rpcFrame

	nextID uint64
}

type rpcFrame struct {
	raw json.RawMessage
	err error
}

// NewStdioAdapter starts the child process described by spec and begins
// draining its stdout in the background.
func NewStdioAdapter(backendID vmcp.BackendID, spec vmcp.StdioSpec) (*StdioAdapter, error) {
	a := &StdioAdapter{
		backendID: backendID,
		spec:      spec,
		pending:   make(map[string]chan rpcFrame),
	}
	if err := a.start(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *StdioAdapter) start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("stdio transport %s: closed", a.backendID)
	}

	cmd := exec.Command(a.spec.Executable, a.spec.Args...) // #nosec G204 -- Executable is taken from the backend descriptor as given; no allowlist check is applied
	if a.spec.WorkingDir != "" {
		cmd.Dir = a.spec.WorkingDir
	}
	if len(a.spec.Env) > 0 {
		env := os.Environ()
		for k, v := range a.spec.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdio transport %s: stdin pipe: %w", a.backendID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdio transport %s: stdout pipe: %w", a.backendID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stdio transport %s: stderr pipe: %w", a.backendID, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("stdio transport %s: start: %w", a.backendID, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	a.cmd = cmd
	a.stdin = stdin
	a.stdout = scanner
	a.closed = false

	go a.drainStderr(stderr)
	go a.readLoop(scanner)

	return nil
}

// drainStderr forwards a child's stderr to the structured logger so nothing
// is silently lost; the child's own logging is diagnostic, not protocol.
func (a *StdioAdapter) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debugw("stdio backend stderr", "backend_id", string(a.backendID), "line", scanner.Text())
	}
}

// readLoop dispatches each decoded line to the pending request it
// correlates with by JSON-RPC id, or drops it as an unsolicited
// notification.
func (a *StdioAdapter) readLoop(scanner *bufio.Scanner) {
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		var env struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(line, &env); err != nil {
			logger.Warnw("stdio backend emitted unparseable frame", "backend_id", string(a.backendID), "error", err.Error())
			continue
		}
		key := string(env.ID)
		a.pendingMu.Lock()
		ch, ok := a.pending[key]
		if ok {
			delete(a.pending, key)
		}
		a.pendingMu.Unlock()
		if ok {
			ch <- rpcFrame{raw: line}
		}
	}

	// The child exited or its stdout closed; fail every request still
	// waiting rather than leaving callers blocked until their own timeout.
	err := fmt.Errorf("stdio transport %s: child process output closed", a.backendID)
	a.pendingMu.Lock()
	for key, ch := range a.pending {
		delete(a.pending, key)
		ch <- rpcFrame{err: err}
	}
	a.pendingMu.Unlock()

	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	go a.restartLoop()
}

// restartLoop respawns the child with bounded exponential backoff,
// retrying indefinitely until it succeeds or Close is called meanwhile
// (spec §4.4 "no automatic restart during shutdown"). Calls made while a
// restart is pending see Call's closed/write-error paths until a new
// readLoop is in place.
func (a *StdioAdapter) restartLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = restartInitialBackoff
	bo.MaxInterval = restartMaxBackoff
	bo.MaxElapsedTime = 0 // bounded per-attempt interval, not a total retry deadline

	for {
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = restartMaxBackoff
		}
		time.Sleep(wait)

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()

		if err := a.start(); err != nil {
			logger.Warnw("stdio transport: restart attempt failed", "backend_id", string(a.backendID), "error", err.Error())
			continue
		}
		logger.Infow("stdio transport: child process restarted", "backend_id", string(a.backendID))
		return
	}
}

// Call writes one JSON-RPC frame to the child's stdin and waits for the
// correlated response on stdout.
func (a *StdioAdapter) Call(ctx context.Context, env *vmcp.RequestEnvelope) (*router.CallResult, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, &router.CallError{Err: fmt.Errorf("stdio transport %s: closed", a.backendID), Retryable: false}
	}
	stdin := a.stdin
	a.mu.Unlock()

	idKey := string(env.ID.Raw())
	notification := env.ID.IsNotification()

	frame := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  env.Method,
	}
	if env.Params != nil {
		frame["params"] = env.Params
	}
	if !notification {
		frame["id"] = json.RawMessage(idKey)
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, &router.CallError{Err: fmt.Errorf("stdio transport %s: encode request: %w", a.backendID, err), Retryable: false}
	}

	var waitCh chan rpcFrame
	if !notification {
		waitCh = make(chan rpcFrame, 1)
		a.pendingMu.Lock()
		a.pending[idKey] = waitCh
		a.pendingMu.Unlock()
	}

	a.writeMu.Lock()
	_, writeErr := stdin.Write(append(payload, '\n'))
	a.writeMu.Unlock()
	if writeErr != nil {
		if !notification {
			a.pendingMu.Lock()
			delete(a.pending, idKey)
			a.pendingMu.Unlock()
		}
		return nil, &router.CallError{Err: fmt.Errorf("stdio transport %s: write: %w", a.backendID, writeErr), Retryable: true}
	}

	if notification {
		return &router.CallResult{Body: nil}, nil
	}

	select {
	case f := <-waitCh:
		if f.err != nil {
			return nil, &router.CallError{Err: f.err, Retryable: true}
		}
		return &router.CallResult{Body: f.raw}, nil
	case <-ctx.Done():
		a.pendingMu.Lock()
		delete(a.pending, idKey)
		a.pendingMu.Unlock()
		return nil, &router.CallError{Err: ctx.Err(), Retryable: false}
	}
}

// Probe sends a lightweight ping (spec default method "ping") and waits for
// any reply, verifying the child is alive and responsive.
func (a *StdioAdapter) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	a.nextID++
	id, _ := json.Marshal(fmt.Sprintf("probe-%d", a.nextID))
	env := &vmcp.RequestEnvelope{ID: vmcp.NewRequestID(id), Method: "ping"}
	_, err := a.Call(probeCtx, env)
	return err
}

// Close terminates the child process and releases its pipes.
func (a *StdioAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.cmd == nil || a.cmd.Process == nil {
		return nil
	}
	if err := a.stdin.Close(); err != nil {
		logger.Debugw("stdio transport: stdin close error", "backend_id", string(a.backendID), "error", err.Error())
	}
	done := make(chan error, 1)
	go func() { done <- a.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		_ = a.cmd.Process.Kill()
		<-done
	}
	return nil
}

var _ Adapter = (*StdioAdapter)(nil)
