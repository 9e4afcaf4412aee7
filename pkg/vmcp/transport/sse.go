package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/doublegate/Only1MCP-sub001/pkg/logger"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/router"
)

const sseRetentionWindow = 256 // events kept for Last-Event-ID resumption

// SSEAdapter speaks the legacy two-endpoint SSE transport: requests POST to
// ControlURL, replies arrive out-of-band on a long-lived GET to EventURL,
// correlated by JSON-RPC id (spec §4.4 "legacy SSE transport").
type SSEAdapter struct {
	backendID vmcp.BackendID
	spec      vmcp.SSESpec
	client    *http.Client

	pendingMu sync.Mutex
	pending   map[string]chan rpcFrame

	retentionMu sync.Mutex
	lastEventID uint64
	retained    []sseEvent // ring of the most recent sseRetentionWindow events

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSSEAdapter dials EventURL and begins the background event loop.
func NewSSEAdapter(backendID vmcp.BackendID, spec vmcp.SSESpec) (*SSEAdapter, error) {
	if spec.ControlURL == "" || spec.EventURL == "" {
		return nil, fmt.Errorf("sse transport %s: control and event urls are both required", backendID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &SSEAdapter{
		backendID: backendID,
		spec:      spec,
		client:    &http.Client{},
		pending:   make(map[string]chan rpcFrame),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go a.eventLoop(ctx)
	return a, nil
}

// eventLoop maintains the long-lived GET to EventURL, reconnecting with
// Last-Event-ID when the backend supports resumption (spec §4.4).
func (a *SSEAdapter) eventLoop(ctx context.Context) {
	defer close(a.done)

	backoffDelay := 200 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := a.connectAndRead(ctx); err != nil {
			logger.Warnw("sse transport event stream disconnected", "backend_id", string(a.backendID), "error", err.Error())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffDelay):
		}
		backoffDelay *= 2
		if backoffDelay > maxBackoff {
			backoffDelay = maxBackoff
		}
	}
}

func (a *SSEAdapter) connectAndRead(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.spec.EventURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if a.spec.ResumptionRetry {
		a.retentionMu.Lock()
		last := a.lastEventID
		a.retentionMu.Unlock()
		if last > 0 {
			req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", last))
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream status %d", resp.StatusCode)
	}

	reader := newSSEReader(resp.Body)
	for {
		ev, err := reader.next()
		if err != nil {
			return err
		}
		a.recordEvent(ev)
		a.dispatch(ev)
	}
}

func (a *SSEAdapter) recordEvent(ev sseEvent) {
	id := parseEventID(ev.id)
	a.retentionMu.Lock()
	if id > a.lastEventID {
		a.lastEventID = id
	}
	a.retained = append(a.retained, ev)
	if len(a.retained) > sseRetentionWindow {
		a.retained = a.retained[len(a.retained)-sseRetentionWindow:]
	}
	a.retentionMu.Unlock()
}

func (a *SSEAdapter) dispatch(ev sseEvent) {
	var env struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal([]byte(ev.data), &env); err != nil {
		return
	}
	key := string(env.ID)
	a.pendingMu.Lock()
	ch, ok := a.pending[key]
	if ok {
		delete(a.pending, key)
	}
	a.pendingMu.Unlock()
	if ok {
		ch <- rpcFrame{raw: json.RawMessage(ev.data)}
	}
}

// Call POSTs the request to ControlURL and waits for its correlated reply
// to arrive on the event stream.
func (a *SSEAdapter) Call(ctx context.Context, env *vmcp.RequestEnvelope) (*router.CallResult, error) {
	notification := env.ID.IsNotification()

	frame := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  env.Method,
	}
	if env.Params != nil {
		frame["params"] = env.Params
	}
	if !notification {
		frame["id"] = json.RawMessage(env.ID.Raw())
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, &router.CallError{Err: err, Retryable: false}
	}

	var waitCh chan rpcFrame
	idKey := string(env.ID.Raw())
	if !notification {
		waitCh = make(chan rpcFrame, 1)
		a.pendingMu.Lock()
		a.pending[idKey] = waitCh
		a.pendingMu.Unlock()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.spec.ControlURL, bytes.NewReader(body))
	if err != nil {
		return nil, &router.CallError{Err: err, Retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if !notification {
			a.pendingMu.Lock()
			delete(a.pending, idKey)
			a.pendingMu.Unlock()
		}
		return nil, &router.CallError{Err: err, Retryable: true}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if !notification {
			a.pendingMu.Lock()
			delete(a.pending, idKey)
			a.pendingMu.Unlock()
		}
		return nil, &router.CallError{Err: fmt.Errorf("sse transport %s: control status %d: %s", a.backendID, resp.StatusCode, b), Retryable: resp.StatusCode >= 500}
	}

	if notification {
		return &router.CallResult{}, nil
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

// Probe confirms the control endpoint accepts requests; the event stream's
// own health is tracked separately by the background reconnect loop.
func (a *SSEAdapter) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	id, _ := json.Marshal("probe")
	env := &vmcp.RequestEnvelope{ID: vmcp.NewRequestID(id), Method: "ping"}
	_, err := a.Call(probeCtx, env)
	return err
}

// Close stops the background event loop.
func (a *SSEAdapter) Close() error {
	a.cancel()
	<-a.done
	return nil
}

var _ Adapter = (*SSEAdapter)(nil)
