package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/router"
)

// HTTPAdapter speaks streamable-HTTP JSON-RPC: one POST per request, with
// the backend free to reply either as a single JSON body or as an
// event-stream of incremental chunks (spec §4.4 "streamable HTTP").
type HTTPAdapter struct {
	backendID vmcp.BackendID
	spec      vmcp.HTTPSpec
	client    *http.Client
}

// NewHTTPAdapter builds an adapter with its own pooled client, sized for
// one backend's expected concurrency (spec §4.4 "connection reuse").
func NewHTTPAdapter(backendID vmcp.BackendID, spec vmcp.HTTPSpec) (*HTTPAdapter, error) {
	if spec.URL == "" {
		return nil, fmt.Errorf("http transport %s: empty url", backendID)
	}
	return &HTTPAdapter{
		backendID: backendID,
		spec:      spec,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Call issues one POST carrying the JSON-RPC frame and classifies the
// response mode by Content-Type (spec §4.4 "response mode classification").
func (a *HTTPAdapter) Call(ctx context.Context, env *vmcp.RequestEnvelope) (*router.CallResult, error) {
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
		return nil, &router.CallError{Err: fmt.Errorf("http transport %s: encode: %w", a.backendID, err), Retryable: false}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.spec.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &router.CallError{Err: fmt.Errorf("http transport %s: build request: %w", a.backendID, err), Retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if env.SessionID != "" {
		req.Header.Set("Mcp-Session-Id", env.SessionID)
	}
	if env.TraceID != "" {
		req.Header.Set("X-Trace-Id", env.TraceID)
	}
	for k, v := range a.spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &router.CallError{Err: fmt.Errorf("http transport %s: do: %w", a.backendID, err), Retryable: true}
	}

	if resp.StatusCode >= 500 {
		_ = resp.Body.Close()
		return nil, &router.CallError{Err: fmt.Errorf("http transport %s: status %d", a.backendID, resp.StatusCode), Retryable: true}
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &router.CallError{Err: fmt.Errorf("http transport %s: status %d: %s", a.backendID, resp.StatusCode, b), Retryable: false}
	}

	if notification {
		_ = resp.Body.Close()
		return &router.CallResult{}, nil
	}

	contentType := resp.Header.Get("Content-Type")
	if isEventStream(contentType) {
		return a.consumeEventStream(ctx, resp)
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &router.CallError{Err: fmt.Errorf("http transport %s: read body: %w", a.backendID, err), Retryable: true}
	}
	return &router.CallResult{Body: raw}, nil
}

func isEventStream(contentType string) bool {
	for i := 0; i < len(contentType); i++ {
		if len(contentType) >= i+len("text/event-stream") && contentType[i:i+len("text/event-stream")] == "text/event-stream" {
			return true
		}
	}
	return false
}

// consumeEventStream forwards each "data:" line as a StreamChunk until the
// backend closes the response or emits a terminal marker (spec §4.4 "SSE
// response streaming").
func (a *HTTPAdapter) consumeEventStream(ctx context.Context, resp *http.Response) (*router.CallResult, error) {
	chunks := make(chan router.StreamChunk, 8)

	go func() {
		defer resp.Body.Close()
		defer close(chunks)

		var eventID uint64
		reader := newSSEReader(resp.Body)
		for {
			ev, err := reader.next()
			if err != nil {
				if err != io.EOF {
					select {
					case chunks <- router.StreamChunk{Err: err, IsFinal: true}:
					case <-ctx.Done():
					}
				}
				return
			}
			eventID++
			final := ev.event == "done" || len(ev.data) == 0
			select {
			case chunks <- router.StreamChunk{Data: json.RawMessage(ev.data), EventID: eventID, IsFinal: final}:
			case <-ctx.Done():
				return
			}
			if final {
				return
			}
		}
	}()

	return &router.CallResult{Streamed: true, Chunks: chunks}, nil
}

// Probe issues a minimal ping request; an HTTP-level failure or a 5xx is
// treated as backend-down.
func (a *HTTPAdapter) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	id, _ := json.Marshal("probe")
	env := &vmcp.RequestEnvelope{ID: vmcp.NewRequestID(id), Method: "ping"}
	_, err := a.Call(probeCtx, env)
	return err
}

// Close idles the adapter's connection pool down; there is no persistent
// handle to release beyond what the transport's idle-conn reaper already
// manages.
func (a *HTTPAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

var _ Adapter = (*HTTPAdapter)(nil)
