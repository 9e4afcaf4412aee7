package ingress

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/router"
)

func TestHTTPServer_PostSingleRequestReturnsJSON(t *testing.T) {
	t.Parallel()

	fr := &fakeRouter{result: &router.CallResult{Body: json.RawMessage(`{"ok":true}`)}}
	d := NewDispatcher(fr)
	srv := NewHTTPServer(d, NewAdmission(AdmissionConfig{MaxInFlight: 10, RatePerSecond: 1000, Burst: 1000}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo"}}`))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Error)
}

func TestHTTPServer_PostBatchRequestReturnsArray(t *testing.T) {
	t.Parallel()

	fr := &fakeRouter{result: &router.CallResult{Body: json.RawMessage(`{"ok":true}`)}}
	d := NewDispatcher(fr)
	srv := NewHTTPServer(d, NewAdmission(AdmissionConfig{MaxInFlight: 10, RatePerSecond: 1000, Burst: 1000}))

	body := `[{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"a"}},{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"b"}}]`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resps []response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resps))
	assert.Len(t, resps, 2)
}

func TestHTTPServer_PostInvalidJSONReturns400(t *testing.T) {
	t.Parallel()

	fr := &fakeRouter{}
	d := NewDispatcher(fr)
	srv := NewHTTPServer(d, NewAdmission(AdmissionConfig{MaxInFlight: 10, RatePerSecond: 1000, Burst: 1000}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPServer_PostRejectedWhenAdmissionExhausted(t *testing.T) {
	t.Parallel()

	fr := &fakeRouter{result: &router.CallResult{Body: json.RawMessage(`{}`)}}
	d := NewDispatcher(fr)
	admission := NewAdmission(AdmissionConfig{MaxInFlight: 1, RatePerSecond: 1000, Burst: 1000})
	require.True(t, admission.TryAdmit()) // saturate capacity before the server ever sees a request
	srv := NewHTTPServer(d, admission)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo"}}`))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHTTPServer_PostStreamingCallRoutesExactlyOnce(t *testing.T) {
	t.Parallel()

	chunks := make(chan router.StreamChunk, 2)
	chunks <- router.StreamChunk{Data: json.RawMessage(`{"n":1}`), IsFinal: true}
	close(chunks)

	fr := &fakeRouter{result: &router.CallResult{Streamed: true, Chunks: chunks}}
	d := NewDispatcher(fr)
	srv := NewHTTPServer(d, NewAdmission(AdmissionConfig{MaxInFlight: 10, RatePerSecond: 1000, Burst: 1000}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo"}}`))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"n":1`)
	assert.Equal(t, 1, fr.calls, "a streaming tools/call must dispatch the backend exactly once")
}

func TestHTTPServer_GetStreamRequiresEventStreamAccept(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(&fakeRouter{})
	srv := NewHTTPServer(d, NewAdmission(AdmissionConfig{MaxInFlight: 10, RatePerSecond: 1000, Burst: 1000}))

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
