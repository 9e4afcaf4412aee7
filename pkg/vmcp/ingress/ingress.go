// Package ingress implements C1: JSON-RPC 2.0 framing over HTTP, request
// validation, local-method dispatch, bounded admission, and handoff to the
// router for everything else (spec §4.1).
package ingress

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/router"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/rpcerr"
)

// envelope is the wire shape of one JSON-RPC 2.0 request.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response is the wire shape of one JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcerr.Error   `json:"error,omitempty"`
}

// LocalHandler serves one locally-addressed method.
type LocalHandler func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Dispatcher hands a request off to the router and normalizes its result
// into a JSON-RPC response body (or a stream of them).
type Dispatcher struct {
	router router.Router
	local  map[string]LocalHandler
}

// NewDispatcher constructs a Dispatcher delegating non-local methods to r.
func NewDispatcher(r router.Router) *Dispatcher {
	return &Dispatcher{router: r, local: make(map[string]LocalHandler)}
}

// RegisterLocal binds a LocalHandler to a locally-addressed method name.
func (d *Dispatcher) RegisterLocal(method string, h LocalHandler) {
	d.local[method] = h
}

// ParseEnvelope decodes and minimally validates one JSON-RPC request
// (spec §6 "-32700 parse error", "-32600 invalid request").
func ParseEnvelope(body []byte) (*envelope, *rpcerr.Error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, rpcerr.ParseError(err.Error())
	}
	if env.JSONRPC != "2.0" {
		return nil, rpcerr.InvalidRequest(`"jsonrpc" must be "2.0"`)
	}
	if env.Method == "" {
		return nil, rpcerr.InvalidRequest(`"method" is required`)
	}
	return &env, nil
}

// ParseBatch decodes body as either a single request object or a JSON
// array of requests (spec §4.1 "single + batch").
func ParseBatch(body []byte) ([]*envelope, *rpcerr.Error) {
	trimmed := skipWhitespace(body)
	if len(trimmed) == 0 {
		return nil, rpcerr.ParseError("empty request body")
	}
	if trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, rpcerr.ParseError(err.Error())
		}
		if len(raws) == 0 {
			return nil, rpcerr.InvalidRequest("batch request must not be empty")
		}
		out := make([]*envelope, 0, len(raws))
		for _, raw := range raws {
			env, rerr := ParseEnvelope(raw)
			if rerr != nil {
				return nil, rerr
			}
			out = append(out, env)
		}
		return out, nil
	}
	env, rerr := ParseEnvelope(trimmed)
	if rerr != nil {
		return nil, rerr
	}
	return []*envelope{env}, nil
}

func skipWhitespace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return b[i:]
		}
	}
	return b[i:]
}

// Handle serves one request envelope, dispatching to a local handler or the
// router, and returns either a well-formed JSON-RPC response or, for a
// method the router streams, the CallResult to forward as SSE (spec §6
// "Responses always conform to JSON-RPC 2.0; request id is preserved").
// Exactly one of the two return values is non-nil; Handle routes at most
// once, so the caller must not re-route to obtain a streamed result.
func (d *Dispatcher) Handle(ctx context.Context, env *envelope) (*response, *router.CallResult) {
	resp := &response{JSONRPC: "2.0", ID: env.ID}

	if h, ok := d.local[env.Method]; ok {
		result, err := h(ctx, env.Params)
		if err != nil {
			resp.Error = rpcerr.InternalError(err.Error())
			return resp, nil
		}
		resp.Result = result
		return resp, nil
	}

	reqEnv, _ := d.buildRequestEnvelope(env)

	result, err := d.router.Route(ctx, reqEnv)
	if err != nil {
		resp.Error = rpcerr.FromRouteError(reqEnv.Tool, err)
		return resp, nil
	}
	if result.Streamed {
		// The caller forwards result.Chunks directly as SSE events; no
		// unary response body is produced for a streamed call.
		return nil, result
	}
	resp.Result = result.Body
	return resp, nil
}

// buildRequestEnvelope lifts a decoded wire envelope into the router's
// RequestEnvelope, stamping arrival time and a fresh trace id.
func (d *Dispatcher) buildRequestEnvelope(env *envelope) (*vmcp.RequestEnvelope, error) {
	return &vmcp.RequestEnvelope{
		ID:        vmcp.NewRequestID(env.ID),
		Method:    env.Method,
		Params:    env.Params,
		Tool:      ExtractTool(env.Method, env.Params),
		ArrivedAt: time.Now(),
		TraceID:   uuid.NewString(),
	}, nil
}

// ExtractTool derives the router's routing key from a dispatched method
// (spec §4.3 step 1): the "name" field of tools/call params, or the
// scheme+authority of a resources/read URI.
func ExtractTool(method string, params json.RawMessage) string {
	switch method {
	case "tools/call":
		var p struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(params, &p) == nil {
			return p.Name
		}
	case "resources/read":
		var p struct {
			URI string `json:"uri"`
		}
		if json.Unmarshal(params, &p) == nil {
			if u, err := url.Parse(p.URI); err == nil && u.Scheme != "" {
				return u.Scheme + "://" + u.Host
			}
			return p.URI
		}
	case "prompts/get":
		var p struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(params, &p) == nil {
			return p.Name
		}
	}
	return ""
}

// Marshal encodes resp as the final JSON-RPC response body.
func Marshal(resp *response) ([]byte, error) {
	return json.Marshal(resp)
}
