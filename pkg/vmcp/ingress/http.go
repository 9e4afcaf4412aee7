package ingress

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/doublegate/Only1MCP-sub001/pkg/logger"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/router"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/rpcerr"
)

// HTTPServer wires the chi mux for the client-facing HTTP transport
// (spec §4.1 "POST /mcp carrying a JSON-RPC 2.0 body", "GET /mcp ... opens
// (or resumes via Last-Event-ID) the server-to-client stream").
type HTTPServer struct {
	dispatcher *Dispatcher
	admission  *Admission

	streamsMu sync.Mutex
	streams   map[string]*streamSession // sessionID -> active SSE session

	nextEventID atomic.Uint64
}

// NewHTTPServer builds an HTTPServer backed by dispatcher and admission.
func NewHTTPServer(dispatcher *Dispatcher, admission *Admission) *HTTPServer {
	return &HTTPServer{dispatcher: dispatcher, admission: admission, streams: make(map[string]*streamSession)}
}

// Routes returns the chi router implementing the ingress HTTP contract.
func (s *HTTPServer) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/mcp", s.handlePost)
	r.Get("/mcp", s.handleGetStream)
	return r
}

func (s *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	if !s.admission.TryAdmit() {
		writeError(w, http.StatusTooManyRequests, nil, rpcerr.RateLimited(1000))
		return
	}
	defer s.admission.Release()

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, rpcerr.ParseError(err.Error()))
		return
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, nil, rpcerr.InvalidRequest("request body too large"))
		return
	}

	envs, rerr := ParseBatch(body)
	if rerr != nil {
		writeError(w, http.StatusBadRequest, nil, rerr)
		return
	}

	if len(envs) == 1 {
		s.handleOne(w, r, envs[0])
		return
	}

	responses := make([]*response, 0, len(envs))
	for _, env := range envs {
		resp, stream := s.dispatcher.Handle(r.Context(), env)
		if stream != nil {
			// A batch response is a JSON array of unary replies; there is
			// no representation for an SSE stream inside it (spec §4.1
			// "single + batch" only describes unary batch semantics).
			drainDiscard(stream)
			resp = &response{JSONRPC: "2.0", ID: env.ID, Error: rpcerr.InvalidRequest("streaming methods are not supported inside a batch request")}
		}
		responses = append(responses, resp)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(responses)
}

func (s *HTTPServer) handleOne(w http.ResponseWriter, r *http.Request, env *envelope) {
	resp, result := s.dispatcher.Handle(r.Context(), env)
	if result != nil {
		s.streamOne(w, r, env.ID, result)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// streamOne forwards an already-routed streaming CallResult as SSE events,
// each carrying a monotonically increasing per-connection id (spec §4.1
// "Each SSE event carries a monotonically increasing event id"). Handle has
// already dispatched the backend call; streamOne never routes again.
func (s *HTTPServer) streamOne(w http.ResponseWriter, r *http.Request, id json.RawMessage, result *router.CallResult) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, id, rpcerr.InternalError("streaming unsupported by response writer"))
		drainDiscard(result)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range result.Chunks {
		eventID := s.nextEventID.Add(1)
		if chunk.Err != nil {
			fmt.Fprintf(w, "id: %d\nevent: error\ndata: %s\n\n", eventID, encodeStreamError(id, chunk.Err))
			flusher.Flush()
			return
		}
		fmt.Fprintf(w, "id: %d\ndata: %s\n\n", eventID, chunk.Data)
		flusher.Flush()
		if chunk.IsFinal {
			return
		}
	}
}

// drainDiscard releases a streamed CallResult's admission guard without
// forwarding its chunks, for paths that cannot consume a stream (a batch
// request, or a response writer that can't flush).
func drainDiscard(result *router.CallResult) {
	go func() {
		for range result.Chunks {
		}
	}()
}

func encodeStreamError(id json.RawMessage, err error) []byte {
	resp := &response{JSONRPC: "2.0", ID: id, Error: rpcerr.InternalError(err.Error())}
	b, _ := json.Marshal(resp)
	return b
}

// streamSession tracks one GET /mcp long-lived connection for Last-Event-ID
// resumption bookkeeping (spec §4.1, §4.4).
type streamSession struct {
	lastEventID uint64
}

// handleGetStream opens or resumes the server-to-client notification stream
// (spec §4.1 "GET /mcp ... opens (or resumes via Last-Event-ID)").
func (s *HTTPServer) handleGetStream(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Accept") != "text/event-stream" {
		writeError(w, http.StatusBadRequest, nil, rpcerr.InvalidRequest("GET /mcp requires Accept: text/event-stream"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, nil, rpcerr.InternalError("streaming unsupported by response writer"))
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		sessionID = r.RemoteAddr
	}

	var resumeFrom uint64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			resumeFrom = n
		}
	}

	s.streamsMu.Lock()
	sess, existed := s.streams[sessionID]
	if !existed {
		sess = &streamSession{}
		s.streams[sessionID] = sess
	}
	sess.lastEventID = resumeFrom
	s.streamsMu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	<-r.Context().Done()

	s.streamsMu.Lock()
	delete(s.streams, sessionID)
	s.streamsMu.Unlock()
}

const maxBodyBytes = 16 * 1024 * 1024

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
}

func writeError(w http.ResponseWriter, status int, id json.RawMessage, rerr *rpcerr.Error) {
	logger.Debugw("ingress: responding with error", "code", rerr.Code, "message", rerr.Message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&response{JSONRPC: "2.0", ID: id, Error: rerr})
}
