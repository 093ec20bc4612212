package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kestrel-labs/coordinator/broadcast"
	"github.com/kestrel-labs/coordinator/dispatch"
	"github.com/kestrel-labs/coordinator/queue"
	"github.com/kestrel-labs/coordinator/supervisor"
	"github.com/kestrel-labs/coordinator/ticket"
)

// Server is the JSON-RPC ingress / SSE egress adapter. It holds no state of
// its own beyond its collaborators — every operation is a thin translation
// into an Engine/Store/Supervisor/Dispatcher/Registry call.
type Server struct {
	engine      *ticket.Engine
	store       ticket.Store
	registry    *queue.Registry
	supervisor  *supervisor.Supervisor
	dispatcher  *dispatch.Dispatcher
	broadcaster *broadcast.Broadcaster
	log         *slog.Logger

	ops map[string]operation
}

// operation is one entry in the closed operations table: it unmarshals its
// own params from the raw JSON-RPC params and returns a JSON-serializable
// result or a core error.
type operation func(ctx context.Context, s *Server, params json.RawMessage) (any, error)

func New(engine *ticket.Engine, store ticket.Store, registry *queue.Registry, sup *supervisor.Supervisor, disp *dispatch.Dispatcher, b *broadcast.Broadcaster, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		engine:      engine,
		store:       store,
		registry:    registry,
		supervisor:  sup,
		dispatcher:  disp,
		broadcaster: b,
		log:         log,
	}
	s.ops = operationsTable()
	return s
}

// Mux builds the HTTP handler: POST / for JSON-RPC call_tool requests, GET
// /events for the SSE notification stream.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req Request
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		s.writeJSON(w, newError(nil, codeParseError, "parse error: "+err.Error()))
		return
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		s.writeJSON(w, newError(req.ID, codeInvalidRequest, "invalid request"))
		return
	}
	s.writeJSON(w, s.dispatch(r.Context(), req))
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "initialize":
		return newResult(req.ID, map[string]any{
			"protocolVersion": jsonrpcVersion,
			"serverInfo":      map[string]string{"name": "coordinator"},
		})
	case "list_tools":
		return newResult(req.ID, toolNames(s.ops))
	case "call_tool":
		return s.callTool(ctx, req)
	default:
		return newError(req.ID, codeMethodNotFound, "unknown method: "+req.Method)
	}
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) callTool(ctx context.Context, req Request) Response {
	var p callToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return newError(req.ID, codeInvalidParams, "invalid params: "+err.Error())
		}
	}
	op, ok := s.ops[p.Name]
	if !ok {
		return newError(req.ID, codeMethodNotFound, "unknown tool: "+p.Name)
	}
	result, err := op(ctx, s, p.Arguments)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return newResult(req.ID, result)
}

func toolNames(ops map[string]operation) []string {
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	return names
}

func (s *Server) writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("encode response failed", "err", err)
	}
}
