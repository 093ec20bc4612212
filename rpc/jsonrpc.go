// Package rpc is the thin JSON-RPC 2.0 ingress/egress adapter: a
// request-response endpoint dispatching a closed operations table into
// Engine/Store/Supervisor/Dispatcher/Registry calls, and an SSE egress
// stream of JSON-RPC notification envelopes fed by the Broadcaster. Grounded
// on the precedent's internal/web/sse.go for the egress handler shape
// (http.Flusher-driven streaming loop) and cmd/factory/main.go for the
// listen-address flag convention, generalized from its htmx-event
// vocabulary to JSON-RPC-2.0 notification envelopes.
package rpc

import (
	"encoding/json"

	"github.com/kestrel-labs/coordinator/internal/coordinatorerr"
)

const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request envelope. ID is any (string, number, or
// null for a notification), carried opaquely through to the Response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result/Error
// is set.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

func newResult(id any, result any) Response {
	return Response{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func newError(id any, code int, message string) Response {
	return Response{JSONRPC: jsonrpcVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
}

// errorResponse maps a core coordinatorerr.Kind (or any other error) to a
// JSON-RPC error envelope. The taxonomy-to-code mapping happens only at
// this boundary — nothing upstream of rpc ever thinks in JSON-RPC codes.
// Only InvalidArgument gets its own code (-32602, invalid params); every
// other core Kind is a call_tool-level failure, reported as -32603 with the
// Kind string carried in Data so a caller can still branch on it.
func errorResponse(id any, err error) Response {
	kind := coordinatorerr.KindOf(err)
	code := codeInternal
	if kind == coordinatorerr.InvalidArgument {
		code = codeInvalidParams
	}
	return Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error: &RPCError{
			Code:    code,
			Message: err.Error(),
			Data:    map[string]string{"kind": string(kind)},
		},
	}
}
