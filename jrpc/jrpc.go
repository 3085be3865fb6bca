// Package jrpc carries JSON-RPC 2.0 requests and responses between a
// method registry and its callers, over TCP or in process. The wire
// protocol is sourcegraph/jsonrpc2 with plain, headerless JSON objects.
package jrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
)

// Standard JSON-RPC error codes, plus one for application-level failures.
const (
	CodeParseError     = jsonrpc2.CodeParseError
	CodeInvalidRequest = jsonrpc2.CodeInvalidRequest
	CodeMethodNotFound = jsonrpc2.CodeMethodNotFound
	CodeInvalidParams  = jsonrpc2.CodeInvalidParams
	CodeInternalError  = jsonrpc2.CodeInternalError
	CodeApplication    = -32000
)

// ID identifies a request; responses echo it.
type ID = jsonrpc2.ID

// Error is a JSON-RPC error object.
type Error = jsonrpc2.Error

// Request is one call with positional params.
type Request struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     ID                `json:"id"`
}

// Response answers a Request with the same ID. Exactly one of Result and
// Error is set.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	ID     ID              `json:"id"`
}

// Handler answers requests. It never fails at the transport level: every
// problem is reported inside the Response.
type Handler interface {
	Respond(ctx context.Context, req Request) Response
}

// Transport delivers a request and returns the matching response.
type Transport interface {
	Call(ctx context.Context, req Request) (Response, error)
}

// NewRequest builds a request for method, encoding each param as JSON.
func NewRequest(id uint64, method string, params ...any) (Request, error) {
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return Request{}, fmt.Errorf("encode param %d of %s: %w", i, method, err)
		}
		raw[i] = b
	}
	return Request{Method: method, Params: raw, ID: ID{Num: id}}, nil
}

// Result builds a successful response to req.
func Result(req Request, v any) Response {
	b, err := json.Marshal(v)
	if err != nil {
		return Fail(req, CodeInternalError, fmt.Sprintf("encode result: %v", err), nil)
	}
	return Response{Result: b, ID: req.ID}
}

// Fail builds an error response to req. data may be nil.
func Fail(req Request, code int64, message string, data any) Response {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			raw := json.RawMessage(b)
			e.Data = &raw
		}
	}
	return Response{Error: e, ID: req.ID}
}

// ErrorData returns the data member of e, or nil.
func ErrorData(e *Error) json.RawMessage {
	if e == nil || e.Data == nil {
		return nil
	}
	return *e.Data
}

// Local is a Transport that hands requests straight to a Handler in the
// same process.
type Local struct {
	Handler Handler
}

func (l Local) Call(ctx context.Context, req Request) (Response, error) {
	return l.Handler.Respond(ctx, req), nil
}
