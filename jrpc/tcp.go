package jrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

// TCPTransport opens one TCP connection per call. Calls are bounded by the
// context deadline and by DialTimeout for connection setup.
type TCPTransport struct {
	Addr        string
	DialTimeout time.Duration // 0 means 1 second
	Logger      *slog.Logger
}

// Call sends req and waits for its response.
func (t *TCPTransport) Call(ctx context.Context, req Request) (Response, error) {
	dialTimeout := t.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = time.Second
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return Response{}, fmt.Errorf("dial %s: %w", t.Addr, err)
	}
	rpc := jsonrpc2.NewConn(ctx, jsonrpc2.NewPlainObjectStream(conn), ignoreRequests{},
		jsonrpc2.SetLogger(printfLogger{loggerOr(t.Logger)}))
	defer rpc.Close()
	// Unblock a stuck write as well as the wait.
	stop := context.AfterFunc(ctx, func() { _ = rpc.Close() })
	defer stop()

	params := req.Params
	if params == nil {
		params = []json.RawMessage{}
	}
	var result json.RawMessage
	err = rpc.Call(ctx, req.Method, params, &result, jsonrpc2.PickID(req.ID))
	var rpcErr *jsonrpc2.Error
	switch {
	case err == nil:
		return Response{Result: result, ID: req.ID}, nil
	case errors.As(err, &rpcErr):
		return Response{Error: rpcErr, ID: req.ID}, nil
	case ctx.Err() != nil:
		return Response{}, ctx.Err()
	}
	return Response{}, fmt.Errorf("call %s: %w", req.Method, err)
}

// Server serves a Handler on a listener. Each connection may carry any
// number of sequential requests.
type Server struct {
	Handler Handler
	Logger  *slog.Logger
	// IdleTimeout closes connections with no request for this long; 0 means
	// one minute.
	IdleTimeout time.Duration

	conns sync.WaitGroup
}

// Serve accepts until ln fails or ctx is done. It waits for in-flight
// connections before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := loggerOr(s.Logger)
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.conns.Wait()

	logger.Info("rpc server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn, logger)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	idle := s.IdleTimeout
	if idle == 0 {
		idle = time.Minute
	}
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	h := &dispatcher{handler: s.Handler, conn: conn, idle: idle}
	rpc := jsonrpc2.NewConn(ctx, jsonrpc2.NewPlainObjectStream(conn), h,
		jsonrpc2.SetLogger(printfLogger{logger.With("remote", conn.RemoteAddr().String())}))
	select {
	case <-rpc.DisconnectNotify():
	case <-ctx.Done():
	}
	_ = rpc.Close()
}

// dispatcher adapts a Handler to jsonrpc2. Requests on one connection are
// answered in order.
type dispatcher struct {
	handler Handler
	conn    net.Conn
	idle    time.Duration
}

func (d *dispatcher) Handle(ctx context.Context, c *jsonrpc2.Conn, r *jsonrpc2.Request) {
	if r.Notif {
		return
	}
	req := Request{Method: r.Method, ID: r.ID}
	var resp Response
	if r.Params != nil && json.Unmarshal(*r.Params, &req.Params) != nil {
		resp = Fail(req, CodeInvalidParams, "params must be an array", nil)
	} else {
		resp = d.handler.Respond(ctx, req)
	}

	out := &jsonrpc2.Response{ID: r.ID, Error: resp.Error}
	if resp.Error == nil {
		result := resp.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		out.Result = &result
	}
	_ = d.conn.SetWriteDeadline(time.Now().Add(d.idle))
	_ = c.SendResponse(ctx, out)
	_ = d.conn.SetReadDeadline(time.Now().Add(d.idle))
}

// ignoreRequests is the handler on the calling side, which never serves.
type ignoreRequests struct{}

func (ignoreRequests) Handle(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) {}

// printfLogger routes jsonrpc2's protocol messages to slog at debug level.
type printfLogger struct{ l *slog.Logger }

func (p printfLogger) Printf(format string, v ...any) {
	p.l.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
