package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"
)

// maxLineBytes bounds one request line.
const maxLineBytes = 4 << 20

// Server answers line-delimited JSON requests from a single connection.
type Server struct {
	registry *Registry
	logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a server over the given registry.
func NewServer(registry *Registry, opts ...ServerOption) *Server {
	s := &Server{registry: registry, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve reads requests from in and writes one response line per request to
// out, until EOF or context cancellation. Requests on one connection are
// handled strictly in order.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if encErr := enc.Encode(Response{Error: &RPCError{
				Code: CodeInvalidParams, Message: "malformed request: " + err.Error(),
			}}); encErr != nil {
				return encErr
			}
			continue
		}

		resp := s.handle(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req Request) Response {
	switch req.Method {
	case MethodListTools:
		return Response{ID: req.ID, Result: map[string]any{"tools": s.registry.List()}}
	case MethodCallTool:
		return s.handleCall(ctx, req)
	default:
		return Response{ID: req.ID, Error: &RPCError{
			Code: CodeMethodNotFound, Message: "unknown method: " + req.Method,
		}}
	}
}

func (s *Server) handleCall(ctx context.Context, req Request) Response {
	var params CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return Response{ID: req.ID, Error: &RPCError{
			Code: CodeInvalidParams, Message: "malformed call_tool params: " + err.Error(),
		}}
	}
	if params.Name == "" {
		return Response{ID: req.ID, Error: &RPCError{
			Code: CodeInvalidParams, Message: "name is required",
		}}
	}

	callCtx := ctx
	if params.TimeoutMS > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(params.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	result, err := s.registry.Call(callCtx, params.Name, params.Arguments)
	s.logger.Debug("Tool call",
		"tool", params.Name,
		"duration_ms", time.Since(start).Milliseconds(),
		"ok", err == nil)

	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return Response{ID: req.ID, Error: rpcErr}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Response{ID: req.ID, Error: &RPCError{
				Code: CodeTimeout, Message: "tool call exceeded its timeout",
			}}
		}
		return Response{ID: req.ID, Error: &RPCError{
			Code: CodeToolFailed, Message: err.Error(),
		}}
	}
	return Response{ID: req.ID, Result: result}
}
