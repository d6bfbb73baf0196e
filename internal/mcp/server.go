// Package mcp serves the tool catalogue over line-delimited JSON-RPC 2.0, on TCP for
// long-running deployments and on stdio for editor and agent integrations.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
)

const (
	ProtocolVersion = "2024-11-05"

	maxLineBytes = 8 << 20
)

// JSON-RPC error codes. Tool failures use codeToolError and carry the failure kind.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeToolError      = -32000
)

// Catalog is what the server needs from the tool registry.
type Catalog interface {
	tools.Dispatcher
	List() []tools.Descriptor
}

var _ Catalog = (*tools.Registry)(nil)

type Server struct {
	catalog Catalog
	addr    string
	version string
	logger  *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	ln     net.Listener
	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

func NewServer(addr string, catalog Catalog, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		catalog: catalog,
		addr:    addr,
		version: version,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// notification reports whether the request carries no id and so expects no response.
func (r request) notification() bool { return len(r.ID) == 0 }

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolCallResult struct {
	Content           []textContent `json:"content"`
	StructuredContent any           `json:"structuredContent,omitempty"`
}

// Addr returns the bound listener address once ListenAndServe is running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. Each connection is handled on its own
// goroutine; requests on one connection are answered in order.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("mcp server starting", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("mcp accept error", "err", err)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			defer conn.Close()
			if err := s.ServeStream(s.baseCtx, conn, conn); err != nil {
				s.logger.Warn("mcp connection closed", "remote", conn.RemoteAddr().String(), "err", err)
			}
		}()
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Shutdown stops accepting, cancels in-flight calls and closes open connections, then
// waits for connection goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ServeStream answers requests read line by line from r until EOF or ctx ends. It is
// used for TCP connections and for stdio.
func (s *Server) ServeStream(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			if err := enc.Encode(errorResponse(nil, codeParseError, "parse_error", "parse error")); err != nil {
				return err
			}
			continue
		}
		resp, ok := s.handle(ctx, req)
		if !ok {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func errorResponse(id json.RawMessage, code int, kind, msg string) response {
	return response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Kind: kind, Message: msg}}
}

// handle answers one request. ok is false for notifications, which get no response.
func (s *Server) handle(ctx context.Context, req request) (resp response, ok bool) {
	resp = s.dispatch(ctx, req)
	return resp, !req.notification()
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	base := response{JSONRPC: "2.0", ID: req.ID}

	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		return errorResponse(req.ID, codeInvalidRequest, "invalid_request", "unsupported jsonrpc version "+req.JSONRPC)
	}

	switch req.Method {
	case "initialize":
		base.Result = map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
			"serverInfo":      map[string]any{"name": "openx", "version": s.version},
		}
		return base

	case "notifications/initialized":
		base.Result = map[string]any{}
		return base

	case "ping":
		base.Result = map[string]any{}
		return base

	case "tools/list":
		base.Result = map[string]any{"tools": ToolDefinitions(s.catalog.List())}
		return base

	case "tools/call":
		return s.handleToolCall(ctx, req, base)

	default:
		return errorResponse(req.ID, codeMethodNotFound, "unknown_method", fmt.Sprintf("method not found: %s", req.Method))
	}
}

// ToolDefinitions renders descriptors in the tools/list wire shape.
func ToolDefinitions(ds []tools.Descriptor) []map[string]any {
	out := make([]map[string]any, 0, len(ds))
	for _, d := range ds {
		out = append(out, map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"inputSchema": tools.InputSchema(d),
		})
	}
	return out
}

func (s *Server) handleToolCall(ctx context.Context, req request, base response) response {
	var params toolCallParams
	if len(req.Params) == 0 {
		return errorResponse(req.ID, codeInvalidParams, string(core.KindValidation), "invalid params: name is required")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, string(core.KindValidation), "invalid params: "+err.Error())
	}
	if params.Name == "" {
		return errorResponse(req.ID, codeInvalidParams, string(core.KindValidation), "invalid params: name is required")
	}

	requestID := uuid.NewString()
	res := s.catalog.Call(ctx, tools.Call{Name: params.Name, Arguments: params.Arguments, RequestID: requestID})
	if !res.OK() {
		return errorResponse(req.ID, codeToolError, string(res.Kind()), res.Message())
	}

	text, err := json.Marshal(res.Payload())
	if err != nil {
		s.logger.Error("mcp encode result failed", "request_id", requestID, "tool_name", params.Name, "err", err)
		return errorResponse(req.ID, codeToolError, string(core.KindInternal), "encode result: "+err.Error())
	}
	base.Result = toolCallResult{
		Content:           []textContent{{Type: "text", Text: string(text)}},
		StructuredContent: res.Payload(),
	}
	return base
}
