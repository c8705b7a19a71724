package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Holovkat/cli-team-bridge/internal/jsonrpc"
)

// Version is this build's reported protocol-server version.
const Version = "0.1.0"

// Server implements the Orchestrator Protocol over stdio.
type Server struct {
	registry *Registry
	info     ServerInfo
	log      *slog.Logger
}

// NewServer builds a Server over the given tool registry.
func NewServer(registry *Registry, log *slog.Logger) *Server {
	return &Server{
		registry: registry,
		info:     ServerInfo{Name: "cli-team-bridge", Version: Version},
		log:      log,
	}
}

// Run reads JSON-RPC requests from stdin and writes responses to
// stdout until stdin closes or ctx is cancelled. Stdout carries
// protocol traffic exclusively; every log line goes to stderr via s.log.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	encoder := json.NewEncoder(os.Stdout)

	s.log.Info("orchestrator rpc server started", "name", s.info.Name, "version", s.info.Version)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := s.handleMessage(ctx, line)
		if resp != nil {
			if err := encoder.Encode(resp); err != nil {
				s.log.Error("failed to write response", "error", err)
				return fmt.Errorf("writing response: %w", err)
			}
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("reading stdin: %w", err)
	}
	s.log.Info("orchestrator rpc server stopped (stdin closed)")
	return nil
}

func (s *Server) handleMessage(ctx context.Context, data []byte) *jsonrpc.Response {
	var req jsonrpc.Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.log.Error("failed to parse request", "error", err)
		return &jsonrpc.Response{JSONRPC: "2.0", Error: newError(jsonrpc.ErrCodeParse, "parse error", err.Error())}
	}

	if req.IsNotification() {
		s.log.Debug("received notification", "method", req.Method)
		return nil
	}

	s.log.Debug("handling request", "method", req.Method, "id", string(req.ID))

	result, rpcErr := s.dispatch(ctx, &req)
	resp := &jsonrpc.Response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = newError(jsonrpc.ErrCodeInternal, "marshaling result", err.Error())
		return resp
	}
	resp.Result = raw
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.Params)
	case "tools/list":
		return &ToolsListResult{Tools: s.registry.List()}, nil
	case "tools/call":
		return s.handleToolsCall(ctx, req.Params)
	default:
		return nil, newError(jsonrpc.ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *jsonrpc.Error) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, newError(jsonrpc.ErrCodeInvalidParams, "invalid initialize params", err.Error())
		}
	}
	s.log.Info("orchestrator connecting", "client", p.ClientInfo.Name, "protocol_version", p.ProtocolVersion)
	return &InitializeResult{ProtocolVersion: 1, ServerInfo: s.info}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	var call ToolsCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, newError(jsonrpc.ErrCodeInvalidParams, "invalid tools/call params", err.Error())
	}

	tool := s.registry.Get(call.Name)
	if tool == nil {
		return nil, newError(jsonrpc.ErrCodeMethodNotFound, fmt.Sprintf("tool not found: %s", call.Name), nil)
	}

	s.log.Info("calling tool", "tool", call.Name)
	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		s.log.Error("tool execution failed", "tool", call.Name, "error", err)
		return ErrorResult(fmt.Sprintf("tool execution failed: %v", err)), nil
	}
	return result, nil
}
