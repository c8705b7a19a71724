// Package rpcserver implements the Orchestrator RPC Server: the bridge's
// external tool-call surface, spoken as newline-delimited JSON-RPC 2.0
// over stdio to a controlling orchestrator process.
//
// The wire shape (tools/list returning JSON-schema-annotated tool
// definitions, tools/call returning {content,isError}) and the stdio
// loop itself (bufio.Scanner with an enlarged buffer, json.Encoder,
// nil-ID requests treated as notifications) follow
// emergent-company-specmcp/internal/mcp/server.go and types.go
// directly — this is the same protocol family, just one surface of it
// (tools only; this bridge has no prompts/resources to expose).
package rpcserver

import (
	"encoding/json"
	"fmt"

	"github.com/Holovkat/cli-team-bridge/internal/jsonrpc"
)

// ToolDefinition describes one callable tool, returned by tools/list.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolsListResult is the tools/list response payload.
type ToolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ToolsCallParams is the tools/call request payload.
type ToolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentBlock is one piece of a tool result, always text in this
// server since every tool answers with a JSON-encoded payload.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolsCallResult is the tools/call response payload.
type ToolsCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// TextContent wraps a string as a text content block.
func TextContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ErrorResult builds a tool result carrying isError:true, per §6's
// contract that tool-execution failures are reported as content, not
// raised as JSON-RPC faults.
func ErrorResult(msg string) *ToolsCallResult {
	return &ToolsCallResult{Content: []ContentBlock{TextContent(msg)}, IsError: true}
}

// JSONResult marshals v and wraps it as a single text content block.
func JSONResult(v any) (*ToolsCallResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling tool result: %w", err)
	}
	return &ToolsCallResult{Content: []ContentBlock{TextContent(string(b))}}, nil
}

// InitializeParams is sent by the orchestrator during handshake.
type InitializeParams struct {
	ProtocolVersion int        `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the connecting orchestrator.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult answers the handshake.
type InitializeResult struct {
	ProtocolVersion int              `json:"protocolVersion"`
	Capabilities    ServerCapability `json:"capabilities"`
	ServerInfo      ServerInfo       `json:"serverInfo"`
}

// ServerCapability advertises which surfaces this server exposes. Only
// tools are implemented.
type ServerCapability struct {
	Tools struct{} `json:"tools"`
}

// ServerInfo identifies this server in the handshake response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func newError(code int, message string, data any) *jsonrpc.Error {
	return &jsonrpc.Error{Code: code, Message: message, Data: data}
}
