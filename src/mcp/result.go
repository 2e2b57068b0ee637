package mcp

import (
	"fmt"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nfshanq/ptyctl/src/session"
)

// okResult shapes a successful tool call into the MCP SDK's (result, typed
// output, error) triple; the typed output IS the JSON payload, so the
// CallToolResult content is left empty and SDK default-serializes it.
func okResult[T any](out T) (*sdkmcp.CallToolResult, T, error) {
	return &sdkmcp.CallToolResult{}, out, nil
}

// toolError wraps a plain error with a taxonomy code for callers that
// haven't already built a *session.Error.
func toolError[T any](err error, code session.ErrorCode) (*sdkmcp.CallToolResult, T, error) {
	var zero T
	return nil, zero, &session.Error{Code: code, Message: err.Error()}
}

// toolErrorFrom passes a *session.Error straight through (preserving its
// error_code and Extra fields for the dispatcher/transport layer to
// surface), or wraps an unrecognized error as IO_ERROR.
func toolErrorFrom[T any](err error) (*sdkmcp.CallToolResult, T, error) {
	var zero T
	if se, ok := err.(*session.Error); ok {
		return nil, zero, se
	}
	return nil, zero, &session.Error{Code: session.ErrIOError, Message: fmt.Sprintf("%v", err)}
}
