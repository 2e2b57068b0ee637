package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
)

// LogToolCall wraps a tool handler with timing and error logging, and
// guarantees a non-empty error message reaches the caller (an empty error
// string trips up some MCP clients' is_error handling).
func LogToolCall[T any, R any](toolName string, handler func(ctx context.Context, req *mcp.CallToolRequest, args T) (*mcp.CallToolResult, R, error)) func(context.Context, *mcp.CallToolRequest, T) (*mcp.CallToolResult, R, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, args T) (*mcp.CallToolResult, R, error) {
		start := time.Now()
		logrus.Infof("tool call started: %s", toolName)

		result, output, err := handler(ctx, req, args)

		duration := time.Since(start)
		if err != nil {
			logrus.WithField("duration", duration).Errorf("tool call failed: %s: %v", toolName, err)
			if err.Error() == "" {
				err = fmt.Errorf("tool %s failed with unknown error", toolName)
			}
		} else {
			logrus.WithField("duration", duration).Infof("tool call completed: %s", toolName)
		}

		return result, output, err
	}
}
