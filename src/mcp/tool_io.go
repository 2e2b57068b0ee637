package mcp

import (
	"context"
	"encoding/base64"
	"fmt"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nfshanq/ptyctl/src/session"
)

// SessionIOInput is ptyctl_session_io's request envelope, covering both the
// "write" and "read" actions.
type SessionIOInput struct {
	Action    string `json:"action" jsonschema:"required,description=write|read"`
	SessionID string `json:"session_id" jsonschema:"required"`

	// write
	Data      *string `json:"data,omitempty"`
	Key       *string `json:"key,omitempty"`
	Encoding  string  `json:"encoding,omitempty" jsonschema:"description=utf-8|base64"`
	Sensitive *bool   `json:"sensitive,omitempty"`
	TaskID    string  `json:"task_id,omitempty"`

	// read
	Mode           string   `json:"mode,omitempty" jsonschema:"description=cursor|tail"`
	Cursor         *int64   `json:"cursor,omitempty"`
	TimeoutMs      *int     `json:"timeout_ms,omitempty"`
	MaxBytes       *int     `json:"max_bytes,omitempty"`
	UntilRegex     string   `json:"until_regex,omitempty"`
	IncludeMatch   *bool    `json:"include_match,omitempty"`
	UntilIdleMs    *int     `json:"until_idle_ms,omitempty"`
	WaitForRegexes []string `json:"wait_for_regexes,omitempty"`
	MaxLines       *int     `json:"max_lines,omitempty"`
}

// SessionIOOutput covers both write's bytes_written response and read's
// ReadResponse shape.
type SessionIOOutput struct {
	Success bool `json:"success"`

	// write
	BytesWritten int `json:"bytes_written,omitempty"`

	// read
	Data            string `json:"data,omitempty"`
	Encoding        string `json:"encoding,omitempty"`
	NextCursor      int64  `json:"next_cursor"`
	Matched         bool   `json:"matched,omitempty"`
	IdleReached     bool   `json:"idle_reached,omitempty"`
	SizeCapReached  bool   `json:"size_cap_reached,omitempty"`
	TimedOut        bool   `json:"timed_out,omitempty"`
	Truncated       bool   `json:"truncated,omitempty"`
	DroppedBytes    int64  `json:"dropped_bytes,omitempty"`
	WaitingForInput bool   `json:"waiting_for_input,omitempty"`
}

func (s *Server) registerSessionIOTool() {
	sdkmcp.AddTool(s.mcpServer, &sdkmcp.Tool{
		Name:        "ptyctl_session_io",
		Description: "Write bytes or keypresses to a session, or read buffered output (cursor or tail mode).",
	}, LogToolCall("ptyctl_session_io", s.handleSessionIO))
}

func (s *Server) handleSessionIO(ctx context.Context, req *sdkmcp.CallToolRequest, in SessionIOInput) (*sdkmcp.CallToolResult, SessionIOOutput, error) {
	sess, err := s.requireSession(in.SessionID)
	if err != nil {
		return toolErrorFrom[SessionIOOutput](err)
	}

	switch in.Action {
	case "write":
		return s.ioWrite(sess, in)
	case "read":
		return s.ioRead(sess, in)
	default:
		return toolError[SessionIOOutput](fmt.Errorf("unknown action %q", in.Action), session.ErrInvalidArgument)
	}
}

func (s *Server) ioWrite(sess *session.Session, in SessionIOInput) (*sdkmcp.CallToolResult, SessionIOOutput, error) {
	sensitive := false
	if in.Sensitive != nil {
		sensitive = *in.Sensitive
	}
	n, err := sess.Write(session.WriteParams{
		Data:      in.Data,
		Key:       in.Key,
		Encoding:  orDefaultStr(in.Encoding, "utf-8"),
		Sensitive: sensitive,
		TaskID:    in.TaskID,
	})
	if err != nil {
		return toolErrorFrom[SessionIOOutput](err)
	}
	return okResult(SessionIOOutput{Success: true, BytesWritten: n})
}

func (s *Server) ioRead(sess *session.Session, in SessionIOInput) (*sdkmcp.CallToolResult, SessionIOOutput, error) {
	pats := append([]string{in.UntilRegex}, in.WaitForRegexes...)
	if err := session.ValidatePatterns(pats...); err != nil {
		return toolErrorFrom[SessionIOOutput](err)
	}

	req := session.ReadRequest{Mode: orDefaultStr(in.Mode, "cursor")}

	if req.Mode == "tail" {
		if in.MaxBytes != nil {
			req.TailMaxBytes = *in.MaxBytes
		}
		if in.MaxLines != nil {
			req.TailMaxLines = *in.MaxLines
		}
	} else {
		if in.Cursor != nil {
			req.Cursor = *in.Cursor
		}
		if in.TimeoutMs != nil {
			req.TimeoutMs = *in.TimeoutMs
		} else {
			req.TimeoutMs = 30000
		}
		if in.MaxBytes != nil {
			req.MaxBytes = *in.MaxBytes
		}
		req.UntilRegex = in.UntilRegex
		if in.IncludeMatch != nil {
			req.IncludeMatch = *in.IncludeMatch
		}
		if in.UntilIdleMs != nil {
			req.UntilIdleMs = *in.UntilIdleMs
		}
		req.WaitForRegexes = in.WaitForRegexes
	}

	outcome, err := sess.Read(req)
	if err != nil {
		return toolErrorFrom[SessionIOOutput](err)
	}

	out := SessionIOOutput{
		Success:         true,
		NextCursor:      outcome.NextCursor,
		Matched:         outcome.Matched,
		IdleReached:     outcome.IdleReached,
		SizeCapReached:  outcome.SizeCapReached,
		TimedOut:        outcome.TimedOut,
		Truncated:       outcome.Truncated,
		DroppedBytes:    outcome.DroppedBytes,
		WaitingForInput: outcome.WaitingForInput,
		Encoding:        "utf-8",
	}
	if outcome.Encoding == "base64" {
		out.Encoding = "base64"
		out.Data = base64.StdEncoding.EncodeToString(outcome.Chunk)
	} else {
		out.Data = string(outcome.Chunk)
	}
	return okResult(out)
}
