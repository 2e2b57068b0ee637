package mcp

import (
	"context"
	"fmt"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nfshanq/ptyctl/src/session"
)

// RCModeInput is ptyctl_session_exec's rc_mode block.
type RCModeInput struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	MarkerPrefix string `json:"marker_prefix,omitempty"`
	MarkerSuffix string `json:"marker_suffix,omitempty"`
}

// SessionExecInput is ptyctl_session_exec's request.
type SessionExecInput struct {
	SessionID   string       `json:"session_id" jsonschema:"required"`
	Cmd         string       `json:"cmd" jsonschema:"required"`
	TimeoutMs   *int         `json:"timeout_ms,omitempty"`
	UntilIdleMs *int         `json:"until_idle_ms,omitempty"`
	RCMode      *RCModeInput `json:"rc_mode,omitempty"`
	Expect      *ExpectInput `json:"expect,omitempty"`
	TaskID      string       `json:"task_id,omitempty"`
}

// SessionExecOutput is ptyctl_session_exec's response.
type SessionExecOutput struct {
	Stdout         string   `json:"stdout"`
	Stderr         string   `json:"stderr"`
	ExitCode       *int     `json:"exit_code,omitempty"`
	ExitCodeReason string   `json:"exit_code_reason,omitempty"`
	DoneReason     string   `json:"done_reason"`
	PromptDetected bool     `json:"prompt_detected,omitempty"`
	ErrorHints     []string `json:"error_hints,omitempty"`
	TimedOut       bool     `json:"timed_out"`
	DurationMs     int64    `json:"duration_ms"`
}

func (s *Server) registerSessionExecTool() {
	sdkmcp.AddTool(s.mcpServer, &sdkmcp.Tool{
		Name:        "ptyctl_session_exec",
		Description: "Run a command on an open session and extract its exit code via dual-marker detection.",
	}, LogToolCall("ptyctl_session_exec", s.handleSessionExec))
}

func (s *Server) handleSessionExec(ctx context.Context, req *sdkmcp.CallToolRequest, in SessionExecInput) (*sdkmcp.CallToolResult, SessionExecOutput, error) {
	sess, err := s.requireSession(in.SessionID)
	if err != nil {
		return toolErrorFrom[SessionExecOutput](err)
	}

	if in.Expect != nil {
		if err := validateExpectInput(in.Expect); err != nil {
			return toolErrorFrom[SessionExecOutput](err)
		}
		sess.SetExpect(session.ExpectConfig{
			PromptRegex:  in.Expect.PromptRegex,
			PagerRegexes: in.Expect.PagerRegexes,
			ErrorRegexes: in.Expect.ErrorRegexes,
		})
	}

	timeoutMs := 60000
	if in.TimeoutMs != nil {
		timeoutMs = *in.TimeoutMs
	}
	untilIdleMs := 0
	if in.UntilIdleMs != nil {
		untilIdleMs = *in.UntilIdleMs
	}

	var rc *session.RCMode
	if in.RCMode != nil {
		rc = &session.RCMode{
			Enabled:      true,
			MarkerPrefix: in.RCMode.MarkerPrefix,
			MarkerSuffix: in.RCMode.MarkerSuffix,
		}
		if in.RCMode.Enabled != nil {
			rc.Enabled = *in.RCMode.Enabled
		}
	}

	if in.Cmd == "" {
		return toolError[SessionExecOutput](fmt.Errorf("cmd is required"), session.ErrInvalidArgument)
	}

	result, execErr := sess.Exec(session.ExecParams{
		Cmd:         in.Cmd,
		TimeoutMs:   timeoutMs,
		UntilIdleMs: untilIdleMs,
		RCMode:      rc,
		TaskID:      in.TaskID,
	})
	if execErr != nil {
		return toolErrorFrom[SessionExecOutput](execErr)
	}

	return okResult(SessionExecOutput{
		Stdout:         result.Stdout,
		Stderr:         result.Stderr,
		ExitCode:       result.ExitCode,
		ExitCodeReason: result.ExitCodeReason,
		DoneReason:     result.DoneReason,
		PromptDetected: result.PromptDetected,
		ErrorHints:     result.ErrorHints,
		TimedOut:       result.TimedOut,
		DurationMs:     result.DurationMs,
	})
}
