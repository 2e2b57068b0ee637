package mcp

import (
	"context"
	"fmt"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nfshanq/ptyctl/src/session"
)

// SessionConfigInput is ptyctl_session_config's request envelope, covering
// the "resize", "expect", and "get" actions.
type SessionConfigInput struct {
	Action    string `json:"action" jsonschema:"required,description=resize|expect|get"`
	SessionID string `json:"session_id" jsonschema:"required"`

	// resize
	Cols *int `json:"cols,omitempty"`
	Rows *int `json:"rows,omitempty"`

	// expect (set)
	Expect *ExpectInput `json:"expect,omitempty"`
}

// SessionConfigOutput covers resize's ack, expect's ack, and get's current
// expect configuration.
type SessionConfigOutput struct {
	Success bool         `json:"success"`
	Expect  *ExpectInput `json:"expect,omitempty"`
}

func (s *Server) registerSessionConfigTool() {
	sdkmcp.AddTool(s.mcpServer, &sdkmcp.Tool{
		Name:        "ptyctl_session_config",
		Description: "Resize a session's pseudoterminal, or set/get its expect (prompt/pager/error regex) configuration.",
	}, LogToolCall("ptyctl_session_config", s.handleSessionConfig))
}

func (s *Server) handleSessionConfig(ctx context.Context, req *sdkmcp.CallToolRequest, in SessionConfigInput) (*sdkmcp.CallToolResult, SessionConfigOutput, error) {
	sess, err := s.requireSession(in.SessionID)
	if err != nil {
		return toolErrorFrom[SessionConfigOutput](err)
	}

	switch in.Action {
	case "resize":
		return s.configResize(sess, in)
	case "expect":
		return s.configSetExpect(sess, in)
	case "get":
		return s.configGetExpect(sess)
	default:
		return toolError[SessionConfigOutput](fmt.Errorf("unknown action %q", in.Action), session.ErrInvalidArgument)
	}
}

func (s *Server) configResize(sess *session.Session, in SessionConfigInput) (*sdkmcp.CallToolResult, SessionConfigOutput, error) {
	if in.Cols == nil || in.Rows == nil {
		return toolError[SessionConfigOutput](fmt.Errorf("cols and rows are required"), session.ErrInvalidArgument)
	}
	if err := sess.Resize(uint16(*in.Cols), uint16(*in.Rows)); err != nil {
		return toolErrorFrom[SessionConfigOutput](err)
	}
	return okResult(SessionConfigOutput{Success: true})
}

func (s *Server) configSetExpect(sess *session.Session, in SessionConfigInput) (*sdkmcp.CallToolResult, SessionConfigOutput, error) {
	if in.Expect == nil {
		return toolError[SessionConfigOutput](fmt.Errorf("expect block is required"), session.ErrInvalidArgument)
	}
	if err := validateExpectInput(in.Expect); err != nil {
		return toolErrorFrom[SessionConfigOutput](err)
	}
	sess.SetExpect(session.ExpectConfig{
		PromptRegex:  in.Expect.PromptRegex,
		PagerRegexes: in.Expect.PagerRegexes,
		ErrorRegexes: in.Expect.ErrorRegexes,
	})
	return okResult(SessionConfigOutput{Success: true, Expect: in.Expect})
}

// validateExpectInput rejects uncompilable client regexes up front, before
// they're stored on the session and hit the read or exec loop later.
func validateExpectInput(in *ExpectInput) error {
	pats := append([]string{in.PromptRegex}, in.PagerRegexes...)
	pats = append(pats, in.ErrorRegexes...)
	return session.ValidatePatterns(pats...)
}

func (s *Server) configGetExpect(sess *session.Session) (*sdkmcp.CallToolResult, SessionConfigOutput, error) {
	cfg := sess.GetExpect()
	return okResult(SessionConfigOutput{
		Success: true,
		Expect: &ExpectInput{
			PromptRegex:  cfg.PromptRegex,
			PagerRegexes: cfg.PagerRegexes,
			ErrorRegexes: cfg.ErrorRegexes,
		},
	})
}
