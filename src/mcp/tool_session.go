package mcp

import (
	"context"
	"fmt"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nfshanq/ptyctl/src/registry"
	"github.com/nfshanq/ptyctl/src/session"
)

// SSHAuthInput is ptyctl_session's auth block, SSH only.
type SSHAuthInput struct {
	Method        string `json:"method" jsonschema:"description=password|private_key|agent|auto"`
	Password      string `json:"password,omitempty"`
	PrivateKeyPEM string `json:"private_key_pem,omitempty"`
	Passphrase    string `json:"passphrase,omitempty"`
}

// PTYInput is ptyctl_session's pty block.
type PTYInput struct {
	Enabled *bool   `json:"enabled,omitempty"`
	Cols    *int    `json:"cols,omitempty"`
	Rows    *int    `json:"rows,omitempty"`
	Term    *string `json:"term,omitempty"`
}

// TimeoutsInput is ptyctl_session's timeouts block.
type TimeoutsInput struct {
	ConnectTimeoutMs *int `json:"connect_timeout_ms,omitempty"`
	IdleTimeoutMs    *int `json:"idle_timeout_ms,omitempty"`
}

// SSHOptionsInput is ptyctl_session's ssh_options block.
type SSHOptionsInput struct {
	HostKeyPolicy      string   `json:"host_key_policy,omitempty" jsonschema:"description=strict|accept_new|disabled"`
	KnownHostsPath     string   `json:"known_hosts_path,omitempty"`
	HostKeyFingerprint string   `json:"host_key_fingerprint,omitempty"`
	UseOpenSSHConfig   *bool    `json:"use_openssh_config,omitempty"`
	ConfigPath         string   `json:"config_path,omitempty"`
	ExtraArgs          []string `json:"extra_args,omitempty"`
}

// ExpectInput is ptyctl_session's/ptyctl_session_config's expect block.
type ExpectInput struct {
	PromptRegex  string   `json:"prompt_regex,omitempty"`
	PagerRegexes []string `json:"pager_regexes,omitempty"`
	ErrorRegexes []string `json:"error_regexes,omitempty"`
}

// SessionToolInput is ptyctl_session's request envelope.
type SessionToolInput struct {
	Action string `json:"action" jsonschema:"required,description=open|close|list|lock|unlock|heartbeat|status"`

	// open
	Protocol    string           `json:"protocol,omitempty" jsonschema:"description=ssh|telnet"`
	Host        string           `json:"host,omitempty"`
	Port        *int             `json:"port,omitempty"`
	Username    string           `json:"username,omitempty"`
	Auth        *SSHAuthInput    `json:"auth,omitempty"`
	PTY         *PTYInput        `json:"pty,omitempty"`
	Timeouts    *TimeoutsInput   `json:"timeouts,omitempty"`
	SSHOptions  *SSHOptionsInput `json:"ssh_options,omitempty"`
	Expect      *ExpectInput     `json:"expect,omitempty"`
	SessionType string           `json:"session_type,omitempty" jsonschema:"description=normal|console"`
	DeviceID    string           `json:"device_id,omitempty"`
	AcquireLock *bool            `json:"acquire_lock,omitempty"`
	LockTTLMs   *int             `json:"lock_ttl_ms,omitempty"`
	TaskID      string           `json:"task_id,omitempty"`

	// close/lock/unlock/heartbeat/status
	SessionID string `json:"session_id,omitempty"`
	Force     *bool  `json:"force,omitempty"`
}

// SessionSummary is one entry of SessionToolOutput.Sessions.
type SessionSummary struct {
	SessionID         string `json:"session_id"`
	Protocol          string `json:"protocol"`
	Kind              string `json:"kind"`
	DeviceID          string `json:"device_id,omitempty"`
	State             string `json:"state"`
	PumpState         string `json:"pump_state"`
	LockHolder        string `json:"lock_holder,omitempty"`
	LockExpiresAt     int64  `json:"lock_expires_at,omitempty"`
	BytesReadTotal    int64  `json:"bytes_read_total"`
	BytesWrittenTotal int64  `json:"bytes_written_total"`
}

// Capabilities reports what a newly-opened session's connector supports.
type Capabilities struct {
	SupportsResize   bool   `json:"supports_resize"`
	SupportsExitCode string `json:"supports_exit_code"`
}

// SessionToolOutput is ptyctl_session's response envelope.
type SessionToolOutput struct {
	Success           bool             `json:"success"`
	SessionID         string           `json:"session_id,omitempty"`
	Protocol          string           `json:"protocol,omitempty"`
	PTYEnabled        bool             `json:"pty_enabled,omitempty"`
	ServerBanner      string           `json:"server_banner,omitempty"`
	SecurityWarning   string           `json:"security_warning,omitempty"`
	LockAcquired      bool             `json:"lock_acquired,omitempty"`
	ExistingSessionID string           `json:"existing_session_id,omitempty"`
	Sessions          []SessionSummary `json:"sessions,omitempty"`
	Capabilities      *Capabilities    `json:"capabilities,omitempty"`
	LockHolder        string           `json:"lock_holder,omitempty"`
	LockExpiresAt     int64            `json:"lock_expires_at,omitempty"`
	Message           string           `json:"message,omitempty"`
}

func (s *Server) registerSessionTool() {
	sdkmcp.AddTool(s.mcpServer, &sdkmcp.Tool{
		Name:        "ptyctl_session",
		Description: "Open, close, list, lock, unlock, heartbeat, or query status of remote SSH/Telnet sessions.",
	}, LogToolCall("ptyctl_session", s.handleSession))
}

func (s *Server) handleSession(ctx context.Context, req *sdkmcp.CallToolRequest, in SessionToolInput) (*sdkmcp.CallToolResult, SessionToolOutput, error) {
	switch in.Action {
	case "open":
		return s.sessionOpen(ctx, in)
	case "close":
		return s.sessionClose(in)
	case "list":
		return s.sessionList()
	case "lock":
		return s.sessionLock(in)
	case "unlock":
		return s.sessionUnlock(in)
	case "heartbeat":
		return s.sessionHeartbeat(in)
	case "status":
		return s.sessionStatus(in)
	default:
		return toolError[SessionToolOutput](fmt.Errorf("unknown action %q", in.Action), session.ErrInvalidArgument)
	}
}

func (s *Server) sessionOpen(ctx context.Context, in SessionToolInput) (*sdkmcp.CallToolResult, SessionToolOutput, error) {
	if in.Host == "" {
		return toolError[SessionToolOutput](fmt.Errorf("host is required"), session.ErrInvalidArgument)
	}
	if in.Expect != nil {
		if err := validateExpectInput(in.Expect); err != nil {
			return toolErrorFrom[SessionToolOutput](err)
		}
	}

	proto := session.Protocol(orDefaultStr(in.Protocol, "ssh"))
	port := 22
	if proto == session.ProtocolTelnet {
		port = 23
	}
	if in.Port != nil {
		port = *in.Port
	}

	cols, rows, term := 120, 40, "xterm-256color"
	ptyEnabled := true
	if in.PTY != nil {
		if in.PTY.Cols != nil {
			cols = *in.PTY.Cols
		}
		if in.PTY.Rows != nil {
			rows = *in.PTY.Rows
		}
		if in.PTY.Term != nil {
			term = *in.PTY.Term
		}
		if in.PTY.Enabled != nil {
			ptyEnabled = *in.PTY.Enabled
		}
	}

	connectTimeout := 15000
	if in.Timeouts != nil && in.Timeouts.ConnectTimeoutMs != nil {
		connectTimeout = *in.Timeouts.ConnectTimeoutMs
	}

	var auth session.SSHAuth
	if in.Auth != nil {
		auth = session.SSHAuth{
			Method:        orDefaultStr(in.Auth.Method, "auto"),
			Password:      in.Auth.Password,
			PrivateKeyPEM: in.Auth.PrivateKeyPEM,
			Passphrase:    in.Auth.Passphrase,
		}
	}

	sshOpts := session.SSHOptions{HostKeyPolicy: "strict", UseOpenSSHConfig: true}
	if in.SSHOptions != nil {
		if in.SSHOptions.HostKeyPolicy != "" {
			sshOpts.HostKeyPolicy = in.SSHOptions.HostKeyPolicy
		}
		sshOpts.KnownHostsPath = in.SSHOptions.KnownHostsPath
		sshOpts.HostKeyFingerprint = in.SSHOptions.HostKeyFingerprint
		if in.SSHOptions.UseOpenSSHConfig != nil {
			sshOpts.UseOpenSSHConfig = *in.SSHOptions.UseOpenSSHConfig
		}
		sshOpts.ConfigPath = in.SSHOptions.ConfigPath
		sshOpts.ExtraArgs = in.SSHOptions.ExtraArgs
	}

	params := session.OpenParams{
		Protocol:         proto,
		Host:             in.Host,
		Port:             port,
		Username:         in.Username,
		Auth:             auth,
		PTYEnabled:       ptyEnabled,
		Cols:             uint16(cols),
		Rows:             uint16(rows),
		Term:             term,
		ConnectTimeoutMs: connectTimeout,
		SSHOptions:       sshOpts,
	}

	var connector session.Connector
	switch proto {
	case session.ProtocolSSH:
		connector = &session.SSHConnector{}
	case session.ProtocolTelnet:
		connector = &session.TelnetConnector{}
	default:
		return toolError[SessionToolOutput](fmt.Errorf("unsupported protocol %q", proto), session.ErrInvalidArgument)
	}

	acquireLock := false
	if in.AcquireLock != nil {
		acquireLock = *in.AcquireLock
	}
	lockTTL := 60000
	if in.LockTTLMs != nil {
		lockTTL = *in.LockTTLMs
	}

	res, err := s.registry.Open(ctx, registry.OpenParams{
		Connector:   connector,
		Params:      params,
		SessionType: orDefaultStr(in.SessionType, "normal"),
		DeviceID:    in.DeviceID,
		AcquireLock: acquireLock,
		LockTTLMs:   lockTTL,
		TaskID:      in.TaskID,
	})
	if err != nil {
		return toolErrorFrom[SessionToolOutput](err)
	}

	if in.Expect != nil && res.ExistingSessionID == "" {
		res.Session.SetExpect(session.ExpectConfig{
			PromptRegex:  in.Expect.PromptRegex,
			PagerRegexes: in.Expect.PagerRegexes,
			ErrorRegexes: in.Expect.ErrorRegexes,
		})
	}

	snap := res.Session.Snapshot()
	out := SessionToolOutput{
		Success:           true,
		SessionID:         snap.ID,
		Protocol:          string(snap.Protocol),
		PTYEnabled:        ptyEnabled,
		ServerBanner:      res.Session.ServerBanner,
		SecurityWarning:   res.Session.SecurityWarning,
		LockAcquired:      res.LockAcquired,
		ExistingSessionID: res.ExistingSessionID,
		Capabilities: &Capabilities{
			SupportsResize:   res.Session.SupportsResize,
			SupportsExitCode: res.Session.SupportsExitCode,
		},
	}
	return okResult(out)
}

func (s *Server) sessionClose(in SessionToolInput) (*sdkmcp.CallToolResult, SessionToolOutput, error) {
	if in.SessionID == "" {
		return toolError[SessionToolOutput](fmt.Errorf("session_id is required"), session.ErrInvalidArgument)
	}
	force := false
	if in.Force != nil {
		force = *in.Force
	}
	if err := s.registry.Close(in.SessionID, force); err != nil {
		return toolErrorFrom[SessionToolOutput](err)
	}
	return okResult(SessionToolOutput{Success: true, SessionID: in.SessionID})
}

func (s *Server) sessionList() (*sdkmcp.CallToolResult, SessionToolOutput, error) {
	snaps := s.registry.List()
	out := SessionToolOutput{Success: true, Sessions: make([]SessionSummary, 0, len(snaps))}
	for _, snap := range snaps {
		out.Sessions = append(out.Sessions, SessionSummary{
			SessionID:         snap.ID,
			Protocol:          string(snap.Protocol),
			Kind:              snap.Kind,
			DeviceID:          snap.DeviceID,
			State:             string(snap.State),
			PumpState:         string(snap.PumpState),
			LockHolder:        snap.LockHolder,
			LockExpiresAt:     snap.LockExpiresAtMs,
			BytesReadTotal:    snap.BytesReadTotal,
			BytesWrittenTotal: snap.BytesWrittenTotal,
		})
	}
	return okResult(out)
}

func (s *Server) sessionLock(in SessionToolInput) (*sdkmcp.CallToolResult, SessionToolOutput, error) {
	sess, err := s.requireSession(in.SessionID)
	if err != nil {
		return toolErrorFrom[SessionToolOutput](err)
	}
	ttl := 60000
	if in.LockTTLMs != nil {
		ttl = *in.LockTTLMs
	}
	lock, lockErr := sess.Lock(in.TaskID, ttl)
	if lockErr != nil {
		return toolErrorFrom[SessionToolOutput](lockErr)
	}
	return okResult(SessionToolOutput{
		Success:       true,
		SessionID:     in.SessionID,
		LockAcquired:  true,
		LockHolder:    lock.HolderTaskID,
		LockExpiresAt: lock.ExpiresAtEpochMs,
	})
}

func (s *Server) sessionUnlock(in SessionToolInput) (*sdkmcp.CallToolResult, SessionToolOutput, error) {
	sess, err := s.requireSession(in.SessionID)
	if err != nil {
		return toolErrorFrom[SessionToolOutput](err)
	}
	if unlockErr := sess.Unlock(in.TaskID); unlockErr != nil {
		return toolErrorFrom[SessionToolOutput](unlockErr)
	}
	return okResult(SessionToolOutput{Success: true, SessionID: in.SessionID})
}

func (s *Server) sessionHeartbeat(in SessionToolInput) (*sdkmcp.CallToolResult, SessionToolOutput, error) {
	sess, err := s.requireSession(in.SessionID)
	if err != nil {
		return toolErrorFrom[SessionToolOutput](err)
	}
	ttl := 60000
	if in.LockTTLMs != nil {
		ttl = *in.LockTTLMs
	}
	if hbErr := sess.Heartbeat(in.TaskID, ttl); hbErr != nil {
		return toolErrorFrom[SessionToolOutput](hbErr)
	}
	holder, expiresAt, _ := sess.LockStatus()
	return okResult(SessionToolOutput{
		Success:       true,
		SessionID:     in.SessionID,
		LockHolder:    holder,
		LockExpiresAt: expiresAt,
	})
}

func (s *Server) sessionStatus(in SessionToolInput) (*sdkmcp.CallToolResult, SessionToolOutput, error) {
	sess, err := s.requireSession(in.SessionID)
	if err != nil {
		return toolErrorFrom[SessionToolOutput](err)
	}
	holder, expiresAt, held := sess.LockStatus()
	out := SessionToolOutput{Success: true, SessionID: in.SessionID}
	if held {
		out.LockHolder = holder
		out.LockExpiresAt = expiresAt
	}
	return okResult(out)
}

func (s *Server) requireSession(id string) (*session.Session, error) {
	if id == "" {
		return nil, &session.Error{Code: session.ErrInvalidArgument, Message: "session_id is required"}
	}
	return s.registry.Get(id)
}

func orDefaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
