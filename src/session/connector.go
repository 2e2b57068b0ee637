package session

import (
	"context"
	"io"
)

// Protocol identifies which wire protocol a session's connector speaks.
type Protocol string

const (
	ProtocolSSH    Protocol = "ssh"
	ProtocolTelnet Protocol = "telnet"
)

// Handle is the byte-duplex connection a Connector hands back to a Session.
// The session's pump is the only reader of Handle.Read; writes come from
// Session.Write and Session.Exec under the lock discipline.
type Handle interface {
	io.Reader
	io.Writer
	// Resize applies a best-effort terminal size change. No-op for
	// connectors that don't support it.
	Resize(cols, rows uint16) error
	// Close tears down the underlying transport. If force is true the
	// implementation should not wait indefinitely for a graceful exit.
	Close(force bool) error
}

// OpenResult is everything a Connector reports back about the transport it
// just established, consumed by Session to populate its pty/capabilities
// fields and the open response.
type OpenResult struct {
	Handle           Handle
	ServerBanner     string
	SecurityWarning  string
	PTYEnabled       bool
	SupportsResize   bool
	SupportsExitCode string // "true" | "false" | "best_effort"
}

// OpenParams is the subset of ptyctl_session's open arguments a Connector
// needs; Session strips out the fields that only it cares about (lock,
// session_type, device_id, expect).
type OpenParams struct {
	Protocol Protocol
	Host     string
	Port     int
	Username string

	Auth SSHAuth

	PTYEnabled bool
	Cols       uint16
	Rows       uint16
	Term       string

	ConnectTimeoutMs int

	SSHOptions SSHOptions
}

// SSHAuth carries the auth method and credentials for the SSH connector.
type SSHAuth struct {
	Method        string // password | private_key | agent | auto
	Password      string
	PrivateKeyPEM string
	Passphrase    string
}

// SSHOptions carries the ssh_options block from ptyctl_session's open.
type SSHOptions struct {
	HostKeyPolicy      string // strict | accept_new | disabled
	KnownHostsPath     string
	HostKeyFingerprint string
	UseOpenSSHConfig   bool
	ConfigPath         string
	ExtraArgs          []string
}

// Connector is the pluggable transport Session depends on. SSHConnector and
// TelnetConnector are the two implementations; both are stateless beyond a
// single Open call's lifetime (the returned Handle carries all live state).
type Connector interface {
	Open(ctx context.Context, p OpenParams) (OpenResult, error)
}
