package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// SSHConnector launches the system OpenSSH client as a subprocess behind a
// local pseudoterminal: pty.StartWithSize allocates the pty, Setpgid lets
// Close kill the whole process group instead of an orphaned child.
type SSHConnector struct{}

// sshHandle wraps the ssh subprocess's pty and *exec.Cmd as a Handle.
type sshHandle struct {
	ptmx *os.File
	cmd  *exec.Cmd
}

func (h *sshHandle) Read(p []byte) (int, error)  { return h.ptmx.Read(p) }
func (h *sshHandle) Write(p []byte) (int, error) { return h.ptmx.Write(p) }

func (h *sshHandle) Resize(cols, rows uint16) error {
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (h *sshHandle) Close(force bool) error {
	closeErr := h.ptmx.Close()

	if h.cmd.Process != nil {
		pid := h.cmd.Process.Pid
		if force {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		} else {
			_ = syscall.Kill(-pid, syscall.SIGTERM)
		}
	}
	_ = h.cmd.Wait()
	return closeErr
}

// Open builds an `ssh` argv from OpenParams: ~/.ssh/config passthrough,
// ProxyJump via extra_args, host-key policy mapped to
// -o StrictHostKeyChecking.
func (c *SSHConnector) Open(ctx context.Context, p OpenParams) (OpenResult, error) {
	args, err := c.buildArgs(p)
	if err != nil {
		return OpenResult{}, err
	}

	// ctx does not scope the subprocess, which keeps running after Open
	// returns; the connect timeout reaches ssh as -o ConnectTimeout (see
	// buildArgs).
	cmd := exec.Command("ssh", args...)
	cmd.Env = append(os.Environ(), "TERM="+orDefault(p.Term, "xterm-256color"))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if p.Auth.Method == "password" && p.Auth.Password != "" {
		cmd.Env = append(cmd.Env, "SSHPASS="+p.Auth.Password)
	}

	cols, rows := p.Cols, p.Rows
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 40
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return OpenResult{}, fmt.Errorf("ssh connector: start subprocess: %w", err)
	}

	return OpenResult{
		Handle:           &sshHandle{ptmx: ptmx, cmd: cmd},
		PTYEnabled:       p.PTYEnabled,
		SupportsResize:   true,
		SupportsExitCode: "true",
	}, nil
}

func (c *SSHConnector) buildArgs(p OpenParams) ([]string, error) {
	if err := preflightHostKey(p.SSHOptions, p.Host); err != nil {
		return nil, err
	}

	args := []string{
		"-tt", // force pty allocation
		"-o", "StrictHostKeyChecking=" + strictHostKeyCheckingFlag(p.SSHOptions.HostKeyPolicy),
	}

	if p.ConnectTimeoutMs > 0 {
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", (p.ConnectTimeoutMs+999)/1000))
	}
	if p.SSHOptions.KnownHostsPath != "" {
		args = append(args, "-o", "UserKnownHostsFile="+p.SSHOptions.KnownHostsPath)
	}
	if !p.SSHOptions.UseOpenSSHConfig {
		args = append(args, "-F", "/dev/null")
	} else if p.SSHOptions.ConfigPath != "" {
		args = append(args, "-F", p.SSHOptions.ConfigPath)
	}
	if p.Port != 0 && p.Port != 22 {
		args = append(args, "-p", fmt.Sprintf("%d", p.Port))
	}

	switch p.Auth.Method {
	case "private_key":
		if p.Auth.PrivateKeyPEM == "" {
			return nil, &Error{Code: ErrAuthFailed, Message: "private_key method requires private_key_pem"}
		}
		if err := validatePrivateKey(p.Auth.PrivateKeyPEM, p.Auth.Passphrase); err != nil {
			return nil, err
		}
		keyPath, err := writeTempKey(p.Auth.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("ssh connector: write private key: %w", err)
		}
		args = append(args, "-i", keyPath, "-o", "IdentitiesOnly=yes")
	case "agent":
		args = append(args, "-o", "PreferredAuthentications=publickey")
	case "password":
		if p.Auth.Password == "" {
			return nil, &Error{Code: ErrAuthFailed, Message: "password method requires password"}
		}
	}

	args = append(args, p.SSHOptions.ExtraArgs...)

	target := p.Host
	if p.Username != "" {
		target = p.Username + "@" + p.Host
	}
	args = append(args, target)
	return args, nil
}

func writeTempKey(pem string) (string, error) {
	f, err := os.CreateTemp("", "ptyctl-key-*")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := f.Chmod(0o600); err != nil {
		return "", err
	}
	if _, err := f.WriteString(pem); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
