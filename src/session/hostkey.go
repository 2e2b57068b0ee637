package session

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// verifyFingerprint checks a host key's SHA256 fingerprint against an
// operator-supplied value from ssh_options.host_key_fingerprint. The
// "SHA256:" prefix is optional on the supplied value.
func verifyFingerprint(key ssh.PublicKey, want string) error {
	if want == "" {
		return nil
	}
	got := ssh.FingerprintSHA256(key)
	want = strings.TrimSpace(want)
	if !strings.HasPrefix(want, "SHA256:") {
		want = "SHA256:" + want
	}
	if got != want {
		return &Error{Code: ErrHostkeyMismatch, Message: fmt.Sprintf("host key fingerprint mismatch: got %s, want %s", got, want)}
	}
	return nil
}

// findHostKey scans a known_hosts file for an entry matching host and
// returns its public key, or nil if the host has no entry yet. Hashed
// entries and unparsable lines are skipped; the OpenSSH subprocess still
// applies its own full known_hosts handling either way.
func findHostKey(path, host string) (ssh.PublicKey, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "|") {
			continue
		}
		_, hosts, key, _, _, err := ssh.ParseKnownHosts([]byte(line))
		if err != nil {
			continue
		}
		for _, h := range hosts {
			if h == host {
				return key, nil
			}
		}
	}
	return nil, scanner.Err()
}

// preflightHostKey compares an operator-pinned fingerprint against the
// known_hosts entry for host, when both are configured, so a mismatch
// surfaces as HOSTKEY_MISMATCH before the ssh subprocess is launched. An
// unknown host passes: first-contact trust decisions belong to the
// subprocess's StrictHostKeyChecking setting.
func preflightHostKey(opts SSHOptions, host string) error {
	if opts.HostKeyFingerprint == "" || opts.KnownHostsPath == "" {
		return nil
	}
	key, err := findHostKey(opts.KnownHostsPath, host)
	if err != nil {
		return fmt.Errorf("reading known_hosts: %w", err)
	}
	if key == nil {
		return nil
	}
	return verifyFingerprint(key, opts.HostKeyFingerprint)
}

// validatePrivateKey parses private_key_pem (with the passphrase, if any)
// far enough to reject unusable credentials with AUTH_FAILED before the
// ssh subprocess is ever invoked.
func validatePrivateKey(pemData, passphrase string) error {
	var err error
	if passphrase != "" {
		_, err = ssh.ParsePrivateKeyWithPassphrase([]byte(pemData), []byte(passphrase))
	} else {
		_, err = ssh.ParsePrivateKey([]byte(pemData))
	}
	if err != nil {
		return &Error{Code: ErrAuthFailed, Message: fmt.Sprintf("private key rejected: %v", err)}
	}
	return nil
}

// strictHostKeyCheckingFlag maps host_key_policy to the OpenSSH client's
// -o StrictHostKeyChecking value.
func strictHostKeyCheckingFlag(policy string) string {
	switch policy {
	case "accept_new":
		return "accept-new"
	case "disabled":
		return "no"
	default:
		return "yes"
	}
}
