package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func genHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("NewPublicKey: %v", err)
	}
	return sshPub
}

func writeKnownHosts(t *testing.T, host string, key ssh.PublicKey) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := host + " " + strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))) + "\n"
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestVerifyFingerprint(t *testing.T) {
	key := genHostKey(t)
	fp := ssh.FingerprintSHA256(key)

	if err := verifyFingerprint(key, fp); err != nil {
		t.Errorf("matching fingerprint rejected: %v", err)
	}
	// Prefix is optional.
	if err := verifyFingerprint(key, strings.TrimPrefix(fp, "SHA256:")); err != nil {
		t.Errorf("prefixless fingerprint rejected: %v", err)
	}

	err := verifyFingerprint(key, "SHA256:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	if err == nil {
		t.Fatal("mismatched fingerprint accepted")
	}
	if serr, ok := err.(*Error); !ok || serr.Code != ErrHostkeyMismatch {
		t.Errorf("error = %v, want HOSTKEY_MISMATCH", err)
	}
}

func TestFindHostKey(t *testing.T) {
	key := genHostKey(t)
	path := writeKnownHosts(t, "switch-1", key)

	got, err := findHostKey(path, "switch-1")
	if err != nil {
		t.Fatalf("findHostKey error: %v", err)
	}
	if got == nil || ssh.FingerprintSHA256(got) != ssh.FingerprintSHA256(key) {
		t.Error("findHostKey returned the wrong key")
	}

	missing, err := findHostKey(path, "other-host")
	if err != nil || missing != nil {
		t.Errorf("unknown host: got (%v, %v), want (nil, nil)", missing, err)
	}

	none, err := findHostKey(filepath.Join(t.TempDir(), "absent"), "switch-1")
	if err != nil || none != nil {
		t.Errorf("absent file: got (%v, %v), want (nil, nil)", none, err)
	}
}

func TestPreflightHostKey(t *testing.T) {
	key := genHostKey(t)
	path := writeKnownHosts(t, "switch-1", key)

	opts := SSHOptions{KnownHostsPath: path, HostKeyFingerprint: ssh.FingerprintSHA256(key)}
	if err := preflightHostKey(opts, "switch-1"); err != nil {
		t.Errorf("matching pin rejected: %v", err)
	}

	// An unknown host defers the trust decision to the ssh subprocess.
	if err := preflightHostKey(opts, "brand-new-host"); err != nil {
		t.Errorf("unknown host rejected: %v", err)
	}

	other := genHostKey(t)
	opts.HostKeyFingerprint = ssh.FingerprintSHA256(other)
	err := preflightHostKey(opts, "switch-1")
	if err == nil {
		t.Fatal("mismatched pin accepted")
	}
	if serr, ok := err.(*Error); !ok || serr.Code != ErrHostkeyMismatch {
		t.Errorf("error = %v, want HOSTKEY_MISMATCH", err)
	}
}

func TestValidatePrivateKeyRejectsGarbage(t *testing.T) {
	err := validatePrivateKey("not a pem key", "")
	if err == nil {
		t.Fatal("garbage private key accepted")
	}
	if serr, ok := err.(*Error); !ok || serr.Code != ErrAuthFailed {
		t.Errorf("error = %v, want AUTH_FAILED", err)
	}
}

func TestStrictHostKeyCheckingFlag(t *testing.T) {
	cases := map[string]string{
		"strict":     "yes",
		"accept_new": "accept-new",
		"disabled":   "no",
		"":           "yes",
	}
	for policy, want := range cases {
		if got := strictHostKeyCheckingFlag(policy); got != want {
			t.Errorf("strictHostKeyCheckingFlag(%q) = %q, want %q", policy, got, want)
		}
	}
}
