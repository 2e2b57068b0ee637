package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// scriptHandle is an in-memory Handle whose Read drains an emit channel and
// whose Write records payloads and optionally triggers a scripted response,
// standing in for a remote shell in session and exec tests.
type scriptHandle struct {
	mu      sync.Mutex
	writes  [][]byte
	onWrite func(p []byte)

	out     chan []byte
	pending []byte
	closed  chan struct{}
	once    sync.Once
}

func newScriptHandle() *scriptHandle {
	return &scriptHandle{out: make(chan []byte, 64), closed: make(chan struct{})}
}

func (h *scriptHandle) emit(p []byte) {
	select {
	case h.out <- append([]byte(nil), p...):
	case <-h.closed:
	}
}

func (h *scriptHandle) Read(p []byte) (int, error) {
	if len(h.pending) == 0 {
		select {
		case b := <-h.out:
			h.pending = b
		case <-h.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, h.pending)
	h.pending = h.pending[n:]
	return n, nil
}

func (h *scriptHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	h.writes = append(h.writes, append([]byte(nil), p...))
	cb := h.onWrite
	h.mu.Unlock()
	if cb != nil {
		cb(p)
	}
	return len(p), nil
}

func (h *scriptHandle) Resize(cols, rows uint16) error { return nil }

func (h *scriptHandle) Close(force bool) error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func (h *scriptHandle) writeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.writes)
}

func (h *scriptHandle) lastWrite() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.writes) == 0 {
		return nil
	}
	return h.writes[len(h.writes)-1]
}

type scriptConnector struct {
	handle *scriptHandle
}

func (c *scriptConnector) Open(ctx context.Context, p OpenParams) (OpenResult, error) {
	return OpenResult{
		Handle:           c.handle,
		PTYEnabled:       p.PTYEnabled,
		SupportsResize:   true,
		SupportsExitCode: "true",
	}, nil
}

func openScriptSession(t *testing.T, kind, deviceID string) (*Session, *scriptHandle) {
	t.Helper()
	h := newScriptHandle()
	s, err := Open(context.Background(), "sess-test", &scriptConnector{handle: h}, OpenParams{Protocol: ProtocolSSH, PTYEnabled: true}, kind, deviceID, 64*1024)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(true) })
	return s, h
}

func strptr(s string) *string { return &s }

func errorCode(t *testing.T, err error) ErrorCode {
	t.Helper()
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v (%T), want *Error", err, err)
	}
	return serr.Code
}

func TestWriteDataAndKeyMutuallyExclusive(t *testing.T) {
	s, _ := openScriptSession(t, "normal", "")

	_, err := s.Write(WriteParams{Encoding: "utf-8"})
	if errorCode(t, err) != ErrInvalidArgument {
		t.Errorf("neither data nor key: code = %v, want INVALID_ARGUMENT", err)
	}

	_, err = s.Write(WriteParams{Data: strptr("x"), Key: strptr("enter"), Encoding: "utf-8"})
	if errorCode(t, err) != ErrInvalidArgument {
		t.Errorf("both data and key: code = %v, want INVALID_ARGUMENT", err)
	}
}

func TestWriteKeyResolvesToBytes(t *testing.T) {
	s, h := openScriptSession(t, "normal", "")

	n, err := s.Write(WriteParams{Key: strptr("ctrl+c"), Encoding: "utf-8"})
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != 1 || string(h.lastWrite()) != "\x03" {
		t.Errorf("wrote %q (%d bytes), want \\x03", h.lastWrite(), n)
	}

	if _, err := s.Write(WriteParams{Key: strptr("no_such_key"), Encoding: "utf-8"}); errorCode(t, err) != ErrInvalidArgument {
		t.Errorf("unknown key: code = %v, want INVALID_ARGUMENT", err)
	}
}

func TestWriteBase64(t *testing.T) {
	s, h := openScriptSession(t, "normal", "")

	if _, err := s.Write(WriteParams{Data: strptr("aGVsbG8="), Encoding: "base64"}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if string(h.lastWrite()) != "hello" {
		t.Errorf("wrote %q, want decoded %q", h.lastWrite(), "hello")
	}

	if _, err := s.Write(WriteParams{Data: strptr("not!!base64"), Encoding: "base64"}); errorCode(t, err) != ErrInvalidArgument {
		t.Errorf("invalid base64: code = %v, want INVALID_ARGUMENT", err)
	}
}

func TestWriteLockedByOtherTask(t *testing.T) {
	s, h := openScriptSession(t, "normal", "")

	if _, lockErr := s.Lock("T1", 60000); lockErr != nil {
		t.Fatalf("Lock error: %v", lockErr)
	}

	_, err := s.Write(WriteParams{Data: strptr("rm -rf /\r"), Encoding: "utf-8", TaskID: "T2"})
	if errorCode(t, err) != ErrLocked {
		t.Fatalf("write under foreign lock: code = %v, want LOCKED", err)
	}
	if h.writeCount() != 0 {
		t.Error("rejected write must not reach the connector")
	}

	if _, err := s.Write(WriteParams{Data: strptr("ls\r"), Encoding: "utf-8", TaskID: "T1"}); err != nil {
		t.Errorf("holder write error: %v", err)
	}
}

func TestConsoleWriteRequiresLock(t *testing.T) {
	s, _ := openScriptSession(t, "console", "sw-1")

	_, err := s.Write(WriteParams{Data: strptr("show ver\r"), Encoding: "utf-8", TaskID: "T1"})
	if errorCode(t, err) != ErrLockRequired {
		t.Fatalf("console write without lock: code = %v, want LOCK_REQUIRED", err)
	}

	if _, lockErr := s.Lock("T1", 60000); lockErr != nil {
		t.Fatalf("Lock error: %v", lockErr)
	}
	if _, err := s.Write(WriteParams{Data: strptr("show ver\r"), Encoding: "utf-8", TaskID: "T1"}); err != nil {
		t.Errorf("console write with lock error: %v", err)
	}
}

func TestLockIdempotentForHolderExtendsExpiry(t *testing.T) {
	s, _ := openScriptSession(t, "normal", "")

	first, lockErr := s.Lock("T1", 1000)
	if lockErr != nil {
		t.Fatalf("Lock error: %v", lockErr)
	}
	time.Sleep(10 * time.Millisecond)
	second, lockErr := s.Lock("T1", 60000)
	if lockErr != nil {
		t.Fatalf("re-Lock by holder error: %v", lockErr)
	}
	if second.ExpiresAtEpochMs <= first.ExpiresAtEpochMs {
		t.Errorf("expiry did not extend: %d -> %d", first.ExpiresAtEpochMs, second.ExpiresAtEpochMs)
	}
}

func TestLockConflictThenReclaimAfterExpiry(t *testing.T) {
	s, _ := openScriptSession(t, "normal", "")

	if _, lockErr := s.Lock("T1", 40); lockErr != nil {
		t.Fatalf("Lock error: %v", lockErr)
	}

	_, lockErr := s.Lock("T2", 60000)
	if lockErr == nil || lockErr.Code != ErrLockConflict {
		t.Fatalf("competing Lock = %v, want LOCK_CONFLICT", lockErr)
	}
	if lockErr.Extra["lock_holder"] != "T1" {
		t.Errorf("conflict lock_holder = %v, want T1", lockErr.Extra["lock_holder"])
	}

	time.Sleep(60 * time.Millisecond)
	lock, lockErr := s.Lock("T2", 60000)
	if lockErr != nil {
		t.Fatalf("Lock after expiry error: %v", lockErr)
	}
	if lock.HolderTaskID != "T2" {
		t.Errorf("holder = %q, want T2", lock.HolderTaskID)
	}
}

func TestUnlock(t *testing.T) {
	s, _ := openScriptSession(t, "normal", "")

	if unlockErr := s.Unlock("T1"); unlockErr == nil || unlockErr.Code != ErrNotLocked {
		t.Errorf("Unlock of unlocked session = %v, want NOT_LOCKED", unlockErr)
	}

	if _, lockErr := s.Lock("T1", 60000); lockErr != nil {
		t.Fatalf("Lock error: %v", lockErr)
	}
	if unlockErr := s.Unlock("T2"); unlockErr == nil || unlockErr.Code != ErrLockConflict {
		t.Errorf("Unlock by non-holder = %v, want LOCK_CONFLICT", unlockErr)
	}
	if unlockErr := s.Unlock("T1"); unlockErr != nil {
		t.Errorf("Unlock by holder error: %v", unlockErr)
	}
	if _, _, held := s.LockStatus(); held {
		t.Error("lock still held after Unlock")
	}
}

func TestHeartbeatRequiresHolder(t *testing.T) {
	s, _ := openScriptSession(t, "normal", "")

	if hbErr := s.Heartbeat("T1", 60000); hbErr == nil || hbErr.Code != ErrLockConflict {
		t.Errorf("Heartbeat without lock = %v, want LOCK_CONFLICT", hbErr)
	}

	lock, lockErr := s.Lock("T1", 1000)
	if lockErr != nil {
		t.Fatalf("Lock error: %v", lockErr)
	}
	time.Sleep(10 * time.Millisecond)
	if hbErr := s.Heartbeat("T1", 60000); hbErr != nil {
		t.Fatalf("Heartbeat by holder error: %v", hbErr)
	}
	holder, expiresAt, held := s.LockStatus()
	if !held || holder != "T1" {
		t.Errorf("status = (%q, held=%v), want held by T1", holder, held)
	}
	if expiresAt <= lock.ExpiresAtEpochMs {
		t.Errorf("heartbeat did not extend expiry: %d -> %d", lock.ExpiresAtEpochMs, expiresAt)
	}

	if hbErr := s.Heartbeat("T2", 60000); hbErr == nil || hbErr.Code != ErrLockConflict {
		t.Errorf("Heartbeat by non-holder = %v, want LOCK_CONFLICT", hbErr)
	}
}

func TestReapExpiredLock(t *testing.T) {
	s, _ := openScriptSession(t, "normal", "")

	if _, lockErr := s.Lock("T1", 60000); lockErr != nil {
		t.Fatalf("Lock error: %v", lockErr)
	}
	if s.ReapExpiredLock(time.Now()) {
		t.Error("reaper cleared a live lock")
	}
	if !s.ReapExpiredLock(time.Now().Add(2 * time.Minute)) {
		t.Error("reaper did not clear an expired lock")
	}
	if _, _, held := s.LockStatus(); held {
		t.Error("lock still held after reap")
	}
}

func TestCloseIdempotent(t *testing.T) {
	s, _ := openScriptSession(t, "normal", "")

	if err := s.Close(false); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	err := s.Close(false)
	if errorCode(t, err) != ErrAlreadyClosed {
		t.Errorf("second Close = %v, want ALREADY_CLOSED", err)
	}
}

func TestPumpFeedsBufferAndCounters(t *testing.T) {
	s, h := openScriptSession(t, "normal", "")

	h.emit([]byte("remote output"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := s.Snapshot()
		if snap.BytesReadTotal == int64(len("remote output")) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("BytesReadTotal = %d, want %d", snap.BytesReadTotal, len("remote output"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	res := s.Buffer.ReadFrom(0, 0, time.Time{})
	if string(res.Bytes) != "remote output" {
		t.Errorf("buffer = %q, want pump output", res.Bytes)
	}
}

func TestReadTailMode(t *testing.T) {
	s, h := openScriptSession(t, "normal", "")

	h.emit([]byte("one\ntwo\nthree\n"))
	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().BytesReadTotal == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	out, err := s.Read(ReadRequest{Mode: "tail", TailMaxLines: 2})
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if string(out.Chunk) != "two\nthree\n" {
		t.Errorf("tail = %q, want last two lines", out.Chunk)
	}
}

func TestApplyTelnetLineEnding(t *testing.T) {
	cases := []struct {
		mode string
		in   string
		want string
	}{
		{"cr", "show run\n", "show run\r"},
		{"crlf", "show run\n", "show run\r\n"},
		{"lf", "show run\n", "show run\n"},
		{"pass_through", "a\nb\r\nc", "a\nb\r\nc"},
		{"cr", "a\r\nb\n", "a\r\nb\r"}, // \n already preceded by \r is untouched
		{"crlf", "\n", "\r\n"},
	}
	for _, tc := range cases {
		t.Run(tc.mode+"/"+tc.in, func(t *testing.T) {
			got := applyTelnetLineEnding([]byte(tc.in), tc.mode)
			if string(got) != tc.want {
				t.Errorf("applyTelnetLineEnding(%q, %q) = %q, want %q", tc.in, tc.mode, got, tc.want)
			}
		})
	}
}

func TestTelnetWriteRewritesLineEnding(t *testing.T) {
	h := newScriptHandle()
	s, err := Open(context.Background(), "sess-telnet", &scriptConnector{handle: h}, OpenParams{Protocol: ProtocolTelnet, PTYEnabled: true}, "normal", "", 64*1024)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer s.Close(true)

	if _, err := s.Write(WriteParams{Data: strptr("ls\n"), Encoding: "utf-8"}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if string(h.lastWrite()) != "ls\r" {
		t.Errorf("wrote %q, want default cr rewriting", h.lastWrite())
	}

	// Sensitive payloads pass through untouched.
	if _, err := s.Write(WriteParams{Data: strptr("secret\n"), Encoding: "utf-8", Sensitive: true}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if string(h.lastWrite()) != "secret\n" {
		t.Errorf("wrote %q, want sensitive payload unmodified", h.lastWrite())
	}
}
