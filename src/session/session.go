package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// State is the session lifecycle state machine:
// Opening -> Open -> (Closing -> Closed) | Errored.
type State string

const (
	StateOpening State = "opening"
	StateOpen    State = "open"
	StateClosing State = "closing"
	StateClosed  State = "closed"
	StateErrored State = "errored"
)

// PumpState reports whether the background pump is still copying connector
// bytes into the ring buffer.
type PumpState string

const (
	PumpRunning     PumpState = "running"
	PumpEndedEOF    PumpState = "ended:eof"
	PumpEndedError  PumpState = "ended:error"
	PumpEndedClosed PumpState = "ended:closed"
)

// Lock is a (holder, expiry) lease. A lock is held at time t iff it is
// non-nil and t < ExpiresAtEpochMs; expiry is evaluated lazily by callers,
// never by a timer, so an admission check and the write it admits can't
// race a clearing timer.
type Lock struct {
	HolderTaskID     string
	ExpiresAtEpochMs int64
}

func (l *Lock) heldAt(now time.Time) bool {
	return l != nil && now.UnixMilli() < l.ExpiresAtEpochMs
}

// PTYInfo is the session's pseudoterminal geometry and terminal type.
type PTYInfo struct {
	Cols uint16
	Rows uint16
	Term string
}

// Session owns one connector instance, one pump goroutine, the expect
// configuration, lock state and per-session counters.
type Session struct {
	ID       string
	Protocol Protocol
	Kind     string // "normal" | "console"
	DeviceID string

	Buffer *RingBuffer

	ServerBanner     string
	SecurityWarning  string
	SupportsResize   bool
	SupportsExitCode string

	TelnetLineEnding string // cr | crlf | lf | pass_through

	CreatedAt time.Time

	mu sync.Mutex

	handle Handle
	pty    *PTYInfo

	state     State
	pumpState PumpState

	expect ExpectConfig
	lock   *Lock

	lastActivityAt    time.Time
	bytesReadTotal    int64
	bytesWrittenTotal int64

	doneCh    chan struct{}
	closeOnce sync.Once
}

// Open establishes the connector and spawns the pump goroutine. id, kind
// and deviceID are assigned by the registry before calling Open.
func Open(ctx context.Context, id string, connector Connector, p OpenParams, kind, deviceID string, bufferMaxBytes int) (*Session, error) {
	s := &Session{
		ID:               id,
		Protocol:         p.Protocol,
		Kind:             kind,
		DeviceID:         deviceID,
		Buffer:           NewRingBuffer(bufferMaxBytes),
		TelnetLineEnding: "cr",
		CreatedAt:        time.Now(),
		state:            StateOpening,
		pumpState:        PumpRunning,
		doneCh:           make(chan struct{}),
	}
	s.lastActivityAt = s.CreatedAt

	res, err := connector.Open(ctx, p)
	if err != nil {
		s.mu.Lock()
		s.state = StateErrored
		s.mu.Unlock()
		return nil, err
	}

	s.handle = res.Handle
	s.ServerBanner = res.ServerBanner
	s.SecurityWarning = res.SecurityWarning
	s.SupportsResize = res.SupportsResize
	s.SupportsExitCode = res.SupportsExitCode
	if res.PTYEnabled {
		s.pty = &PTYInfo{Cols: p.Cols, Rows: p.Rows, Term: p.Term}
	}

	s.mu.Lock()
	s.state = StateOpen
	s.mu.Unlock()

	go s.pump()
	return s, nil
}

// pump is the sole writer to Buffer: an unbounded loop reading from the
// connector handle and appending to the ring buffer until EOF or error.
func (s *Session) pump() {
	defer close(s.doneCh)
	buf := make([]byte, 8192)
	for {
		n, err := s.handle.Read(buf)
		if n > 0 {
			s.Buffer.Append(buf[:n])
			s.mu.Lock()
			s.bytesReadTotal += int64(n)
			s.lastActivityAt = time.Now()
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			if s.state == StateClosing || s.state == StateClosed {
				s.pumpState = PumpEndedClosed
			} else if errors.Is(err, io.EOF) {
				s.pumpState = PumpEndedEOF
				s.state = StateClosing
			} else {
				s.pumpState = PumpEndedError
				s.state = StateErrored
			}
			s.mu.Unlock()
			return
		}
	}
}

// Snapshot reports the subset of session state the registry's list
// operation and status queries need, taken under the session lock.
type Snapshot struct {
	ID                string
	Protocol          Protocol
	Kind              string
	DeviceID          string
	State             State
	PumpState         PumpState
	LockHolder        string
	LockExpiresAtMs   int64
	LockHeld          bool
	CreatedAt         time.Time
	LastActivityAt    time.Time
	BytesReadTotal    int64
	BytesWrittenTotal int64
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:                s.ID,
		Protocol:          s.Protocol,
		Kind:              s.Kind,
		DeviceID:          s.DeviceID,
		State:             s.state,
		PumpState:         s.pumpState,
		CreatedAt:         s.CreatedAt,
		LastActivityAt:    s.lastActivityAt,
		BytesReadTotal:    s.bytesReadTotal,
		BytesWrittenTotal: s.bytesWrittenTotal,
	}
	if s.lock != nil {
		snap.LockHolder = s.lock.HolderTaskID
		snap.LockExpiresAtMs = s.lock.ExpiresAtEpochMs
		snap.LockHeld = s.lock.heldAt(time.Now())
	}
	return snap
}

// IdleFor reports how long the session has gone without pump activity or
// writes, for the registry reaper's idle-timeout check.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivityAt)
}

// checkWriteAdmission enforces the lock discipline: a lock held
// by a different task always fails LOCKED; a console session additionally
// requires *some* held lock before any write/exec is admitted.
func (s *Session) checkWriteAdmission(taskID string) *Error {
	now := time.Now()
	heldByOther := s.lock.heldAt(now) && s.lock.HolderTaskID != taskID
	if heldByOther {
		return &Error{Code: ErrLocked, Message: "session is locked by another task", Extra: map[string]any{
			"lock_holder":     s.lock.HolderTaskID,
			"lock_expires_at": s.lock.ExpiresAtEpochMs,
		}}
	}
	if s.Kind == "console" && !s.lock.heldAt(now) {
		return &Error{Code: ErrLockRequired, Message: "console sessions require a held lock before writing"}
	}
	return nil
}

// WriteParams bundles ptyctl_session_io's "write" action arguments.
type WriteParams struct {
	Data      *string
	Key       *string
	Encoding  string // "utf-8" | "base64"
	Sensitive bool
	TaskID    string
}

// Write resolves data/key to raw bytes, applies Telnet line-ending
// rewriting when applicable, and writes through the connector handle.
func (s *Session) Write(p WriteParams) (int, error) {
	if (p.Data == nil) == (p.Key == nil) {
		return 0, &Error{Code: ErrInvalidArgument, Message: "exactly one of data or key must be set"}
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return 0, &Error{Code: ErrIOError, Message: "session is not open"}
	}
	if admitErr := s.checkWriteAdmission(p.TaskID); admitErr != nil {
		s.mu.Unlock()
		return 0, admitErr
	}
	s.mu.Unlock()

	var payload []byte
	if p.Key != nil {
		seq, ok := ResolveKey(*p.Key)
		if !ok {
			return 0, &Error{Code: ErrInvalidArgument, Message: fmt.Sprintf("unknown key name %q", *p.Key)}
		}
		payload = []byte(seq)
	} else {
		switch p.Encoding {
		case "base64", "":
			if p.Encoding == "base64" {
				decoded, err := base64.StdEncoding.DecodeString(*p.Data)
				if err != nil {
					return 0, &Error{Code: ErrInvalidArgument, Message: "invalid base64 payload"}
				}
				payload = decoded
			} else {
				payload = []byte(*p.Data)
			}
		case "utf-8":
			payload = []byte(*p.Data)
		default:
			return 0, &Error{Code: ErrInvalidArgument, Message: fmt.Sprintf("unknown encoding %q", p.Encoding)}
		}
	}

	if s.Protocol == ProtocolTelnet && p.Encoding == "utf-8" && !p.Sensitive {
		payload = applyTelnetLineEnding(payload, s.TelnetLineEnding)
	}

	n, err := s.handle.Write(payload)
	if err != nil {
		return n, &Error{Code: ErrIOError, Message: err.Error()}
	}

	s.mu.Lock()
	s.bytesWrittenTotal += int64(n)
	s.lastActivityAt = time.Now()
	s.mu.Unlock()

	return n, nil
}

// applyTelnetLineEnding rewrites bare "\n" bytes (not already preceded by
// "\r") per the session's telnet_line_ending setting. pass_through leaves
// the payload untouched.
func applyTelnetLineEnding(data []byte, mode string) []byte {
	var ending []byte
	switch mode {
	case "crlf":
		ending = []byte("\r\n")
	case "lf":
		ending = []byte("\n")
	case "pass_through":
		return data
	default: // "cr"
		ending = []byte("\r")
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b == '\n' && (i == 0 || data[i-1] != '\r') {
			out = append(out, ending...)
			continue
		}
		out = append(out, b)
	}
	return out
}

// ReadRequest bundles ptyctl_session_io's "read" action arguments. Mode
// "cursor" delegates to the expect engine; mode "tail" delegates to the
// ring buffer's tail operation.
type ReadRequest struct {
	Mode         string // "cursor" | "tail"
	Cursor       int64
	TailMaxBytes int
	TailMaxLines int
	ReadParams
}

// Read never requires a lock; any number of readers may follow a session.
func (s *Session) Read(r ReadRequest) (ReadOutcome, error) {
	if r.Mode == "tail" {
		data := s.Buffer.Tail(r.TailMaxBytes, r.TailMaxLines)
		_, end := s.Buffer.Cursors()
		return ReadOutcome{Chunk: data, NextCursor: end}, nil
	}
	params := r.ReadParams
	params.Cursor = r.Cursor
	return RunExpect(s.Buffer, params), nil
}

// Resize updates the connector's terminal geometry, and for Telnet
// triggers a NAWS subnegotiation if active (handled inside the connector's
// handle.Resize).
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	if s.pty != nil {
		s.pty.Cols, s.pty.Rows = cols, rows
	}
	handle := s.handle
	s.mu.Unlock()

	if handle == nil {
		return &Error{Code: ErrIOError, Message: "session is not open"}
	}
	if err := handle.Resize(cols, rows); err != nil {
		return &Error{Code: ErrUnsupported, Message: err.Error()}
	}
	return nil
}

// SetExpect atomically replaces the session's expect configuration.
func (s *Session) SetExpect(cfg ExpectConfig) {
	s.mu.Lock()
	s.expect = cfg
	s.mu.Unlock()
}

// GetExpect returns the session's current expect configuration.
func (s *Session) GetExpect() ExpectConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expect
}

// Close signals the connector to close, waits for the pump to join, and
// marks the session Closed. A second call returns ALREADY_CLOSED.
func (s *Session) Close(force bool) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return &Error{Code: ErrAlreadyClosed}
	}
	s.state = StateClosing
	handle := s.handle
	s.mu.Unlock()

	var closeErr error
	if handle != nil {
		closeErr = handle.Close(force)
	}

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		// A stuck subprocess must not hang the close call indefinitely;
		// the session is marked Closed even if the pump hasn't joined yet.
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	return closeErr
}

// Lock installs or extends a lease: a fresh lock if none is held, an
// expiry extension if taskID already holds it, a reclaim if the previous
// holder's lease has lapsed, and LOCK_CONFLICT otherwise.
func (s *Session) Lock(taskID string, ttlMs int) (*Lock, *Error) {
	if ttlMs <= 0 {
		ttlMs = 60000
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lock.heldAt(now) && s.lock.HolderTaskID != taskID {
		return nil, &Error{Code: ErrLockConflict, Message: "locked by another task", Extra: map[string]any{
			"lock_holder":     s.lock.HolderTaskID,
			"lock_expires_at": s.lock.ExpiresAtEpochMs,
		}}
	}

	s.lock = &Lock{HolderTaskID: taskID, ExpiresAtEpochMs: now.Add(time.Duration(ttlMs) * time.Millisecond).UnixMilli()}
	return s.lock, nil
}

// Unlock succeeds only if held by taskID.
func (s *Session) Unlock(taskID string) *Error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lock == nil || !s.lock.heldAt(now) {
		return &Error{Code: ErrNotLocked}
	}
	if s.lock.HolderTaskID != taskID {
		return &Error{Code: ErrLockConflict, Message: "locked by another task", Extra: map[string]any{
			"lock_holder":     s.lock.HolderTaskID,
			"lock_expires_at": s.lock.ExpiresAtEpochMs,
		}}
	}
	s.lock = nil
	return nil
}

// Heartbeat extends the current holder's expiry without changing it.
func (s *Session) Heartbeat(taskID string, ttlMs int) *Error {
	if ttlMs <= 0 {
		ttlMs = 60000
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lock == nil || !s.lock.heldAt(now) || s.lock.HolderTaskID != taskID {
		return &Error{Code: ErrLockConflict, Message: "not the current lock holder"}
	}
	s.lock = &Lock{
		HolderTaskID:     s.lock.HolderTaskID,
		ExpiresAtEpochMs: now.Add(time.Duration(ttlMs) * time.Millisecond).UnixMilli(),
	}
	return nil
}

// LockStatus reports the current holder/expiry, or held=false if unlocked
// or expired.
func (s *Session) LockStatus() (holder string, expiresAtMs int64, held bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return "", 0, false
	}
	return s.lock.HolderTaskID, s.lock.ExpiresAtEpochMs, s.lock.heldAt(now)
}

// ReapExpiredLock is called by the registry reaper each tick; it only
// clears a lock that has actually expired, never a live one, and reports
// whether it did so.
func (s *Session) ReapExpiredLock(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock != nil && !s.lock.heldAt(now) {
		s.lock = nil
		return true
	}
	return false
}
