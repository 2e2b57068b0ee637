// Package registry implements the process-wide session registry: a mapping
// from session id to session, the console-uniqueness index, and the
// periodic reaper that clears expired locks and closes idle sessions.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nfshanq/ptyctl/src/session"
)

// Limits bounds the registry's session count and per-session buffering.
type Limits struct {
	MaxSessions          int
	OutputBufferMaxBytes int
	OutputBufferMaxLines int
	IdleTimeoutMs        int
}

// ReaperStats counts reaper activity since process start, surfaced on the
// /health endpoint. Fields are read via Stats() from arbitrary goroutines,
// so the registry keeps them in atomics rather than behind the main mutex.
type ReaperStats struct {
	Ticks          int64
	LocksCleared   int64
	SessionsReaped int64
}

// Registry owns every live session in the process. It is not a
// package-level global: callers construct one explicitly (via New), which
// keeps it constructible multiple times for tests.
type Registry struct {
	mu sync.Mutex

	sessions     map[string]*session.Session
	consoleIndex map[string]string // device_id -> session_id

	limits Limits

	ticks          atomic.Int64
	locksCleared   atomic.Int64
	sessionsReaped atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Registry with the given limits and starts its reaper
// goroutine, ticking every reaperInterval.
func New(limits Limits, reaperInterval time.Duration) *Registry {
	if limits.MaxSessions <= 0 {
		limits.MaxSessions = 100
	}
	if limits.OutputBufferMaxBytes <= 0 {
		limits.OutputBufferMaxBytes = 2 * 1024 * 1024
	}
	if limits.OutputBufferMaxLines <= 0 {
		limits.OutputBufferMaxLines = 20000
	}
	if reaperInterval <= 0 {
		reaperInterval = 10 * time.Second
	}

	r := &Registry{
		sessions:     make(map[string]*session.Session),
		consoleIndex: make(map[string]string),
		limits:       limits,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go r.reapLoop(reaperInterval)
	return r
}

// Stop halts the reaper goroutine. Sessions are left open; callers should
// Close them individually first if a full shutdown is wanted.
func (r *Registry) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Registry) reapLoop(interval time.Duration) {
	defer close(r.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

func (r *Registry) reapOnce() {
	now := time.Now()
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	idleTimeout := time.Duration(r.limits.IdleTimeoutMs) * time.Millisecond
	r.mu.Unlock()

	r.ticks.Add(1)
	for _, s := range sessions {
		if clearedLock(s, now) {
			r.locksCleared.Add(1)
		}
		if idleTimeout > 0 && s.IdleFor(now) > idleTimeout {
			logrus.WithField("session_id", s.ID).Info("reaping idle session")
			_ = s.Close(false)
			r.remove(s.ID)
			r.sessionsReaped.Add(1)
		}
	}
}

// clearedLock is a package-level indirection so reapOnce doesn't reach
// into Session's unexported lock-clearing method directly from outside
// the session package; Session exposes it via a small exported wrapper.
func clearedLock(s *session.Session, now time.Time) bool {
	return s.ReapExpiredLock(now)
}

// OpenParams bundles ptyctl_session's open arguments the registry needs on
// top of session.OpenParams: the lock/console-uniqueness knobs.
type OpenParams struct {
	Connector   session.Connector
	Params      session.OpenParams
	SessionType string // "normal" | "console"
	DeviceID    string
	AcquireLock bool
	LockTTLMs   int
	TaskID      string
}

// OpenResult reports what Open actually did, including the
// existing-console-session short-circuit.
type OpenResult struct {
	Session           *session.Session
	ExistingSessionID string
	LockAcquired      bool
}

// Open creates or reuses a session: console sessions reuse the live
// session for their device_id if one exists; otherwise a new Session is
// constructed, subject to max_sessions, with an optional lock acquired
// atomically at creation.
func (r *Registry) Open(ctx context.Context, p OpenParams) (OpenResult, error) {
	if p.SessionType == "console" {
		if p.DeviceID == "" {
			return OpenResult{}, &session.Error{Code: session.ErrInvalidArgument, Message: "console sessions require device_id"}
		}
		r.mu.Lock()
		if existingID, ok := r.consoleIndex[p.DeviceID]; ok {
			existing := r.sessions[existingID]
			r.mu.Unlock()
			return OpenResult{Session: existing, ExistingSessionID: existingID, LockAcquired: false}, nil
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	if len(r.sessions) >= r.limits.MaxSessions {
		r.mu.Unlock()
		return OpenResult{}, &session.Error{Code: session.ErrInvalidArgument, Message: "max_sessions limit reached"}
	}
	r.mu.Unlock()

	id := uuid.NewString()
	sess, err := session.Open(ctx, id, p.Connector, p.Params, orNormal(p.SessionType), p.DeviceID, r.limits.OutputBufferMaxBytes)
	if err != nil {
		return OpenResult{}, err
	}

	r.mu.Lock()
	r.sessions[id] = sess
	if p.SessionType == "console" {
		r.consoleIndex[p.DeviceID] = id
	}
	r.mu.Unlock()

	result := OpenResult{Session: sess}
	if p.AcquireLock {
		if _, lockErr := sess.Lock(p.TaskID, p.LockTTLMs); lockErr != nil {
			return result, lockErr
		}
		result.LockAcquired = true
	}
	return result, nil
}

func orNormal(t string) string {
	if t == "" {
		return "normal"
	}
	return t
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, &session.Error{Code: session.ErrNotFound, Message: fmt.Sprintf("session %q not found", id)}
	}
	return s, nil
}

// Close removes a session from both maps and closes it.
func (r *Registry) Close(id string, force bool) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	closeErr := s.Close(force)
	r.remove(id)
	return closeErr
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if s.DeviceID != "" {
		if r.consoleIndex[s.DeviceID] == id {
			delete(r.consoleIndex, s.DeviceID)
		}
	}
}

// List returns a snapshot of every live session.
func (r *Registry) List() []session.Snapshot {
	r.mu.Lock()
	ids := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		ids = append(ids, s)
	}
	r.mu.Unlock()

	out := make([]session.Snapshot, 0, len(ids))
	for _, s := range ids {
		out = append(out, s.Snapshot())
	}
	return out
}

// Stats returns the reaper's cumulative counters for /health.
func (r *Registry) Stats() ReaperStats {
	return ReaperStats{
		Ticks:          r.ticks.Load(),
		LocksCleared:   r.locksCleared.Load(),
		SessionsReaped: r.sessionsReaped.Load(),
	}
}

// Count reports the number of live sessions, used by callers that want to
// report capacity without taking a full List snapshot.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
