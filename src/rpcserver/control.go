// Package rpcserver implements the operator-facing control socket. The
// primary MCP tool surface is served over stdio and HTTP by src/mcp; this
// socket is a narrower, read-only sibling meant for shell scripts and
// health probes that shouldn't need a full MCP client.
//
// Framing is newline-delimited JSON-RPC 2.0: one request or one response
// per line, no embedded newlines in a frame.
package rpcserver

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/nfshanq/ptyctl/src/registry"
	"github.com/nfshanq/ptyctl/src/session"
)

// json is jsoniter's drop-in encoding/json replacement, used for this
// socket's request/response framing.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

type rpcRequest struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      jsoniter.RawMessage `json:"id"`
	Method  string              `json:"method"`
	Params  jsoniter.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      jsoniter.RawMessage `json:"id"`
	Result  any                 `json:"result,omitempty"`
	Error   *rpcError           `json:"error,omitempty"`
}

// allowedMethods is the restricted surface reachable over the control
// socket: session enumeration and read-only output draining. Anything that
// writes to a session (io write, exec, lock, resize) is out of scope here;
// those require the full MCP tool surface so a task_id and intent are on
// record.
var allowedMethods = map[string]bool{
	"list":       true,
	"session_io": true,
}

// ControlServer listens on a Unix domain socket and answers the restricted
// method set above for any connected peer. One connection is handled at a
// time per accept loop goroutine; concurrent connections are independent.
type ControlServer struct {
	registry *registry.Registry
	listener net.Listener
	path     string
	wg       sync.WaitGroup
}

// SocketPath resolves the control socket location: XDG_RUNTIME_DIR,
// then /run/user/<uid>, then /tmp as a last resort.
func SocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "ptyctl.sock")
	}
	if uid := os.Getuid(); uid >= 0 {
		candidate := fmt.Sprintf("/run/user/%d/ptyctl.sock", uid)
		if info, err := os.Stat(filepath.Dir(candidate)); err == nil && info.IsDir() {
			return candidate
		}
	}
	return fmt.Sprintf("/tmp/ptyctl-%d.sock", os.Getuid())
}

// NewControlServer binds the socket at path (removing a stale one first) and
// returns a server ready for Serve.
func NewControlServer(reg *registry.Registry, path string) (*ControlServer, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("clearing stale control socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on control socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("restricting control socket permissions: %w", err)
	}
	return &ControlServer{registry: reg, listener: ln, path: path}, nil
}

// Serve accepts connections until the listener is closed (by Stop).
func (c *ControlServer) Serve() error {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleConn(conn)
		}()
	}
}

// Stop closes the listener and waits for in-flight connections to finish.
func (c *ControlServer) Stop() error {
	err := c.listener.Close()
	c.wg.Wait()
	os.Remove(c.path)
	return err
}

func (c *ControlServer) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := c.dispatch(line)
		if err := enc.Encode(resp); err != nil {
			logrus.WithError(err).Warn("control socket: failed writing response")
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logrus.WithError(err).Debug("control socket: connection read error")
	}
}

func (c *ControlServer) dispatch(line []byte) rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}}
	}
	if !allowedMethods[req.Method] {
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{
			Code:    -32601,
			Message: fmt.Sprintf("method %q is not available on the control socket", req.Method),
		}}
	}

	var (
		result any
		rerr   *session.Error
	)
	switch req.Method {
	case "list":
		result = c.list()
	case "session_io":
		result, rerr = c.sessionIORead(req.Params)
	}
	if rerr != nil {
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{
			Code:    -32000,
			Message: rerr.Message,
			Data:    map[string]any{"error_code": string(rerr.Code)},
		}}
	}
	return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (c *ControlServer) list() any {
	snaps := c.registry.List()
	out := make([]map[string]any, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, map[string]any{
			"session_id":       s.ID,
			"protocol":         s.Protocol,
			"kind":             s.Kind,
			"device_id":        s.DeviceID,
			"state":            s.State,
			"lock_held":        s.LockHeld,
			"last_activity_at": s.LastActivityAt,
		})
	}
	return map[string]any{"sessions": out}
}

type sessionIOParams struct {
	SessionID    string `json:"session_id"`
	Cursor       int64  `json:"cursor"`
	TimeoutMs    int    `json:"timeout_ms"`
	MaxBytes     int    `json:"max_bytes"`
	Mode         string `json:"mode"`
	TailMaxBytes int    `json:"tail_max_bytes"`
	TailMaxLines int    `json:"tail_max_lines"`
}

// sessionIORead is the control socket's only session-scoped method: a
// read-only drain, never a write, lock, exec, or resize. This is what keeps
// the socket safe to leave world-discoverable at a well-known path.
func (c *ControlServer) sessionIORead(raw jsoniter.RawMessage) (any, *session.Error) {
	var p sessionIOParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &session.Error{Code: session.ErrInvalidArgument, Message: "invalid params"}
	}
	sess, err := c.registry.Get(p.SessionID)
	if err != nil {
		if se, ok := err.(*session.Error); ok {
			return nil, se
		}
		return nil, &session.Error{Code: session.ErrNotFound, Message: err.Error()}
	}

	req := session.ReadRequest{Mode: p.Mode}
	if req.Mode == "" {
		req.Mode = "cursor"
	}
	if req.Mode == "tail" {
		req.TailMaxBytes = p.TailMaxBytes
		req.TailMaxLines = p.TailMaxLines
	} else {
		req.Cursor = p.Cursor
		req.TimeoutMs = p.TimeoutMs
		if req.TimeoutMs == 0 {
			req.TimeoutMs = 5000
		}
		req.MaxBytes = p.MaxBytes
	}

	outcome, err := sess.Read(req)
	if err != nil {
		if se, ok := err.(*session.Error); ok {
			return nil, se
		}
		return nil, &session.Error{Code: session.ErrIOError, Message: err.Error()}
	}
	return map[string]any{
		"data":        string(outcome.Chunk),
		"next_cursor": outcome.NextCursor,
		"timed_out":   outcome.TimedOut,
		"truncated":   outcome.Truncated,
	}, nil
}
