package session

import (
	"context"
	"fmt"
	"net"
	"time"
)

const telnetSecurityWarning = "telnet transmits all session data, including credentials, in cleartext"

// TelnetConnector opens a raw TCP connection and filters it through a
// TelnetCodec so that only NVT data reaches the session pump; IAC frames
// are consumed by the codec's own RFC 1143 negotiation, which writes its
// replies back on the same socket.
type TelnetConnector struct{}

// telnetHandle adapts a net.Conn plus its TelnetCodec to the Handle
// interface. Read drains the codec's NVT output, feeding the codec with
// fresh socket bytes as needed; Write passes straight through (the codec
// only needs to see inbound bytes, since it never injects NVT data itself).
type telnetHandle struct {
	conn  net.Conn
	codec *TelnetCodec

	pending []byte
}

func (h *telnetHandle) Read(p []byte) (int, error) {
	for len(h.pending) == 0 {
		buf := make([]byte, 4096)
		n, err := h.conn.Read(buf)
		if n > 0 {
			nvt, _, _ := h.codec.Feed(buf[:n])
			h.pending = append(h.pending, nvt...)
		}
		if err != nil {
			if len(h.pending) > 0 {
				break
			}
			return 0, err
		}
	}
	n := copy(p, h.pending)
	h.pending = h.pending[n:]
	return n, nil
}

func (h *telnetHandle) Write(p []byte) (int, error) {
	return h.conn.Write(p)
}

func (h *telnetHandle) Resize(cols, rows uint16) error {
	h.codec.Resize(cols, rows)
	return nil
}

func (h *telnetHandle) Close(force bool) error {
	return h.conn.Close()
}

// Open dials host:port and negotiates BINARY/SGA/TTYPE/NAWS proactively
// (rather than waiting for the peer to ask), so a peer that never sends
// DO NAWS still gets a usable terminal type advertised.
func (c *TelnetConnector) Open(ctx context.Context, p OpenParams) (OpenResult, error) {
	port := p.Port
	if port == 0 {
		port = 23
	}
	addr := fmt.Sprintf("%s:%d", p.Host, port)

	dialer := net.Dialer{}
	if p.ConnectTimeoutMs > 0 {
		dialer.Timeout = time.Duration(p.ConnectTimeoutMs) * time.Millisecond
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return OpenResult{}, fmt.Errorf("telnet connector: dial %s: %w", addr, err)
	}

	cols, rows := p.Cols, p.Rows
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 40
	}
	term := orDefault(p.Term, "xterm-256color")

	codec := NewTelnetCodec(term, cols, rows, conn.Write)
	codec.RequestOption(OptBinary, true)
	codec.RequestOption(OptSGA, true)
	codec.RequestOption(OptTermType, true)
	codec.RequestOption(OptNAWS, true)

	return OpenResult{
		Handle:           &telnetHandle{conn: conn, codec: codec},
		SecurityWarning:  telnetSecurityWarning,
		PTYEnabled:       p.PTYEnabled,
		SupportsResize:   true,
		SupportsExitCode: "best_effort",
	}, nil
}
