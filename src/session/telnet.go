package session

import (
	"sync"
)

// Telnet protocol bytes (RFC 854).
const (
	telIAC  byte = 255
	telDONT byte = 254
	telDO   byte = 253
	telWONT byte = 252
	telWILL byte = 251
	telSB   byte = 250
	telSE   byte = 240

	OptBinary   byte = 0
	OptEcho     byte = 1
	OptSGA      byte = 3
	OptTermType byte = 24
	OptNAWS     byte = 31

	termTypeIs   byte = 0
	termTypeSend byte = 1
)

// codecState is the incremental parser state. stSBOption holds the one byte
// of look-ahead between seeing SB and knowing which option the
// subnegotiation is for.
type codecState int

const (
	stData codecState = iota
	stAfterIAC
	stAfterCmd
	stSBOption
	stInSubneg
	stInSubnegAfterIAC
)

// negState is one leg of the RFC 1143 Q-method: NO means the option is off
// and nothing is pending, WANT means we've sent a request and are waiting
// for the peer's answer, YES means the option is active.
type negState int

const (
	negNo negState = iota
	negWant
	negYes
)

type optionState struct {
	us, him negState
}

// NegotiationEvent is emitted whenever the peer's WILL/WONT/DO/DONT causes
// us to send a reply, so callers of Feed can log or assert on negotiation
// progress without re-parsing the wire. The Telnet connector discards them.
type NegotiationEvent struct {
	Option byte
	Peer   byte // telWILL/telWONT/telDO/telDONT as received
	Reply  []byte
}

// SubnegotiationEvent carries a completed SB ... SE payload.
type SubnegotiationEvent struct {
	Option byte
	Data   []byte
}

// optionPolicy describes, per option, whether we accept being "us" (the
// side the option governs locally) or "him" (the peer's side).
type optionPolicy struct {
	acceptUs  bool
	acceptHim bool
}

var defaultPolicy = map[byte]optionPolicy{
	OptBinary:   {acceptUs: true, acceptHim: true},
	OptEcho:     {acceptUs: false, acceptHim: true},
	OptSGA:      {acceptUs: true, acceptHim: true},
	OptTermType: {acceptUs: true, acceptHim: false},
	OptNAWS:     {acceptUs: true, acceptHim: false},
}

func policyFor(opt byte) optionPolicy {
	if p, ok := defaultPolicy[opt]; ok {
		return p
	}
	return optionPolicy{acceptUs: false, acceptHim: false}
}

// TelnetCodec is an incremental Telnet protocol parser/encoder. It
// separates NVT data bytes (which the session pump appends to the ring
// buffer) from IAC control sequences (which drive the RFC 1143 negotiation
// state machine below). Feed, Resize and RequestOption serialize on an
// internal mutex; in the Telnet connector the session pump is Feed's only
// caller.
type TelnetCodec struct {
	mu sync.Mutex

	state    codecState
	cmd      byte
	sbOption byte
	sbBuf    []byte

	options map[byte]*optionState

	term string
	cols uint16
	rows uint16

	// write is how the codec sends negotiation replies and subnegotiation
	// frames back to the peer; set to the connector's raw socket writer.
	write func([]byte) (int, error)
}

// NewTelnetCodec creates a codec that writes negotiation replies via write
// and reports the given terminal type in TTYPE subnegotiations.
func NewTelnetCodec(term string, cols, rows uint16, write func([]byte) (int, error)) *TelnetCodec {
	return &TelnetCodec{
		state:   stData,
		options: make(map[byte]*optionState),
		term:    term,
		cols:    cols,
		rows:    rows,
		write:   write,
	}
}

func (c *TelnetCodec) optionFor(opt byte) *optionState {
	st, ok := c.options[opt]
	if !ok {
		st = &optionState{}
		c.options[opt] = st
	}
	return st
}

// Feed processes an incremental chunk of raw socket bytes, returning the NVT
// data bytes extracted from it (the only bytes the session pump may append
// to the ring buffer), plus any negotiation/subnegotiation events raised
// along the way. IAC bytes and negotiation traffic never reach nvt.
func (c *TelnetCodec) Feed(raw []byte) (nvt []byte, negotiations []NegotiationEvent, subnegs []SubnegotiationEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range raw {
		switch c.state {
		case stData:
			if b == telIAC {
				c.state = stAfterIAC
			} else {
				nvt = append(nvt, b)
			}

		case stAfterIAC:
			switch {
			case b == telIAC:
				nvt = append(nvt, telIAC)
				c.state = stData
			case b == telWILL || b == telWONT || b == telDO || b == telDONT:
				c.cmd = b
				c.state = stAfterCmd
			case b == telSB:
				c.state = stSBOption
			default:
				// Other single-byte commands (NOP, BRK, AYT, ...): consumed.
				c.state = stData
			}

		case stAfterCmd:
			if ev, ok := c.handlePeerCommand(c.cmd, b); ok {
				negotiations = append(negotiations, ev)
			}
			c.state = stData

		case stSBOption:
			c.sbOption = b
			c.sbBuf = c.sbBuf[:0]
			c.state = stInSubneg

		case stInSubneg:
			if b == telIAC {
				c.state = stInSubnegAfterIAC
			} else {
				c.sbBuf = append(c.sbBuf, b)
			}

		case stInSubnegAfterIAC:
			switch b {
			case telIAC:
				c.sbBuf = append(c.sbBuf, telIAC)
				c.state = stInSubneg
			case telSE:
				subnegs = append(subnegs, c.handleSubnegotiation())
				c.state = stData
			default:
				// Unexpected; treat as end of subnegotiation.
				c.state = stData
			}
		}
	}
	return nvt, negotiations, subnegs
}

// handlePeerCommand applies the RFC 1143 Q-method transition table for a
// peer WILL/WONT/DO/DONT and returns the reply to send, if any.
func (c *TelnetCodec) handlePeerCommand(cmd, opt byte) (NegotiationEvent, bool) {
	pol := policyFor(opt)
	st := c.optionFor(opt)

	var reply []byte
	switch cmd {
	case telDO: // peer asks us to enable `opt` on our side (us)
		switch st.us {
		case negNo:
			if pol.acceptUs {
				st.us = negYes
				reply = []byte{telIAC, telWILL, opt}
			} else {
				reply = []byte{telIAC, telWONT, opt}
			}
		case negWant:
			st.us = negYes
		case negYes:
			// Already on; RFC 1143 says do not re-ack.
		}
		if st.us == negYes && opt == OptNAWS {
			reply = append(reply, c.nawsFrame()...)
		}

	case telDONT: // peer insists `opt` be disabled on our side
		switch st.us {
		case negYes, negWant:
			st.us = negNo
			reply = []byte{telIAC, telWONT, opt}
		case negNo:
		}

	case telWILL: // peer offers to enable `opt` on its side (him)
		switch st.him {
		case negNo:
			if pol.acceptHim {
				st.him = negYes
				reply = []byte{telIAC, telDO, opt}
			} else {
				reply = []byte{telIAC, telDONT, opt}
			}
		case negWant:
			st.him = negYes
		case negYes:
		}

	case telWONT: // peer refuses/disables `opt` on its side
		switch st.him {
		case negYes, negWant:
			st.him = negNo
			reply = []byte{telIAC, telDONT, opt}
		case negNo:
		}
	}

	if reply == nil {
		return NegotiationEvent{}, false
	}
	if c.write != nil {
		_, _ = c.write(reply)
	}
	return NegotiationEvent{Option: opt, Peer: cmd, Reply: reply}, true
}

func (c *TelnetCodec) handleSubnegotiation() SubnegotiationEvent {
	opt := c.sbOption
	data := make([]byte, len(c.sbBuf))
	copy(data, c.sbBuf)

	if opt == OptTermType && len(data) >= 1 && data[0] == termTypeSend {
		reply := []byte{telIAC, telSB, OptTermType, termTypeIs}
		reply = append(reply, escapeIAC([]byte(c.term))...)
		reply = append(reply, telIAC, telSE)
		if c.write != nil {
			_, _ = c.write(reply)
		}
	}

	return SubnegotiationEvent{Option: opt, Data: data}
}

// Resize updates the cached window size and, if NAWS is currently active,
// sends a fresh NAWS subnegotiation immediately.
func (c *TelnetCodec) Resize(cols, rows uint16) {
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	active := c.options[OptNAWS] != nil && c.options[OptNAWS].us == negYes
	var frame []byte
	if active {
		frame = c.nawsFrame()
	}
	c.mu.Unlock()
	if active && c.write != nil {
		_, _ = c.write(frame)
	}
}

// nawsFrame builds IAC SB NAWS w_hi w_lo h_hi h_lo IAC SE for the codec's
// current cached size. Caller must hold c.mu.
func (c *TelnetCodec) nawsFrame() []byte {
	return []byte{telIAC, telSB, OptNAWS,
		byte(c.cols >> 8), byte(c.cols & 0xff),
		byte(c.rows >> 8), byte(c.rows & 0xff),
		telIAC, telSE,
	}
}

// RequestOption begins our side of a negotiation by sending WILL/DO for
// opt (used at connector-open time to kick off BINARY/SGA/NAWS/TTYPE
// instead of waiting for the peer to ask first).
func (c *TelnetCodec) RequestOption(opt byte, asUs bool) {
	c.mu.Lock()
	st := c.optionFor(opt)
	var out []byte
	if asUs {
		if st.us == negNo {
			st.us = negWant
			out = []byte{telIAC, telWILL, opt}
		}
	} else {
		if st.him == negNo {
			st.him = negWant
			out = []byte{telIAC, telDO, opt}
		}
	}
	c.mu.Unlock()
	if out != nil && c.write != nil {
		_, _ = c.write(out)
	}
}

// escapeIAC doubles any 0xFF byte in a subnegotiation payload.
func escapeIAC(p []byte) []byte {
	out := make([]byte, 0, len(p))
	for _, b := range p {
		if b == telIAC {
			out = append(out, telIAC, telIAC)
		} else {
			out = append(out, b)
		}
	}
	return out
}
