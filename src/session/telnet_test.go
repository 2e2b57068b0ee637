package session

import (
	"bytes"
	"testing"
)

func newTestCodec() (*TelnetCodec, *bytes.Buffer) {
	var out bytes.Buffer
	c := NewTelnetCodec("xterm-256color", 80, 24, func(p []byte) (int, error) {
		return out.Write(p)
	})
	return c, &out
}

func TestTelnetCodecStripsDataFromControl(t *testing.T) {
	c, _ := newTestCodec()
	raw := []byte("hello")
	raw = append(raw, telIAC, telWILL, OptSGA)
	raw = append(raw, []byte(" world")...)

	nvt, negs, _ := c.Feed(raw)
	if string(nvt) != "hello world" {
		t.Errorf("nvt = %q, want %q", nvt, "hello world")
	}
	if len(negs) != 1 || negs[0].Option != OptSGA || negs[0].Peer != telWILL {
		t.Errorf("unexpected negotiations: %+v", negs)
	}
}

func TestTelnetCodecEscapedIACInData(t *testing.T) {
	c, _ := newTestCodec()
	raw := []byte{'a', telIAC, telIAC, 'b'}
	nvt, _, _ := c.Feed(raw)
	if !bytes.Equal(nvt, []byte{'a', telIAC, 'b'}) {
		t.Errorf("nvt = %v, want %v", nvt, []byte{'a', telIAC, 'b'})
	}
}

func TestTelnetCodecRefusesEchoFromUs(t *testing.T) {
	c, out := newTestCodec()
	// Peer asks us (DO) to enable ECHO locally; our policy refuses.
	c.Feed([]byte{telIAC, telDO, OptEcho})
	want := []byte{telIAC, telWONT, OptEcho}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("reply = %v, want %v", out.Bytes(), want)
	}
}

func TestTelnetCodecAcceptsSGABothWays(t *testing.T) {
	c, out := newTestCodec()
	c.Feed([]byte{telIAC, telDO, OptSGA})
	want := []byte{telIAC, telWILL, OptSGA}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("reply = %v, want %v", out.Bytes(), want)
	}

	out.Reset()
	c.Feed([]byte{telIAC, telWILL, OptSGA})
	want = []byte{telIAC, telDO, OptSGA}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("reply = %v, want %v", out.Bytes(), want)
	}
}

func TestTelnetCodecRFC1143NoReackWhenAlreadyYes(t *testing.T) {
	c, out := newTestCodec()
	c.Feed([]byte{telIAC, telDO, OptSGA}) // us: NO -> YES, replies WILL
	out.Reset()
	c.Feed([]byte{telIAC, telDO, OptSGA}) // us: already YES, must not re-reply
	if out.Len() != 0 {
		t.Errorf("expected no reply on redundant DO, got %v", out.Bytes())
	}
}

func TestTelnetCodecRequestOptionThenPeerConfirms(t *testing.T) {
	c, out := newTestCodec()
	c.RequestOption(OptNAWS, true) // us: NO -> WANT, sends WILL
	want := []byte{telIAC, telWILL, OptNAWS}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("reply = %v, want %v", out.Bytes(), want)
	}

	out.Reset()
	// Peer confirms with DO: us WANT -> YES, no redundant reply expected
	// other than the immediate NAWS frame the codec sends once active.
	c.Feed([]byte{telIAC, telDO, OptNAWS})
	if out.Len() == 0 {
		t.Fatalf("expected a NAWS frame to be sent once active")
	}
}

func TestTelnetCodecNAWSSubnegotiation(t *testing.T) {
	c, _ := newTestCodec()
	// Drive us into YES for NAWS first.
	c.Feed([]byte{telIAC, telDO, OptNAWS})

	raw := []byte{telIAC, telSB, OptNAWS, 0x00, 80, 0x00, 24, telIAC, telSE}
	_, _, subnegs := c.Feed(raw)
	if len(subnegs) != 1 {
		t.Fatalf("expected 1 subnegotiation, got %d", len(subnegs))
	}
	sn := subnegs[0]
	if sn.Option != OptNAWS {
		t.Errorf("option = %d, want %d", sn.Option, OptNAWS)
	}
	if !bytes.Equal(sn.Data, []byte{0x00, 80, 0x00, 24}) {
		t.Errorf("data = %v, want width/height bytes", sn.Data)
	}
}

func TestTelnetCodecTermTypeRespondsIS(t *testing.T) {
	c, out := newTestCodec()
	c.Feed([]byte{telIAC, telDO, OptTermType})
	out.Reset()

	raw := []byte{telIAC, telSB, OptTermType, termTypeSend, telIAC, telSE}
	c.Feed(raw)

	want := append([]byte{telIAC, telSB, OptTermType, termTypeIs}, []byte("xterm-256color")...)
	want = append(want, telIAC, telSE)
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("reply = %v, want %v", out.Bytes(), want)
	}
}

func TestTelnetCodecEscapedIACInsideSubnegotiation(t *testing.T) {
	c, _ := newTestCodec()
	c.Feed([]byte{telIAC, telDO, OptNAWS})

	raw := []byte{telIAC, telSB, OptNAWS, telIAC, telIAC, 0x00, 24, telIAC, telSE}
	_, _, subnegs := c.Feed(raw)
	if len(subnegs) != 1 {
		t.Fatalf("expected 1 subnegotiation, got %d", len(subnegs))
	}
	if !bytes.Equal(subnegs[0].Data, []byte{telIAC, 0x00, 24}) {
		t.Errorf("data = %v, want escaped IAC preserved as single byte", subnegs[0].Data)
	}
}

func TestTelnetCodecResizeSendsNAWSWhenActive(t *testing.T) {
	c, out := newTestCodec()
	c.Feed([]byte{telIAC, telDO, OptNAWS})
	out.Reset()

	c.Resize(132, 43)
	want := []byte{telIAC, telSB, OptNAWS, 0x00, 132, 0x00, 43, telIAC, telSE}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("frame = %v, want %v", out.Bytes(), want)
	}
}

func TestTelnetCodecResizeNoopWhenInactive(t *testing.T) {
	c, out := newTestCodec()
	c.Resize(100, 40)
	if out.Len() != 0 {
		t.Errorf("expected no frame when NAWS inactive, got %v", out.Bytes())
	}
}

func TestTelnetCodecSplitAcrossFeeds(t *testing.T) {
	c, _ := newTestCodec()
	nvt1, _, _ := c.Feed([]byte{'a', 'b', telIAC})
	nvt2, negs, _ := c.Feed([]byte{telWILL, OptSGA, 'c'})

	if string(nvt1) != "ab" {
		t.Errorf("nvt1 = %q, want %q", nvt1, "ab")
	}
	if string(nvt2) != "c" {
		t.Errorf("nvt2 = %q, want %q", nvt2, "c")
	}
	if len(negs) != 1 || negs[0].Option != OptSGA {
		t.Errorf("unexpected negotiations: %+v", negs)
	}
}
