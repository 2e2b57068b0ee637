package session

import (
	"bytes"
	"testing"
	"time"
)

func TestRunExpectUntilRegexIncludeMatch(t *testing.T) {
	rb := NewRingBuffer(4096)
	rb.Append([]byte("login ok\nserver$ "))

	out := RunExpect(rb, ReadParams{
		Cursor:       0,
		TimeoutMs:    2000,
		UntilRegex:   `\$ `,
		IncludeMatch: true,
	})
	if !out.Matched {
		t.Fatal("expected Matched=true")
	}
	if string(out.Chunk) != "login ok\nserver$ " {
		t.Errorf("chunk = %q, want full window including match", out.Chunk)
	}
	if out.NextCursor != int64(len("login ok\nserver$ ")) {
		t.Errorf("NextCursor = %d, want %d", out.NextCursor, len("login ok\nserver$ "))
	}
}

func TestRunExpectUntilRegexExcludeMatchRewindsCursor(t *testing.T) {
	rb := NewRingBuffer(4096)
	rb.Append([]byte("hello$ "))

	out := RunExpect(rb, ReadParams{
		Cursor:       0,
		TimeoutMs:    2000,
		UntilRegex:   `\$ `,
		IncludeMatch: false,
	})
	if !out.Matched {
		t.Fatal("expected Matched=true")
	}
	if string(out.Chunk) != "hello" {
		t.Errorf("chunk = %q, want %q", out.Chunk, "hello")
	}
	// The cursor must rewind to just before the match, so a follow-up read
	// starting at NextCursor sees the matched bytes again.
	if out.NextCursor != 5 {
		t.Errorf("NextCursor = %d, want 5", out.NextCursor)
	}
	res := rb.ReadFrom(out.NextCursor, 0, time.Time{})
	if string(res.Bytes) != "$ " {
		t.Errorf("follow-up read = %q, want %q", res.Bytes, "$ ")
	}
}

func TestRunExpectMatchAcrossAppends(t *testing.T) {
	rb := NewRingBuffer(4096)

	done := make(chan ReadOutcome, 1)
	go func() {
		done <- RunExpect(rb, ReadParams{
			Cursor:       0,
			TimeoutMs:    2000,
			UntilRegex:   `PROMPT>`,
			IncludeMatch: true,
		})
	}()

	rb.Append([]byte("partial PRO"))
	time.Sleep(20 * time.Millisecond)
	rb.Append([]byte("MPT> done"))

	select {
	case out := <-done:
		if !out.Matched {
			t.Fatal("expected a match spanning two appends")
		}
		if !bytes.Contains(out.Chunk, []byte("PROMPT>")) {
			t.Errorf("chunk = %q, want it to contain the full marker", out.Chunk)
		}
	case <-time.After(time.Second):
		t.Fatal("RunExpect did not return after the match arrived")
	}
}

func TestRunExpectIdleReached(t *testing.T) {
	rb := NewRingBuffer(4096)
	rb.Append([]byte("burst"))

	start := time.Now()
	out := RunExpect(rb, ReadParams{
		Cursor:      0,
		TimeoutMs:   5000,
		UntilIdleMs: 100,
	})
	if !out.IdleReached {
		t.Fatalf("expected IdleReached=true, got %+v", out)
	}
	if out.TimedOut {
		t.Error("idle return must not also report timeout")
	}
	if string(out.Chunk) != "burst" {
		t.Errorf("chunk = %q, want %q", out.Chunk, "burst")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("idle return took %v, expected well under the 5s deadline", elapsed)
	}
}

func TestRunExpectTimeout(t *testing.T) {
	rb := NewRingBuffer(4096)

	out := RunExpect(rb, ReadParams{
		Cursor:    0,
		TimeoutMs: 100,
	})
	if !out.TimedOut {
		t.Fatalf("expected TimedOut=true, got %+v", out)
	}
	if len(out.Chunk) != 0 {
		t.Errorf("chunk = %q, want empty", out.Chunk)
	}
	if out.NextCursor != 0 {
		t.Errorf("NextCursor = %d, want unchanged 0", out.NextCursor)
	}
}

func TestRunExpectSizeCap(t *testing.T) {
	rb := NewRingBuffer(4096)
	rb.Append(bytes.Repeat([]byte("x"), 64))

	out := RunExpect(rb, ReadParams{
		Cursor:    0,
		TimeoutMs: 2000,
		MaxBytes:  16,
	})
	if !out.SizeCapReached {
		t.Fatalf("expected SizeCapReached=true, got %+v", out)
	}
	if len(out.Chunk) != 16 {
		t.Errorf("len(chunk) = %d, want 16", len(out.Chunk))
	}
	if out.NextCursor != 16 {
		t.Errorf("NextCursor = %d, want 16", out.NextCursor)
	}
}

func TestRunExpectIdleClampedToTimeout(t *testing.T) {
	rb := NewRingBuffer(4096)

	start := time.Now()
	out := RunExpect(rb, ReadParams{
		Cursor:      0,
		TimeoutMs:   100,
		UntilIdleMs: 60000, // longer than the timeout; must be clamped
	})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("returned after %v; idle window was not clamped to the deadline", elapsed)
	}
	if !out.IdleReached && !out.TimedOut {
		t.Errorf("expected idle or timeout, got %+v", out)
	}
}

func TestRunExpectTruncatedOnOverflow(t *testing.T) {
	rb := NewRingBuffer(16)
	rb.Append(bytes.Repeat([]byte("a"), 64)) // start cursor advances to 48

	out := RunExpect(rb, ReadParams{
		Cursor:    0,
		TimeoutMs: 1000,
	})
	if !out.Truncated {
		t.Fatalf("expected Truncated=true for overrun cursor, got %+v", out)
	}
	if out.DroppedBytes != 48 {
		t.Errorf("DroppedBytes = %d, want 48", out.DroppedBytes)
	}
}

func TestRunExpectWaitingForInput(t *testing.T) {
	rb := NewRingBuffer(4096)
	rb.Append([]byte("Password: "))

	out := RunExpect(rb, ReadParams{
		Cursor:         0,
		TimeoutMs:      2000,
		UntilRegex:     `: $`,
		IncludeMatch:   true,
		WaitForRegexes: []string{`(?i)password`},
	})
	if !out.Matched {
		t.Fatal("expected Matched=true")
	}
	if !out.WaitingForInput {
		t.Error("expected WaitingForInput=true for a password prompt")
	}
}

func TestRunExpectBase64OnInvalidUTF8(t *testing.T) {
	rb := NewRingBuffer(4096)
	rb.Append([]byte{0xff, 0xfe, 0x01})

	out := RunExpect(rb, ReadParams{
		Cursor:      0,
		TimeoutMs:   2000,
		UntilIdleMs: 50,
	})
	if out.Encoding != "base64" {
		t.Errorf("Encoding = %q, want base64 for undecodable bytes", out.Encoding)
	}
}

func TestValidatePatterns(t *testing.T) {
	if err := ValidatePatterns("", `\$ $`, `(?i)error`); err != nil {
		t.Errorf("valid patterns rejected: %v", err)
	}

	err := ValidatePatterns(`[unclosed`)
	if err == nil {
		t.Fatal("expected an error for an uncompilable pattern")
	}
	serr, ok := err.(*Error)
	if !ok || serr.Code != ErrInvalidArgument {
		t.Errorf("error = %v, want *Error with INVALID_ARGUMENT", err)
	}
}
