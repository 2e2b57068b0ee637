package session

import (
	"sync"
	"time"
)

// ringMaxWait bounds how long read_from's condition-variable wait loop sleeps
// between checks; deadlines shorter than this are honored exactly via timers.
const ringMaxWait = 50 * time.Millisecond

// ReadResult is the outcome of a RingBuffer.ReadFrom call.
type ReadResult struct {
	Bytes             []byte
	NextCursor        int64
	Truncated         bool
	DroppedBytes      int64
	BufferStartCursor int64
	BufferEndCursor   int64
	TimedOut          bool
}

// RingBuffer is a bounded, append-only byte log addressable by opaque
// monotonic cursors. A single pump goroutine appends; any number of
// goroutines may read concurrently. Overflow drops the oldest bytes rather
// than blocking the writer, per the back-pressure model in the session
// engine design: the pump must never stall on a slow reader.
type RingBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	data  []byte
	start int64 // start_cursor: offset of data[0]
	end   int64 // end_cursor: offset one past the newest byte

	maxBytes          int
	droppedBytesTotal int64
}

// NewRingBuffer creates a ring buffer bounded to maxBytes of retained data.
func NewRingBuffer(maxBytes int) *RingBuffer {
	if maxBytes <= 0 {
		maxBytes = 1
	}
	rb := &RingBuffer{maxBytes: maxBytes}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Append adds bytes to the buffer, advancing end_cursor. If the result would
// exceed maxBytes, the oldest overflow bytes are dropped and start_cursor
// advances by the same amount. Wakes any blocked readers.
func (rb *RingBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	rb.mu.Lock()
	rb.data = append(rb.data, p...)
	rb.end += int64(len(p))
	if over := len(rb.data) - rb.maxBytes; over > 0 {
		rb.data = rb.data[over:]
		rb.start += int64(over)
		rb.droppedBytesTotal += int64(over)
	}
	rb.mu.Unlock()
	rb.cond.Broadcast()
}

// Cursors returns the current start and end cursors.
func (rb *RingBuffer) Cursors() (start, end int64) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.start, rb.end
}

// DroppedBytesTotal returns the cumulative number of bytes this buffer has
// ever discarded due to overflow.
func (rb *RingBuffer) DroppedBytesTotal() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.droppedBytesTotal
}

// ReadFrom implements the three-way cursor semantics from the ring-buffer
// design: a cursor behind start_cursor yields a truncated catch-up read, a
// cursor inside the retained window returns immediately, and a cursor at
// end_cursor blocks (bounded by deadline) for new bytes.
func (rb *RingBuffer) ReadFrom(cursor int64, maxBytes int, deadline time.Time) ReadResult {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if maxBytes <= 0 {
		maxBytes = rb.maxBytes
	}
	// A cursor past the end (possible only if a caller fabricated one) is
	// clamped to the newest position rather than rejected.
	if cursor > rb.end {
		cursor = rb.end
	}

	for cursor >= rb.start && cursor == rb.end {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return ReadResult{
				NextCursor:        cursor,
				BufferStartCursor: rb.start,
				BufferEndCursor:   rb.end,
				TimedOut:          true,
			}
		}
		waitFor := ringMaxWait
		if !deadline.IsZero() {
			if remaining := time.Until(deadline); remaining < waitFor {
				waitFor = remaining
			}
		}
		rb.waitBriefly(waitFor)
		if !deadline.IsZero() && !time.Now().Before(deadline) && cursor == rb.end {
			return ReadResult{
				NextCursor:        cursor,
				BufferStartCursor: rb.start,
				BufferEndCursor:   rb.end,
				TimedOut:          true,
			}
		}
	}

	// An overrun cursor (the pump overflowed past it, possibly while this
	// reader was waiting) yields a truncated catch-up read from start_cursor.
	if cursor < rb.start {
		dropped := rb.start - cursor
		avail := rb.data
		if len(avail) > maxBytes {
			avail = avail[:maxBytes]
		}
		out := make([]byte, len(avail))
		copy(out, avail)
		return ReadResult{
			Bytes:             out,
			NextCursor:        rb.start + int64(len(out)),
			Truncated:         true,
			DroppedBytes:      dropped,
			BufferStartCursor: rb.start,
			BufferEndCursor:   rb.end,
		}
	}

	offset := int(cursor - rb.start)
	avail := rb.data[offset:]
	if len(avail) > maxBytes {
		avail = avail[:maxBytes]
	}
	out := make([]byte, len(avail))
	copy(out, avail)
	return ReadResult{
		Bytes:             out,
		NextCursor:        cursor + int64(len(out)),
		BufferStartCursor: rb.start,
		BufferEndCursor:   rb.end,
	}
}

// waitBriefly releases the lock and sleeps up to d on the condition
// variable, using a timer goroutine to guarantee the cond wakes even with
// no further appends, so ReadFrom's deadline is always honored.
func (rb *RingBuffer) waitBriefly(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, func() {
		rb.cond.Broadcast()
	})
	rb.cond.Wait()
	timer.Stop()
}

// Tail returns the last min(maxBytes, length) bytes. If maxLines is
// positive, the result is further trimmed to at most the last maxLines
// newline-delimited segments, best effort.
func (rb *RingBuffer) Tail(maxBytes int, maxLines int) []byte {
	rb.mu.Lock()
	data := make([]byte, len(rb.data))
	copy(data, rb.data)
	rb.mu.Unlock()

	if maxBytes > 0 && len(data) > maxBytes {
		data = data[len(data)-maxBytes:]
	}
	if maxLines > 0 {
		data = trimToLastLines(data, maxLines)
	}
	return data
}

func trimToLastLines(data []byte, maxLines int) []byte {
	lines := 0
	for i := len(data) - 1; i >= 0; i-- {
		if data[i] == '\n' {
			lines++
			if lines > maxLines {
				return data[i+1:]
			}
		}
	}
	return data
}
