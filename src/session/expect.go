package session

import (
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"
)

// ExpectConfig is the per-session {prompt_regex, pager_regexes, error_regexes}
// set via ptyctl_session_config's "expect" action and consulted by both the
// read loop below and the exec protocol in exec.go.
type ExpectConfig struct {
	PromptRegex  string
	PagerRegexes []string
	ErrorRegexes []string
}

// ReadParams bundles the knobs a cursor-mode read is driven by.
type ReadParams struct {
	Cursor         int64
	TimeoutMs      int
	MaxBytes       int
	UntilRegex     string
	IncludeMatch   bool
	UntilIdleMs    int
	WaitForRegexes []string
}

// ReadOutcome is the result of running the expect loop once.
type ReadOutcome struct {
	Chunk           []byte
	NextCursor      int64
	Matched         bool
	IdleReached     bool
	SizeCapReached  bool
	TimedOut        bool
	Truncated       bool
	DroppedBytes    int64
	WaitingForInput bool
	Encoding        string // "" or "base64"
}

// ValidatePatterns checks that every non-empty pattern compiles, so the
// tool dispatcher can reject a bad client regex with INVALID_ARGUMENT
// before RunExpect (which assumes pre-validated patterns) ever sees it.
func ValidatePatterns(pats ...string) error {
	for _, p := range pats {
		if p == "" {
			continue
		}
		if _, err := regexp.Compile(p); err != nil {
			return &Error{Code: ErrInvalidArgument, Message: fmt.Sprintf("invalid regex %q: %v", p, err)}
		}
	}
	return nil
}

// RunExpect drains rb starting at p.Cursor, testing predicates in priority
// order after every fetch: regex match, idle quiescence, size cap, deadline.
// It is the shared engine behind both cursor-mode read and the exec
// protocol's wait-for-marker loop (exec.go builds its own ReadParams with
// UntilRegex set to the marker pattern).
func RunExpect(rb *RingBuffer, p ReadParams) ReadOutcome {
	maxBytes := p.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}

	untilIdle := p.UntilIdleMs
	if p.TimeoutMs > 0 && untilIdle > p.TimeoutMs {
		untilIdle = p.TimeoutMs
	}

	var re *regexp.Regexp
	if p.UntilRegex != "" {
		re = regexp.MustCompile(p.UntilRegex)
	}
	waiters := make([]*regexp.Regexp, 0, len(p.WaitForRegexes))
	for _, pat := range p.WaitForRegexes {
		waiters = append(waiters, regexp.MustCompile(pat))
	}

	deadline := time.Time{}
	if p.TimeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(p.TimeoutMs) * time.Millisecond)
	}

	var window []byte
	cursor := p.Cursor
	lastAppend := time.Now()

	for {
		pollDeadline := deadline
		if untilIdle > 0 {
			idleDeadline := lastAppend.Add(time.Duration(untilIdle) * time.Millisecond)
			if pollDeadline.IsZero() || idleDeadline.Before(pollDeadline) {
				pollDeadline = idleDeadline
			}
		}

		res := rb.ReadFrom(cursor, maxBytes-len(window), pollDeadline)

		if res.Truncated {
			return ReadOutcome{
				Chunk:        window,
				NextCursor:   cursor,
				Truncated:    true,
				DroppedBytes: res.DroppedBytes,
			}
		}

		if len(res.Bytes) > 0 {
			window = append(window, res.Bytes...)
			cursor = res.NextCursor
			lastAppend = time.Now()

			if re != nil {
				if loc := re.FindIndex(window); loc != nil {
					chunk := window
					next := cursor
					if !p.IncludeMatch {
						chunk = window[:loc[0]]
						next = cursor - int64(len(window)-loc[0])
					}
					return finishOutcome(chunk, next, waiters, true, false, false, false)
				}
			}

			if len(window) >= maxBytes {
				return finishOutcome(window, cursor, waiters, false, false, true, false)
			}
			continue
		}

		// No new bytes this round: either the idle window or the overall
		// deadline elapsed (ReadFrom only returns empty+TimedOut, or blocks
		// until one of those fires).
		if untilIdle > 0 && !time.Now().Before(lastAppend.Add(time.Duration(untilIdle)*time.Millisecond)) {
			return finishOutcome(window, cursor, waiters, false, true, false, false)
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return finishOutcome(window, cursor, waiters, false, false, false, true)
		}
		if res.TimedOut {
			// The two deadline reads can straddle a clock tick; the buffer
			// already reported timeout, so report it too.
			return finishOutcome(window, cursor, waiters, false, false, false, true)
		}
	}
}

func finishOutcome(chunk []byte, next int64, waiters []*regexp.Regexp, matched, idle, sizeCap, timedOut bool) ReadOutcome {
	out := ReadOutcome{
		Chunk:          chunk,
		NextCursor:     next,
		Matched:        matched,
		IdleReached:    idle,
		SizeCapReached: sizeCap,
		TimedOut:       timedOut,
	}
	for _, w := range waiters {
		if w.Match(chunk) {
			out.WaitingForInput = true
			break
		}
	}
	if !utf8.Valid(chunk) {
		out.Encoding = "base64"
	}
	return out
}
