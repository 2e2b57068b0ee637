package session

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMarkerPrefix = "\x1eRC="
	defaultMarkerSuffix = "\x1f"
)

// RCMode is ptyctl_session_exec's rc_mode argument.
type RCMode struct {
	Enabled      bool
	MarkerPrefix string
	MarkerSuffix string
}

// ExecParams is ptyctl_session_exec's request.
type ExecParams struct {
	Cmd         string
	TimeoutMs   int
	UntilIdleMs int
	RCMode      *RCMode
	TaskID      string
}

// ExecResult is ptyctl_session_exec's response.
type ExecResult struct {
	Stdout         string
	Stderr         string
	ExitCode       *int
	ExitCodeReason string
	DoneReason     string
	PromptDetected bool
	ErrorHints     []string
	TimedOut       bool
	DurationMs     int64
}

// Exec composes the command with dual termination markers, writes it over
// the session, watches the pump output for either marker, and extracts the
// exit code and stdout. It is lock-gated identically to Write.
func (s *Session) Exec(p ExecParams) (ExecResult, error) {
	start := time.Now()

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return ExecResult{}, &Error{Code: ErrIOError, Message: "session is not open"}
	}
	if admitErr := s.checkWriteAdmission(p.TaskID); admitErr != nil {
		s.mu.Unlock()
		return ExecResult{}, admitErr
	}
	expectCfg := s.expect
	s.mu.Unlock()

	rc := p.RCMode
	if rc == nil {
		rc = &RCMode{Enabled: true}
	}
	prefix := rc.MarkerPrefix
	suffix := rc.MarkerSuffix
	overridden := prefix != "" || suffix != ""
	if prefix == "" {
		prefix = defaultMarkerPrefix
	}
	if suffix == "" {
		suffix = defaultMarkerSuffix
	}

	markerID := uuid.NewString()
	_, startCursor := s.Buffer.Cursors()

	var markerRegex *regexp.Regexp
	var fallbackSuppressed bool
	if !rc.Enabled {
		markerRegex = nil
	} else if overridden {
		fallbackSuppressed = true
		markerRegex = regexp.MustCompile(regexp.QuoteMeta(prefix) + `(-?\d+)` + regexp.QuoteMeta(suffix))
	} else {
		markerRegex = regexp.MustCompile(
			regexp.QuoteMeta(defaultMarkerPrefix) + `(-?\d+)` + regexp.QuoteMeta(defaultMarkerSuffix) +
				`|PTYCTL_RC_` + regexp.QuoteMeta(markerID) + `=(-?\d+):END_` + regexp.QuoteMeta(markerID))
	}

	cmdLine := buildExecCommand(p.Cmd, rc.Enabled, prefix, suffix, markerID, fallbackSuppressed)

	data := cmdLine
	if _, err := s.Write(WriteParams{Data: &data, Encoding: "utf-8", TaskID: p.TaskID}); err != nil {
		return ExecResult{}, err
	}

	timeoutMs := p.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 60000
	}

	var untilRegex string
	if markerRegex != nil {
		untilRegex = markerRegex.String()
	}

	outcome := RunExpect(s.Buffer, ReadParams{
		Cursor:       startCursor,
		TimeoutMs:    timeoutMs,
		UntilIdleMs:  p.UntilIdleMs,
		UntilRegex:   untilRegex,
		IncludeMatch: true,
	})

	result := ExecResult{DurationMs: time.Since(start).Milliseconds()}

	if outcome.Matched {
		loc := markerRegex.FindSubmatchIndex(outcome.Chunk)
		exitCode, stdout := extractExecResult(outcome.Chunk, loc, expectCfg.PromptRegex)
		result.ExitCode = &exitCode
		result.Stdout = stdout
		result.DoneReason = "marker_seen"
		result.ErrorHints = matchErrorHints(stdout, expectCfg.ErrorRegexes)
		return result, nil
	}

	window := string(outcome.Chunk)
	result.Stdout = window
	result.ErrorHints = matchErrorHints(window, expectCfg.ErrorRegexes)

	switch {
	case promptMatches(expectCfg.PromptRegex, tailOf(window, 256)):
		result.DoneReason = "prompt_seen"
		result.ExitCodeReason = "marker_not_seen"
		result.PromptDetected = true
	case outcome.IdleReached:
		result.DoneReason = "idle_reached"
		result.ExitCodeReason = "marker_not_seen"
	default:
		result.DoneReason = "timeout"
		result.ExitCodeReason = "timeout"
		result.TimedOut = true
	}

	return result, nil
}

// buildExecCommand renders the command plus the marker-printing suffix.
// When overridden prefix/suffix are in play the ASCII fallback printf is
// omitted entirely.
func buildExecCommand(cmd string, rcEnabled bool, prefix, suffix, markerID string, fallbackSuppressed bool) string {
	if !rcEnabled {
		return cmd + "\r"
	}
	var b strings.Builder
	b.WriteString(cmd)
	b.WriteString("; __rc=$?; printf '")
	b.WriteString(printfEscape(prefix))
	b.WriteString("%d")
	b.WriteString(printfEscape(suffix))
	b.WriteString("\\n' $__rc")
	if !fallbackSuppressed {
		fmt.Fprintf(&b, "; printf 'PTYCTL_RC_%s=%%d:END_%s\\n' $__rc", markerID, markerID)
	}
	b.WriteString("\r")
	return b.String()
}

// printfEscape renders marker bytes as a printf format argument: control
// and non-ASCII bytes become \xNN escapes the remote printf expands back
// to raw bytes, quotes and percent signs are escaped so the shell line
// survives intact. The echoed command therefore never contains the raw
// marker bytes; only printf's output does, which is what the marker regex
// watches for.
func printfEscape(s string) string {
	var b strings.Builder
	for _, c := range []byte(s) {
		switch {
		case c == '%':
			b.WriteString("%%")
		case c == '\'':
			b.WriteString(`'\''`)
		case c == '\\':
			b.WriteString(`\\`)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(&b, `\x%02x`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// extractExecResult pulls the exit code out of whichever marker matched
// and returns the stdout between the write and the start of the matched
// marker span, with the marker line(s) stripped.
func extractExecResult(chunk []byte, loc []int, promptRegex string) (int, string) {
	full := string(chunk)
	matchStart := loc[0]

	var codeStr string
	if loc[2] != -1 {
		codeStr = full[loc[2]:loc[3]]
	} else if len(loc) >= 6 && loc[4] != -1 {
		codeStr = full[loc[4]:loc[5]]
	}
	exitCode, _ := strconv.Atoi(codeStr)

	stdout := full[:matchStart]
	stdout = stripMarkerLines(stdout)
	if promptRegex != "" {
		if re, err := regexp.Compile(promptRegex); err == nil {
			if loc2 := re.FindStringIndex(stdout); loc2 != nil {
				stdout = stdout[:loc2[0]]
			}
		}
	}
	return exitCode, stdout
}

// promptMatches is a tolerant prompt-regex check: an empty or uncompilable
// pattern simply never matches.
func promptMatches(pattern, text string) bool {
	if pattern == "" {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(text)
}

// stripMarkerLines removes the trailing shell-echo of the "; __rc=$?; ..."
// marker-printing line(s) that the terminal echoes back before the
// marker span itself, by line.
func stripMarkerLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if strings.Contains(line, "__rc=$?") || strings.Contains(line, "PTYCTL_RC_") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func matchErrorHints(text string, patterns []string) []string {
	var hints []string
	for _, pat := range patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			hints = append(hints, pat)
		}
	}
	return hints
}

func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
