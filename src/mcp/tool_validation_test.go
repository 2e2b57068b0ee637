package mcp

import (
	"errors"
	"testing"

	"github.com/nfshanq/ptyctl/src/session"
)

func TestValidateExpectInput(t *testing.T) {
	ok := &ExpectInput{
		PromptRegex:  `\$ $`,
		PagerRegexes: []string{`--More--`},
		ErrorRegexes: []string{`(?i)% invalid`},
	}
	if err := validateExpectInput(ok); err != nil {
		t.Errorf("valid expect block rejected: %v", err)
	}

	bad := &ExpectInput{ErrorRegexes: []string{`[unclosed`}}
	err := validateExpectInput(bad)
	if err == nil {
		t.Fatal("expected an error for an uncompilable pattern")
	}
	var serr *session.Error
	if !errors.As(err, &serr) || serr.Code != session.ErrInvalidArgument {
		t.Errorf("error = %v, want INVALID_ARGUMENT", err)
	}
}

func TestOrDefaultStr(t *testing.T) {
	if got := orDefaultStr("", "fallback"); got != "fallback" {
		t.Errorf("orDefaultStr empty = %q, want fallback", got)
	}
	if got := orDefaultStr("set", "fallback"); got != "set" {
		t.Errorf("orDefaultStr set = %q, want set", got)
	}
}
