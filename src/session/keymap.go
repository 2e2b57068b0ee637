package session

import "strings"

// keyTable maps canonical symbolic key names to the byte sequence a
// terminal would produce for that keypress. Canonical names only; aliases
// are resolved by normalizeKeyName before lookup.
var keyTable = map[string]string{
	"enter":     "\r",
	"tab":       "\t",
	"backspace": "\x7f",
	"delete":    "\x1b[3~",
	"home":      "\x1b[H",
	"end":       "\x1b[F",
	"esc":       "\x1b",
	"escape":    "\x1b",
	"space":     " ",

	"arrow_up":    "\x1b[A",
	"arrow_down":  "\x1b[B",
	"arrow_right": "\x1b[C",
	"arrow_left":  "\x1b[D",

	"page_up":   "\x1b[5~",
	"page_down": "\x1b[6~",

	"ctrl_backslash": "\x1c",
}

func init() {
	// ctrl_a..ctrl_z map to the control-code range 0x01-0x1a.
	for i := 0; i < 26; i++ {
		name := "ctrl_" + string(rune('a'+i))
		keyTable[name] = string(rune(i + 1))
	}
}

// ResolveKey translates a symbolic key name (e.g. "enter", "ctrl+c",
// "arrow-up") into the raw bytes to write to the connector. Names are
// matched case-insensitively with "+" and "-" treated as "_", so
// "ctrl+c", "ctrl-c" and "ctrl_c" are all equivalent. Returns false if the
// name is not recognized.
func ResolveKey(name string) (string, bool) {
	seq, ok := keyTable[normalizeKeyName(name)]
	return seq, ok
}

func normalizeKeyName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "+", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return name
}
