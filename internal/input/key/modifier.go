package key

import (
	"fmt"
	"strings"
)

// Modifier is a set of modifier keys held during a key press.
type Modifier uint8

const (
	// ModNone indicates no modifiers.
	ModNone Modifier = 0

	// ModShift indicates the Shift key.
	ModShift Modifier = 1 << (iota - 1)

	// ModCtrl indicates the Control key.
	ModCtrl

	// ModAlt indicates the Alt key (Option on macOS).
	ModAlt

	// ModMeta indicates the Meta key (Cmd on macOS, Win on Windows).
	ModMeta
)

// modAll is every defined modifier bit.
const modAll = ModShift | ModCtrl | ModAlt | ModMeta

// Has returns true if m contains every bit of mod.
func (m Modifier) Has(mod Modifier) bool {
	return mod != ModNone && m&mod == mod
}

// With returns a new Modifier with the specified modifier added.
func (m Modifier) With(mod Modifier) Modifier {
	return m | mod
}

// Without returns a new Modifier with the specified modifier removed.
func (m Modifier) Without(mod Modifier) Modifier {
	return m &^ mod
}

// IsEmpty returns true if no modifiers are set.
func (m Modifier) IsEmpty() bool {
	return m == ModNone
}

// Valid reports whether m only uses defined modifier bits.
func (m Modifier) Valid() bool {
	return m&^modAll == 0
}

// Keys returns the physical modifier keys in canonical press order
// (Ctrl, Alt, Shift, Meta). Playback presses them in this order and
// releases them in reverse.
func (m Modifier) Keys() []Code {
	var codes []Code
	if m.Has(ModCtrl) {
		codes = append(codes, CodeCtrl)
	}
	if m.Has(ModAlt) {
		codes = append(codes, CodeAlt)
	}
	if m.Has(ModShift) {
		codes = append(codes, CodeShift)
	}
	if m.Has(ModMeta) {
		codes = append(codes, CodeMeta)
	}
	return codes
}

// String returns a human-readable representation like "Ctrl+Alt".
func (m Modifier) String() string {
	codes := m.Keys()
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = c.String()
	}
	return strings.Join(parts, "+")
}

// ShortString returns a compact representation like "C-A-S-M".
func (m Modifier) ShortString() string {
	var parts []string
	for _, c := range m.Keys() {
		parts = append(parts, c.String()[:1])
	}
	return strings.Join(parts, "-")
}

// MarshalText encodes the set as "Ctrl+Shift".
func (m Modifier) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a set produced by MarshalText.
func (m *Modifier) UnmarshalText(text []byte) error {
	parsed, err := ParseModifiers(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// modifierNameMap maps modifier names (lowercase) to Modifier values.
var modifierNameMap = map[string]Modifier{
	"ctrl":    ModCtrl,
	"control": ModCtrl,
	"c":       ModCtrl,
	"alt":     ModAlt,
	"a":       ModAlt,
	"option":  ModAlt,
	"opt":     ModAlt,
	"shift":   ModShift,
	"s":       ModShift,
	"meta":    ModMeta,
	"m":       ModMeta,
	"cmd":     ModMeta,
	"command": ModMeta,
	"win":     ModMeta,
	"super":   ModMeta,
	"d":       ModMeta,
}

// ModifierFromName returns the Modifier for a given name (case-insensitive).
// Returns ModNone if the name is not recognized.
func ModifierFromName(name string) Modifier {
	return modifierNameMap[strings.ToLower(strings.TrimSpace(name))]
}

// ParseModifiers parses a modifier list like "Ctrl+Alt" or "C-A".
// An empty string is the empty set.
func ParseModifiers(s string) (Modifier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ModNone, nil
	}

	sep := "+"
	if !strings.Contains(s, "+") && strings.Contains(s, "-") {
		sep = "-"
	}

	var result Modifier
	for _, part := range strings.Split(s, sep) {
		mod := ModifierFromName(part)
		if mod == ModNone {
			return ModNone, fmt.Errorf("%w: unknown modifier %q", ErrInvalidSpec, part)
		}
		result = result.With(mod)
	}
	return result, nil
}
