package key

import (
	"errors"
	"fmt"
	"strings"
)

// Parse errors
var (
	ErrEmptySpec   = errors.New("empty key specification")
	ErrInvalidSpec = errors.New("invalid key specification")
)

// Combo is a modifier set plus a single non-modifier key.
type Combo struct {
	Modifiers Modifier
	Code      Code
}

// String returns the canonical readable form, e.g. "Ctrl+Shift+F9".
func (c Combo) String() string {
	if c.Modifiers.IsEmpty() {
		return c.Code.String()
	}
	return c.Modifiers.String() + "+" + c.Code.String()
}

// VimString returns the Vim-style form, e.g. "<C-S-F9>".
func (c Combo) VimString() string {
	parts := []string{}
	if short := c.Modifiers.ShortString(); short != "" {
		parts = append(parts, short)
	}
	name := c.Code.String()
	if c.Code.IsRune() {
		name = strings.ToLower(name)
	}
	parts = append(parts, name)
	return "<" + strings.Join(parts, "-") + ">"
}

// ParseCombo parses a combo specification.
//
// Supported formats:
//   - Key names: "F9", "Enter", "Escape", "a"
//   - Readable: "Ctrl+S", "Alt+F4", "Ctrl+Shift+P"
//   - Vim-style: "<C-s>", "<A-F4>", "<C-S-p>", "<Esc>"
func ParseCombo(spec string) (Combo, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Combo{}, ErrEmptySpec
	}

	var mods []string
	var keyPart string
	switch {
	case strings.HasPrefix(spec, "<") && strings.HasSuffix(spec, ">") && len(spec) > 2:
		parts := strings.Split(spec[1:len(spec)-1], "-")
		mods, keyPart = parts[:len(parts)-1], parts[len(parts)-1]
	case len(spec) > 1 && strings.Contains(spec, "+"):
		parts := strings.Split(spec, "+")
		mods, keyPart = parts[:len(parts)-1], parts[len(parts)-1]
		// "Ctrl++" names the plus key.
		if keyPart == "" && len(mods) > 0 && mods[len(mods)-1] == "" {
			mods, keyPart = mods[:len(mods)-1], "+"
		}
	default:
		keyPart = spec
	}

	var combo Combo
	for _, m := range mods {
		mod := ModifierFromName(m)
		if mod == ModNone {
			return Combo{}, fmt.Errorf("%w: unknown modifier %q", ErrInvalidSpec, m)
		}
		combo.Modifiers = combo.Modifiers.With(mod)
	}

	combo.Code = CodeFromName(keyPart)
	if combo.Code == CodeNone {
		return Combo{}, fmt.Errorf("%w: unknown key %q", ErrInvalidSpec, keyPart)
	}
	if combo.Code.IsModifierKey() {
		return Combo{}, fmt.Errorf("%w: %q is a modifier, not a key", ErrInvalidSpec, keyPart)
	}
	return combo, nil
}

// MustParseCombo parses a combo specification and panics on error.
// Use only for known-valid specs in initialization code.
func MustParseCombo(spec string) Combo {
	combo, err := ParseCombo(spec)
	if err != nil {
		panic("invalid key specification: " + spec + ": " + err.Error())
	}
	return combo
}

// MarshalText encodes the combo in readable form.
func (c Combo) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes any form accepted by ParseCombo.
func (c *Combo) UnmarshalText(text []byte) error {
	parsed, err := ParseCombo(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
