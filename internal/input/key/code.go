package key

import (
	"fmt"
	"strings"
	"unicode"
)

// Code identifies a physical key on the keyboard.
//
// Special keys have fixed values below RuneBase. Character keys are encoded
// as RuneBase plus the upper-case character, so 'a' and 'A' share a code.
type Code uint16

const (
	// CodeNone represents no key.
	CodeNone Code = iota

	// Special keys
	CodeEscape
	CodeEnter
	CodeTab
	CodeBackspace
	CodeDelete
	CodeInsert
	CodeHome
	CodeEnd
	CodePageUp
	CodePageDown

	// Arrow keys
	CodeUp
	CodeDown
	CodeLeft
	CodeRight

	// Function keys
	CodeF1
	CodeF2
	CodeF3
	CodeF4
	CodeF5
	CodeF6
	CodeF7
	CodeF8
	CodeF9
	CodeF10
	CodeF11
	CodeF12

	// Other special keys
	CodeSpace
	CodePause
	CodePrintScreen
	CodeScrollLock
	CodeNumLock
	CodeCapsLock

	// Modifier keys as physical keys. Recording a held Shift needs these.
	CodeShift
	CodeCtrl
	CodeAlt
	CodeMeta
)

// RuneBase is the first code used for character keys.
const RuneBase Code = 0x1000

// maxRune bounds the characters that fit in a Code.
const maxRune = rune(^Code(0) - RuneBase)

// FromRune returns the code for a character key.
// Returns CodeNone for characters that cannot be encoded.
func FromRune(r rune) Code {
	if r == ' ' {
		return CodeSpace
	}
	r = unicode.ToUpper(r)
	if r <= 0 || r > maxRune || !unicode.IsPrint(r) {
		return CodeNone
	}
	return RuneBase + Code(r)
}

// IsRune returns true if this is a character key.
func (c Code) IsRune() bool {
	return c >= RuneBase
}

// Rune returns the character for a character key, or 0.
func (c Code) Rune() rune {
	if !c.IsRune() {
		return 0
	}
	return rune(c - RuneBase)
}

// IsFunctionKey returns true if this is a function key (F1-F12).
func (c Code) IsFunctionKey() bool {
	return c >= CodeF1 && c <= CodeF12
}

// IsArrowKey returns true if this is an arrow key.
func (c Code) IsArrowKey() bool {
	return c >= CodeUp && c <= CodeRight
}

// IsModifierKey returns true for Shift, Ctrl, Alt and Meta.
func (c Code) IsModifierKey() bool {
	return c >= CodeShift && c <= CodeMeta
}

// AsModifier returns the modifier bit held down by a modifier key.
func (c Code) AsModifier() Modifier {
	switch c {
	case CodeShift:
		return ModShift
	case CodeCtrl:
		return ModCtrl
	case CodeAlt:
		return ModAlt
	case CodeMeta:
		return ModMeta
	default:
		return ModNone
	}
}

var codeNames = map[Code]string{
	CodeNone:        "None",
	CodeEscape:      "Escape",
	CodeEnter:       "Enter",
	CodeTab:         "Tab",
	CodeBackspace:   "Backspace",
	CodeDelete:      "Delete",
	CodeInsert:      "Insert",
	CodeHome:        "Home",
	CodeEnd:         "End",
	CodePageUp:      "PageUp",
	CodePageDown:    "PageDown",
	CodeUp:          "Up",
	CodeDown:        "Down",
	CodeLeft:        "Left",
	CodeRight:       "Right",
	CodeF1:          "F1",
	CodeF2:          "F2",
	CodeF3:          "F3",
	CodeF4:          "F4",
	CodeF5:          "F5",
	CodeF6:          "F6",
	CodeF7:          "F7",
	CodeF8:          "F8",
	CodeF9:          "F9",
	CodeF10:         "F10",
	CodeF11:         "F11",
	CodeF12:         "F12",
	CodeSpace:       "Space",
	CodePause:       "Pause",
	CodePrintScreen: "PrintScreen",
	CodeScrollLock:  "ScrollLock",
	CodeNumLock:     "NumLock",
	CodeCapsLock:    "CapsLock",
	CodeShift:       "Shift",
	CodeCtrl:        "Ctrl",
	CodeAlt:         "Alt",
	CodeMeta:        "Meta",
}

// String returns a human-readable name for the key.
func (c Code) String() string {
	if c.IsRune() {
		return string(c.Rune())
	}
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", c)
}

// MarshalText encodes the code by name so persisted scripts stay readable.
func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a key name produced by MarshalText.
func (c *Code) UnmarshalText(text []byte) error {
	code := CodeFromName(string(text))
	if code == CodeNone && !strings.EqualFold(strings.TrimSpace(string(text)), "none") {
		return fmt.Errorf("%w: unknown key %q", ErrInvalidSpec, text)
	}
	*c = code
	return nil
}

// codeNameMap maps key names (lowercase) to codes, including aliases.
var codeNameMap = map[string]Code{
	"none":        CodeNone,
	"escape":      CodeEscape,
	"esc":         CodeEscape,
	"enter":       CodeEnter,
	"return":      CodeEnter,
	"cr":          CodeEnter,
	"tab":         CodeTab,
	"backspace":   CodeBackspace,
	"bs":          CodeBackspace,
	"delete":      CodeDelete,
	"del":         CodeDelete,
	"insert":      CodeInsert,
	"ins":         CodeInsert,
	"home":        CodeHome,
	"end":         CodeEnd,
	"pageup":      CodePageUp,
	"pgup":        CodePageUp,
	"pagedown":    CodePageDown,
	"pgdn":        CodePageDown,
	"up":          CodeUp,
	"down":        CodeDown,
	"left":        CodeLeft,
	"right":       CodeRight,
	"f1":          CodeF1,
	"f2":          CodeF2,
	"f3":          CodeF3,
	"f4":          CodeF4,
	"f5":          CodeF5,
	"f6":          CodeF6,
	"f7":          CodeF7,
	"f8":          CodeF8,
	"f9":          CodeF9,
	"f10":         CodeF10,
	"f11":         CodeF11,
	"f12":         CodeF12,
	"space":       CodeSpace,
	"pause":       CodePause,
	"printscreen": CodePrintScreen,
	"scrolllock":  CodeScrollLock,
	"numlock":     CodeNumLock,
	"capslock":    CodeCapsLock,
	"shift":       CodeShift,
	"ctrl":        CodeCtrl,
	"control":     CodeCtrl,
	"alt":         CodeAlt,
	"meta":        CodeMeta,
	"cmd":         CodeMeta,
	"win":         CodeMeta,
}

// CodeFromName returns the code for a key name or single character
// (case-insensitive). Returns CodeNone if the name is not recognized.
func CodeFromName(name string) Code {
	trimmed := strings.TrimSpace(name)
	if c, ok := codeNameMap[strings.ToLower(trimmed)]; ok {
		return c
	}
	runes := []rune(trimmed)
	if len(runes) == 1 {
		return FromRune(runes[0])
	}
	return CodeNone
}
