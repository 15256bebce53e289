// Package key provides the keyboard vocabulary shared by capture, playback
// and hotkey registration.
//
// This package defines the fundamental types for representing keyboard input:
//
//   - Code: identifies a physical key (special keys, function keys, or a
//     character key)
//   - Modifier: a set of modifier keys (Ctrl, Alt, Shift, Meta)
//   - Combo: a modifier set plus a key, as used by hotkeys
//
// # Combo Specifications
//
// Combos can be written in two formats:
//
//   - Readable: "F9", "Ctrl+S", "Ctrl+Shift+P", "Alt+F4"
//   - Vim-style: "<C-s>", "<A-F4>", "<C-S-p>", "<Esc>"
//
// Character keys are case-insensitive: "Ctrl+a" and "Ctrl+A" name the same
// physical key. Use the Shift modifier explicitly when it matters.
package key
