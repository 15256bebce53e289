// Package mouse provides the pointer vocabulary shared by capture and
// playback: buttons and screen positions.
package mouse

import (
	"fmt"
	"strings"
)

// Button represents a pointer button.
type Button uint8

const (
	// ButtonNone indicates no button.
	ButtonNone Button = iota
	// ButtonLeft is the primary (left) button.
	ButtonLeft
	// ButtonMiddle is the middle button (wheel click).
	ButtonMiddle
	// ButtonRight is the secondary (right) button.
	ButtonRight
	// ButtonBack is the back navigation button (button 4).
	ButtonBack
	// ButtonForward is the forward navigation button (button 5).
	ButtonForward
)

var buttonNames = [...]string{
	ButtonNone:    "none",
	ButtonLeft:    "left",
	ButtonMiddle:  "middle",
	ButtonRight:   "right",
	ButtonBack:    "back",
	ButtonForward: "forward",
}

// String returns a string representation of the button.
func (b Button) String() string {
	if int(b) < len(buttonNames) {
		return buttonNames[b]
	}
	return fmt.Sprintf("button(%d)", uint8(b))
}

// Valid reports whether b is a known, real button.
func (b Button) Valid() bool {
	return b > ButtonNone && b <= ButtonForward
}

// MarshalText encodes the button by name.
func (b Button) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText decodes a button name.
func (b *Button) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range buttonNames {
		if n == name {
			*b = Button(i)
			return nil
		}
	}
	return fmt.Errorf("unknown mouse button %q", text)
}

// Position represents a screen coordinate.
type Position struct {
	X int
	Y int
}

// Equal returns true if two positions are equal.
func (p Position) Equal(other Position) bool {
	return p.X == other.X && p.Y == other.Y
}

// Distance returns the Manhattan distance (|dx| + |dy|) between two positions.
func (p Position) Distance(other Position) int {
	dx := p.X - other.X
	if dx < 0 {
		dx = -dx
	}
	dy := p.Y - other.Y
	if dy < 0 {
		dy = -dy
	}
	return dx + dy
}
