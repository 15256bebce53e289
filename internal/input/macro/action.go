package macro

import (
	"fmt"
	"time"

	"github.com/dshills/keyreplay/internal/input/key"
	"github.com/dshills/keyreplay/internal/input/mouse"
)

// ActionType identifies what an Action does when replayed.
type ActionType uint8

const (
	ActionKeyDown ActionType = iota + 1
	ActionKeyUp
	ActionPointerMove
	ActionPointerDown
	ActionPointerUp
	ActionWheel
	ActionDelay
	ActionWaitImage
	ActionWaitImageGone
)

var actionNames = map[ActionType]string{
	ActionKeyDown:       "key_down",
	ActionKeyUp:         "key_up",
	ActionPointerMove:   "pointer_move",
	ActionPointerDown:   "pointer_down",
	ActionPointerUp:     "pointer_up",
	ActionWheel:         "wheel",
	ActionDelay:         "delay",
	ActionWaitImage:     "wait_image",
	ActionWaitImageGone: "wait_image_gone",
}

// actionsByName is the reverse of actionNames.
var actionsByName = func() map[string]ActionType {
	m := make(map[string]ActionType, len(actionNames))
	for t, name := range actionNames {
		m[name] = t
	}
	return m
}()

func (t ActionType) String() string {
	if name, ok := actionNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ActionType(%d)", t)
}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	_, ok := actionNames[t]
	return ok
}

// IsGate reports whether t waits on the visual gate.
func (t ActionType) IsGate() bool {
	return t == ActionWaitImage || t == ActionWaitImageGone
}

// MarshalText implements encoding.TextMarshaler.
func (t ActionType) MarshalText() ([]byte, error) {
	name, ok := actionNames[t]
	if !ok {
		return nil, fmt.Errorf("%w: action type %d", ErrInvalidAction, t)
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ActionType) UnmarshalText(text []byte) error {
	v, ok := actionsByName[string(text)]
	if !ok {
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidAction, text)
	}
	*t = v
	return nil
}

// DefaultGateThreshold is used by visual waits that do not set one.
const DefaultGateThreshold = 0.8

// Action is one replayable step. Only the fields relevant to Type are set.
type Action struct {
	Type ActionType

	// Delay is the wait before the action executes. For ActionDelay it is
	// the entire action.
	Delay time.Duration

	// Key is set for key actions.
	Key key.Code

	// Button is set for pointer down/up actions.
	Button mouse.Button

	// X and Y are screen coordinates for pointer and wheel actions.
	X, Y int

	// WheelDelta is the wheel rotation; positive scrolls up.
	WheelDelta int

	// Template names the image a visual wait looks for.
	Template string

	// Threshold is the minimum match confidence for a visual wait.
	// Zero defers to the gate, whose default is DefaultGateThreshold
	// unless configured otherwise.
	Threshold float64

	// Timeout bounds a visual wait. Zero waits until stopped.
	Timeout time.Duration
}

// KeyDown returns a key press action.
func KeyDown(code key.Code, delay time.Duration) Action {
	return Action{Type: ActionKeyDown, Key: code, Delay: delay}
}

// KeyUp returns a key release action.
func KeyUp(code key.Code, delay time.Duration) Action {
	return Action{Type: ActionKeyUp, Key: code, Delay: delay}
}

// PointerMove returns a pointer move action.
func PointerMove(x, y int, delay time.Duration) Action {
	return Action{Type: ActionPointerMove, X: x, Y: y, Delay: delay}
}

// PointerDown returns a button press action at (x, y).
func PointerDown(b mouse.Button, x, y int, delay time.Duration) Action {
	return Action{Type: ActionPointerDown, Button: b, X: x, Y: y, Delay: delay}
}

// PointerUp returns a button release action at (x, y).
func PointerUp(b mouse.Button, x, y int, delay time.Duration) Action {
	return Action{Type: ActionPointerUp, Button: b, X: x, Y: y, Delay: delay}
}

// Wheel returns a wheel action.
func Wheel(delta, x, y int, delay time.Duration) Action {
	return Action{Type: ActionWheel, WheelDelta: delta, X: x, Y: y, Delay: delay}
}

// Delay returns an action that only waits.
func Delay(d time.Duration) Action {
	return Action{Type: ActionDelay, Delay: d}
}

// WaitImage returns an action that blocks until template appears.
func WaitImage(template string, threshold float64, timeout time.Duration) Action {
	return Action{Type: ActionWaitImage, Template: template, Threshold: threshold, Timeout: timeout}
}

// WaitImageGone returns an action that blocks until template disappears.
func WaitImageGone(template string, threshold float64, timeout time.Duration) Action {
	return Action{Type: ActionWaitImageGone, Template: template, Threshold: threshold, Timeout: timeout}
}

// Position returns the pointer position of the action.
func (a Action) Position() mouse.Position {
	return mouse.Position{X: a.X, Y: a.Y}
}

// GateThreshold returns the effective match threshold of a visual wait.
func (a Action) GateThreshold() float64 {
	if a.Threshold <= 0 {
		return DefaultGateThreshold
	}
	return a.Threshold
}

// Validate checks that the fields required by the action type are set.
func (a Action) Validate() error {
	if !a.Type.Valid() {
		return fmt.Errorf("%w: type %d", ErrInvalidAction, a.Type)
	}
	if a.Delay < 0 {
		return fmt.Errorf("%w: negative delay %s", ErrInvalidAction, a.Delay)
	}
	switch a.Type {
	case ActionKeyDown, ActionKeyUp:
		if a.Key == key.CodeNone {
			return fmt.Errorf("%w: %s without key", ErrInvalidAction, a.Type)
		}
	case ActionPointerDown, ActionPointerUp:
		if !a.Button.Valid() {
			return fmt.Errorf("%w: %s without button", ErrInvalidAction, a.Type)
		}
	case ActionWheel:
		if a.WheelDelta == 0 {
			return fmt.Errorf("%w: zero wheel delta", ErrInvalidAction)
		}
	case ActionWaitImage, ActionWaitImageGone:
		if a.Template == "" {
			return fmt.Errorf("%w: %s without template", ErrInvalidAction, a.Type)
		}
		if a.Threshold < 0 || a.Threshold > 1 {
			return fmt.Errorf("%w: threshold %.2f outside [0,1]", ErrInvalidAction, a.Threshold)
		}
		if a.Timeout < 0 {
			return fmt.Errorf("%w: negative timeout", ErrInvalidAction)
		}
	}
	return nil
}

func (a Action) String() string {
	switch a.Type {
	case ActionKeyDown, ActionKeyUp:
		return fmt.Sprintf("%s %s +%s", a.Type, a.Key, a.Delay)
	case ActionPointerMove:
		return fmt.Sprintf("%s (%d,%d) +%s", a.Type, a.X, a.Y, a.Delay)
	case ActionPointerDown, ActionPointerUp:
		return fmt.Sprintf("%s %s (%d,%d) +%s", a.Type, a.Button, a.X, a.Y, a.Delay)
	case ActionWheel:
		return fmt.Sprintf("%s %+d (%d,%d) +%s", a.Type, a.WheelDelta, a.X, a.Y, a.Delay)
	case ActionDelay:
		return fmt.Sprintf("%s %s", a.Type, a.Delay)
	case ActionWaitImage, ActionWaitImageGone:
		return fmt.Sprintf("%s %q >=%.2f within %s", a.Type, a.Template, a.GateThreshold(), a.Timeout)
	}
	return a.Type.String()
}
