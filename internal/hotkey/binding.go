package hotkey

import (
	"fmt"
	"strings"

	"github.com/dshills/keyreplay/internal/input/key"
)

// Binding associates an ID with a key combo.
type Binding struct {
	ID        string
	Modifiers key.Modifier
	Key       key.Code
	Enabled   bool
}

// Combo returns the binding's key combination.
func (b Binding) Combo() key.Combo {
	return key.Combo{Modifiers: b.Modifiers, Code: b.Key}
}

func (b Binding) String() string {
	state := "enabled"
	if !b.Enabled {
		state = "disabled"
	}
	return fmt.Sprintf("%s=%s (%s)", b.ID, b.Combo(), state)
}

func (b Binding) validate() error {
	switch {
	case strings.TrimSpace(b.ID) == "":
		return fmt.Errorf("%w: empty id", ErrInvalidBinding)
	case b.Key == key.CodeNone:
		return fmt.Errorf("%w: %s has no key", ErrInvalidBinding, b.ID)
	case b.Key.IsModifierKey():
		return fmt.Errorf("%w: %s uses modifier %s as its key", ErrInvalidBinding, b.ID, b.Key)
	case !b.Modifiers.Valid():
		return fmt.Errorf("%w: %s has unknown modifier bits", ErrInvalidBinding, b.ID)
	}
	return nil
}

// Callback runs when a binding is pressed.
type Callback func(Binding)

// Backend installs bindings at the OS level.
type Backend interface {
	Install(b Binding) error
	Uninstall(id string) error
}
