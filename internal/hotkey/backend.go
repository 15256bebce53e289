package hotkey

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// LocalBackend tracks installed bindings in memory. It serves hosts where
// presses reach the Registrar through a capture listener rather than an
// OS-level registration API.
type LocalBackend struct {
	mu        sync.Mutex
	installed map[string]Binding
}

// NewLocalBackend creates an empty backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{installed: make(map[string]Binding)}
}

// Install records b as installed.
func (l *LocalBackend) Install(b Binding) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.installed[b.ID]; ok {
		return fmt.Errorf("install %q: %w", b.ID, ErrDuplicateID)
	}
	l.installed[b.ID] = b
	return nil
}

// Uninstall removes id. Unknown IDs are not an error.
func (l *LocalBackend) Uninstall(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.installed, id)
	return nil
}

// Installed returns the installed IDs in sorted order.
func (l *LocalBackend) Installed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Sorted(maps.Keys(l.installed))
}
