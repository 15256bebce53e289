package platform

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/gdamore/tcell/v2"
)

// Capabilities is the set of adapters selected for the running host.
// A nil field means the capability is unavailable.
type Capabilities struct {
	// Name identifies the adapter set, e.g. "terminal" or "headless".
	Name string

	Injector Injector
	Frames   FrameSource
	Hooks    HookSource

	// closers are released by Close in reverse order.
	closers []io.Closer
}

// Close releases adapter resources.
func (c *Capabilities) Close() error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}

// Options influence adapter selection.
type Options struct {
	// Prefer names the adapter set to use. Empty selects automatically.
	Prefer string

	// Screen is an initialised tcell screen for the terminal adapter.
	Screen tcell.Screen

	// Screenshot is a PNG/JPEG used as the frame source when the host
	// has no screen grabber.
	Screenshot string

	// GOOS overrides runtime.GOOS; used by tests.
	GOOS string

	Logger *slog.Logger
}

// Probe inspects the host and returns capabilities if it can serve it.
type Probe func(opts Options) (*Capabilities, bool, error)

type probeEntry struct {
	name     string
	priority int
	probe    Probe
}

var (
	probesMu sync.RWMutex
	probes   []probeEntry
)

// Register adds a probe. Probes run in descending priority order; the
// first one that reports ok wins. Native OS adapters built with their own
// tags register themselves from init.
func Register(name string, priority int, probe Probe) {
	probesMu.Lock()
	defer probesMu.Unlock()

	for i, p := range probes {
		if p.name == name {
			probes[i] = probeEntry{name: name, priority: priority, probe: probe}
			return
		}
	}
	probes = append(probes, probeEntry{name: name, priority: priority, probe: probe})
}

// Detect selects the capability set for the current host.
func Detect(opts Options) (*Capabilities, error) {
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	probesMu.RLock()
	ordered := make([]probeEntry, len(probes))
	copy(ordered, probes)
	probesMu.RUnlock()

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].priority > ordered[j].priority
	})

	for _, p := range ordered {
		if opts.Prefer != "" && opts.Prefer != p.name {
			continue
		}
		caps, ok, err := p.probe(opts)
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", p.name, err)
		}
		if ok {
			caps.Name = p.name
			opts.Logger.Debug("platform selected", "platform", p.name, "goos", opts.GOOS)
			return caps, nil
		}
	}

	if opts.Prefer != "" {
		return nil, fmt.Errorf("platform %q: %w", opts.Prefer, ErrUnsupported)
	}
	return nil, ErrUnsupported
}

func init() {
	Register("terminal", 10, probeTerminal)
	Register("headless", 0, probeHeadless)
}

func probeTerminal(opts Options) (*Capabilities, bool, error) {
	if opts.Screen == nil {
		return nil, false, nil
	}
	term := NewTerminal(opts.Screen)
	caps := &Capabilities{
		Injector: term,
		Hooks:    term,
		closers:  []io.Closer{term},
	}
	if err := attachScreenshot(caps, opts.Screenshot); err != nil {
		return nil, false, err
	}
	return caps, true, nil
}

func probeHeadless(opts Options) (*Capabilities, bool, error) {
	caps := &Capabilities{
		Injector: NewLogInjector(opts.Logger),
		Hooks:    UnavailableHooks{Reason: "no input hook available on headless " + opts.GOOS},
	}
	if err := attachScreenshot(caps, opts.Screenshot); err != nil {
		return nil, false, err
	}
	return caps, true, nil
}

func attachScreenshot(caps *Capabilities, path string) error {
	if path == "" {
		return nil
	}
	frames, err := LoadStaticFrames(path)
	if err != nil {
		return err
	}
	caps.Frames = frames
	return nil
}
