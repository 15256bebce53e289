// Package platform defines the ports through which the core reaches the
// operating system (input injection, screen frames, input hooks) and the
// adapters that implement them.
//
// Adapters are grouped into a Capabilities set chosen once at startup by
// Detect. The core never type-switches on an adapter; it only sees the
// interfaces below.
package platform

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/dshills/keyreplay/internal/input/key"
	"github.com/dshills/keyreplay/internal/input/mouse"
)

// Platform errors.
var (
	// ErrUnsupported indicates the active platform lacks a capability.
	ErrUnsupported = errors.New("capability not supported on this platform")

	// ErrClosed indicates the adapter has been shut down.
	ErrClosed = errors.New("platform adapter closed")
)

// Injector synthesises input at the OS level.
type Injector interface {
	KeyDown(ctx context.Context, code key.Code) error
	KeyUp(ctx context.Context, code key.Code) error
	PointerMove(ctx context.Context, x, y int) error
	PointerButton(ctx context.Context, button mouse.Button, down bool) error
	Wheel(ctx context.Context, delta int) error
}

// FrameSource captures screen pixels.
type FrameSource interface {
	// CaptureRegion returns the pixels inside r, in screen coordinates.
	// The returned image's Bounds() equal r (clipped to the screen).
	CaptureRegion(ctx context.Context, r image.Rectangle) (image.Image, error)

	// CaptureFullScreen returns the whole primary screen.
	CaptureFullScreen(ctx context.Context) (image.Image, error)
}

// HookSource delivers raw input notifications from the OS.
//
// The handler runs on the hook-callback path and must return quickly.
type HookSource interface {
	Subscribe(handler func(HookEvent)) (Subscription, error)
}

// Subscription is an active HookSource registration.
type Subscription interface {
	Unsubscribe() error
}

// HookEvent is a raw input notification. It is one of KeyHook,
// PointerHook or WheelHook.
type HookEvent interface {
	// At returns when the OS observed the event, or the zero time if the
	// source does not timestamp events.
	At() time.Time

	hookEvent()
}

// KeyHook reports a key transition.
type KeyHook struct {
	Code key.Code
	Down bool
	Time time.Time
}

// PointerAction is the kind of pointer transition.
type PointerAction uint8

const (
	// PointerMoved reports motion.
	PointerMoved PointerAction = iota
	// PointerPressed reports a button going down.
	PointerPressed
	// PointerReleased reports a button going up.
	PointerReleased
)

// PointerHook reports pointer motion or a button transition.
type PointerHook struct {
	Action PointerAction
	Button mouse.Button
	X, Y   int
	Time   time.Time
}

// WheelHook reports a wheel rotation. Positive delta scrolls up.
type WheelHook struct {
	Delta int
	X, Y  int
	Time  time.Time
}

func (e KeyHook) At() time.Time     { return e.Time }
func (e PointerHook) At() time.Time { return e.Time }
func (e WheelHook) At() time.Time   { return e.Time }

func (KeyHook) hookEvent()     {}
func (PointerHook) hookEvent() {}
func (WheelHook) hookEvent()   {}

// SubscriptionFunc adapts a function to the Subscription interface.
type SubscriptionFunc func() error

// Unsubscribe calls the underlying function.
func (f SubscriptionFunc) Unsubscribe() error {
	return f()
}
