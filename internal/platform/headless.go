package platform

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/dshills/keyreplay/internal/input/key"
	"github.com/dshills/keyreplay/internal/input/mouse"
)

// LogInjector is a dry-run Injector that only logs what it would inject.
type LogInjector struct {
	logger *slog.Logger
}

// NewLogInjector creates a dry-run injector writing to logger.
func NewLogInjector(logger *slog.Logger) *LogInjector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogInjector{logger: logger.With("component", "inject.dryrun")}
}

func (l *LogInjector) KeyDown(ctx context.Context, code key.Code) error {
	l.logger.InfoContext(ctx, "key down", "key", code.String())
	return nil
}

func (l *LogInjector) KeyUp(ctx context.Context, code key.Code) error {
	l.logger.InfoContext(ctx, "key up", "key", code.String())
	return nil
}

func (l *LogInjector) PointerMove(ctx context.Context, x, y int) error {
	l.logger.InfoContext(ctx, "pointer move", "x", x, "y", y)
	return nil
}

func (l *LogInjector) PointerButton(ctx context.Context, button mouse.Button, down bool) error {
	l.logger.InfoContext(ctx, "pointer button", "button", button.String(), "down", down)
	return nil
}

func (l *LogInjector) Wheel(ctx context.Context, delta int) error {
	l.logger.InfoContext(ctx, "wheel", "delta", delta)
	return nil
}

// StaticFrames is a FrameSource serving a fixed screen image. It stands in
// for a real screen grabber on hosts without one, and lets a recorded
// screenshot be used to tune template thresholds offline.
type StaticFrames struct {
	mu     sync.RWMutex
	screen image.Image
}

// NewStaticFrames serves img as the whole screen.
func NewStaticFrames(img image.Image) *StaticFrames {
	return &StaticFrames{screen: img}
}

// LoadStaticFrames decodes a PNG or JPEG screenshot from path.
func LoadStaticFrames(path string) (*StaticFrames, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open screenshot: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot %s: %w", path, err)
	}
	return NewStaticFrames(img), nil
}

// SetScreen replaces the served image.
func (s *StaticFrames) SetScreen(img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screen = img
}

// CaptureFullScreen returns the current image.
func (s *StaticFrames) CaptureFullScreen(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.screen == nil {
		return nil, fmt.Errorf("static frames: %w", ErrUnsupported)
	}
	return s.screen, nil
}

// CaptureRegion returns a copy of the pixels inside r.
func (s *StaticFrames) CaptureRegion(ctx context.Context, r image.Rectangle) (image.Image, error) {
	full, err := s.CaptureFullScreen(ctx)
	if err != nil {
		return nil, err
	}
	r = r.Intersect(full.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("region %v is outside the screen %v", r, full.Bounds())
	}
	out := image.NewRGBA(r)
	draw.Draw(out, r, full, r.Min, draw.Src)
	return out, nil
}

// UnavailableHooks is the HookSource of platforms without input hooks.
type UnavailableHooks struct {
	Reason string
}

// Subscribe always fails with ErrUnsupported.
func (u UnavailableHooks) Subscribe(func(HookEvent)) (Subscription, error) {
	if u.Reason == "" {
		return nil, ErrUnsupported
	}
	return nil, fmt.Errorf("%s: %w", u.Reason, ErrUnsupported)
}
