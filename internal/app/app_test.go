package app

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/keyreplay/internal/capture"
	"github.com/dshills/keyreplay/internal/config"
	"github.com/dshills/keyreplay/internal/hotkey"
	"github.com/dshills/keyreplay/internal/input/key"
	"github.com/dshills/keyreplay/internal/input/macro"
	"github.com/dshills/keyreplay/internal/input/mouse"
	"github.com/dshills/keyreplay/internal/platform"
	"github.com/dshills/keyreplay/internal/vision"
)

type fakeInjector struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeInjector) add(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeInjector) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeInjector) KeyDown(_ context.Context, c key.Code) error { return f.add("down " + c.String()) }
func (f *fakeInjector) KeyUp(_ context.Context, c key.Code) error   { return f.add("up " + c.String()) }
func (f *fakeInjector) PointerMove(_ context.Context, x, y int) error {
	return f.add(fmt.Sprintf("move %d,%d", x, y))
}
func (f *fakeInjector) PointerButton(_ context.Context, b mouse.Button, down bool) error {
	if down {
		return f.add("press " + b.String())
	}
	return f.add("release " + b.String())
}
func (f *fakeInjector) Wheel(_ context.Context, delta int) error {
	return f.add(fmt.Sprintf("wheel %d", delta))
}

type harness struct {
	app      *Application
	feed     *platform.Feed
	injector *fakeInjector
	frames   *platform.StaticFrames
	backend  *hotkey.LocalBackend
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Hotkeys = config.HotkeyConfig{Record: "F9", Play: "F10"}
	cfg.Playback.SettleDelay = config.Duration(-1)
	cfg.Vision.PollInterval = config.Duration(5 * time.Millisecond)
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{
		feed:     platform.NewFeed(),
		injector: &fakeInjector{},
		frames:   platform.NewStaticFrames(solidImage(64, 48, color.White)),
		backend:  hotkey.NewLocalBackend(),
	}
	app, err := New(Options{
		Config: cfg,
		Capabilities: &platform.Capabilities{
			Name:     "test",
			Injector: h.injector,
			Frames:   h.frames,
			Hooks:    h.feed,
		},
		HotkeyBackend: h.backend,
	})
	require.NoError(t, err)
	h.app = app
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return h
}

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func (h *harness) tap(code key.Code) {
	h.feed.Emit(platform.KeyHook{Code: code, Down: true})
	h.feed.Emit(platform.KeyHook{Code: code, Down: false})
}

func TestRecordAndReplayThroughHotkeys(t *testing.T) {
	h := newHarness(t, testConfig())
	assert.Equal(t, []string{"play", "record"}, h.backend.Installed())

	h.tap(key.CodeF9)
	require.Eventually(t, h.app.Recorder().IsRecording, time.Second, time.Millisecond)

	h.tap(key.FromRune('a'))
	h.feed.Emit(platform.PointerHook{Action: platform.PointerPressed, Button: mouse.ButtonLeft, X: 5, Y: 6})
	h.feed.Emit(platform.PointerHook{Action: platform.PointerReleased, Button: mouse.ButtonLeft, X: 5, Y: 6})

	h.tap(key.CodeF9)
	require.Eventually(t, func() bool { return !h.app.Recorder().IsRecording() }, time.Second, time.Millisecond)

	seq, ok := h.app.LastSequence()
	require.True(t, ok)
	require.Equal(t, 4, seq.Len(), "hotkey presses stay out of the recording: %v", seq)

	h.tap(key.CodeF10)
	require.Eventually(t, func() bool { return h.app.Metrics().Completed == 1 }, 2*time.Second, time.Millisecond)

	assert.Equal(t, []string{"down a", "up a", "press left", "release left"}, h.injector.Calls())
	m := h.app.Metrics()
	assert.Equal(t, uint64(1), m.Recordings)
	assert.Equal(t, uint64(4), m.RecordedActions)
	assert.Equal(t, uint64(4), m.Executed)
	assert.Zero(t, m.FailureRate())
}

func TestPlayWaitsForTemplate(t *testing.T) {
	h := newHarness(t, testConfig())

	patch := image.NewRGBA(image.Rect(0, 0, 6, 6))
	for i := range patch.Pix {
		patch.Pix[i] = uint8(i * 37)
	}
	tmpl, err := vision.NewTemplate("dialog", patch)
	require.NoError(t, err)
	h.app.Templates().Add(tmpl)

	seq := macro.NewSequence("gated", []macro.Action{
		macro.WaitImage("dialog", 0, 5*time.Second),
		macro.KeyDown(key.CodeEnter, 0),
	})
	require.NoError(t, h.app.Play(seq))

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.injector.Calls())

	screen := solidImage(64, 48, color.White)
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			screen.Set(20+x, 10+y, patch.At(x, y))
		}
	}
	h.frames.SetScreen(screen)

	require.NoError(t, h.app.Player().Wait(context.Background()))
	assert.Equal(t, []string{"down Enter"}, h.injector.Calls())
	assert.Zero(t, h.app.Metrics().GateTimeouts)
}

func TestStartRecordingWithoutHooks(t *testing.T) {
	app, err := New(Options{
		Config: testConfig(),
		Capabilities: &platform.Capabilities{
			Name:     "headless",
			Injector: &fakeInjector{},
			Hooks:    platform.UnavailableHooks{},
		},
	})
	require.NoError(t, err)
	defer app.Close(context.Background())

	assert.Nil(t, app.Matcher())
	err = app.StartRecording("x")
	assert.ErrorIs(t, err, capture.ErrCaptureUnavailable)
	assert.False(t, app.Recorder().IsRecording())
}

func TestApplyConfig(t *testing.T) {
	h := newHarness(t, testConfig())

	cfg := testConfig()
	cfg.Recording.MoveInterval = config.Duration(200 * time.Millisecond)
	cfg.Vision.Threshold = 0.9
	cfg.Vision.PollInterval = config.Duration(time.Second)
	h.app.ApplyConfig(cfg)

	assert.Equal(t, 200*time.Millisecond, h.app.Recorder().MoveInterval())
	threshold, poll := h.app.Matcher().Defaults()
	assert.Equal(t, 0.9, threshold)
	assert.Equal(t, time.Second, poll)
	assert.Same(t, cfg, h.app.Config())
}

func TestSaveLast(t *testing.T) {
	h := newHarness(t, testConfig())
	assert.ErrorIs(t, h.app.SaveLast(""), ErrNothingRecorded)

	seq := macro.NewSequence("saved", []macro.Action{macro.KeyDown(key.CodeTab, 0)})
	h.app.SetLastSequence(seq)

	path := filepath.Join(t.TempDir(), "seq.yaml")
	require.NoError(t, h.app.SaveLast(path))

	loaded, err := macro.LoadNamed(path, "saved")
	require.NoError(t, err)
	assert.Equal(t, seq.Actions(), loaded.Actions())
}

func TestCloseShutsEverythingDown(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.app.StartRecording("open"))

	require.NoError(t, h.app.Close(context.Background()))
	require.NoError(t, h.app.Close(context.Background()))

	assert.False(t, h.app.Recorder().IsRecording())
	assert.Empty(t, h.backend.Installed())
	assert.Zero(t, h.feed.Subscribers())
	_, ok := h.app.Recovery().HandleException(assert.AnError, nil)
	assert.False(t, ok)
	assert.ErrorIs(t, h.app.StartRecording("again"), ErrClosed)
}

func TestNewReportsFailingComponent(t *testing.T) {
	cfg := testConfig()
	cfg.Recovery.Script = filepath.Join(t.TempDir(), "missing.lua")

	_, err := New(Options{
		Config: cfg,
		Capabilities: &platform.Capabilities{
			Injector: &fakeInjector{},
			Hooks:    platform.NewFeed(),
		},
	})
	var cerr *ComponentError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "recovery", cerr.Component)
}
