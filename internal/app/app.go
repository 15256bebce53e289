// Package app wires the recorder, player, visual gate, hotkeys and
// recovery manager into one application and owns their shutdown.
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/keyreplay/internal/capture"
	"github.com/dshills/keyreplay/internal/config"
	"github.com/dshills/keyreplay/internal/hotkey"
	"github.com/dshills/keyreplay/internal/input/macro"
	"github.com/dshills/keyreplay/internal/logging"
	"github.com/dshills/keyreplay/internal/platform"
	"github.com/dshills/keyreplay/internal/recovery"
	"github.com/dshills/keyreplay/internal/vision"
)

// DefaultShutdownTimeout bounds Close when the caller's context has no
// deadline.
const DefaultShutdownTimeout = 5 * time.Second

// Options configure New.
type Options struct {
	// Config defaults to config.Default().
	Config *config.Config

	// ConfigPath is watched for live reload when Watch is set.
	ConfigPath string
	Watch      bool

	// Platform selects host adapters when Capabilities is nil.
	Platform platform.Options

	// Capabilities overrides platform detection.
	Capabilities *platform.Capabilities

	// HotkeyBackend defaults to a hotkey.LocalBackend.
	HotkeyBackend hotkey.Backend

	Logger *slog.Logger

	// LogLevel, when set, follows logging.level on reload.
	LogLevel *slog.LevelVar
}

// Application is the composition root.
type Application struct {
	logger   *slog.Logger
	logLevel *slog.LevelVar
	metrics  *Metrics

	caps      *platform.Capabilities
	ownsCaps  bool
	recovery  *recovery.Manager
	lua       *recovery.LuaStrategy
	templates *vision.TemplateStore
	matcher   *vision.Matcher
	player    *macro.Player
	hotkeys   *hotkey.Registrar
	listener  *capture.Listener
	recorder  *macro.Recorder
	watcher   *config.Watcher

	mu     sync.Mutex
	cfg    *config.Config
	last   *macro.Sequence
	closed bool
}

// New builds every component. On failure the components built so far are
// released.
func New(opts Options) (*Application, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	app := &Application{
		logger:   opts.Logger.With("component", "app"),
		logLevel: opts.LogLevel,
		metrics:  NewMetrics(),
		cfg:      opts.Config,
	}
	if err := newBootstrapper(app, opts).bootstrap(); err != nil {
		return nil, err
	}
	return app, nil
}

// Config returns the active configuration.
func (app *Application) Config() *config.Config {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.cfg
}

// Platform returns the host capabilities in use.
func (app *Application) Platform() *platform.Capabilities { return app.caps }

// Recorder returns the recorder.
func (app *Application) Recorder() *macro.Recorder { return app.recorder }

// Player returns the player.
func (app *Application) Player() *macro.Player { return app.player }

// Hotkeys returns the hotkey registrar.
func (app *Application) Hotkeys() *hotkey.Registrar { return app.hotkeys }

// Recovery returns the recovery manager.
func (app *Application) Recovery() *recovery.Manager { return app.recovery }

// Matcher returns the template matcher, or nil without a frame source.
func (app *Application) Matcher() *vision.Matcher { return app.matcher }

// Templates returns the template store.
func (app *Application) Templates() *vision.TemplateStore { return app.templates }

// Metrics returns activity counters.
func (app *Application) Metrics() MetricsSnapshot { return app.metrics.Snapshot() }

// ApplyConfig pushes live-tunable settings to running components. Other
// settings take effect on the next start.
func (app *Application) ApplyConfig(cfg *config.Config) {
	app.mu.Lock()
	app.cfg = cfg
	app.mu.Unlock()

	if app.recorder != nil {
		app.recorder.SetMoveInterval(cfg.Recording.MoveInterval.D())
	}
	app.player.SetSettleDelay(cfg.Playback.SettleDelay.D())
	if app.matcher != nil {
		app.matcher.SetThreshold(cfg.Vision.Threshold)
		app.matcher.SetPollInterval(cfg.Vision.PollInterval.D())
	}
	if app.logLevel != nil {
		if lvl, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
			app.logLevel.Set(lvl)
		}
	}
	app.logger.Info("configuration applied",
		"move_interval", cfg.Recording.MoveInterval,
		"settle_delay", cfg.Playback.SettleDelay,
		"threshold", cfg.Vision.Threshold,
		"poll_interval", cfg.Vision.PollInterval)
}

// Close shuts down in order: stop playback, close hotkeys, close
// recovery, stop the recorder. Every step runs even if an earlier one
// fails; the failures are joined.
func (app *Application) Close(ctx context.Context) error {
	app.mu.Lock()
	if app.closed {
		app.mu.Unlock()
		return nil
	}
	app.closed = true
	app.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultShutdownTimeout)
		defer cancel()
	}

	var errs []error
	step := func(component, action string, err error) {
		if err != nil {
			errs = append(errs, NewComponentError(component, action, err))
		}
	}

	if app.player != nil {
		app.player.Stop()
		step("player", "wait", app.player.Wait(ctx))
	}
	if app.listener != nil && app.listener.Active() {
		step("hotkeys", "stop listener", app.listener.Stop())
	}
	if app.hotkeys != nil {
		step("hotkeys", "close", app.hotkeys.Close(ctx))
	}
	if app.recovery != nil {
		step("recovery", "close", app.recovery.Close(ctx))
	}
	if app.lua != nil {
		step("recovery", "close lua", app.lua.Close())
	}
	if app.recorder != nil && app.recorder.IsRecording() {
		_, err := app.recorder.Stop()
		step("recorder", "stop", err)
	}
	if app.watcher != nil {
		step("config", "close watcher", app.watcher.Close())
	}
	if app.caps != nil && app.ownsCaps {
		step("platform", "close", app.caps.Close())
	}

	err := errors.Join(errs...)
	if err != nil {
		app.logger.Warn("shutdown completed with errors", "error", err)
	} else {
		app.logger.Info("shutdown complete")
	}
	return err
}

func (app *Application) isClosed() bool {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.closed
}
