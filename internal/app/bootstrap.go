package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/keyreplay/internal/capture"
	"github.com/dshills/keyreplay/internal/config"
	"github.com/dshills/keyreplay/internal/hotkey"
	"github.com/dshills/keyreplay/internal/input/macro"
	"github.com/dshills/keyreplay/internal/platform"
	"github.com/dshills/keyreplay/internal/recovery"
	"github.com/dshills/keyreplay/internal/vision"
)

// Recovery strategy priorities; lower runs first.
const (
	priorityRetry = 10
	priorityLua   = 20
	priorityLog   = 100
)

// bootstrapper builds components in dependency order.
type bootstrapper struct {
	app    *Application
	opts   Options
	cfg    *config.Config
	logger *slog.Logger
}

func newBootstrapper(app *Application, opts Options) *bootstrapper {
	return &bootstrapper{
		app:    app,
		opts:   opts,
		cfg:    opts.Config,
		logger: opts.Logger,
	}
}

func (b *bootstrapper) bootstrap() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"platform", b.initPlatform},
		{"recovery", b.initRecovery},
		{"vision", b.initVision},
		{"player", b.initPlayer},
		{"hotkeys", b.initHotkeys},
		{"recorder", b.initRecorder},
		{"config", b.initWatcher},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			b.cleanup()
			return NewComponentError(s.name, "init", err)
		}
	}
	b.logger.Info("keyreplay ready",
		"platform", b.app.caps.Name,
		"frames", b.app.caps.Frames != nil,
		"templates", len(b.app.templates.Names()),
		"hotkeys", len(b.app.hotkeys.ListRegistered()))
	return nil
}

func (b *bootstrapper) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := b.app.Close(ctx); err != nil {
		b.logger.Warn("cleanup after failed start", "error", err)
	}
}

func (b *bootstrapper) initPlatform() error {
	if b.opts.Capabilities != nil {
		b.app.caps = b.opts.Capabilities
		return nil
	}
	popts := b.opts.Platform
	if popts.Screenshot == "" {
		popts.Screenshot = b.cfg.Vision.Screenshot
	}
	if popts.Logger == nil {
		popts.Logger = b.logger
	}
	caps, err := platform.Detect(popts)
	if err != nil {
		return err
	}
	b.app.caps = caps
	b.app.ownsCaps = true
	return nil
}

func (b *bootstrapper) initRecovery() error {
	rc := b.cfg.Recovery
	m := recovery.NewManager(recovery.Options{
		QueueSize: rc.QueueSize,
		Logger:    b.logger,
	})
	b.app.recovery = m

	err := recovery.Register[recovery.Retryable](m, "retry", priorityRetry, recovery.RetryOperation(),
		recovery.WithMaxRetry(rc.MaxRetry),
		recovery.WithRetryDelay(rc.RetryDelay.D()))
	if err != nil {
		return err
	}

	if rc.Script != "" {
		lua, err := recovery.LoadLuaStrategy("lua", rc.Script, b.logger)
		if err != nil {
			return err
		}
		b.app.lua = lua
		if err := recovery.Register[error](m, "lua", priorityLua, lua); err != nil {
			return err
		}
	}

	return recovery.Register[error](m, "log", priorityLog, recovery.Log(b.logger, slog.LevelWarn))
}

func (b *bootstrapper) initVision() error {
	vc := b.cfg.Vision
	b.app.templates = vision.NewTemplateStore()
	if vc.TemplateDir != "" {
		n, err := b.app.templates.LoadDir(vc.TemplateDir)
		if err != nil {
			return err
		}
		b.logger.Debug("templates loaded", "dir", vc.TemplateDir, "count", n)
	}

	if b.app.caps.Frames == nil {
		b.logger.Info("no frame source; visual waits unavailable")
		return nil
	}
	m, err := vision.NewMatcher(b.app.caps.Frames, vision.MatcherOptions{
		Threshold:    vc.Threshold,
		PollInterval: vc.PollInterval.D(),
		Logger:       b.logger,
	})
	if err != nil {
		return err
	}
	b.app.matcher = m
	return nil
}

func (b *bootstrapper) initPlayer() error {
	if b.app.caps.Injector == nil {
		return fmt.Errorf("input injection: %w", ErrComponentNotAvailable)
	}
	opts := macro.PlayerOptions{
		Injector:    b.app.caps.Injector,
		Recovery:    b.app.recovery,
		SettleDelay: b.cfg.Playback.SettleDelay.D(),
		Logger:      b.logger,
	}
	if b.app.matcher != nil {
		opts.Gate = vision.NewGate(b.app.matcher, b.app.templates)
	}
	p, err := macro.NewPlayer(opts)
	if err != nil {
		return err
	}
	p.OnComplete(b.app.playbackFinished)
	b.app.player = p
	return nil
}

func (b *bootstrapper) initHotkeys() error {
	b.app.hotkeys = hotkey.NewRegistrar(hotkey.Options{
		Backend: b.opts.HotkeyBackend,
		Errors:  b.app.recovery,
		Logger:  b.logger,
	})

	actions := map[string]func(){
		"record": b.app.toggleRecording,
		"play":   b.app.playLast,
		"pause":  b.app.togglePause,
		"stop":   b.app.StopPlayback,
	}
	for id, spec := range b.cfg.Hotkeys.Bindings() {
		run := actions[id]
		if err := b.app.hotkeys.RegisterCombo(id, spec, func(hotkey.Binding) { run() }); err != nil {
			return err
		}
	}

	if b.app.caps.Hooks == nil {
		return nil
	}
	l, err := capture.NewListener(capture.Options{
		Source: b.app.caps.Hooks,
		Errors: b.app.recovery,
		Logger: b.logger,
	})
	if err != nil {
		return err
	}
	if err := l.Start(b.app.hotkeys.HandleEvent); err != nil {
		if !errors.Is(err, capture.ErrCaptureUnavailable) {
			return err
		}
		b.logger.Warn("hotkeys limited to explicit triggers", "error", err)
		return nil
	}
	b.app.listener = l
	return nil
}

func (b *bootstrapper) initRecorder() error {
	if b.app.caps.Hooks == nil {
		return nil
	}
	rc := b.cfg.Recording
	r, err := macro.NewRecorder(macro.RecorderOptions{
		Source:             b.app.caps.Hooks,
		MoveInterval:       rc.MoveInterval.D(),
		SuppressAutoRepeat: rc.SuppressAutoRepeat,
		Ignore:             b.app.hotkeys.IsHotkey,
		Errors:             b.app.recovery,
		Logger:             b.logger,
	})
	if err != nil {
		return err
	}
	b.app.recorder = r
	return nil
}

func (b *bootstrapper) initWatcher() error {
	if !b.opts.Watch || b.opts.ConfigPath == "" {
		return nil
	}
	w, err := config.NewWatcher(b.opts.ConfigPath, b.cfg, config.WatcherOptions{Logger: b.logger})
	if err != nil {
		return err
	}
	w.Subscribe(b.app.ApplyConfig)
	b.app.watcher = w
	return nil
}

func (app *Application) playbackFinished(c macro.Completion) {
	app.metrics.RecordCompletion(c)
	app.logger.Info("playback finished",
		"sequence", c.Sequence,
		"reason", c.Reason.String(),
		"passes", c.Passes,
		"executed", c.Executed,
		"failures", c.Failures,
		"elapsed", c.Elapsed.Round(time.Millisecond))
}
