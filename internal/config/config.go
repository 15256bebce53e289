package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/keyreplay/internal/input/key"
)

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText encodes d as a duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a duration string such as "50ms".
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the complete keyreplay configuration.
type Config struct {
	Recording RecordingConfig `toml:"recording"`
	Playback  PlaybackConfig  `toml:"playback"`
	Vision    VisionConfig    `toml:"vision"`
	Recovery  RecoveryConfig  `toml:"recovery"`
	Hotkeys   HotkeyConfig    `toml:"hotkeys"`
	Logging   LoggingConfig   `toml:"logging"`
}

// RecordingConfig tunes the recorder.
type RecordingConfig struct {
	// MoveInterval is the minimum spacing of recorded pointer moves.
	// Negative records every move.
	MoveInterval Duration `toml:"move_interval"`

	// SuppressAutoRepeat drops repeated key-downs without a key-up.
	SuppressAutoRepeat bool `toml:"suppress_auto_repeat"`
}

// PlaybackConfig tunes the player.
type PlaybackConfig struct {
	// SettleDelay follows every non-Delay action. Negative disables it.
	SettleDelay Duration `toml:"settle_delay"`

	// SequenceFile is where recordings are saved and loaded.
	SequenceFile string `toml:"sequence_file"`
}

// VisionConfig tunes template matching.
type VisionConfig struct {
	Threshold    float64  `toml:"threshold"`
	PollInterval Duration `toml:"poll_interval"`

	// TemplateDir holds PNG/JPEG templates named by WaitImage actions.
	TemplateDir string `toml:"template_dir"`

	// Screenshot is an image used as the screen by the headless frame
	// source.
	Screenshot string `toml:"screenshot"`
}

// RecoveryConfig tunes the recovery manager.
type RecoveryConfig struct {
	QueueSize  int      `toml:"queue_size"`
	MaxRetry   int      `toml:"max_retry"`
	RetryDelay Duration `toml:"retry_delay"`

	// Script is an optional Lua file defining recover(record).
	Script string `toml:"script"`
}

// HotkeyConfig holds combo strings; empty disables a binding.
type HotkeyConfig struct {
	Record string `toml:"record"`
	Play   string `toml:"play"`
	Pause  string `toml:"pause"`
	Stop   string `toml:"stop"`
}

// Bindings returns the non-empty hotkeys keyed by action.
func (h HotkeyConfig) Bindings() map[string]string {
	out := make(map[string]string, 4)
	for id, spec := range map[string]string{
		"record": h.Record,
		"play":   h.Play,
		"pause":  h.Pause,
		"stop":   h.Stop,
	} {
		if strings.TrimSpace(spec) != "" {
			out[id] = spec
		}
	}
	return out
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Recording: RecordingConfig{
			MoveInterval:       Duration(50 * time.Millisecond),
			SuppressAutoRepeat: true,
		},
		Playback: PlaybackConfig{
			SettleDelay: Duration(10 * time.Millisecond),
		},
		Vision: VisionConfig{
			Threshold:    0.8,
			PollInterval: Duration(100 * time.Millisecond),
		},
		Recovery: RecoveryConfig{
			QueueSize:  64,
			RetryDelay: Duration(100 * time.Millisecond),
		},
		Hotkeys: HotkeyConfig{
			Record: "Ctrl+Shift+F9",
			Play:   "Ctrl+Shift+F10",
			Pause:  "Ctrl+Shift+F11",
			Stop:   "Ctrl+Shift+F12",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks every setting and joins the failures.
func (c *Config) Validate() error {
	var errs []error
	bad := func(k, format string, args ...any) {
		errs = append(errs, &ValidationError{Key: k, Message: fmt.Sprintf(format, args...)})
	}

	if t := c.Vision.Threshold; t <= 0 || t > 1 {
		bad("vision.threshold", "must be in (0, 1], got %v", t)
	}
	if c.Vision.PollInterval <= 0 {
		bad("vision.poll_interval", "must be positive, got %s", c.Vision.PollInterval)
	}
	if c.Recovery.QueueSize <= 0 {
		bad("recovery.queue_size", "must be positive, got %d", c.Recovery.QueueSize)
	}
	if c.Recovery.MaxRetry < 0 {
		bad("recovery.max_retry", "must not be negative, got %d", c.Recovery.MaxRetry)
	}
	if c.Recovery.RetryDelay < 0 {
		bad("recovery.retry_delay", "must not be negative, got %s", c.Recovery.RetryDelay)
	}

	seen := make(map[key.Combo]string)
	for _, id := range []string{"pause", "play", "record", "stop"} {
		spec, ok := c.Hotkeys.Bindings()[id]
		if !ok {
			continue
		}
		combo, err := key.ParseCombo(spec)
		if err != nil {
			bad("hotkeys."+id, "%v", err)
			continue
		}
		if other, dup := seen[combo]; dup {
			bad("hotkeys."+id, "%s already used by hotkeys.%s", combo, other)
			continue
		}
		seen[combo] = id
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		bad("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		bad("logging.format", "unknown format %q", c.Logging.Format)
	}
	return errors.Join(errs...)
}

// DefaultPath returns the per-user configuration file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "keyreplay", "config.toml"), nil
}
