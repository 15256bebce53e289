// Package main is the entry point for keyreplay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/dshills/keyreplay/internal/app"
	"github.com/dshills/keyreplay/internal/config"
	"github.com/dshills/keyreplay/internal/hotkey"
	"github.com/dshills/keyreplay/internal/input/key"
	"github.com/dshills/keyreplay/internal/input/macro"
	"github.com/dshills/keyreplay/internal/logging"
	"github.com/dshills/keyreplay/internal/platform"
	"github.com/dshills/keyreplay/internal/vision"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	platform   string
	watch      bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var g globalFlags
	var showVersion bool

	fs := flag.NewFlagSet("keyreplay", flag.ContinueOnError)
	fs.StringVar(&g.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&g.configPath, "c", "", "Path to configuration file (shorthand)")
	fs.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&g.logFormat, "log-format", "", "Log format (text, json)")
	fs.StringVar(&g.platform, "platform", "", "Adapter set (terminal, headless); empty selects automatically")
	fs.BoolVar(&g.watch, "watch", false, "Reload the configuration file when it changes")
	fs.BoolVar(&showVersion, "version", false, "Show version information")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "keyreplay - record and replay keyboard and pointer input\n\n")
		fmt.Fprintf(os.Stderr, "Usage: keyreplay [options] <command> [command options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  record    Record input until the record hotkey or Ctrl+C\n")
		fmt.Fprintf(os.Stderr, "  play      Replay a saved sequence\n")
		fmt.Fprintf(os.Stderr, "  inspect   List saved sequences and their actions\n")
		fmt.Fprintf(os.Stderr, "  match     Locate a template image in a screenshot\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Printf("keyreplay %s\nCommit: %s\nBuilt: %s\n", version, commit, date)
		return 0
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	var err error
	switch cmd {
	case "record":
		err = runRecord(g, rest)
	case "play":
		err = runPlay(g, rest)
	case "inspect":
		err = runInspect(g, rest)
	case "match":
		err = runMatch(g, rest)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig applies the config file, environment and flag overrides.
func loadConfig(g *globalFlags) (*config.Config, error) {
	if g.configPath == "" {
		if env := os.Getenv(config.EnvPrefix + "CONFIG"); env != "" {
			g.configPath = env
		} else if p, err := config.DefaultPath(); err == nil {
			g.configPath = p
		}
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}
	return cfg, cfg.Validate()
}

// newLogger builds the process logger. A terminal session owns the
// screen, so its logs go to the configured file or nowhere. The returned
// file is nil unless logging.file is set.
func newLogger(cfg *config.Config, terminal bool) (*slog.Logger, *slog.LevelVar, *os.File, error) {
	var out io.Writer = os.Stderr
	var file *os.File
	switch {
	case cfg.Logging.File != "":
		f, err := logging.OpenFile(cfg.Logging.File)
		if err != nil {
			return nil, nil, nil, err
		}
		out, file = f, f
	case terminal:
		out = io.Discard
	}
	logger, level, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
	})
	if err != nil {
		if file != nil {
			_ = file.Close()
		}
		return nil, nil, nil, err
	}
	return logger, level, file, nil
}

// session is a running application plus the resources main owns.
type session struct {
	app     *app.Application
	screen  tcell.Screen
	closers []io.Closer
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), app.DefaultShutdownTimeout)
	defer cancel()
	if err := s.app.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: shutdown: %v\n", err)
	}
	if s.screen != nil {
		s.screen.Fini()
	}
	for _, c := range s.closers {
		_ = c.Close()
	}
}

func startSession(g globalFlags, cfg *config.Config, terminal bool) (*session, error) {
	s := &session{}
	popts := platform.Options{Prefer: g.platform}
	if terminal {
		screen, err := tcell.NewScreen()
		if err != nil {
			return nil, fmt.Errorf("create terminal: %w", err)
		}
		if err := screen.Init(); err != nil {
			return nil, fmt.Errorf("init terminal: %w", err)
		}
		screen.EnableMouse()
		s.screen = screen
		popts.Screen = screen
		popts.Prefer = "terminal"
	}

	logger, level, logFile, err := newLogger(cfg, terminal)
	if err != nil {
		if s.screen != nil {
			s.screen.Fini()
		}
		return nil, err
	}
	if logFile != nil {
		s.closers = append(s.closers, logFile)
	}
	popts.Logger = logger

	a, err := app.New(app.Options{
		Config:     cfg,
		ConfigPath: g.configPath,
		Watch:      g.watch,
		Platform:   popts,
		Logger:     logger,
		LogLevel:   level,
	})
	if err != nil {
		if s.screen != nil {
			s.screen.Fini()
		}
		for _, c := range s.closers {
			_ = c.Close()
		}
		return nil, err
	}
	s.app = a
	return s, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runRecord(g globalFlags, args []string) error {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	out := fs.String("o", "", "Output sequence file (defaults to playback.sequence_file)")
	name := fs.String("name", "", "Sequence name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(&g)
	if err != nil {
		return err
	}
	if *out != "" {
		cfg.Playback.SequenceFile = *out
	}
	s, err := startSession(g, cfg, g.platform == "" || g.platform == "terminal")
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := signalContext()
	defer stop()

	// A raw terminal delivers Ctrl+C as a key event instead of SIGINT.
	if s.screen != nil {
		err := s.app.Hotkeys().Register("quit", key.ModCtrl, key.FromRune('C'), func(hotkey.Binding) { stop() })
		if err != nil {
			return err
		}
	}

	if err := s.app.StartRecording(*name); err != nil {
		return err
	}
	if s.screen != nil {
		drawStatus(s.screen, "recording: press "+cfg.Hotkeys.Record+" or Ctrl+C to stop")
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.app.Recorder().IsRecording() {
		select {
		case <-ctx.Done():
			if _, err := s.app.StopRecording(); err != nil && !errors.Is(err, macro.ErrNotRecording) {
				return err
			}
		case <-ticker.C:
		}
	}

	if err := s.app.SaveLast(""); err != nil {
		return err
	}
	seq, _ := s.app.LastSequence()
	fmt.Printf("recorded %d actions into %q\n", seq.Len(), seq.Name())
	return nil
}

func runPlay(g globalFlags, args []string) error {
	fs := flag.NewFlagSet("play", flag.ContinueOnError)
	file := fs.String("f", "", "Sequence file (defaults to playback.sequence_file)")
	name := fs.String("name", "", "Sequence name (defaults to the first in the file)")
	repeat := fs.Int("repeat", 0, "Number of passes (overrides the saved value)")
	loop := fs.Bool("loop", false, "Repeat until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(&g)
	if err != nil {
		return err
	}
	seq, err := loadSequence(cfg, *file, *name)
	if err != nil {
		return err
	}
	if *repeat > 0 {
		seq = seq.WithRepeat(*repeat)
	}
	if *loop {
		seq = seq.WithLoop(true)
	}

	s, err := startSession(g, cfg, g.platform == "terminal")
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := signalContext()
	defer stop()
	if err := s.app.Play(seq); err != nil {
		return err
	}
	if err := s.app.Player().Wait(ctx); err != nil {
		s.app.StopPlayback()
		_ = s.app.Player().Wait(context.Background())
	}
	m := s.app.Metrics()
	fmt.Printf("played %q: %d actions, %d failures, %d gate timeouts\n", seq.Name(), m.Executed, m.Failures, m.GateTimeouts)
	if m.Aborted > 0 {
		return errors.New("playback aborted by recovery")
	}
	return nil
}

func loadSequence(cfg *config.Config, file, name string) (*macro.Sequence, error) {
	if file == "" {
		file = cfg.Playback.SequenceFile
	}
	if file == "" {
		var err error
		if file, err = macro.DefaultSequencePath(); err != nil {
			return nil, err
		}
	}
	return macro.LoadNamed(file, name)
}

func runInspect(g globalFlags, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	file := fs.String("f", "", "Sequence file (defaults to playback.sequence_file)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(&g)
	if err != nil {
		return err
	}
	if *file == "" {
		*file = cfg.Playback.SequenceFile
	}
	if *file == "" {
		if *file, err = macro.DefaultSequencePath(); err != nil {
			return err
		}
	}
	seqs, err := macro.Load(*file)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, seq := range seqs {
		fmt.Fprintf(w, "%s\t%d actions\t%s\tpasses=%d loop=%t\n",
			seq.Name(), seq.Len(), seq.TotalDelay(), seq.Passes(), seq.Loop())
		for i, a := range seq.Actions() {
			fmt.Fprintf(w, "  %d\t+%s\t%s\n", i, a.Delay, a)
		}
	}
	return w.Flush()
}

func runMatch(g globalFlags, args []string) error {
	fs := flag.NewFlagSet("match", flag.ContinueOnError)
	screenshot := fs.String("screen", "", "Screenshot to search (PNG or JPEG)")
	templatePath := fs.String("template", "", "Template image to find")
	threshold := fs.Float64("threshold", 0, "Minimum confidence (defaults to vision.threshold)")
	all := fs.Bool("all", false, "Report every match, not just the best")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *screenshot == "" || *templatePath == "" {
		return errors.New("match needs -screen and -template")
	}
	cfg, err := loadConfig(&g)
	if err != nil {
		return err
	}

	frames, err := platform.LoadStaticFrames(*screenshot)
	if err != nil {
		return err
	}
	tmpl, err := vision.LoadTemplate(*templatePath)
	if err != nil {
		return err
	}
	m, err := vision.NewMatcher(frames, vision.MatcherOptions{Threshold: cfg.Vision.Threshold})
	if err != nil {
		return err
	}
	opts := []vision.Option{vision.WithThreshold(*threshold)}

	ctx := context.Background()
	var results []vision.MatchResult
	if *all {
		results, err = m.FindAllImages(ctx, tmpl, opts...)
	} else {
		var r vision.MatchResult
		var found bool
		r, found, err = m.FindImage(ctx, tmpl, opts...)
		if found {
			results = append(results, r)
		}
	}
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return fmt.Errorf("template %q not found", tmpl.Name)
	}
	for _, r := range results {
		fmt.Printf("%s at (%d,%d) confidence %.3f region %v\n", tmpl.Name, r.Position.X, r.Position.Y, r.Confidence, r.Region)
	}
	return nil
}

func drawStatus(screen tcell.Screen, msg string) {
	screen.Clear()
	style := tcell.StyleDefault.Reverse(true)
	for i, r := range msg {
		screen.SetContent(i, 0, r, nil, style)
	}
	screen.Show()
}
