package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dshills/keyreplay/internal/platform"
)

// Defaults for searches and waits.
const (
	DefaultThreshold    = 0.8
	DefaultPollInterval = 100 * time.Millisecond
)

// MatchResult is one located template.
type MatchResult struct {
	// Position is the centre of the match in screen coordinates.
	Position image.Point

	Confidence float64

	// Region is the matched rectangle in screen coordinates.
	Region image.Rectangle

	TemplateSize image.Point
}

type searchConfig struct {
	threshold  float64
	area       image.Rectangle
	maxResults int
	exhaustive bool
}

// Coarse peaks refined at full resolution per search.
const (
	findCandidates    = 16
	findAllCandidates = 64
)

// Option tunes a search.
type Option func(*searchConfig)

// WithThreshold sets the minimum confidence. Values outside (0,1] are
// ignored.
func WithThreshold(t float64) Option {
	return func(c *searchConfig) {
		if t > 0 && t <= 1 {
			c.threshold = t
		}
	}
}

// WithArea restricts the search to a screen rectangle.
func WithArea(r image.Rectangle) Option {
	return func(c *searchConfig) {
		c.area = r
	}
}

// WithExhaustive scores every placement at full resolution instead of
// refining coarse peaks. It finds templates whose only distinguishing
// detail is finer than the coarse level, at a much higher cost.
func WithExhaustive() Option {
	return func(c *searchConfig) {
		c.exhaustive = true
	}
}

// WithMaxResults caps FindAllImages. Zero means unlimited.
func WithMaxResults(n int) Option {
	return func(c *searchConfig) {
		c.maxResults = max(n, 0)
	}
}

// WaitOptions configure WaitForImage and WaitForImageDisappear.
type WaitOptions struct {
	// Timeout bounds the wait. Zero waits until ctx is done.
	Timeout time.Duration

	// Threshold defaults to the matcher threshold.
	Threshold float64

	// PollInterval defaults to the matcher poll interval.
	PollInterval time.Duration

	// Area restricts the search; empty means the full screen.
	Area image.Rectangle
}

// MatcherOptions configure a Matcher.
type MatcherOptions struct {
	// Threshold defaults to DefaultThreshold.
	Threshold float64

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	Logger *slog.Logger
}

// Matcher searches frames from a FrameSource.
//
// Scoring one placement costs one multiply-add per template pixel, so an
// exhaustive search costs frame area times template area. Templates at
// least 24 pixels on their shorter side are searched coarse-to-fine: the
// full-resolution work is limited to a few neighbourhoods of coarse
// peaks, and the coarse pass costs 1/step^4 of an exhaustive one (step is
// up to 8). Smaller templates are always searched exhaustively.
// WithArea shrinks the frame and is the cheapest way to speed up a wait.
type Matcher struct {
	frames platform.FrameSource
	logger *slog.Logger

	mu           sync.RWMutex
	threshold    float64
	pollInterval time.Duration
}

// NewMatcher creates a matcher reading frames from frames.
func NewMatcher(frames platform.FrameSource, opts MatcherOptions) (*Matcher, error) {
	if frames == nil {
		return nil, fmt.Errorf("frame source: %w", platform.ErrUnsupported)
	}
	threshold := opts.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Matcher{
		frames:       frames,
		threshold:    threshold,
		pollInterval: interval,
		logger:       logger.With("component", "vision"),
	}, nil
}

// SetThreshold changes the default confidence threshold. Values outside
// (0,1] are ignored.
func (m *Matcher) SetThreshold(t float64) {
	if t <= 0 || t > 1 {
		return
	}
	m.mu.Lock()
	m.threshold = t
	m.mu.Unlock()
}

// SetPollInterval changes the default wait poll interval.
func (m *Matcher) SetPollInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultPollInterval
	}
	m.mu.Lock()
	m.pollInterval = d
	m.mu.Unlock()
}

// Defaults returns the current threshold and poll interval.
func (m *Matcher) Defaults() (threshold float64, pollInterval time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.threshold, m.pollInterval
}

func (m *Matcher) config(opts []Option) searchConfig {
	threshold, _ := m.Defaults()
	c := searchConfig{threshold: threshold}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// scan captures a frame and scores every placement of t. ok is false when
// the template does not fit in the searched area.
func (m *Matcher) scan(ctx context.Context, t *Template, cfg searchConfig, candidates int) (s *surface, origin image.Point, ok bool, err error) {
	area := cfg.area
	var frame image.Image
	if area.Empty() {
		frame, err = m.frames.CaptureFullScreen(ctx)
	} else {
		frame, err = m.frames.CaptureRegion(ctx, area)
	}
	if err != nil {
		return nil, image.Point{}, false, fmt.Errorf("capture frame: %w", err)
	}

	origin = frame.Bounds().Min
	if !area.Empty() && origin == (image.Point{}) {
		origin = area.Min
	}

	fb := frame.Bounds()
	if t.prep.w > fb.Dx() || t.prep.h > fb.Dy() {
		return nil, origin, false, nil
	}
	s, err = search(ctx, toLuma(frame), t.prep, cfg.threshold, candidates, cfg.exhaustive)
	if err != nil {
		return nil, origin, false, err
	}
	return s, origin, true, nil
}

func (m *Matcher) result(t *Template, origin, at image.Point, confidence float64) MatchResult {
	size := t.Size()
	topLeft := origin.Add(at)
	region := image.Rectangle{Min: topLeft, Max: topLeft.Add(size)}
	return MatchResult{
		Position:     topLeft.Add(size.Div(2)),
		Confidence:   confidence,
		Region:       region,
		TemplateSize: size,
	}
}

// FindImage returns the best placement of t if its confidence reaches the
// threshold.
func (m *Matcher) FindImage(ctx context.Context, t *Template, opts ...Option) (MatchResult, bool, error) {
	cfg := m.config(opts)
	s, origin, ok, err := m.scan(ctx, t, cfg, findCandidates)
	if err != nil || !ok {
		return MatchResult{}, false, err
	}
	at, confidence := s.best()
	if confidence < cfg.threshold {
		m.logger.Debug("template not found", "template", t.Name, "best", confidence, "threshold", cfg.threshold)
		return MatchResult{}, false, nil
	}
	return m.result(t, origin, at, confidence), true, nil
}

// FindAllImages returns every local maximum reaching the threshold,
// highest confidence first, with overlapping hits suppressed.
func (m *Matcher) FindAllImages(ctx context.Context, t *Template, opts ...Option) ([]MatchResult, error) {
	cfg := m.config(opts)
	candidates := findAllCandidates
	if cfg.maxResults > 0 {
		candidates = min(candidates, 4*cfg.maxResults)
	}
	s, origin, ok, err := m.scan(ctx, t, cfg, candidates)
	if err != nil || !ok {
		return nil, err
	}

	results := make([]MatchResult, 0)
	for _, p := range s.peaks(cfg.threshold) {
		results = append(results, m.result(t, origin, p, s.at(p.X, p.Y)))
	}
	slices.SortStableFunc(results, func(a, b MatchResult) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		}
		return 0
	})
	return suppress(results, cfg.maxResults), nil
}

// suppress keeps matches in order, dropping any that overlap a kept one.
func suppress(sorted []MatchResult, limit int) []MatchResult {
	var kept []MatchResult
	for _, c := range sorted {
		if limit > 0 && len(kept) == limit {
			break
		}
		overlaps := slices.ContainsFunc(kept, func(k MatchResult) bool {
			return k.Region.Overlaps(c.Region)
		})
		if !overlaps {
			kept = append(kept, c)
		}
	}
	return kept
}

func (m *Matcher) waitConfig(w WaitOptions) (time.Duration, []Option) {
	interval := w.PollInterval
	if interval <= 0 {
		_, interval = m.Defaults()
	}
	opts := []Option{WithArea(w.Area)}
	if w.Threshold > 0 {
		opts = append(opts, WithThreshold(w.Threshold))
	}
	return interval, opts
}

// poll evaluates check until it reports done, the timeout passes, or ctx
// ends. A timeout returns false with a nil error.
func poll(ctx context.Context, timeout, interval time.Duration, check func(context.Context) (bool, error)) (bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := check(ctx)
		if err != nil {
			if timeout > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
				return false, nil
			}
			return false, err
		}
		if done {
			return true, nil
		}
		select {
		case <-ctx.Done():
			if timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, nil
			}
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForImage polls FindImage until t appears or the timeout elapses.
func (m *Matcher) WaitForImage(ctx context.Context, t *Template, w WaitOptions) (MatchResult, bool, error) {
	interval, opts := m.waitConfig(w)
	var match MatchResult
	found, err := poll(ctx, w.Timeout, interval, func(ctx context.Context) (bool, error) {
		r, ok, err := m.FindImage(ctx, t, opts...)
		if ok {
			match = r
		}
		return ok, err
	})
	m.logger.Debug("wait for image", "template", t.Name, "found", found, "timeout", w.Timeout)
	return match, found, err
}

// WaitForImageDisappear polls FindImage until t is no longer found or the
// timeout elapses. It returns true once the template is gone.
func (m *Matcher) WaitForImageDisappear(ctx context.Context, t *Template, w WaitOptions) (bool, error) {
	interval, opts := m.waitConfig(w)
	gone, err := poll(ctx, w.Timeout, interval, func(ctx context.Context) (bool, error) {
		_, ok, err := m.FindImage(ctx, t, opts...)
		return !ok, err
	})
	m.logger.Debug("wait for image to disappear", "template", t.Name, "gone", gone, "timeout", w.Timeout)
	return gone, err
}
