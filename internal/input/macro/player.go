package macro

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dshills/keyreplay/internal/platform"
	"github.com/dshills/keyreplay/internal/recovery"
)

// DefaultSettleDelay is the pause after each injected action.
const DefaultSettleDelay = 10 * time.Millisecond

// DefaultRecoveryTimeout bounds how long the worker waits for recovery of
// a failed action before moving on.
const DefaultRecoveryTimeout = 5 * time.Second

// State is the playback state of a Player.
type State uint8

const (
	StateIdle State = iota
	StatePlaying
	StatePaused
	// StateStopped means Stop was requested and the worker has not yet
	// reached a safe point. The player returns to StateIdle when it does.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", s)
}

// Gate waits on named templates. A zero threshold uses the gate's
// configured default. vision.Gate implements it.
type Gate interface {
	WaitTemplate(ctx context.Context, name string, threshold float64, timeout time.Duration) (bool, error)
	WaitTemplateGone(ctx context.Context, name string, threshold float64, timeout time.Duration) (bool, error)
}

// Recoverer accepts playback failures. recovery.Manager implements it.
type Recoverer interface {
	HandleException(err error, context map[string]string) (*recovery.Pending, bool)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// StopReason explains why a playback ended.
type StopReason uint8

const (
	ReasonCompleted StopReason = iota
	ReasonStopped
	ReasonAborted
)

func (r StopReason) String() string {
	switch r {
	case ReasonCompleted:
		return "completed"
	case ReasonStopped:
		return "stopped"
	case ReasonAborted:
		return "aborted"
	}
	return fmt.Sprintf("StopReason(%d)", r)
}

// Completion summarises a finished playback.
type Completion struct {
	Sequence     string
	Reason       StopReason
	Passes       int
	Executed     int
	Failures     int
	GateTimeouts int
	Elapsed      time.Duration
}

// PlayerOptions configure a Player.
type PlayerOptions struct {
	// Injector executes actions. Required.
	Injector platform.Injector

	// Gate serves WaitImage and WaitImageGone actions. Optional; a
	// sequence containing them cannot be loaded without it.
	Gate Gate

	// Recovery receives injection failures. Optional; without it
	// failures are logged and playback continues.
	Recovery Recoverer

	// SettleDelay follows every non-delay action. Zero uses
	// DefaultSettleDelay; a negative value disables settling.
	SettleDelay time.Duration

	// RecoveryTimeout bounds the wait for recovery of a failed action.
	// Zero uses DefaultRecoveryTimeout; a negative value does not wait.
	// Once the worker moves on, recovery can no longer re-run the action.
	RecoveryTimeout time.Duration

	// Sleep defaults to a timer that honours cancellation.
	Sleep Sleeper

	Logger *slog.Logger
}

// Player replays one sequence at a time on a single worker goroutine.
type Player struct {
	injector platform.Injector
	gate     Gate
	recovery Recoverer
	sleep    Sleeper
	logger   *slog.Logger

	recoveryTimeout time.Duration

	mu          sync.Mutex
	outstanding int
	state      State
	seq        *Sequence
	settle     time.Duration
	cancel     context.CancelFunc
	wake       chan struct{}
	done       chan struct{}
	pass       int
	index      int
	onComplete func(Completion)
}

// NewPlayer creates a player.
func NewPlayer(opts PlayerOptions) (*Player, error) {
	if opts.Injector == nil {
		return nil, errors.New("injector must not be nil")
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = defaultSleeper
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Player{
		injector: opts.Injector,
		gate:     opts.Gate,
		recovery: opts.Recovery,
		sleep:    sleep,
		logger:   logger.With("component", "player"),

		recoveryTimeout: opts.RecoveryTimeout,
	}
	if p.recoveryTimeout == 0 {
		p.recoveryTimeout = DefaultRecoveryTimeout
	}
	p.setSettleLocked(opts.SettleDelay)
	return p, nil
}

// SetSettleDelay changes the post-action settle time. A running playback
// picks it up at its next action.
func (p *Player) SetSettleDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setSettleLocked(d)
}

func (p *Player) setSettleLocked(d time.Duration) {
	switch {
	case d == 0:
		p.settle = DefaultSettleDelay
	case d < 0:
		p.settle = 0
	default:
		p.settle = d
	}
}

// OnComplete sets the callback invoked on the worker goroutine after
// every playback ends, whatever the reason.
func (p *Player) OnComplete(fn func(Completion)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onComplete = fn
}

// Load selects the sequence to play. The player must be idle.
func (p *Player) Load(seq *Sequence) error {
	if seq == nil {
		return ErrNilSequence
	}
	if err := seq.Validate(); err != nil {
		return err
	}
	if seq.NeedsGate() && p.gate == nil {
		return ErrNoGate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle {
		return fmt.Errorf("%w: load while %s", ErrInvalidState, p.state)
	}
	p.seq = seq
	return nil
}

// CurrentSequence returns the loaded sequence, or nil.
func (p *Player) CurrentSequence() *Sequence {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Play starts playback from idle, resumes from paused, and does nothing
// while already playing.
func (p *Player) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StatePlaying:
		return nil
	case StatePaused:
		p.resumeLocked()
		return nil
	case StateStopped:
		return fmt.Errorf("%w: play while stopping", ErrInvalidState)
	}

	if p.seq == nil {
		return ErrNilSequence
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.state = StatePlaying
	p.cancel = cancel
	p.wake = make(chan struct{})
	p.done = make(chan struct{})
	p.pass, p.index = 0, 0
	go p.run(ctx, cancel, p.seq, p.done)

	p.logger.Info("playback started", "sequence", p.seq.Name(), "actions", p.seq.Len(), "loop", p.seq.Loop(), "passes", p.seq.Passes())
	return nil
}

// Pause suspends playback after the action in progress.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePlaying {
		return fmt.Errorf("%w: pause while %s", ErrInvalidState, p.state)
	}
	p.state = StatePaused
	p.logger.Debug("playback paused", "pass", p.pass, "index", p.index)
	return nil
}

// Resume continues a paused playback.
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePaused {
		return fmt.Errorf("%w: resume while %s", ErrInvalidState, p.state)
	}
	p.resumeLocked()
	return nil
}

func (p *Player) resumeLocked() {
	p.state = StatePlaying
	close(p.wake)
	p.wake = make(chan struct{})
	p.logger.Debug("playback resumed", "pass", p.pass, "index", p.index)
}

// Stop requests playback to end at the next safe point. It never fails
// and may be called in any state. Keys held down by the sequence are not
// released.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateIdle || p.state == StateStopped {
		return
	}
	p.state = StateStopped
	p.cancel()
	p.logger.Debug("playback stop requested")
}

// Wait blocks until the current playback ends or ctx is done. It returns
// immediately when nothing is playing.
func (p *Player) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the playback state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsPlaying returns true while playing or paused.
func (p *Player) IsPlaying() bool {
	s := p.State()
	return s == StatePlaying || s == StatePaused
}

// IsPaused returns true while paused.
func (p *Player) IsPaused() bool {
	return p.State() == StatePaused
}

// Progress returns the zero-based pass and action index of the action
// executing or about to execute.
func (p *Player) Progress() (pass, index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pass, p.index
}

// run is the playback worker.
func (p *Player) run(ctx context.Context, cancel context.CancelFunc, seq *Sequence, done chan struct{}) {
	start := time.Now()
	c := Completion{Sequence: seq.Name(), Reason: ReasonStopped}
	var pending []*recovery.Pending

	defer func() {
		cancel()
		c.Elapsed = time.Since(start)

		p.mu.Lock()
		p.state = StateIdle
		p.cancel = nil
		cb := p.onComplete
		p.mu.Unlock()
		close(done)

		p.logger.Info("playback finished",
			"sequence", c.Sequence,
			"reason", c.Reason.String(),
			"passes", c.Passes,
			"executed", c.Executed,
			"failures", c.Failures,
			"elapsed", c.Elapsed,
		)
		if cb != nil {
			cb(c)
		}
	}()

	for pass := 0; seq.Loop() || pass < seq.Passes(); pass++ {
		for i := 0; i < seq.Len(); i++ {
			if !p.checkpoint(ctx, pass, i) {
				return
			}
			var abort bool
			if pending, abort = p.prune(pending); abort {
				c.Reason = ReasonAborted
				return
			}

			a := seq.At(i)
			if err := p.sleep(ctx, a.Delay); err != nil {
				return
			}
			if a.Type == ActionDelay {
				c.Executed++
				continue
			}

			found, err := p.execute(ctx, a)
			if ctx.Err() != nil && a.Type.IsGate() {
				return
			}
			c.Executed++
			switch {
			case err != nil:
				c.Failures++
				pd, guard := p.fail(seq, pass, i, a, err)
				res, resolved := p.awaitRecovery(ctx, pd)
				guard.expire()
				if ctx.Err() != nil {
					return
				}
				if resolved && res.Outcome == recovery.OutcomeAborted {
					c.Reason = ReasonAborted
					return
				}
				if pd != nil && !resolved {
					pending = append(pending, pd)
				}
			case a.Type.IsGate() && !found:
				c.GateTimeouts++
				p.logger.Warn("visual wait timed out", "sequence", seq.Name(), "index", i, "template", a.Template, "timeout", a.Timeout)
			}

			if err := p.sleep(ctx, p.settleDelay()); err != nil {
				return
			}
		}
		c.Passes++
	}
	if _, abort := p.prune(pending); abort {
		c.Reason = ReasonAborted
		return
	}
	c.Reason = ReasonCompleted
}

// checkpoint records progress and blocks while paused. It returns false
// once playback is stopped.
func (p *Player) checkpoint(ctx context.Context, pass, index int) bool {
	for {
		p.mu.Lock()
		p.pass, p.index = pass, index
		paused := p.state == StatePaused
		wake := p.wake
		p.mu.Unlock()

		if ctx.Err() != nil {
			return false
		}
		if !paused {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-wake:
		}
	}
}

func (p *Player) settleDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settle
}

// execute runs one action. Injection runs to completion even if Stop is
// requested meanwhile; visual waits are cancelled by it.
func (p *Player) execute(ctx context.Context, a Action) (found bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()

	ictx := context.WithoutCancel(ctx)
	switch a.Type {
	case ActionKeyDown:
		return false, p.injector.KeyDown(ictx, a.Key)
	case ActionKeyUp:
		return false, p.injector.KeyUp(ictx, a.Key)
	case ActionPointerMove:
		return false, p.injector.PointerMove(ictx, a.X, a.Y)
	case ActionPointerDown:
		return false, p.injector.PointerButton(ictx, a.Button, true)
	case ActionPointerUp:
		return false, p.injector.PointerButton(ictx, a.Button, false)
	case ActionWheel:
		return false, p.injector.Wheel(ictx, a.WheelDelta)
	case ActionWaitImage:
		return p.gate.WaitTemplate(ctx, a.Template, a.Threshold, a.Timeout)
	case ActionWaitImageGone:
		return p.gate.WaitTemplateGone(ctx, a.Template, a.Threshold, a.Timeout)
	}
	return false, fmt.Errorf("%w: type %d", ErrInvalidAction, a.Type)
}

// retryGuard serialises recovery retries of one failed action against the
// worker moving past it. After expire, retries are refused.
type retryGuard struct {
	mu      sync.Mutex
	expired bool
}

func (g *retryGuard) run(fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.expired {
		return ErrRetryExpired
	}
	return fn()
}

// expire blocks until an in-flight retry has finished.
func (g *retryGuard) expire() {
	g.mu.Lock()
	g.expired = true
	g.mu.Unlock()
}

func (p *Player) fail(seq *Sequence, pass, index int, a Action, err error) (*recovery.Pending, *retryGuard) {
	guard := &retryGuard{}
	ierr := &InjectionError{Sequence: seq.Name(), Pass: pass, Index: index, Action: a, Err: err}
	if !a.Type.IsGate() {
		ierr.retry = func(ctx context.Context) error {
			return guard.run(func() error {
				_, err := p.execute(ctx, a)
				return err
			})
		}
	}
	p.logger.Error("action failed", "sequence", seq.Name(), "index", index, "action", a.String(), "error", err)
	if p.recovery == nil {
		return nil, guard
	}
	pd, ok := p.recovery.HandleException(ierr, map[string]string{
		"component": "player",
		"sequence":  seq.Name(),
		"pass":      strconv.Itoa(pass),
		"index":     strconv.Itoa(index),
		"action":    a.String(),
	})
	if !ok {
		p.logger.Warn("recovery queue rejected failure", "sequence", seq.Name(), "index", index)
		return nil, guard
	}
	return pd, guard
}

// awaitRecovery waits up to the recovery timeout for pd to resolve. Stop
// ends the wait early.
func (p *Player) awaitRecovery(ctx context.Context, pd *recovery.Pending) (recovery.Result, bool) {
	if pd == nil {
		return recovery.Result{}, false
	}
	if p.recoveryTimeout < 0 {
		return pd.Result()
	}
	wctx, cancel := context.WithTimeout(ctx, p.recoveryTimeout)
	defer cancel()
	res, err := pd.Wait(wctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("recovery still running; continuing", "record_id", pd.Record().ID, "timeout", p.recoveryTimeout)
		}
		return res, false
	}
	return res, true
}

// prune drops resolved recoveries and reports whether any of them asked
// to abort. Only records still queued in the recovery manager remain, so
// the slice stays within its queue bound.
func (p *Player) prune(pending []*recovery.Pending) ([]*recovery.Pending, bool) {
	kept := pending[:0]
	abort := false
	for _, pd := range pending {
		res, ok := pd.Result()
		switch {
		case !ok:
			kept = append(kept, pd)
		case res.Outcome == recovery.OutcomeAborted:
			abort = true
		}
	}
	clear(pending[len(kept):])

	p.mu.Lock()
	p.outstanding = len(kept)
	p.mu.Unlock()
	return kept, abort
}

func (p *Player) outstandingRecoveries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

func defaultSleeper(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
