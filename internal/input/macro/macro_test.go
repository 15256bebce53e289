package macro

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/keyreplay/internal/capture"
	"github.com/dshills/keyreplay/internal/input/key"
	"github.com/dshills/keyreplay/internal/input/mouse"
	"github.com/dshills/keyreplay/internal/platform"
	"github.com/dshills/keyreplay/internal/recovery"
)

var t0 = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// fakeInjector records every call as a short string.
type fakeInjector struct {
	mu    sync.Mutex
	calls []string
	fail  func(n int) error
	after func(n int)
}

func (f *fakeInjector) do(call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	n := len(f.calls)
	fail, after := f.fail, f.after
	f.mu.Unlock()

	var err error
	if fail != nil {
		err = fail(n)
	}
	if after != nil {
		after(n)
	}
	return err
}

func (f *fakeInjector) KeyDown(_ context.Context, c key.Code) error {
	return f.do("down " + c.String())
}

func (f *fakeInjector) KeyUp(_ context.Context, c key.Code) error {
	return f.do("up " + c.String())
}

func (f *fakeInjector) PointerMove(_ context.Context, x, y int) error {
	return f.do(fmt.Sprintf("move %d,%d", x, y))
}

func (f *fakeInjector) PointerButton(_ context.Context, b mouse.Button, down bool) error {
	if down {
		return f.do("press " + b.String())
	}
	return f.do("release " + b.String())
}

func (f *fakeInjector) Wheel(_ context.Context, delta int) error {
	return f.do(fmt.Sprintf("wheel %d", delta))
}

func (f *fakeInjector) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeGate struct {
	found bool
	block bool
	asked chan string
}

func (g *fakeGate) wait(ctx context.Context, name string) (bool, error) {
	if g.asked != nil {
		g.asked <- name
	}
	if g.block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return g.found, nil
}

func (g *fakeGate) WaitTemplate(ctx context.Context, name string, _ float64, _ time.Duration) (bool, error) {
	return g.wait(ctx, name)
}

func (g *fakeGate) WaitTemplateGone(ctx context.Context, name string, _ float64, _ time.Duration) (bool, error) {
	return g.wait(ctx, name)
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newTestPlayer(t *testing.T, opts PlayerOptions) (*Player, chan Completion) {
	t.Helper()
	if opts.Sleep == nil {
		opts.Sleep = noSleep
	}
	p, err := NewPlayer(opts)
	require.NoError(t, err)
	done := make(chan Completion, 1)
	p.OnComplete(func(c Completion) { done <- c })
	return p, done
}

func waitCompletion(t *testing.T, ch <-chan Completion) Completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("playback did not complete")
		return Completion{}
	}
}

func clickSequence() *Sequence {
	a := key.FromRune('a')
	return NewSequence("click", []Action{
		KeyDown(a, 0),
		KeyUp(a, ms(100)),
		PointerDown(mouse.ButtonLeft, 10, 10, ms(50)),
		PointerUp(mouse.ButtonLeft, 10, 10, ms(50)),
		Wheel(-1, 10, 10, ms(20)),
	})
}

func TestActionTypeText(t *testing.T) {
	for _, typ := range []ActionType{ActionKeyDown, ActionPointerUp, ActionWaitImageGone} {
		text, err := typ.MarshalText()
		require.NoError(t, err)

		var back ActionType
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, typ, back)
	}

	var bad ActionType
	assert.ErrorIs(t, bad.UnmarshalText([]byte("teleport")), ErrInvalidAction)
	assert.False(t, ActionType(0).Valid())
}

func TestActionValidate(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		ok     bool
	}{
		{"key", KeyDown(key.CodeEnter, 0), true},
		{"key without code", Action{Type: ActionKeyUp}, false},
		{"button", PointerDown(mouse.ButtonRight, 1, 2, 0), true},
		{"button without button", Action{Type: ActionPointerDown}, false},
		{"zero wheel", Wheel(0, 0, 0, 0), false},
		{"negative delay", KeyDown(key.CodeTab, -ms(1)), false},
		{"delay", Delay(ms(250)), true},
		{"wait", WaitImage("ok-button", 0.9, time.Second), true},
		{"wait without template", WaitImage("", 0.9, time.Second), false},
		{"wait bad threshold", WaitImageGone("spinner", 1.5, time.Second), false},
		{"unknown type", Action{Type: 99}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidAction)
			}
		})
	}

	assert.Equal(t, DefaultGateThreshold, WaitImage("x", 0, 0).GateThreshold())
}

func TestSequenceIsImmutable(t *testing.T) {
	actions := []Action{KeyDown(key.CodeEnter, ms(5)), KeyUp(key.CodeEnter, ms(7))}
	seq := NewSequence("enter", actions)
	actions[0] = Delay(time.Hour)

	assert.Equal(t, ActionKeyDown, seq.At(0).Type)
	got := seq.Actions()
	got[1] = Delay(time.Hour)
	assert.Equal(t, ActionKeyUp, seq.At(1).Type)

	assert.Equal(t, 2, seq.Len())
	assert.Equal(t, ms(12), seq.TotalDelay())
	assert.Equal(t, 1, seq.Passes())

	looped := seq.WithLoop(true).WithRepeat(3).WithName("again")
	assert.False(t, seq.Loop())
	assert.True(t, looped.Loop())
	assert.Equal(t, 3, looped.Passes())
	assert.Equal(t, "enter", seq.Name())
	assert.Equal(t, "again", looped.Name())
	assert.Equal(t, 1, seq.WithRepeat(0).Passes())
}

func TestSequenceValidate(t *testing.T) {
	assert.ErrorIs(t, NewSequence("empty", nil).Validate(), ErrEmptySequence)
	assert.ErrorIs(t, NewSequence("bad", []Action{{Type: ActionKeyDown}}).Validate(), ErrInvalidAction)
	assert.NoError(t, clickSequence().Validate())
	assert.False(t, clickSequence().NeedsGate())
	assert.True(t, NewSequence("gated", []Action{WaitImage("x", 0, 0)}).NeedsGate())
}

func newTestRecorder(t *testing.T, feed *platform.Feed, opts RecorderOptions) *Recorder {
	t.Helper()
	opts.Source = feed
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return t0 }
	}
	r, err := NewRecorder(opts)
	require.NoError(t, err)
	return r
}

func TestRecorderCapturesKeyAndClick(t *testing.T) {
	feed := platform.NewFeed()
	r := newTestRecorder(t, feed, RecorderOptions{})

	require.NoError(t, r.Start("scenario"))
	a := key.FromRune('a')
	feed.Emit(platform.KeyHook{Code: a, Down: true, Time: t0})
	feed.Emit(platform.KeyHook{Code: a, Down: false, Time: t0.Add(ms(100))})
	feed.Emit(platform.PointerHook{Action: platform.PointerPressed, Button: mouse.ButtonLeft, X: 10, Y: 10, Time: t0.Add(ms(150))})
	feed.Emit(platform.PointerHook{Action: platform.PointerReleased, Button: mouse.ButtonLeft, X: 10, Y: 10, Time: t0.Add(ms(200))})

	seq, err := r.Stop()
	require.NoError(t, err)
	require.Equal(t, 4, seq.Len())

	assert.Equal(t, []Action{
		KeyDown(a, 0),
		KeyUp(a, ms(100)),
		PointerDown(mouse.ButtonLeft, 10, 10, ms(50)),
		PointerUp(mouse.ButtonLeft, 10, 10, ms(50)),
	}, seq.Actions())
	assert.Equal(t, "scenario", seq.Name())
	assert.Equal(t, t0, seq.CreatedAt())

	got, ok := r.Sequence()
	require.True(t, ok)
	assert.Same(t, seq, got)
}

func TestRecorderCoalescesMoves(t *testing.T) {
	feed := platform.NewFeed()
	r := newTestRecorder(t, feed, RecorderOptions{MoveInterval: ms(50)})
	require.NoError(t, r.Start("moves"))

	move := func(x, y, at int) {
		feed.Emit(platform.PointerHook{Action: platform.PointerMoved, X: x, Y: y, Time: t0.Add(ms(at))})
	}
	move(1, 1, 10)
	move(2, 2, 30)
	move(3, 3, 60)
	move(4, 4, 70)
	move(5, 5, 75)
	feed.Emit(platform.PointerHook{Action: platform.PointerPressed, Button: mouse.ButtonLeft, X: 5, Y: 5, Time: t0.Add(ms(80))})

	seq, err := r.Stop()
	require.NoError(t, err)
	assert.Equal(t, []Action{
		PointerMove(3, 3, ms(60)),
		PointerMove(5, 5, ms(15)),
		PointerDown(mouse.ButtonLeft, 5, 5, ms(5)),
	}, seq.Actions())
}

func TestRecorderKeepsTrailingMove(t *testing.T) {
	feed := platform.NewFeed()
	r := newTestRecorder(t, feed, RecorderOptions{MoveInterval: ms(50)})
	require.NoError(t, r.Start("trailing"))

	feed.Emit(platform.PointerHook{Action: platform.PointerMoved, X: 3, Y: 3, Time: t0.Add(ms(60))})
	feed.Emit(platform.PointerHook{Action: platform.PointerMoved, X: 8, Y: 9, Time: t0.Add(ms(70))})

	seq, err := r.Stop()
	require.NoError(t, err)
	assert.Equal(t, []Action{
		PointerMove(3, 3, ms(60)),
		PointerMove(8, 9, ms(10)),
	}, seq.Actions())
}

func TestRecorderRecordsEveryMoveWhenDisabled(t *testing.T) {
	feed := platform.NewFeed()
	r := newTestRecorder(t, feed, RecorderOptions{MoveInterval: -1})
	require.NoError(t, r.Start("all"))
	for i := range 5 {
		feed.Emit(platform.PointerHook{Action: platform.PointerMoved, X: i, Y: i, Time: t0.Add(ms(i))})
	}
	assert.Equal(t, 5, r.Len())
	assert.Equal(t, time.Duration(0), r.MoveInterval())
}

func TestRecorderClampsOutOfOrderArrival(t *testing.T) {
	feed := platform.NewFeed()
	r := newTestRecorder(t, feed, RecorderOptions{})
	require.NoError(t, r.Start("skew"))
	feed.Emit(platform.KeyHook{Code: key.CodeEnter, Down: true, Time: t0.Add(ms(40))})
	feed.Emit(platform.KeyHook{Code: key.CodeEnter, Down: false, Time: t0.Add(ms(30))})
	feed.Emit(platform.KeyHook{Code: key.CodeTab, Down: true, Time: t0.Add(ms(45))})

	seq, err := r.Stop()
	require.NoError(t, err)
	delays := []time.Duration{}
	for _, a := range seq.Actions() {
		delays = append(delays, a.Delay)
	}
	assert.Equal(t, []time.Duration{ms(40), 0, ms(5)}, delays)
}

func TestRecorderLifecycle(t *testing.T) {
	feed := platform.NewFeed()
	r := newTestRecorder(t, feed, RecorderOptions{})

	_, err := r.Stop()
	assert.ErrorIs(t, err, ErrNotRecording)
	_, ok := r.Sequence()
	assert.False(t, ok)

	require.NoError(t, r.Start("first"))
	assert.True(t, r.IsRecording())
	assert.Equal(t, "first", r.CurrentName())
	assert.ErrorIs(t, r.Start("again"), ErrAlreadyRecording)

	feed.Emit(platform.KeyHook{Code: key.CodeEnter, Down: true, Time: t0})
	_, err = r.Stop()
	require.NoError(t, err)
	assert.False(t, r.IsRecording())
	assert.Equal(t, "", r.CurrentName())

	feed.Emit(platform.KeyHook{Code: key.CodeEnter, Down: false, Time: t0})
	seq, ok := r.Sequence()
	require.True(t, ok)
	assert.Equal(t, 1, seq.Len())
	assert.Equal(t, 0, feed.Subscribers())

	require.NoError(t, r.Start("second"))
	_, ok = r.Sequence()
	assert.False(t, ok)
	_, err = r.Stop()
	require.NoError(t, err)
}

func TestRecorderStartFailure(t *testing.T) {
	feed := platform.NewFeed()
	feed.FailSubscribe(errors.New("hook refused"))
	r := newTestRecorder(t, feed, RecorderOptions{})

	err := r.Start("nope")
	assert.ErrorIs(t, err, capture.ErrCaptureUnavailable)
	assert.False(t, r.IsRecording())
}

func TestRecorderIgnore(t *testing.T) {
	feed := platform.NewFeed()
	r := newTestRecorder(t, feed, RecorderOptions{
		Ignore: func(ev capture.Event) bool { return ev.Kind.IsKey() && ev.Code == key.CodeF9 },
	})
	require.NoError(t, r.Start("filtered"))
	feed.Emit(platform.KeyHook{Code: key.CodeF9, Down: true, Time: t0})
	feed.Emit(platform.KeyHook{Code: key.CodeF8, Down: true, Time: t0})
	feed.Emit(platform.KeyHook{Code: key.CodeF9, Down: false, Time: t0})

	seq, err := r.Stop()
	require.NoError(t, err)
	require.Equal(t, 1, seq.Len())
	assert.Equal(t, key.CodeF8, seq.At(0).Key)
}

func TestPlayerReplaysEachActionOnce(t *testing.T) {
	inj := &fakeInjector{}
	p, done := newTestPlayer(t, PlayerOptions{Injector: inj})

	require.NoError(t, p.Load(clickSequence()))
	require.NoError(t, p.Play())
	c := waitCompletion(t, done)

	assert.Equal(t, []string{"down A", "up A", "press left", "release left", "wheel -1"}, inj.Calls())
	assert.Equal(t, ReasonCompleted, c.Reason)
	assert.Equal(t, 1, c.Passes)
	assert.Equal(t, 5, c.Executed)
	assert.Equal(t, StateIdle, p.State())
	assert.NoError(t, p.Wait(context.Background()))
}

func TestPlayerRepeatCount(t *testing.T) {
	inj := &fakeInjector{}
	p, done := newTestPlayer(t, PlayerOptions{Injector: inj})

	seq := NewSequence("tap", []Action{KeyDown(key.CodeSpace, 0), KeyUp(key.CodeSpace, 0)}).WithRepeat(3)
	require.NoError(t, p.Load(seq))
	require.NoError(t, p.Play())
	c := waitCompletion(t, done)

	assert.Len(t, inj.Calls(), 6)
	assert.Equal(t, 3, c.Passes)
}

func TestPlayerTimingMatchesRecording(t *testing.T) {
	var mu sync.Mutex
	var waits []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return ctx.Err()
	}
	p, done := newTestPlayer(t, PlayerOptions{Injector: &fakeInjector{}, Sleep: sleep, SettleDelay: ms(10)})

	seq := clickSequence()
	require.NoError(t, p.Load(seq))
	require.NoError(t, p.Play())
	waitCompletion(t, done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, waits, 2*seq.Len())
	var total time.Duration
	for i := 0; i < len(waits); i += 2 {
		assert.Equal(t, seq.At(i/2).Delay, waits[i])
		assert.Equal(t, ms(10), waits[i+1])
		total += waits[i]
	}
	assert.Equal(t, seq.TotalDelay(), total)
}

func TestPlayerDelayActionHasNoSettle(t *testing.T) {
	var waits []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	inj := &fakeInjector{}
	p, done := newTestPlayer(t, PlayerOptions{Injector: inj, Sleep: sleep, SettleDelay: ms(10)})

	require.NoError(t, p.Load(NewSequence("wait", []Action{Delay(ms(300))})))
	require.NoError(t, p.Play())
	c := waitCompletion(t, done)

	assert.Equal(t, []time.Duration{ms(300)}, waits)
	assert.Empty(t, inj.Calls())
	assert.Equal(t, 1, c.Executed)
}

func TestPlayerPauseResume(t *testing.T) {
	inj := &fakeInjector{}
	p, done := newTestPlayer(t, PlayerOptions{Injector: inj})
	inj.after = func(n int) {
		if n == 2 {
			assert.NoError(t, p.Pause())
		}
	}

	require.NoError(t, p.Load(clickSequence()))
	require.NoError(t, p.Play())

	require.Eventually(t, func() bool {
		_, index := p.Progress()
		return index == 2
	}, 2*time.Second, time.Millisecond)
	assert.True(t, p.IsPaused())
	assert.True(t, p.IsPlaying())
	assert.Len(t, inj.Calls(), 2)
	assert.ErrorIs(t, p.Pause(), ErrInvalidState)

	require.NoError(t, p.Resume())
	c := waitCompletion(t, done)

	assert.Equal(t, []string{"down A", "up A", "press left", "release left", "wheel -1"}, inj.Calls())
	assert.Equal(t, ReasonCompleted, c.Reason)
}

func TestPlayerPlayResumesFromPause(t *testing.T) {
	inj := &fakeInjector{}
	p, done := newTestPlayer(t, PlayerOptions{Injector: inj})
	inj.after = func(n int) {
		if n == 1 {
			assert.NoError(t, p.Pause())
		}
	}
	require.NoError(t, p.Load(clickSequence()))
	require.NoError(t, p.Play())
	require.Eventually(t, func() bool {
		_, index := p.Progress()
		return index == 1
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, p.Play())
	waitCompletion(t, done)
	assert.Len(t, inj.Calls(), 5)
}

func TestPlayerStop(t *testing.T) {
	inj := &fakeInjector{}
	p, done := newTestPlayer(t, PlayerOptions{Injector: inj})

	p.Stop()
	assert.Equal(t, StateIdle, p.State())

	inj.after = func(n int) {
		if n == 5 {
			p.Stop()
			p.Stop()
		}
	}
	seq := NewSequence("forever", []Action{KeyDown(key.CodeSpace, 0)}).WithLoop(true)
	require.NoError(t, p.Load(seq))
	require.NoError(t, p.Play())

	c := waitCompletion(t, done)
	assert.Equal(t, ReasonStopped, c.Reason)
	assert.Len(t, inj.Calls(), 5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, StateIdle, p.State())
	p.Stop()
}

func TestPlayerStopWhilePaused(t *testing.T) {
	inj := &fakeInjector{}
	p, done := newTestPlayer(t, PlayerOptions{Injector: inj})
	inj.after = func(n int) {
		if n == 1 {
			assert.NoError(t, p.Pause())
		}
	}
	require.NoError(t, p.Load(clickSequence()))
	require.NoError(t, p.Play())
	require.Eventually(t, p.IsPaused, 2*time.Second, time.Millisecond)

	p.Stop()
	c := waitCompletion(t, done)
	assert.Equal(t, ReasonStopped, c.Reason)
	assert.Len(t, inj.Calls(), 1)
}

func TestPlayerContractViolations(t *testing.T) {
	_, err := NewPlayer(PlayerOptions{})
	assert.Error(t, err)

	inj := &fakeInjector{}
	p, done := newTestPlayer(t, PlayerOptions{Injector: inj})

	assert.ErrorIs(t, p.Load(nil), ErrNilSequence)
	assert.ErrorIs(t, p.Load(NewSequence("empty", nil)), ErrEmptySequence)
	assert.ErrorIs(t, p.Load(NewSequence("gated", []Action{WaitImage("x", 0, 0)})), ErrNoGate)
	assert.ErrorIs(t, p.Play(), ErrNilSequence)
	assert.ErrorIs(t, p.Pause(), ErrInvalidState)
	assert.ErrorIs(t, p.Resume(), ErrInvalidState)
	assert.Nil(t, p.CurrentSequence())

	inj.after = func(n int) {
		if n == 1 {
			assert.NoError(t, p.Pause())
			assert.ErrorIs(t, p.Load(clickSequence()), ErrInvalidState)
			assert.NoError(t, p.Play())
		}
	}
	require.NoError(t, p.Load(clickSequence()))
	require.NoError(t, p.Play())
	waitCompletion(t, done)
	assert.Equal(t, "click", p.CurrentSequence().Name())
}

func TestPlayerRoutesFailuresToRecovery(t *testing.T) {
	m := recovery.NewManager(recovery.Options{})
	defer m.Close(context.Background())
	require.NoError(t, recovery.Register[*InjectionError](m, "ignore", 0, recovery.Ignore()))

	boom := errors.New("injection refused")
	inj := &fakeInjector{fail: func(n int) error {
		if n == 2 {
			return boom
		}
		return nil
	}}
	p, done := newTestPlayer(t, PlayerOptions{Injector: inj, Recovery: m})
	require.NoError(t, p.Load(clickSequence()))
	require.NoError(t, p.Play())
	c := waitCompletion(t, done)

	assert.Len(t, inj.Calls(), 5)
	assert.Equal(t, 1, c.Failures)
	assert.Equal(t, ReasonCompleted, c.Reason)
	require.Eventually(t, func() bool {
		return m.GetStatistics().Recovered == 1
	}, 2*time.Second, time.Millisecond)
}

func TestPlayerAbortsOnRecoveryAbort(t *testing.T) {
	m := recovery.NewManager(recovery.Options{})
	defer m.Close(context.Background())
	require.NoError(t, recovery.Register[*InjectionError](m, "abort", 0, recovery.Abort()))

	inj := &fakeInjector{fail: func(n int) error {
		if n == 1 {
			return errors.New("window gone")
		}
		return nil
	}}
	p, done := newTestPlayer(t, PlayerOptions{Injector: inj, Recovery: m, Sleep: defaultSleeper, SettleDelay: time.Millisecond})
	seq := NewSequence("loop", []Action{KeyDown(key.CodeSpace, 0)}).WithLoop(true)
	require.NoError(t, p.Load(seq))
	require.NoError(t, p.Play())

	c := waitCompletion(t, done)
	assert.Equal(t, ReasonAborted, c.Reason)
	assert.Equal(t, 1, c.Failures)
}

func TestPlayerRecoversPanics(t *testing.T) {
	var captured error
	rec := recovererFunc(func(err error, _ map[string]string) {
		captured = err
	})
	inj := &fakeInjector{fail: func(n int) error {
		if n == 1 {
			panic("driver crashed")
		}
		return nil
	}}
	p, done := newTestPlayer(t, PlayerOptions{Injector: inj, Recovery: rec})
	require.NoError(t, p.Load(clickSequence()))
	require.NoError(t, p.Play())
	c := waitCompletion(t, done)

	assert.Equal(t, 1, c.Failures)
	var ierr *InjectionError
	require.ErrorAs(t, captured, &ierr)
	assert.Equal(t, 0, ierr.Index)
	var perr *PanicError
	assert.ErrorAs(t, captured, &perr)
}

type recovererFunc func(err error, context map[string]string)

func (f recovererFunc) HandleException(err error, context map[string]string) (*recovery.Pending, bool) {
	f(err, context)
	return nil, false
}

func TestInjectionErrorRetry(t *testing.T) {
	var captured *InjectionError
	var retryErr error
	rec := recovererFunc(func(err error, _ map[string]string) {
		if errors.As(err, &captured) {
			retryErr = captured.Retry(context.Background())
		}
	})
	inj := &fakeInjector{fail: func(n int) error {
		if n == 1 {
			return errors.New("busy")
		}
		return nil
	}}
	p, done := newTestPlayer(t, PlayerOptions{Injector: inj, Recovery: rec})
	require.NoError(t, p.Load(NewSequence("one", []Action{KeyDown(key.CodeEnter, 0)})))
	require.NoError(t, p.Play())
	waitCompletion(t, done)

	require.NotNil(t, captured)
	assert.NoError(t, retryErr)
	assert.Equal(t, []string{"down Enter", "down Enter"}, inj.Calls())

	assert.ErrorIs(t, captured.Retry(context.Background()), ErrRetryExpired)
	assert.Len(t, inj.Calls(), 2)
}

func newRetryManager(t *testing.T, delay time.Duration) *recovery.Manager {
	t.Helper()
	m := recovery.NewManager(recovery.Options{})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	require.NoError(t, recovery.Register[recovery.Retryable](m, "retry", 10, recovery.RetryOperation(),
		recovery.WithMaxRetry(2),
		recovery.WithRetryDelay(delay)))
	return m
}

func TestPlayerWaitsForRetryBeforeNextAction(t *testing.T) {
	m := newRetryManager(t, ms(50))
	a := key.FromRune('a')
	inj := &fakeInjector{fail: func(n int) error {
		if n <= 2 {
			return errors.New("busy")
		}
		return nil
	}}
	p, done := newTestPlayer(t, PlayerOptions{Injector: inj, Recovery: m})
	require.NoError(t, p.Load(NewSequence("tap", []Action{KeyDown(a, 0), KeyUp(a, 0)})))
	require.NoError(t, p.Play())
	c := waitCompletion(t, done)

	assert.Equal(t, ReasonCompleted, c.Reason)
	assert.Equal(t, 1, c.Failures)
	assert.Equal(t, uint64(1), m.GetStatistics().Recovered)

	time.Sleep(ms(150))
	assert.Equal(t, []string{"down a", "down a", "down a", "up a"}, inj.Calls())
}

func TestPlayerRefusesRetryAfterMovingOn(t *testing.T) {
	m := newRetryManager(t, ms(100))
	a := key.FromRune('a')
	inj := &fakeInjector{fail: func(n int) error {
		if n <= 2 {
			return errors.New("busy")
		}
		return nil
	}}
	p, done := newTestPlayer(t, PlayerOptions{Injector: inj, Recovery: m, RecoveryTimeout: ms(20)})
	require.NoError(t, p.Load(NewSequence("tap", []Action{KeyDown(a, 0), KeyUp(a, 0)})))
	require.NoError(t, p.Play())
	waitCompletion(t, done)

	require.Eventually(t, func() bool {
		return m.GetStatistics().Unrecovered >= 1
	}, 2*time.Second, time.Millisecond)
	time.Sleep(ms(250))
	calls := inj.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "up a", calls[len(calls)-1], "nothing is injected after the key is released: %v", calls)
	assert.NotContains(t, calls[:len(calls)-1], "up a")
}

func TestPlayerBoundsOutstandingRecoveries(t *testing.T) {
	const queue = 4
	m := recovery.NewManager(recovery.Options{QueueSize: queue})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	slow := recovery.StrategyFunc(func(context.Context, recovery.ErrorRecord) error {
		time.Sleep(time.Millisecond)
		return errors.New("still failing")
	})
	require.NoError(t, recovery.Register[*InjectionError](m, "slow", 0, slow))

	inj := &fakeInjector{fail: func(int) error { return errors.New("gone") }}
	p, done := newTestPlayer(t, PlayerOptions{
		Injector:        inj,
		Recovery:        m,
		SettleDelay:     -1,
		RecoveryTimeout: -1,
	})
	seq := NewSequence("spin", []Action{KeyDown(key.CodeSpace, 0)}).WithLoop(true)
	require.NoError(t, p.Load(seq))
	require.NoError(t, p.Play())

	most := 0
	deadline := time.Now().Add(ms(200))
	for time.Now().Before(deadline) {
		most = max(most, p.outstandingRecoveries())
		time.Sleep(100 * time.Microsecond)
	}
	p.Stop()
	c := waitCompletion(t, done)

	assert.Greater(t, c.Failures, queue)
	assert.LessOrEqual(t, most, queue+1)
	assert.Greater(t, m.GetStatistics().Dropped, uint64(0))
}

func TestPlayerGateTimeoutContinues(t *testing.T) {
	gate := &fakeGate{found: false}
	inj := &fakeInjector{}
	p, done := newTestPlayer(t, PlayerOptions{Injector: inj, Gate: gate})

	seq := NewSequence("gated", []Action{
		WaitImage("dialog", 0.9, time.Second),
		KeyDown(key.CodeEnter, 0),
	})
	require.NoError(t, p.Load(seq))
	require.NoError(t, p.Play())
	c := waitCompletion(t, done)

	assert.Equal(t, 1, c.GateTimeouts)
	assert.Equal(t, 0, c.Failures)
	assert.Equal(t, []string{"down Enter"}, inj.Calls())
}

func TestPlayerStopCancelsGateWait(t *testing.T) {
	gate := &fakeGate{block: true, asked: make(chan string, 1)}
	inj := &fakeInjector{}
	p, done := newTestPlayer(t, PlayerOptions{Injector: inj, Gate: gate})

	seq := NewSequence("gated", []Action{
		WaitImageGone("spinner", 0, 0),
		KeyDown(key.CodeEnter, 0),
	})
	require.NoError(t, p.Load(seq))
	require.NoError(t, p.Play())

	select {
	case name := <-gate.asked:
		assert.Equal(t, "spinner", name)
	case <-time.After(2 * time.Second):
		t.Fatal("gate was not consulted")
	}
	p.Stop()

	c := waitCompletion(t, done)
	assert.Equal(t, ReasonStopped, c.Reason)
	assert.Empty(t, inj.Calls())
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sequences.yaml")
	click := clickSequence().WithRepeat(2)
	gated := NewSequence("gated", []Action{
		WaitImage("dialog", 0.85, 3*time.Second),
		Delay(ms(250)),
		KeyDown(key.FromRune('1'), ms(5)),
	}).WithLoop(true)

	require.NoError(t, Save(path, click, gated))

	seqs, err := Load(path)
	require.NoError(t, err)
	require.Len(t, seqs, 2)
	assert.Equal(t, click.Actions(), seqs[0].Actions())
	assert.Equal(t, 2, seqs[0].RepeatCount())
	assert.Equal(t, gated.Actions(), seqs[1].Actions())
	assert.True(t, seqs[1].Loop())

	named, err := LoadNamed(path, "gated")
	require.NoError(t, err)
	assert.Equal(t, "gated", named.Name())
	_, err = LoadNamed(path, "missing")
	assert.Error(t, err)
}

func TestImportRejectsBadDocuments(t *testing.T) {
	_, err := Import([]byte("version: 99\nsequences: []\n"))
	assert.ErrorContains(t, err, "unsupported")

	_, err = Import([]byte("version: 1\nsequences:\n  - name: x\n    actions:\n      - type: key_down\n        delay_ms: 0\n"))
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = Import([]byte("version: 1\nsequences:\n  - name: x\n    actions:\n      - type: jump\n"))
	assert.Error(t, err)
}

func TestPersistenceKeepsSubMillisecondDelays(t *testing.T) {
	seq := NewSequence("fine", []Action{
		KeyDown(key.FromRune('a'), 1500*time.Microsecond),
		WaitImage("dialog", 0, 2*time.Second+300*time.Microsecond),
	})
	raw, err := Export(seq)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "delay: 1.5ms")

	seqs, err := Import(raw)
	require.NoError(t, err)
	require.Len(t, seqs, 1)
	assert.Equal(t, seq.Actions(), seqs[0].Actions())
}

func TestImportReadsMillisecondFields(t *testing.T) {
	doc := `version: 1
sequences:
  - name: old
    actions:
      - type: key_down
        key: a
        delay_ms: 12
      - type: wait_image
        template: dialog
        timeout_ms: 3000
`
	seqs, err := Import([]byte(doc))
	require.NoError(t, err)
	require.Len(t, seqs, 1)
	actions := seqs[0].Actions()
	require.Len(t, actions, 2)
	assert.Equal(t, ms(12), actions[0].Delay)
	assert.Equal(t, 3*time.Second, actions[1].Timeout)
}
