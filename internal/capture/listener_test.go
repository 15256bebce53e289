package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/keyreplay/internal/input/key"
	"github.com/dshills/keyreplay/internal/input/mouse"
	"github.com/dshills/keyreplay/internal/platform"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNewListenerRequiresSource(t *testing.T) {
	_, err := NewListener(Options{})
	assert.Error(t, err)
}

func TestListenerNormalizesEvents(t *testing.T) {
	feed := platform.NewFeed()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l, err := NewListener(Options{Source: feed, Clock: fixedClock(now)})
	require.NoError(t, err)

	var got []Event
	require.NoError(t, l.Start(func(ev Event) { got = append(got, ev) }))
	assert.True(t, l.Active())

	stamped := now.Add(-time.Second)
	feed.Emit(platform.KeyHook{Code: key.CodeCtrl, Down: true, Time: stamped})
	feed.Emit(platform.KeyHook{Code: key.FromRune('c'), Down: true})
	feed.Emit(platform.PointerHook{Action: platform.PointerPressed, Button: mouse.ButtonLeft, X: 10, Y: 10})
	feed.Emit(platform.PointerHook{Action: platform.PointerMoved, X: 11, Y: 12})
	feed.Emit(platform.WheelHook{Delta: -2, X: 1, Y: 2})
	feed.Emit(platform.KeyHook{Code: key.CodeCtrl, Down: false})

	require.Len(t, got, 6)
	assert.Equal(t, KindKeyDown, got[0].Kind)
	assert.Equal(t, stamped, got[0].Arrival)
	assert.Equal(t, key.ModCtrl, got[1].Modifiers)
	assert.Equal(t, now, got[1].Arrival)
	assert.Equal(t, KindPointerDown, got[2].Kind)
	assert.Equal(t, mouse.ButtonLeft, got[2].Button)
	assert.Equal(t, mouse.Position{X: 10, Y: 10}, got[2].Position())
	assert.Equal(t, KindPointerMove, got[3].Kind)
	assert.Equal(t, KindWheel, got[4].Kind)
	assert.Equal(t, -2, got[4].Delta)
	assert.Equal(t, KindKeyUp, got[5].Kind)
	assert.Equal(t, key.ModNone, got[5].Modifiers)
}

func TestListenerDropsInvalidEvents(t *testing.T) {
	feed := platform.NewFeed()
	l, err := NewListener(Options{Source: feed})
	require.NoError(t, err)

	count := 0
	require.NoError(t, l.Start(func(Event) { count++ }))

	feed.Emit(platform.KeyHook{Code: key.CodeNone, Down: true})
	feed.Emit(platform.WheelHook{Delta: 0})
	feed.Emit(platform.PointerHook{Action: platform.PointerPressed, Button: mouse.ButtonNone})

	assert.Equal(t, 0, count)
	assert.Equal(t, uint64(3), l.Dropped())
}

func TestListenerSuppressesAutoRepeat(t *testing.T) {
	feed := platform.NewFeed()
	l, err := NewListener(Options{Source: feed, SuppressAutoRepeat: true})
	require.NoError(t, err)

	var kinds []Kind
	require.NoError(t, l.Start(func(ev Event) { kinds = append(kinds, ev.Kind) }))

	a := key.FromRune('a')
	feed.Emit(platform.KeyHook{Code: a, Down: true})
	feed.Emit(platform.KeyHook{Code: a, Down: true})
	feed.Emit(platform.KeyHook{Code: a, Down: true})
	feed.Emit(platform.KeyHook{Code: a, Down: false})
	feed.Emit(platform.KeyHook{Code: a, Down: true})

	assert.Equal(t, []Kind{KindKeyDown, KindKeyUp, KindKeyDown}, kinds)
}

func TestListenerStartFailure(t *testing.T) {
	feed := platform.NewFeed()
	denied := errors.New("accessibility permission denied")
	feed.FailSubscribe(denied)

	l, err := NewListener(Options{Source: feed})
	require.NoError(t, err)

	err = l.Start(func(Event) {})
	assert.ErrorIs(t, err, ErrCaptureUnavailable)
	assert.ErrorIs(t, err, denied)
	assert.False(t, l.Active())
}

func TestListenerStopDropsLateEvents(t *testing.T) {
	feed := platform.NewFeed()
	l, err := NewListener(Options{Source: feed})
	require.NoError(t, err)

	count := 0
	require.NoError(t, l.Start(func(Event) { count++ }))
	assert.ErrorIs(t, l.Start(func(Event) {}), ErrAlreadyListening)

	feed.Emit(platform.KeyHook{Code: key.CodeEnter, Down: true})
	require.NoError(t, l.Stop())
	require.NoError(t, l.Stop())
	feed.Emit(platform.KeyHook{Code: key.CodeEnter, Down: false})

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, feed.Subscribers())
}

func TestListenerHandlerPanicIsReported(t *testing.T) {
	feed := platform.NewFeed()

	var reported error
	var ctx map[string]string
	l, err := NewListener(Options{
		Source: feed,
		Errors: ErrorReporterFunc(func(err error, c map[string]string) {
			reported = err
			ctx = c
		}),
	})
	require.NoError(t, err)
	require.NoError(t, l.Start(func(Event) { panic("boom") }))

	assert.NotPanics(t, func() {
		feed.Emit(platform.KeyHook{Code: key.CodeTab, Down: true})
	})

	var panicErr *HandlerPanicError
	require.ErrorAs(t, reported, &panicErr)
	assert.Equal(t, "boom", panicErr.Value)
	assert.Equal(t, "capture", ctx["component"])
}
