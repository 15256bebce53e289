package platform

import (
	"context"
	"sync"
	"time"
	"unicode"

	"github.com/gdamore/tcell/v2"

	"github.com/dshills/keyreplay/internal/input/key"
	"github.com/dshills/keyreplay/internal/input/mouse"
)

// Terminal adapts a tcell screen to the HookSource and Injector ports.
//
// Terminals report key presses, not transitions, so every tcell key event is
// expanded into modifier downs, key down, key up, modifier ups. Injection
// posts synthetic events back into the same screen's event queue.
type Terminal struct {
	screen tcell.Screen
	now    func() time.Time

	mu      sync.Mutex
	subs    map[int]func(HookEvent)
	nextID  int
	polling bool
	stop    bool
	done    chan struct{}
	buttons tcell.ButtonMask

	// injection state
	held    key.Modifier
	pressed tcell.ButtonMask
	x, y    int
}

// NewTerminal wraps an initialised screen. The caller owns the screen's
// lifecycle; Close only stops event polling.
func NewTerminal(screen tcell.Screen) *Terminal {
	return &Terminal{
		screen: screen,
		now:    time.Now,
		subs:   make(map[int]func(HookEvent)),
	}
}

// Subscribe registers handler and starts polling on first use.
func (t *Terminal) Subscribe(handler func(HookEvent)) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop {
		return nil, ErrClosed
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = handler

	if !t.polling {
		t.polling = true
		t.done = make(chan struct{})
		go t.pollLoop(t.done)
	}

	var once sync.Once
	return SubscriptionFunc(func() error {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
		return nil
	}), nil
}

// Close stops the polling goroutine and waits for it to exit.
func (t *Terminal) Close() error {
	t.mu.Lock()
	if t.stop {
		t.mu.Unlock()
		return nil
	}
	t.stop = true
	done := t.done
	polling := t.polling
	t.mu.Unlock()

	if !polling {
		return nil
	}
	// Wake PollEvent so the loop can observe stop.
	_ = t.screen.PostEvent(tcell.NewEventInterrupt(nil))
	<-done
	return nil
}

func (t *Terminal) pollLoop(done chan struct{}) {
	defer close(done)
	for {
		ev := t.screen.PollEvent()
		if ev == nil {
			return
		}
		t.mu.Lock()
		stopping := t.stop
		t.mu.Unlock()
		if stopping {
			return
		}
		for _, hook := range t.convert(ev) {
			t.dispatch(hook)
		}
	}
}

func (t *Terminal) dispatch(ev HookEvent) {
	t.mu.Lock()
	handlers := make([]func(HookEvent), 0, len(t.subs))
	for _, h := range t.subs {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// convert expands a tcell event into hook events.
func (t *Terminal) convert(ev tcell.Event) []HookEvent {
	at := ev.When()
	if at.IsZero() {
		at = t.now()
	}

	switch e := ev.(type) {
	case *tcell.EventKey:
		code, mods := fromTcellKey(e)
		if code == key.CodeNone {
			return nil
		}
		modKeys := mods.Keys()
		out := make([]HookEvent, 0, 2*len(modKeys)+2)
		for _, m := range modKeys {
			out = append(out, KeyHook{Code: m, Down: true, Time: at})
		}
		out = append(out, KeyHook{Code: code, Down: true, Time: at}, KeyHook{Code: code, Down: false, Time: at})
		for i := len(modKeys) - 1; i >= 0; i-- {
			out = append(out, KeyHook{Code: modKeys[i], Down: false, Time: at})
		}
		return out

	case *tcell.EventMouse:
		x, y := e.Position()
		btns := e.Buttons()

		t.mu.Lock()
		prev := t.buttons
		t.buttons = btns &^ wheelMask
		t.mu.Unlock()

		var out []HookEvent
		switch {
		case btns&tcell.WheelUp != 0:
			out = append(out, WheelHook{Delta: 1, X: x, Y: y, Time: at})
		case btns&tcell.WheelDown != 0:
			out = append(out, WheelHook{Delta: -1, X: x, Y: y, Time: at})
		}

		btns &^= wheelMask
		changed := false
		for mask, b := range tcellButtons {
			switch {
			case btns&mask != 0 && prev&mask == 0:
				out = append(out, PointerHook{Action: PointerPressed, Button: b, X: x, Y: y, Time: at})
				changed = true
			case btns&mask == 0 && prev&mask != 0:
				out = append(out, PointerHook{Action: PointerReleased, Button: b, X: x, Y: y, Time: at})
				changed = true
			}
		}
		if !changed && len(out) == 0 {
			out = append(out, PointerHook{Action: PointerMoved, X: x, Y: y, Time: at})
		}
		return out
	}
	return nil
}

// KeyDown injects a key press. Modifier keys are held and applied to the
// next non-modifier key.
func (t *Terminal) KeyDown(ctx context.Context, code key.Code) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if code.IsModifierKey() {
		t.held = t.held.With(code.AsModifier())
		t.mu.Unlock()
		return nil
	}
	mods := t.held
	t.mu.Unlock()

	return t.screen.PostEvent(toTcellKey(code, mods))
}

// KeyUp releases a held modifier. Terminals have no key-up for other keys.
func (t *Terminal) KeyUp(ctx context.Context, code key.Code) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if code.IsModifierKey() {
		t.mu.Lock()
		t.held = t.held.Without(code.AsModifier())
		t.mu.Unlock()
	}
	return nil
}

// PointerMove injects motion to the given cell.
func (t *Terminal) PointerMove(ctx context.Context, x, y int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	t.x, t.y = x, y
	ev := tcell.NewEventMouse(x, y, t.pressed, toTcellMod(t.held))
	t.mu.Unlock()
	return t.screen.PostEvent(ev)
}

// PointerButton injects a button transition at the last pointer position.
func (t *Terminal) PointerButton(ctx context.Context, button mouse.Button, down bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mask, ok := tcellButtonFor[button]
	if !ok {
		return ErrUnsupported
	}
	t.mu.Lock()
	if down {
		t.pressed |= mask
	} else {
		t.pressed &^= mask
	}
	ev := tcell.NewEventMouse(t.x, t.y, t.pressed, toTcellMod(t.held))
	t.mu.Unlock()
	return t.screen.PostEvent(ev)
}

// Wheel injects one wheel event per unit of delta.
func (t *Terminal) Wheel(ctx context.Context, delta int) error {
	mask := tcell.WheelUp
	if delta < 0 {
		mask = tcell.WheelDown
		delta = -delta
	}
	for i := 0; i < delta; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.mu.Lock()
		ev := tcell.NewEventMouse(t.x, t.y, t.pressed|mask, toTcellMod(t.held))
		t.mu.Unlock()
		if err := t.screen.PostEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

const wheelMask = tcell.WheelUp | tcell.WheelDown | tcell.WheelLeft | tcell.WheelRight

var tcellButtons = map[tcell.ButtonMask]mouse.Button{
	tcell.Button1: mouse.ButtonLeft,
	tcell.Button2: mouse.ButtonRight,
	tcell.Button3: mouse.ButtonMiddle,
	tcell.Button4: mouse.ButtonBack,
	tcell.Button5: mouse.ButtonForward,
}

var tcellButtonFor = map[mouse.Button]tcell.ButtonMask{
	mouse.ButtonLeft:    tcell.Button1,
	mouse.ButtonRight:   tcell.Button2,
	mouse.ButtonMiddle:  tcell.Button3,
	mouse.ButtonBack:    tcell.Button4,
	mouse.ButtonForward: tcell.Button5,
}

var tcellKeys = map[tcell.Key]key.Code{
	tcell.KeyEscape:     key.CodeEscape,
	tcell.KeyEnter:      key.CodeEnter,
	tcell.KeyTab:        key.CodeTab,
	tcell.KeyBackspace:  key.CodeBackspace,
	tcell.KeyBackspace2: key.CodeBackspace,
	tcell.KeyDelete:     key.CodeDelete,
	tcell.KeyInsert:     key.CodeInsert,
	tcell.KeyHome:       key.CodeHome,
	tcell.KeyEnd:        key.CodeEnd,
	tcell.KeyPgUp:       key.CodePageUp,
	tcell.KeyPgDn:       key.CodePageDown,
	tcell.KeyUp:         key.CodeUp,
	tcell.KeyDown:       key.CodeDown,
	tcell.KeyLeft:       key.CodeLeft,
	tcell.KeyRight:      key.CodeRight,
	tcell.KeyF1:         key.CodeF1,
	tcell.KeyF2:         key.CodeF2,
	tcell.KeyF3:         key.CodeF3,
	tcell.KeyF4:         key.CodeF4,
	tcell.KeyF5:         key.CodeF5,
	tcell.KeyF6:         key.CodeF6,
	tcell.KeyF7:         key.CodeF7,
	tcell.KeyF8:         key.CodeF8,
	tcell.KeyF9:         key.CodeF9,
	tcell.KeyF10:        key.CodeF10,
	tcell.KeyF11:        key.CodeF11,
	tcell.KeyF12:        key.CodeF12,
	tcell.KeyPause:      key.CodePause,
	tcell.KeyPrint:      key.CodePrintScreen,
}

var codeToTcell = func() map[key.Code]tcell.Key {
	m := make(map[key.Code]tcell.Key, len(tcellKeys))
	for tk, c := range tcellKeys {
		if tk == tcell.KeyBackspace {
			continue
		}
		m[c] = tk
	}
	return m
}()

// fromTcellKey maps a tcell key event to a code and modifier set.
func fromTcellKey(e *tcell.EventKey) (key.Code, key.Modifier) {
	mods := fromTcellMod(e.Modifiers())
	k := e.Key()

	if code, ok := tcellKeys[k]; ok {
		return code, mods
	}
	if k == tcell.KeyRune {
		r := e.Rune()
		if unicode.IsUpper(r) {
			mods = mods.With(key.ModShift)
		}
		return key.FromRune(r), mods
	}
	if k >= tcell.KeyCtrlA && k <= tcell.KeyCtrlZ {
		return key.FromRune(rune('A' + (k - tcell.KeyCtrlA))), mods.With(key.ModCtrl)
	}
	return key.CodeNone, mods
}

// toTcellKey builds the event a terminal would have produced for code.
func toTcellKey(code key.Code, mods key.Modifier) *tcell.EventKey {
	tm := toTcellMod(mods)
	if code == key.CodeSpace {
		return tcell.NewEventKey(tcell.KeyRune, ' ', tm)
	}
	if code.IsRune() {
		r := code.Rune()
		if r >= 'A' && r <= 'Z' && mods.Has(key.ModCtrl) {
			return tcell.NewEventKey(tcell.KeyCtrlA+tcell.Key(r-'A'), r, tm)
		}
		if !mods.Has(key.ModShift) {
			r = unicode.ToLower(r)
		}
		return tcell.NewEventKey(tcell.KeyRune, r, tm)
	}
	if tk, ok := codeToTcell[code]; ok {
		return tcell.NewEventKey(tk, 0, tm)
	}
	return tcell.NewEventKey(tcell.KeyRune, 0, tm)
}

func fromTcellMod(m tcell.ModMask) key.Modifier {
	var mods key.Modifier
	if m&tcell.ModShift != 0 {
		mods = mods.With(key.ModShift)
	}
	if m&tcell.ModCtrl != 0 {
		mods = mods.With(key.ModCtrl)
	}
	if m&tcell.ModAlt != 0 {
		mods = mods.With(key.ModAlt)
	}
	if m&tcell.ModMeta != 0 {
		mods = mods.With(key.ModMeta)
	}
	return mods
}

func toTcellMod(m key.Modifier) tcell.ModMask {
	var tm tcell.ModMask
	if m.Has(key.ModShift) {
		tm |= tcell.ModShift
	}
	if m.Has(key.ModCtrl) {
		tm |= tcell.ModCtrl
	}
	if m.Has(key.ModAlt) {
		tm |= tcell.ModAlt
	}
	if m.Has(key.ModMeta) {
		tm |= tcell.ModMeta
	}
	return tm
}
