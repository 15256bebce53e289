package hotkey

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize bounds pending callback invocations.
const DefaultQueueSize = 32

// PanicHandler is called when a callback panics.
type PanicHandler func(b Binding, value any, stack []byte)

type press struct {
	binding  Binding
	callback Callback
	observe  []func(Binding)
}

// dispatcher runs callbacks on one goroutine, in press order.
type dispatcher struct {
	mu      sync.Mutex // protects queue close
	queue   chan press
	running atomic.Bool
	done    chan struct{}

	onPanic PanicHandler

	dispatched atomic.Uint64
	dropped    atomic.Uint64
	panicked   atomic.Uint64
}

func newDispatcher(size int, onPanic PanicHandler) *dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	d := &dispatcher{
		queue:   make(chan press, size),
		done:    make(chan struct{}),
		onPanic: onPanic,
	}
	d.running.Store(true)
	go d.worker()
	return d
}

func (d *dispatcher) enqueue(p press) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return ErrClosed
	}
	select {
	case d.queue <- p:
		return nil
	default:
		d.dropped.Add(1)
		return ErrQueueFull
	}
}

func (d *dispatcher) worker() {
	defer close(d.done)
	for p := range d.queue {
		d.execute(p)
	}
}

func (d *dispatcher) execute(p press) {
	defer func() {
		if r := recover(); r != nil {
			d.panicked.Add(1)
			if d.onPanic != nil {
				stack := debug.Stack()
				func() {
					defer func() { _ = recover() }()
					d.onPanic(p.binding, r, stack)
				}()
			}
		}
	}()
	d.dispatched.Add(1)
	for _, fn := range p.observe {
		fn(p.binding)
	}
	p.callback(p.binding)
}

// stop closes the queue and waits for queued callbacks to finish or ctx
// to end.
func (d *dispatcher) stop(ctx context.Context) error {
	d.mu.Lock()
	if d.running.Swap(false) {
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dispatcher) depth() int {
	return len(d.queue)
}
