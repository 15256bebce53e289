package platform

import (
	"sync"
)

// Feed is an in-process HookSource. Events passed to Emit are delivered
// synchronously to every subscriber, which makes it suitable for piping
// events from another process and for driving the recorder in tests.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]func(HookEvent)
	nextID int
	failed error
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]func(HookEvent))}
}

// FailSubscribe makes every following Subscribe call return err.
// Pass nil to restore normal behaviour.
func (f *Feed) FailSubscribe(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = err
}

// Subscribe registers handler.
func (f *Feed) Subscribe(handler func(HookEvent)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failed != nil {
		return nil, f.failed
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = handler

	var once sync.Once
	return SubscriptionFunc(func() error {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
		return nil
	}), nil
}

// Emit delivers ev to every current subscriber.
func (f *Feed) Emit(ev HookEvent) {
	f.mu.Lock()
	handlers := make([]func(HookEvent), 0, len(f.subs))
	for _, h := range f.subs {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Subscribers returns the number of active subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
