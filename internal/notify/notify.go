// Package notify provides a broadcast signal for "something changed" events.
package notify

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Broadcaster fans a change signal out to every subscriber. Signals are
// coalesced: a subscriber that has not drained its channel sees one pending
// signal no matter how many publishes happened. Publish never blocks.
//
// The zero value is ready to use.
type Broadcaster struct {
	mu   sync.Mutex // serializes subscribe/cancel
	subs atomic.Pointer[[]chan struct{}]
}

// Subscribe registers a new listener. The returned cancel func removes it and
// is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	var next []chan struct{}
	if cur := b.subs.Load(); cur != nil {
		next = slices.Clone(*cur)
	}
	next = append(next, ch)
	b.subs.Store(&next)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.remove(ch) })
	}
	return ch, cancel
}

func (b *Broadcaster) remove(ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.subs.Load()
	if cur == nil {
		return
	}
	next := slices.DeleteFunc(slices.Clone(*cur), func(c chan struct{}) bool { return c == ch })
	b.subs.Store(&next)
}

// Publish signals every current subscriber.
func (b *Broadcaster) Publish() {
	cur := b.subs.Load()
	if cur == nil {
		return
	}
	for _, ch := range *cur {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of current subscribers.
func (b *Broadcaster) Len() int {
	cur := b.subs.Load()
	if cur == nil {
		return 0
	}
	return len(*cur)
}
