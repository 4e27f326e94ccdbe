// Package broadcast notifies in-process subscribers which collections
// changed after a sync cycle, so they can invalidate derived caches.
//
// Subscriptions are in-memory only. A restarted process rebuilds its caches
// from the local store and has nothing to replay.
package broadcast

import (
	"log/slog"
	"slices"
	"sync"
)

// Handler receives the distinct, sorted names of changed collections.
type Handler func(collections []string)

type subscription struct {
	id uint64
	fn Handler
}

// Broadcaster fans change sets out to subscribers from a single dispatch
// goroutine. Publish never blocks on subscribers and subscriber panics are
// logged, never propagated.
type Broadcaster struct {
	mu       sync.Mutex
	idle     *sync.Cond
	subs     []subscription
	nextID   uint64
	pending  [][]string
	busy     bool
	closed   bool
	signal   chan struct{} // buffered, size 1
	finished chan struct{}
}

// New creates a broadcaster and starts its dispatcher. Call Close to stop it.
func New() *Broadcaster {
	b := &Broadcaster{
		signal:   make(chan struct{}, 1),
		finished: make(chan struct{}),
	}
	b.idle = sync.NewCond(&b.mu)
	go b.dispatch()
	return b
}

// OnCollectionsChanged registers h and returns its unsubscribe function.
func (b *Broadcaster) OnCollectionsChanged(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish queues a change set for delivery to every subscriber registered
// at delivery time. Empty sets and publishes after Close are dropped.
func (b *Broadcaster) Publish(collections []string) {
	set := normalize(collections)
	if len(set) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.pending = append(b.pending, set)

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Flush blocks until every change set published so far has been delivered.
func (b *Broadcaster) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.pending) > 0 || b.busy {
		b.idle.Wait()
	}
}

// Close delivers what is already queued and stops the dispatcher.
// Safe to call more than once.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.signal)
	}
	b.mu.Unlock()
	<-b.finished
}

func (b *Broadcaster) dispatch() {
	defer close(b.finished)
	for {
		set, subs, ok := b.next()
		if !ok {
			if _, open := <-b.signal; !open {
				b.drainRemaining()
				return
			}
			continue
		}
		for _, sub := range subs {
			deliver(sub, set)
		}
		b.mu.Lock()
		b.busy = false
		b.idle.Broadcast()
		b.mu.Unlock()
	}
}

// next pops the oldest change set and snapshots the subscribers.
func (b *Broadcaster) next() ([]string, []subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		b.idle.Broadcast()
		return nil, nil, false
	}
	set := b.pending[0]
	b.pending[0] = nil
	b.pending = b.pending[1:]
	if len(b.pending) == 0 {
		b.pending = nil
	}
	b.busy = true
	return set, slices.Clone(b.subs), true
}

func (b *Broadcaster) drainRemaining() {
	for {
		set, subs, ok := b.next()
		if !ok {
			return
		}
		for _, sub := range subs {
			deliver(sub, set)
		}
		b.mu.Lock()
		b.busy = false
		b.idle.Broadcast()
		b.mu.Unlock()
	}
}

func deliver(sub subscription, set []string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("cache invalidation subscriber panicked",
				"subscriber", sub.id, "collections", set, "panic", r)
		}
	}()
	// Each subscriber gets its own copy.
	sub.fn(slices.Clone(set))
}

// normalize returns the distinct non-empty names in sorted order.
func normalize(collections []string) []string {
	out := make([]string, 0, len(collections))
	for _, c := range collections {
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
