package connectivity

import (
	"slices"
	"sync"
)

// Signal is the host platform's connectivity notifier.
type Signal interface {
	IsOnline() bool
	// Subscribe registers fn for transition reports and returns its
	// unsubscribe function.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Follow mirrors sig into m: it subscribes to transition reports and then
// seeds m with the signal's current state. The returned function stops
// following.
func Follow(m *Monitor, sig Signal) (stop func()) {
	unsubscribe := sig.Subscribe(func(online bool) {
		m.Set(online)
	})
	m.Set(sig.IsOnline())
	return unsubscribe
}

// Switch is a Signal driven by explicit calls, for hosts that learn about
// connectivity from their own events (and for tests).
type Switch struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	next   int
}

// NewSwitch creates a Switch in the given state.
func NewSwitch(online bool) *Switch {
	return &Switch{online: online, subs: make(map[int]func(bool))}
}

// IsOnline implements Signal.
func (s *Switch) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Subscribe implements Signal.
func (s *Switch) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Flip reports online to every subscriber. Subscribers are called without
// the lock held, in subscription order.
func (s *Switch) Flip(online bool) {
	s.mu.Lock()
	s.online = online
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}
