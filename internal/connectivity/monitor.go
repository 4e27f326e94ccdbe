// Package connectivity tracks whether the remote endpoint is reachable and
// raises edge-triggered transition events.
package connectivity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/outboxd/internal/clock"
)

// State is the process-wide connectivity state.
type State struct {
	Online           bool
	LastTransitionAt time.Time
}

// Handler observes one connectivity edge.
type Handler func(State)

type subscription struct {
	id uint64
	fn Handler
}

// Monitor owns the connectivity state. It is the only writer of State.
//
// Set records the new state immediately, so IsOnline reflects an edge even
// while handlers for an earlier edge are still running. Handlers for each
// edge run synchronously in registration order, and edges are delivered one
// at a time in the order they occurred. A handler must not call Set.
type Monitor struct {
	clock clock.Clock

	mu       sync.Mutex
	turn     *sync.Cond
	state    State
	handlers []subscription
	nextID   uint64
	issued   uint64
	served   uint64
}

// NewMonitor creates a monitor starting in the given state.
func NewMonitor(online bool, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.NewReal()
	}
	m := &Monitor{
		clock: clk,
		state: State{Online: online, LastTransitionAt: clk.Now()},
	}
	m.turn = sync.NewCond(&m.mu)
	return m
}

// Current returns the current state.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOnline reports whether the monitor is online.
func (m *Monitor) IsOnline() bool {
	return m.Current().Online
}

// OnTransition registers h for every subsequent edge. The returned function
// unregisters it and is safe to call more than once.
func (m *Monitor) OnTransition(h Handler) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.handlers = append(m.handlers, subscription{id: id, fn: h})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.handlers {
			if sub.id == id {
				m.handlers = append(m.handlers[:i:i], m.handlers[i+1:]...)
				return
			}
		}
	}
}

// Set records the connectivity reported by the platform. When it differs
// from the current state, every handler runs before Set returns and Set
// reports true. Repeated reports of the same state are ignored.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	if m.state.Online == online {
		m.mu.Unlock()
		return false
	}
	m.state = State{Online: online, LastTransitionAt: m.clock.Now()}
	edge := m.state
	ticket := m.issued
	m.issued++

	for m.served != ticket {
		m.turn.Wait()
	}
	handlers := make([]subscription, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	slog.Info("connectivity changed", "online", edge.Online, "event", "connectivity_transition")
	for _, sub := range handlers {
		m.deliver(sub, edge)
	}

	m.mu.Lock()
	m.served++
	m.turn.Broadcast()
	m.mu.Unlock()
	return true
}

// deliver runs one handler, containing panics so the remaining handlers
// still observe the edge.
func (m *Monitor) deliver(sub subscription, edge State) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("connectivity handler panicked",
				"handler", sub.id, "online", edge.Online, "panic", r)
		}
	}()
	sub.fn(edge)
}
