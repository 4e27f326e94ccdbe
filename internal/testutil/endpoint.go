// Package testutil provides test doubles shared across packages.
package testutil

import (
	"context"
	"sync"

	"github.com/roach88/outboxd/internal/remote"
)

// FakeEndpoint is a scripted remote.Endpoint that records every call.
//
// Failures are scripted per entity ("collection/key"): each call for the
// entity consumes the next scripted error, and a nil entry means success.
// Once the script runs out the call succeeds, unless FailAlways is set.
//
// Thread-safety: all methods are safe for concurrent use.
type FakeEndpoint struct {
	mu      sync.Mutex
	calls   []remote.Mutation
	script  map[string][]error
	always  map[string]error
	onApply func(context.Context, remote.Mutation)
}

// NewFakeEndpoint creates an endpoint that acknowledges everything.
func NewFakeEndpoint() *FakeEndpoint {
	return &FakeEndpoint{
		script: make(map[string][]error),
		always: make(map[string]error),
	}
}

// Script queues outcomes for the next calls targeting entity.
func (f *FakeEndpoint) Script(entity string, outcomes ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[entity] = append(f.script[entity], outcomes...)
}

// FailAlways makes every call for entity fail with err once its script is
// exhausted. A nil err clears it.
func (f *FakeEndpoint) FailAlways(entity string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.always, entity)
		return
	}
	f.always[entity] = err
}

// OnApply registers a hook run at the start of every call, outside the
// endpoint's lock. Hooks may block to simulate a slow remote.
func (f *FakeEndpoint) OnApply(hook func(context.Context, remote.Mutation)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onApply = hook
}

// Apply implements remote.Endpoint.
func (f *FakeEndpoint) Apply(ctx context.Context, m remote.Mutation) (remote.Ack, error) {
	f.mu.Lock()
	hook := f.onApply
	f.mu.Unlock()
	if hook != nil {
		hook(ctx, m)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, m)

	entity := m.Collection + "/" + m.Key
	if queued := f.script[entity]; len(queued) > 0 {
		err := queued[0]
		f.script[entity] = queued[1:]
		if err != nil {
			return remote.Ack{}, err
		}
		return remote.Ack{Applied: true}, nil
	}
	if err := f.always[entity]; err != nil {
		return remote.Ack{}, err
	}
	return remote.Ack{Applied: true}, nil
}

// Calls returns the calls received so far, in order.
func (f *FakeEndpoint) Calls() []remote.Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Mutation(nil), f.calls...)
}

// CallCount returns the number of calls received.
func (f *FakeEndpoint) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Reset clears recorded calls and scripts.
func (f *FakeEndpoint) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.script = make(map[string][]error)
	f.always = make(map[string]error)
}
