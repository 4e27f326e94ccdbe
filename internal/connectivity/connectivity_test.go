package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outboxd/internal/clock"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMonitor_Current(t *testing.T) {
	clk := clock.NewFake(epoch)
	m := NewMonitor(false, clk)

	assert.Equal(t, State{Online: false, LastTransitionAt: epoch}, m.Current())
	assert.False(t, m.IsOnline())

	clk.Advance(time.Minute)
	require.True(t, m.Set(true))
	assert.Equal(t, State{Online: true, LastTransitionAt: epoch.Add(time.Minute)}, m.Current())
}

func TestMonitor_HandlersOncePerEdgeInOrder(t *testing.T) {
	m := NewMonitor(false, clock.NewFake(epoch))

	var calls []string
	m.OnTransition(func(s State) { calls = append(calls, "first:"+onOff(s.Online)) })
	m.OnTransition(func(s State) { calls = append(calls, "second:"+onOff(s.Online)) })

	assert.True(t, m.Set(true))
	assert.False(t, m.Set(true), "same state is not an edge")
	assert.True(t, m.Set(false))

	assert.Equal(t, []string{"first:on", "second:on", "first:off", "second:off"}, calls)
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(false, clock.NewFake(epoch))

	var n int
	unsubscribe := m.OnTransition(func(State) { n++ })
	m.Set(true)
	unsubscribe()
	unsubscribe()
	m.Set(false)

	assert.Equal(t, 1, n)
}

func TestMonitor_HandlerPanicDoesNotStopOthers(t *testing.T) {
	m := NewMonitor(false, clock.NewFake(epoch))

	var reached bool
	m.OnTransition(func(State) { panic("boom") })
	m.OnTransition(func(State) { reached = true })

	assert.NotPanics(t, func() { m.Set(true) })
	assert.True(t, reached)
}

func TestMonitor_StateVisibleWhileEarlierEdgeDelivers(t *testing.T) {
	m := NewMonitor(false, clock.NewFake(epoch))

	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu    sync.Mutex
		edges []bool
	)
	m.OnTransition(func(s State) {
		mu.Lock()
		edges = append(edges, s.Online)
		mu.Unlock()
		if s.Online {
			close(entered)
			<-release
		}
	})

	done := make(chan struct{})
	go func() {
		m.Set(true)
		close(done)
	}()
	<-entered

	offline := make(chan struct{})
	go func() {
		m.Set(false)
		close(offline)
	}()

	assert.Eventually(t, func() bool { return !m.IsOnline() }, time.Second, time.Millisecond,
		"offline edge is visible before the online handlers finish")

	close(release)
	<-done
	<-offline

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, edges, "edges delivered in order")
}

func TestFollow(t *testing.T) {
	sw := NewSwitch(true)
	m := NewMonitor(false, clock.NewFake(epoch))

	var edges []bool
	m.OnTransition(func(s State) { edges = append(edges, s.Online) })

	stop := Follow(m, sw)
	assert.True(t, m.IsOnline(), "seeded from the signal")

	sw.Flip(false)
	sw.Flip(false)
	assert.False(t, m.IsOnline())

	stop()
	sw.Flip(true)
	assert.False(t, m.IsOnline(), "no longer following")
	assert.Equal(t, []bool{true, false}, edges)
}

func TestProber_Probe(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMonitor(false, clock.NewFake(epoch))
	p := NewProber(srv.URL, time.Second, m)

	assert.False(t, p.Probe(context.Background()))
	healthy.Store(true)
	assert.True(t, p.Probe(context.Background()))

	unreachable := NewProber("http://127.0.0.1:1/healthz", time.Second, m)
	assert.False(t, unreachable.Probe(context.Background()))
}

func TestProber_RunSetsMonitor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := NewMonitor(false, clock.NewFake(epoch))
	p := NewProber(srv.URL, 10*time.Millisecond, m)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	assert.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestProber_RunRequiresURL(t *testing.T) {
	p := NewProber("", 0, NewMonitor(false, nil))
	assert.Equal(t, DefaultProbeInterval, p.Interval)
	assert.Error(t, p.Run(context.Background()))
}

func onOff(online bool) string {
	if online {
		return "on"
	}
	return "off"
}
