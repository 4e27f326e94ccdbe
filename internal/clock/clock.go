// Package clock abstracts wall time and timers so that retry timing can be
// driven deterministically in tests.
package clock

import "time"

// Clock is the source of time for the sync engine.
//
// Production code uses Real. Tests use Fake, which only moves when Advance
// or Set is called and fires timers synchronously.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (Real) or inline during Advance
	// (Fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call created by AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing.
	// Returns false if the timer already fired or was stopped.
	Stop() bool
}

// Real is the production clock backed by the time package.
type Real struct{}

// NewReal returns the system clock.
func NewReal() Clock {
	return Real{}
}

// Now returns the current system time.
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
