package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_NowAndAdvance(t *testing.T) {
	c := NewFake(epoch)
	assert.Equal(t, epoch, c.Now())

	c.Advance(3 * time.Second)
	assert.Equal(t, epoch.Add(3*time.Second), c.Now())
}

func TestFake_SetNeverMovesBackwards(t *testing.T) {
	c := NewFake(epoch)
	c.Set(epoch.Add(-time.Hour))
	assert.Equal(t, epoch, c.Now())
}

func TestFake_AfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(epoch)
	var fired []string

	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(5*time.Second, func() { fired = append(fired, "c") })

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)

	c.Advance(10 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Empty(t, c.Pending())
}

func TestFake_StopPreventsFiring(t *testing.T) {
	c := NewFake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports already stopped")

	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestFake_CallbackMayScheduleDueTimer(t *testing.T) {
	c := NewFake(epoch)
	count := 0
	c.AfterFunc(time.Second, func() {
		count++
		c.AfterFunc(0, func() { count++ })
	})

	c.Advance(time.Second)
	assert.Equal(t, 2, count)
}

func TestFake_Pending(t *testing.T) {
	c := NewFake(epoch)
	c.AfterFunc(3*time.Second, func() {})
	c.AfterFunc(time.Second, func() {})

	assert.Equal(t, []time.Time{epoch.Add(time.Second), epoch.Add(3 * time.Second)}, c.Pending())
}

func TestReal_AfterFunc(t *testing.T) {
	done := make(chan struct{})
	NewReal().AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
}
