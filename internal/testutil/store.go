package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/outboxd/internal/clock"
	"github.com/roach88/outboxd/internal/policy"
	"github.com/roach88/outboxd/internal/store"
)

// Epoch is the fixed start time of test clocks.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// OpenStore opens a store in a temp dir, closed on test cleanup.
func OpenStore(t testing.TB, clk clock.Clock, retry policy.Retry) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "outbox.db"), store.WithClock(clk), store.WithRetry(retry))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
