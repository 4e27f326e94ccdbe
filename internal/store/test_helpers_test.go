package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/outboxd/internal/clock"
	"github.com/roach88/outboxd/internal/ops"
	"github.com/roach88/outboxd/internal/policy"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// testRetry uses round numbers so backoff assertions stay readable.
var testRetry = policy.Retry{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Minute}

// createTestStore creates a store in a temp dir driven by a fake clock.
func createTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testEpoch)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clk), WithRetry(testRetry))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func mutation(collection, key string, action ops.Action, payload string) ops.Mutation {
	m := ops.Mutation{Collection: collection, Key: key, Action: action}
	if payload != "" {
		m.Payload = json.RawMessage(payload)
	}
	return m
}

func mustAppend(t *testing.T, s *Store, m ops.Mutation) string {
	t.Helper()
	id, err := s.Append(context.Background(), m)
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	return id
}

func mustClaim(t *testing.T, s *Store, size int) Batch {
	t.Helper()
	b, err := s.ClaimBatch(context.Background(), ClaimOptions{MaxSize: size, MaxAttempt: testRetry.MaxRetries})
	if err != nil {
		t.Fatalf("ClaimBatch() failed: %v", err)
	}
	return b
}

func mustGet(t *testing.T, s *Store, id string) ops.Record {
	t.Helper()
	rec, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", id, err)
	}
	return rec
}

func ids(records []ops.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
