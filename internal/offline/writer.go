package offline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/outboxd/internal/ops"
)

// Mutator applies a local mutation and appends its outbox record.
type Mutator interface {
	Mutate(ctx context.Context, m ops.Mutation) (string, error)
}

// WriteResult tells the caller where a mutation went.
type WriteResult struct {
	// RecordID is set when the mutation reached the outbox directly.
	RecordID string
	// Staged is set when the mutation was captured offline instead.
	Staged *ops.OfflineAction
}

// Writer is the business-layer entry point for local writes. It prefers the
// outbox and falls back to the offline recorder when the store cannot take
// the write.
type Writer struct {
	store    Mutator
	recorder *Recorder
}

// NewWriter creates a writer. store may be nil while the store is still
// opening, in which case every write is staged.
func NewWriter(store Mutator, recorder *Recorder) *Writer {
	return &Writer{store: store, recorder: recorder}
}

// Write records m.
func (w *Writer) Write(ctx context.Context, m ops.Mutation) (WriteResult, error) {
	if err := m.Validate(); err != nil {
		return WriteResult{}, fmt.Errorf("write: %w", err)
	}

	if w.store != nil {
		id, err := w.store.Mutate(ctx, m)
		if err == nil {
			return WriteResult{RecordID: id}, nil
		}
		if !ops.IsStorageUnavailable(err) {
			return WriteResult{}, fmt.Errorf("write: %w", err)
		}
		slog.Warn("outbox unavailable, staging offline", "entity", m.Entity().String(), "error", err)
	}

	a, err := w.recorder.Capture(ctx, m.Action, m.Payload, m.Collection, m.Key)
	if err != nil {
		return WriteResult{}, fmt.Errorf("write: %w", err)
	}
	return WriteResult{Staged: &a}, nil
}
