// Package remote defines the remote endpoint the outbox drains into, an
// HTTP client for it, and a reference server implementing its idempotent
// apply contract.
package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/roach88/outboxd/internal/ops"
)

// IdempotencyHeader carries the record ID on every apply request.
const IdempotencyHeader = "Idempotency-Key"

// Mutation is the wire form of one outbox record.
type Mutation struct {
	RecordID   string          `json:"record_id"`
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Action     ops.Action      `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// FromRecord builds the wire mutation for rec.
func FromRecord(rec ops.Record) Mutation {
	return Mutation{
		RecordID:   rec.ID,
		Collection: rec.Collection,
		Key:        rec.EntityKey,
		Action:     rec.Action,
		Payload:    rec.Payload,
		CreatedAt:  rec.CreatedAt,
	}
}

// Ack is the endpoint's confirmation of an apply.
type Ack struct {
	// Applied is false when the endpoint already held a newer write for the
	// entity and kept it.
	Applied bool `json:"applied"`
	// Duplicate is true when the record ID had been applied before.
	Duplicate bool `json:"duplicate"`
}

// Endpoint applies mutations remotely. Apply must be idempotent per record
// ID. Errors should be classified with ops.NewTransient or ops.NewPermanent;
// unclassified errors are treated as transient.
type Endpoint interface {
	Apply(ctx context.Context, m Mutation) (Ack, error)
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(ctx context.Context, m Mutation) (Ack, error)

// Apply implements Endpoint.
func (f EndpointFunc) Apply(ctx context.Context, m Mutation) (Ack, error) {
	return f(ctx, m)
}
