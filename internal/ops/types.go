package ops

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is the kind of mutation a record replays.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ParseAction validates s as an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return a, nil
	default:
		return "", fmt.Errorf("invalid action %q: must be create, update or delete", s)
	}
}

// Status is the delivery state of a record.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInFlight     Status = "in_flight"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusInFlight, StatusSucceeded, StatusFailed, StatusDeadLettered}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusDeadLettered
}

// Claimable reports whether a record in status s may be claimed for delivery.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusFailed
}

// EntityRef identifies the logical entity a record mutates.
type EntityRef struct {
	Collection string
	Key        string
}

// String renders the reference as "collection/key".
func (e EntityRef) String() string {
	return e.Collection + "/" + e.Key
}

// Mutation is a local write that must eventually reach the remote endpoint.
type Mutation struct {
	Collection string
	Key        string
	Action     Action
	// Payload is the opaque serialized entity snapshot. May be empty for deletes.
	Payload json.RawMessage
}

// Entity returns the mutated entity reference.
func (m Mutation) Entity() EntityRef {
	return EntityRef{Collection: m.Collection, Key: m.Key}
}

// Validate checks the fields the store relies on.
func (m Mutation) Validate() error {
	if m.Collection == "" {
		return fmt.Errorf("mutation: collection is required")
	}
	if m.Key == "" {
		return fmt.Errorf("mutation: entity key is required")
	}
	if _, err := ParseAction(string(m.Action)); err != nil {
		return fmt.Errorf("mutation: %w", err)
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return fmt.Errorf("mutation: payload is not valid JSON")
	}
	return nil
}

// Record is an OperationRecord: the unit of durable outbox work.
//
// Only status fields (Status, Attempt, LastError, LastAttemptAt,
// NextAttemptAt, UpdatedAt, Held, SupersededBy) change after creation.
type Record struct {
	ID         string
	Collection string
	EntityKey  string
	Action     Action
	Payload    json.RawMessage
	CreatedAt  time.Time

	// Attempt counts delivery attempts. It only increases, except through
	// an operator requeue.
	Attempt   int
	Status    Status
	LastError string

	// LastAttemptAt is zero until the first delivery attempt.
	LastAttemptAt time.Time
	// NextAttemptAt is the earliest time the record may be claimed again.
	NextAttemptAt time.Time
	UpdatedAt     time.Time

	// Held marks a record quarantined after a concurrency violation; the
	// recovery pass leaves it InFlight until an operator requeues it.
	Held bool
	// SupersededBy is the ID of the newer record that made this one stale.
	SupersededBy string
	// OriginID is the offline action this record was promoted from, if any.
	OriginID string
}

// Entity returns the entity the record mutates.
func (r Record) Entity() EntityRef {
	return EntityRef{Collection: r.Collection, Key: r.EntityKey}
}

// Mutation returns the replayable mutation carried by the record.
func (r Record) Mutation() Mutation {
	return Mutation{Collection: r.Collection, Key: r.EntityKey, Action: r.Action, Payload: r.Payload}
}

// RecordID derives the stable record ID from its entity and creation time.
func RecordID(collection, entityKey string, createdAt time.Time) string {
	return fmt.Sprintf("%s/%s@%d", collection, entityKey, createdAt.UnixNano())
}

// OfflineAction is a staged intent captured while the record store was
// unavailable. PromotedAt is nil until it has become a Record.
type OfflineAction struct {
	ID               string          `json:"id"`
	ActionType       Action          `json:"action_type"`
	SerializedIntent json.RawMessage `json:"serialized_intent,omitempty"`
	TargetCollection string          `json:"target_collection"`
	TargetKey        string          `json:"target_key"`
	CapturedAt       time.Time       `json:"captured_at"`
	PromotedAt       *time.Time      `json:"promoted_at,omitempty"`
	// RecordID is set once promoted.
	RecordID string `json:"record_id,omitempty"`
}

// Promoted reports whether the action has been converted into a Record.
func (a OfflineAction) Promoted() bool {
	return a.PromotedAt != nil
}

// Mutation returns the mutation the action will become on promotion.
func (a OfflineAction) Mutation() Mutation {
	return Mutation{
		Collection: a.TargetCollection,
		Key:        a.TargetKey,
		Action:     a.ActionType,
		Payload:    a.SerializedIntent,
	}
}
