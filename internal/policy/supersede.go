package policy

import "github.com/roach88/outboxd/internal/ops"

// Supersedes reports whether delivering b makes delivering a unnecessary.
//
// True when both records target the same entity, b is strictly newer than a,
// a has not reached a terminal status, and b is still on the delivery path
// (not dead-lettered). Payloads are full snapshots, so the newest mutation
// of an entity carries everything the remote needs (last-writer-wins).
func Supersedes(a, b ops.Record) bool {
	if !SameEntity(a, b) || a.ID == b.ID {
		return false
	}
	if Compare(a, b) >= 0 {
		return false
	}
	if a.Status.Terminal() || a.Status == ops.StatusInFlight {
		return false
	}
	return b.Status != ops.StatusDeadLettered && b.Status != ops.StatusSucceeded
}

// Resolution is the outcome of applying Supersedes to a claimed batch.
type Resolution struct {
	// Deliver holds the records to send, in replay order.
	Deliver []ops.Record
	// Superseded maps a stale record ID to the ID of the record replacing it.
	Superseded map[string]string
	// Duplicates holds claimed records whose entity already has an earlier
	// claimed record in the same batch. Their presence is an invariant breach.
	Duplicates []ops.Record
}

// Resolve orders claimed records and pairs every stale record with the
// claimed record that supersedes it. Stale records without a newer claimed
// record for their entity are left out of both lists.
func Resolve(claimed, stale []ops.Record) Resolution {
	res := Resolution{Superseded: make(map[string]string)}

	deliver := make([]ops.Record, len(claimed))
	copy(deliver, claimed)
	Sort(deliver)

	heads := make(map[ops.EntityRef]ops.Record, len(deliver))
	for _, rec := range deliver {
		if _, dup := heads[rec.Entity()]; dup {
			res.Duplicates = append(res.Duplicates, rec)
			continue
		}
		heads[rec.Entity()] = rec
		res.Deliver = append(res.Deliver, rec)
	}

	for _, s := range stale {
		head, ok := heads[s.Entity()]
		if ok && Supersedes(s, head) {
			res.Superseded[s.ID] = head.ID
		}
	}
	return res
}
