// Package policy holds the pure replay rules of the outbox: ordering,
// last-writer-wins superseding, retry classification and backoff.
//
// Nothing here performs I/O; every function is deterministic in its inputs.
package policy

import (
	"slices"
	"strings"

	"github.com/roach88/outboxd/internal/ops"
)

// Compare is the total replay order: createdAt ascending, tie-broken by ID
// (binary string comparison). Returns -1, 0 or 1.
func Compare(a, b ops.Record) int {
	switch {
	case a.CreatedAt.Before(b.CreatedAt):
		return -1
	case a.CreatedAt.After(b.CreatedAt):
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// Sort orders records in place by Compare.
func Sort(records []ops.Record) {
	slices.SortStableFunc(records, Compare)
}

// SameEntity reports whether a and b mutate the same (collection, entityKey).
func SameEntity(a, b ops.Record) bool {
	return a.Collection == b.Collection && a.EntityKey == b.EntityKey
}
