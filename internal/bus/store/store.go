// Package store persists bus entries behind a common interface.
package store

import (
	"context"

	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// Store is the append-only bus entry log. Positions are assigned by the
// store, start at 1 and increase monotonically; entries are never mutated.
type Store interface {
	// Append stores an entry and returns its assigned position.
	Append(ctx context.Context, entry *v1.BusEntry) (int64, error)

	// Read returns up to limit entries with position >= start, oldest first,
	// optionally filtered by type.
	Read(ctx context.Context, start int64, limit int, types []v1.BusEntryType) ([]v1.BusEntry, error)

	// Last returns the highest assigned position, 0 when empty.
	Last(ctx context.Context) (int64, error)

	// Close releases store resources.
	Close() error
}

func typeMatches(t v1.BusEntryType, types []v1.BusEntryType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}
