package store

import (
	"context"
	"path/filepath"
	"testing"

	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// storeUnderTest runs the same assertions against both implementations.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "bus.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func entry(agentID string, typ v1.BusEntryType) *v1.BusEntry {
	return &v1.BusEntry{
		Type:    typ,
		AgentID: agentID,
		Payload: map[string]any{"k": "v"},
	}
}

func TestAppendAssignsMonotonicPositions(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			p1, err := s.Append(ctx, entry("a1", v1.BusEntryIntention))
			if err != nil {
				t.Fatalf("Append failed: %v", err)
			}
			p2, _ := s.Append(ctx, entry("a1", v1.BusEntryVote))
			p3, _ := s.Append(ctx, entry("a2", v1.BusEntryCommit))

			if p1 != 1 || p2 != 2 || p3 != 3 {
				t.Errorf("expected positions 1,2,3, got %d,%d,%d", p1, p2, p3)
			}

			last, _ := s.Last(ctx)
			if last != 3 {
				t.Errorf("expected last position 3, got %d", last)
			}
		})
	}
}

func TestReadFromStart(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				_, _ = s.Append(ctx, entry("a1", v1.BusEntryOutput))
			}

			entries, err := s.Read(ctx, 3, 0, nil)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if len(entries) != 3 {
				t.Fatalf("expected 3 entries from position 3, got %d", len(entries))
			}
			if entries[0].Position != 3 {
				t.Errorf("expected first position 3, got %d", entries[0].Position)
			}
		})
	}
}

func TestReadLimitAndTypeFilter(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = s.Append(ctx, entry("a1", v1.BusEntryIntention))
			_, _ = s.Append(ctx, entry("a1", v1.BusEntryVote))
			_, _ = s.Append(ctx, entry("a1", v1.BusEntryIntention))
			_, _ = s.Append(ctx, entry("a1", v1.BusEntryCommit))

			limited, _ := s.Read(ctx, 1, 2, nil)
			if len(limited) != 2 {
				t.Errorf("expected 2 entries with limit, got %d", len(limited))
			}

			filtered, _ := s.Read(ctx, 1, 0, []v1.BusEntryType{v1.BusEntryIntention})
			if len(filtered) != 2 {
				t.Fatalf("expected 2 intention entries, got %d", len(filtered))
			}
			for _, e := range filtered {
				if e.Type != v1.BusEntryIntention {
					t.Errorf("filter leaked type %s", e.Type)
				}
			}
		})
	}
}

func TestReadEmpty(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			entries, err := s.Read(context.Background(), 0, 0, nil)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if len(entries) != 0 {
				t.Errorf("expected no entries, got %d", len(entries))
			}

			last, _ := s.Last(context.Background())
			if last != 0 {
				t.Errorf("expected last 0 on empty store, got %d", last)
			}
		})
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = s.Append(ctx, &v1.BusEntry{
				Type:    v1.BusEntryPolicy,
				AgentID: "a1",
				Payload: map[string]any{"rule": "no-overtake", "weight": float64(3)},
			})

			entries, _ := s.Read(ctx, 1, 0, nil)
			if len(entries) != 1 {
				t.Fatal("entry missing")
			}
			if entries[0].Payload["rule"] != "no-overtake" {
				t.Errorf("payload lost: %v", entries[0].Payload)
			}
		})
	}
}
