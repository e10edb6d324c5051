package agentd

import (
	"context"
	"fmt"
	"testing"

	"github.com/parley-chat/parley/internal/protocol"
)

func seedStore(t *testing.T, store HistoryStore, conversationID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := store.Append(context.Background(), conversationID, protocol.HistoryMessage{
			EventID: fmt.Sprintf("e%d", i),
			Role:    "user",
			Content: fmt.Sprintf("message %d", i),
		})
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
}

func TestMemoryStorePaging(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store, "c1", 5)

	tests := []struct {
		name    string
		limit   int
		offset  int
		wantIDs []string
	}{
		{"full list", 0, 0, []string{"e0", "e1", "e2", "e3", "e4"}},
		{"limited", 2, 0, []string{"e0", "e1"}},
		{"offset", 2, 3, []string{"e3", "e4"}},
		{"offset past end", 10, 99, nil},
		{"limit past end", 99, 4, []string{"e4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(context.Background(), "c1", tt.limit, tt.offset)
			if err != nil {
				t.Fatalf("List() error: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("List() returned %d entries, want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i].EventID != id {
					t.Errorf("entry %d = %q, want %q", i, got[i].EventID, id)
				}
			}
		})
	}
}

func TestMemoryStoreIsolatesConversations(t *testing.T) {
	store := newMemoryStore()
	seedStore(t, store, "c1", 2)
	seedStore(t, store, "c2", 3)

	got, err := store.List(context.Background(), "c2", 0, 0)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("conversation c2 has %d entries, want 3", len(got))
	}
}

func TestHistoryStoreFallsBackToMemory(t *testing.T) {
	// Without REDIS_URL the constructor must hand back a working store.
	t.Setenv("REDIS_URL", "")
	store := NewHistoryStore()
	if _, ok := store.(*memoryStore); !ok {
		t.Fatalf("store = %T, want *memoryStore", store)
	}
}
