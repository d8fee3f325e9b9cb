package transcript

import (
	"context"
	"testing"
)

func TestInMemoryRecentNewestFirst(t *testing.T) {
	s := NewInMemoryStore(10)
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		if err := s.Record(ctx, Utterance{Role: "assistant", Text: text}); err != nil {
			t.Fatalf("Record(%q): %v", text, err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 || got[0].Text != "three" || got[1].Text != "two" {
		t.Errorf("Recent(2) = %+v", got)
	}
	if got[0].ID == got[1].ID {
		t.Error("utterances share an ID")
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestInMemoryBounded(t *testing.T) {
	s := NewInMemoryStore(3)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = s.Record(ctx, Utterance{Role: "user", Text: "x"})
	}
	got, _ := s.Recent(ctx, 100)
	if len(got) != 3 {
		t.Errorf("stored %d utterances, want 3", len(got))
	}
}

func TestNewStoreDefaultsToInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("store type = %T, want *InMemoryStore", s)
	}
}
