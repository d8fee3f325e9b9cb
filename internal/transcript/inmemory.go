package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps a bounded ring of recent utterances. It is the default
// when no database is configured.
type InMemoryStore struct {
	mu   sync.Mutex
	max  int
	rows []Utterance
}

func NewInMemoryStore(max int) *InMemoryStore {
	if max <= 0 {
		max = 1000
	}
	return &InMemoryStore{max: max}
}

func (s *InMemoryStore) Record(_ context.Context, u Utterance) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, u)
	if len(s.rows) > s.max {
		s.rows = s.rows[len(s.rows)-s.max:]
	}
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Utterance, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.rows)
	if limit > n {
		limit = n
	}
	out := make([]Utterance, limit)
	// Newest first.
	for i := 0; i < limit; i++ {
		out[i] = s.rows[n-1-i]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
