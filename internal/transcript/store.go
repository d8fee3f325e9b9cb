// Package transcript persists the utterances spoken and heard by the bridge.
package transcript

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Utterance is one spoken or heard line.
type Utterance struct {
	ID        uuid.UUID `json:"id"`
	Role      string    `json:"role"` // "assistant" or "user"
	Text      string    `json:"text"`
	Route     string    `json:"route,omitempty"` // how assistant audio was produced
	CreatedAt time.Time `json:"created_at"`
}

// Store persists utterances. Implementations must be safe for concurrent use.
type Store interface {
	Record(ctx context.Context, u Utterance) error
	Recent(ctx context.Context, limit int) ([]Utterance, error)
	Close() error
}

// NewStore selects a backend from the DATABASE_URL value: Postgres when set,
// in-memory otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		log.Printf("[transcript] DATABASE_URL empty, using in-memory store")
		return NewInMemoryStore(0), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
