package memory

import (
	"context"
	"time"
)

// Message is one unit of conversation handed to the store for indexing.
type Message struct {
	Text      string
	ChatID    int64
	UserID    int64
	Username  string
	Timestamp time.Time
	// MessageID is a weak reference back to the durable store's message
	// row. Neither side enforces integrity on the other.
	MessageID int64
}

// Record is a stored memory entry. Records are keyed by a synthetic id;
// the similarity index only ever holds ids, never positions.
type Record struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
	MessageID int64     `json:"message_id"`
}

// SearchResult pairs a record with its distance to the query embedding
// (smaller is closer).
type SearchResult struct {
	Record   Record
	Distance float32
}

// Embedder computes embeddings for a batch of texts. Implementations
// must return exactly one vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
