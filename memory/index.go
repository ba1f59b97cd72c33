package memory

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
)

const indexCollection = "messages"

// vectorIndex wraps an in-memory chromem-go collection. It maps record
// ids to embeddings and nothing else; record content lives in the
// record store. The index is rebuilt from the persisted vectors on
// load, so it never needs its own on-disk format.
type vectorIndex struct {
	db  *chromem.DB
	col *chromem.Collection
}

func newVectorIndex() (*vectorIndex, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection(indexCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create index collection: %w", err)
	}
	return &vectorIndex{db: db, col: col}, nil
}

func (ix *vectorIndex) add(ctx context.Context, id, text string, embedding []float32) error {
	// chromem normalizes embeddings in place; hand it a copy so the
	// persisted vector keeps the backend's original values.
	vec := make([]float32, len(embedding))
	copy(vec, embedding)
	return ix.col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   text,
		Embedding: vec,
	})
}

// query returns up to n nearest neighbors as (id, similarity) pairs,
// most similar first. n is clamped to the collection size.
func (ix *vectorIndex) query(ctx context.Context, embedding []float32, n int) ([]chromem.Result, error) {
	count := ix.col.Count()
	if count == 0 || n <= 0 {
		return nil, nil
	}
	if n > count {
		n = count
	}
	vec := make([]float32, len(embedding))
	copy(vec, embedding)
	return ix.col.QueryEmbedding(ctx, vec, n, nil, nil)
}

func (ix *vectorIndex) size() int {
	return ix.col.Count()
}

func (ix *vectorIndex) reset() error {
	if err := ix.db.DeleteCollection(indexCollection); err != nil {
		return fmt.Errorf("delete index collection: %w", err)
	}
	col, err := ix.db.CreateCollection(indexCollection, nil, nil)
	if err != nil {
		return fmt.Errorf("recreate index collection: %w", err)
	}
	ix.col = col
	return nil
}
