// Package memory keeps a similarity-indexed memory of past chat
// messages, always scoped per chat. Every retrieval path (similarity,
// user recency, chat recency) filters by chat id so context never
// leaks between unrelated conversations.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/overx-ai/gentle-man-tg-bot/internal/fsstore"
)

// ErrCorruptStore marks a persisted store that could not be loaded as
// a unit. Load treats it as "start fresh", never as a startup failure.
var ErrCorruptStore = errors.New("memory: corrupt store")

const (
	recordsFileName = "records.json"
	vectorsFileName = "vectors.json"

	// Over-fetch factor for similarity search: the index is queried for
	// 3*k neighbors to compensate for post-filtering by chat scope.
	searchOverFetch = 3
)

// Store owns the record store and the similarity index. Records are
// append-only: individual entries are never mutated or deleted, only
// Clear wipes the store.
type Store struct {
	mu        sync.Mutex
	embedder  Embedder
	dimension int
	dir       string
	logger    *slog.Logger

	records []Record             // insertion order
	byID    map[string]int       // record id -> position in records
	vectors map[string][]float32 // record id -> embedding (dimension entries)
	index   *vectorIndex
}

// New creates a store backed by the given directory and immediately
// loads any persisted state. A missing or corrupt artifact pair resets
// to an empty store rather than failing startup.
func New(embedder Embedder, dimension int, dir string, logger *slog.Logger) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("memory: nil embedder")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("memory: invalid dimension %d", dimension)
	}
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("memory: empty store dir")
	}
	if logger == nil {
		logger = slog.Default()
	}
	index, err := newVectorIndex()
	if err != nil {
		return nil, err
	}
	s := &Store{
		embedder:  embedder,
		dimension: dimension,
		dir:       dir,
		logger:    logger,
		byID:      make(map[string]int),
		vectors:   make(map[string][]float32),
		index:     index,
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// AddMessages embeds and stores a batch of messages. Entries with
// empty text are dropped. If the embedding backend fails, the batch is
// stored anyway, backed by zero vectors: such records stay readable by
// the recency queries but are not inserted into the similarity index.
func (s *Store) AddMessages(ctx context.Context, msgs []Message) error {
	valid := msgs[:0:0]
	for _, m := range msgs {
		if strings.TrimSpace(m.Text) != "" {
			valid = append(valid, m)
		}
	}
	if len(valid) == 0 {
		return nil
	}

	texts := make([]string, len(valid))
	for i, m := range valid {
		texts[i] = m.Text
	}

	embeddings, err := s.embedder.Embed(ctx, texts)
	if err != nil || len(embeddings) != len(texts) {
		if err == nil {
			err = fmt.Errorf("embedder returned %d vectors for %d texts", len(embeddings), len(texts))
		}
		s.logger.Warn("memory_embed_failed", "count", len(texts), "error", err.Error())
		embeddings = make([][]float32, len(texts))
		for i := range embeddings {
			embeddings[i] = make([]float32, s.dimension)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range valid {
		rec := Record{
			ID:        uuid.NewString(),
			Text:      m.Text,
			ChatID:    m.ChatID,
			UserID:    m.UserID,
			Username:  m.Username,
			Timestamp: m.Timestamp,
			MessageID: m.MessageID,
		}
		vec := embeddings[i]
		if len(vec) != s.dimension {
			// Wrong-sized vector from the backend; keep the record
			// recency-readable like a failed embedding.
			s.logger.Warn("memory_embed_dimension_mismatch", "got", len(vec), "want", s.dimension)
			vec = make([]float32, s.dimension)
		}
		s.byID[rec.ID] = len(s.records)
		s.records = append(s.records, rec)
		s.vectors[rec.ID] = vec
		if !isZeroVector(vec) {
			if err := s.index.add(ctx, rec.ID, rec.Text, vec); err != nil {
				return fmt.Errorf("memory: index add: %w", err)
			}
		}
	}

	return s.saveLocked()
}

// Search returns up to k records from the given chat, nearest first.
// It fails closed: a zero chat id always yields an empty result, no
// matter what the index holds.
func (s *Store) Search(ctx context.Context, query string, k int, chatID int64) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" || k <= 0 {
		return nil, nil
	}
	if chatID == 0 {
		s.logger.Warn("memory_search_without_chat_scope")
		return nil, nil
	}

	embeddings, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(embeddings) != 1 || len(embeddings[0]) != s.dimension {
		if err == nil {
			err = fmt.Errorf("embedder returned unusable query vector")
		}
		s.logger.Warn("memory_query_embed_failed", "error", err.Error())
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hits, err := s.index.query(ctx, embeddings[0], searchOverFetch*k)
	if err != nil {
		return nil, fmt.Errorf("memory: index query: %w", err)
	}

	results := make([]SearchResult, 0, k)
	for _, hit := range hits {
		pos, ok := s.byID[hit.ID]
		if !ok {
			continue
		}
		rec := s.records[pos]
		if rec.ChatID != chatID {
			continue
		}
		results = append(results, SearchResult{Record: rec, Distance: 1 - hit.Similarity})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// UserContext returns the most recent records for one user in one
// chat, oldest of the window first.
func (s *Store) UserContext(userID, chatID int64, limit int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.UserID == userID && rec.ChatID == chatID {
			out = append(out, rec)
		}
	}
	return tailRecords(out, limit)
}

// ChatContext returns the most recent records for one chat, oldest of
// the window first.
func (s *Store) ChatContext(chatID int64, limit int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.ChatID == chatID {
			out = append(out, rec)
		}
	}
	return tailRecords(out, limit)
}

// Save persists the record and vector artifacts.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

type vectorsFile struct {
	Dimension int                  `json:"dimension"`
	Vectors   map[string][]float32 `json:"vectors"`
}

func (s *Store) saveLocked() error {
	if err := fsstore.WriteJSONAtomic(filepath.Join(s.dir, recordsFileName), s.records, fsstore.FileOptions{}); err != nil {
		return err
	}
	if err := fsstore.WriteJSONAtomic(filepath.Join(s.dir, vectorsFileName), vectorsFile{
		Dimension: s.dimension,
		Vectors:   s.vectors,
	}, fsstore.FileOptions{}); err != nil {
		return err
	}
	s.logger.Debug("memory_saved", "records", len(s.records))
	return nil
}

// Load restores the record store and rebuilds the similarity index.
// The two artifacts load as a unit: if either is missing, undecodable,
// or inconsistent with the other (or the dimension changed), the store
// resets to empty instead of failing.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, vectors, err := s.readArtifactsLocked()
	if err != nil {
		if errors.Is(err, ErrCorruptStore) {
			s.logger.Warn("memory_store_reset", "error", err.Error())
			return s.resetLocked(true)
		}
		return err
	}
	if records == nil {
		// Nothing persisted yet.
		return s.resetLocked(false)
	}

	if err := s.resetLocked(false); err != nil {
		return err
	}
	for _, rec := range records {
		vec := vectors[rec.ID]
		s.byID[rec.ID] = len(s.records)
		s.records = append(s.records, rec)
		s.vectors[rec.ID] = vec
		if !isZeroVector(vec) {
			if err := s.index.add(context.Background(), rec.ID, rec.Text, vec); err != nil {
				return fmt.Errorf("memory: rebuild index: %w", err)
			}
		}
	}
	s.logger.Info("memory_loaded", "records", len(s.records), "indexed", s.index.size())
	return nil
}

func (s *Store) readArtifactsLocked() ([]Record, map[string][]float32, error) {
	var records []Record
	recordsFound, err := fsstore.ReadJSON(filepath.Join(s.dir, recordsFileName), &records)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}

	var vf vectorsFile
	vectorsFound, err := fsstore.ReadJSON(filepath.Join(s.dir, vectorsFileName), &vf)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}

	if !recordsFound && !vectorsFound {
		return nil, nil, nil
	}
	if recordsFound != vectorsFound {
		return nil, nil, fmt.Errorf("%w: partial artifact pair", ErrCorruptStore)
	}
	if vf.Dimension != s.dimension {
		return nil, nil, fmt.Errorf("%w: dimension %d, want %d", ErrCorruptStore, vf.Dimension, s.dimension)
	}
	if len(vf.Vectors) != len(records) {
		return nil, nil, fmt.Errorf("%w: %d vectors for %d records", ErrCorruptStore, len(vf.Vectors), len(records))
	}
	for _, rec := range records {
		vec, ok := vf.Vectors[rec.ID]
		if !ok || len(vec) != s.dimension {
			return nil, nil, fmt.Errorf("%w: record %s has no usable vector", ErrCorruptStore, rec.ID)
		}
	}
	if records == nil {
		records = []Record{}
	}
	return records, vf.Vectors, nil
}

// Clear wipes the store and persists the empty state.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetLocked(true)
}

func (s *Store) resetLocked(persist bool) error {
	s.records = nil
	s.byID = make(map[string]int)
	s.vectors = make(map[string][]float32)
	if err := s.index.reset(); err != nil {
		return err
	}
	if persist {
		return s.saveLocked()
	}
	return nil
}

func tailRecords(recs []Record, limit int) []Record {
	if limit <= 0 || len(recs) == 0 {
		return nil
	}
	if len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return recs
}

func isZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
