package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
)

// Embedder calls the embeddings endpoint. It implements
// memory.Embedder: one vector per input, in input order.
type Embedder struct {
	api   *goopenai.Client
	model string
}

func NewEmbedder(cfg Config) *Embedder {
	c := goopenai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		c.BaseURL = strings.TrimRight(base, "/")
	}
	if cfg.RequestTimeout > 0 {
		c.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	} else {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Embedder{
		api:   goopenai.NewClientWithConfig(c),
		model: strings.TrimSpace(cfg.Model),
	}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: texts,
		Model: goopenai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai embeddings: vector index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, vec := range out {
		if len(vec) == 0 {
			return nil, fmt.Errorf("openai embeddings: missing vector for input %d", i)
		}
	}
	return out, nil
}
