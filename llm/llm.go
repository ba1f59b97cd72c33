package llm

import (
	"context"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type Result struct {
	Text     string
	Usage    Usage
	Duration time.Duration
}

type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// ForceJSON asks the backend for a JSON object response. Used for
	// structured sub-decisions; callers must still validate the decode.
	ForceJSON bool
}

type Client interface {
	Chat(ctx context.Context, req Request) (Result, error)
}
