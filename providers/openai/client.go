// Package openai adapts an OpenAI-compatible endpoint (OpenAI proper,
// OpenRouter, any chat-completions server) to the llm.Client and
// memory.Embedder interfaces. Retry and backoff live here, inside the
// call; callers only ever see success or a single failure.
package openai

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/overx-ai/gentle-man-tg-bot/llm"
)

const (
	maxAttempts    = 3
	baseRetryDelay = 2 * time.Second
)

type Config struct {
	BaseURL string
	APIKey  string
	Model   string

	RequestTimeout time.Duration
}

type Client struct {
	api   *goopenai.Client
	model string
}

func New(cfg Config) *Client {
	c := goopenai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		c.BaseURL = strings.TrimRight(base, "/")
	}
	if cfg.RequestTimeout > 0 {
		c.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Client{
		api:   goopenai.NewClientWithConfig(c),
		model: strings.TrimSpace(cfg.Model),
	}
}

func (c *Client) Chat(ctx context.Context, req llm.Request) (llm.Result, error) {
	start := time.Now()

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}

	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	body := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if req.ForceJSON {
		body.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return llm.Result{}, err
			}
		}

		resp, err := c.api.CreateChatCompletion(ctx, body)
		if err != nil {
			lastErr = err
			if retryable(err) {
				continue
			}
			return llm.Result{}, fmt.Errorf("openai chat: %w", err)
		}
		if len(resp.Choices) == 0 {
			return llm.Result{}, fmt.Errorf("openai chat: empty choices")
		}
		return llm.Result{
			Text: resp.Choices[0].Message.Content,
			Usage: llm.Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			},
			Duration: time.Since(start),
		}, nil
	}
	return llm.Result{}, fmt.Errorf("openai chat: %w", lastErr)
}

// retryable reports whether the error is worth another attempt:
// rate limits, server errors, and plain timeouts.
func retryable(err error) bool {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Transport-level failure (connection reset, client timeout).
	return true
}

func sleepBackoff(ctx context.Context, attempt int) error {
	delay := baseRetryDelay << (attempt - 1)
	delay += time.Duration(rand.Int63n(int64(time.Second)))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
