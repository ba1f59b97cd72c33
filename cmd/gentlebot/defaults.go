package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// Generation backend (OpenAI-compatible; OpenRouter by default).
	viper.SetDefault("llm.endpoint", "https://openrouter.ai/api/v1")
	viper.SetDefault("llm.api_key", "")
	viper.SetDefault("llm.model", "google/gemini-2.0-flash-001")
	viper.SetDefault("llm.temperature", 0.7)
	viper.SetDefault("llm.max_tokens", 300)
	viper.SetDefault("llm.request_timeout", 30*time.Second)

	// Embedding backend.
	viper.SetDefault("embeddings.endpoint", "https://api.openai.com/v1")
	viper.SetDefault("embeddings.api_key", "")
	viper.SetDefault("embeddings.model", "text-embedding-3-small")
	viper.SetDefault("embeddings.dimension", 1536)
	viper.SetDefault("embeddings.request_timeout", 30*time.Second)

	// Telegram transport.
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.base_url", "https://api.telegram.org")
	viper.SetDefault("telegram.poll_timeout", 30*time.Second)
	viper.SetDefault("telegram.task_timeout", 2*time.Minute)
	viper.SetDefault("telegram.max_concurrency", 3)

	// Storage.
	viper.SetDefault("db.path", "./data/gentle_bot.db")
	viper.SetDefault("vector_store.path", "./data/vector_store")

	// Behavior.
	viper.SetDefault("bot.response_frequency", 5)
	viper.SetDefault("prompts.path", "")
	viper.SetDefault("admin.user_id", int64(0))

	// Daily message scheduler.
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.hour", 14)
	viper.SetDefault("scheduler.minute", 0)
}
