// Package scheduler sends one daily proactive message per active group
// chat, addressed to a randomly chosen talkative participant.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/overx-ai/gentle-man-tg-bot/bot"
	"github.com/overx-ai/gentle-man-tg-bot/llm"
	"github.com/overx-ai/gentle-man-tg-bot/memory"
	"github.com/overx-ai/gentle-man-tg-bot/store"
)

const (
	defaultHour = 14

	checkInterval = time.Hour
	// Sends happen within this many minutes of the configured time, so
	// an hourly tick cannot miss the slot.
	windowMinutes = 60

	chatActivityWindow = 7 * 24 * time.Hour
	userRecentWindow   = 3 * 24 * time.Hour
	userRecentLimit    = 5
	chatContextLimit   = 10
	minUserMessages    = 3

	dailyTemperature = 0.9
	dailyMaxTokens   = 200
)

// Config sets when the daily message goes out and which model writes
// it. Hour and Minute are taken literally, so 0:00 schedules midnight;
// out-of-range values fall back to the default hour.
type Config struct {
	Model  string
	Hour   int
	Minute int

	AgentID       int64
	AgentUsername string
}

// Scheduler owns its last-sent bookkeeping; two instances never share
// state, so tests can run them side by side.
type Scheduler struct {
	cfg     Config
	store   *store.Store
	memory  *memory.Store
	client  llm.Client
	gateway bot.Gateway
	prompts *bot.Prompts
	logger  *slog.Logger

	now  func() time.Time
	pick func(n int) int

	mu       sync.Mutex
	lastSent map[int64]time.Time
}

func New(cfg Config, st *store.Store, mem *memory.Store, client llm.Client, gw bot.Gateway, prompts *bot.Prompts, logger *slog.Logger) *Scheduler {
	if cfg.Hour < 0 || cfg.Hour > 23 {
		cfg.Hour = defaultHour
	}
	if cfg.Minute < 0 || cfg.Minute > 59 {
		cfg.Minute = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		memory:   mem,
		client:   client,
		gateway:  gw,
		prompts:  prompts,
		logger:   logger,
		now:      time.Now,
		pick:     rand.Intn,
		lastSent: make(map[int64]time.Time),
	}
}

// Run blocks until the context is canceled, checking hourly whether
// the send window is open.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("daily_scheduler_started", "hour", s.cfg.Hour, "minute", s.cfg.Minute)
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("daily_scheduler_stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single scheduling pass. Outside the send window
// it is a no-op.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.now()
	if !s.withinWindow(now) {
		return
	}

	chats, err := s.store.ActiveGroupChats(ctx, now.Add(-chatActivityWindow))
	if err != nil {
		s.logger.Error("daily_chats_query_failed", "error", err)
		return
	}

	for _, chatID := range chats {
		if s.alreadySentToday(chatID, now) {
			continue
		}
		if err := s.sendDaily(ctx, chatID, now); err != nil {
			s.logger.Error("daily_send_failed", "chat_id", chatID, "error", err)
			continue
		}
		s.markSent(chatID, now)
	}
}

func (s *Scheduler) withinWindow(now time.Time) bool {
	diff := (now.Hour()*60 + now.Minute()) - (s.cfg.Hour*60 + s.cfg.Minute)
	if diff < 0 {
		diff = -diff
	}
	return diff <= windowMinutes
}

func (s *Scheduler) alreadySentToday(chatID int64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastSent[chatID]
	if !ok {
		return false
	}
	y1, m1, d1 := last.Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func (s *Scheduler) markSent(chatID int64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSent[chatID] = now
}

func (s *Scheduler) sendDaily(ctx context.Context, chatID int64, now time.Time) error {
	users, err := s.store.ActiveUsers(ctx, chatID, now.Add(-chatActivityWindow), minUserMessages)
	if err != nil {
		return fmt.Errorf("active users: %w", err)
	}
	if len(users) == 0 {
		s.logger.Info("daily_no_active_users", "chat_id", chatID)
		return nil
	}

	user := users[s.pick(len(users))]

	recent, err := s.store.RecentUserMessages(ctx, chatID, user.TelegramID, now.Add(-userRecentWindow), userRecentLimit)
	if err != nil {
		return fmt.Errorf("recent user messages: %w", err)
	}

	prompt := s.buildPrompt(user, recent, s.memory.ChatContext(chatID, chatContextLimit))
	res, err := s.client.Chat(ctx, llm.Request{
		Model:       s.cfg.Model,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: dailyTemperature,
		MaxTokens:   dailyMaxTokens,
	})
	if err != nil {
		return fmt.Errorf("generate daily message: %w", err)
	}

	handle := user.Username
	if handle != "" {
		handle = "@" + handle
	} else {
		handle = user.FirstName
	}
	text := handle + ", " + res.Text

	sentID, err := s.gateway.SendMessage(ctx, chatID, text)
	if err != nil {
		return fmt.Errorf("send daily message: %w", err)
	}
	s.logger.Info("daily_message_sent", "chat_id", chatID, "user_id", user.TelegramID)

	if _, err := s.store.RecordMessage(ctx, store.Message{
		TelegramMessageID: sentID,
		ChatID:            chatID,
		UserID:            s.cfg.AgentID,
		Text:              text,
	}); err != nil {
		s.logger.Warn("daily_record_failed", "chat_id", chatID, "error", err)
	}
	if err := s.memory.AddMessages(ctx, []memory.Message{{
		Text:      text,
		ChatID:    chatID,
		UserID:    s.cfg.AgentID,
		Username:  s.cfg.AgentUsername,
		Timestamp: now.UTC(),
		MessageID: sentID,
	}}); err != nil {
		s.logger.Warn("daily_memory_failed", "chat_id", chatID, "error", err)
	}
	return nil
}

func (s *Scheduler) buildPrompt(user store.User, recent []store.Message, chatCtx []memory.Record) string {
	handle := user.Username
	if handle == "" {
		handle = user.FirstName
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, strings.TrimSpace(s.prompts.DailyPrompt), handle)
	sb.WriteString("\n")
	for _, msg := range recent {
		fmt.Fprintf(&sb, "- %s: %s\n", msg.CreatedAt.Format("2006-01-02 15:04"), clip(msg.Text, 100))
	}
	if len(chatCtx) > 0 {
		sb.WriteString("\nКонтекст чата:\n")
		for _, rec := range chatCtx {
			name := rec.Username
			if name == "" {
				name = "Пользователь"
			}
			fmt.Fprintf(&sb, "%s: %s\n", name, clip(rec.Text, 100))
		}
	}
	return sb.String()
}

func clip(text string, n int) string {
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n])
}
