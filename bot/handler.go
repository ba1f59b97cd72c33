package bot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/overx-ai/gentle-man-tg-bot/llm"
	"github.com/overx-ai/gentle-man-tg-bot/memory"
	"github.com/overx-ai/gentle-man-tg-bot/store"
)

// Gateway is the outbound side of the chat transport. *telegram.API
// satisfies it; tests plug in fakes.
type Gateway interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
	SendReply(ctx context.Context, chatID int64, text string, replyToMessageID int64) (int64, error)
	ForwardMessage(ctx context.Context, chatID, fromChatID, messageID int64) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

const (
	defaultGenerationTemperature = 0.7
	defaultGenerationMaxTokens   = 300

	referenceCandidateLimit = 50
	quoteExcerptRunes       = 100
)

// Config carries the handler's identity and generation knobs.
type Config struct {
	AgentID       int64
	AgentUsername string

	Model       string
	Temperature float64
	MaxTokens   int

	// ResponseFrequency gates replies to peer bots; zero means the
	// default of every 5th message.
	ResponseFrequency int64
}

// Handler drives one inbound message through gate, context assembly,
// generation, and the referenced send. It owns no goroutines; the
// caller decides the concurrency model.
type Handler struct {
	cfg     Config
	store   *store.Store
	memory  *memory.Store
	client  llm.Client
	gateway Gateway
	prompts *Prompts
	logger  *slog.Logger
}

func NewHandler(cfg Config, st *store.Store, mem *memory.Store, client llm.Client, gw Gateway, prompts *Prompts, logger *slog.Logger) *Handler {
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultGenerationTemperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultGenerationMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:     cfg,
		store:   st,
		memory:  mem,
		client:  client,
		gateway: gw,
		prompts: prompts,
		logger:  logger,
	}
}

// HandleMessage processes one inbound message end to end. Every
// failure path degrades: context is preserved, the user sees at worst
// a stock reply, and the handler never panics outward.
func (h *Handler) HandleMessage(ctx context.Context, in Incoming) {
	if in.Text == "" {
		return
	}

	d := Evaluate(in, h.cfg.AgentID, h.cfg.AgentUsername)

	dbUser, err := h.store.UpsertUser(ctx, store.User{
		TelegramID:   in.AuthorID,
		Username:     in.AuthorUsername,
		FirstName:    in.AuthorFirstName,
		LastName:     in.AuthorLastName,
		IsBot:        in.AuthorIsBot,
		LanguageCode: in.AuthorLanguage,
	})
	if err != nil {
		h.logger.Warn("user_upsert_failed", "chat_id", in.ChatID, "user_id", in.AuthorID, "error", err)
	}

	authorIsBot := in.AuthorIsBot
	if dbUser != nil {
		authorIsBot = dbUser.IsBot
	}

	// Peer-bot throttle. Applies only when the bot did not address us.
	// A passed throttle check is itself a reason to respond.
	throttlePassed := false
	if authorIsBot && !d.Mentioned && !d.IsReplyToAgent {
		counter, err := h.store.IncrementBotCounter(ctx, in.AuthorID)
		if err != nil {
			// The message is still context even when the throttle state
			// is unavailable; keep it and stay quiet.
			h.logger.Warn("bot_counter_failed", "user_id", in.AuthorID, "error", err)
			h.recordInbound(ctx, in, d)
			h.remember(ctx, in)
			return
		}
		if !ShouldRespondToBot(counter, h.cfg.ResponseFrequency) {
			h.logger.Info("bot_throttle_suppressed", "chat_id", in.ChatID, "user_id", in.AuthorID, "counter", counter)
			h.recordInbound(ctx, in, d)
			h.remember(ctx, in)
			return
		}
		throttlePassed = true
	}

	h.recordInbound(ctx, in, d)

	if !d.Addressed() && !throttlePassed {
		h.logger.Info("message_not_addressed",
			"chat_id", in.ChatID,
			"user_id", in.AuthorID,
		)
		h.remember(ctx, in)
		return
	}

	h.logger.Info("responding",
		"chat_id", in.ChatID,
		"user_id", in.AuthorID,
		"private", d.IsDirectScope,
		"mentioned", d.Mentioned,
		"reply_to_agent", d.IsReplyToAgent,
	)

	if err := h.gateway.SendChatAction(ctx, in.ChatID, "typing"); err != nil {
		h.logger.Debug("chat_action_failed", "chat_id", in.ChatID, "error", err)
	}

	window := AssembleContext(ctx, h.memory, in, d.IsDirectScope)

	candidates, err := h.store.RecentMessages(ctx, in.ChatID, referenceCandidateLimit)
	if err != nil {
		h.logger.Warn("reference_candidates_failed", "chat_id", in.ChatID, "error", err)
		candidates = nil
	}

	prompt := h.prompts.BuildPrompt(in, window, d, authorIsBot)
	res, err := h.client.Chat(ctx, llm.Request{
		Model:       h.cfg.Model,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: h.cfg.Temperature,
		MaxTokens:   h.cfg.MaxTokens,
	})
	if err != nil {
		h.logger.Error("generation_failed", "chat_id", in.ChatID, "error", err)
		h.sendFallback(ctx, in)
		return
	}

	decision := DecideReference(ctx, h.client, h.cfg.Model, in.Text, res.Text, candidates, h.logger)

	sentID, err := h.sendWithReference(ctx, in, res.Text, decision)
	if err != nil {
		h.logger.Error("send_failed", "chat_id", in.ChatID, "error", err)
		h.sendApology(ctx, in)
		return
	}

	h.recordOutbound(ctx, in, sentID, res.Text)
	h.remember(ctx, in)
}

// sendWithReference is the referenced-send state machine. Every arm
// degrades to a plain reply to the triggering message as the last
// resort.
func (h *Handler) sendWithReference(ctx context.Context, in Incoming, text string, decision ReferenceDecision) (int64, error) {
	plain := func() (int64, error) {
		return h.gateway.SendReply(ctx, in.ChatID, text, in.MessageID)
	}

	if !decision.ShouldReference || decision.Target == nil {
		return plain()
	}

	switch decision.Kind {
	case ReferenceReply:
		id, err := h.gateway.SendReply(ctx, in.ChatID, "📎 Ссылаясь на предыдущее сообщение:\n\n"+text, decision.Target.TelegramID)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, ErrTargetNotResolvable) {
			h.logger.Info("reference_target_gone", "chat_id", in.ChatID, "target", decision.Target.TelegramID)
		} else {
			h.logger.Warn("reference_reply_failed", "chat_id", in.ChatID, "error", err)
		}
		return plain()

	case ReferenceForward:
		if err := h.gateway.ForwardMessage(ctx, in.ChatID, in.ChatID, decision.Target.TelegramID); err != nil {
			if errors.Is(err, ErrTargetNotResolvable) {
				h.logger.Info("reference_target_gone", "chat_id", in.ChatID, "target", decision.Target.TelegramID)
			} else {
				h.logger.Warn("reference_forward_failed", "chat_id", in.ChatID, "error", err)
			}
			return plain()
		}
		id, err := h.gateway.SendMessage(ctx, in.ChatID, "☝️ Относительно сообщения выше:\n\n"+text)
		if err != nil {
			h.logger.Warn("reference_followup_failed", "chat_id", in.ChatID, "error", err)
			return plain()
		}
		return id, nil

	case ReferenceQuote:
		excerpt := []rune(decision.Target.Text)
		if len(excerpt) > quoteExcerptRunes {
			excerpt = excerpt[:quoteExcerptRunes]
		}
		id, err := h.gateway.SendReply(ctx, in.ChatID, "💬 «"+string(excerpt)+"...»\n\n"+text, in.MessageID)
		if err != nil {
			h.logger.Warn("reference_quote_failed", "chat_id", in.ChatID, "error", err)
			return plain()
		}
		return id, nil

	default:
		return plain()
	}
}

// recordInbound writes the message to the durable store and tracks a
// reply edge when the replied-to message is known.
func (h *Handler) recordInbound(ctx context.Context, in Incoming, d GateDecision) {
	dbMsg, err := h.store.RecordMessage(ctx, store.Message{
		TelegramMessageID: in.MessageID,
		ChatID:            in.ChatID,
		UserID:            in.AuthorID,
		Text:              in.Text,
		IsReply:           in.ReplyToID != 0,
		ReplyToMessageID:  in.ReplyToID,
		IsBotMentioned:    d.Mentioned,
	})
	if err != nil {
		h.logger.Warn("message_record_failed", "chat_id", in.ChatID, "error", err)
		return
	}
	if in.ReplyToID != 0 {
		if err := h.store.AddReference(ctx, dbMsg.ID, in.ChatID, in.ReplyToID, string(ReferenceReply)); err != nil {
			h.logger.Warn("reference_track_failed", "chat_id", in.ChatID, "error", err)
		}
	}
}

// recordOutbound persists the bot's own reply in both stores so later
// turns can see it as context.
func (h *Handler) recordOutbound(ctx context.Context, in Incoming, sentID int64, text string) {
	if _, err := h.store.UpsertUser(ctx, store.User{
		TelegramID: h.cfg.AgentID,
		Username:   h.cfg.AgentUsername,
		FirstName:  "Gentle Bot",
		IsBot:      true,
	}); err != nil {
		h.logger.Warn("agent_upsert_failed", "error", err)
	}
	if _, err := h.store.RecordMessage(ctx, store.Message{
		TelegramMessageID: sentID,
		ChatID:            in.ChatID,
		UserID:            h.cfg.AgentID,
		Text:              text,
		IsReply:           true,
		ReplyToMessageID:  in.MessageID,
	}); err != nil {
		h.logger.Warn("reply_record_failed", "chat_id", in.ChatID, "error", err)
	}
	if err := h.memory.AddMessages(ctx, []memory.Message{{
		Text:      text,
		ChatID:    in.ChatID,
		UserID:    h.cfg.AgentID,
		Username:  h.cfg.AgentUsername,
		Timestamp: time.Now().UTC(),
		MessageID: sentID,
	}}); err != nil {
		h.logger.Warn("reply_memory_failed", "chat_id", in.ChatID, "error", err)
	}
}

// remember adds the inbound message to the vector memory.
func (h *Handler) remember(ctx context.Context, in Incoming) {
	username := in.AuthorUsername
	if username == "" {
		username = in.AuthorFirstName
	}
	if err := h.memory.AddMessages(ctx, []memory.Message{{
		Text:      in.Text,
		ChatID:    in.ChatID,
		UserID:    in.AuthorID,
		Username:  username,
		Timestamp: time.Now().UTC(),
		MessageID: in.MessageID,
	}}); err != nil {
		h.logger.Warn("memory_add_failed", "chat_id", in.ChatID, "error", err)
	}
}

// sendFallback covers a dead generation backend: the user still gets a
// polite stock reply instead of silence.
func (h *Handler) sendFallback(ctx context.Context, in Incoming) {
	if _, err := h.gateway.SendReply(ctx, in.ChatID, h.prompts.FallbackResponse, in.MessageID); err != nil {
		h.logger.Error("fallback_send_failed", "chat_id", in.ChatID, "error", err)
	}
}

func (h *Handler) sendApology(ctx context.Context, in Incoming) {
	if _, err := h.gateway.SendReply(ctx, in.ChatID, h.prompts.ErrorResponse, in.MessageID); err != nil {
		h.logger.Error("apology_send_failed", "chat_id", in.ChatID, "error", err)
	}
}
