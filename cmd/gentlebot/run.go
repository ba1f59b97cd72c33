package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/overx-ai/gentle-man-tg-bot/bot"
	"github.com/overx-ai/gentle-man-tg-bot/internal/logutil"
	"github.com/overx-ai/gentle-man-tg-bot/llm"
	"github.com/overx-ai/gentle-man-tg-bot/memory"
	"github.com/overx-ai/gentle-man-tg-bot/providers/openai"
	"github.com/overx-ai/gentle-man-tg-bot/scheduler"
	"github.com/overx-ai/gentle-man-tg-bot/store"
	"github.com/overx-ai/gentle-man-tg-bot/telegram"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type chatWorker struct {
	jobs chan bot.Incoming
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Telegram bot",
		RunE:  runBot,
	}

	cmd.Flags().String("telegram-bot-token", "", "Telegram bot token.")
	cmd.Flags().Duration("telegram-poll-timeout", 30*time.Second, "Long-poll timeout for getUpdates.")
	cmd.Flags().Int("telegram-max-concurrency", 3, "Max chats processed concurrently.")
	cmd.Flags().String("db-path", "", "SQLite database path.")
	cmd.Flags().String("vector-store-path", "", "Vector memory directory.")
	cmd.Flags().String("prompts-path", "", "Prompts YAML path (empty = built-in).")

	return cmd
}

func runBot(cmd *cobra.Command, _ []string) error {
	logger, err := logutil.LoggerFromViper()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	token := strings.TrimSpace(flagOrViperString(cmd, "telegram-bot-token", "telegram.bot_token"))
	if token == "" {
		return fmt.Errorf("missing telegram.bot_token (set via --telegram-bot-token or GENTLE_BOT_TELEGRAM_BOT_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := telegram.NewAPI(&http.Client{Timeout: 60 * time.Second}, viper.GetString("telegram.base_url"), token)
	me, err := api.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("getMe: %w", err)
	}

	dbPath := flagOrViperString(cmd, "db-path", "db.path")
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	embedder := openai.NewEmbedder(openai.Config{
		BaseURL:        viper.GetString("embeddings.endpoint"),
		APIKey:         viper.GetString("embeddings.api_key"),
		Model:          viper.GetString("embeddings.model"),
		RequestTimeout: viper.GetDuration("embeddings.request_timeout"),
	})
	mem, err := memory.New(embedder, viper.GetInt("embeddings.dimension"), flagOrViperString(cmd, "vector-store-path", "vector_store.path"), logger)
	if err != nil {
		return err
	}

	client := openai.New(openai.Config{
		BaseURL:        viper.GetString("llm.endpoint"),
		APIKey:         viper.GetString("llm.api_key"),
		Model:          viper.GetString("llm.model"),
		RequestTimeout: viper.GetDuration("llm.request_timeout"),
	})

	prompts, err := bot.LoadPrompts(flagOrViperString(cmd, "prompts-path", "prompts.path"))
	if err != nil {
		return err
	}

	model := viper.GetString("llm.model")
	handler := bot.NewHandler(bot.Config{
		AgentID:           me.ID,
		AgentUsername:     me.Username,
		Model:             model,
		Temperature:       viper.GetFloat64("llm.temperature"),
		MaxTokens:         viper.GetInt("llm.max_tokens"),
		ResponseFrequency: viper.GetInt64("bot.response_frequency"),
	}, st, mem, client, api, prompts, logger)

	if viper.GetBool("scheduler.enabled") {
		sched := scheduler.New(scheduler.Config{
			Model:         model,
			Hour:          viper.GetInt("scheduler.hour"),
			Minute:        viper.GetInt("scheduler.minute"),
			AgentID:       me.ID,
			AgentUsername: me.Username,
		}, st, mem, client, api, prompts, logger)
		go sched.Run(ctx)
	}

	notifyAdmin(ctx, api, me, logger)

	pollTimeout := flagOrViperDuration(cmd, "telegram-poll-timeout", "telegram.poll_timeout")
	taskTimeout := viper.GetDuration("telegram.task_timeout")
	if taskTimeout <= 0 {
		taskTimeout = 2 * time.Minute
	}
	maxConc := flagOrViperInt(cmd, "telegram-max-concurrency", "telegram.max_concurrency")
	if maxConc <= 0 {
		maxConc = 3
	}
	sem := make(chan struct{}, maxConc)

	var (
		mu      sync.Mutex
		workers = make(map[int64]*chatWorker)
	)

	logger.Info("telegram_start",
		"bot_username", me.Username,
		"bot_id", me.ID,
		"poll_timeout", pollTimeout.String(),
		"max_concurrency", maxConc,
	)

	// Per chat serial; across chats parallel, bounded by sem.
	getOrStartWorker := func(chatID int64) *chatWorker {
		mu.Lock()
		defer mu.Unlock()
		if w, ok := workers[chatID]; ok && w != nil {
			return w
		}
		w := &chatWorker{jobs: make(chan bot.Incoming, 16)}
		workers[chatID] = w
		go func() {
			for in := range w.jobs {
				sem <- struct{}{}
				func() {
					defer func() { <-sem }()
					tctx, cancel := context.WithTimeout(ctx, taskTimeout)
					defer cancel()
					handler.HandleMessage(tctx, in)
				}()
			}
		}()
		return w
	}

	var offset int64
	for {
		select {
		case <-ctx.Done():
			logger.Info("telegram_stop")
			return nil
		default:
		}

		updates, next, err := api.GetUpdates(ctx, offset, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("telegram_stop")
				return nil
			}
			logger.Warn("telegram_poll_failed", "error", err)
			time.Sleep(2 * time.Second)
			continue
		}
		offset = next

		for _, upd := range updates {
			msg := upd.Message
			if msg == nil {
				msg = upd.EditedMessage
			}
			if msg == nil || msg.Chat == nil {
				continue
			}
			chatID := msg.Chat.ID

			if len(msg.NewChatMembers) > 0 {
				if botAdded(msg.NewChatMembers, me.ID) {
					go sendWelcome(ctx, api, client, prompts, model, chatID, msg.Chat.Title, logger)
				}
				continue
			}

			text := telegram.TextOrCaption(msg)
			if text == "" || msg.From == nil {
				continue
			}

			if strings.HasPrefix(text, "/") {
				handleCommand(ctx, api, st, me, msg, text, logger)
				continue
			}

			in := bot.Incoming{
				ChatID:          chatID,
				ChatType:        msg.Chat.Type,
				MessageID:       msg.MessageID,
				AuthorID:        msg.From.ID,
				AuthorUsername:  msg.From.Username,
				AuthorFirstName: msg.From.FirstName,
				AuthorLastName:  msg.From.LastName,
				AuthorIsBot:     msg.From.IsBot,
				AuthorLanguage:  msg.From.LanguageCode,
				Text:            text,
			}
			if msg.ReplyTo != nil {
				in.ReplyToID = msg.ReplyTo.MessageID
				if msg.ReplyTo.From != nil {
					in.ReplyToAuthorID = msg.ReplyTo.From.ID
				}
			}

			w := getOrStartWorker(chatID)
			select {
			case w.jobs <- in:
				logger.Info("telegram_task_enqueued", "chat_id", chatID, "type", msg.Chat.Type, "from", telegram.DisplayName(msg.From), "text_len", len(text))
			default:
				logger.Warn("telegram_queue_full", "chat_id", chatID)
			}
		}
	}
}

func botAdded(members []telegram.User, botID int64) bool {
	for _, m := range members {
		if m.ID == botID {
			return true
		}
	}
	return false
}

func notifyAdmin(ctx context.Context, api *telegram.API, me *telegram.User, logger *slog.Logger) {
	adminID := viper.GetInt64("admin.user_id")
	if adminID == 0 {
		return
	}
	text := fmt.Sprintf("🟢 Бот запущен: @%s\nВремя: %s", me.Username, time.Now().Format("2006-01-02 15:04:05"))
	if _, err := api.SendMessage(ctx, adminID, text); err != nil {
		logger.Warn("admin_notify_failed", "error", err)
	}
}

func sendWelcome(ctx context.Context, api *telegram.API, client llm.Client, prompts *bot.Prompts, model string, chatID int64, title string, logger *slog.Logger) {
	if title == "" {
		title = "без названия"
	}
	stop := telegram.StartTypingTicker(ctx, api, chatID, 4*time.Second)
	defer stop()

	res, err := client.Chat(ctx, llm.Request{
		Model:       model,
		Messages:    []llm.Message{{Role: "user", Content: fmt.Sprintf(strings.TrimSpace(prompts.WelcomePrompt), title)}},
		Temperature: 0.8,
	})
	if err != nil {
		logger.Warn("welcome_generation_failed", "chat_id", chatID, "error", err)
		return
	}
	if _, err := api.SendMessage(ctx, chatID, res.Text); err != nil {
		logger.Warn("welcome_send_failed", "chat_id", chatID, "error", err)
	}
}

func handleCommand(ctx context.Context, api *telegram.API, st *store.Store, me *telegram.User, msg *telegram.Message, text string, logger *slog.Logger) {
	cmd := strings.Fields(text)[0]
	// Commands may be addressed as /cmd@botname in groups.
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		if !strings.EqualFold(cmd[at+1:], me.Username) {
			return
		}
		cmd = cmd[:at]
	}

	var reply string
	switch cmd {
	case "/start":
		reply = "Добро пожаловать! Я - ваш интеллигентный собеседник.\n\n" +
			"Я здесь, чтобы помочь, поддержать и вести содержательную беседу. " +
			"Обращайтесь ко мне через @упоминание или отвечайте на мои сообщения.\n\n" +
			"Чем могу быть полезен?"
	case "/help":
		reply = "📚 *Как со мной общаться:*\n\n" +
			"• Упомяните меня через @ в сообщении\n" +
			"• Ответьте на любое моё сообщение\n" +
			"• Я запоминаю контекст нашей беседы\n\n" +
			"Я стремлюсь быть полезным советником и мудрым собеседником. " +
			"Задавайте любые вопросы!"
	case "/stats":
		if msg.From == nil {
			return
		}
		count, err := st.MessageCount(ctx, msg.From.ID)
		if err != nil {
			logger.Warn("stats_query_failed", "user_id", msg.From.ID, "error", err)
			return
		}
		reply = fmt.Sprintf("📊 *Ваша статистика:*\n\n• Сообщений: %d\n• ID: %d\n", count, msg.From.ID)
	default:
		return
	}

	if _, err := api.SendReply(ctx, msg.Chat.ID, reply, msg.MessageID); err != nil {
		logger.Warn("command_reply_failed", "chat_id", msg.Chat.ID, "error", err)
	}
}
