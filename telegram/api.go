// Package telegram is the messaging gateway: a thin Bot API client
// built on long polling. It exposes exactly the send/reply/forward
// surface the bot core consumes, and maps Telegram's "message not
// found" failures to bot.ErrTargetNotResolvable so the core can fall
// back to unreferenced replies.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/overx-ai/gentle-man-tg-bot/bot"
)

type API struct {
	http    *http.Client
	baseURL string
	token   string
}

func NewAPI(httpClient *http.Client, baseURL, token string) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.telegram.org"
	}
	return &API{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func (api *API) call(ctx context.Context, method string, body any, out any) error {
	url := fmt.Sprintf("%s/bot%s/%s", api.baseURL, api.token, method)

	var req *http.Request
	var err error
	if body == nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	} else {
		var b []byte
		b, err = json.Marshal(body)
		if err != nil {
			return err
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return err
	}

	resp, err := api.http.Do(req)
	if err != nil {
		return err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("telegram http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return err
	}
	if !parsed.OK {
		desc := strings.TrimSpace(parsed.Description)
		if isNotResolvable(parsed.ErrorCode, desc) {
			return fmt.Errorf("%w: telegram %s: %s", bot.ErrTargetNotResolvable, method, desc)
		}
		return fmt.Errorf("telegram %s: http %d: %s", method, resp.StatusCode, desc)
	}
	if out != nil && len(parsed.Result) > 0 {
		if err := json.Unmarshal(parsed.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// isNotResolvable detects the Bad Request variants Telegram returns
// when a reply/forward target no longer exists.
func isNotResolvable(code int, description string) bool {
	if code != 400 {
		return false
	}
	d := strings.ToLower(description)
	return strings.Contains(d, "message to be replied not found") ||
		strings.Contains(d, "message to reply not found") ||
		strings.Contains(d, "message to forward not found") ||
		strings.Contains(d, "replied message not found") ||
		strings.Contains(d, "message not found")
}

func (api *API) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := api.call(ctx, "getMe", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

func (api *API) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	body := map[string]any{"timeout": secs}
	if offset > 0 {
		body["offset"] = offset
	}
	var updates []Update
	if err := api.call(reqCtx, "getUpdates", body, &updates); err != nil {
		return nil, offset, err
	}

	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	ReplyToMessageID      int64  `json:"reply_to_message_id,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

// SendMessage sends text to a chat and returns the sent message id.
// Telegram Markdown is picky; richer parse modes are tried first, then
// plain text.
func (api *API) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	return api.send(ctx, chatID, text, 0)
}

// SendReply sends text as a visible reply to replyToMessageID. A
// vanished target surfaces as bot.ErrTargetNotResolvable.
func (api *API) SendReply(ctx context.Context, chatID int64, text string, replyToMessageID int64) (int64, error) {
	return api.send(ctx, chatID, text, replyToMessageID)
}

func (api *API) send(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "(empty)"
	}
	text = EscapeMarkdownUnderscores(text)

	var lastErr error
	for _, mode := range []string{"Markdown", ""} {
		var sent Message
		err := api.call(ctx, "sendMessage", sendMessageRequest{
			ChatID:                chatID,
			Text:                  text,
			ParseMode:             mode,
			ReplyToMessageID:      replyTo,
			DisableWebPagePreview: true,
		}, &sent)
		if err == nil {
			return sent.MessageID, nil
		}
		lastErr = err
		// A vanished reply target will not heal on a parse-mode retry.
		if replyTo != 0 && errors.Is(err, bot.ErrTargetNotResolvable) {
			return 0, err
		}
	}
	return 0, lastErr
}

type forwardMessageRequest struct {
	ChatID     int64 `json:"chat_id"`
	FromChatID int64 `json:"from_chat_id"`
	MessageID  int64 `json:"message_id"`
}

// ForwardMessage re-posts an existing message into the chat. A
// vanished source surfaces as bot.ErrTargetNotResolvable.
func (api *API) ForwardMessage(ctx context.Context, chatID, fromChatID, messageID int64) error {
	return api.call(ctx, "forwardMessage", forwardMessageRequest{
		ChatID:     chatID,
		FromChatID: fromChatID,
		MessageID:  messageID,
	}, nil)
}

type sendChatActionRequest struct {
	ChatID int64  `json:"chat_id"`
	Action string `json:"action"`
}

func (api *API) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return api.call(ctx, "sendChatAction", sendChatActionRequest{ChatID: chatID, Action: action}, nil)
}

// StartTypingTicker keeps the "typing" indicator alive until the
// returned stop function is called.
func StartTypingTicker(ctx context.Context, api *API, chatID int64, interval time.Duration) func() {
	if interval <= 0 {
		interval = 4 * time.Second
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	_ = api.SendChatAction(tickerCtx, chatID, "typing")
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tickerCtx.Done():
				return
			case <-ticker.C:
				_ = api.SendChatAction(tickerCtx, chatID, "typing")
			}
		}
	}()
	return cancel
}
