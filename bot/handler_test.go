package bot

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/overx-ai/gentle-man-tg-bot/memory"
	"github.com/overx-ai/gentle-man-tg-bot/store"
)

func newTestHandler(t *testing.T, client *fakeLLM) (*Handler, *fakeGateway, *memory.Store, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	mem := newTestMemory(t)
	gw := &fakeGateway{}
	prompts, err := DefaultPrompts()
	if err != nil {
		t.Fatalf("DefaultPrompts: %v", err)
	}
	h := NewHandler(Config{
		AgentID:       999,
		AgentUsername: "gentle_bot",
		Model:         "test-model",
	}, st, mem, client, gw, prompts, discardLogger())
	return h, gw, mem, st
}

func groupIncoming(text string) Incoming {
	return Incoming{
		ChatID:         -100,
		ChatType:       "group",
		MessageID:      1,
		AuthorID:       7,
		AuthorUsername: "alice",
		Text:           text,
	}
}

func privateIncoming(text string) Incoming {
	return Incoming{
		ChatID:         555,
		ChatType:       "private",
		MessageID:      1,
		AuthorID:       7,
		AuthorUsername: "alice",
		Text:           text,
	}
}

func TestHandleGroupMessageNotAddressed(t *testing.T) {
	client := &fakeLLM{genText: "ответ", refJSON: `{"should_reference": false}`}
	h, gw, mem, st := newTestHandler(t, client)

	h.HandleMessage(context.Background(), groupIncoming("hello"))

	if sent := gw.sentMessages(); len(sent) != 0 {
		t.Fatalf("no reply expected, got %v", sent)
	}
	if client.requestCount() != 0 {
		t.Fatalf("no generation expected for unaddressed group message")
	}
	if mem.Len() != 1 {
		t.Fatalf("memory must grow by 1, got %d", mem.Len())
	}
	rows, err := st.RecentMessages(context.Background(), -100, 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("message must still be stored: rows=%d err=%v", len(rows), err)
	}
}

func TestHandleEmptyTextIgnored(t *testing.T) {
	client := &fakeLLM{}
	h, gw, mem, st := newTestHandler(t, client)

	in := groupIncoming("")
	h.HandleMessage(context.Background(), in)

	if len(gw.sentMessages()) != 0 || mem.Len() != 0 {
		t.Fatalf("empty text must be a no-op")
	}
	rows, _ := st.RecentMessages(context.Background(), in.ChatID, 10)
	if len(rows) != 0 {
		t.Fatalf("empty text must not be stored")
	}
}

func TestHandleDirectChatReplies(t *testing.T) {
	client := &fakeLLM{genText: "Здравствуйте, @alice!", refJSON: `{"should_reference": false}`}
	h, gw, mem, st := newTestHandler(t, client)

	in := privateIncoming("hi")
	h.HandleMessage(context.Background(), in)

	sent := gw.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(sent))
	}
	if sent[0].kind != "reply" || sent[0].replyTo != in.MessageID || sent[0].text != client.genText {
		t.Fatalf("unexpected send: %+v", sent[0])
	}

	// Inbound plus the bot's own reply.
	if mem.Len() != 2 {
		t.Fatalf("memory must hold inbound and outbound, got %d", mem.Len())
	}
	rows, err := st.RecentMessages(context.Background(), in.ChatID, 10)
	if err != nil || len(rows) != 2 {
		t.Fatalf("store must hold inbound and outbound: rows=%d err=%v", len(rows), err)
	}

	// Generation request carries the persona and the message.
	gen := client.requests[0]
	if gen.ForceJSON {
		t.Fatalf("first call must be the generation, not the decision")
	}
	if !strings.Contains(gen.Messages[0].Content, "Сообщение: hi") {
		t.Fatalf("prompt missing the message: %q", gen.Messages[0].Content)
	}
	if !strings.Contains(gen.Messages[0].Content, "@alice") {
		t.Fatalf("prompt missing addressing: %q", gen.Messages[0].Content)
	}
}

func TestHandleMentionInGroup(t *testing.T) {
	client := &fakeLLM{genText: "к Вашим услугам", refJSON: `{"should_reference": false}`}
	h, gw, _, _ := newTestHandler(t, client)

	in := groupIncoming("@gentle_bot подскажи")
	h.HandleMessage(context.Background(), in)

	if len(gw.sentMessages()) != 1 {
		t.Fatalf("mention must produce a reply")
	}
}

func TestHandleBotThrottle(t *testing.T) {
	client := &fakeLLM{genText: "ответ", refJSON: `{"should_reference": false}`}
	h, gw, mem, _ := newTestHandler(t, client)

	for i := 1; i <= 10; i++ {
		h.HandleMessage(context.Background(), Incoming{
			ChatID:         -200,
			ChatType:       "group",
			MessageID:      int64(i),
			AuthorID:       500,
			AuthorUsername: "peer_bot",
			AuthorIsBot:    true,
			Text:           fmt.Sprintf("bot chatter %d", i),
		})
	}

	var replies int
	for _, s := range gw.sentMessages() {
		if s.kind == "reply" {
			replies++
		}
	}
	if replies != 2 {
		t.Fatalf("expected replies on the 5th and 10th message only, got %d", replies)
	}
	// 10 inbound plus 2 outbound.
	if mem.Len() != 12 {
		t.Fatalf("memory must keep suppressed messages too, got %d", mem.Len())
	}
}

func TestHandleReferenceReplyFallback(t *testing.T) {
	client := &fakeLLM{genText: "ответ со ссылкой", refJSON: `{"should_reference": true, "reference_type": "reply"}`}
	h, gw, _, _ := newTestHandler(t, client)

	gw.failNextReply = fmt.Errorf("sendMessage: %w", ErrTargetNotResolvable)

	in := privateIncoming("о чём мы говорили?")
	h.HandleMessage(context.Background(), in)

	sent := gw.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected one successful send after fallback, got %d", len(sent))
	}
	if sent[0].text != client.genText || sent[0].replyTo != in.MessageID {
		t.Fatalf("fallback must be a plain reply to the trigger: %+v", sent[0])
	}
}

func TestHandleReferenceForward(t *testing.T) {
	client := &fakeLLM{genText: "смотрите выше", refJSON: `{"should_reference": true, "reference_type": "forward"}`}
	h, gw, _, _ := newTestHandler(t, client)

	h.HandleMessage(context.Background(), privateIncoming("перешли это"))

	if len(gw.forwards) != 1 {
		t.Fatalf("expected one forward, got %d", len(gw.forwards))
	}
	sent := gw.sentMessages()
	if len(sent) != 1 || sent[0].kind != "message" {
		t.Fatalf("expected a follow-up message after the forward: %+v", sent)
	}
	if !strings.Contains(sent[0].text, client.genText) {
		t.Fatalf("follow-up missing the reply text: %q", sent[0].text)
	}
}

func TestHandleReferenceForwardFallback(t *testing.T) {
	client := &fakeLLM{genText: "ответ", refJSON: `{"should_reference": true, "reference_type": "forward"}`}
	h, gw, _, _ := newTestHandler(t, client)
	gw.forwardErr = fmt.Errorf("forwardMessage: %w", ErrTargetNotResolvable)

	in := privateIncoming("перешли это")
	h.HandleMessage(context.Background(), in)

	sent := gw.sentMessages()
	if len(sent) != 1 || sent[0].kind != "reply" || sent[0].replyTo != in.MessageID {
		t.Fatalf("vanished forward target must degrade to a plain reply: %+v", sent)
	}
}

func TestHandleReferenceQuote(t *testing.T) {
	client := &fakeLLM{genText: "вот мой ответ", refJSON: `{"should_reference": true, "reference_type": "quote"}`}
	h, gw, _, _ := newTestHandler(t, client)

	in := privateIncoming("процитируй")
	h.HandleMessage(context.Background(), in)

	sent := gw.sentMessages()
	if len(sent) != 1 || sent[0].replyTo != in.MessageID {
		t.Fatalf("quote must go as a reply to the trigger: %+v", sent)
	}
	if !strings.HasPrefix(sent[0].text, "💬 «") {
		t.Fatalf("quote framing missing: %q", sent[0].text)
	}
	if !strings.Contains(sent[0].text, client.genText) {
		t.Fatalf("quote reply missing the answer: %q", sent[0].text)
	}
}

func TestHandleReferenceQuoteFallback(t *testing.T) {
	client := &fakeLLM{genText: "вот мой ответ", refJSON: `{"should_reference": true, "reference_type": "quote"}`}
	h, gw, _, _ := newTestHandler(t, client)

	// e.g. the framing pushes the reply over the message length cap.
	gw.failNextReply = fmt.Errorf("sendMessage: message is too long")

	in := privateIncoming("процитируй")
	h.HandleMessage(context.Background(), in)

	sent := gw.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected one successful send after fallback, got %d", len(sent))
	}
	if sent[0].text != client.genText || sent[0].replyTo != in.MessageID {
		t.Fatalf("failed quote send must degrade to a plain reply: %+v", sent[0])
	}
}

func TestHandleGenerationFailureSendsFallback(t *testing.T) {
	client := &fakeLLM{genErr: fmt.Errorf("backend down")}
	h, gw, mem, _ := newTestHandler(t, client)

	in := privateIncoming("hi")
	h.HandleMessage(context.Background(), in)

	sent := gw.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected the stock fallback reply, got %v", sent)
	}
	if sent[0].text != h.prompts.FallbackResponse {
		t.Fatalf("fallback text mismatch: %q", sent[0].text)
	}
	// No successful send, so the trigger is not remembered.
	if mem.Len() != 0 {
		t.Fatalf("failed turn must not reach the vector memory, got %d", mem.Len())
	}
}

func TestHandleSendFailureSendsApology(t *testing.T) {
	client := &fakeLLM{genText: "ответ", refJSON: `{"should_reference": false}`}
	h, gw, _, _ := newTestHandler(t, client)

	gw.failNextReply = fmt.Errorf("sendMessage: chat not found")

	in := privateIncoming("hi")
	h.HandleMessage(context.Background(), in)

	sent := gw.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected the fixed apology, got %v", sent)
	}
	if sent[0].text != h.prompts.ErrorResponse {
		t.Fatalf("apology text mismatch: %q", sent[0].text)
	}
}

func TestHandleBotCounterFailureKeepsMessage(t *testing.T) {
	client := &fakeLLM{genText: "ответ", refJSON: `{"should_reference": false}`}
	h, gw, mem, st := newTestHandler(t, client)
	// Durable store unavailable: the throttle state cannot be read.
	_ = st.Close()

	h.HandleMessage(context.Background(), Incoming{
		ChatID:         -300,
		ChatType:       "group",
		MessageID:      1,
		AuthorID:       600,
		AuthorUsername: "peer_bot",
		AuthorIsBot:    true,
		Text:           "bot chatter",
	})

	if len(gw.sentMessages()) != 0 {
		t.Fatalf("no reply expected when the throttle state is unknown")
	}
	if client.requestCount() != 0 {
		t.Fatalf("no generation expected when the throttle state is unknown")
	}
	if mem.Len() != 1 {
		t.Fatalf("vector memory must keep the message, got %d", mem.Len())
	}
}
