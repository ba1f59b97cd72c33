package bot

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/overx-ai/gentle-man-tg-bot/llm"
	"github.com/overx-ai/gentle-man-tg-bot/store"
)

type fakeLLM struct {
	mu       sync.Mutex
	genText  string
	genErr   error
	refJSON  string
	refErr   error
	requests []llm.Request
}

func (f *fakeLLM) Chat(_ context.Context, req llm.Request) (llm.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if req.ForceJSON {
		if f.refErr != nil {
			return llm.Result{}, f.refErr
		}
		return llm.Result{Text: f.refJSON}, nil
	}
	if f.genErr != nil {
		return llm.Result{}, f.genErr
	}
	return llm.Result{Text: f.genText}, nil
}

func (f *fakeLLM) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type sentMsg struct {
	kind    string // "message" or "reply"
	chatID  int64
	text    string
	replyTo int64
}

type fakeGateway struct {
	mu            sync.Mutex
	sent          []sentMsg
	forwards      []int64
	actions       int
	failNextReply error
	forwardErr    error
	nextID        int64
}

func (g *fakeGateway) SendMessage(_ context.Context, chatID int64, text string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	g.sent = append(g.sent, sentMsg{kind: "message", chatID: chatID, text: text})
	return g.nextID, nil
}

func (g *fakeGateway) SendReply(_ context.Context, chatID int64, text string, replyTo int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failNextReply; err != nil {
		g.failNextReply = nil
		return 0, err
	}
	g.nextID++
	g.sent = append(g.sent, sentMsg{kind: "reply", chatID: chatID, text: text, replyTo: replyTo})
	return g.nextID, nil
}

func (g *fakeGateway) ForwardMessage(_ context.Context, _, _ int64, messageID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.forwardErr != nil {
		return g.forwardErr
	}
	g.forwards = append(g.forwards, messageID)
	return nil
}

func (g *fakeGateway) SendChatAction(_ context.Context, _ int64, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.actions++
	return nil
}

func (g *fakeGateway) sentMessages() []sentMsg {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]sentMsg, len(g.sent))
	copy(out, g.sent)
	return out
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}
