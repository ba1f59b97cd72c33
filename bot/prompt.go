package bot

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPromptsYAML []byte

// SpecialContexts are extra instruction blocks injected depending on
// how the message addressed the agent.
type SpecialContexts struct {
	BotInteraction string `yaml:"bot_interaction"`
	DirectMention  string `yaml:"direct_mention"`
	ReplyToMessage string `yaml:"reply_to_message"`
}

// Prompts is the persona and instruction set for the agent, loaded
// from YAML so operators can restyle the bot without rebuilding.
type Prompts struct {
	SystemPrompt     string          `yaml:"system_prompt"`
	SpecialContexts  SpecialContexts `yaml:"special_contexts"`
	FallbackResponse string          `yaml:"fallback_response"`
	ErrorResponse    string          `yaml:"error_response"`
	WelcomePrompt    string          `yaml:"welcome_prompt"`
	DailyPrompt      string          `yaml:"daily_prompt"`
}

// DefaultPrompts returns the compiled-in prompt set.
func DefaultPrompts() (*Prompts, error) {
	return parsePrompts(defaultPromptsYAML)
}

// LoadPrompts reads a prompts file from disk. An empty path means the
// embedded defaults.
func LoadPrompts(path string) (*Prompts, error) {
	if path == "" {
		return DefaultPrompts()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	return parsePrompts(data)
}

func parsePrompts(data []byte) (*Prompts, error) {
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return nil, fmt.Errorf("prompts: system_prompt is required")
	}
	return &p, nil
}

const (
	promptChatContextTail = 10
	promptUserHistoryTail = 5
)

// BuildPrompt assembles the generation prompt: persona, conversation
// context, the author's history in direct scope, an addressing block,
// then the message itself with a length instruction.
func (p *Prompts) BuildPrompt(in Incoming, w ContextWindow, d GateDecision, authorIsBot bool) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(p.SystemPrompt))
	sb.WriteString("\n\n")

	if len(w.Merged) > 0 {
		sb.WriteString("Контекст беседы:\n")
		merged := w.Merged
		if len(merged) > promptChatContextTail {
			merged = merged[len(merged)-promptChatContextTail:]
		}
		for _, rec := range merged {
			name := rec.Username
			if name == "" {
				name = "Пользователь"
			}
			fmt.Fprintf(&sb, "%s: %s\n", name, rec.Text)
		}
		sb.WriteString("\n")
	}

	if len(w.UserHistory) > 0 {
		sb.WriteString("История взаимодействия с пользователем:\n")
		history := w.UserHistory
		if len(history) > promptUserHistoryTail {
			history = history[len(history)-promptUserHistoryTail:]
		}
		for _, rec := range history {
			fmt.Fprintf(&sb, "- %s\n", rec.Text)
		}
		sb.WriteString("\n")
	}

	switch {
	case authorIsBot:
		sb.WriteString(strings.TrimSpace(p.SpecialContexts.BotInteraction))
		sb.WriteString("\n")
	case d.Mentioned:
		sb.WriteString(strings.TrimSpace(p.SpecialContexts.DirectMention))
		sb.WriteString("\n")
	case d.IsReplyToAgent:
		sb.WriteString(strings.TrimSpace(p.SpecialContexts.ReplyToMessage))
		sb.WriteString("\n")
	}

	handle := authorHandle(in)
	if handle != "" {
		fmt.Fprintf(&sb, "Пользователь @%s пишет:\n", handle)
	}
	fmt.Fprintf(&sb, "Сообщение: %s\n\n", in.Text)

	addressAs := handle
	if addressAs == "" {
		addressAs = "друг"
	} else {
		addressAs = "@" + addressAs
	}
	fmt.Fprintf(&sb, "Ваш ответ (3-5 предложений максимум! Используйте Markdown и обращайтесь как %s):", addressAs)

	return sb.String()
}

func authorHandle(in Incoming) string {
	if in.AuthorUsername != "" {
		return in.AuthorUsername
	}
	return in.AuthorFirstName
}
