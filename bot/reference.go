package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/overx-ai/gentle-man-tg-bot/llm"
	"github.com/overx-ai/gentle-man-tg-bot/store"
)

// ReferenceKind is how a reply is visibly tied to an earlier message.
type ReferenceKind string

const (
	ReferenceReply   ReferenceKind = "reply"
	ReferenceForward ReferenceKind = "forward"
	ReferenceQuote   ReferenceKind = "quote"
)

const (
	referenceDecisionTemperature = 0.3
	referenceDecisionMaxTokens   = 64
)

// ReferenceDecision says whether the outgoing reply should point at a
// prior message and how. Produced fresh per response, never stored.
type ReferenceDecision struct {
	ShouldReference bool
	Kind            ReferenceKind
	Target          *store.RelevantMessage
}

// referencePayload is the structured backend answer. Unknown fields
// are tolerated; unknown kinds are not.
type referencePayload struct {
	ShouldReference bool   `json:"should_reference"`
	ReferenceType   string `json:"reference_type"`
}

// DecideReference asks the backend whether the reply should be tied to
// one of the candidate messages. Any call or decode failure means no
// reference; a missed reference is cosmetic, so there is no retry. The
// target is always the most recent candidate regardless of any index
// the backend suggests.
func DecideReference(ctx context.Context, client llm.Client, model, currentText, replyText string, candidates []store.RelevantMessage, logger *slog.Logger) ReferenceDecision {
	none := ReferenceDecision{}
	if len(candidates) == 0 {
		return none
	}

	var sb strings.Builder
	sb.WriteString("Текущее сообщение: ")
	sb.WriteString(currentText)
	sb.WriteString("\nМой ответ: ")
	sb.WriteString(replyText)
	sb.WriteString("\n\nЕсть релевантные предыдущие сообщения. Нужно ли сослаться на одно из них?\n")
	sb.WriteString(`Ответь строго JSON вида {"should_reference": true|false, "reference_type": "reply"|"forward"|"quote"}.`)

	res, err := client.Chat(ctx, llm.Request{
		Model:       model,
		Messages:    []llm.Message{{Role: "user", Content: sb.String()}},
		Temperature: referenceDecisionTemperature,
		MaxTokens:   referenceDecisionMaxTokens,
		ForceJSON:   true,
	})
	if err != nil {
		logger.Warn("reference_decision_failed", "error", err)
		return none
	}

	payload, err := decodeReferencePayload(res.Text)
	if err != nil {
		logger.Warn("reference_decision_undecodable", "error", err)
		return none
	}
	if !payload.ShouldReference {
		return none
	}

	kind := ReferenceKind(payload.ReferenceType)
	switch kind {
	case ReferenceReply, ReferenceForward, ReferenceQuote:
	default:
		logger.Warn("reference_decision_unknown_kind", "kind", payload.ReferenceType)
		return none
	}

	target := candidates[0]
	return ReferenceDecision{ShouldReference: true, Kind: kind, Target: &target}
}

func decodeReferencePayload(text string) (referencePayload, error) {
	var p referencePayload
	text = strings.TrimSpace(text)
	if text == "" {
		return p, fmt.Errorf("empty decision response")
	}
	// Some backends wrap JSON in a markdown fence even in JSON mode.
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return referencePayload{}, fmt.Errorf("decode reference decision: %w", err)
	}
	return p, nil
}
