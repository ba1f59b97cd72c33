package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/overx-ai/gentle-man-tg-bot/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func refCandidates() []store.RelevantMessage {
	return []store.RelevantMessage{
		{TelegramID: 11, Text: "самое свежее"},
		{TelegramID: 10, Text: "постарше"},
	}
}

func TestDecideReferenceReply(t *testing.T) {
	client := &fakeLLM{refJSON: `{"should_reference": true, "reference_type": "reply"}`}
	d := DecideReference(context.Background(), client, "m", "вопрос", "ответ", refCandidates(), discardLogger())
	if !d.ShouldReference || d.Kind != ReferenceReply {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.Target == nil || d.Target.TelegramID != 11 {
		t.Fatalf("target must be the most recent candidate, got %+v", d.Target)
	}

	req := client.requests[0]
	if !req.ForceJSON {
		t.Fatalf("decision request must force JSON output")
	}
	if req.Temperature != referenceDecisionTemperature {
		t.Fatalf("temperature = %v, want %v", req.Temperature, referenceDecisionTemperature)
	}
}

func TestDecideReferenceDeclined(t *testing.T) {
	client := &fakeLLM{refJSON: `{"should_reference": false}`}
	if d := DecideReference(context.Background(), client, "m", "q", "a", refCandidates(), discardLogger()); d.ShouldReference {
		t.Fatalf("declined decision must not reference")
	}
}

func TestDecideReferenceFencedJSON(t *testing.T) {
	client := &fakeLLM{refJSON: "```json\n{\"should_reference\": true, \"reference_type\": \"quote\"}\n```"}
	d := DecideReference(context.Background(), client, "m", "q", "a", refCandidates(), discardLogger())
	if !d.ShouldReference || d.Kind != ReferenceQuote {
		t.Fatalf("fenced JSON not decoded: %+v", d)
	}
}

func TestDecideReferenceFailSafe(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeLLM
	}{
		// A loose affirmative must not count as a decision.
		{"non_json_affirmative", &fakeLLM{refJSON: "да, true, стоит сослаться"}},
		{"unknown_kind", &fakeLLM{refJSON: `{"should_reference": true, "reference_type": "pin"}`}},
		{"empty_response", &fakeLLM{refJSON: ""}},
		{"call_failure", &fakeLLM{refErr: errors.New("backend down")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DecideReference(context.Background(), tt.client, "m", "q", "a", refCandidates(), discardLogger())
			if d.ShouldReference {
				t.Fatalf("expected fail-safe no-reference, got %+v", d)
			}
		})
	}
}

func TestDecideReferenceNoCandidates(t *testing.T) {
	client := &fakeLLM{refJSON: `{"should_reference": true, "reference_type": "reply"}`}
	d := DecideReference(context.Background(), client, "m", "q", "a", nil, discardLogger())
	if d.ShouldReference {
		t.Fatalf("no candidates must mean no reference")
	}
	if client.requestCount() != 0 {
		t.Fatalf("no backend call expected without candidates")
	}
}
