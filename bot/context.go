package bot

import (
	"context"

	"github.com/overx-ai/gentle-man-tg-bot/memory"
)

// Hard window constants. They bound the prompt independent of how long
// a conversation has been running.
const (
	recentContextLimit  = 6
	similarContextLimit = 6
	maxContextWindow    = 12
)

// ContextWindow is the assembled input for one generation call.
type ContextWindow struct {
	// Merged is recency context followed by deduplicated similarity
	// context, at most maxContextWindow entries.
	Merged []memory.Record
	// UserHistory is per-author history, populated in direct scope only.
	UserHistory []memory.Record
}

// AssembleContext builds the bounded context window for one inbound
// message. Group scope uses chat recency plus similarity; direct scope
// additionally pulls the author's own history. User history is skipped
// in groups so the window does not tilt toward one participant.
func AssembleContext(ctx context.Context, mem *memory.Store, in Incoming, direct bool) ContextWindow {
	var w ContextWindow

	chatCtx := mem.ChatContext(in.ChatID, recentContextLimit)
	if direct {
		w.UserHistory = mem.UserContext(in.AuthorID, in.ChatID, recentContextLimit)
	}

	// Similarity failures degrade to recency-only context.
	similar, err := mem.Search(ctx, in.Text, similarContextLimit, in.ChatID)
	if err != nil {
		similar = nil
	}

	w.Merged = mergeContext(chatCtx, similar)
	return w
}

// mergeContext takes the most recent chat records, then appends
// similarity hits not already present. Records carry synthetic ids, so
// membership is an id check.
func mergeContext(chatCtx []memory.Record, similar []memory.SearchResult) []memory.Record {
	if len(chatCtx) > recentContextLimit {
		chatCtx = chatCtx[len(chatCtx)-recentContextLimit:]
	}

	merged := make([]memory.Record, 0, maxContextWindow)
	seen := make(map[string]struct{}, maxContextWindow)
	for _, rec := range chatCtx {
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		merged = append(merged, rec)
	}

	added := 0
	for _, hit := range similar {
		if added >= similarContextLimit {
			break
		}
		if _, dup := seen[hit.Record.ID]; dup {
			continue
		}
		seen[hit.Record.ID] = struct{}{}
		merged = append(merged, hit.Record)
		added++
	}

	if len(merged) > maxContextWindow {
		merged = merged[:maxContextWindow]
	}
	return merged
}
