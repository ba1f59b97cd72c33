package bot

import (
	"strings"
)

// DefaultResponseFrequency is how often the bot answers a peer bot
// that keeps talking without addressing it.
const DefaultResponseFrequency = 5

// Incoming is the gate's view of one inbound message event. It is
// transport-shaped but transport-independent so the decision logic can
// be tested without a live gateway.
type Incoming struct {
	ChatID          int64
	ChatType        string // "private", "group", "supergroup"
	MessageID       int64
	AuthorID        int64
	AuthorUsername  string
	AuthorFirstName string
	AuthorLastName  string
	AuthorIsBot     bool
	AuthorLanguage  string
	Text            string
	ReplyToID       int64
	ReplyToAuthorID int64
}

// GateDecision carries the booleans the rest of the pipeline keys off.
type GateDecision struct {
	Mentioned      bool
	IsReplyToAgent bool
	IsDirectScope  bool
}

// Addressed reports whether the message explicitly targets the agent.
func (d GateDecision) Addressed() bool {
	return d.Mentioned || d.IsReplyToAgent || d.IsDirectScope
}

// Evaluate computes the gate booleans for one inbound message against
// the agent's own identity. It has no side effects; throttling is a
// separate step because it mutates durable state.
func Evaluate(in Incoming, agentID int64, agentUsername string) GateDecision {
	var d GateDecision
	if agentUsername != "" {
		token := "@" + strings.ToLower(strings.TrimPrefix(agentUsername, "@"))
		d.Mentioned = strings.Contains(strings.ToLower(in.Text), token)
	}
	d.IsReplyToAgent = in.ReplyToID != 0 && in.ReplyToAuthorID == agentID
	d.IsDirectScope = in.ChatType == "private"
	return d
}

// ShouldRespondToBot applies the peer-bot throttle: given the already
// incremented counter, respond only on every frequency-th message.
// frequency values below 1 fall back to the default.
func ShouldRespondToBot(counter int64, frequency int64) bool {
	if frequency < 1 {
		frequency = DefaultResponseFrequency
	}
	return counter%frequency == 0
}
