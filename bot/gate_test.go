package bot

import "testing"

func TestEvaluateMention(t *testing.T) {
	in := Incoming{ChatType: "group", Text: "Привет, @Gentle_Bot, как дела?"}
	d := Evaluate(in, 42, "gentle_bot")
	if !d.Mentioned {
		t.Fatalf("mention not detected case-insensitively")
	}
	if d.IsReplyToAgent || d.IsDirectScope {
		t.Fatalf("unexpected booleans: %+v", d)
	}
	if !d.Addressed() {
		t.Fatalf("mention must address the agent")
	}
}

func TestEvaluateNoMentionToken(t *testing.T) {
	in := Incoming{ChatType: "group", Text: "gentle_bot без собаки"}
	if d := Evaluate(in, 42, "gentle_bot"); d.Mentioned {
		t.Fatalf("bare username without @ must not count as mention")
	}
}

func TestEvaluateReplyToAgent(t *testing.T) {
	in := Incoming{ChatType: "supergroup", Text: "да", ReplyToID: 7, ReplyToAuthorID: 42}
	d := Evaluate(in, 42, "gentle_bot")
	if !d.IsReplyToAgent {
		t.Fatalf("reply to agent not detected")
	}

	in.ReplyToAuthorID = 99
	if d := Evaluate(in, 42, "gentle_bot"); d.IsReplyToAgent {
		t.Fatalf("reply to someone else misattributed to agent")
	}
}

func TestEvaluateDirectScope(t *testing.T) {
	d := Evaluate(Incoming{ChatType: "private", Text: "hi"}, 42, "gentle_bot")
	if !d.IsDirectScope || !d.Addressed() {
		t.Fatalf("private chat must always address the agent: %+v", d)
	}
}

func TestShouldRespondToBot(t *testing.T) {
	var got []int64
	for counter := int64(1); counter <= 15; counter++ {
		if ShouldRespondToBot(counter, 5) {
			got = append(got, counter)
		}
	}
	want := []int64{5, 10, 15}
	if len(got) != len(want) {
		t.Fatalf("responded on %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("responded on %v, want %v", got, want)
		}
	}
}

func TestShouldRespondToBotDefaultFrequency(t *testing.T) {
	if ShouldRespondToBot(5, 0) != true {
		t.Fatalf("zero frequency must fall back to the default of 5")
	}
	if ShouldRespondToBot(4, 0) {
		t.Fatalf("counter 4 must not respond at default frequency")
	}
}
