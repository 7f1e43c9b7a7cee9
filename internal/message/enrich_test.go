package message

import "testing"

func TestEnrichWithoutReplyReturnsSameMessage(t *testing.T) {
	m := &Message{ID: "m1", Text: "hi"}
	if got := Enrich(m, Index{}); got != m {
		t.Fatal("expected same message when there is no reply")
	}
	if m.ReplyTo != nil {
		t.Error("expected replyTo to stay nil")
	}
}

func TestEnrichResolvesKnownParent(t *testing.T) {
	parent := &Message{ID: "m0", Text: "first", SenderID: "u1", SenderNickname: "ana"}
	m := &Message{ID: "m1", ReplyToID: "m0"}

	got := Enrich(m, IndexOf([]*Message{parent}))
	if got == m {
		t.Fatal("expected a new message value")
	}
	if m.ReplyTo != nil {
		t.Error("input message was modified")
	}
	want := ReplyContext{ID: "m0", Text: "first", SenderID: "u1", SenderNickname: "ana"}
	if got.ReplyTo == nil || *got.ReplyTo != want {
		t.Errorf("expected %+v, got %+v", want, got.ReplyTo)
	}
}

// Scenario: a reply arrives before its parent, then the parent loads.
func TestEnrichFallbackThenResolved(t *testing.T) {
	m1 := &Message{ID: "m1", ReplyToID: "m0"}

	first := Enrich(m1, Index{})
	want := ReplyContext{ID: "m0", Text: FallbackReplyText, IsFallback: true}
	if first.ReplyTo == nil || *first.ReplyTo != want {
		t.Fatalf("expected fallback %+v, got %+v", want, first.ReplyTo)
	}

	m0 := &Message{ID: "m0", Text: "the original", SenderID: "u7"}
	second := Enrich(first, IndexOf([]*Message{m0}))
	if second.ReplyTo == nil || second.ReplyTo.IsFallback {
		t.Fatalf("expected resolved preview, got %+v", second.ReplyTo)
	}
	if second.ReplyTo.Text != "the original" || second.ReplyTo.SenderID != "u7" {
		t.Errorf("unexpected preview %+v", second.ReplyTo)
	}
}

func TestEnrichIsIdempotent(t *testing.T) {
	parent := &Message{ID: "m0", Text: "first"}
	msgs := []*Message{
		parent,
		{ID: "m1", ReplyToID: "m0"},
		{ID: "m2", ReplyToID: "missing"},
		{ID: "m3"},
	}
	ix := IndexOf(msgs)

	once := EnrichAll(msgs, ix)
	twice := EnrichAll(once, ix)
	for i := range once {
		if once[i] != twice[i] {
			t.Errorf("message %s: expected the same pointer on the second pass", once[i].ID)
		}
	}
	if &twice[0] != &once[0] {
		t.Error("expected the same slice when nothing changed")
	}
}

func TestEnrichFallbackIsNotReplacedByIdenticalFallback(t *testing.T) {
	m := &Message{
		ID:        "m1",
		ReplyToID: "m0",
		ReplyTo:   &ReplyContext{ID: "m0", Text: FallbackReplyText, IsFallback: true},
	}
	if got := Enrich(m, Index{}); got != m {
		t.Error("expected identical fallback to keep the original message")
	}
}

func TestEnrichNeverDowngradesResolvedPreview(t *testing.T) {
	resolved := &ReplyContext{ID: "m0", Text: "first", SenderID: "u1"}
	m := &Message{ID: "m1", ReplyToID: "m0", ReplyTo: resolved}

	got := Enrich(m, Index{})
	if got != m {
		t.Fatal("expected message to be returned unchanged")
	}
	if got.ReplyTo.IsFallback || got.ReplyTo.Text != "first" {
		t.Errorf("resolved preview was downgraded: %+v", got.ReplyTo)
	}
}

func TestEnrichAllCopiesOnlyWhenChanged(t *testing.T) {
	a := &Message{ID: "a"}
	b := &Message{ID: "b", ReplyToID: "a"}
	msgs := []*Message{a, b}

	out := EnrichAll(msgs, IndexOf(msgs))
	if out[0] != a {
		t.Error("expected unchanged message to keep its pointer")
	}
	if out[1] == b {
		t.Error("expected enriched message to be a new value")
	}
	if msgs[1] != b {
		t.Error("input slice was modified")
	}
}
