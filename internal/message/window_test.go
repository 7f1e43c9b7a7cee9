package message

import (
	"fmt"
	"testing"
)

func wmsg(id string, ts int64) *Message {
	return &Message{ID: id, RoomID: "room1", SenderID: "u1", Text: "text " + id, TS: ts, Type: TypeMessage}
}

func TestWindowMergeSortsByTimestamp(t *testing.T) {
	w := NewWindow(10)
	w.Merge(wmsg("c", 30), wmsg("a", 10))
	w.Merge(wmsg("b", 20))

	snap := w.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(snap))
	}
	for i, id := range []string{"a", "b", "c"} {
		if snap[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, snap[i].ID)
		}
	}
	if w.Last().ID != "c" {
		t.Errorf("expected last message c, got %s", w.Last().ID)
	}
}

func TestWindowMergeIsKeyedByID(t *testing.T) {
	w := NewWindow(10)
	if !w.Merge(wmsg("a", 10)) {
		t.Fatal("expected first merge to change the window")
	}
	if w.Merge(wmsg("a", 10)) {
		t.Error("expected identical merge to be a no-op")
	}

	edited := wmsg("a", 10)
	edited.Text = "edited"
	if !w.Merge(edited) {
		t.Fatal("expected edit to change the window")
	}
	if w.Len() != 1 {
		t.Fatalf("expected 1 message, got %d", w.Len())
	}
	if w.Get("a").Text != "edited" {
		t.Errorf("expected edited text, got %q", w.Get("a").Text)
	}
}

func TestWindowMergeKeepsReactionsMissingFromPush(t *testing.T) {
	w := NewWindow(10)
	withReactions := wmsg("a", 10)
	withReactions.Reactions = []Reaction{{Shortcode: ":fire:", Unicode: "🔥", Count: 1}}
	w.Merge(withReactions)

	w.Merge(wmsg("a", 10))
	if got := w.Get("a").Reactions; len(got) != 1 {
		t.Errorf("expected reactions to survive a push without them, got %+v", got)
	}
}

func TestWindowMergeClearsReactionsTheServerDropped(t *testing.T) {
	w := NewWindow(10)
	withReactions := wmsg("a", 10)
	withReactions.Reactions = []Reaction{{Shortcode: ":fire:", Unicode: "🔥", Count: 1}}
	w.Merge(withReactions)

	refetched := Normalize(Record{"id": "a", "text": "text a", "senderId": "u1", "ts": float64(10), "reactions": []any{}}, "room1")
	if !w.Merge(refetched) {
		t.Fatal("expected an emptied reaction list to change the window")
	}
	if got := w.Get("a").Reactions; len(got) != 0 {
		t.Errorf("expected stale reactions to be cleared, got %+v", got)
	}
}

func TestWindowMergeCopiesCallerMessage(t *testing.T) {
	w := NewWindow(10)
	m := wmsg("a", 10)
	m.Reactions = []Reaction{{Shortcode: ":fire:", Unicode: "🔥", Count: 1}}
	w.Merge(m)

	m.Text = "changed by caller"
	m.Reactions[0].Count = 9
	got := w.Get("a")
	if got.Text != "text a" || got.Reactions[0].Count != 1 {
		t.Errorf("window shares memory with the merged message: %+v", got)
	}
}

// Scenario: reply arrives first, parent loads later, enrichment reruns.
func TestWindowResolvesLateParent(t *testing.T) {
	w := NewWindow(10)
	reply := wmsg("m1", 20)
	reply.ReplyToID = "m0"
	w.Merge(reply)

	got := w.Get("m1").ReplyTo
	want := ReplyContext{ID: "m0", Text: FallbackReplyText, IsFallback: true}
	if got == nil || *got != want {
		t.Fatalf("expected fallback %+v, got %+v", want, got)
	}

	w.Merge(wmsg("m0", 10))
	got = w.Get("m1").ReplyTo
	if got == nil || got.IsFallback {
		t.Fatalf("expected resolved preview, got %+v", got)
	}
	if got.Text != "text m0" {
		t.Errorf("expected preview text 'text m0', got %q", got.Text)
	}
}

func TestWindowKeepsResolvedPreviewWhenParentTrimmed(t *testing.T) {
	w := NewWindow(2)
	w.Merge(wmsg("m0", 10))
	reply := wmsg("m1", 20)
	reply.ReplyToID = "m0"
	w.Merge(reply)

	w.Merge(wmsg("m2", 30))
	if w.Get("m0") != nil {
		t.Fatal("expected m0 to be trimmed")
	}
	got := w.Get("m1").ReplyTo
	if got == nil || got.IsFallback {
		t.Errorf("expected resolved preview to survive trimming, got %+v", got)
	}
}

func TestWindowTrimsOldest(t *testing.T) {
	w := NewWindow(3)
	for i := 0; i < 5; i++ {
		w.Merge(wmsg(fmt.Sprintf("m%d", i), int64(i)))
	}
	snap := w.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(snap))
	}
	if snap[0].ID != "m2" {
		t.Errorf("expected oldest retained m2, got %s", snap[0].ID)
	}
}

func TestWindowSetReactionsDoesNotMutateSnapshots(t *testing.T) {
	w := NewWindow(10)
	w.Merge(wmsg("a", 10))
	before := w.Get("a")

	if !w.SetReactions("a", []Reaction{{Shortcode: ":+1:", Unicode: "👍", Count: 1, ViewerHasReacted: true}}) {
		t.Fatal("expected SetReactions to find the message")
	}
	if before.Reactions != nil {
		t.Error("previously returned message was modified")
	}
	if got := w.Get("a").Reactions; len(got) != 1 || got[0].Shortcode != ":+1:" {
		t.Errorf("unexpected reactions %+v", got)
	}
	if w.SetReactions("missing", nil) {
		t.Error("expected SetReactions to report unknown id")
	}
}

func TestWindowSnapshotIsCopy(t *testing.T) {
	w := NewWindow(10)
	w.Merge(wmsg("a", 10), wmsg("b", 20))

	snap := w.Snapshot()
	snap[0] = wmsg("x", 0)
	if w.Snapshot()[0].ID != "a" {
		t.Error("window was mutated through snapshot")
	}
}
