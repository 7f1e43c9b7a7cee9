package message

import (
	"reflect"
	"sort"
	"sync"
)

// DefaultWindowSize is the number of messages a Window retains by default.
const DefaultWindowSize = 500

// Window is a room's working set of messages: unique by id, ordered by
// (ts, id) and bounded to the newest maxSize entries. It is only ever
// changed through Merge and SetReactions, so inbound pushes, poll results
// and local sends compose instead of overwriting each other.
//
// Messages handed out by a Window are never modified afterwards; every
// change stores a new value.
type Window struct {
	mu      sync.RWMutex
	byID    map[string]*Message
	msgs    []*Message
	maxSize int
}

// NewWindow creates a Window retaining up to maxSize messages.
func NewWindow(maxSize int) *Window {
	if maxSize <= 0 {
		maxSize = DefaultWindowSize
	}
	return &Window{
		byID:    make(map[string]*Message),
		maxSize: maxSize,
	}
}

// Merge upserts msgs by id, re-sorts, trims and re-runs reply enrichment
// over the whole set. It reports whether the set changed.
func (w *Window) Merge(msgs ...*Message) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	changed := false
	for _, m := range msgs {
		if m == nil || m.ID == "" {
			continue
		}
		existing, ok := w.byID[m.ID]
		if !ok {
			w.byID[m.ID] = m.clone()
			changed = true
			continue
		}
		merged := carryOver(existing, m)
		if reflect.DeepEqual(existing, merged) {
			continue
		}
		w.byID[m.ID] = merged
		changed = true
	}
	if !changed {
		return false
	}

	w.rebuild()
	ix := Index(w.byID)
	for i, m := range w.msgs {
		if e := Enrich(m, ix); e != m {
			w.msgs[i] = e
			w.byID[e.ID] = e
		}
	}
	return true
}

// carryOver keeps local state that the incoming copy does not carry:
// reactions (subscription payloads omit them) and an already resolved
// reply preview for the same parent. A non-nil empty reaction list means
// the server reported none and replaces the local list.
func carryOver(existing, incoming *Message) *Message {
	out := incoming.clone()
	if out.Reactions == nil && existing.Reactions != nil {
		out.Reactions = CloneReactions(existing.Reactions)
	}
	if out.ReplyTo == nil && existing.ReplyTo != nil && existing.ReplyToID == out.ReplyToID {
		rc := *existing.ReplyTo
		out.ReplyTo = &rc
	}
	if out.EmojiMetadata == nil && existing.EmojiMetadata != nil {
		out.EmojiMetadata = existing.EmojiMetadata
	}
	return out
}

// rebuild regenerates the ordered slice from byID and trims the oldest
// entries beyond maxSize. Must be called while holding mu.
func (w *Window) rebuild() {
	msgs := make([]*Message, 0, len(w.byID))
	for _, m := range w.byID {
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].TS != msgs[j].TS {
			return msgs[i].TS < msgs[j].TS
		}
		return msgs[i].ID < msgs[j].ID
	})
	if len(msgs) > w.maxSize {
		for _, m := range msgs[:len(msgs)-w.maxSize] {
			delete(w.byID, m.ID)
		}
		msgs = msgs[len(msgs)-w.maxSize:]
	}
	w.msgs = msgs
}

// SetReactions replaces the reactions of one message. It returns false if
// the message is not in the window.
func (w *Window) SetReactions(id string, reactions []Reaction) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	m, ok := w.byID[id]
	if !ok {
		return false
	}
	c := m.clone()
	c.Reactions = CloneReactions(reactions)
	w.byID[id] = c
	for i := range w.msgs {
		if w.msgs[i].ID == id {
			w.msgs[i] = c
			break
		}
	}
	return true
}

// Get returns the message with the given id, or nil.
func (w *Window) Get(id string) *Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.byID[id]
}

// Snapshot returns the ordered messages. The slice is a copy.
func (w *Window) Snapshot() []*Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}

// Last returns the newest message, or nil if the window is empty.
func (w *Window) Last() *Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.msgs) == 0 {
		return nil
	}
	return w.msgs[len(w.msgs)-1]
}

// Len returns the number of messages held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.msgs)
}

// Reset drops all messages.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byID = make(map[string]*Message)
	w.msgs = nil
}
