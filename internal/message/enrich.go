package message

// Lookup resolves message ids to already-known messages.
type Lookup interface {
	Get(id string) *Message
}

// Index is a map-backed Lookup.
type Index map[string]*Message

// Get returns the message with the given id, or nil.
func (ix Index) Get(id string) *Message {
	return ix[id]
}

// IndexOf builds an Index over msgs.
func IndexOf(msgs []*Message) Index {
	ix := make(Index, len(msgs))
	for _, m := range msgs {
		ix[m.ID] = m
	}
	return ix
}

// Enrich attaches a resolved reply preview to m when its parent is known,
// or a fallback preview when it is not. If nothing changes, m itself is
// returned so repeated passes do not produce new values. m is never
// modified in place.
//
// A resolved preview is never replaced by a fallback for the same parent:
// a stale preview is preferred over a placeholder.
func Enrich(m *Message, known Lookup) *Message {
	if m.ReplyToID == "" {
		return m
	}

	var next ReplyContext
	if parent := lookup(known, m.ReplyToID); parent != nil {
		next = ReplyContext{
			ID:             parent.ID,
			Text:           parent.Text,
			SenderID:       parent.SenderID,
			SenderNickname: parent.SenderNickname,
		}
	} else {
		if m.ReplyTo != nil && !m.ReplyTo.IsFallback && m.ReplyTo.ID == m.ReplyToID {
			return m
		}
		next = ReplyContext{
			ID:         m.ReplyToID,
			Text:       FallbackReplyText,
			IsFallback: true,
		}
	}

	if m.ReplyTo != nil && *m.ReplyTo == next {
		return m
	}
	out := m.clone()
	out.ReplyTo = &next
	return out
}

// EnrichAll enriches every message in msgs. When no message changes the
// input slice is returned as-is.
func EnrichAll(msgs []*Message, known Lookup) []*Message {
	var out []*Message
	for i, m := range msgs {
		e := Enrich(m, known)
		if e == m && out == nil {
			continue
		}
		if out == nil {
			out = make([]*Message, len(msgs))
			copy(out, msgs[:i])
		}
		out[i] = e
	}
	if out == nil {
		return msgs
	}
	return out
}

func lookup(known Lookup, id string) *Message {
	if known == nil {
		return nil
	}
	return known.Get(id)
}
