package server

import (
	"sync"

	"github.com/christopherjohns/guildsync/internal/message"
	"github.com/christopherjohns/guildsync/internal/reaction"
)

type tally struct {
	unicode string
	users   map[string]struct{}
}

// Reactions keeps per-user reaction sets for every message.
type Reactions struct {
	mu    sync.Mutex
	byMsg map[string]map[string]*tally
	order map[string][]string // shortcodes per message in first-use order
}

// NewReactions creates an empty reaction registry.
func NewReactions() *Reactions {
	return &Reactions{
		byMsg: make(map[string]map[string]*tally),
		order: make(map[string][]string),
	}
}

// Add records userID's reaction. Adding the same reaction twice is a no-op.
// A new shortcode beyond reaction.MaxDistinct is rejected.
func (rs *Reactions) Add(messageID, userID, shortcode, unicode string) (reaction.Update, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	set := rs.byMsg[messageID]
	if set == nil {
		set = make(map[string]*tally)
		rs.byMsg[messageID] = set
	}
	t, ok := set[shortcode]
	if !ok {
		if len(set) >= reaction.MaxDistinct {
			return reaction.Update{}, reaction.ErrMaxReactionsExceeded
		}
		t = &tally{unicode: unicode, users: make(map[string]struct{})}
		set[shortcode] = t
		rs.order[messageID] = append(rs.order[messageID], shortcode)
	}
	if t.unicode == "" {
		t.unicode = unicode
	}
	t.users[userID] = struct{}{}
	return reaction.Update{
		MessageID: messageID,
		Shortcode: shortcode,
		Unicode:   t.unicode,
		Count:     len(t.users),
	}, nil
}

// Remove drops userID's reaction and returns the remaining count.
func (rs *Reactions) Remove(messageID, userID, shortcode, unicode string) reaction.Update {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	u := reaction.Update{MessageID: messageID, Shortcode: shortcode, Unicode: unicode, Removed: true}
	t, ok := rs.byMsg[messageID][shortcode]
	if !ok {
		return u
	}
	delete(t.users, userID)
	u.Unicode = t.unicode
	u.Count = len(t.users)
	if u.Count == 0 {
		delete(rs.byMsg[messageID], shortcode)
		rs.order[messageID] = removeString(rs.order[messageID], shortcode)
		if len(rs.byMsg[messageID]) == 0 {
			delete(rs.byMsg, messageID)
			delete(rs.order, messageID)
		}
	}
	return u
}

// List returns the reactions on messageID from viewerID's perspective.
func (rs *Reactions) List(messageID, viewerID string) []message.Reaction {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	set := rs.byMsg[messageID]
	if len(set) == 0 {
		return nil
	}
	out := make([]message.Reaction, 0, len(set))
	for _, sc := range rs.order[messageID] {
		t := set[sc]
		_, mine := t.users[viewerID]
		out = append(out, message.Reaction{
			Shortcode:        sc,
			Unicode:          t.unicode,
			Count:            len(t.users),
			ViewerHasReacted: mine,
		})
	}
	return out
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
