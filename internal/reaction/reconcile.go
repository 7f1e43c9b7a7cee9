// Package reaction keeps per-message reaction state in step with the
// server: optimistic toggles with exact rollback, and reconciliation of
// server-authoritative counts.
package reaction

import (
	"errors"

	"github.com/christopherjohns/guildsync/internal/message"
)

// MaxDistinct is the maximum number of distinct shortcodes per message.
const MaxDistinct = 5

var (
	// ErrMaxReactionsExceeded is returned when a new shortcode would exceed MaxDistinct.
	ErrMaxReactionsExceeded = errors.New("reaction: maximum distinct reactions reached")

	// ErrStaleResponse marks an update for a message that is not being tracked.
	ErrStaleResponse = errors.New("reaction: response for a different message")
)

// Update is a server-authoritative reaction delta, either a mutation
// response or an onReaction push.
type Update struct {
	MessageID string `json:"messageId"`
	Shortcode string `json:"shortcode"`
	Unicode   string `json:"unicode"`
	Count     int    `json:"count"`
	Removed   bool   `json:"removed"`
}

// Merge folds u into current for the message trackedID and returns the new
// reaction list. current is never modified.
//
// viewerOverride sets the viewer's own flag when non-nil; a nil override
// preserves whatever the local viewer flag was, which is what inbound
// notifications about other users' reactions need.
func Merge(trackedID string, current []message.Reaction, u Update, viewerOverride *bool) []message.Reaction {
	out, _ := merge(trackedID, current, u, viewerOverride)
	return out
}

func merge(trackedID string, current []message.Reaction, u Update, viewerOverride *bool) ([]message.Reaction, error) {
	if u.MessageID != trackedID {
		return current, ErrStaleResponse
	}

	idx := indexOf(current, u.Shortcode)
	if u.Count <= 0 {
		if idx < 0 {
			return current, nil
		}
		out := make([]message.Reaction, 0, len(current)-1)
		out = append(out, current[:idx]...)
		return append(out, current[idx+1:]...), nil
	}

	out := message.CloneReactions(current)
	if idx < 0 {
		r := message.Reaction{Shortcode: u.Shortcode, Unicode: u.Unicode, Count: u.Count}
		if viewerOverride != nil {
			r.ViewerHasReacted = *viewerOverride
		}
		return append(out, r), nil
	}

	r := &out[idx]
	r.Count = u.Count
	if !u.Removed && u.Unicode != "" {
		r.Unicode = u.Unicode
	}
	if viewerOverride != nil {
		r.ViewerHasReacted = *viewerOverride
	}
	return out, nil
}

func indexOf(rs []message.Reaction, shortcode string) int {
	for i, r := range rs {
		if r.Shortcode == shortcode {
			return i
		}
	}
	return -1
}
