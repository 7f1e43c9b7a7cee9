package command

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/christopherjohns/guildsync/internal/message"
)

const replyPreviewLen = 60

func senderName(m *message.Message) string {
	if m.SenderNickname != "" {
		return m.SenderNickname
	}
	return m.SenderID
}

// formatMessage renders one message as a line, preceded by a reply preview
// when the message answers another one.
func formatMessage(m *message.Message, now time.Time) string {
	var b strings.Builder
	if m.ReplyTo != nil {
		if m.ReplyTo.IsFallback {
			fmt.Fprintf(&b, "  ↳ %s\n", m.ReplyTo.Text)
		} else {
			name := m.ReplyTo.SenderNickname
			if name == "" {
				name = m.ReplyTo.SenderID
			}
			fmt.Fprintf(&b, "  ↳ %s: %s\n", name, truncate(m.ReplyTo.Text, replyPreviewLen))
		}
	}
	when := humanize.RelTime(time.UnixMilli(m.TS), now, "ago", "from now")
	switch m.Type {
	case message.TypeSystem, message.TypeBroadcast:
		fmt.Fprintf(&b, "[%s] * %s", when, m.Text)
	default:
		fmt.Fprintf(&b, "[%s] %s: %s", when, senderName(m), m.Text)
	}
	if r := formatReactions(m.Reactions); r != "" {
		b.WriteString("  ")
		b.WriteString(r)
	}
	fmt.Fprintf(&b, "  (%s)", m.ID)
	return b.String()
}

func formatReactions(rs []message.Reaction) string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		if r.Count <= 0 {
			continue
		}
		mark := ""
		if r.ViewerHasReacted {
			mark = "*"
		}
		parts = append(parts, fmt.Sprintf("%s%s %s", r.Unicode, mark, humanize.Comma(int64(r.Count))))
	}
	return strings.Join(parts, " ")
}

// formatCooldown describes when sending is allowed again.
func formatCooldown(d time.Duration, now time.Time) string {
	return "sending disabled, try again in " + strings.TrimSpace(humanize.RelTime(now, now.Add(d), "", ""))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func writeLine(w io.Writer, s string) {
	fmt.Fprintln(w, s)
}
