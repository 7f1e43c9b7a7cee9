package roomsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/christopherjohns/guildsync/internal/auth"
	"github.com/christopherjohns/guildsync/internal/gql"
	"github.com/christopherjohns/guildsync/internal/message"
)

// Result is the outcome of Send.
type Result struct {
	Success   bool
	MessageID string
	Err       error
}

// Send posts text to the room, optionally as a reply. It refuses to send
// during a cooldown, renews a credential that is about to expire, and
// retries exactly once after a 401 with a renewed credential. The server's
// canonical message is merged into the working set.
func (s *Session) Send(ctx context.Context, text, replyToID string) Result {
	if s.isDisposed() {
		return Result{Err: ErrDisposed}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Err: ErrEmptyMessage}
	}
	if rem := s.cooldown.Remaining(); rem > 0 {
		return Result{Err: &RateLimitError{RetryAfter: rem}}
	}

	if s.deps.Credentials == nil {
		return Result{Err: auth.ErrNoCredential}
	}
	if _, err := auth.Fresh(ctx, s.deps.Credentials, s.now()); err != nil {
		if errors.Is(err, auth.ErrNoCredential) {
			return Result{Err: auth.ErrNoCredential}
		}
		return Result{Err: fmt.Errorf("%w: renew credential: %w", ErrTransientNetwork, err)}
	}

	in := gql.SendInput{
		RoomID:         s.roomID,
		Text:           text,
		SenderNickname: s.viewer.Nickname,
		ReplyToID:      replyToID,
	}
	rec, err := s.deps.API.SendMessage(ctx, in)
	if gql.IsUnauthorized(err) {
		s.logger.Info("roomsync: send unauthorized, renewing credential")
		if _, rerr := s.deps.Credentials.Refresh(ctx); rerr != nil {
			return Result{Err: s.sendError(err)}
		}
		rec, err = s.deps.API.SendMessage(ctx, in)
	}
	if err != nil {
		return Result{Err: s.sendError(err)}
	}

	m := message.Normalize(rec, s.roomID)
	if m.ID != "" && s.window.Merge(m) {
		s.emit(Change{Kind: ChangeMessages, MessageID: m.ID})
	}
	s.SetTyping(false)
	return Result{Success: true, MessageID: m.ID}
}

// sendError classifies a failed send and arms the cooldown on 429.
func (s *Session) sendError(err error) error {
	var apiErr *gql.APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		s.logger.Warn("roomsync: send failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
	}
	if apiErr.Status == http.StatusTooManyRequests {
		d := apiErr.RetryAfter
		if d <= 0 {
			d = s.cfg.DefaultCooldown
		}
		s.cooldown.Arm(d)
		s.emit(Change{Kind: ChangeCooldown})
		return &RateLimitError{RetryAfter: d}
	}
	return fmt.Errorf("send message: %w", err)
}
