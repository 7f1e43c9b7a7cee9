package command

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/christopherjohns/guildsync/internal/roomsync"
)

// NewSendCmd creates the send command.
func NewSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <room> <text>",
		Short: "Send a message to a room",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			replyTo, _ := cmd.Flags().GetString("reply-to")

			ctx, err := GetContext(cmd)
			if err != nil {
				return err
			}
			defer ctx.Close()

			s, err := ctx.OpenRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer s.Dispose()

			res := s.Send(cmd.Context(), strings.Join(args[1:], " "), replyTo)
			if !res.Success {
				var rl *roomsync.RateLimitError
				if errors.As(res.Err, &rl) {
					return errors.New(formatCooldown(rl.RetryAfter, time.Now()))
				}
				return res.Err
			}
			if m := s.Message(res.MessageID); m != nil {
				writeLine(cmd.OutOrStdout(), formatMessage(m, time.Now()))
			} else {
				writeLine(cmd.OutOrStdout(), res.MessageID)
			}
			return nil
		},
	}

	cmd.Flags().String("reply-to", "", "id of the message being replied to")
	return cmd
}
