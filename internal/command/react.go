package command

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewReactCmd creates the react command.
func NewReactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "react <room> <messageId> <shortcode> <unicode>",
		Short: "Toggle your reaction on a message",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID, messageID, shortcode, unicode := args[0], args[1], args[2], args[3]

			ctx, err := GetContext(cmd)
			if err != nil {
				return err
			}
			defer ctx.Close()

			s, err := ctx.OpenRoom(cmd.Context(), roomID)
			if err != nil {
				return err
			}
			defer s.Dispose()

			if err := s.ToggleReaction(cmd.Context(), messageID, shortcode, unicode); err != nil {
				return fmt.Errorf("react: %w", err)
			}
			line := formatReactions(s.Reactions(messageID))
			if line == "" {
				line = "no reactions"
			}
			writeLine(cmd.OutOrStdout(), line)
			return nil
		},
	}
	return cmd
}
