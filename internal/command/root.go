// Package command implements the guildsync CLI.
package command

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const AppName = "guildsync"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

// NewRootCmd creates the root command.
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "guildsync - terminal client for guild chat rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "guildsync.yaml", "path to the YAML config file")
	cmd.PersistentFlags().String("endpoint", "", "backend base URL")
	cmd.PersistentFlags().String("token", "", "bearer token (issued from the backend when empty)")
	cmd.PersistentFlags().String("nickname", "", "display name")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "log debug output to stderr")

	cmd.AddCommand(
		NewWatchCmd(),
		NewSendCmd(),
		NewReactCmd(),
	)

	return cmd
}

// Execute runs the CLI until it finishes or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd(Version).ExecuteContext(ctx)
}
