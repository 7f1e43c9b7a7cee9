package command

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/christopherjohns/guildsync/internal/auth"
	"github.com/christopherjohns/guildsync/internal/config"
	"github.com/christopherjohns/guildsync/internal/connection"
	"github.com/christopherjohns/guildsync/internal/gql"
	"github.com/christopherjohns/guildsync/internal/logging"
	"github.com/christopherjohns/guildsync/internal/roomsync"
)

const issueTimeout = 10 * time.Second

// CommandContext holds everything a subcommand needs to reach the backend.
type CommandContext struct {
	Config config.ClientConfig
	Logger *zap.Logger
	Client *gql.Client
	Creds  *auth.Store
	Viewer roomsync.Viewer

	// Metrics instruments sessions opened by OpenRoom when set.
	Metrics *connection.Metrics
}

// GetContext loads configuration, applies flag overrides and prepares an
// authenticated client. Without a token one is issued for the nickname.
func GetContext(cmd *cobra.Command) (*CommandContext, error) {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("endpoint"); v != "" {
		cfg.Client.Endpoint = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cfg.Client.Token = v
	}
	if v, _ := cmd.Flags().GetString("nickname"); v != "" {
		cfg.Client.Nickname = v
	}

	level := cfg.Logging.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	} else if level == "info" {
		// Session chatter would interleave with the printed messages.
		level = "warn"
	}
	logger, err := logging.New(level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	ctx := &CommandContext{Config: cfg.Client, Logger: logger}
	ctx.Viewer = roomsync.Viewer{Nickname: cfg.Client.Nickname}

	var initial auth.Token
	if cfg.Client.Token != "" {
		initial = auth.Token{Value: cfg.Client.Token}
	} else {
		anon, err := gql.NewClient(cfg.Client.Endpoint, gql.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		issueCtx, cancel := context.WithTimeout(cmd.Context(), issueTimeout)
		tok, err := anon.IssueToken(issueCtx, cfg.Client.Nickname)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
		initial = tok.AuthToken()
		ctx.Viewer.ID = tok.UserID
		if ctx.Viewer.Nickname == "" {
			ctx.Viewer.Nickname = tok.Nickname
		}
		logger.Debug("command: issued token", zap.String("user", tok.UserID))
	}

	var client *gql.Client
	ctx.Creds = auth.NewStore(initial, func(ctx context.Context, cur auth.Token) (auth.Token, error) {
		return client.RefreshToken(ctx, cur)
	})
	client, err = gql.NewClient(cfg.Client.Endpoint,
		gql.WithCredentials(ctx.Creds),
		gql.WithRateLimit(cfg.Client.RequestRate, cfg.Client.RequestBurst),
		gql.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	ctx.Client = client
	return ctx, nil
}

// SessionConfig maps the client configuration onto a roomsync.Config.
func (c *CommandContext) SessionConfig() roomsync.Config {
	return roomsync.Config{
		PageSize:        c.Config.PageSize,
		WindowSize:      c.Config.WindowSize,
		DefaultCooldown: c.Config.DefaultCooldown.Duration(),
		Connection: connection.Config{
			PollInterval: c.Config.PollInterval.Duration(),
			MaxAttempts:  c.Config.MaxReconnects,
			BaseDelay:    c.Config.ReconnectBaseDelay.Duration(),
			MaxDelay:     c.Config.ReconnectMaxDelay.Duration(),
		},
	}
}

// OpenRoom creates and opens a session for roomID. Callers dispose it.
func (c *CommandContext) OpenRoom(ctx context.Context, roomID string) (*roomsync.Session, error) {
	deps := roomsync.ClientDeps(c.Client, c.Creds, c.Logger)
	deps.Metrics = c.Metrics
	s := roomsync.New(c.SessionConfig(), roomID, c.Viewer, deps)
	if err := s.Open(ctx); err != nil {
		s.Dispose()
		return nil, err
	}
	return s, nil
}

// Close flushes the logger.
func (c *CommandContext) Close() {
	_ = c.Logger.Sync()
}
