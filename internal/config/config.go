// Package config loads guildsync settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GUILDSYNC_"

// Config is the main configuration struct.
type Config struct {
	Client  ClientConfig  `yaml:"client"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// ClientConfig configures the sync core and the CLI.
type ClientConfig struct {
	Endpoint           string   `yaml:"endpoint"`
	Token              string   `yaml:"token"`
	Nickname           string   `yaml:"nickname"`
	PageSize           int      `yaml:"page_size"`
	WindowSize         int      `yaml:"window_size"`
	PollInterval       Duration `yaml:"poll_interval"`
	MaxReconnects      int      `yaml:"max_reconnects"`
	ReconnectBaseDelay Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  Duration `yaml:"reconnect_max_delay"`
	DefaultCooldown    Duration `yaml:"default_cooldown"`
	RequestRate        float64  `yaml:"request_rate"`
	RequestBurst       int      `yaml:"request_burst"`
}

// ServerConfig configures the development backend.
type ServerConfig struct {
	Addr            string       `yaml:"addr"`
	RedisAddr       string       `yaml:"redis_addr"`
	HistorySize     int          `yaml:"history_size"`
	MaxMessageBytes SizeBytes    `yaml:"max_message_bytes"`
	SendLimit       int          `yaml:"send_limit"`
	SendWindow      Duration     `yaml:"send_window"`
	TokenTTL        Duration     `yaml:"token_ttl"`
	MaxConns        int          `yaml:"max_conns"`
	IdleTimeout     Duration     `yaml:"idle_timeout"`
	RequestRate     float64      `yaml:"request_rate"`
	RequestBurst    int          `yaml:"request_burst"`
	Rooms           []RoomConfig `yaml:"rooms"`
}

// RoomConfig seeds a named room on the development backend.
type RoomConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	GuildName string `yaml:"guild_name"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Client: ClientConfig{
			Endpoint:           "http://localhost:8080",
			PageSize:           50,
			WindowSize:         500,
			PollInterval:       Duration(5 * time.Second),
			MaxReconnects:      10,
			ReconnectBaseDelay: Duration(time.Second),
			ReconnectMaxDelay:  Duration(30 * time.Second),
			DefaultCooldown:    Duration(30 * time.Second),
		},
		Server: ServerConfig{
			Addr:            ":8080",
			HistorySize:     1000,
			MaxMessageBytes: 4 * 1024,
			SendLimit:       20,
			SendWindow:      Duration(time.Minute),
			TokenTTL:        Duration(time.Hour),
			RequestRate:     20,
			RequestBurst:    40,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error; an empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from GUILDSYNC_* variables read through getenv.
// REDIS_ADDR and LISTEN_ADDR are also honored for the backend.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	env := func(name string) string {
		return strings.TrimSpace(getenv(EnvPrefix + name))
	}
	setString(&c.Client.Endpoint, env("ENDPOINT"))
	setString(&c.Client.Token, env("TOKEN"))
	setString(&c.Client.Nickname, env("NICKNAME"))
	setString(&c.Logging.Level, env("LOG_LEVEL"))
	setString(&c.Logging.Format, env("LOG_FORMAT"))
	setString(&c.Server.Addr, strings.TrimSpace(getenv("LISTEN_ADDR")))
	setString(&c.Server.Addr, env("ADDR"))
	setString(&c.Server.RedisAddr, strings.TrimSpace(getenv("REDIS_ADDR")))
	setString(&c.Server.RedisAddr, env("REDIS_ADDR"))

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	collect(setInt(&c.Client.PageSize, "PAGE_SIZE", env("PAGE_SIZE")))
	collect(setInt(&c.Client.MaxReconnects, "MAX_RECONNECTS", env("MAX_RECONNECTS")))
	collect(setDuration(&c.Client.PollInterval, "POLL_INTERVAL", env("POLL_INTERVAL")))
	collect(setDuration(&c.Client.DefaultCooldown, "DEFAULT_COOLDOWN", env("DEFAULT_COOLDOWN")))
	collect(setInt(&c.Server.SendLimit, "SEND_LIMIT", env("SEND_LIMIT")))
	collect(setDuration(&c.Server.TokenTTL, "TOKEN_TTL", env("TOKEN_TTL")))
	if v := env("MAX_MESSAGE_BYTES"); v != "" {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			collect(fmt.Errorf("%sMAX_MESSAGE_BYTES: %w", EnvPrefix, err))
		} else {
			c.Server.MaxMessageBytes = SizeBytes(n)
		}
	}
	return errors.Join(errs...)
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Client.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("client.page_size must be positive"))
	}
	if c.Client.PollInterval.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("client.poll_interval must be positive"))
	}
	if c.Client.ReconnectMaxDelay < c.Client.ReconnectBaseDelay {
		errs = append(errs, fmt.Errorf("client.reconnect_max_delay must not be below reconnect_base_delay"))
	}
	if c.Server.SendLimit <= 0 {
		errs = append(errs, fmt.Errorf("server.send_limit must be positive"))
	}
	for i, r := range c.Server.Rooms {
		if strings.TrimSpace(r.ID) == "" {
			errs = append(errs, fmt.Errorf("server.rooms[%d].id is required", i))
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, name, v string) error {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *Duration, name, v string) error {
	if v == "" {
		return nil
	}
	d, err := parseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = Duration(d)
	return nil
}
