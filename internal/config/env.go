package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "RELAYBOT_"

// Secrets are read from the environment so tokens can stay out of config files.
// Non-empty values win over the file.
type Secrets struct {
	TelegramToken string `env:"TELEGRAM_TOKEN"`
	SlackBotToken string `env:"SLACK_BOT_TOKEN"`
	SlackAppToken string `env:"SLACK_APP_TOKEN"`
	DiscordToken  string `env:"DISCORD_TOKEN"`
	MetricsToken  string `env:"METRICS_TOKEN"`
	LogLevel      string `env:"LOG_LEVEL"`
}

// LoadSecrets reads RELAYBOT_* variables. environ overrides os.Environ when non-nil (tests).
func LoadSecrets(environ map[string]string) (Secrets, error) {
	var s Secrets
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&s, opts); err != nil {
		return Secrets{}, fmt.Errorf("env overrides: %w", err)
	}
	return s, nil
}

// ApplySecrets copies non-empty secrets into cfg. Engine blocks that are absent stay absent.
func ApplySecrets(cfg *Config, s Secrets) {
	if cfg == nil {
		return
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	if cfg.Engines.Telegram != nil {
		set(&cfg.Engines.Telegram.Token, s.TelegramToken)
	}
	if cfg.Engines.Slack != nil {
		set(&cfg.Engines.Slack.BotToken, s.SlackBotToken)
		set(&cfg.Engines.Slack.AppToken, s.SlackAppToken)
	}
	if cfg.Engines.Discord != nil {
		set(&cfg.Engines.Discord.Token, s.DiscordToken)
	}
	set(&cfg.Observability.Token, s.MetricsToken)
	set(&cfg.Logging.Level, s.LogLevel)
}
