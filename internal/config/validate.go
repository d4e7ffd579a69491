package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "relaybot/pkg/logx"
)

// Validate rejects configs that would fail at start or on hot reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Bot.UserName) == "" {
		return errors.New("bot.user_name is required")
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.Chat.RatePerSec < 0 {
		return errors.New("logging.chat.rate_per_sec must be >= 0")
	}

	enabled := 0
	e := cfg.Engines
	if e.Telegram != nil && e.Telegram.Enabled {
		enabled++
		if strings.TrimSpace(e.Telegram.Token) == "" {
			return errors.New("engines.telegram.token is required")
		}
		if _, err := ParseDurationField("engines.telegram.poll_timeout", e.Telegram.PollTimeout); err != nil {
			return err
		}
	}
	if e.Slack != nil && e.Slack.Enabled {
		enabled++
		if strings.TrimSpace(e.Slack.BotToken) == "" || strings.TrimSpace(e.Slack.AppToken) == "" {
			return errors.New("engines.slack.bot_token and engines.slack.app_token are required")
		}
	}
	if e.Discord != nil && e.Discord.Enabled {
		enabled++
		if strings.TrimSpace(e.Discord.Token) == "" {
			return errors.New("engines.discord.token is required")
		}
	}
	if e.Console != nil && e.Console.Enabled {
		enabled++
	}
	if enabled == 0 {
		return errors.New("engines: at least one engine must be enabled")
	}

	if _, _, err := StorageSettings(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout); err != nil {
		return err
	}
	if cfg.Outbound.RatePerSec < 0 || cfg.Outbound.Burst < 0 {
		return errors.New("outbound.rate_per_sec and outbound.burst must be >= 0")
	}
	return nil
}

// StorageSettings resolves the storage section into (driver, path) and validates durations.
// An omitted section means the in-memory driver.
func StorageSettings(cfg *Config) (string, string, error) {
	if cfg == nil || cfg.Storage == nil {
		return "memory", "", nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		driver = "memory"
	case "file", "sqlite", "sqlite3", "badger":
		if strings.TrimSpace(sc.Path) == "" {
			return "", "", fmt.Errorf("storage.path is required for driver %q", driver)
		}
	default:
		return "", "", fmt.Errorf("storage.driver: unknown driver %q", sc.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout); err != nil {
		return "", "", err
	}
	if _, err := ParseDurationField("storage.timeout", sc.Timeout); err != nil {
		return "", "", err
	}
	return driver, strings.TrimSpace(sc.Path), nil
}
