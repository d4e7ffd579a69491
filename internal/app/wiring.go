package app

import (
	"fmt"
	"io"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/engine"
	"relaybot/internal/engine/console"
	"relaybot/internal/engine/discord"
	"relaybot/internal/engine/slack"
	"relaybot/internal/engine/telegram"
	"relaybot/internal/message"
	"relaybot/internal/observability"
	"relaybot/internal/storage"
	"relaybot/internal/task/scheduler"
	logx "relaybot/pkg/logx"
)

const defaultStoreTimeout = 5 * time.Second

func logConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			Engine:     l.Chat.Engine,
			Channel:    l.Chat.Channel,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func session(cfg *config.Config) message.Session {
	return message.Session{MentionChar: cfg.Bot.MentionChar, UserName: cfg.Bot.UserName}
}

// storageSettings maps the storage section. An empty timeout means the
// default; an explicit "0s" disables the bound.
func storageSettings(cfg *config.Config) (storage.Config, time.Duration, error) {
	driver, path, err := config.StorageSettings(cfg)
	if err != nil {
		return storage.Config{}, 0, err
	}
	sc := storage.Config{Driver: driver, Path: path}
	timeout := defaultStoreTimeout
	if cfg.Storage != nil {
		if sc.BusyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second); err != nil {
			return storage.Config{}, 0, err
		}
		if strings.TrimSpace(cfg.Storage.Timeout) != "" {
			if timeout, err = config.ParseDurationField("storage.timeout", cfg.Storage.Timeout); err != nil {
				return storage.Config{}, 0, err
			}
		}
	}
	return sc, timeout, nil
}

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	jt, err := config.ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone), JobTimeout: jt}, nil
}

const defaultStatsEvery = "5m"

// statsSchedule returns the runtime stats schedule, validated.
func statsSchedule(cfg *config.Config) (string, error) {
	spec := strings.TrimSpace(cfg.Scheduler.StatsEvery)
	if spec == "" {
		spec = defaultStatsEvery
	}
	if _, err := scheduler.ParseSchedule(spec); err != nil {
		return "", fmt.Errorf("scheduler.stats_every: %w", err)
	}
	return spec, nil
}

func observabilityConfig(cfg *config.Config) observability.Config {
	o := cfg.Observability
	return observability.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Pprof:         o.Pprof,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		ReadTimeout:   10 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}

// buildEngines constructs every enabled engine in a fixed order. The
// console engine reads in and writes out.
func buildEngines(cfg *config.Config, in io.Reader, out io.Writer, log logx.Logger) (*engine.Registry, error) {
	reg := engine.NewRegistry(engine.ID(strings.TrimSpace(cfg.Bot.DefaultEngine)), log.With(logx.String("comp", "engines")))
	sess := session(cfg)
	e := cfg.Engines

	add := func(en engine.Engine, err error) error {
		if err != nil {
			return err
		}
		return reg.Add(en)
	}

	if e.Telegram != nil && e.Telegram.Enabled {
		pt, err := config.ParseDurationOrDefault("engines.telegram.poll_timeout", e.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{Token: e.Telegram.Token, PollTimeout: pt, Session: sess},
			log.With(logx.String("comp", "telegram")))
		if err := add(tg, err); err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}
	if e.Slack != nil && e.Slack.Enabled {
		sl, err := slack.New(slack.Config{BotToken: e.Slack.BotToken, AppToken: e.Slack.AppToken, Session: sess},
			log.With(logx.String("comp", "slack")))
		if err := add(sl, err); err != nil {
			return nil, fmt.Errorf("slack: %w", err)
		}
	}
	if e.Discord != nil && e.Discord.Enabled {
		dc, err := discord.New(discord.Config{Token: e.Discord.Token, Session: sess},
			log.With(logx.String("comp", "discord")))
		if err := add(dc, err); err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
	}
	if e.Console != nil && e.Console.Enabled {
		cn := console.New(console.Config{Channel: e.Console.Channel, Session: sess}, in, out,
			log.With(logx.String("comp", "console")))
		if err := reg.Add(cn); err != nil {
			return nil, err
		}
	}

	if def := reg.Default(); def != "" {
		if _, ok := reg.Get(def); !ok {
			return nil, fmt.Errorf("bot.default_engine: engine %q is not enabled", def)
		}
	}
	return reg, nil
}
