package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Bot     BotConfig     `json:"bot"`
	Engines EnginesConfig `json:"engines"`
	Logging LoggingConfig `json:"logging"`

	Storage       *StorageConfig      `json:"storage,omitempty"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Outbound      OutboundConfig      `json:"outbound"`
	Observability ObservabilityConfig `json:"observability,omitempty"`

	Features map[string]FeatureConfigRaw `json:"features"`
}

// BotConfig describes the bot's identity in every channel.
//
// The mention prefix users type to address the bot is MentionChar + UserName.
// Engines that learn the bot's name from the backend (Telegram, Slack, Discord)
// override UserName at start.
type BotConfig struct {
	MentionChar   string `json:"mention_char"`
	UserName      string `json:"user_name"`
	DefaultEngine string `json:"default_engine,omitempty"`
}

type EnginesConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty"`
	Discord  *DiscordConfig  `json:"discord,omitempty"`
	Console  *ConsoleConfig  `json:"console,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

// ConsoleConfig enables the line-oriented stdin/stdout engine.
type ConsoleConfig struct {
	Enabled bool   `json:"enabled"`
	Channel string `json:"channel,omitempty"` // default: "console"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards warnings (or MinLevel and above) to a bot channel.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	Engine     string `json:"engine,omitempty"`
	Channel    string `json:"channel"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the key-value store backing feature state.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/relaybot.db" }
//
// If the whole section is omitted the store is in-memory.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Timeout bounds each get/set round trip. "0s" waits indefinitely.
	Timeout string `json:"timeout,omitempty"`
}

// SchedulerConfig controls the cron trigger service.
type SchedulerConfig struct {
	// Trigger timezone (IANA, e.g. "Asia/Tokyo"). Empty means local time.
	Timezone string `json:"timezone,omitempty"`
	// JobTimeout bounds a single schedule firing. Go duration string.
	JobTimeout string `json:"job_timeout,omitempty"`
	// StatsEvery is how often runtime stats are logged: a cron expression,
	// a Go duration ("5m") or HH:MM ("00:05"). Empty means 5m.
	StatsEvery string `json:"stats_every,omitempty"`
}

// OutboundConfig throttles replayed and requested messages per channel.
type OutboundConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// ObservabilityConfig controls the optional metrics/debug HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type FeatureConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in feature blocks
// are caught during config reload.
func (p *FeatureConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = FeatureConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}

// MentionPrefix returns the configured mention prefix (before engines override the user name).
func (c *Config) MentionPrefix() string {
	if c == nil {
		return ""
	}
	return c.Bot.MentionChar + c.Bot.UserName
}

// ParseDurationField parses a Go duration string found at path in the config.
// Blank means 0. Negative durations are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for a
// blank or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
