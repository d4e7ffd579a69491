package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const sampleYAML = `
bot:
  mention_char: "@"
  user_name: relaybot
engines:
  console:
    enabled: true
logging:
  level: info
  console: true
storage:
  driver: file
  path: ./data/relaybot
features:
  Cron:
    enabled: true
`

const sampleTOML = `
[bot]
mention_char = "@"
user_name = "relaybot"

[engines.console]
enabled = true

[logging]
level = "info"
console = true

[features.Cron]
enabled = true
`

func TestDecodeFormatsAgree(t *testing.T) {
	t.Parallel()
	fromYAML, err := Decode("relaybot.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	fromTOML, err := Decode("relaybot.toml", []byte(sampleTOML))
	if err != nil {
		t.Fatalf("toml: %v", err)
	}
	fromJSON, err := Decode("relaybot.json", []byte(`{
		"bot": {"mention_char": "@", "user_name": "relaybot"},
		"engines": {"console": {"enabled": true}},
		"logging": {"level": "info", "console": true},
		"features": {"Cron": {"enabled": true}}
	}`))
	if err != nil {
		t.Fatalf("json: %v", err)
	}

	if diff := cmp.Diff(fromJSON, fromTOML); diff != "" {
		t.Fatalf("toml and json disagree (-json +toml):\n%s", diff)
	}
	if fromYAML.Storage == nil || fromYAML.Storage.Driver != "file" {
		t.Fatalf("yaml storage = %+v", fromYAML.Storage)
	}
	if fromYAML.MentionPrefix() != "@relaybot" {
		t.Fatalf("MentionPrefix = %q", fromYAML.MentionPrefix())
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	if _, err := Decode("x.json", []byte(`{"bot": {"user_name": "a"}, "bogus": 1}`)); err == nil {
		t.Fatal("expected unknown top-level field to be rejected")
	}
	if _, err := Decode("x.json", []byte(`{"features": {"Cron": {"enabled": true, "timeout": "1s"}}}`)); err == nil {
		t.Fatal("expected unknown feature field to be rejected")
	}
	if _, err := Decode("x.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data to be rejected")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Bot:     BotConfig{MentionChar: "@", UserName: "relaybot"},
			Engines: EnginesConfig{Console: &ConsoleConfig{Enabled: true}},
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "no user name", mutate: func(c *Config) { c.Bot.UserName = " " }, wantErr: "bot.user_name"},
		{name: "no engines", mutate: func(c *Config) { c.Engines.Console = nil }, wantErr: "at least one engine"},
		{name: "telegram without token", mutate: func(c *Config) {
			c.Engines.Telegram = &TelegramConfig{Enabled: true}
		}, wantErr: "engines.telegram.token"},
		{name: "bad storage driver", mutate: func(c *Config) {
			c.Storage = &StorageConfig{Driver: "redis"}
		}, wantErr: "unknown driver"},
		{name: "sqlite needs path", mutate: func(c *Config) {
			c.Storage = &StorageConfig{Driver: "sqlite"}
		}, wantErr: "storage.path"},
		{name: "bad timezone", mutate: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, wantErr: "scheduler.timezone"},
		{name: "bad duration", mutate: func(c *Config) { c.Scheduler.JobTimeout = "soon" }, wantErr: "scheduler.job_timeout"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSecretsOverrideFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "relaybot.json")
	body := `{
		"bot": {"mention_char": "@", "user_name": "relaybot"},
		"engines": {"telegram": {"enabled": true, "token": "from-file"}, "slack": {"enabled": false}}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	m.SetEnviron(map[string]string{
		"RELAYBOT_TELEGRAM_TOKEN": "from-env",
		"RELAYBOT_SLACK_APP_TOKEN": "xapp",
		"RELAYBOT_DISCORD_TOKEN":   "ignored-without-block",
	})
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Engines.Telegram.Token; got != "from-env" {
		t.Fatalf("telegram token = %q", got)
	}
	if got := cfg.Engines.Slack.AppToken; got != "xapp" {
		t.Fatalf("slack app token = %q", got)
	}
	if cfg.Engines.Discord != nil {
		t.Fatal("discord block should stay absent")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Features: map[string]FeatureConfigRaw{"Cron": {Enabled: true}, "Echo": {Enabled: true}}}
	b := &Config{
		Logging:  LoggingConfig{Level: "debug"},
		Features: map[string]FeatureConfigRaw{"Cron": {Enabled: false}, "Echo": {Enabled: true}, "Help": {Enabled: true}},
	}
	sections, _, features := SummarizeConfigChange(a, b)
	if diff := cmp.Diff([]string{"logging", "features"}, sections); diff != "" {
		t.Fatalf("sections (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Cron", "Help"}, features); diff != "" {
		t.Fatalf("features (-want +got):\n%s", diff)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relaybot.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	m.SetEnviron(map[string]string{})
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	updated := strings.Replace(sampleYAML, "level: info", "level: debug", 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("published level = %q", cfg.Logging.Level)
			}
			if m.Get().Logging.Level != "debug" {
				t.Fatal("Get() did not observe committed config")
			}
			cancel()
			<-done
			return
		case <-tick.C:
			// Rewrite until the watcher has observed it; the first write may race watcher setup.
			if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("no config published after file change")
		}
	}
}

func TestParseDurationFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"", 0, 0, false},
		{"", time.Second, time.Second, false},
		{" 2m ", time.Second, 2 * time.Minute, false},
		{"0s", 3 * time.Second, 3 * time.Second, false},
		{"-1s", time.Second, 0, true},
		{"soon", time.Second, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("x.timeout", tt.raw, tt.def)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationOrDefault(%q) err = %v", tt.raw, err)
		}
		if err != nil && !strings.HasPrefix(err.Error(), "x.timeout: ") {
			t.Fatalf("error %q does not name the field", err)
		}
		if got != tt.want {
			t.Fatalf("ParseDurationOrDefault(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
