package app

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"relaybot/internal/config"
)

const baseConfig = `
bot:
  mention_char: "@"
  user_name: relaybot
engines:
  console:
    enabled: true
logging:
  level: error
  console: false
scheduler:
  timezone: UTC
`

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitOutput(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(out.String(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("output never contained %q; got:\n%s", want, out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConsoleRoundTrip(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	out := &syncBuffer{}

	a, err := New(writeConfig(t, baseConfig), WithConsoleIO(pr, out), WithEnviron(map[string]string{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	say := func(line string) {
		t.Helper()
		if _, err := io.WriteString(pw, line+"\n"); err != nil {
			t.Fatal(err)
		}
	}

	say("@relaybot echo hi there")
	waitOutput(t, out, "[console] hi there")

	say(`@relaybot cron add "0 0 1 1 *" echo new year`)
	waitOutput(t, out, "[console] Created schedule.")
	if n := a.cron.ActiveCount(); n != 1 {
		t.Fatalf("active schedules = %d, want 1", n)
	}

	say("@relaybot help")
	waitOutput(t, out, "Address me with @relaybot <command>.")

	// Plain chatter is not a command.
	say("echo ignored")

	var running []string
	for _, s := range a.Features().Snapshot() {
		if s.Running {
			running = append(running, s.ID)
		}
	}
	if diff := cmp.Diff([]string{"Command", "Cron", "Echo", "Help", "Outbound"}, running); diff != "" {
		t.Fatalf("running features (-want +got):\n%s", diff)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if strings.Contains(out.String(), "ignored") {
		t.Fatalf("unaddressed text was answered:\n%s", out.String())
	}
	if n := a.cron.ActiveCount(); n != 0 {
		t.Fatalf("schedules still active after stop: %d", n)
	}
}

func TestFeatureSectionSelectsFeatures(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	out := &syncBuffer{}

	body := baseConfig + `
features:
  Command:
    enabled: true
  Echo:
    enabled: true
    config:
      prefix: "> "
`
	a, err := New(writeConfig(t, body), WithConsoleIO(pr, out), WithEnviron(map[string]string{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})

	if _, err := io.WriteString(pw, "@relaybot echo hi\n"); err != nil {
		t.Fatal(err)
	}
	waitOutput(t, out, "[console] > hi")

	if a.Features().Running("Cron") {
		t.Fatal("Cron running although not enabled")
	}
}

func TestNewRejectsDisabledDefaultEngine(t *testing.T) {
	body := strings.Replace(baseConfig, "user_name: relaybot", "user_name: relaybot\n  default_engine: slack", 1)
	_, err := New(writeConfig(t, body), WithConsoleIO(strings.NewReader(""), io.Discard), WithEnviron(map[string]string{}))
	if err == nil || !strings.Contains(err.Error(), "default_engine") {
		t.Fatalf("err = %v, want default_engine error", err)
	}
}

func TestValidateRejectsUnknownFeature(t *testing.T) {
	a, err := New(writeConfig(t, baseConfig), WithConsoleIO(strings.NewReader(""), io.Discard), WithEnviron(map[string]string{}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.kv.Close(); _ = a.logs.Close() })

	cfg := &config.Config{Features: map[string]config.FeatureConfigRaw{"Cron": {Enabled: true}}}
	if err := a.validate(context.Background(), cfg); err != nil {
		t.Fatalf("known feature rejected: %v", err)
	}
	cfg.Features["Weather"] = config.FeatureConfigRaw{Enabled: true}
	if err := a.validate(context.Background(), cfg); err == nil {
		t.Fatal("unknown feature accepted")
	}

	defaults := a.featureConfig(&config.Config{})
	if len(defaults) != 5 || !defaults["Outbound"].Enabled {
		t.Fatalf("default features = %v", defaults)
	}
}

func TestStorageSettings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		storage *config.StorageConfig
		driver  string
		timeout time.Duration
		wantErr bool
	}{
		{"absent", nil, "memory", defaultStoreTimeout, false},
		{"explicit", &config.StorageConfig{Driver: "sqlite", Path: "x.db", Timeout: "2s"}, "sqlite", 2 * time.Second, false},
		{"unbounded", &config.StorageConfig{Driver: "file", Path: "d", Timeout: "0s"}, "file", 0, false},
		{"bad", &config.StorageConfig{Driver: "badger", Path: "d", Timeout: "soon"}, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc, timeout, err := storageSettings(&config.Config{Storage: tt.storage})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if sc.Driver != tt.driver || timeout != tt.timeout {
				t.Fatalf("got (%q, %v), want (%q, %v)", sc.Driver, timeout, tt.driver, tt.timeout)
			}
		})
	}
}

func TestStatsSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"", "5m", false},
		{"30s", "30s", false},
		{"01:00", "01:00", false},
		{"*/10 * * * *", "*/10 * * * *", false},
		{"often", "", true},
	}
	for _, tt := range tests {
		got, err := statsSchedule(&config.Config{Scheduler: config.SchedulerConfig{StatsEvery: tt.raw}})
		if (err != nil) != tt.wantErr {
			t.Fatalf("statsSchedule(%q) err = %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("statsSchedule(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
