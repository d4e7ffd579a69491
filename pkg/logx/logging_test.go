package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordSender struct {
	mu   sync.Mutex
	sent []string
	ch   chan struct{}
}

func (r *recordSender) SendText(ctx context.Context, engine, channel, text string) error {
	r.mu.Lock()
	r.sent = append(r.sent, engine+"|"+channel+"|"+text)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
	return nil
}

func TestFormatChatJSON(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"x","message":"store slow","took":"5s","comp":"storage"}` + "\n")
	got := formatChatJSON(line)
	want := "[WARN] store slow\n- comp=storage\n- took=5s"
	if got != want {
		t.Fatalf("formatChatJSON = %q, want %q", got, want)
	}

	raw := formatChatJSON([]byte("  not json  "))
	if raw != "not json" {
		t.Fatalf("raw fallback = %q", raw)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate short = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel accepted an unknown level")
	}
}

func TestChatSinkRespectsMinLevel(t *testing.T) {
	rec := &recordSender{ch: make(chan struct{}, 4)}
	svc, log := New(Config{
		Level: "debug",
		Chat: ChatConfig{
			Enabled:    true,
			Engine:     "console",
			Channel:    "ops",
			MinLevel:   "warn",
			RatePerSec: 100,
		},
	}, rec)
	defer svc.Close()

	log.Info("not forwarded")
	log.Warn("forwarded", String("k", "v"))

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("chat sink never delivered")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.sent) != 1 {
		t.Fatalf("sent %d lines, want 1: %v", len(rec.sent), rec.sent)
	}
	if !strings.HasPrefix(rec.sent[0], "console|ops|[WARN] forwarded") {
		t.Fatalf("unexpected chat line %q", rec.sent[0])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("dropped")
	l.With(Int("n", 1)).Error("dropped", Err(nil))
}
