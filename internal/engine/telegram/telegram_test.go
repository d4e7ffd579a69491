package telegram

import (
	"strings"
	"testing"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short = %q", got)
	}

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(long, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("newline split = %q", got)
	}

	hard := strings.Repeat("x", 25)
	got = splitText(hard, 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("hard split = %q", got)
	}

	multi := strings.Repeat("é", 12)
	for _, c := range splitText(multi, 5) {
		if n := len([]rune(c)); n > 5 {
			t.Fatalf("chunk has %d runes", n)
		}
	}
}

func TestChannelRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		chat   int64
		thread int
		want   string
	}{
		{chat: -100123, want: "-100123"},
		{chat: -100123, thread: 42, want: "-100123/42"},
	}
	for _, tt := range tests {
		s := formatChannel(tt.chat, tt.thread)
		if s != tt.want {
			t.Fatalf("formatChannel = %q, want %q", s, tt.want)
		}
		chat, thread, err := parseChannel(s)
		if err != nil || chat != tt.chat || thread != tt.thread {
			t.Fatalf("parseChannel(%q) = %d %d %v", s, chat, thread, err)
		}
	}
	for _, bad := range []string{"", "general", "1/x"} {
		if _, _, err := parseChannel(bad); err == nil {
			t.Fatalf("parseChannel(%q): expected error", bad)
		}
	}
}
