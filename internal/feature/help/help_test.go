package help

import (
	"context"
	"strings"
	"testing"

	"relaybot/internal/feature/command"
	"relaybot/internal/feature/cron"
	"relaybot/internal/feature/echo"
	"relaybot/internal/feature/featuretest"
)

func TestHelpListsRunningHandlers(t *testing.T) {
	t.Parallel()
	env := featuretest.New(t)
	ctx := context.Background()

	h := New()
	e := echo.New()
	c := cron.New()
	for _, start := range []func() error{
		func() error { return h.Start(ctx, env.Deps) },
		func() error { return e.Start(ctx, env.Deps) },
		func() error { return c.Start(ctx, env.Deps) },
	} {
		if err := start(); err != nil {
			t.Fatal(err)
		}
	}
	defer h.Stop(ctx)
	defer c.Stop(ctx)

	ask := func(text string) string {
		t.Helper()
		if err := h.Handle(ctx, command.FromMessage(env.Mention("c1", text))); err != nil {
			t.Fatal(err)
		}
		return env.Reply.Last()
	}

	want := "```\n" +
		"cron     Set schedule\n" +
		"echo     Repeat text\n" +
		"help     List commands\n" +
		"```\nAddress me with @relaybot <command>."
	if got := ask("help"); got != want {
		t.Fatalf("help:\n%s\nwant:\n%s", got, want)
	}

	got := ask("help cron")
	if !strings.HasPrefix(got, "cron: Set schedule\n") || !strings.Contains(got, "cron remove <id>") {
		t.Fatalf("help cron = %q", got)
	}
	if got := ask("help nope"); got != `error: unknown command "nope".` {
		t.Fatalf("help nope = %q", got)
	}

	if err := e.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if got := ask("help"); strings.Contains(got, "echo") {
		t.Fatalf("stopped feature still listed:\n%s", got)
	}
}
