package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"relaybot/internal/engine"
	"relaybot/internal/eventbus"
	"relaybot/internal/feature/featuretest"
	"relaybot/internal/message"
	logx "relaybot/pkg/logx"
)

type fakeEngine struct {
	id engine.ID

	mu   sync.Mutex
	sent []message.Request
}

func (e *fakeEngine) ID() engine.ID                                   { return e.id }
func (e *fakeEngine) Start(ctx context.Context, h engine.Handler) error { return nil }
func (e *fakeEngine) Stop(ctx context.Context) error                  { return nil }
func (e *fakeEngine) Send(ctx context.Context, channelID, text string) error {
	e.mu.Lock()
	e.sent = append(e.sent, message.Request{EngineID: string(e.id), ChannelID: channelID, Text: text})
	e.mu.Unlock()
	return nil
}
func (e *fakeEngine) Session() message.Session { return featuretest.Session }

func (e *fakeEngine) all() []message.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]message.Request(nil), e.sent...)
}

func setup(t *testing.T, opts Options) (*featuretest.Env, *fakeEngine, *[]message.Message) {
	t.Helper()
	env := featuretest.New(t)
	fe := &fakeEngine{id: "chat"}
	reg := engine.NewRegistry("", logx.Nop())
	if err := reg.Add(fe); err != nil {
		t.Fatal(err)
	}
	env.Deps.Engines = reg

	var (
		mu       sync.Mutex
		injected []message.Message
	)
	env.Deps.Inject = func(ctx context.Context, m message.Message) {
		mu.Lock()
		injected = append(injected, m)
		mu.Unlock()
	}

	f := New(opts)
	if err := f.Start(context.Background(), env.Deps); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = f.Stop(context.Background()) })
	return env, fe, &injected
}

func request(ctx context.Context, env *featuretest.Env, r message.Request) error {
	return env.Deps.Bus.Publish(ctx, eventbus.MessageRequested{Request: r})
}

func TestSendsThroughDefaultEngine(t *testing.T) {
	t.Parallel()
	env, fe, injected := setup(t, Options{})
	ctx := context.Background()

	if err := request(ctx, env, message.Request{ChannelID: "c1", Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := request(ctx, env, message.Request{EngineID: "chat", ChannelID: "c2", Text: "@relaybot echo hi"}); err != nil {
		t.Fatal(err)
	}
	want := []message.Request{
		{EngineID: "chat", ChannelID: "c1", Text: "hello"},
		{EngineID: "chat", ChannelID: "c2", Text: "@relaybot echo hi"},
	}
	if diff := cmp.Diff(want, fe.all()); diff != "" {
		t.Fatalf("sent (-want +got):\n%s", diff)
	}
	if len(*injected) != 0 {
		t.Fatal("loopback disabled but messages were injected")
	}

	err := request(ctx, env, message.Request{EngineID: "gone", ChannelID: "c1", Text: "x"})
	if !errors.Is(err, engine.ErrUnknownEngine) {
		t.Fatalf("unknown engine err = %v", err)
	}
}

func TestLoopbackInjectsMentions(t *testing.T) {
	t.Parallel()
	env, _, injected := setup(t, Options{Loopback: true})
	ctx := context.Background()

	for _, text := range []string{"@relaybot echo hi", "just text"} {
		if err := request(ctx, env, message.Request{ChannelID: "c1", Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	if len(*injected) != 1 {
		t.Fatalf("injected %d messages, want 1", len(*injected))
	}
	m := (*injected)[0]
	if m.Text != "echo hi" || m.EngineID != "chat" || m.ChannelID != "c1" || !m.IsMention() {
		t.Fatalf("injected message = %+v", m)
	}
}

func TestPerChannelThrottle(t *testing.T) {
	t.Parallel()
	env, fe, _ := setup(t, Options{RatePerSec: 0.5, Burst: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := request(ctx, env, message.Request{ChannelID: "c1", Text: "one"}); err != nil {
		t.Fatal(err)
	}
	// Another channel has its own budget.
	if err := request(ctx, env, message.Request{ChannelID: "c2", Text: "other"}); err != nil {
		t.Fatal(err)
	}
	if err := request(ctx, env, message.Request{ChannelID: "c1", Text: "two"}); err == nil {
		t.Fatal("second send within the window was not throttled")
	}
	if n := len(fe.all()); n != 2 {
		t.Fatalf("sent %d, want 2", n)
	}
}

func TestSignalsSends(t *testing.T) {
	t.Parallel()
	env, _, _ := setup(t, Options{})
	sigs, cancel := env.Deps.Bus.Tap(16)
	defer cancel()

	_ = request(context.Background(), env, message.Request{ChannelID: "c1", Text: "x"})
	for {
		select {
		case s := <-sigs:
			if s.Type != SignalSent {
				continue
			}
			info := s.Data.(SendInfo)
			if info.EngineID != "chat" || info.ChannelID != "c1" || info.Err != nil {
				t.Fatalf("send info = %+v", info)
			}
			return
		case <-time.After(time.Second):
			t.Fatal("no outbound.sent signal")
		}
	}
}

func TestPruneDropsIdleLimiters(t *testing.T) {
	t.Parallel()
	env := featuretest.New(t)
	env.Deps.Engines = engine.NewRegistry("", logx.Nop())
	f := New(Options{RatePerSec: 1, Burst: 1})
	if err := f.Start(context.Background(), env.Deps); err != nil {
		t.Fatal(err)
	}
	runner := f.Runner
	if c := runner.Counters(); c.Started != 1 {
		t.Fatalf("runner started %d goroutines, want 1", c.Started)
	}

	f.limiter("chat/old")
	f.mu.Lock()
	f.limiters["chat/old"].used = time.Now().Add(-2 * limiterIdle)
	f.mu.Unlock()
	f.limiter("chat/new")

	f.prune(time.Now())
	f.mu.Lock()
	_, oldKept := f.limiters["chat/old"]
	_, newKept := f.limiters["chat/new"]
	f.mu.Unlock()
	if oldKept || !newKept {
		t.Fatalf("after prune old=%v new=%v, want old dropped and new kept", oldKept, newKept)
	}

	if err := f.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c := runner.Counters(); c.Active != 0 {
		t.Fatalf("prune loop still running: %+v", c)
	}
}
