package eventbus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"relaybot/internal/message"
)

type ping struct{ N int }

func (ping) Kind() Kind { return "test.ping" }

type pong struct{ N int }

func (pong) Kind() Kind { return "test.pong" }

func TestFanOutInSubscriptionOrder(t *testing.T) {
	t.Parallel()
	b := New()
	var got []string
	for _, name := range []string{"S1", "S2", "S3"} {
		name := name
		On(b, func(ctx context.Context, p ping) error {
			got = append(got, name+":"+string(rune('0'+p.N)))
			return nil
		})
	}
	On(b, func(ctx context.Context, p pong) error {
		got = append(got, "pong")
		return nil
	})

	if err := b.Publish(context.Background(), ping{N: 7}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if diff := cmp.Diff([]string{"S1:7", "S2:7", "S3:7"}, got); diff != "" {
		t.Fatalf("deliveries (-want +got):\n%s", diff)
	}
}

func TestPublishStopsAtFirstError(t *testing.T) {
	t.Parallel()
	b := New()
	boom := errors.New("boom")
	var after bool
	On(b, func(ctx context.Context, p ping) error { return boom })
	On(b, func(ctx context.Context, p ping) error { after = true; return nil })

	err := b.Publish(context.Background(), ping{})
	if !errors.Is(err, boom) || !strings.HasPrefix(err.Error(), "test.ping: ") {
		t.Fatalf("err = %v", err)
	}
	if after {
		t.Fatal("subscriber after the failing one was invoked")
	}
}

func TestReentrantPublish(t *testing.T) {
	t.Parallel()
	b := New()
	var pongs int
	On(b, func(ctx context.Context, p ping) error {
		if p.N > 0 {
			return b.Publish(ctx, pong{N: p.N})
		}
		return nil
	})
	On(b, func(ctx context.Context, p pong) error {
		pongs++
		// Subscribing from inside a callback must not deadlock either.
		b.Subscribe("test.other", func(context.Context, Event) error { return nil })
		return b.Publish(ctx, ping{N: 0})
	})

	done := make(chan error, 1)
	go func() { done <- b.Publish(context.Background(), ping{N: 1}) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant publish deadlocked")
	}
	if pongs != 1 {
		t.Fatalf("pongs = %d", pongs)
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	var n int
	unsub := On(b, func(ctx context.Context, p ping) error { n++; return nil })
	_ = b.Publish(context.Background(), ping{})
	unsub()
	unsub()
	_ = b.Publish(context.Background(), ping{})
	if n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
	if b.Subscribers(ping{}.Kind()) != 0 {
		t.Fatal("subscription not removed")
	}
}

func TestTapObservesPublish(t *testing.T) {
	t.Parallel()
	b := New()
	ch, cancel := b.Tap(4)
	defer cancel()

	On(b, func(ctx context.Context, ev MessageReceived) error { return nil })
	m := message.New("console", "c", "hi", message.Sender{}, message.Session{}, nil)
	if err := b.Publish(context.Background(), MessageReceived{Message: m}); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-ch:
		info, ok := s.Data.(PublishInfo)
		if s.Type != SignalPublish || !ok {
			t.Fatalf("signal = %+v", s)
		}
		if info.Kind != KindMessageReceived || info.Subscribers != 1 || info.Err != nil {
			t.Fatalf("info = %+v", info)
		}
	case <-time.After(time.Second):
		t.Fatal("no signal")
	}
}

func TestNotifyNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, cancel := b.Tap(1)
	for i := 0; i < 100; i++ {
		b.Notify(Signal{Type: "x"})
	}
	cancel()
	cancel()
	b.Notify(Signal{Type: "after-cancel"})
}
