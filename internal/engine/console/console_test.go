package console

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"relaybot/internal/message"
	logx "relaybot/pkg/logx"
)

func TestConsoleDeliversAndReplies(t *testing.T) {
	t.Parallel()
	in := strings.NewReader("@relaybot echo hi\n\nplain text\n")
	var out bytes.Buffer
	e := New(Config{Session: message.Session{MentionChar: "@", UserName: "relaybot"}}, in, &out, logx.Nop())

	var (
		mu  sync.Mutex
		got []message.Message
	)
	err := e.Start(context.Background(), func(ctx context.Context, m message.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		if m.IsMention() {
			_ = m.Reply(ctx, "reply:"+m.Text)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not reach EOF")
	}

	mu.Lock()
	defer mu.Unlock()
	var texts []string
	for _, m := range got {
		texts = append(texts, m.Text)
	}
	if diff := cmp.Diff([]string{"echo hi", "plain text"}, texts); diff != "" {
		t.Fatalf("texts (-want +got):\n%s", diff)
	}
	if got[0].EngineID != "console" || got[0].ChannelID != "console" || got[0].Sender.UserName != "operator" {
		t.Fatalf("message = %+v", got[0])
	}
	if out.String() != "[console] reply:echo hi\n" {
		t.Fatalf("output = %q", out.String())
	}
}

func TestConsoleStopIsIdempotentAndFinal(t *testing.T) {
	t.Parallel()
	r, w := ioPipe()
	e := New(Config{}, r, &bytes.Buffer{}, logx.Nop())
	delivered := make(chan string, 4)
	if err := e.Start(context.Background(), func(_ context.Context, m message.Message) { delivered <- m.Raw }); err != nil {
		t.Fatal(err)
	}
	w.line("first")
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("first line not delivered")
	}

	ctx := context.Background()
	if err := e.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	w.line("after stop")
	w.close()
	<-e.Done()
	select {
	case m := <-delivered:
		t.Fatalf("delivered %q after Stop", m)
	default:
	}
}
