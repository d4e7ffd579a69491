// Package featuretest provides fakes for testing features against a real
// bus, an in-memory store and an unstarted scheduler.
package featuretest

import (
	"context"
	"sync"
	"testing"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/feature"
	"relaybot/internal/message"
	"relaybot/internal/storage"
	"relaybot/internal/task/scheduler"
	logx "relaybot/pkg/logx"
)

// Session is the bot identity used by Mention.
var Session = message.Session{MentionChar: "@", UserName: "relaybot"}

// Env bundles the services a feature test needs.
type Env struct {
	Deps  feature.Deps
	Mem   *storage.Memory
	Reply *Replier
}

// New builds an Env. The store service is closed when the test ends.
func New(t testing.TB) *Env {
	t.Helper()
	mem := storage.NewMemory()
	svc := storage.NewService(mem, logx.Nop(), time.Second)
	t.Cleanup(func() { _ = svc.Close() })
	bus := eventbus.New()
	return &Env{
		Deps: feature.Deps{
			Log:       logx.Nop(),
			Bus:       bus,
			Store:     svc,
			Scheduler: scheduler.New(scheduler.Config{Timezone: "UTC"}, logx.Nop(), bus),
		},
		Mem:   mem,
		Reply: &Replier{},
	}
}

// Mention builds a message addressed to the bot in channel.
func (e *Env) Mention(channel, text string) message.Message {
	raw := Session.MentionPrefix() + " " + text
	return message.New("test", channel, raw, message.Sender{ID: "u1", UserName: "alice"}, Session, e.Reply)
}

// Say publishes a MessageReceived for m and returns the publish error.
func (e *Env) Say(ctx context.Context, m message.Message) error {
	return e.Deps.Bus.Publish(ctx, eventbus.MessageReceived{Message: m})
}

// Sent is one recorded reply.
type Sent struct {
	Channel string
	Text    string
}

// Replier records replies.
type Replier struct {
	mu   sync.Mutex
	sent []Sent
}

func (r *Replier) Send(_ context.Context, channelID, text string) error {
	r.mu.Lock()
	r.sent = append(r.sent, Sent{Channel: channelID, Text: text})
	r.mu.Unlock()
	return nil
}

func (r *Replier) All() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Last returns the text of the latest reply, or "".
func (r *Replier) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return ""
	}
	return r.sent[len(r.sent)-1].Text
}
