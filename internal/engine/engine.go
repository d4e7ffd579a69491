// Package engine defines the contract chat backends implement and the
// registry the bot uses to reach them.
package engine

import (
	"context"
	"sync"

	"relaybot/internal/message"
)

// ID names an engine instance, e.g. "telegram" or "console".
type ID string

// Handler is invoked once per inbound message, on the engine's goroutine.
type Handler func(ctx context.Context, m message.Message)

// Engine is a chat backend.
//
// Start returns without blocking; delivery happens on the engine's own
// goroutines. Stop is idempotent, and once it returns the handler is not
// invoked again.
type Engine interface {
	ID() ID
	Start(ctx context.Context, h Handler) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, channelID, text string) error
}

// SessionProvider is implemented by engines that know the bot's identity
// on their backend.
type SessionProvider interface {
	Session() message.Session
}

// SessionOf returns e's session, or fallback if e does not provide one.
func SessionOf(e Engine, fallback message.Session) message.Session {
	if sp, ok := e.(SessionProvider); ok {
		if s := sp.Session(); s.UserName != "" {
			return s
		}
	}
	return fallback
}

// Gate implements the delivery half of the Engine contract. Adapters open it
// in Start, pass every inbound message through Deliver, and close it in Stop.
type Gate struct {
	mu       sync.Mutex
	running  bool
	handler  Handler
	inflight sync.WaitGroup
}

// Open arms the gate with h. It returns false if the gate is already open.
func (g *Gate) Open(h Handler) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return false
	}
	g.running = true
	g.handler = h
	return true
}

func (g *Gate) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Deliver invokes the handler unless the gate is closed. It reports whether
// the message was delivered.
func (g *Gate) Deliver(ctx context.Context, m message.Message) bool {
	g.mu.Lock()
	if !g.running || g.handler == nil {
		g.mu.Unlock()
		return false
	}
	h := g.handler
	g.inflight.Add(1)
	g.mu.Unlock()

	defer g.inflight.Done()
	h(ctx, m)
	return true
}

// Close stops new deliveries and waits for in-flight ones (bounded by ctx).
// It reports whether the gate was open.
func (g *Gate) Close(ctx context.Context) (bool, error) {
	g.mu.Lock()
	was := g.running
	g.running = false
	g.handler = nil
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return was, nil
	case <-ctx.Done():
		return was, ctx.Err()
	}
}
