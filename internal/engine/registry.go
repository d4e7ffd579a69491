package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"relaybot/internal/message"
	logx "relaybot/pkg/logx"
)

var ErrUnknownEngine = errors.New("unknown engine")

// Registry holds the configured engines. Registration happens during
// bootstrap; lookups are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[ID]Engine
	order   []ID
	def     ID
	log     logx.Logger
}

func NewRegistry(defaultID ID, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{engines: map[ID]Engine{}, def: defaultID, log: log}
}

func (r *Registry) Add(e Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := e.ID()
	if _, dup := r.engines[id]; dup {
		return fmt.Errorf("engine %q registered twice", id)
	}
	r.engines[id] = e
	r.order = append(r.order, id)
	return nil
}

func (r *Registry) Get(id ID) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	return e, ok
}

// All returns the engines in registration order.
func (r *Registry) All() []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Engine, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.engines[id])
	}
	return out
}

// Default is the configured default engine, or the first registered one.
func (r *Registry) Default() ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.def != "" {
		return r.def
	}
	if len(r.order) > 0 {
		return r.order[0]
	}
	return ""
}

// Send delivers req through its engine. An empty EngineID means the default engine.
func (r *Registry) Send(ctx context.Context, req message.Request) error {
	id := ID(req.EngineID)
	if id == "" {
		id = r.Default()
	}
	e, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEngine, id)
	}
	return e.Send(ctx, req.ChannelID, req.Text)
}

// SendText implements logx.ChatSender.
func (r *Registry) SendText(ctx context.Context, engine, channel, text string) error {
	return r.Send(ctx, message.Request{EngineID: engine, ChannelID: channel, Text: text})
}

// StartAll starts every engine in parallel. If any fails, the ones that
// started are stopped again and the first error is returned.
func (r *Registry) StartAll(ctx context.Context, h Handler) error {
	engines := r.All()
	started := make([]bool, len(engines))
	// Engines outlive this call, so they get ctx rather than a group context.
	var g errgroup.Group
	for i, e := range engines {
		g.Go(func() error {
			if err := e.Start(ctx, h); err != nil {
				return fmt.Errorf("start engine %q: %w", e.ID(), err)
			}
			started[i] = true
			r.log.Info("engine started", logx.String("engine", string(e.ID())))
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for i, e := range engines {
		if started[i] {
			if serr := e.Stop(sctx); serr != nil {
				r.log.Warn("engine stop after failed start", logx.String("engine", string(e.ID())), logx.Err(serr))
			}
		}
	}
	return err
}

// StopAll stops engines in reverse registration order.
func (r *Registry) StopAll(ctx context.Context) error {
	engines := r.All()
	var errs []error
	for i := len(engines) - 1; i >= 0; i-- {
		e := engines[i]
		if err := e.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop engine %q: %w", e.ID(), err))
		}
	}
	return errors.Join(errs...)
}
