// Package feature hosts the units of bot behavior that react to bus events,
// and the manager that starts and stops them as configuration changes.
package feature

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"relaybot/internal/engine"
	"relaybot/internal/eventbus"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/task/scheduler"
	logx "relaybot/pkg/logx"
)

// Feature is an independently registered behavior.
//
// Start must not block; long-running work belongs on goroutines owned by the
// feature (see Base). Stop undoes everything Start did.
type Feature interface {
	ID() string
	Start(ctx context.Context, deps Deps) error
	Stop(ctx context.Context) error
}

// Configurable is implemented by features that accept a config blob update
// while running.
type Configurable interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// Deps are the process-scoped services handed to every feature.
type Deps struct {
	Log       logx.Logger
	Bus       *eventbus.Bus
	Store     *storage.Service
	Scheduler *scheduler.Service
	Engines   *engine.Registry
	// Inject feeds a message into the inbound pipeline as if an engine had
	// received it.
	Inject engine.Handler
	// Config is the feature's own "config" blob.
	Config json.RawMessage
}

// Base is embedded by features to get a logger, a supervisor for the
// feature's own goroutines and bookkeeping for bus subscriptions.
//
//	type Feature struct{ feature.Base }
//	func (f *Feature) Start(ctx context.Context, d feature.Deps) error {
//		f.StartBase(ctx, d, f.ID())
//		f.Hold(eventbus.On(d.Bus, f.onEvent))
//		return nil
//	}
//	func (f *Feature) Stop(ctx context.Context) error { return f.StopBase(ctx) }
type Base struct {
	Log    logx.Logger
	Deps   Deps
	Runner *supervisor.Supervisor

	id string

	mu     sync.Mutex
	unsubs []func()
}

// StartBase wires deps and creates a supervisor tied to ctx.
func (b *Base) StartBase(ctx context.Context, deps Deps, id string) {
	b.id = id
	b.Deps = deps
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	b.Log = deps.Log.With(logx.String("feature", id))
	b.Runner = supervisor.NewSupervisor(ctx, supervisor.WithLogger(b.Log))
}

// Hold records unsubscribe funcs to be called by StopBase.
func (b *Base) Hold(unsubs ...func()) {
	b.mu.Lock()
	b.unsubs = append(b.unsubs, unsubs...)
	b.mu.Unlock()
}

// StopBase drops held subscriptions, then cancels the runner and waits
// bounded by ctx.
func (b *Base) StopBase(ctx context.Context) error {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()
	for i := len(unsubs) - 1; i >= 0; i-- {
		unsubs[i]()
	}

	if b.Runner == nil {
		return nil
	}
	b.Runner.Cancel()
	err := b.Runner.Wait(ctx)
	b.Runner = nil
	return err
}

// Audit appends e to the audit log, waiting at most 5s. Storage being
// disabled is not an error.
func (b *Base) Audit(ctx context.Context, e storage.AuditEntry) error {
	if b.Deps.Store == nil {
		return nil
	}
	if e.Feature == "" {
		e.Feature = b.id
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	actx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	select {
	case err := <-b.Deps.Store.Audit(actx, e):
		if errors.Is(err, storage.ErrDisabled) {
			return nil
		}
		return err
	case <-actx.Done():
		return actx.Err()
	}
}

// DecodeConfig decodes a feature's raw config blob into T. An empty blob
// yields the zero value.
func DecodeConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
