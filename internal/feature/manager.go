package feature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	logx "relaybot/pkg/logx"
)

// StopReason says why a feature was stopped.
type StopReason string

const (
	StopShutdown    StopReason = "shutdown"
	StopDisable     StopReason = "disable"
	StopConfigError StopReason = "config_error"
)

// Lifecycle signal types emitted on the bus tap.
const (
	SignalStarted     = "feature.started"
	SignalStartFailed = "feature.start_failed"
	SignalStopped     = "feature.stopped"
	SignalStopTimeout = "feature.stop_timeout"
	SignalConfigured  = "feature.config_applied"
)

// LifecycleInfo is the Data of feature.* signals.
type LifecycleInfo struct {
	Feature string
	Reason  string
	Err     string
	Took    time.Duration
}

const callTimeout = 10 * time.Second

// Manager starts and stops registered features according to the
// "features" config section. Features start in registration order and stop
// in reverse.
type Manager struct {
	mu sync.Mutex

	log  logx.Logger
	deps Deps

	order   []string
	reg     map[string]Feature
	run     map[string]bool
	pcancel map[string]context.CancelFunc
	rawHash map[string]uint64
	lastErr map[string]string
	since   map[string]time.Time

	// baseCtx outlives the call-scoped contexts passed to StartAll/Apply.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	bound      bool

	callTimeout time.Duration
}

// NewManager returns a manager that hands deps to every feature it starts.
// deps.Config is replaced per feature.
func NewManager(log logx.Logger, deps Deps) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		log:         log,
		deps:        deps,
		reg:         map[string]Feature{},
		run:         map[string]bool{},
		pcancel:     map[string]context.CancelFunc{},
		rawHash:     map[string]uint64{},
		lastErr:     map[string]string{},
		since:       map[string]time.Time{},
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		callTimeout: callTimeout,
	}
}

func (m *Manager) emit(typ string, info LifecycleInfo) {
	if m.deps.Bus == nil {
		return
	}
	m.deps.Bus.Notify(eventbus.Signal{Type: typ, Data: info})
}

// Register adds features. IDs must be unique.
func (m *Manager) Register(fs ...Feature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range fs {
		id := f.ID()
		if _, dup := m.reg[id]; dup {
			return fmt.Errorf("feature %q registered twice", id)
		}
		m.reg[id] = f
		m.order = append(m.order, id)
	}
	return nil
}

// BindContext cancels every feature context once appCtx is done. First bind wins.
func (m *Manager) BindContext(appCtx context.Context) {
	m.mu.Lock()
	if m.bound || appCtx == nil {
		m.mu.Unlock()
		return
	}
	m.bound = true
	cancel := m.baseCancel
	m.mu.Unlock()
	context.AfterFunc(appCtx, cancel)
}

// StartAll starts every enabled feature. Failures are logged, signalled and
// returned joined; the other features still start.
func (m *Manager) StartAll(ctx context.Context, cfg map[string]config.FeatureConfigRaw) error {
	m.BindContext(ctx)
	return m.reconcile(cfg)
}

// Apply reconciles running features with a reloaded config.
func (m *Manager) Apply(ctx context.Context, cfg map[string]config.FeatureConfigRaw) error {
	m.BindContext(ctx)
	return m.reconcile(cfg)
}

// StopAll stops running features in reverse registration order.
func (m *Manager) StopAll(ctx context.Context, reason StopReason) {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()
	for i := len(ids) - 1; i >= 0; i-- {
		m.stopOne(ctx, ids[i], reason)
	}
}

func (m *Manager) reconcile(cfg map[string]config.FeatureConfigRaw) error {
	type op struct {
		id      string
		f       Feature
		raw     json.RawMessage
		hash    uint64
		enabled bool
		running bool
	}
	m.mu.Lock()
	ops := make([]op, 0, len(m.order))
	for _, id := range m.order {
		raw, ok := cfg[id]
		ops = append(ops, op{
			id:      id,
			f:       m.reg[id],
			raw:     raw.Config,
			hash:    hashRaw(raw.Config),
			enabled: ok && raw.Enabled,
			running: m.run[id],
		})
	}
	m.mu.Unlock()

	var errs []error
	// Disable first, in reverse order, so a feature never observes a
	// dependency that is about to go away.
	for i := len(ops) - 1; i >= 0; i-- {
		o := ops[i]
		if !o.enabled && o.running {
			stopCtx, cancel := context.WithTimeout(m.baseCtx, m.callTimeout)
			m.stopOne(stopCtx, o.id, StopDisable)
			cancel()
		}
	}

	for _, o := range ops {
		switch {
		case o.enabled && !o.running:
			if err := m.startOne(o.id, o.f, o.raw, o.hash); err != nil {
				errs = append(errs, err)
			}
		case o.enabled && o.running:
			if err := m.reconfigure(o.id, o.f, o.raw, o.hash); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) startOne(id string, f Feature, raw json.RawMessage, hash uint64) error {
	pctx, cancel := context.WithCancel(m.baseCtx)
	deps := m.deps
	deps.Config = raw
	if !deps.Log.IsZero() {
		deps.Log = deps.Log.With(logx.String("feature", id))
	}

	start := time.Now()
	if err := m.startWithTimeout(id, f, pctx, cancel, deps); err != nil {
		cancel()
		m.mu.Lock()
		m.lastErr[id] = err.Error()
		m.mu.Unlock()
		m.log.Error("feature start failed", logx.String("feature", id), logx.Err(err))
		m.emit(SignalStartFailed, LifecycleInfo{Feature: id, Err: err.Error()})
		return fmt.Errorf("feature %s: %w", id, err)
	}

	m.mu.Lock()
	m.run[id] = true
	m.pcancel[id] = cancel
	m.rawHash[id] = hash
	m.since[id] = time.Now()
	delete(m.lastErr, id)
	m.mu.Unlock()

	took := time.Since(start)
	m.log.Info("feature started", logx.String("feature", id), logx.Duration("took", took))
	m.emit(SignalStarted, LifecycleInfo{Feature: id, Took: took})
	return nil
}

// reconfigure pushes a changed config blob into a running feature. Features
// that cannot take config updates live are restarted.
func (m *Manager) reconfigure(id string, f Feature, raw json.RawMessage, hash uint64) error {
	m.mu.Lock()
	old := m.rawHash[id]
	m.mu.Unlock()
	if old == hash {
		return nil
	}

	cf, ok := f.(Configurable)
	if !ok {
		m.log.Info("feature config changed; restarting", logx.String("feature", id))
		stopCtx, cancel := context.WithTimeout(m.baseCtx, m.callTimeout)
		m.stopOne(stopCtx, id, StopDisable)
		cancel()
		return m.startOne(id, f, raw, hash)
	}

	cctx, cancel := context.WithTimeout(m.baseCtx, m.callTimeout)
	err := m.safeCall("feature.config."+id, func() error { return cf.OnConfigChange(cctx, raw) })
	cancel()
	if err != nil {
		m.log.Error("feature config apply failed; stopping", logx.String("feature", id), logx.Err(err))
		stopCtx, cancel := context.WithTimeout(m.baseCtx, m.callTimeout)
		m.stopOne(stopCtx, id, StopConfigError)
		cancel()
		m.mu.Lock()
		m.lastErr[id] = err.Error()
		m.mu.Unlock()
		return fmt.Errorf("feature %s: config: %w", id, err)
	}
	m.mu.Lock()
	m.rawHash[id] = hash
	m.mu.Unlock()
	m.emit(SignalConfigured, LifecycleInfo{Feature: id})
	return nil
}

// startWithTimeout calls Start but enforces a deadline. On timeout the
// feature context is canceled and Start gets a short grace to return.
func (m *Manager) startWithTimeout(id string, f Feature, pctx context.Context, cancel context.CancelFunc, deps Deps) error {
	done := make(chan error, 1)
	go func() {
		done <- m.safeCall("feature.start."+id, func() error { return f.Start(pctx, deps) })
	}()

	t := time.NewTimer(m.callTimeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		cancel()
		grace := time.NewTimer(2 * time.Second)
		defer grace.Stop()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("start timeout (%s): %w", m.callTimeout, err)
			}
			return fmt.Errorf("start timeout (%s)", m.callTimeout)
		case <-grace.C:
			return fmt.Errorf("start timeout (%s): start did not return after cancel", m.callTimeout)
		}
	}
}

func (m *Manager) stopOne(stopCtx context.Context, id string, reason StopReason) {
	m.mu.Lock()
	f := m.reg[id]
	running := m.run[id]
	cancel := m.pcancel[id]
	m.mu.Unlock()
	if !running || f == nil {
		return
	}

	start := time.Now()
	m.log.Debug("stopping feature", logx.String("feature", id), logx.String("reason", string(reason)))

	done := make(chan struct{})
	go func() {
		if err := m.safeCall("feature.stop."+id, func() error { return f.Stop(stopCtx) }); err != nil {
			m.log.Warn("feature stop returned error", logx.String("feature", id), logx.Err(err))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		m.log.Warn("feature stop timeout (continuing)", logx.String("feature", id), logx.Err(stopCtx.Err()))
		m.emit(SignalStopTimeout, LifecycleInfo{Feature: id, Reason: string(reason), Err: stopCtx.Err().Error()})
	}
	// Cancel after Stop so features can still use their context while
	// unwinding.
	if cancel != nil {
		cancel()
	}

	m.mu.Lock()
	m.run[id] = false
	delete(m.pcancel, id)
	delete(m.rawHash, id)
	delete(m.since, id)
	m.mu.Unlock()

	took := time.Since(start)
	m.emit(SignalStopped, LifecycleInfo{Feature: id, Reason: string(reason), Took: took})
	m.log.Info("feature stopped", logx.String("feature", id), logx.String("reason", string(reason)), logx.Duration("took", took))
}

func (m *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in feature call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

// Running reports whether id is currently started.
func (m *Manager) Running(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run[id]
}

// Status is one row of a Snapshot.
type Status struct {
	ID      string    `json:"id"`
	Running bool      `json:"running"`
	Since   time.Time `json:"since,omitzero"`
	LastErr string    `json:"last_err,omitempty"`
}

// Snapshot lists registered features in registration order.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, Status{ID: id, Running: m.run[id], Since: m.since[id], LastErr: m.lastErr[id]})
	}
	return out
}

func hashRaw(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	// Canonicalize so whitespace-only edits do not count as a change.
	var v any
	b := []byte(raw)
	if err := json.Unmarshal(raw, &v); err == nil {
		if cb, err := json.Marshal(v); err == nil {
			b = cb
		}
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
