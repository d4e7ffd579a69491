// Package outbound delivers MessageRequested events through the engines.
//
// Sends are throttled per channel. A request whose text mentions the bot is
// also fed back into the inbound pipeline, so a replayed schedule such as
// "@relaybot echo hi" is handled like a typed command.
package outbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/engine"
	"relaybot/internal/eventbus"
	"relaybot/internal/feature"
	"relaybot/internal/message"
	logx "relaybot/pkg/logx"
)

const ID = "Outbound"

const SignalSent = "outbound.sent"

// SendInfo is the Data of a SignalSent signal.
type SendInfo struct {
	EngineID  string
	ChannelID string
	Err       error
}

type Options struct {
	// RatePerSec and Burst bound sends per channel. RatePerSec <= 0 disables throttling.
	RatePerSec float64
	Burst      int
	// Loopback feeds mention requests back into the pipeline.
	Loopback bool
	// Session is used for engines that do not report their own.
	Session message.Session
}

const (
	limiterIdle = 10 * time.Minute
	limiterMax  = 1024
)

type limiterEntry struct {
	lim  *rate.Limiter
	used time.Time
}

type Feature struct {
	feature.Base

	mu       sync.Mutex
	opts     Options
	limiters map[string]*limiterEntry
}

func New(opts Options) *Feature {
	return &Feature{opts: opts, limiters: map[string]*limiterEntry{}}
}

func (f *Feature) ID() string { return ID }

func (f *Feature) Start(ctx context.Context, deps feature.Deps) error {
	f.StartBase(ctx, deps, ID)
	if deps.Engines == nil {
		return fmt.Errorf("engine registry not available")
	}
	f.Hold(eventbus.On(deps.Bus, f.onRequest))
	f.Runner.Go0("limiters.prune", func(ctx context.Context) {
		t := time.NewTicker(limiterIdle)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				f.prune(now)
			}
		}
	})
	return nil
}

func (f *Feature) Stop(ctx context.Context) error { return f.StopBase(ctx) }

// SetRate changes throttling for channels seen from now on and resets
// existing limiters.
func (f *Feature) SetRate(perSec float64, burst int) {
	f.mu.Lock()
	f.opts.RatePerSec = perSec
	f.opts.Burst = burst
	clear(f.limiters)
	f.mu.Unlock()
}

func (f *Feature) onRequest(ctx context.Context, ev eventbus.MessageRequested) error {
	req := ev.Request
	if req.EngineID == "" {
		req.EngineID = string(f.Deps.Engines.Default())
	}

	if lim := f.limiter(req.EngineID + "/" + req.ChannelID); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			f.notify(req, err)
			return fmt.Errorf("throttled %s/%s: %w", req.EngineID, req.ChannelID, err)
		}
	}

	err := f.Deps.Engines.Send(ctx, req)
	f.notify(req, err)
	if err != nil {
		return fmt.Errorf("send %s/%s: %w", req.EngineID, req.ChannelID, err)
	}
	f.Log.Debug("request sent", logx.String("engine", req.EngineID), logx.String("channel", req.ChannelID))

	f.mu.Lock()
	loopback := f.opts.Loopback
	f.mu.Unlock()
	if loopback {
		f.replay(ctx, req)
	}
	return nil
}

func (f *Feature) replay(ctx context.Context, req message.Request) {
	if f.Deps.Inject == nil {
		return
	}
	e, ok := f.Deps.Engines.Get(engine.ID(req.EngineID))
	if !ok {
		return
	}
	f.mu.Lock()
	fallback := f.opts.Session
	f.mu.Unlock()
	session := engine.SessionOf(e, fallback)
	sender := message.Sender{ID: session.UserName, UserName: session.UserName, DisplayName: "schedule"}
	m := message.New(req.EngineID, req.ChannelID, req.Text, sender, session, e)
	if !m.IsMention() {
		return
	}
	// The pipeline job outlives the caller, which may be a schedule run
	// whose context is canceled on return.
	f.Deps.Inject(context.WithoutCancel(ctx), m)
}

func (f *Feature) limiter(key string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opts.RatePerSec <= 0 {
		return nil
	}
	now := time.Now()
	if e, ok := f.limiters[key]; ok {
		e.used = now
		return e.lim
	}
	if len(f.limiters) >= limiterMax {
		f.pruneLocked(now)
	}
	burst := max(f.opts.Burst, 1)
	e := &limiterEntry{lim: rate.NewLimiter(rate.Limit(f.opts.RatePerSec), burst), used: now}
	f.limiters[key] = e
	return e.lim
}

// prune drops limiters idle for longer than limiterIdle.
func (f *Feature) prune(now time.Time) {
	f.mu.Lock()
	f.pruneLocked(now)
	f.mu.Unlock()
}

func (f *Feature) pruneLocked(now time.Time) {
	for k, e := range f.limiters {
		if now.Sub(e.used) > limiterIdle {
			delete(f.limiters, k)
		}
	}
}

func (f *Feature) notify(req message.Request, err error) {
	if f.Deps.Bus == nil {
		return
	}
	f.Deps.Bus.Notify(eventbus.Signal{Type: SignalSent, Data: SendInfo{EngineID: req.EngineID, ChannelID: req.ChannelID, Err: err}})
}
