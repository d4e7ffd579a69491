// Package echo replies with whatever follows the "echo" verb.
package echo

import (
	"context"
	"encoding/json"
	"sync"

	"relaybot/internal/feature"
	"relaybot/internal/feature/command"
)

const ID = "Echo"

type Config struct {
	// Prefix is prepended to every reply.
	Prefix string `json:"prefix"`
}

type Feature struct {
	feature.Base

	mu  sync.RWMutex
	cfg Config
}

func New() *Feature { return &Feature{} }

func (f *Feature) ID() string          { return ID }
func (f *Feature) Verb() string        { return "echo" }
func (f *Feature) Description() string { return "Repeat text" }
func (f *Feature) Usage() string       { return "echo <text>" }

func (f *Feature) Start(ctx context.Context, deps feature.Deps) error {
	f.StartBase(ctx, deps, ID)
	if err := f.OnConfigChange(ctx, deps.Config); err != nil {
		return err
	}
	f.Hold(command.Dispatch(deps.Bus, f))
	return nil
}

func (f *Feature) Stop(ctx context.Context) error { return f.StopBase(ctx) }

func (f *Feature) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	c, err := feature.DecodeConfig[Config](raw)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.cfg = c
	f.mu.Unlock()
	return nil
}

func (f *Feature) Handle(ctx context.Context, c command.Command) error {
	f.mu.RLock()
	prefix := f.cfg.Prefix
	f.mu.RUnlock()
	if c.Args == "" {
		return c.Reply(ctx, "usage: "+f.Usage())
	}
	return c.Reply(ctx, prefix+c.Args)
}
