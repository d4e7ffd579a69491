// Package cron lets users schedule bot commands with cron expressions.
//
// Schedules are persisted as one JSON document in the store and replayed
// into their channel as outbound message requests when they fire.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"

	"relaybot/internal/eventbus"
	"relaybot/internal/feature"
	"relaybot/internal/feature/command"
	"relaybot/internal/message"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

const (
	ID       = "Cron"
	Verb     = "cron"
	storeKey = "Cron"

	// Capacity is the number of schedule ids.
	Capacity = 10000
)

var ErrCapacity = errors.New("schedule count is at capacity")

const (
	replyInvalid  = "error: invalid args. confirm cron tab."
	replyCapacity = "error: schedule count is at capacity."
	replyCreated  = "Created schedule."
	replyRemoved  = "Removed schedule."
)

// Schedule is one persisted cron entry.
type Schedule struct {
	ID        int    `json:"id"`
	EngineID  string `json:"engineId,omitempty"`
	ChannelID string `json:"channelId"`
	Cron      string `json:"cron"`
	Command   string `json:"command"`
}

type document struct {
	Schedules []Schedule `json:"schedules"`
}

// Feature implements the "cron" command.
type Feature struct {
	feature.Base

	// mu guards active.
	mu     sync.Mutex
	active map[int]Schedule

	// rmw serializes read-modify-write of the persisted list.
	rmw sync.Mutex

	capacity int
	intn     func(n int) int
}

func New() *Feature {
	return &Feature{active: map[int]Schedule{}, capacity: Capacity, intn: rand.IntN}
}

func (f *Feature) ID() string          { return ID }
func (f *Feature) Verb() string        { return Verb }
func (f *Feature) Description() string { return "Set schedule" }
func (f *Feature) Usage() string {
	return strings.Join([]string{
		`cron add "* 10 * * *" @bot echo hello`,
		"cron list",
		"cron remove <id>",
	}, "\n")
}

// Start activates every persisted schedule and begins handling commands.
func (f *Feature) Start(ctx context.Context, deps feature.Deps) error {
	f.StartBase(ctx, deps, ID)
	if deps.Scheduler == nil {
		return errors.New("scheduler not available")
	}

	// An unreachable store means no schedules yet; commands still get answered.
	doc, err := f.load(ctx)
	if err != nil {
		f.Log.Warn("stored schedules unavailable; starting empty", logx.Err(err))
	}
	for _, s := range doc.Schedules {
		if err := f.activate(s); err != nil {
			f.Log.Warn("schedule not activated", logx.Int("id", s.ID), logx.String("cron", s.Cron), logx.Err(err))
		}
	}
	f.Log.Info("schedules activated", logx.Int("count", f.ActiveCount()))

	f.Hold(command.Dispatch(deps.Bus, f))
	return nil
}

// Stop deactivates every schedule. Persisted state is untouched.
func (f *Feature) Stop(ctx context.Context) error {
	f.mu.Lock()
	ids := make([]int, 0, len(f.active))
	for id := range f.active {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		f.deactivate(id)
	}
	return f.StopBase(ctx)
}

// ActiveCount is the number of schedules with a live trigger.
func (f *Feature) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

// Handle runs one cron subcommand and replies with the outcome.
func (f *Feature) Handle(ctx context.Context, c command.Command) error {
	sub, err := parse(c.Args, c.Message.Session)
	if err != nil {
		return c.Reply(ctx, replyInvalid)
	}
	switch sub := sub.(type) {
	case listCmd:
		return f.list(ctx, c)
	case addCmd:
		return f.add(ctx, c, sub)
	case removeCmd:
		return f.remove(ctx, c, sub.id)
	}
	return c.Reply(ctx, replyInvalid)
}

func (f *Feature) list(ctx context.Context, c command.Command) error {
	doc, err := f.load(ctx)
	if err != nil {
		return err
	}
	lines := make([]string, 0, len(doc.Schedules))
	for _, s := range doc.Schedules {
		lines = append(lines, fmt.Sprintf("%4d: \"%s\" %s", s.ID, s.Cron, s.Command))
	}
	return c.Reply(ctx, "```\n"+strings.Join(lines, "\n")+"\n```")
}

func (f *Feature) add(ctx context.Context, c command.Command, a addCmd) error {
	f.rmw.Lock()
	defer f.rmw.Unlock()

	doc, err := f.load(ctx)
	if err != nil {
		return err
	}
	id, err := f.allocID(doc)
	if errors.Is(err, ErrCapacity) {
		return c.Reply(ctx, replyCapacity)
	}
	s := Schedule{
		ID:        id,
		EngineID:  c.Message.EngineID,
		ChannelID: c.Message.ChannelID,
		Cron:      a.cron,
		Command:   a.command,
	}
	doc.Schedules = append(doc.Schedules, s)
	if err := f.save(ctx, doc); err != nil {
		return err
	}
	if err := f.activate(s); err != nil {
		return fmt.Errorf("activate %d: %w", id, err)
	}
	f.audit(ctx, c, "add", s)
	return c.Reply(ctx, replyCreated)
}

func (f *Feature) remove(ctx context.Context, c command.Command, id int) error {
	f.rmw.Lock()
	defer f.rmw.Unlock()

	doc, err := f.load(ctx)
	if err != nil {
		return err
	}
	kept := doc.Schedules[:0]
	var removed *Schedule
	for _, s := range doc.Schedules {
		if s.ID == id {
			removed = &s
			continue
		}
		kept = append(kept, s)
	}
	doc.Schedules = kept
	f.deactivate(id)
	if err := f.save(ctx, doc); err != nil {
		return err
	}
	if removed != nil {
		f.audit(ctx, c, "remove", *removed)
	}
	return c.Reply(ctx, replyRemoved)
}

// allocID draws ids until one is free in both the active map and the
// persisted list.
func (f *Feature) allocID(doc document) (int, error) {
	taken := map[int]struct{}{}
	f.mu.Lock()
	for id := range f.active {
		taken[id] = struct{}{}
	}
	f.mu.Unlock()
	for _, s := range doc.Schedules {
		taken[s.ID] = struct{}{}
	}
	if len(taken) >= f.capacity {
		return 0, ErrCapacity
	}
	for {
		id := f.intn(f.capacity)
		if _, ok := taken[id]; !ok {
			return id, nil
		}
	}
}

func jobName(id int) string { return "cron:" + strconv.Itoa(id) }

func (f *Feature) activate(s Schedule) error {
	if err := f.Deps.Scheduler.AddCron(jobName(s.ID), s.Cron, func(ctx context.Context) error {
		return f.fire(ctx, s)
	}); err != nil {
		return err
	}
	f.mu.Lock()
	f.active[s.ID] = s
	f.mu.Unlock()
	return nil
}

func (f *Feature) deactivate(id int) {
	f.mu.Lock()
	_, ok := f.active[id]
	delete(f.active, id)
	f.mu.Unlock()
	if ok {
		f.Deps.Scheduler.Remove(jobName(id))
	}
}

// fire replays the schedule's command into its channel.
func (f *Feature) fire(ctx context.Context, s Schedule) error {
	f.Log.Debug("schedule fired", logx.Int("id", s.ID), logx.String("channel", s.ChannelID))
	return f.Deps.Bus.Publish(ctx, eventbus.MessageRequested{Request: message.Request{
		EngineID:  s.EngineID,
		ChannelID: s.ChannelID,
		Text:      s.Command,
	}})
}

// Schedules returns the active schedules ordered by id.
func (f *Feature) Schedules() []Schedule {
	f.mu.Lock()
	out := make([]Schedule, 0, len(f.active))
	for _, s := range f.active {
		out = append(out, s)
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// load reads the persisted list. A missing or unreadable document is empty.
func (f *Feature) load(ctx context.Context) (document, error) {
	var doc document
	raw, found, err := f.Deps.Store.Load(ctx, storeKey)
	if err != nil {
		return doc, err
	}
	if !found || raw == "" {
		return doc, nil
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		f.Log.Warn("stored schedules unreadable; starting empty", logx.Err(err))
		return document{}, nil
	}
	return doc, nil
}

func (f *Feature) save(ctx context.Context, doc document) error {
	if doc.Schedules == nil {
		doc.Schedules = []Schedule{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return f.Deps.Store.Save(ctx, storeKey, string(b))
}

func (f *Feature) audit(ctx context.Context, c command.Command, action string, s Schedule) {
	meta, _ := json.Marshal(s)
	e := storage.AuditEntry{
		EngineID:  c.Message.EngineID,
		ChannelID: c.Message.ChannelID,
		ActorID:   c.Message.Sender.ID,
		Action:    action,
		Target:    strconv.Itoa(s.ID),
		MetaJSON:  string(meta),
	}
	if err := f.Audit(ctx, e); err != nil {
		f.Log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}
