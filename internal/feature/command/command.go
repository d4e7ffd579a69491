// Package command turns mention messages into verb/args commands and routes
// them to the features that handle each verb.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"relaybot/internal/eventbus"
	"relaybot/internal/feature"
	"relaybot/internal/message"
)

const ID = "Command"

const (
	KindIssued   eventbus.Kind = "command.issued"
	KindDescribe eventbus.Kind = "command.describe"
)

// Command is a mention message split into verb and arguments.
type Command struct {
	Verb    string
	Args    string
	Message message.Message
}

// Parse splits text at the first space. Text without a space is all verb.
func Parse(text string) (verb, args string) {
	verb, args, _ = strings.Cut(text, " ")
	return verb, args
}

// FromMessage builds the Command for m.
func FromMessage(m message.Message) Command {
	verb, args := Parse(m.Text)
	return Command{Verb: verb, Args: args, Message: m}
}

// Reply answers in the channel the command came from.
func (c Command) Reply(ctx context.Context, text string) error {
	return c.Message.Reply(ctx, text)
}

// Issued is published for every message that mentions the bot.
type Issued struct {
	Command
}

func (Issued) Kind() eventbus.Kind { return KindIssued }

// Describe collects the handlers currently dispatched on a bus.
type Describe struct {
	found *[]Handler
}

func (Describe) Kind() eventbus.Kind { return KindDescribe }

// Feature derives commands from mention messages. It keeps no state.
type Feature struct {
	feature.Base
}

func New() *Feature { return &Feature{} }

func (f *Feature) ID() string { return ID }

func (f *Feature) Start(ctx context.Context, deps feature.Deps) error {
	f.StartBase(ctx, deps, ID)
	bus := deps.Bus
	f.Hold(eventbus.On(bus, func(ctx context.Context, ev eventbus.MessageReceived) error {
		if !ev.Message.IsMention() {
			return nil
		}
		return bus.Publish(ctx, Issued{FromMessage(ev.Message)})
	}))
	return nil
}

func (f *Feature) Stop(ctx context.Context) error { return f.StopBase(ctx) }

// Handler is implemented by features that answer a verb.
type Handler interface {
	Verb() string
	Description() string
	Usage() string
	Handle(ctx context.Context, c Command) error
}

// Dispatch subscribes h to commands whose verb matches h.Verb(). The
// returned func unsubscribes.
func Dispatch(bus *eventbus.Bus, h Handler) func() {
	verb := h.Verb()
	unsubIssued := eventbus.On(bus, func(ctx context.Context, ev Issued) error {
		if ev.Verb != verb {
			return nil
		}
		if err := h.Handle(ctx, ev.Command); err != nil {
			return fmt.Errorf("%s: %w", verb, err)
		}
		return nil
	})
	unsubDescribe := eventbus.On(bus, func(ctx context.Context, ev Describe) error {
		*ev.found = append(*ev.found, h)
		return nil
	})
	return func() {
		unsubIssued()
		unsubDescribe()
	}
}

// Handlers returns the handlers dispatched on bus, sorted by verb.
func Handlers(ctx context.Context, bus *eventbus.Bus) ([]Handler, error) {
	var found []Handler
	if err := bus.Publish(ctx, Describe{found: &found}); err != nil {
		return nil, err
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Verb() < found[j].Verb() })
	return found, nil
}
