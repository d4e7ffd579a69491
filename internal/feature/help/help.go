// Package help lists the verbs the bot currently answers.
package help

import (
	"context"
	"fmt"
	"strings"

	"relaybot/internal/feature"
	"relaybot/internal/feature/command"
)

const ID = "Help"

type Feature struct {
	feature.Base
}

func New() *Feature { return &Feature{} }

func (f *Feature) ID() string          { return ID }
func (f *Feature) Verb() string        { return "help" }
func (f *Feature) Description() string { return "List commands" }
func (f *Feature) Usage() string       { return "help [command]" }

func (f *Feature) Start(ctx context.Context, deps feature.Deps) error {
	f.StartBase(ctx, deps, ID)
	f.Hold(command.Dispatch(deps.Bus, f))
	return nil
}

func (f *Feature) Stop(ctx context.Context) error { return f.StopBase(ctx) }

func (f *Feature) Handle(ctx context.Context, c command.Command) error {
	handlers, err := command.Handlers(ctx, f.Deps.Bus)
	if err != nil {
		return err
	}
	prefix := c.Message.MentionPrefix()

	if verb := strings.TrimSpace(c.Args); verb != "" {
		for _, h := range handlers {
			if h.Verb() == verb {
				return c.Reply(ctx, fmt.Sprintf("%s: %s\n```\n%s\n```", h.Verb(), h.Description(), h.Usage()))
			}
		}
		return c.Reply(ctx, fmt.Sprintf("error: unknown command %q.", verb))
	}

	var b strings.Builder
	b.WriteString("```\n")
	for _, h := range handlers {
		fmt.Fprintf(&b, "%-8s %s\n", h.Verb(), h.Description())
	}
	fmt.Fprintf(&b, "```\nAddress me with %s <command>.", prefix)
	return c.Reply(ctx, b.String())
}
