// Package message holds the value types that flow from chat engines into the
// pipeline and the feature bus.
package message

import (
	"context"
	"errors"
	"strings"
)

var ErrNoReplier = errors.New("message: no reply capability")

// Sender is the author of an inbound message.
type Sender struct {
	ID          string
	UserName    string
	DisplayName string
}

// Session is the bot's identity in the channel a message arrived on.
type Session struct {
	MentionChar string
	UserName    string
}

// MentionPrefix is the token a user prepends to address the bot.
func (s Session) MentionPrefix() string { return s.MentionChar + s.UserName }

// Replier sends text back into a channel. Engines implement it.
type Replier interface {
	Send(ctx context.Context, channelID, text string) error
}

// Message is one inbound chat message. It is passed by value and never
// mutated after New returns.
type Message struct {
	EngineID  string
	ChannelID string
	// Text is Raw with the mention prefix stripped.
	Text   string
	Raw    string
	Sender Sender
	Session

	replier Replier
}

// New builds a Message, normalizing raw against the session's mention prefix.
func New(engineID, channelID, raw string, sender Sender, session Session, r Replier) Message {
	return Message{
		EngineID:  engineID,
		ChannelID: channelID,
		Text:      Normalize(session, raw),
		Raw:       raw,
		Sender:    sender,
		Session:   session,
		replier:   r,
	}
}

// Normalize strips the mention prefix (and the spaces after it) from raw.
// Text that does not start with the prefix is returned unchanged.
func Normalize(s Session, raw string) string {
	prefix := s.MentionPrefix()
	if prefix == "" || !strings.HasPrefix(raw, prefix) {
		return raw
	}
	return strings.TrimLeft(raw[len(prefix):], " ")
}

// IsMention reports whether the message addressed the bot.
func (m Message) IsMention() bool { return m.Text != m.Raw }

// Reply sends text to the message's channel through the engine that received it.
func (m Message) Reply(ctx context.Context, text string) error {
	if m.replier == nil {
		return ErrNoReplier
	}
	return m.replier.Send(ctx, m.ChannelID, text)
}

// Request asks for an outbound message. An empty EngineID means the default engine.
type Request struct {
	EngineID  string
	ChannelID string
	Text      string
}
