// Package discord is the Discord engine, a discordgo gateway session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"relaybot/internal/engine"
	"relaybot/internal/message"
	logx "relaybot/pkg/logx"
)

const ID engine.ID = "discord"

type Config struct {
	Token string
	// Session.UserName is replaced by the bot's own name once the gateway is ready.
	Session message.Session
}

type Engine struct {
	cfg Config
	log logx.Logger
	dg  *discordgo.Session

	gate engine.Gate

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	session message.Session
	open    bool
}

func New(cfg Config, log logx.Logger) (*Engine, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentGuildMessages | discordgo.IntentDirectMessages | discordgo.IntentMessageContent
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{cfg: cfg, log: log, dg: dg, session: cfg.Session}
	dg.AddHandler(e.onMessage)
	return e, nil
}

func (e *Engine) ID() engine.ID { return ID }

func (e *Engine) Session() message.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Engine) Start(ctx context.Context, h engine.Handler) error {
	if !e.gate.Open(h) {
		return nil
	}
	e.mu.Lock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if err := e.dg.Open(); err != nil {
		_, _ = e.gate.Close(ctx)
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	e.mu.Lock()
	e.open = true
	if u := e.dg.State.User; u != nil && u.Username != "" {
		e.session.UserName = u.Username
	}
	name := e.session.UserName
	e.mu.Unlock()
	e.log.Info("discord connected", logx.String("bot", name))
	return nil
}

func (e *Engine) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	e.mu.Lock()
	ctx, session := e.ctx, e.session
	e.mu.Unlock()
	if ctx == nil {
		return
	}

	var botID string
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	text := rewriteMention(m.Content, botID, session.MentionPrefix())
	msg := message.New(string(ID), m.ChannelID, text,
		message.Sender{ID: m.Author.ID, UserName: m.Author.Username, DisplayName: m.Author.GlobalName},
		session, e)
	e.gate.Deliver(ctx, msg)
}

var reUserMention = regexp.MustCompile(`^<@!?(\d+)>`)

// rewriteMention turns a leading "<@BOTID>" into the mention prefix.
func rewriteMention(text, botID, prefix string) string {
	m := reUserMention.FindStringSubmatchIndex(text)
	if m == nil || botID == "" || text[m[2]:m[3]] != botID {
		return text
	}
	return prefix + text[m[1]:]
}

func (e *Engine) Stop(ctx context.Context) error {
	wasRunning, err := e.gate.Close(ctx)
	e.mu.Lock()
	open := e.open
	e.open = false
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	if !wasRunning || !open {
		return err
	}
	if cerr := e.dg.Close(); cerr != nil {
		return errors.Join(err, fmt.Errorf("discord: close: %w", cerr))
	}
	return err
}

func (e *Engine) Send(ctx context.Context, channelID, text string) error {
	if _, err := e.dg.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send: %w", err)
	}
	return nil
}
