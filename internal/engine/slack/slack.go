// Package slack is the Slack engine, connected over Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"relaybot/internal/engine"
	"relaybot/internal/message"
	rtsup "relaybot/internal/runtime/supervisor"
	logx "relaybot/pkg/logx"
)

const ID engine.ID = "slack"

type Config struct {
	BotToken string
	AppToken string
	// Session.UserName is replaced by the bot's own name once authenticated.
	Session message.Session
}

type Engine struct {
	cfg    Config
	log    logx.Logger
	client *slackapi.Client

	gate engine.Gate

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	session message.Session
	botID   string
}

func New(cfg Config, log logx.Logger) (*Engine, error) {
	if strings.TrimSpace(cfg.BotToken) == "" || strings.TrimSpace(cfg.AppToken) == "" {
		return nil, errors.New("slack bot and app tokens are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:     cfg,
		log:     log,
		client:  slackapi.New(cfg.BotToken, slackapi.OptionAppLevelToken(cfg.AppToken)),
		session: cfg.Session,
	}, nil
}

func (e *Engine) ID() engine.ID { return ID }

func (e *Engine) Session() message.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Start authenticates to learn the bot identity, then runs the socket-mode
// connection and its event loop in the background.
func (e *Engine) Start(ctx context.Context, h engine.Handler) error {
	auth, err := e.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	if !e.gate.Open(h) {
		return nil
	}

	e.mu.Lock()
	e.botID = auth.UserID
	if auth.User != "" {
		e.session.UserName = auth.User
	}
	e.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(e.log.With(logx.String("comp", "slack.engine"))),
		rtsup.WithCancelOnError(false),
	)
	sup := e.sup
	e.mu.Unlock()

	sm := socketmode.New(e.client)
	sup.GoRestart("socketmode.run", func(c context.Context) error {
		return sm.RunContext(c)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	sup.Go0("socketmode.events", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case evt, ok := <-sm.Events:
				if !ok {
					return
				}
				e.handleEvent(c, sm, evt)
			}
		}
	})
	e.log.Info("slack connected", logx.String("bot", auth.User), logx.String("team", auth.Team))
	return nil
}

func (e *Engine) handleEvent(ctx context.Context, sm *socketmode.Client, evt socketmode.Event) {
	if evt.Request != nil {
		sm.Ack(*evt.Request)
	}
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	api, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok || api.Type != slackevents.CallbackEvent {
		return
	}
	inner, ok := api.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || inner.BotID != "" || inner.SubType != "" {
		return
	}

	session, botID := e.identity()
	text := rewriteMention(inner.Text, botID, session.MentionPrefix())
	m := message.New(string(ID), inner.Channel, text,
		message.Sender{ID: inner.User, UserName: inner.User},
		session, e)
	e.gate.Deliver(ctx, m)
}

func (e *Engine) identity() (message.Session, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, e.botID
}

var reUserMention = regexp.MustCompile(`^<@([A-Z0-9]+)(?:\|[^>]*)?>`)

// rewriteMention turns a leading "<@BOTID>" into the mention prefix so the
// message normalizes like on every other engine.
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
	sup := e.sup
	e.sup = nil
	e.mu.Unlock()
	if !wasRunning || sup == nil {
		return err
	}
	if werr := sup.Stop(ctx); werr != nil && !errors.Is(werr, context.Canceled) {
		e.log.Warn("slack stop", logx.Err(werr))
	}
	return err
}

func (e *Engine) Send(ctx context.Context, channelID, text string) error {
	if _, _, err := e.client.PostMessageContext(ctx, channelID, slackapi.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}
