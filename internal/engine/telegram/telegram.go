// Package telegram is the Telegram engine, a long-polling telebot client.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/engine"
	"relaybot/internal/message"
	rtsup "relaybot/internal/runtime/supervisor"
	logx "relaybot/pkg/logx"
)

const ID engine.ID = "telegram"

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Session.UserName is replaced by the bot's own username once connected.
	Session message.Session
}

type Engine struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	session message.Session
	gate    engine.Gate

	runMu sync.Mutex
	// sup owns the poll loop and the stop watcher; created on Start, cancelled on Stop.
	sup *rtsup.Supervisor
	ctx context.Context
}

func New(cfg Config, log logx.Logger) (*Engine, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{cfg: cfg, log: log, bot: b, session: cfg.Session}
	if b.Me != nil && b.Me.Username != "" {
		e.session.UserName = b.Me.Username
	}
	e.registerHandlers()
	return e, nil
}

func (e *Engine) ID() engine.ID { return ID }

// Session is the bot identity learned from getMe.
func (e *Engine) Session() message.Session { return e.session }

func (e *Engine) registerHandlers() {
	e.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		var sender message.Sender
		if m.Sender != nil {
			sender = message.Sender{
				ID:          strconv.FormatInt(m.Sender.ID, 10),
				UserName:    m.Sender.Username,
				DisplayName: strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName),
			}
		}
		msg := message.New(string(ID), formatChannel(m.Chat.ID, m.ThreadID), m.Text, sender, e.session, e)
		e.gate.Deliver(e.runCtx(), msg)
		return nil
	})
}

func (e *Engine) runCtx() context.Context {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) Start(ctx context.Context, h engine.Handler) error {
	if !e.gate.Open(h) {
		return nil
	}
	e.runMu.Lock()
	e.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(e.log.With(logx.String("comp", "telegram.engine"))),
		// engine errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := e.sup
	e.ctx = sup.Context()
	e.runMu.Unlock()

	// Ensure we stop telebot when the engine context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		e.bot.Stop()
	})

	// telebot's Start is a long-running loop that can exit unexpectedly;
	// run it under a restart loop so the engine self-heals.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		e.log.Info("polling started", logx.String("bot", e.session.UserName))
		e.bot.Start()
		e.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop never blocks shutdown for long on the getUpdates long poll.
func (e *Engine) Stop(ctx context.Context) error {
	wasRunning, err := e.gate.Close(ctx)

	e.runMu.Lock()
	sup := e.sup
	e.sup = nil
	e.runMu.Unlock()

	if !wasRunning || sup == nil {
		return err
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if werr := sup.Wait(wctx); werr != nil {
		if errors.Is(werr, context.DeadlineExceeded) || errors.Is(werr, context.Canceled) {
			e.log.Warn("telegram stop timed out", logx.Err(werr))
		} else {
			e.log.Debug("telegram stopped with supervisor error", logx.Err(werr))
		}
	}
	return err
}

// Send posts text to channelID, split into chunks Telegram accepts.
func (e *Engine) Send(ctx context.Context, channelID, text string) error {
	chatID, threadID, err := parseChannel(channelID)
	if err != nil {
		return err
	}
	chat := &tele.Chat{ID: chatID}
	chunks := splitText(text, textLimit)
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.bot.Send(chat, chunk, &tele.SendOptions{ThreadID: threadID}); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// Channel ids are "<chat>" or "<chat>/<thread>" for forum topics.
func formatChannel(chatID int64, threadID int) string {
	if threadID == 0 {
		return strconv.FormatInt(chatID, 10)
	}
	return strconv.FormatInt(chatID, 10) + "/" + strconv.Itoa(threadID)
}

func parseChannel(s string) (int64, int, error) {
	chat, thread, hasThread := strings.Cut(strings.TrimSpace(s), "/")
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram channel %q: %w", s, err)
	}
	if !hasThread {
		return chatID, 0, nil
	}
	threadID, err := strconv.Atoi(thread)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram thread in %q: %w", s, err)
	}
	return chatID, threadID, nil
}

const textLimit = 4000

// splitText splits long messages into chunks that are safe to send to Telegram,
// preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			// Cut after the last newline in the window unless that leaves a tiny chunk.
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
