// Package console is a line-oriented engine over a reader and a writer,
// used for local runs and tests.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"relaybot/internal/engine"
	"relaybot/internal/message"
	logx "relaybot/pkg/logx"
)

const ID engine.ID = "console"

type Config struct {
	Channel string // default "console"
	User    string // sender name for every line; default "operator"
	Session message.Session
}

type Engine struct {
	cfg  Config
	log  logx.Logger
	in   io.Reader
	outW io.Writer

	gate engine.Gate
	wmu  sync.Mutex

	startOnce sync.Once
	done      chan struct{}
}

func New(cfg Config, in io.Reader, out io.Writer, log logx.Logger) *Engine {
	if strings.TrimSpace(cfg.Channel) == "" {
		cfg.Channel = "console"
	}
	if strings.TrimSpace(cfg.User) == "" {
		cfg.User = "operator"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{cfg: cfg, log: log, in: in, outW: out, done: make(chan struct{})}
}

func (e *Engine) ID() engine.ID { return ID }

func (e *Engine) Session() message.Session { return e.cfg.Session }

// Start begins reading lines. The reader is consumed once; a restarted
// engine keeps reading from where it stopped.
func (e *Engine) Start(ctx context.Context, h engine.Handler) error {
	if !e.gate.Open(h) {
		return nil
	}
	e.startOnce.Do(func() { go e.readLoop(ctx) })
	return nil
}

func (e *Engine) readLoop(ctx context.Context) {
	defer close(e.done)
	sc := bufio.NewScanner(e.in)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := message.New(string(ID), e.cfg.Channel, line,
			message.Sender{ID: e.cfg.User, UserName: e.cfg.User, DisplayName: e.cfg.User},
			e.cfg.Session, e)
		if !e.gate.Deliver(ctx, m) {
			e.log.Debug("console line dropped; engine stopped")
		}
	}
	if err := sc.Err(); err != nil {
		e.log.Warn("console read failed", logx.Err(err))
	}
}

// Done is closed when the input reaches EOF.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) Stop(ctx context.Context) error {
	_, err := e.gate.Close(ctx)
	return err
}

func (e *Engine) Send(ctx context.Context, channelID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()
	_, err := fmt.Fprintf(e.outW, "[%s] %s\n", channelID, text)
	return err
}
