package cron

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/adhocore/gronx"
	robfig "github.com/robfig/cron/v3"

	"relaybot/internal/message"
)

var ErrInvalidArgs = errors.New("invalid args")

var (
	addPattern    = regexp.MustCompile(`^add "(.+? .+? .+? .+? .+?)" (.+)$`)
	removePattern = regexp.MustCompile(`^remove (\d+)$`)
)

type subcommand interface{ subcommand() }

type listCmd struct{}

type addCmd struct {
	cron    string
	command string
}

type removeCmd struct {
	id int
}

func (listCmd) subcommand()   {}
func (addCmd) subcommand()    {}
func (removeCmd) subcommand() {}

// parse reads the arguments of a "cron" command. The command text of an add
// is prefixed with the session's mention so that it is handled as a mention
// again when replayed.
func parse(args string, s message.Session) (subcommand, error) {
	if args == "list" {
		return listCmd{}, nil
	}
	if m := addPattern.FindStringSubmatch(args); m != nil {
		if !validCron(m[1]) {
			return nil, ErrInvalidArgs
		}
		return addCmd{cron: m[1], command: s.MentionPrefix() + " " + m[2]}, nil
	}
	if m := removePattern.FindStringSubmatch(args); m != nil {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, ErrInvalidArgs
		}
		return removeCmd{id: id}, nil
	}
	return nil, ErrInvalidArgs
}

// validCron accepts classic five-field expressions that both the syntax
// checker and the trigger parser understand.
func validCron(expr string) bool {
	if len(strings.Fields(expr)) != 5 {
		return false
	}
	g := gronx.New()
	if !g.IsValid(expr) {
		return false
	}
	_, err := robfig.ParseStandard(expr)
	return err == nil
}
