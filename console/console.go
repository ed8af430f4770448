// Package console is the operator REPL: the thin interactive surface over
// the keysmith service, standing in for the chat-platform glue.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ergochat/readline"

	"github.com/vorahub/keysmith"
)

type Console struct {
	Service *keysmith.Keysmith
	rl      *readline.Instance
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("issue"),
	readline.PcItem("redeem"),
	readline.PcItem("keys"),
	readline.PcItem("fresh"),
	readline.PcItem("invalidate"),

	readline.PcItem("revoke"),
	readline.PcItem("limit"),
	readline.PcItem("resetdev"),
	readline.PcItem("bind"),

	readline.PcItem("wl-add"),
	readline.PcItem("wl-rm"),
	readline.PcItem("bl-add"),
	readline.PcItem("bl-rm"),

	readline.PcItem("stats"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (c *Console) Open() (err error) {
	c.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "⚿ ",
		HistoryFile:     ".keysmith_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	c.rl.CaptureExitSignal()
	return
}

func (c *Console) Close() error {
	if c.rl != nil {
		_ = c.rl.Close()
		c.rl = nil
	}
	return nil
}

// Step reads and runs one command. io.EOF means the operator is done.
func (c *Console) Step(ctx context.Context) error {
	line, err := c.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		err = c.CommandHelp()
	case "issue":
		err = c.CommandIssue(ctx, args)
	case "redeem":
		err = c.CommandRedeem(ctx, args)
	case "keys":
		err = c.CommandKeys(ctx, args, false)
	case "fresh":
		err = c.CommandKeys(ctx, args, true)
	case "invalidate":
		err = c.CommandInvalidate(ctx, args)
	case "revoke":
		err = c.CommandRevoke(ctx, args)
	case "limit":
		err = c.CommandLimit(ctx, args)
	case "resetdev":
		err = c.CommandResetDevice(ctx, args)
	case "bind":
		err = c.CommandBindDevice(ctx, args)
	case "wl-add":
		err = c.CommandWhitelistAdd(ctx, args)
	case "wl-rm":
		err = c.CommandWhitelistRemove(ctx, args)
	case "bl-add":
		err = c.CommandDenylistAdd(ctx, args)
	case "bl-rm":
		err = c.CommandDenylistRemove(ctx, args)
	case "stats":
		err = c.CommandStats(ctx)
	case "exit", "quit":
		return io.EOF
	default:
		_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
	}
	return err
}

// Run loops until EOF, printing command errors without dying on them.
func (c *Console) Run(ctx context.Context) {
	var err error
	for !errors.Is(err, io.EOF) {
		if err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "%s\n", err.Error())
		}
		err = c.Step(ctx)
	}
}
