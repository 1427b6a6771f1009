package internal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
)

type command struct {
	help string
	run  func(out io.Writer)
}

// Console reads one command per line and dispatches it. "help" and "quit"
// are always available.
type Console struct {
	out      io.Writer
	commands map[string]command
}

func NewConsole(out io.Writer) *Console {
	return &Console{
		out:      out,
		commands: make(map[string]command),
	}
}

func (c *Console) Handle(name, help string, run func(out io.Writer)) {
	c.commands[name] = command{help: help, run: run}
}

// Run returns on "quit", at the end of input or once ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		name := strings.ToLower(strings.TrimSpace(scanner.Text()))

		switch name {
		case "":
			continue
		case "quit", "exit":
			return nil
		case "help":
			c.help()

			continue
		}

		cmd, ok := c.commands[name]
		if !ok {
			fmt.Fprintf(c.out, "unknown command %q, try help\n", name)

			continue
		}

		cmd.run(c.out)
	}

	return scanner.Err()
}

func (c *Console) help() {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		fmt.Fprintf(c.out, "  %-10s %s\n", name, c.commands[name].help)
	}

	fmt.Fprintf(c.out, "  %-10s %s\n", "quit", "leave the program")
}
