package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	errQuit           = errors.New("quit")
	errUnknownCommand = errors.New("unknown command")
)

type command struct {
	name string
	arg  float64
	node string
}

// parseCommand reads one stdin line: play, pause, seek <t>, +<n>, -<n>, state,
// click <node-id> or quit
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, errUnknownCommand
	}

	name := strings.ToLower(fields[0])
	switch name {
	case "play", "pause", "state", "quit":
		return command{name: name}, nil
	case "seek":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: seek <seconds>")
		}
		t, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return command{}, fmt.Errorf("invalid seek position %q: %w", fields[1], err)
		}
		return command{name: "seek", arg: t}, nil
	case "click":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: click <node-id>")
		}
		return command{name: "click", node: fields[1]}, nil
	}

	if strings.HasPrefix(name, "+") || strings.HasPrefix(name, "-") {
		delta, err := strconv.ParseFloat(name, 64)
		if err != nil {
			return command{}, fmt.Errorf("invalid offset %q: %w", name, err)
		}
		return command{name: "seekby", arg: delta}, nil
	}
	return command{}, fmt.Errorf("%w: %q", errUnknownCommand, name)
}

// readCommands feeds parsed stdin lines to handle until ctx is done, input ends or
// handle returns an error. End of input and "quit" return errQuit.
func readCommands(ctx context.Context, r io.Reader, out io.Writer, handle func(command) error) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			if cmd.name == "quit" {
				return errQuit
			}
			if err := handle(cmd); err != nil {
				return err
			}
		}
	}
}
