package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var errUnknownCommand = errors.New("unknown command")

type commandSpec struct {
	min, max int
	usage    string
	help     string
}

var commands = map[string]commandSpec{
	"/connect":    {0, 1, "/connect [host]", "connect to an account manager (default: last host)"},
	"/disconnect": {0, 0, "/disconnect", "close the connection"},
	"/status":     {0, 0, "/status", "ask whether registration is open"},
	"/captcha":    {0, 0, "/captcha", "request a new captcha"},
	"/enrol":      {5, 5, "/enrol <user> <mail> <password> <confirm> <captcha>", "create an account, accepting the terms of service"},
	"/passwd":     {3, 3, "/passwd <old|-> <new> <confirm>", "change your password"},
	"/reset":      {2, 2, "/reset <user> <mail>", "request a password reset"},
	"/logout":     {0, 0, "/logout", "sign out"},
	"/help":       {0, 0, "/help", "show this list"},
	"/quit":       {0, 0, "/quit", "leave the client"},
}

// parseCommand splits a command line and checks its argument count.
func parseCommand(line string) (string, []string, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "", nil, errUnknownCommand
	}
	name := strings.ToLower(parts[0])
	spec, ok := commands[name]
	if !ok {
		return name, nil, fmt.Errorf("%w: %s", errUnknownCommand, parts[0])
	}
	args := parts[1:]
	if len(args) < spec.min || len(args) > spec.max {
		return name, nil, fmt.Errorf("usage: %s", spec.usage)
	}
	return name, args, nil
}

func helpLines() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := []string{"Commands:"}
	for _, name := range names {
		spec := commands[name]
		lines = append(lines, fmt.Sprintf("  %-52s %s", spec.usage, spec.help))
	}
	return lines
}
