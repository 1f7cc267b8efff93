package service

import (
	"regexp"
)

const CommandSecret = "secret"

var secretCommandRegex = regexp.MustCompile(`(?is)^\s*/secret(?:\s+(.*))?$`)

// Command represents a parsed command
type Command struct {
	Type    string
	Content string
}

// ParseCommand attempts to parse a message as a command
// Returns the command and true if it's a command, nil and false otherwise
func ParseCommand(content string) (*Command, bool) {
	if matches := secretCommandRegex.FindStringSubmatch(content); matches != nil {
		return &Command{
			Type:    CommandSecret,
			Content: matches[1],
		}, true
	}

	return nil, false
}

// ResolveInput applies chat commands to typed input. "/secret hello" sends
// "hello" as an ephemeral message regardless of the composer toggle.
func ResolveInput(content string, opts SendOptions) (string, SendOptions) {
	cmd, ok := ParseCommand(content)
	if !ok {
		return content, opts
	}
	opts.Ephemeral = true
	return cmd.Content, opts
}
