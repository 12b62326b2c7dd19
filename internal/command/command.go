// Package command parses chat command text and dispatches it to a static
// table of handlers built once at startup.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Marker is the prefix that distinguishes a command from plain chat text
const Marker = "/"

// UnknownCommandReply is sent when a command name is not registered
const UnknownCommandReply = "Unknown command. Type /help to see available commands."

var (
	// ErrNotCommand is returned for text that does not start with the marker
	ErrNotCommand = errors.New("not a command")
	// ErrUnknownCommand is returned when no handler is registered for the name
	ErrUnknownCommand = errors.New("unknown command")
)

// Message is one inbound chat message
type Message struct {
	ChatID int64
	UserID int64
	Text   string
}

// Command handles one chat command
type Command interface {
	Name() string
	Description() string
	Execute(ctx context.Context, msg Message, args string) error
}

// Parsed is the result of parsing command text
type Parsed struct {
	Name string
	Args string
}

// Parse splits "/name[@mention] [args]" into a lower-cased name and trimmed
// args. It returns false when text is not a command.
func Parse(text string) (Parsed, bool) {
	if !strings.HasPrefix(text, Marker) {
		return Parsed{}, false
	}

	head, args := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		head, args = text[:i], strings.TrimSpace(text[i:])
	}

	name := strings.TrimPrefix(head, Marker)
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}

	return Parsed{Name: strings.ToLower(name), Args: args}, true
}

// Registry is an ordered, read-only command table
type Registry struct {
	commands []Command
	byName   map[string]Command
}

// NewRegistry builds the table. Names are matched case-insensitively and
// must be unique.
func NewRegistry(cmds ...Command) (*Registry, error) {
	r := &Registry{byName: make(map[string]Command, len(cmds))}
	for _, c := range cmds {
		name := strings.ToLower(c.Name())
		if name == "" {
			return nil, fmt.Errorf("command with empty name")
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate command %q", name)
		}
		r.byName[name] = c
		r.commands = append(r.commands, c)
	}
	return r, nil
}

// Lookup finds a command by name
func (r *Registry) Lookup(name string) (Command, bool) {
	c, ok := r.byName[strings.ToLower(name)]
	return c, ok
}

// List returns commands in registration order
func (r *Registry) List() []Command {
	out := make([]Command, len(r.commands))
	copy(out, r.commands)
	return out
}

// Dispatch parses msg.Text and runs the matching command. It returns
// ErrNotCommand or ErrUnknownCommand without side effects when nothing
// matches.
func (r *Registry) Dispatch(ctx context.Context, msg Message) error {
	p, ok := Parse(msg.Text)
	if !ok {
		return ErrNotCommand
	}
	c, ok := r.Lookup(p.Name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, p.Name)
	}
	return c.Execute(ctx, msg, p.Args)
}
