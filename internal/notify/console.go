package notify

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// ConsoleChannel writes messages to a terminal or log stream
type ConsoleChannel struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleChannel creates a channel writing to w
func NewConsoleChannel(w io.Writer) *ConsoleChannel {
	return &ConsoleChannel{w: w}
}

// Send writes the message followed by a blank line
func (c *ConsoleChannel) Send(_ context.Context, chatID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "[chat %d]\n%s\n\n", chatID, text)
	return err
}
