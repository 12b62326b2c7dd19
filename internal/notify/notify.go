// Package notify formats run outcome messages and delivers them through
// pluggable chat channels.
package notify

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/hochfrequenz/testrun-bot/internal/domain"
)

// Level classifies a message for channels that render severity
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelError
)

// LevelOf derives the level from the leading status icon of a message
func LevelOf(text string) Level {
	switch {
	case strings.HasPrefix(text, "✅"):
		return LevelSuccess
	case strings.HasPrefix(text, "❌"), strings.HasPrefix(text, "⛔"):
		return LevelError
	case strings.HasPrefix(text, "⚠️"), strings.HasPrefix(text, "🚫"):
		return LevelWarning
	default:
		return LevelInfo
	}
}

// Channel delivers text to a chat
type Channel interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// ChannelFunc adapts a function to Channel
type ChannelFunc func(ctx context.Context, chatID int64, text string) error

// Send calls f
func (f ChannelFunc) Send(ctx context.Context, chatID int64, text string) error {
	return f(ctx, chatID, text)
}

// MultiChannel sends to multiple channels
type MultiChannel struct {
	channels []Channel
}

// NewMultiChannel creates a channel that sends to all provided channels
func NewMultiChannel(channels ...Channel) *MultiChannel {
	return &MultiChannel{channels: channels}
}

// Send sends the text to all channels and joins their errors
func (m *MultiChannel) Send(ctx context.Context, chatID int64, text string) error {
	var errs []error
	for _, c := range m.channels {
		if err := c.Send(ctx, chatID, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopChannel does nothing (for testing or disabled delivery)
type NoopChannel struct{}

func (NoopChannel) Send(context.Context, int64, string) error { return nil }

// Notifier sends formatted run messages. Delivery is best effort: failures
// are logged and never returned.
type Notifier struct {
	channel Channel
}

// New creates a notifier over channel
func New(channel Channel) *Notifier {
	if channel == nil {
		channel = NoopChannel{}
	}
	return &Notifier{channel: channel}
}

// Reply sends free-form text
func (n *Notifier) Reply(ctx context.Context, chatID int64, text string) {
	if err := n.channel.Send(ctx, chatID, text); err != nil {
		log.Printf("[notify] send to chat %d failed: %v", chatID, err)
	}
}

func (n *Notifier) NotifyQueued(ctx context.Context, req domain.RunRequest) {
	n.Reply(ctx, req.ChatID, FormatQueued(req.RunID, req.Label(), req.Env))
}

func (n *Notifier) NotifyRunning(ctx context.Context, req domain.RunRequest) {
	n.Reply(ctx, req.ChatID, FormatRunning(req.Label(), req.Env))
}

func (n *Notifier) NotifyResult(ctx context.Context, req domain.RunRequest, res domain.RunResult, failed []domain.TestCase) {
	n.Reply(ctx, req.ChatID, FormatResult(req, res, failed))
}

func (n *Notifier) NotifyError(ctx context.Context, req domain.RunRequest, msg string) {
	n.Reply(ctx, req.ChatID, FormatError(req.Label(), msg))
}

func (n *Notifier) NotifyCancelled(ctx context.Context, req domain.RunRequest) {
	n.Reply(ctx, req.ChatID, FormatCancelled(req.RunID, req.Label()))
}

func (n *Notifier) NotifyQueueFull(ctx context.Context, chatID int64) {
	n.Reply(ctx, chatID, FormatQueueFull())
}
