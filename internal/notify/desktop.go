package notify

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
)

// DesktopChannel pops up run results on the operator's desktop. Only
// result and error messages are shown; acknowledgements are skipped.
type DesktopChannel struct {
	enabled bool
}

// NewDesktopChannel creates a new desktop channel
func NewDesktopChannel(enabled bool) *DesktopChannel {
	return &DesktopChannel{enabled: enabled}
}

// Send shows a desktop notification
func (d *DesktopChannel) Send(ctx context.Context, chatID int64, text string) error {
	level := LevelOf(text)
	if !d.enabled || (level != LevelSuccess && level != LevelError) {
		return nil
	}

	title, body, _ := strings.Cut(plain(text), "\n")
	switch runtime.GOOS {
	case "darwin":
		script := `display notification "` + escapeAppleScript(body) + `" with title "` + escapeAppleScript(title) + `"`
		return exec.CommandContext(ctx, "osascript", "-e", script).Run()
	case "linux":
		return exec.CommandContext(ctx, "notify-send", "--icon", IconForLevel(level), title, body).Run()
	default:
		return nil // Unsupported
	}
}

// IconForLevel returns a freedesktop icon name for the level
func IconForLevel(l Level) string {
	switch l {
	case LevelSuccess:
		return "dialog-positive"
	case LevelWarning:
		return "dialog-warning"
	case LevelError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}

// plain strips chat markup characters
func plain(text string) string {
	return strings.NewReplacer("*", "", "_", "", "`", "").Replace(text)
}

func escapeAppleScript(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
