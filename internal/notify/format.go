package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/testrun-bot/internal/domain"
)

const (
	// MaxFailedShown caps how many failed cases a result message lists
	MaxFailedShown = 5
	// MaxMessageLen caps the failure message shown per case
	MaxMessageLen = 80
)

// FormatQueued acknowledges an accepted run
func FormatQueued(runID, label, env string) string {
	return "⏳ *Test Queued*\n" +
		"Suite: " + label + "\n" +
		"Environment: `" + env + "`\n" +
		"Run ID: `" + runID + "`\n\n" +
		"Use /status to check progress."
}

// FormatRunning announces that a worker picked up a run
func FormatRunning(label, env string) string {
	return "▶️ Running: *" + label + "* (env=" + env + ") ..."
}

// FormatError reports a run that could not be executed
func FormatError(label, msg string) string {
	return "❌ *" + label + "* failed to start\n" +
		"Error: " + msg
}

// FormatCancelled reports a run stopped outside the requesting chat
func FormatCancelled(runID, label string) string {
	return "🚫 *" + label + "* cancelled (run `" + runID + "`)"
}

// FormatQueueFull rejects a submission
func FormatQueueFull() string {
	return "⛔ Queue is full! Please wait for current tests to finish.\n" +
		"Use /status to check running tests."
}

// FormatResult renders the final summary of a run
func FormatResult(req domain.RunRequest, res domain.RunResult, failed []domain.TestCase) string {
	var sb strings.Builder

	icon := "❌"
	if res.Status == domain.RunCompleted {
		icon = "✅"
	}
	fmt.Fprintf(&sb, "%s *%s TEST RESULT*\n\n", icon, strings.ToUpper(req.Label()))

	fmt.Fprintf(&sb, "Environment: `%s`\n", req.Env)
	fmt.Fprintf(&sb, "Duration: %s\n\n", FormatDuration(res.Duration))

	fmt.Fprintf(&sb, "Total: %d\n", res.Total)
	fmt.Fprintf(&sb, "✅ Passed: %d\n", res.Passed)
	fmt.Fprintf(&sb, "❌ Failed: %d\n", res.Failed)
	if res.Errors > 0 {
		fmt.Fprintf(&sb, "⚠️ Errors: %d\n", res.Errors)
	}
	if res.Skipped > 0 {
		fmt.Fprintf(&sb, "⏭ Skipped: %d\n", res.Skipped)
	}

	if res.ErrorMessage != "" && res.Status != domain.RunCompleted {
		fmt.Fprintf(&sb, "\nError: %s\n", res.ErrorMessage)
	}

	if len(failed) > 0 {
		sb.WriteString("\n*Failed Tests:*\n")
		for i, tc := range failed {
			if i == MaxFailedShown {
				break
			}
			sb.WriteString("  • " + tc.Name)
			if d := tc.Detail(); d != nil && d.Message != "" {
				sb.WriteString("\n    _" + truncate(d.Message, MaxMessageLen) + "_")
			}
			sb.WriteString("\n")
		}
		if len(failed) > MaxFailedShown {
			fmt.Fprintf(&sb, "  ... and %d more\n", len(failed)-MaxFailedShown)
		}
	}

	if res.ReportURL != "" {
		fmt.Fprintf(&sb, "\n📊 [View Allure Report](%s)", res.ReportURL)
	}

	return sb.String()
}

// FormatDuration renders "Xm Ys", or "Ys" under a minute
func FormatDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	m, s := secs/60, secs%60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// truncate cuts s to max runes and appends "..."
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
