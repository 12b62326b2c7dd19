package bot

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/hochfrequenz/testrun-bot/internal/command"
	"github.com/hochfrequenz/testrun-bot/internal/config"
	"github.com/hochfrequenz/testrun-bot/internal/domain"
)

// commands builds the static command table: built-ins first, then one
// command per configured suite.
func (b *Bot) commands(suites []config.SuiteConfig) []command.Command {
	cmds := []command.Command{
		&helpCommand{bot: b},
		&envCommand{bot: b},
		&statusCommand{bot: b},
		&cancelCommand{bot: b},
	}
	for _, s := range suites {
		cmds = append(cmds, newSuiteCommand(b, s))
	}
	return cmds
}

type helpCommand struct{ bot *Bot }

func (c *helpCommand) Name() string        { return "help" }
func (c *helpCommand) Description() string { return "Show available commands" }

func (c *helpCommand) Execute(ctx context.Context, msg command.Message, _ string) error {
	var sb strings.Builder
	sb.WriteString("*Available Commands:*\n")
	for _, cmd := range c.bot.registry.List() {
		sb.WriteString("\n" + command.Marker + cmd.Name() + " - " + cmd.Description())
	}
	c.bot.notifier.Reply(ctx, msg.ChatID, sb.String())
	return nil
}

type envCommand struct{ bot *Bot }

func (c *envCommand) Name() string { return "env" }

func (c *envCommand) Description() string {
	if len(c.bot.settings.ValidEnvs) == 0 {
		return "Set environment"
	}
	return "Set environment (" + strings.Join(c.bot.settings.ValidEnvs, "/") + ")"
}

func (c *envCommand) Execute(ctx context.Context, msg command.Message, args string) error {
	b := c.bot
	env := strings.ToLower(strings.TrimSpace(args))
	if env == "" {
		current, _ := b.ResolveEnv(ctx, msg.UserID, "")
		b.notifier.Reply(ctx, msg.ChatID, "Current environment: *"+current+"*\n"+
			"Usage: /env <"+strings.Join(b.settings.ValidEnvs, "|")+">")
		return nil
	}
	if !b.IsValidEnv(env) {
		b.notifier.Reply(ctx, msg.ChatID, "Invalid environment: "+env+"\n"+
			"Valid options: "+strings.Join(b.settings.ValidEnvs, ", "))
		return nil
	}
	if b.envs == nil {
		return fmt.Errorf("environment preferences are not stored")
	}
	if err := b.envs.SetEnv(ctx, msg.UserID, env); err != nil {
		return fmt.Errorf("saving environment: %w", err)
	}
	b.notifier.Reply(ctx, msg.ChatID, "Environment set to: *"+env+"*")
	return nil
}

type statusCommand struct{ bot *Bot }

func (c *statusCommand) Name() string        { return "status" }
func (c *statusCommand) Description() string { return "Show running tests, queue, and current environment" }

func (c *statusCommand) Execute(ctx context.Context, msg command.Message, _ string) error {
	b := c.bot
	env, _ := b.ResolveEnv(ctx, msg.UserID, "")

	var sb strings.Builder
	sb.WriteString("*Status*\n\n")
	sb.WriteString("Your environment: `" + env + "`\n\n")

	runs := b.queue.ListActive()
	if len(runs) == 0 {
		sb.WriteString("No tests running or queued.\n")
		b.notifier.Reply(ctx, msg.ChatID, sb.String())
		return nil
	}

	var running, queued int
	for _, r := range runs {
		switch r.Status {
		case domain.RunRunning:
			running++
		case domain.RunQueued:
			queued++
		}
	}
	fmt.Fprintf(&sb, "Running: %d | Queued: %d\n\n", running, queued)
	for _, r := range runs {
		icon := "⏳"
		if r.Status == domain.RunRunning {
			icon = "▶️"
		}
		fmt.Fprintf(&sb, "%s `%s` %s (env=%s) [%s]\n",
			icon, r.Request.RunID, r.Request.Label(), r.Request.Env, r.Status)
	}
	b.notifier.Reply(ctx, msg.ChatID, sb.String())
	return nil
}

// cancelCommand cancels one run by id, or all of the caller's runs.
// Users may only cancel their own runs.
type cancelCommand struct{ bot *Bot }

func (c *cancelCommand) Name() string        { return "cancel" }
func (c *cancelCommand) Description() string { return "Cancel your running test(s)" }

func (c *cancelCommand) Execute(ctx context.Context, msg command.Message, args string) error {
	b := c.bot
	if runID := strings.TrimSpace(args); runID != "" {
		info, ok := b.queue.Get(runID)
		if ok && info.Request.UserID == msg.UserID && b.Cancel(runID, true) {
			b.notifier.Reply(ctx, msg.ChatID, "Test `"+runID+"` cancelled.")
		} else {
			b.notifier.Reply(ctx, msg.ChatID, "Run ID `"+runID+"` not found.")
		}
		return nil
	}

	runs := b.queue.ListByUser(msg.UserID)
	if len(runs) == 0 {
		b.notifier.Reply(ctx, msg.ChatID, "You don't have any running tests.")
		return nil
	}
	cancelled := 0
	for _, r := range runs {
		if b.Cancel(r.Request.RunID, true) {
			cancelled++
		}
	}
	b.notifier.Reply(ctx, msg.ChatID, fmt.Sprintf("Cancelled %d test run(s).", cancelled))
	return nil
}

// suiteCommand triggers a run of one configured suite
type suiteCommand struct {
	bot         *Bot
	name        string
	description string
	selector    domain.Selector
}

func newSuiteCommand(b *Bot, s config.SuiteConfig) *suiteCommand {
	sel := domain.Profile(s.Profile)
	if s.TestClass != "" {
		sel = domain.TestClass(s.TestClass)
	}
	desc := s.Description
	if desc == "" {
		if sel.Kind == domain.ByProfile {
			desc = "Run " + sel.Name + " test suite"
		} else {
			desc = "Run " + sel.Name
		}
	}
	return &suiteCommand{bot: b, name: s.Command, description: desc, selector: sel}
}

func (c *suiteCommand) Name() string        { return c.name }
func (c *suiteCommand) Description() string { return c.description }

func (c *suiteCommand) Execute(ctx context.Context, msg command.Message, args string) error {
	if _, err := c.bot.SubmitRun(ctx, msg, c.selector, args); err != nil {
		log.Printf("[bot] /%s from chat %d not submitted: %v", c.name, msg.ChatID, err)
	}
	return nil
}
