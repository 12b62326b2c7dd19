// Package bot wires command dispatch, the run queue, the process runner,
// report aggregation and notification into one orchestrator.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/testrun-bot/internal/access"
	"github.com/hochfrequenz/testrun-bot/internal/command"
	"github.com/hochfrequenz/testrun-bot/internal/config"
	"github.com/hochfrequenz/testrun-bot/internal/domain"
	"github.com/hochfrequenz/testrun-bot/internal/notify"
	"github.com/hochfrequenz/testrun-bot/internal/reports"
	"github.com/hochfrequenz/testrun-bot/internal/runqueue"
)

// ErrInvalidEnv is returned when a requested environment is not allowed
var ErrInvalidEnv = errors.New("invalid environment")

// Executor runs one test process to completion
type Executor interface {
	Run(ctx context.Context, req domain.RunRequest, onStart func(*os.Process)) domain.RunResult
}

// EnvStore keeps per-user environment preferences
type EnvStore interface {
	Env(ctx context.Context, userID int64) (string, error)
	SetEnv(ctx context.Context, userID int64, env string) error
}

// Publisher produces a report reference after a run
type Publisher interface {
	Publish(ctx context.Context, runID string) (string, error)
}

// Settings are the run defaults applied to every request
type Settings struct {
	FrameworkPath string
	DefaultEnv    string
	ValidEnvs     []string
	Browser       string
	Headless      bool
}

// Options holds the collaborators of a Bot. Publisher, Allowlist and
// Envs are optional.
type Options struct {
	Settings  Settings
	Queue     *runqueue.Queue
	Runner    Executor
	Reports   *reports.Parser
	Notifier  *notify.Notifier
	Envs      EnvStore
	Publisher Publisher
	Allowlist *access.Allowlist
	Suites    []config.SuiteConfig
}

// Bot is the single orchestrator shared by commands and workers
type Bot struct {
	settings  Settings
	queue     *runqueue.Queue
	runner    Executor
	reports   *reports.Parser
	notifier  *notify.Notifier
	envs      EnvStore
	publisher Publisher
	allowlist *access.Allowlist
	registry  *command.Registry

	mu          sync.Mutex
	subscribers []func(Event)
	failed      map[string][]domain.TestCase
	acked       map[string]bool // cancellations already answered in chat

	reportsMu sync.Mutex
	executing int // runs between claimReports and its release

	waiters sync.WaitGroup
}

// New builds the bot and its static command table
func New(opts Options) (*Bot, error) {
	if opts.Queue == nil || opts.Runner == nil {
		return nil, fmt.Errorf("bot requires a queue and a runner")
	}
	if opts.Reports == nil {
		opts.Reports = reports.NewParser("")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.New(nil)
	}
	if opts.Settings.DefaultEnv == "" {
		opts.Settings.DefaultEnv = "dev"
	}

	b := &Bot{
		settings:  opts.Settings,
		queue:     opts.Queue,
		runner:    opts.Runner,
		reports:   opts.Reports,
		notifier:  opts.Notifier,
		envs:      opts.Envs,
		publisher: opts.Publisher,
		allowlist: opts.Allowlist,
		failed:    make(map[string][]domain.TestCase),
		acked:     make(map[string]bool),
	}

	registry, err := command.NewRegistry(b.commands(opts.Suites)...)
	if err != nil {
		return nil, err
	}
	b.registry = registry
	b.queue.SetOnStatusChanged(b.statusChanged)
	return b, nil
}

// Commands returns the command table
func (b *Bot) Commands() *command.Registry {
	return b.registry
}

// Queue returns the run queue
func (b *Bot) Queue() *runqueue.Queue {
	return b.queue
}

// HandleMessage processes one inbound chat message. Messages from chats
// outside the allowlist and plain text are dropped.
func (b *Bot) HandleMessage(ctx context.Context, msg command.Message) {
	if b.allowlist != nil && !b.allowlist.IsAllowed(msg.ChatID) {
		return
	}

	err := b.registry.Dispatch(ctx, msg)
	switch {
	case err == nil, errors.Is(err, command.ErrNotCommand):
	case errors.Is(err, command.ErrUnknownCommand):
		b.notifier.Reply(ctx, msg.ChatID, command.UnknownCommandReply)
	default:
		log.Printf("[bot] command %q from chat %d failed: %v", msg.Text, msg.ChatID, err)
		b.notifier.Reply(ctx, msg.ChatID, "❌ "+err.Error())
	}
}

// ResolveEnv picks the environment for a run: explicit args first, then the
// user's saved preference, then the configured default.
func (b *Bot) ResolveEnv(ctx context.Context, userID int64, args string) (string, error) {
	if env := strings.ToLower(strings.TrimSpace(args)); env != "" {
		if !b.IsValidEnv(env) {
			return "", fmt.Errorf("%w: %s", ErrInvalidEnv, env)
		}
		return env, nil
	}
	if b.envs == nil {
		return b.settings.DefaultEnv, nil
	}
	env, err := b.envs.Env(ctx, userID)
	if err != nil {
		log.Printf("[bot] loading env for user %d: %v", userID, err)
		return b.settings.DefaultEnv, nil
	}
	return env, nil
}

// IsValidEnv reports whether env may be used. An empty list allows any.
func (b *Bot) IsValidEnv(env string) bool {
	if len(b.settings.ValidEnvs) == 0 {
		return true
	}
	for _, v := range b.settings.ValidEnvs {
		if v == env {
			return true
		}
	}
	return false
}

// SubmitRun is the single path for every run-triggering command. It builds
// the request, submits it and acknowledges or rejects it in the chat. Every
// returned error has already been reported to the chat.
func (b *Bot) SubmitRun(ctx context.Context, msg command.Message, sel domain.Selector, args string) (*runqueue.RunInfo, error) {
	env, err := b.ResolveEnv(ctx, msg.UserID, args)
	if err != nil {
		b.notifier.Reply(ctx, msg.ChatID, fmt.Sprintf("Invalid environment: %s\nValid options: %s",
			strings.ToLower(strings.TrimSpace(args)), strings.Join(b.settings.ValidEnvs, ", ")))
		return nil, err
	}

	req := domain.RunRequest{
		RunID:       NewRunID(),
		ChatID:      msg.ChatID,
		UserID:      msg.UserID,
		Env:         env,
		Selector:    sel,
		Browser:     b.settings.Browser,
		Headless:    b.settings.Headless,
		RequestedAt: time.Now(),
	}
	if err := req.Validate(); err != nil {
		b.notifier.NotifyError(ctx, req, err.Error())
		return nil, err
	}

	// the worker waits until the queued acknowledgement is out
	announced := make(chan struct{})
	info, err := b.queue.Submit(req, func(ctx context.Context, info *runqueue.RunInfo) domain.RunResult {
		select {
		case <-announced:
		case <-ctx.Done():
		}
		return b.execute(ctx, info)
	})
	if err != nil {
		if errors.Is(err, runqueue.ErrQueueFull) {
			log.Printf("[bot] [%s] rejected: queue full", req.RunID)
			b.notifier.NotifyQueueFull(ctx, req.ChatID)
			b.publish(Event{Type: EventRejected, Request: req, Status: domain.RunQueued})
			return nil, err
		}
		b.notifier.NotifyError(ctx, req, err.Error())
		return nil, err
	}

	b.notifier.NotifyQueued(ctx, req)
	close(announced)

	b.waiters.Add(1)
	go b.await(info)
	return info, nil
}

// RunSuite submits a configured suite on behalf of a non-chat trigger such
// as a schedule. Results go to chatID.
func (b *Bot) RunSuite(ctx context.Context, name string, chatID int64, env string) (*runqueue.RunInfo, error) {
	cmd, ok := b.registry.Lookup(name)
	suite, isSuite := cmd.(*suiteCommand)
	if !ok || !isSuite {
		return nil, fmt.Errorf("unknown suite %q", name)
	}
	msg := command.Message{ChatID: chatID, Text: command.Marker + suite.name}
	return b.SubmitRun(ctx, msg, suite.selector, env)
}

// HasSuite reports whether name is a configured suite command
func (b *Bot) HasSuite(name string) bool {
	cmd, _ := b.registry.Lookup(name)
	_, ok := cmd.(*suiteCommand)
	return ok
}

// execute runs on a queue worker
func (b *Bot) execute(ctx context.Context, info *runqueue.RunInfo) domain.RunResult {
	req := info.Request
	if ctx.Err() != nil {
		return domain.RunResult{RunID: req.RunID, Status: domain.RunCancelled, ErrorMessage: "Cancelled"}
	}

	defer b.claimReports(req.RunID)()

	b.notifier.NotifyRunning(ctx, req)
	raw := b.runner.Run(ctx, req, func(p *os.Process) { info.AttachProcess(p) })
	if ctx.Err() != nil {
		return raw
	}

	var reportURL string
	if b.publisher != nil {
		url, err := b.publisher.Publish(ctx, req.RunID)
		if err != nil {
			log.Printf("[bot] [%s] publishing report: %v", req.RunID, err)
		}
		reportURL = url
	}

	suites := b.reports.ParseReports(ctx, b.settings.FrameworkPath)
	result := reports.BuildResult(req.RunID, suites, raw.Duration, reportURL)
	if raw.Status == domain.RunFailed {
		result.Status = domain.RunFailed
		result.ErrorMessage = raw.ErrorMessage
	}

	b.mu.Lock()
	b.failed[req.RunID] = reports.FailedCases(suites)
	if info.Status() == domain.RunCancelled {
		delete(b.failed, req.RunID)
	}
	b.mu.Unlock()
	return result
}

// claimReports registers a run on the shared report directory and clears
// stale reports when no other run is using it. The returned func releases
// the claim.
func (b *Bot) claimReports(runID string) func() {
	b.reportsMu.Lock()
	b.executing++
	if b.executing == 1 {
		if err := b.reports.CleanReports(b.settings.FrameworkPath); err != nil {
			log.Printf("[bot] [%s] cleaning reports: %v", runID, err)
		}
	}
	b.reportsMu.Unlock()

	return func() {
		b.reportsMu.Lock()
		b.executing--
		b.reportsMu.Unlock()
	}
}

// await delivers the single terminal notification of a run
func (b *Bot) await(info *runqueue.RunInfo) {
	defer b.waiters.Done()
	req := info.Request
	res := <-info.Done()

	b.mu.Lock()
	failed := b.failed[req.RunID]
	acked := b.acked[req.RunID]
	delete(b.failed, req.RunID)
	delete(b.acked, req.RunID)
	b.mu.Unlock()

	ctx := context.Background()
	switch {
	case res.Status == domain.RunCancelled && acked:
		// the cancel command already replied
	case res.Status == domain.RunCancelled:
		b.notifier.NotifyCancelled(ctx, req)
	default:
		b.notifier.NotifyResult(ctx, req, res, failed)
	}
	log.Printf("[bot] [%s] %s finished: %s", req.RunID, req.Label(), res.Status)
}

// Cancel cancels a run. When acknowledged is true the caller has already
// told the requester, so no cancellation notice is sent.
func (b *Bot) Cancel(runID string, acknowledged bool) bool {
	if acknowledged {
		b.mu.Lock()
		b.acked[runID] = true
		b.mu.Unlock()
	}
	ok := b.queue.Cancel(runID)
	if !ok && acknowledged {
		b.mu.Lock()
		delete(b.acked, runID)
		b.mu.Unlock()
	}
	return ok
}

// Shutdown stops the queue and waits for pending result notifications
func (b *Bot) Shutdown(ctx context.Context) error {
	err := b.queue.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		b.waiters.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// NewRunID returns a short random run id
func NewRunID() string {
	return uuid.NewString()[:8]
}
