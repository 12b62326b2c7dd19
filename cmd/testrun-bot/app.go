package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hochfrequenz/testrun-bot/internal/access"
	"github.com/hochfrequenz/testrun-bot/internal/bot"
	"github.com/hochfrequenz/testrun-bot/internal/config"
	"github.com/hochfrequenz/testrun-bot/internal/metrics"
	"github.com/hochfrequenz/testrun-bot/internal/notify"
	"github.com/hochfrequenz/testrun-bot/internal/publish"
	"github.com/hochfrequenz/testrun-bot/internal/reports"
	"github.com/hochfrequenz/testrun-bot/internal/runner"
	"github.com/hochfrequenz/testrun-bot/internal/runqueue"
	"github.com/hochfrequenz/testrun-bot/internal/schedule"
	"github.com/hochfrequenz/testrun-bot/internal/sessionstore"
)

// shutdownTimeout bounds how long running tests get to wind down
const shutdownTimeout = 30 * time.Second

// app holds the long-lived components shared by every subcommand
type app struct {
	cfg       *config.Config
	bot       *bot.Bot
	store     *sessionstore.Store
	allowlist *access.Allowlist
	publisher *publish.Publisher
	registry  *prometheus.Registry
}

// newApp builds the bot around the given outbound channels
func newApp(cfg *config.Config, channels ...notify.Channel) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := sessionstore.New(cfg.Bot.SessionsDB, cfg.Runner.DefaultEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to open sessions database: %w", err)
	}

	allowlist, err := access.New(cfg.Bot.AllowedChatIDs, cfg.Bot.AllowlistFile)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load allowlist: %w", err)
	}

	publisher := publish.New(cfg.Publish, cfg.Runner.FrameworkPath, cfg.Runner.Debug)

	queue := runqueue.New(cfg.Runner.MaxConcurrentRuns, cfg.Runner.MaxQueueSize)
	b, err := bot.New(bot.Options{
		Settings: bot.Settings{
			FrameworkPath: cfg.Runner.FrameworkPath,
			DefaultEnv:    cfg.Runner.DefaultEnv,
			ValidEnvs:     cfg.Bot.ValidEnvs,
			Browser:       cfg.Runner.DefaultBrowser,
			Headless:      cfg.Runner.Headless,
		},
		Queue: queue,
		Runner: runner.New(runner.Config{
			FrameworkPath: cfg.Runner.FrameworkPath,
			Executable:    cfg.Runner.Executable,
			BaseArgs:      cfg.Runner.BaseArgs,
			ExtraArgs:     cfg.Runner.ExtraArgs,
			Env:           cfg.Runner.Env,
			Timeout:       cfg.Runner.Timeout(),
			LogDir:        cfg.Runner.LogDir,
			Debug:         cfg.Runner.Debug,
		}),
		Reports:   reports.NewParser(cfg.Runner.ReportsDir),
		Notifier:  notify.New(notify.NewMultiChannel(channels...)),
		Envs:      store,
		Publisher: publisherOrNil(publisher),
		Allowlist: allowlist,
		Suites:    cfg.Suites,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)
	m.TrackQueue(queue.Counts)
	b.Subscribe(m.Observe)

	return &app{
		cfg:       cfg,
		bot:       b,
		store:     store,
		allowlist: allowlist,
		publisher: publisher,
		registry:  registry,
	}, nil
}

// publisherOrNil keeps a disabled publisher out of the bot
func publisherOrNil(p *publish.Publisher) bot.Publisher {
	if !p.Enabled() {
		return nil
	}
	return p
}

// configuredChannels returns the notification channels enabled in cfg
func configuredChannels(cfg *config.Config) []notify.Channel {
	var channels []notify.Channel
	if cfg.Notifications.SlackWebhook != "" {
		channels = append(channels, notify.NewSlackChannel(cfg.Notifications.SlackWebhook))
	}
	if cfg.Notifications.Desktop {
		channels = append(channels, notify.NewDesktopChannel(true))
	}
	return channels
}

// runSchedule starts a scheduled suite and waits for it to finish
func (a *app) runSchedule(ctx context.Context, sc config.ScheduleConfig) error {
	info, err := a.bot.RunSuite(ctx, sc.Command, sc.ChatID, sc.Env)
	if err != nil {
		return err
	}
	res, err := info.Wait(ctx)
	if err != nil {
		return err
	}
	log.Printf("[schedule] [%s] %s finished: %s", sc.Name, info.Request.RunID, res.Status)
	return nil
}

// newScheduler validates schedules against the configured suites
func (a *app) newScheduler() (*schedule.Scheduler, error) {
	for _, sc := range a.cfg.Schedules {
		if !a.bot.HasSuite(sc.Command) {
			return nil, fmt.Errorf("schedule %q: unknown suite command %q", sc.Name, sc.Command)
		}
		if sc.Env != "" && !a.bot.IsValidEnv(sc.Env) {
			return nil, fmt.Errorf("schedule %q: invalid environment %q", sc.Name, sc.Env)
		}
	}
	return schedule.NewScheduler(a.cfg.Schedules)
}

// shutdown cancels outstanding runs and releases resources
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.bot.Shutdown(ctx); err != nil {
		log.Printf("[bot] shutdown: %v", err)
	}
	a.allowlist.Stop()
	if err := a.store.Close(); err != nil {
		log.Printf("[sessionstore] close: %v", err)
	}
}
