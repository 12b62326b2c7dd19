package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/testrun-bot/internal/command"
	"github.com/hochfrequenz/testrun-bot/internal/config"
	"github.com/hochfrequenz/testrun-bot/internal/gateway"
	"github.com/hochfrequenz/testrun-bot/internal/notify"
	"github.com/hochfrequenz/testrun-bot/tui"
	"github.com/hochfrequenz/testrun-bot/web/api"
)

var (
	servePort      int
	serveHost      string
	maxConcurrent  int
	maxQueue       int
	frameworkPath  string
	consoleChatID  int64
	consoleUserID  int64
	runEnv         string
	runChatID      int64
	apiURL         string
	refreshSeconds int
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot with the chat gateway, HTTP API and schedules",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind (default from config)")
	addRunnerFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)

	consoleCmd := &cobra.Command{
		Use:   "console",
		Short: "Chat with the bot on stdin/stdout",
		RunE:  runConsole,
	}
	consoleCmd.Flags().Int64Var(&consoleChatID, "chat", 1, "chat id used for console messages")
	consoleCmd.Flags().Int64Var(&consoleUserID, "user", 1, "user id used for console messages")
	addRunnerFlags(consoleCmd)
	rootCmd.AddCommand(consoleCmd)

	runCmd := &cobra.Command{
		Use:   "run SUITE",
		Short: "Run one suite and exit non-zero when it fails",
		Args:  cobra.ExactArgs(1),
		RunE:  runOnce,
	}
	runCmd.Flags().StringVar(&runEnv, "env", "", "environment (default from config)")
	runCmd.Flags().Int64Var(&runChatID, "chat", 0, "chat id reported in messages")
	addRunnerFlags(runCmd)
	rootCmd.AddCommand(runCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show running and queued tests of a serving bot",
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&apiURL, "url", "", "bot API base URL (default from config)")
	rootCmd.AddCommand(statusCmd)

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch interactive dashboard for a serving bot",
		RunE:  runTUI,
	}
	tuiCmd.Flags().StringVar(&apiURL, "url", "", "bot API base URL (default from config)")
	tuiCmd.Flags().IntVar(&refreshSeconds, "refresh", 2, "refresh interval in seconds")
	rootCmd.AddCommand(tuiCmd)
}

func addRunnerFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "maximum concurrent runs")
	cmd.Flags().IntVar(&maxQueue, "max-queue", 0, "maximum queued runs")
	cmd.Flags().StringVar(&frameworkPath, "framework", "", "test framework directory")
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// loadConfigFor loads the config and applies flags explicitly set on cmd
func loadConfigFor(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyOverrides(cmd, cfg)
	return cfg, nil
}

// applyOverrides copies explicitly set flags over config values
func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("max-concurrent") {
		cfg.Runner.MaxConcurrentRuns = maxConcurrent
	}
	if flags.Changed("max-queue") {
		cfg.Runner.MaxQueueSize = maxQueue
	}
	if flags.Changed("framework") {
		cfg.Runner.FrameworkPath = config.ExpandPath(frameworkPath)
	}
	if flags.Changed("port") {
		cfg.Web.Port = servePort
	}
	if flags.Changed("host") {
		cfg.Web.Host = serveHost
	}
	if debug {
		cfg.Runner.Debug = true
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigFor(cmd)
	if err != nil {
		return err
	}

	// the gateway hands messages to the bot, which is built around the gateway
	var handle gateway.MessageHandler
	gw := gateway.New(gateway.Config{Debug: cfg.Runner.Debug}, func(ctx context.Context, msg command.Message) {
		handle(ctx, msg)
	})

	channels := append([]notify.Channel{gw}, configuredChannels(cfg)...)
	a, err := newApp(cfg, channels...)
	if err != nil {
		return err
	}
	handle = a.bot.HandleMessage

	if a.allowlist.Len() == 0 {
		log.Printf("[bot] allowlist is empty, every chat will be ignored")
	}

	sched, err := a.newScheduler()
	if err != nil {
		a.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	reportDir := ""
	if a.publisher.Enabled() {
		reportDir = a.publisher.ReportDir()
	}
	server := api.NewServer(api.Options{
		Addr:      addr,
		Runs:      a.bot,
		Metrics:   promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}),
		ReportDir: reportDir,
		WebSocket: gw.HandleWebSocket,
	})

	ctx, stop := signalContext()
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		gw.Start(gctx)
		return nil
	})
	g.Go(func() error {
		sched.Start(gctx, a.runSchedule)
		return nil
	})
	g.Go(func() error {
		return a.allowlist.Watch(gctx)
	})

	fmt.Printf("Test Run Bot listening on http://%s (bridges connect to ws://%s/ws)\n", addr, addr)
	err = g.Wait()

	log.Printf("[bot] shutting down")
	// bridges stay connected until cancellations were announced
	a.shutdown()
	gw.Close()

	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runConsole(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigFor(cmd)
	if err != nil {
		return err
	}

	channels := append([]notify.Channel{notify.NewConsoleChannel(os.Stdout)}, configuredChannels(cfg)...)
	a, err := newApp(cfg, channels...)
	if err != nil {
		return err
	}
	defer a.shutdown()
	a.allowlist.Allow(consoleChatID)

	ctx, stop := signalContext()
	defer stop()

	fmt.Println("Type /help for commands, Ctrl-D to exit once runs finish.")
	consoleLoop(ctx, os.Stdin, func(ctx context.Context, text string) {
		a.bot.HandleMessage(ctx, command.Message{ChatID: consoleChatID, UserID: consoleUserID, Text: text})
	})

	return waitIdle(ctx, a.bot.Queue().Counts)
}

// consoleLoop feeds each non-empty input line to handle until EOF or ctx ends
func consoleLoop(ctx context.Context, r io.Reader, handle func(context.Context, string)) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line = strings.TrimSpace(line); line != "" {
				handle(ctx, line)
			}
		}
	}
}

// waitIdle blocks until nothing is running or queued, or ctx ends
func waitIdle(ctx context.Context, counts func() (running, queued int)) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if running, queued := counts(); running == 0 && queued == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigFor(cmd)
	if err != nil {
		return err
	}

	channels := append([]notify.Channel{notify.NewConsoleChannel(os.Stdout)}, configuredChannels(cfg)...)
	a, err := newApp(cfg, channels...)
	if err != nil {
		return err
	}
	defer a.shutdown()

	suite := strings.TrimPrefix(args[0], command.Marker)
	if !a.bot.HasSuite(suite) {
		return fmt.Errorf("unknown suite %q", suite)
	}

	ctx, stop := signalContext()
	defer stop()

	info, err := a.bot.RunSuite(ctx, suite, runChatID, runEnv)
	if err != nil {
		return err
	}

	res, err := info.Wait(ctx)
	if err != nil {
		a.bot.Cancel(info.Request.RunID, false)
		res, _ = info.Wait(context.Background())
	}

	if !res.Succeeded() {
		return fmt.Errorf("run %s finished with status %s", res.RunID, res.Status)
	}
	return nil
}

func resolveAPIURL() (string, error) {
	if apiURL != "" {
		return apiURL, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port), nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	url, err := resolveAPIURL()
	if err != nil {
		return err
	}
	client := tui.NewClient(url)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("bot not reachable at %s: %w", url, err)
	}
	runs, err := client.Runs(ctx)
	if err != nil {
		return err
	}

	return printStatus(os.Stdout, status, runs)
}

func printStatus(out io.Writer, status api.StatusResponse, runs []api.RunResponse) error {
	fmt.Fprintf(out, "Running: %d/%d | Queued: %d/%d\n\n",
		status.Running, status.MaxConcurrent, status.Queued, status.MaxQueue)

	if len(runs) == 0 {
		fmt.Fprintln(out, "No tests running or queued.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSUITE\tENV\tSTATUS\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Label, r.Env, r.Status, r.Duration)
	}
	return w.Flush()
}

func runTUI(cmd *cobra.Command, args []string) error {
	url, err := resolveAPIURL()
	if err != nil {
		return err
	}

	model := tui.NewModel(tui.ModelConfig{
		Client:   tui.NewClient(url),
		Interval: time.Duration(refreshSeconds) * time.Second,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
