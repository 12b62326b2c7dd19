package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	Runner        RunnerConfig        `toml:"runner"`
	Bot           BotConfig           `toml:"bot"`
	Suites        []SuiteConfig       `toml:"suites"`
	Publish       PublishConfig       `toml:"publish"`
	Schedules     []ScheduleConfig    `toml:"schedules"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// RunnerConfig controls how test runs are executed
type RunnerConfig struct {
	FrameworkPath     string            `toml:"framework_path"`
	Executable        string            `toml:"executable"`
	BaseArgs          []string          `toml:"base_args"`
	ExtraArgs         []string          `toml:"extra_args"`
	Env               map[string]string `toml:"env"`
	ReportsDir        string            `toml:"reports_dir"`
	LogDir            string            `toml:"log_dir"`
	TimeoutMinutes    int               `toml:"timeout_minutes"`
	MaxConcurrentRuns int               `toml:"max_concurrent_runs"`
	MaxQueueSize      int               `toml:"max_queue_size"`
	DefaultEnv        string            `toml:"default_env"`
	DefaultBrowser    string            `toml:"default_browser"`
	Headless          bool              `toml:"headless"`
	Debug             bool              `toml:"debug"`
}

// Timeout returns the wall-clock budget for one run
func (r RunnerConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMinutes) * time.Minute
}

// BotConfig holds chat-facing settings
type BotConfig struct {
	AllowedChatIDs []int64  `toml:"allowed_chat_ids"`
	AllowlistFile  string   `toml:"allowlist_file"`
	ValidEnvs      []string `toml:"valid_envs"`
	SessionsDB     string   `toml:"sessions_db"`
}

// SuiteConfig maps a chat command to exactly one of a profile or a test class
type SuiteConfig struct {
	Command     string `toml:"command"`
	Description string `toml:"description"`
	Profile     string `toml:"profile"`
	TestClass   string `toml:"test_class"`
}

// PublishConfig holds report generation and publishing settings
type PublishConfig struct {
	Enabled       bool              `toml:"enabled"`
	AllureHome    string            `toml:"allure_home"`
	ResultsDir    string            `toml:"results_dir"`
	ReportDir     string            `toml:"report_dir"`
	ReportBaseURL string            `toml:"report_base_url"`
	GitHubPages   GitHubPagesConfig `toml:"github_pages"`
}

// GitHubPagesConfig holds settings for pushing reports to a gh-pages branch
type GitHubPagesConfig struct {
	Enabled  bool   `toml:"enabled"`
	RepoPath string `toml:"repo_path"`
	Branch   string `toml:"branch"`
	Remote   string `toml:"remote"`
	BaseURL  string `toml:"base_url"`
}

// ScheduleConfig triggers a suite command on a cron expression
type ScheduleConfig struct {
	Name    string `toml:"name"`
	Cron    string `toml:"cron"`
	Command string `toml:"command"`
	Env     string `toml:"env"`
	ChatID  int64  `toml:"chat_id"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
	Desktop      bool   `toml:"desktop"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// DefaultSuites returns the suite commands available without configuration
func DefaultSuites() []SuiteConfig {
	return []SuiteConfig{
		{Command: "smoke", Description: "Run smoke tests", Profile: "smoke"},
		{Command: "regression", Description: "Run full regression suite", Profile: "regression"},
		{Command: "api", Description: "Run API tests", Profile: "api"},
		{Command: "checkout", Description: "Run checkout flow test", TestClass: "CheckoutTest"},
		{Command: "product", Description: "Run product creation test", TestClass: "CreateProductTest"},
		{Command: "dashboard", Description: "Run dashboard test", TestClass: "DashboardTest"},
	}
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Runner: RunnerConfig{
			FrameworkPath:     "",
			Executable:        "mvn",
			BaseArgs:          []string{"test"},
			ExtraArgs:         []string{"-Dsurefire.useFile=false"},
			ReportsDir:        filepath.Join("target", "surefire-reports"),
			LogDir:            "",
			TimeoutMinutes:    30,
			MaxConcurrentRuns: 3,
			MaxQueueSize:      5,
			DefaultEnv:        "dev",
			DefaultBrowser:    "chrome",
			Headless:          true,
		},
		Bot: BotConfig{
			ValidEnvs:  []string{"dev", "staging", "prod"},
			SessionsDB: filepath.Join(home, ".testrun-bot", "sessions.db"),
		},
		Suites: DefaultSuites(),
		Publish: PublishConfig{
			ResultsDir: filepath.Join("target", "allure-results"),
			ReportDir:  filepath.Join("target", "allure-report"),
			GitHubPages: GitHubPagesConfig{
				Branch: "gh-pages",
				Remote: "origin",
			},
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	// A file that declares [[suites]] replaces the default table entirely
	cfg.Suites = nil
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(cfg.Suites) == 0 {
		cfg.Suites = DefaultSuites()
	}

	// Expand paths
	cfg.Runner.FrameworkPath = ExpandPath(cfg.Runner.FrameworkPath)
	cfg.Runner.LogDir = ExpandPath(cfg.Runner.LogDir)
	cfg.Bot.SessionsDB = ExpandPath(cfg.Bot.SessionsDB)
	cfg.Bot.AllowlistFile = ExpandPath(cfg.Bot.AllowlistFile)
	cfg.Publish.AllureHome = ExpandPath(cfg.Publish.AllureHome)
	cfg.Publish.GitHubPages.RepoPath = ExpandPath(cfg.Publish.GitHubPages.RepoPath)

	return cfg, nil
}

// Validate checks settings that would otherwise fail at run time
func (c *Config) Validate() error {
	if c.Runner.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("runner.max_concurrent_runs must be positive, got %d", c.Runner.MaxConcurrentRuns)
	}
	if c.Runner.MaxQueueSize < 0 {
		return fmt.Errorf("runner.max_queue_size must not be negative, got %d", c.Runner.MaxQueueSize)
	}
	if c.Runner.TimeoutMinutes <= 0 {
		return fmt.Errorf("runner.timeout_minutes must be positive, got %d", c.Runner.TimeoutMinutes)
	}
	if c.Runner.Executable == "" {
		return fmt.Errorf("runner.executable is required")
	}
	if !c.IsValidEnv(c.Runner.DefaultEnv) {
		return fmt.Errorf("runner.default_env %q is not in bot.valid_envs", c.Runner.DefaultEnv)
	}

	seen := make(map[string]bool)
	for i, s := range c.Suites {
		if s.Command == "" {
			return fmt.Errorf("suites[%d]: command is required", i)
		}
		name := strings.ToLower(s.Command)
		if seen[name] {
			return fmt.Errorf("suites[%d]: duplicate command %q", i, s.Command)
		}
		seen[name] = true
		if (s.Profile == "") == (s.TestClass == "") {
			return fmt.Errorf("suites[%d] %q: exactly one of profile or test_class must be set", i, s.Command)
		}
	}

	for i, s := range c.Schedules {
		if s.Cron == "" || s.Command == "" {
			return fmt.Errorf("schedules[%d]: cron and command are required", i)
		}
	}

	if c.Publish.GitHubPages.Enabled && c.Publish.GitHubPages.RepoPath == "" {
		return fmt.Errorf("publish.github_pages.repo_path is required when enabled")
	}
	return nil
}

// IsValidEnv reports whether env is one of the configured environments
func (c *Config) IsValidEnv(env string) bool {
	for _, e := range c.Bot.ValidEnvs {
		if e == env {
			return true
		}
	}
	return false
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "testrun-bot", "config.toml")
}
