package publish

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hochfrequenz/testrun-bot/internal/config"
)

// Publisher generates the Allure report after a run and optionally pushes it
// to GitHub Pages. Runs share one report directory, so publishing is serialized.
type Publisher struct {
	enabled   bool
	generator *Generator
	pages     *PagesPublisher
	reportDir string
	baseURL   string
	pagesURL  string

	mu sync.Mutex
}

// New builds a publisher. Relative result and report directories are
// resolved against frameworkPath.
func New(cfg config.PublishConfig, frameworkPath string, debug bool) *Publisher {
	resolve := func(dir string) string {
		if dir == "" || filepath.IsAbs(dir) {
			return dir
		}
		return filepath.Join(frameworkPath, dir)
	}

	p := &Publisher{
		enabled:   cfg.Enabled,
		reportDir: resolve(cfg.ReportDir),
		baseURL:   cfg.ReportBaseURL,
		pagesURL:  cfg.GitHubPages.BaseURL,
		generator: &Generator{
			Executable: AllureExecutable(cfg.AllureHome),
			ResultsDir: resolve(cfg.ResultsDir),
			ReportDir:  resolve(cfg.ReportDir),
			Debug:      debug,
		},
	}
	if cfg.GitHubPages.Enabled {
		p.pages = &PagesPublisher{
			RepoPath:    cfg.GitHubPages.RepoPath,
			Branch:      cfg.GitHubPages.Branch,
			Remote:      cfg.GitHubPages.Remote,
			AuthorName:  "testrun-bot",
			AuthorEmail: "testrun-bot@localhost",
			Debug:       debug,
		}
	}
	return p
}

// Enabled reports whether reports are generated at all
func (p *Publisher) Enabled() bool {
	return p != nil && p.enabled
}

// ReportDir returns the directory holding the generated HTML report
func (p *Publisher) ReportDir() string {
	return p.reportDir
}

// Publish generates the report for runID and returns its URL. It returns an
// empty reference when publishing is disabled or generation fails.
// A failed Pages push still yields the locally served URL.
func (p *Publisher) Publish(ctx context.Context, runID string) (string, error) {
	if !p.Enabled() {
		return "", nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	log.Printf("[publish] [%s] generating report in %s", runID, p.reportDir)
	if err := p.generator.Generate(ctx); err != nil {
		return "", fmt.Errorf("generating report: %w", err)
	}

	if p.pages != nil {
		if _, err := p.pages.Publish(ctx, p.reportDir); err != nil {
			return expandURL(p.baseURL, runID), fmt.Errorf("publishing to pages: %w", err)
		}
		if p.pagesURL != "" {
			return expandURL(p.pagesURL, runID), nil
		}
	}
	return expandURL(p.baseURL, runID), nil
}

// expandURL substitutes {run_id} in a configured URL
func expandURL(url, runID string) string {
	return strings.ReplaceAll(url, "{run_id}", runID)
}
