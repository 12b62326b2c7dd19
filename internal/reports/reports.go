// Package reports reads per-class Surefire XML reports and folds them into a
// run result.
package reports

import (
	"context"
	"encoding/xml"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/testrun-bot/internal/domain"
)

// DefaultDir is the report directory relative to the framework path
var DefaultDir = filepath.Join("target", "surefire-reports")

const filePattern = "TEST-*.xml"

// Parser locates and parses report files
type Parser struct {
	dir     string
	workers int
}

// NewParser creates a parser for reports under dir, relative to the
// framework path unless absolute. An empty dir means DefaultDir.
func NewParser(dir string) *Parser {
	if dir == "" {
		dir = DefaultDir
	}
	return &Parser{dir: dir, workers: 4}
}

// Dir returns the report directory for a framework checkout
func (p *Parser) Dir(frameworkPath string) string {
	if filepath.IsAbs(p.dir) {
		return p.dir
	}
	return filepath.Join(frameworkPath, p.dir)
}

// ParseReports parses every report file in sorted file-name order. A missing
// directory yields an empty list. Malformed files are logged and skipped.
func (p *Parser) ParseReports(ctx context.Context, frameworkPath string) []domain.TestSuite {
	dir := p.Dir(frameworkPath)
	files, err := p.files(dir)
	if err != nil {
		log.Printf("[reports] WARNING: %v", err)
		return nil
	}
	if len(files) == 0 {
		log.Printf("[reports] WARNING: no report files in %s", dir)
		return nil
	}

	parsed := make([]*domain.TestSuite, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			suite, err := ParseFile(file)
			if err != nil {
				log.Printf("[reports] skipping %s: %v", filepath.Base(file), err)
				return nil
			}
			parsed[i] = &suite
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("[reports] parsing interrupted: %v", err)
	}

	suites := make([]domain.TestSuite, 0, len(parsed))
	for _, s := range parsed {
		if s != nil {
			suites = append(suites, *s)
		}
	}
	return suites
}

// CleanReports removes report files left by a previous run
func (p *Parser) CleanReports(frameworkPath string) error {
	dir := p.Dir(frameworkPath)
	files, err := p.files(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale report: %w", err)
		}
	}
	return nil
}

func (p *Parser) files(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("reports directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("reports path %s is not a directory", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, filePattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// ParseFile decodes a single report file
func ParseFile(path string) (domain.TestSuite, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.TestSuite{}, err
	}
	defer f.Close()

	var suite domain.TestSuite
	dec := xml.NewDecoder(f)
	if err := dec.Decode(&suite); err != nil {
		return domain.TestSuite{}, fmt.Errorf("decode: %w", err)
	}
	return suite, nil
}

// BuildResult sums the suites into a result. The run is COMPLETED only when
// no suite reports failures or errors.
func BuildResult(runID string, suites []domain.TestSuite, duration time.Duration, reportURL string) domain.RunResult {
	res := domain.RunResult{
		RunID:     runID,
		Duration:  duration,
		ReportURL: reportURL,
	}
	for _, s := range suites {
		res.Total += s.Tests
		res.Failed += s.Failures
		res.Errors += s.Errors
		res.Skipped += s.Skipped
	}
	res.Passed = res.Total - res.Failed - res.Errors - res.Skipped
	if res.Failed == 0 && res.Errors == 0 {
		res.Status = domain.RunCompleted
	} else {
		res.Status = domain.RunFailed
	}
	return res
}

// FailedCases returns cases with a failure or an error, in suite order
func FailedCases(suites []domain.TestSuite) []domain.TestCase {
	var failed []domain.TestCase
	for _, s := range suites {
		for _, c := range s.TestCases {
			if c.IsFailed() || c.IsError() {
				failed = append(failed, c)
			}
		}
	}
	return failed
}
