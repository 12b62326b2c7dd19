// Package publish turns raw Allure results into an HTML report and optionally
// pushes it to a GitHub Pages branch.
package publish

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

// Generator runs "allure generate"
type Generator struct {
	Executable string
	ResultsDir string
	ReportDir  string
	Timeout    time.Duration
	Debug      bool
}

// AllureExecutable returns the allure launcher inside allureHome, or "allure"
// from PATH when allureHome is empty.
func AllureExecutable(allureHome string) string {
	if allureHome == "" {
		return "allure"
	}
	name := "allure"
	if runtime.GOOS == "windows" {
		name = "allure.bat"
	}
	return filepath.Join(allureHome, "bin", name)
}

// Generate writes the HTML report, replacing any previous one
func (g *Generator) Generate(ctx context.Context) error {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.Executable, "generate", g.ResultsDir, "-o", g.ReportDir, "--clean")
	out, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting allure: %w", err)
	}
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		if g.Debug {
			log.Printf("[allure] %s", scanner.Text())
		}
	}

	err = cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("allure generate timed out after %s", timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("allure generate failed with exit code %d", exitErr.ExitCode())
		}
		return fmt.Errorf("allure generate: %w", err)
	}
	return nil
}
