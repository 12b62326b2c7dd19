// Package runner spawns the external test command for a run, drains its
// combined output, enforces the wall-clock timeout and classifies the outcome.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/hochfrequenz/testrun-bot/internal/domain"
)

// Config configures the process runner
type Config struct {
	FrameworkPath string
	Executable    string
	BaseArgs      []string
	ExtraArgs     []string
	Env           map[string]string
	Timeout       time.Duration
	LogDir        string
	Debug         bool

	// DrainGrace bounds how long output is still read after the process was
	// reaped. Descendants may hold the pipe open past that point.
	DrainGrace time.Duration
}

// Runner executes test runs as external processes
type Runner struct {
	config Config
}

// New creates a runner, filling unset fields with defaults
func New(config Config) *Runner {
	if config.Executable == "" {
		config.Executable = "mvn"
	}
	if config.BaseArgs == nil {
		config.BaseArgs = []string{"test"}
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Minute
	}
	if config.DrainGrace <= 0 {
		config.DrainGrace = 5 * time.Second
	}
	return &Runner{config: config}
}

// Args builds the argument list for a request, excluding the executable
func (r *Runner) Args(req domain.RunRequest) []string {
	args := append([]string{}, r.config.BaseArgs...)
	switch req.Selector.Kind {
	case domain.ByTestClass:
		args = append(args, "-Dtest="+req.Selector.Name)
	default:
		args = append(args, "-P"+req.Selector.Name)
	}
	args = append(args,
		"-Denv="+req.Env,
		"-Dbrowser="+req.Browser,
		"-Dheadless="+strconv.FormatBool(req.Headless),
	)
	return append(args, r.config.ExtraArgs...)
}

// Run executes the request and blocks until the process exits, the timeout
// expires or ctx is cancelled. onStart receives the process handle as soon as
// it exists. Run never returns an error: every failure becomes a FAILED result.
func (r *Runner) Run(ctx context.Context, req domain.RunRequest, onStart func(*os.Process)) domain.RunResult {
	start := time.Now()
	result := domain.RunResult{RunID: req.RunID}
	fail := func(msg string) domain.RunResult {
		result.Status = domain.RunFailed
		result.ErrorMessage = msg
		result.Duration = time.Since(start)
		log.Printf("[runner] [%s] failed after %s: %s", req.RunID, result.Duration.Round(time.Millisecond), msg)
		return result
	}

	logFile := r.openLog(req.RunID)
	if logFile != nil {
		defer logFile.Close()
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return fail(err.Error())
	}
	defer pr.Close()

	args := r.Args(req)
	cmd := exec.Command(r.config.Executable, args...)
	cmd.Dir = r.config.FrameworkPath
	cmd.Env = append(os.Environ(), r.extraEnv()...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	setProcessGroup(cmd)

	log.Printf("[runner] [%s] %s %v (dir=%s)", req.RunID, r.config.Executable, args, r.config.FrameworkPath)
	if err := cmd.Start(); err != nil {
		pw.Close()
		return fail(err.Error())
	}
	// the child owns the write end now; EOF arrives once it and its descendants exit
	pw.Close()

	if r.config.Debug {
		log.Printf("[runner] [%s] started with PID %d", req.RunID, cmd.Process.Pid)
	}
	if onStart != nil {
		onStart(cmd.Process)
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		r.drain(req.RunID, pr, logFile)
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(r.config.Timeout)
	defer timer.Stop()

	var waitErr error
	var reason string
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		reason = "Timeout after " + formatTimeout(r.config.Timeout)
		killTree(cmd)
		<-waitCh
	case <-ctx.Done():
		reason = "Cancelled"
		killTree(cmd)
		<-waitCh
	}

	if reason == "" && ctx.Err() != nil {
		// killed from outside through the handle passed to onStart
		reason = "Cancelled"
		killTree(cmd)
	}

	r.finishDrain(req.RunID, drained, pr)

	if reason != "" {
		return fail(reason)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return fail(fmt.Sprintf("Exit code: %d", exitErr.ExitCode()))
		}
		return fail(waitErr.Error())
	}

	result.Status = domain.RunCompleted
	result.Duration = time.Since(start)
	log.Printf("[runner] [%s] completed in %s", req.RunID, result.Duration.Round(time.Millisecond))
	return result
}

func (r *Runner) drain(runID string, rd io.Reader, logFile *os.File) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if r.config.Debug {
			log.Printf("[runner] [%s] %s", runID, line)
		}
		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return
		}
		// an overlong line stops the scanner; keep the pipe empty regardless
		log.Printf("[runner] [%s] output scan: %v", runID, err)
		io.Copy(io.Discard, rd)
	}
}

func (r *Runner) finishDrain(runID string, drained <-chan struct{}, pr *os.File) {
	select {
	case <-drained:
	case <-time.After(r.config.DrainGrace):
		log.Printf("[runner] [%s] output still open after exit, closing pipe", runID)
		pr.Close()
		<-drained
	}
}

func (r *Runner) openLog(runID string) *os.File {
	if r.config.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.config.LogDir, 0755); err != nil {
		log.Printf("[runner] [%s] log dir: %v", runID, err)
		return nil
	}
	f, err := os.Create(filepath.Join(r.config.LogDir, runID+".log"))
	if err != nil {
		log.Printf("[runner] [%s] log file: %v", runID, err)
		return nil
	}
	return f
}

// LogPath returns where the output of a run is written, or "" when disabled
func (r *Runner) LogPath(runID string) string {
	if r.config.LogDir == "" {
		return ""
	}
	return filepath.Join(r.config.LogDir, runID+".log")
}

func (r *Runner) extraEnv() []string {
	keys := make([]string, 0, len(r.config.Env))
	for k := range r.config.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+r.config.Env[k])
	}
	return env
}

func formatTimeout(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		n := int(d / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	}
	return d.String()
}
