//go:build integration

package integration

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// binaryPath returns the path to the built CLI binary
func binaryPath(t *testing.T) string {
	t.Helper()
	// Look for the binary in common locations
	paths := []string{
		"../testrun-bot",
		"./testrun-bot",
		filepath.Join(os.Getenv("GOPATH"), "bin", "testrun-bot"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	// Try to build it
	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../testrun-bot", "../cmd/testrun-bot")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}

	abs, _ := filepath.Abs("../testrun-bot")
	return abs
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// TestCLI_RunPassingSuite tests a one-shot run of a passing profile
func TestCLI_RunPassingSuite(t *testing.T) {
	binary := binaryPath(t)
	configPath := WriteConfig(t, FrameworkDir(t), "")

	cmd := exec.Command(binary, "run", "smoke", "--env", "staging", "--config", configPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("run smoke failed: %v\n%s", err, out)
	}

	output := string(out)
	for _, want := range []string{"Test Queued", "Running: *smoke* (env=staging)", "SMOKE TEST RESULT", "Total: 2", "Passed: 2"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %q in output, got: %s", want, output)
		}
	}
}

// TestCLI_RunFailingSuite tests that a failing profile exits non-zero and lists failures
func TestCLI_RunFailingSuite(t *testing.T) {
	binary := binaryPath(t)
	configPath := WriteConfig(t, FrameworkDir(t), "")

	cmd := exec.Command(binary, "run", "regression", "--config", configPath)
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("Expected failing run to exit non-zero, got: %s", out)
	}

	output := string(out)
	for _, want := range []string{"REGRESSION TEST RESULT", "Failed: 1", "invalidLogin", "status FAILED"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %q in output, got: %s", want, output)
		}
	}
}

// TestCLI_Console tests chatting with the bot over stdin
func TestCLI_Console(t *testing.T) {
	binary := binaryPath(t)
	configPath := WriteConfig(t, FrameworkDir(t), "")

	cmd := exec.Command(binary, "console", "--config", configPath)
	cmd.Stdin = strings.NewReader("/help\n/env prod\n/smoke\nhello\n/nope\n")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("console failed: %v\n%s", err, out)
	}

	output := string(out)
	for _, want := range []string{
		"Available Commands",
		"/smoke - Run smoke tests",
		"Environment set to: *prod*",
		"Environment: `prod`",
		"SMOKE TEST RESULT",
		"Unknown command",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %q in output, got: %s", want, output)
		}
	}
}

// TestCLI_ServeAndStatus tests the HTTP API of a serving bot
func TestCLI_ServeAndStatus(t *testing.T) {
	binary := binaryPath(t)
	port := freePort(t)
	configPath := WriteConfig(t, FrameworkDir(t), fmt.Sprintf(`
[web]
host = "127.0.0.1"
port = %d
`, port))

	ctx, cancel := context.WithCancel(context.Background())
	serve := exec.CommandContext(ctx, binary, "serve", "--config", configPath)
	if err := serve.Start(); err != nil {
		cancel()
		t.Fatal(err)
	}
	defer func() {
		cancel()
		serve.Wait()
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not come up: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	status := exec.Command(binary, "status", "--url", base)
	out, err := status.CombinedOutput()
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "No tests running or queued.") {
		t.Errorf("Expected idle status, got: %s", out)
	}

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", resp.StatusCode)
	}
}

// TestCLI_StatusUnreachable tests status against a bot that is not running
func TestCLI_StatusUnreachable(t *testing.T) {
	binary := binaryPath(t)

	cmd := exec.Command(binary, "status", "--url", fmt.Sprintf("http://127.0.0.1:%d", freePort(t)))
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Error("Expected error when the bot is not running")
	}
	if !strings.Contains(string(out), "not reachable") {
		t.Errorf("Expected reachability error, got: %s", out)
	}
}

// TestCLI_InvalidCommand tests an unknown subcommand
func TestCLI_InvalidCommand(t *testing.T) {
	binary := binaryPath(t)

	cmd := exec.Command(binary, "invalidcommand")
	out, err := cmd.CombinedOutput()

	// Should return error
	if err == nil {
		t.Error("Expected error for invalid command")
	}

	output := string(out)

	// Should suggest valid commands or show help
	if !strings.Contains(output, "unknown command") && !strings.Contains(output, "Usage") {
		t.Errorf("Expected error message or usage info, got: %s", output)
	}
}

// TestCLI_RunInvalidConfig tests error reporting for a broken config
func TestCLI_RunInvalidConfig(t *testing.T) {
	binary := binaryPath(t)
	configPath := WriteConfig(t, FrameworkDir(t), `
[[suites]]
command = "broken"
profile = "smoke"
test_class = "LoginTest"
`)

	cmd := exec.Command(binary, "run", "broken", "--config", configPath)
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Error("Expected error for invalid suite definition")
	}
	if !strings.Contains(string(out), "exactly one of profile or test_class") {
		t.Errorf("Expected suite validation error, got: %s", out)
	}
}
