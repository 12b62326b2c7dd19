package bot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/testrun-bot/internal/access"
	"github.com/hochfrequenz/testrun-bot/internal/command"
	"github.com/hochfrequenz/testrun-bot/internal/config"
	"github.com/hochfrequenz/testrun-bot/internal/domain"
	"github.com/hochfrequenz/testrun-bot/internal/notify"
	"github.com/hochfrequenz/testrun-bot/internal/runqueue"
	"github.com/hochfrequenz/testrun-bot/internal/sessionstore"
)

type sent struct {
	chatID int64
	text   string
}

// recorder is a notify.Channel that keeps every message
type recorder struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recorder) Send(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{chatID, text})
	return nil
}

func (r *recorder) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sent, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *recorder) count(substr string) int {
	n := 0
	for _, m := range r.all() {
		if strings.Contains(m.text, substr) {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, substr string) sent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range r.all() {
			if strings.Contains(m.text, substr) {
				return m
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no message containing %q; got %v", substr, r.all())
	return sent{}
}

// fakeRunner writes report files into the framework checkout and returns
// a canned outcome. When block is set it waits for release or cancellation.
type fakeRunner struct {
	framework string
	reports   map[string]string
	outcome   domain.RunResult
	block     chan struct{}

	mu   sync.Mutex
	reqs []domain.RunRequest
}

func (f *fakeRunner) Run(ctx context.Context, req domain.RunRequest, onStart func(*os.Process)) domain.RunResult {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return domain.RunResult{RunID: req.RunID, Status: domain.RunFailed, ErrorMessage: "Cancelled"}
		}
	}

	dir := filepath.Join(f.framework, "target", "surefire-reports")
	os.MkdirAll(dir, 0755)
	for name, content := range f.reports {
		os.WriteFile(filepath.Join(dir, name), []byte(content), 0644)
	}

	res := f.outcome
	res.RunID = req.RunID
	if res.Status == "" {
		res.Status = domain.RunCompleted
	}
	res.Duration = 75 * time.Second
	return res
}

func (f *fakeRunner) requests() []domain.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.RunRequest(nil), f.reqs...)
}

const passingReport = `<?xml version="1.0" encoding="UTF-8"?>
<testsuite name="com.shop.SmokeTest" tests="3" failures="0" errors="0" skipped="0" time="12.5">
  <testcase name="opensHome" classname="com.shop.SmokeTest" time="4.0"/>
  <testcase name="searches" classname="com.shop.SmokeTest" time="4.0"/>
  <testcase name="logsIn" classname="com.shop.SmokeTest" time="4.5"/>
</testsuite>`

const failingReport = `<?xml version="1.0" encoding="UTF-8"?>
<testsuite name="com.shop.CheckoutTest" tests="2" failures="1" errors="0" skipped="0" time="30">
  <testcase name="paysByCard" classname="com.shop.CheckoutTest" time="10">
    <failure message="expected total 10.00 but was 12.00" type="AssertionError"/>
  </testcase>
  <testcase name="paysByInvoice" classname="com.shop.CheckoutTest" time="20"/>
</testsuite>`

type fixture struct {
	bot    *Bot
	runner *fakeRunner
	out    *recorder
}

func newFixture(t *testing.T, maxConcurrent, maxQueue int, mutate func(*Options)) *fixture {
	t.Helper()
	framework := t.TempDir()
	runner := &fakeRunner{framework: framework, reports: map[string]string{"TEST-com.shop.SmokeTest.xml": passingReport}}
	out := &recorder{}

	store, err := sessionstore.New(":memory:", "dev")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	opts := Options{
		Settings: Settings{
			FrameworkPath: framework,
			DefaultEnv:    "dev",
			ValidEnvs:     []string{"dev", "staging", "prod"},
			Browser:       "chrome",
			Headless:      true,
		},
		Queue:    runqueue.New(maxConcurrent, maxQueue),
		Runner:   runner,
		Notifier: notify.New(out),
		Envs:     store,
		Suites:   config.DefaultSuites(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	b, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if runner.block != nil {
			select {
			case <-runner.block:
			default:
				close(runner.block)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})
	return &fixture{bot: b, runner: runner, out: out}
}

func message(text string) command.Message {
	return command.Message{ChatID: 10, UserID: 7, Text: text}
}

func TestBot_SuiteRunReportsResult(t *testing.T) {
	f := newFixture(t, 1, 1, nil)
	ctx := context.Background()

	f.bot.HandleMessage(ctx, message("/smoke"))

	result := f.out.waitFor(t, "SMOKE TEST RESULT")
	if !strings.HasPrefix(result.text, "✅") {
		t.Errorf("result = %q, want success icon", result.text)
	}
	for _, want := range []string{"Total: 3", "Passed: 3", "Failed: 0", "Duration: 1m 15s", "Environment: `dev`"} {
		if !strings.Contains(result.text, want) {
			t.Errorf("result missing %q:\n%s", want, result.text)
		}
	}

	msgs := f.out.all()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want queued, running, result: %v", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0].text, "Test Queued") || !strings.Contains(msgs[1].text, "Running: *smoke*") {
		t.Errorf("unexpected message order: %v", msgs)
	}
	for _, m := range msgs {
		if m.chatID != 10 {
			t.Errorf("message sent to chat %d, want 10", m.chatID)
		}
	}

	reqs := f.runner.requests()
	if len(reqs) != 1 {
		t.Fatalf("runner called %d times", len(reqs))
	}
	req := reqs[0]
	if req.Selector != domain.Profile("smoke") || req.Browser != "chrome" || !req.Headless || len(req.RunID) != 8 {
		t.Errorf("request = %+v", req)
	}
}

func TestBot_FailedRunListsFailures(t *testing.T) {
	f := newFixture(t, 1, 1, nil)
	f.runner.reports = map[string]string{"TEST-com.shop.CheckoutTest.xml": failingReport}
	f.runner.outcome = domain.RunResult{Status: domain.RunFailed, ErrorMessage: "Exit code: 1"}

	f.bot.HandleMessage(context.Background(), message("/checkout staging"))

	result := f.out.waitFor(t, "CHECKOUTTEST TEST RESULT")
	for _, want := range []string{"❌", "Environment: `staging`", "Failed: 1", "Error: Exit code: 1", "paysByCard", "expected total 10.00"} {
		if !strings.Contains(result.text, want) {
			t.Errorf("result missing %q:\n%s", want, result.text)
		}
	}
	if got := f.runner.requests()[0].Selector; got != domain.TestClass("CheckoutTest") {
		t.Errorf("selector = %v", got)
	}
}

func TestBot_QueueFull(t *testing.T) {
	f := newFixture(t, 1, 0, nil)
	f.runner.block = make(chan struct{})
	ctx := context.Background()

	f.bot.HandleMessage(ctx, message("/smoke"))
	f.out.waitFor(t, "Running: *smoke*")

	var rejected int
	f.bot.Subscribe(func(ev Event) {
		if ev.Type == EventRejected {
			rejected++
		}
	})
	f.bot.HandleMessage(ctx, message("/regression"))

	f.out.waitFor(t, "Queue is full")
	if rejected != 1 {
		t.Errorf("rejected events = %d, want 1", rejected)
	}
	if n := len(f.bot.Queue().ListActive()); n != 1 {
		t.Errorf("tracked runs = %d, want 1", n)
	}

	close(f.runner.block)
	f.out.waitFor(t, "SMOKE TEST RESULT")
	if len(f.runner.requests()) != 1 {
		t.Error("rejected run must not execute")
	}
}

func TestBot_UnknownAndPlainText(t *testing.T) {
	f := newFixture(t, 1, 1, nil)
	ctx := context.Background()

	f.bot.HandleMessage(ctx, message("hello there"))
	if n := len(f.out.all()); n != 0 {
		t.Fatalf("plain text produced %d messages", n)
	}

	f.bot.HandleMessage(ctx, message("/frobnicate"))
	msgs := f.out.all()
	if len(msgs) != 1 || msgs[0].text != command.UnknownCommandReply {
		t.Errorf("messages = %v, want unknown command reply", msgs)
	}
	if n := len(f.bot.Queue().ListActive()); n != 0 {
		t.Errorf("unknown command touched the queue: %d runs", n)
	}
}

func TestBot_AllowlistDropsForeignChats(t *testing.T) {
	allow, err := access.New([]int64{99}, "")
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, 1, 1, func(o *Options) { o.Allowlist = allow })

	f.bot.HandleMessage(context.Background(), message("/help"))
	if n := len(f.out.all()); n != 0 {
		t.Errorf("denied chat got %d replies", n)
	}

	f.bot.HandleMessage(context.Background(), command.Message{ChatID: 99, UserID: 1, Text: "/help"})
	f.out.waitFor(t, "Available Commands")
}

func TestBot_Help(t *testing.T) {
	f := newFixture(t, 1, 1, nil)
	f.bot.HandleMessage(context.Background(), message("/help@testrun_bot"))

	text := f.out.waitFor(t, "Available Commands").text
	order := []string{"/help - ", "/env - ", "/status - ", "/cancel - ", "/smoke - ", "/regression - ", "/api - ", "/checkout - "}
	last := -1
	for _, want := range order {
		i := strings.Index(text, want)
		if i < 0 {
			t.Fatalf("help missing %q:\n%s", want, text)
		}
		if i < last {
			t.Errorf("%q out of registration order", want)
		}
		last = i
	}
}

func TestBot_EnvResolution(t *testing.T) {
	f := newFixture(t, 1, 1, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		args string
		want string
	}{
		{"default", "", "dev"},
		{"override lower-cased", "  PROD ", "prod"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := f.bot.ResolveEnv(ctx, 7, tt.args)
			if err != nil {
				t.Fatal(err)
			}
			if env != tt.want {
				t.Errorf("ResolveEnv(%q) = %q, want %q", tt.args, env, tt.want)
			}
		})
	}

	f.bot.HandleMessage(ctx, message("/env staging"))
	f.out.waitFor(t, "Environment set to: *staging*")
	if env, _ := f.bot.ResolveEnv(ctx, 7, ""); env != "staging" {
		t.Errorf("saved env = %q, want staging", env)
	}
	if env, _ := f.bot.ResolveEnv(ctx, 7, "prod"); env != "prod" {
		t.Errorf("args must override saved env, got %q", env)
	}

	if _, err := f.bot.ResolveEnv(ctx, 7, "qa"); !errors.Is(err, ErrInvalidEnv) {
		t.Errorf("ResolveEnv(qa) error = %v, want ErrInvalidEnv", err)
	}
}

func TestBot_EnvCommand(t *testing.T) {
	f := newFixture(t, 1, 1, nil)
	ctx := context.Background()

	f.bot.HandleMessage(ctx, message("/env"))
	f.out.waitFor(t, "Current environment: *dev*")

	f.bot.HandleMessage(ctx, message("/env qa"))
	f.out.waitFor(t, "Invalid environment: qa")

	f.bot.HandleMessage(ctx, message("/smoke qa"))
	f.out.waitFor(t, "Valid options: dev, staging, prod")
	if len(f.runner.requests()) != 0 {
		t.Error("invalid env must not start a run")
	}
}

func TestBot_StatusAndCancel(t *testing.T) {
	f := newFixture(t, 1, 1, nil)
	f.runner.block = make(chan struct{})
	ctx := context.Background()

	f.bot.HandleMessage(ctx, message("/status"))
	f.out.waitFor(t, "No tests running or queued.")

	first, err := f.bot.SubmitRun(ctx, message("/smoke"), domain.Profile("smoke"), "")
	if err != nil {
		t.Fatal(err)
	}
	f.out.waitFor(t, "Running: *smoke*")
	second, err := f.bot.SubmitRun(ctx, message("/api"), domain.Profile("api"), "")
	if err != nil {
		t.Fatal(err)
	}

	f.bot.HandleMessage(ctx, message("/status"))
	status := f.out.waitFor(t, "Running: 1 | Queued: 1").text
	if !strings.Contains(status, "▶️ `"+first.Request.RunID+"` smoke (env=dev) [RUNNING]") {
		t.Errorf("status missing running line:\n%s", status)
	}
	if !strings.Contains(status, "⏳ `"+second.Request.RunID+"` api (env=dev) [QUEUED]") {
		t.Errorf("status missing queued line:\n%s", status)
	}

	// another user cannot cancel
	f.bot.HandleMessage(ctx, command.Message{ChatID: 11, UserID: 8, Text: "/cancel " + first.Request.RunID})
	f.out.waitFor(t, "Run ID `"+first.Request.RunID+"` not found.")

	f.bot.HandleMessage(ctx, message("/cancel "+first.Request.RunID))
	f.out.waitFor(t, "Test `"+first.Request.RunID+"` cancelled.")

	res := <-first.Done()
	if res.Status != domain.RunCancelled {
		t.Errorf("status = %s, want CANCELLED", res.Status)
	}

	f.bot.HandleMessage(ctx, message("/cancel"))
	f.out.waitFor(t, "Cancelled 1 test run(s).")
	<-second.Done()

	f.bot.HandleMessage(ctx, message("/cancel"))
	f.out.waitFor(t, "You don't have any running tests.")

	// acknowledged cancellations get no extra notice
	time.Sleep(50 * time.Millisecond)
	if n := f.out.count("🚫"); n != 0 {
		t.Errorf("got %d cancellation notices, want 0", n)
	}
	if n := f.out.count("TEST RESULT"); n != 0 {
		t.Errorf("cancelled runs produced %d result messages", n)
	}
}

func TestBot_CancelFromOutsideChatNotifies(t *testing.T) {
	f := newFixture(t, 1, 0, nil)
	f.runner.block = make(chan struct{})
	ctx := context.Background()

	info, err := f.bot.SubmitRun(ctx, message("/regression"), domain.Profile("regression"), "")
	if err != nil {
		t.Fatal(err)
	}
	f.out.waitFor(t, "Running: *regression*")

	if !f.bot.Cancel(info.Request.RunID, false) {
		t.Fatal("Cancel() = false")
	}
	if f.bot.Cancel(info.Request.RunID, false) {
		t.Error("second Cancel() must return false")
	}
	f.out.waitFor(t, "🚫 *regression* cancelled")
}

func TestBot_Events(t *testing.T) {
	f := newFixture(t, 1, 1, nil)

	var mu sync.Mutex
	var types []EventType
	done := make(chan struct{})
	f.bot.Subscribe(func(ev Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
		if ev.Type == EventFinished {
			if ev.Result == nil || ev.Result.Total != 3 {
				t.Errorf("finished event result = %+v", ev.Result)
			}
			close(done)
		}
	})

	if _, err := f.bot.SubmitRun(context.Background(), message("/smoke"), domain.Profile("smoke"), ""); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no finished event")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{EventQueued, EventStarted, EventFinished}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("events = %v, want %v", types, want)
			break
		}
	}
}

func TestBot_StaleReportsCleared(t *testing.T) {
	f := newFixture(t, 1, 1, nil)
	dir := filepath.Join(f.runner.framework, "target", "surefire-reports")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "TEST-com.shop.CheckoutTest.xml"), []byte(failingReport), 0644); err != nil {
		t.Fatal(err)
	}

	f.bot.HandleMessage(context.Background(), message("/smoke"))
	result := f.out.waitFor(t, "SMOKE TEST RESULT").text
	if !strings.Contains(result, "Total: 3") {
		t.Errorf("stale report was aggregated:\n%s", result)
	}
}

func TestBot_ClaimReports(t *testing.T) {
	f := newFixture(t, 2, 0, nil)
	dir := filepath.Join(f.runner.framework, "target", "surefire-reports")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(dir, "TEST-com.shop.CheckoutTest.xml")
	writeStale := func() {
		if err := os.WriteFile(stale, []byte(failingReport), 0644); err != nil {
			t.Fatal(err)
		}
	}
	exists := func() bool {
		_, err := os.Stat(stale)
		return err == nil
	}

	writeStale()
	releaseA := f.bot.claimReports("a")
	if exists() {
		t.Error("first claim did not clear stale reports")
	}

	// a second run must not delete reports the first one is producing
	writeStale()
	releaseB := f.bot.claimReports("b")
	if !exists() {
		t.Error("overlapping claim cleared reports of a running run")
	}

	releaseA()
	releaseB()
	releaseC := f.bot.claimReports("c")
	defer releaseC()
	if exists() {
		t.Error("claim after all runs finished did not clear stale reports")
	}
}

func TestBot_StaleReportsClearedForConcurrentStart(t *testing.T) {
	f := newFixture(t, 2, 0, nil)
	f.runner.block = make(chan struct{})
	dir := filepath.Join(f.runner.framework, "target", "surefire-reports")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(dir, "TEST-com.shop.CheckoutTest.xml")
	if err := os.WriteFile(stale, []byte(failingReport), 0644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	f.bot.HandleMessage(ctx, message("/smoke"))
	f.bot.HandleMessage(ctx, message("/api"))

	deadline := time.Now().Add(5 * time.Second)
	for len(f.runner.requests()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("runs started = %d, want 2", len(f.runner.requests()))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale report survived two overlapping starts: %v", err)
	}

	close(f.runner.block)
	f.out.waitFor(t, "SMOKE TEST RESULT")
	f.out.waitFor(t, "API TEST RESULT")
}

type fakePublisher struct {
	url string
	err error
}

func (p fakePublisher) Publish(context.Context, string) (string, error) { return p.url, p.err }

func TestBot_ReportLink(t *testing.T) {
	tests := []struct {
		name     string
		pub      fakePublisher
		wantLink bool
	}{
		{"published", fakePublisher{url: "https://org.github.io/tests/"}, true},
		{"failed publish", fakePublisher{err: errors.New("allure missing")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1, 1, func(o *Options) { o.Publisher = tt.pub })
			f.bot.HandleMessage(context.Background(), message("/smoke"))
			result := f.out.waitFor(t, "SMOKE TEST RESULT").text
			if got := strings.Contains(result, "View Allure Report"); got != tt.wantLink {
				t.Errorf("report link present = %v, want %v:\n%s", got, tt.wantLink, result)
			}
		})
	}
}

func TestNewRunID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRunID()
		if len(id) != 8 {
			t.Fatalf("NewRunID() = %q, want 8 chars", id)
		}
		if seen[id] {
			t.Fatalf("duplicate run id %q", id)
		}
		seen[id] = true
	}
}

func TestBot_RunSuite(t *testing.T) {
	f := newFixture(t, 1, 1, nil)
	ctx := context.Background()

	if !f.bot.HasSuite("smoke") || f.bot.HasSuite("help") || f.bot.HasSuite("nope") {
		t.Error("HasSuite() mismatch")
	}
	if _, err := f.bot.RunSuite(ctx, "status", 42, ""); err == nil {
		t.Error("RunSuite(status) should fail: not a suite")
	}

	info, err := f.bot.RunSuite(ctx, "dashboard", 42, "staging")
	if err != nil {
		t.Fatal(err)
	}
	<-info.Done()

	result := f.out.waitFor(t, "DASHBOARDTEST TEST RESULT")
	if result.chatID != 42 {
		t.Errorf("result sent to chat %d, want 42", result.chatID)
	}
	req := f.runner.requests()[0]
	if req.Env != "staging" || req.Selector != domain.TestClass("DashboardTest") {
		t.Errorf("request = %+v", req)
	}
}
