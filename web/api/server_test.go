package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/testrun-bot/internal/bot"
	"github.com/hochfrequenz/testrun-bot/internal/domain"
	"github.com/hochfrequenz/testrun-bot/internal/runqueue"
)

type mockRuns struct {
	queue *runqueue.Queue

	mu        sync.Mutex
	subs      []func(bot.Event)
	cancelled []string
}

func newMockRuns(t *testing.T) *mockRuns {
	q := runqueue.New(1, 2)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.Shutdown(ctx)
	})
	return &mockRuns{queue: q}
}

func (m *mockRuns) Queue() *runqueue.Queue { return m.queue }

func (m *mockRuns) Cancel(runID string, acknowledged bool) bool {
	m.mu.Lock()
	m.cancelled = append(m.cancelled, runID)
	m.mu.Unlock()
	return m.queue.Cancel(runID)
}

func (m *mockRuns) Subscribe(fn func(bot.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

func (m *mockRuns) emit(ev bot.Event) {
	m.mu.Lock()
	subs := append([]func(bot.Event){}, m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func blockingJob(release <-chan struct{}) runqueue.JobFunc {
	return func(ctx context.Context, info *runqueue.RunInfo) domain.RunResult {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return domain.RunResult{Status: domain.RunCompleted}
	}
}

func submit(t *testing.T, q *runqueue.Queue, id string, sel domain.Selector, release <-chan struct{}) *runqueue.RunInfo {
	t.Helper()
	info, err := q.Submit(domain.RunRequest{
		RunID:    id,
		ChatID:   10,
		UserID:   7,
		Env:      "staging",
		Browser:  "chrome",
		Headless: true,
		Selector: sel,
	}, blockingJob(release))
	if err != nil {
		t.Fatalf("Submit(%s) error = %v", id, err)
	}
	return info
}

func waitForStatus(t *testing.T, info *runqueue.RunInfo, want domain.RunStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s status = %s, want %s", info.Request.RunID, info.Status(), want)
}

func TestStatusHandler(t *testing.T) {
	runs := newMockRuns(t)
	release := make(chan struct{})
	defer close(release)

	first := submit(t, runs.queue, "aaaa0001", domain.Profile("smoke"), release)
	waitForStatus(t, first, domain.RunRunning)
	submit(t, runs.queue, "aaaa0002", domain.TestClass("CheckoutTest"), release)

	server := NewServer(Options{Runs: runs})
	handler := server.statusHandler()

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var status StatusResponse
	json.NewDecoder(w.Body).Decode(&status)

	want := StatusResponse{Running: 1, Queued: 1, MaxConcurrent: 1, MaxQueue: 2}
	if status != want {
		t.Errorf("status = %+v, want %+v", status, want)
	}
}

func TestListRunsHandler(t *testing.T) {
	runs := newMockRuns(t)
	release := make(chan struct{})
	defer close(release)

	first := submit(t, runs.queue, "aaaa0001", domain.Profile("smoke"), release)
	waitForStatus(t, first, domain.RunRunning)
	submit(t, runs.queue, "aaaa0002", domain.TestClass("CheckoutTest"), release)

	server := NewServer(Options{Runs: runs})
	handler := server.listRunsHandler()

	req := httptest.NewRequest("GET", "/api/runs", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}

	var got []RunResponse
	json.NewDecoder(w.Body).Decode(&got)

	if len(got) != 2 {
		t.Fatalf("Run count = %d, want 2", len(got))
	}
	if got[0].ID != "aaaa0001" || got[0].Kind != "profile" || got[0].Status != "RUNNING" || got[0].StartedAt == nil {
		t.Errorf("first run = %+v", got[0])
	}
	if got[1].ID != "aaaa0002" || got[1].Kind != "test_class" || got[1].Label != "CheckoutTest" || got[1].Status != "QUEUED" {
		t.Errorf("second run = %+v", got[1])
	}
	if got[1].Env != "staging" || !got[1].Headless {
		t.Errorf("second run request fields = %+v", got[1])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server := NewServer(Options{Runs: newMockRuns(t)})

	tests := []struct {
		method string
		path   string
	}{
		{"POST", "/api/status"},
		{"DELETE", "/api/runs"},
		{"GET", "/api/runs/abc/cancel"},
		{"POST", "/api/runs/abc"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			server.Handler().ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("Status = %d, want 405", w.Code)
			}
		})
	}
}

func TestRunHandler(t *testing.T) {
	runs := newMockRuns(t)
	release := make(chan struct{})
	defer close(release)

	info := submit(t, runs.queue, "bbbb0001", domain.Profile("regression"), release)
	server := NewServer(Options{Runs: runs})

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/runs/bbbb0001", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET Status = %d, want 200", w.Code)
	}
	var run RunResponse
	json.NewDecoder(w.Body).Decode(&run)
	if run.Label != "regression" {
		t.Errorf("Label = %q, want regression", run.Label)
	}

	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest("POST", "/api/runs/bbbb0001/cancel", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("cancel Status = %d, want 200", w.Code)
	}
	if info.Status() != domain.RunCancelled {
		t.Errorf("run status = %s, want CANCELLED", info.Status())
	}
	if len(runs.cancelled) != 1 || runs.cancelled[0] != "bbbb0001" {
		t.Errorf("cancelled = %v", runs.cancelled)
	}

	// already gone
	for _, tc := range []struct{ method, path string }{
		{"POST", "/api/runs/bbbb0001/cancel"},
		{"GET", "/api/runs/bbbb0001"},
		{"GET", "/api/runs/bbbb0001/logs"},
	} {
		w = httptest.NewRecorder()
		server.Handler().ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s Status = %d, want 404", tc.method, tc.path, w.Code)
		}
	}

	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/runs/", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty id Status = %d, want 400", w.Code)
	}
}

func TestOptionalRoutes(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>allure</html>"), 0644); err != nil {
		t.Fatal(err)
	}

	server := NewServer(Options{
		Runs: newMockRuns(t),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("testrun_runs_total 0\n"))
		}),
		ReportDir: dir,
		WebSocket: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		},
	})

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/metrics", http.StatusOK, "testrun_runs_total"},
		{"/reports/index.html", http.StatusOK, "allure"},
		{"/ws", http.StatusTeapot, ""},
		{"/healthz", http.StatusOK, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			server.Handler().ServeHTTP(w, httptest.NewRequest("GET", tt.path, nil))
			if w.Code != tt.wantCode {
				t.Errorf("Status = %d, want %d", w.Code, tt.wantCode)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("Body = %q, want to contain %q", w.Body.String(), tt.wantBody)
			}
		})
	}

	bare := NewServer(Options{Runs: newMockRuns(t)})
	w := httptest.NewRecorder()
	bare.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unconfigured /metrics Status = %d, want 404", w.Code)
	}
}

func TestEventStream(t *testing.T) {
	runs := newMockRuns(t)
	server := NewServer(Options{Runs: runs})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.sseHub.Run(ctx)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.sseHub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	runs.emit(bot.Event{
		Type:    bot.EventFinished,
		Request: domain.RunRequest{RunID: "cccc0001", Env: "dev", Selector: domain.Profile("smoke")},
		Status:  domain.RunCompleted,
		Result:  &domain.RunResult{Status: domain.RunCompleted, Total: 3, Passed: 3, Duration: 90 * time.Second},
		Time:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for dataLine == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}

	if eventLine != "run_finished" {
		t.Errorf("event = %q, want run_finished", eventLine)
	}

	var got struct {
		Type string        `json:"type"`
		Data EventResponse `json:"data"`
	}
	if err := json.Unmarshal([]byte(dataLine), &got); err != nil {
		t.Fatal(err)
	}
	if got.Data.Run.ID != "cccc0001" || got.Data.Run.Status != "COMPLETED" {
		t.Errorf("run = %+v", got.Data.Run)
	}
	if got.Data.Run.Result == nil || got.Data.Run.Result.Passed != 3 || got.Data.Run.Result.Duration != "1m30s" {
		t.Errorf("result = %+v", got.Data.Run.Result)
	}
	if got.Data.Time != "2024-05-01T12:00:00Z" {
		t.Errorf("time = %q", got.Data.Time)
	}
}

func TestSSEHub_BroadcastAfterStop(t *testing.T) {
	hub := NewSSEHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Broadcast(SSEEvent{Type: "run_queued"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked after hub stopped")
	}
}
