package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/hochfrequenz/testrun-bot/internal/bot"
	"github.com/hochfrequenz/testrun-bot/internal/domain"
	"github.com/hochfrequenz/testrun-bot/internal/runqueue"
)

// RunResponse is the API response for a tracked run
type RunResponse struct {
	ID          string          `json:"id"`
	Label       string          `json:"label"`
	Kind        string          `json:"kind"`
	Env         string          `json:"env"`
	Browser     string          `json:"browser"`
	Headless    bool            `json:"headless"`
	ChatID      int64           `json:"chat_id"`
	UserID      int64           `json:"user_id"`
	Status      string          `json:"status"`
	SubmittedAt *string         `json:"submitted_at,omitempty"`
	StartedAt   *string         `json:"started_at,omitempty"`
	Duration    string          `json:"duration,omitempty"`
	PID         int             `json:"pid,omitempty"`
	Result      *ResultResponse `json:"result,omitempty"`
}

// ResultResponse is the API response for a run outcome
type ResultResponse struct {
	Status       string `json:"status"`
	Duration     string `json:"duration"`
	Total        int    `json:"total"`
	Passed       int    `json:"passed"`
	Failed       int    `json:"failed"`
	Errors       int    `json:"errors"`
	Skipped      int    `json:"skipped"`
	ErrorMessage string `json:"error_message,omitempty"`
	ReportURL    string `json:"report_url,omitempty"`
}

// StatusResponse is the API response for overall queue status
type StatusResponse struct {
	Running       int `json:"running"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"max_concurrent"`
	MaxQueue      int `json:"max_queue"`
}

// EventResponse is the payload of a streamed run event
type EventResponse struct {
	Type string      `json:"type"`
	Time string      `json:"time"`
	Run  RunResponse `json:"run"`
}

func requestToResponse(req domain.RunRequest, status domain.RunStatus) RunResponse {
	kind := "profile"
	if req.Selector.Kind == domain.ByTestClass {
		kind = "test_class"
	}
	return RunResponse{
		ID:       req.RunID,
		Label:    req.Label(),
		Kind:     kind,
		Env:      req.Env,
		Browser:  req.Browser,
		Headless: req.Headless,
		ChatID:   req.ChatID,
		UserID:   req.UserID,
		Status:   string(status),
	}
}

func resultToResponse(r *domain.RunResult) *ResultResponse {
	if r == nil {
		return nil
	}
	return &ResultResponse{
		Status:       string(r.Status),
		Duration:     r.Duration.Round(time.Second).String(),
		Total:        r.Total,
		Passed:       r.Passed,
		Failed:       r.Failed,
		Errors:       r.Errors,
		Skipped:      r.Skipped,
		ErrorMessage: r.ErrorMessage,
		ReportURL:    r.ReportURL,
	}
}

func snapshotToResponse(s runqueue.Snapshot, now time.Time) RunResponse {
	resp := requestToResponse(s.Request, s.Status)
	resp.PID = s.PID
	resp.Result = resultToResponse(s.Result)

	if !s.SubmittedAt.IsZero() {
		t := s.SubmittedAt.Format(time.RFC3339)
		resp.SubmittedAt = &t
	}
	if !s.StartedAt.IsZero() {
		t := s.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
		if s.Status == domain.RunRunning {
			resp.Duration = now.Sub(s.StartedAt).Round(time.Second).String()
		}
	}
	return resp
}

func eventToResponse(ev bot.Event) EventResponse {
	run := requestToResponse(ev.Request, ev.Status)
	run.Result = resultToResponse(ev.Result)
	return EventResponse{
		Type: string(ev.Type),
		Time: ev.Time.Format(time.RFC3339),
		Run:  run,
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		q := s.runs.Queue()
		var status StatusResponse
		status.Running, status.Queued = q.Counts()
		status.MaxConcurrent, status.MaxQueue = q.Capacity()

		writeJSON(w, status)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		snaps := s.runs.Queue().ListActive()
		now := time.Now()
		responses := make([]RunResponse, len(snaps))
		for i, snap := range snaps {
			responses[i] = snapshotToResponse(snap, now)
		}

		writeJSON(w, responses)
	}
}

// runHandler serves /api/runs/{id} and /api/runs/{id}/cancel
func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		runID, action, _ := strings.Cut(path, "/")
		if runID == "" {
			writeError(w, http.StatusBadRequest, "run ID required")
			return
		}

		switch action {
		case "":
			s.getRun(w, r, runID)
		case "cancel":
			s.cancelRun(w, r, runID)
		default:
			writeError(w, http.StatusNotFound, "unknown action")
		}
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	info, ok := s.runs.Queue().Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	writeJSON(w, snapshotToResponse(info.Snapshot(), time.Now()))
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// cancellations from the API are announced in the run's chat
	if !s.runs.Cancel(runID, false) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	writeJSON(w, map[string]string{"status": "cancelled", "id": runID})
}
