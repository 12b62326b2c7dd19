package runqueue

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/hochfrequenz/testrun-bot/internal/domain"
)

// RunInfo tracks one accepted run. Its status is changed only by the worker
// executing it and by cancellation.
type RunInfo struct {
	Request     domain.RunRequest
	SubmittedAt time.Time

	seq    uint64
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	status    domain.RunStatus
	startedAt time.Time
	process   *os.Process
	result    *domain.RunResult
	resultCh  chan domain.RunResult
	admitted  chan struct{} // closed once the QUEUED status was reported
	finished  chan struct{} // closed once result is set
}

// Snapshot is a point-in-time copy of a run's tracking state
type Snapshot struct {
	Request     domain.RunRequest
	Status      domain.RunStatus
	SubmittedAt time.Time
	StartedAt   time.Time
	PID         int
	Result      *domain.RunResult
}

func newRunInfo(req domain.RunRequest, seq uint64, ctx context.Context, cancel context.CancelFunc) *RunInfo {
	return &RunInfo{
		Request:     req,
		SubmittedAt: time.Now(),
		seq:         seq,
		ctx:         ctx,
		cancel:      cancel,
		status:      domain.RunQueued,
		resultCh:    make(chan domain.RunResult, 1),
		admitted:    make(chan struct{}),
		finished:    make(chan struct{}),
	}
}

// Status returns the current status (thread-safe)
func (r *RunInfo) Status() domain.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Done returns a channel that receives exactly one terminal result and is
// then closed.
func (r *RunInfo) Done() <-chan domain.RunResult {
	return r.resultCh
}

// Wait blocks until the run reached a terminal status or ctx ends. Unlike
// Done it may be called by any number of goroutines.
func (r *RunInfo) Wait(ctx context.Context) (domain.RunResult, error) {
	select {
	case <-r.finished:
		r.mu.Lock()
		defer r.mu.Unlock()
		return *r.result, nil
	case <-ctx.Done():
		return domain.RunResult{}, ctx.Err()
	}
}

// Snapshot returns a copy of the tracking state (thread-safe)
func (r *RunInfo) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		Request:     r.Request,
		Status:      r.status,
		SubmittedAt: r.SubmittedAt,
		StartedAt:   r.startedAt,
	}
	if r.process != nil {
		s.PID = r.process.Pid
	}
	if r.result != nil {
		res := *r.result
		s.Result = &res
	}
	return s
}

// AttachProcess records the live process for the run. A process attached
// after the run was cancelled is killed immediately and false is returned.
func (r *RunInfo) AttachProcess(p *os.Process) bool {
	r.mu.Lock()
	if r.status == domain.RunCancelled {
		r.mu.Unlock()
		kill(r.Request.RunID, p)
		return false
	}
	if r.process != nil {
		log.Printf("[runqueue] [%s] replacing process handle %d with %d", r.Request.RunID, r.process.Pid, p.Pid)
	}
	r.process = p
	r.mu.Unlock()
	return true
}

// start moves QUEUED to RUNNING; it fails when the run was cancelled first
func (r *RunInfo) start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.status.CanTransition(domain.RunRunning) {
		return false
	}
	r.status = domain.RunRunning
	r.startedAt = time.Now()
	return true
}

// finish records the terminal result and posts it. Only the first call wins.
func (r *RunInfo) finish(res domain.RunResult) bool {
	r.mu.Lock()
	if r.result != nil || !r.status.CanTransition(res.Status) {
		r.mu.Unlock()
		return false
	}
	r.status = res.Status
	r.result = &res
	r.mu.Unlock()
	close(r.finished)

	r.resultCh <- res
	close(r.resultCh)
	return true
}

func (r *RunInfo) killProcess() {
	r.mu.Lock()
	p := r.process
	r.mu.Unlock()
	if p != nil {
		kill(r.Request.RunID, p)
	}
}

func (r *RunInfo) elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startedAt.IsZero() {
		return 0
	}
	return time.Since(r.startedAt)
}

func kill(runID string, p *os.Process) {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Printf("[runqueue] [%s] kill pid %d: %v", runID, p.Pid, err)
	}
}
