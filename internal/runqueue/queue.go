// Package runqueue admits test runs into a fixed pool of workers backed by a
// bounded FIFO. Submission never blocks: a run is either accepted (started or
// queued) or rejected with ErrQueueFull.
package runqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/testrun-bot/internal/domain"
)

var (
	// ErrQueueFull is returned when running plus queued runs reach capacity
	ErrQueueFull = errors.New("run queue is full")
	// ErrDuplicateRun is returned when the run id is already tracked
	ErrDuplicateRun = errors.New("run id already tracked")
	// ErrShutdown is returned after Shutdown has been called
	ErrShutdown = errors.New("run queue is shut down")
)

// JobFunc executes one run on a worker. ctx is cancelled when the run is
// cancelled or the queue shuts down. The returned result is posted on the
// run's result channel unless a cancellation already won.
type JobFunc func(ctx context.Context, info *RunInfo) domain.RunResult

type task struct {
	info *RunInfo
	job  JobFunc
}

// Queue is a bounded worker pool with run tracking
type Queue struct {
	maxConcurrent int
	maxQueue      int

	mu       sync.Mutex
	ready    *sync.Cond
	runs     map[string]*RunInfo
	pending  []*task // FIFO of accepted runs no worker has picked up
	inflight int     // accepted runs that are pending or held by a worker
	seq      uint64
	closed   bool

	wg      sync.WaitGroup
	baseCtx context.Context
	stopAll context.CancelFunc

	onStatusChanged func(Snapshot)
}

// New starts maxConcurrent workers draining a queue with maxQueue waiting slots
func New(maxConcurrent, maxQueue int) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		maxConcurrent: maxConcurrent,
		maxQueue:      maxQueue,
		runs:          make(map[string]*RunInfo),
		baseCtx:       ctx,
		stopAll:       cancel,
	}
	q.ready = sync.NewCond(&q.mu)
	for i := 0; i < maxConcurrent; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// SetOnStatusChanged sets a callback invoked on every status change.
// It is called outside the queue lock.
func (q *Queue) SetOnStatusChanged(callback func(Snapshot)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onStatusChanged = callback
}

// Submit admits a run. It returns ErrQueueFull without creating a tracking
// entry when capacity is exhausted.
func (q *Queue) Submit(req domain.RunRequest, job JobFunc) (*RunInfo, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrShutdown
	}
	if _, dup := q.runs[req.RunID]; dup {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRun, req.RunID)
	}
	if q.inflight >= q.maxConcurrent+q.maxQueue {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}

	ctx, cancel := context.WithCancel(q.baseCtx)
	q.seq++
	info := newRunInfo(req, q.seq, ctx, cancel)
	q.runs[req.RunID] = info
	q.inflight++
	q.pending = append(q.pending, &task{info: info, job: job})
	q.ready.Signal()
	callback := q.onStatusChanged
	q.mu.Unlock()

	log.Printf("[runqueue] [%s] accepted %s env=%s", req.RunID, req.Selector, req.Env)
	if callback != nil {
		callback(info.Snapshot())
	}
	close(info.admitted)
	return info, nil
}

// Cancel marks a tracked run CANCELLED, kills its process if one is attached
// and stops tracking it. A run still waiting for a worker gives its slot back
// immediately. It returns true only for the call that moved the run into
// CANCELLED.
func (q *Queue) Cancel(runID string) bool {
	q.mu.Lock()
	info, ok := q.runs[runID]
	if ok {
		delete(q.runs, runID)
		if q.dequeue(info) {
			q.inflight--
		}
	}
	callback := q.onStatusChanged
	q.mu.Unlock()

	if !ok {
		return false
	}

	won := info.finish(domain.RunResult{
		RunID:        runID,
		Status:       domain.RunCancelled,
		ErrorMessage: "Cancelled",
		Duration:     info.elapsed(),
	})
	info.cancel()
	if won {
		info.killProcess()
		log.Printf("[runqueue] [%s] cancelled", runID)
		if callback != nil {
			callback(info.Snapshot())
		}
	}
	return won
}

// dequeue drops info from the pending FIFO. Callers hold q.mu.
func (q *Queue) dequeue(info *RunInfo) bool {
	for i, t := range q.pending {
		if t.info == info {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Remove stops tracking a run
func (q *Queue) Remove(runID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.runs, runID)
}

// Get returns a tracked run
func (q *Queue) Get(runID string) (*RunInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	info, ok := q.runs[runID]
	return info, ok
}

// ListActive returns snapshots of all tracked runs in submission order
func (q *Queue) ListActive() []Snapshot {
	return q.list(func(*RunInfo) bool { return true })
}

// ListByUser returns snapshots of the user's tracked runs in submission order
func (q *Queue) ListByUser(userID int64) []Snapshot {
	return q.list(func(i *RunInfo) bool { return i.Request.UserID == userID })
}

func (q *Queue) list(keep func(*RunInfo) bool) []Snapshot {
	q.mu.Lock()
	infos := make([]*RunInfo, 0, len(q.runs))
	for _, info := range q.runs {
		if keep(info) {
			infos = append(infos, info)
		}
	}
	q.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].seq < infos[j].seq })
	out := make([]Snapshot, len(infos))
	for i, info := range infos {
		out[i] = info.Snapshot()
	}
	return out
}

// Counts returns the number of tracked runs that are running and queued
func (q *Queue) Counts() (running, queued int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, info := range q.runs {
		switch info.Status() {
		case domain.RunRunning:
			running++
		case domain.RunQueued:
			queued++
		}
	}
	return running, queued
}

// Capacity returns the worker count and waiting slots
func (q *Queue) Capacity() (maxConcurrent, maxQueue int) {
	return q.maxConcurrent, q.maxQueue
}

// Shutdown stops accepting runs, cancels everything still tracked and waits
// for workers to exit or ctx to expire.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.ready.Broadcast()
	ids := make([]string, 0, len(q.runs))
	for id := range q.runs {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		q.Cancel(id)
	}
	q.stopAll()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[runqueue] shut down, %d run(s) cancelled", len(ids))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		t, ok := q.next()
		if !ok {
			return
		}
		q.execute(t)
	}
}

// next blocks until a run is pending. It reports false once the queue is
// shut down and nothing is left to pick up.
func (q *Queue) next() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.closed {
		q.ready.Wait()
	}
	if len(q.pending) == 0 {
		return nil, false
	}
	t := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return t, true
}

func (q *Queue) execute(t *task) {
	info := t.info
	defer q.release(info)

	<-info.admitted
	if !info.start() {
		// cancelled while waiting
		return
	}

	q.mu.Lock()
	callback := q.onStatusChanged
	q.mu.Unlock()
	if callback != nil {
		callback(info.Snapshot())
	}

	result := q.runJob(t)
	if info.finish(result) && callback != nil {
		callback(info.Snapshot())
	}
}

func (q *Queue) runJob(t *task) (result domain.RunResult) {
	info := t.info
	runID := info.Request.RunID
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[runqueue] [%s] job panicked: %v", runID, r)
			result = domain.RunResult{
				RunID:        runID,
				Status:       domain.RunFailed,
				ErrorMessage: fmt.Sprintf("internal error: %v", r),
				Duration:     time.Since(started),
			}
		}
	}()

	result = t.job(info.ctx, info)
	result.RunID = runID
	if !result.Status.IsTerminal() {
		result.Status = domain.RunFailed
	}
	return result
}

func (q *Queue) release(info *RunInfo) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--
	if q.runs[info.Request.RunID] == info {
		delete(q.runs, info.Request.RunID)
	}
}
