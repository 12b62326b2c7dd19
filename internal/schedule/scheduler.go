// Package schedule triggers suite runs from cron expressions
package schedule

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/testrun-bot/internal/config"
)

// RunFunc executes one scheduled run and returns when it has finished
type RunFunc func(ctx context.Context, cfg config.ScheduleConfig) error

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

type entry struct {
	cfg      config.ScheduleConfig
	schedule cron.Schedule
}

// Scheduler manages scheduled runs. A schedule never overlaps itself.
type Scheduler struct {
	entries  map[string]entry
	lastRun  map[string]time.Time
	running  map[string]bool
	started  time.Time
	interval time.Duration
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewScheduler validates the schedules and builds a scheduler
func NewScheduler(configs []config.ScheduleConfig) (*Scheduler, error) {
	s := &Scheduler{
		entries:  make(map[string]entry),
		lastRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
		started:  time.Now(),
		interval: 30 * time.Second,
	}

	for i, cfg := range configs {
		if cfg.Name == "" {
			cfg.Name = fmt.Sprintf("%s-%d", cfg.Command, i)
		}
		if _, dup := s.entries[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule %q", cfg.Name)
		}
		sched, err := ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cron expression: %w", cfg.Name, err)
		}
		s.entries[cfg.Name] = entry{cfg: cfg, schedule: sched}
	}

	return s, nil
}

// NextRun returns the next scheduled time after now, or zero if unknown
func (s *Scheduler) NextRun(name string, now time.Time) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	return e.schedule.Next(now)
}

// ShouldRun reports whether a schedule is due at now. Schedules are due
// once per activation after the scheduler was created; missed activations
// are not replayed.
func (s *Scheduler) ShouldRun(name string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok || s.running[name] {
		return false
	}

	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = s.started
	}
	return !now.Before(e.schedule.Next(lastRun))
}

// MarkRunning marks a schedule as in progress
func (s *Scheduler) MarkRunning(name string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
	s.lastRun[name] = now
}

// MarkComplete marks a schedule as finished
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
}

// List returns the schedules sorted by name
func (s *Scheduler) List() []config.ScheduleConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]config.ScheduleConfig, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tick starts every schedule due at now and returns their names
func (s *Scheduler) Tick(ctx context.Context, now time.Time, run RunFunc) []string {
	var started []string
	for _, cfg := range s.List() {
		if !s.ShouldRun(cfg.Name, now) {
			continue
		}
		s.MarkRunning(cfg.Name, now)
		started = append(started, cfg.Name)

		s.wg.Add(1)
		go func(c config.ScheduleConfig) {
			defer s.wg.Done()
			defer s.MarkComplete(c.Name)
			log.Printf("[schedule] starting %s (/%s)", c.Name, c.Command)
			if err := run(ctx, c); err != nil {
				log.Printf("[schedule] %s failed: %v", c.Name, err)
			}
		}(cfg)
	}
	return started
}

// Start checks the schedules until ctx is cancelled, then waits for
// in-flight runs to return.
func (s *Scheduler) Start(ctx context.Context, run RunFunc) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case now := <-ticker.C:
			s.Tick(ctx, now, run)
		}
	}
}
