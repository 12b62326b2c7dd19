package domain

import (
	"fmt"
	"time"
)

// RunStatus represents the lifecycle state of a test run
type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition may leave this status
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next keeps the
// QUEUED -> RUNNING -> terminal ordering.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunQueued:
		return next == RunRunning || next == RunCancelled
	case RunRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// SelectorKind tells whether a run targets a Maven profile or a test class
type SelectorKind int

const (
	ByProfile SelectorKind = iota
	ByTestClass
)

// Selector picks exactly one of a profile or a test class
type Selector struct {
	Kind SelectorKind
	Name string
}

// Profile returns a selector running a Maven profile such as "smoke"
func Profile(name string) Selector {
	return Selector{Kind: ByProfile, Name: name}
}

// TestClass returns a selector running a single test class such as "CheckoutTest"
func TestClass(name string) Selector {
	return Selector{Kind: ByTestClass, Name: name}
}

// Label is the human readable name used in messages
func (s Selector) Label() string {
	return s.Name
}

// Validate checks that the selector names something
func (s Selector) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("selector name is required")
	}
	if s.Kind != ByProfile && s.Kind != ByTestClass {
		return fmt.Errorf("unknown selector kind %d", s.Kind)
	}
	return nil
}

func (s Selector) String() string {
	if s.Kind == ByTestClass {
		return "class:" + s.Name
	}
	return "profile:" + s.Name
}

// RunRequest describes one test run. It is built once at submission and never mutated.
type RunRequest struct {
	RunID       string
	ChatID      int64
	UserID      int64
	Env         string
	Selector    Selector
	Browser     string
	Headless    bool
	RequestedAt time.Time
}

// Label returns the selector label
func (r RunRequest) Label() string {
	return r.Selector.Label()
}

// Validate checks the construction contract of a request
func (r RunRequest) Validate() error {
	if r.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if r.Env == "" {
		return fmt.Errorf("env is required")
	}
	if r.Browser == "" {
		return fmt.Errorf("browser is required")
	}
	return r.Selector.Validate()
}

// RunResult is the outcome of a run, produced once at completion
type RunResult struct {
	RunID        string
	Status       RunStatus
	Duration     time.Duration
	Total        int
	Passed       int
	Failed       int
	Errors       int
	Skipped      int
	ErrorMessage string
	ReportURL    string
}

// Succeeded reports whether the run completed without failures or errors
func (r RunResult) Succeeded() bool {
	return r.Status == RunCompleted
}
