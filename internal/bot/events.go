package bot

import (
	"time"

	"github.com/hochfrequenz/testrun-bot/internal/domain"
	"github.com/hochfrequenz/testrun-bot/internal/runqueue"
)

// EventType names a run lifecycle event
type EventType string

const (
	EventQueued    EventType = "run_queued"
	EventStarted   EventType = "run_started"
	EventFinished  EventType = "run_finished"
	EventCancelled EventType = "run_cancelled"
	EventRejected  EventType = "run_rejected"
)

// Event is emitted on every run status change
type Event struct {
	Type    EventType         `json:"type"`
	Request domain.RunRequest `json:"request"`
	Status  domain.RunStatus  `json:"status"`
	Result  *domain.RunResult `json:"result,omitempty"`
	Time    time.Time         `json:"time"`
}

// Subscribe registers fn for every subsequent event. fn runs on the goroutine
// that changed the status and must not block.
func (b *Bot) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

func (b *Bot) statusChanged(s runqueue.Snapshot) {
	ev := Event{Request: s.Request, Status: s.Status, Result: s.Result}
	switch s.Status {
	case domain.RunQueued:
		ev.Type = EventQueued
	case domain.RunRunning:
		ev.Type = EventStarted
	case domain.RunCancelled:
		ev.Type = EventCancelled
	default:
		ev.Type = EventFinished
	}
	b.publish(ev)
}

func (b *Bot) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	subs := make([]func(Event), len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}
