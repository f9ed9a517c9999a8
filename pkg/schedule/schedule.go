// Package schedule fires a message into an actor's mailbox at each
// occurrence of a cron-like schedule. There is no catch-up: the next
// firing is always computed relative to the current instant, so time spent
// asleep (process paused, system suspended) never produces a backlog of
// missed firings — only the next scheduled instant is ever sent.
package schedule

import (
	"fmt"
	"sync"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/blockvault/bvault/pkg/metrics"
)

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse validates a schedule expression without installing a timer. New
// calls it first, so a bad schedule fails the owning actor's start rather
// than surfacing later as a silently-never-firing timer.
func Parse(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Target is the subset of actor.Address a scheduled message needs.
type Target interface {
	Tell(msg any) error
}

// Message is a background timer loop that sends a freshly built message to
// an actor at each firing of a schedule.
type Message struct {
	schedule cron.Schedule
	label    string
	target   Target
	build    func() any

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New parses expr and starts the timer loop. build is called once per
// firing to produce the message instance sent that tick (a "clone" of the
// message template).
func New(expr, label string, target Target, build func() any) (*Message, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	m := &Message{
		schedule: sched,
		label:    label,
		target:   target,
		build:    build,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.run()
	return m, nil
}

// Label identifies this scheduled message for logging.
func (m *Message) Label() string {
	return m.label
}

func (m *Message) run() {
	defer close(m.done)
	for {
		next := m.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			if err := m.target.Tell(m.build()); err != nil {
				return
			}
			metrics.ScheduledMessagesFiredTotal.WithLabelValues(m.label).Inc()
		case <-m.stop:
			timer.Stop()
			return
		}
	}
}

// Stop ends the timer loop. Safe to call more than once.
func (m *Message) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Wait blocks until the loop has exited, either because Stop was called or
// because the target stopped accepting mail.
func (m *Message) Wait() {
	<-m.done
}
