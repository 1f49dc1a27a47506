package inspection

import (
	"fmt"
	"log/slog"
	"sync"
)

// EventKind distinguishes queue events.
type EventKind int

const (
	EventOutcome EventKind = iota + 1
	EventShutdown
)

// Event is one item handed from the controller to the sinks.
type Event struct {
	Kind    EventKind
	Outcome Outcome
}

// Queue is an ordered, unbounded handoff from the controller to its sinks.
// Push never blocks, so a slow dashboard cannot stall the line. A single
// dispatcher goroutine delivers events in push order.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool

	sinks  []Sink
	logger *slog.Logger
	done   chan struct{}
}

// NewQueue starts a dispatcher delivering to sinks.
func NewQueue(logger *slog.Logger, sinks ...Sink) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		sinks:  sinks,
		logger: logger.With("component", "inspection.queue"),
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.dispatch()
	return q
}

// Push appends ev. It returns false once the queue is closed.
func (q *Queue) Push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, ev)
	q.cond.Signal()
	return true
}

// Len returns the number of undelivered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops accepting events and waits until the backlog is delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) dispatch() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.events) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.events) == 0 {
			q.mu.Unlock()
			return
		}
		ev := q.events[0]
		q.events[0] = Event{}
		q.events = q.events[1:]
		q.mu.Unlock()

		for _, s := range q.sinks {
			q.deliver(s, ev)
		}
	}
}

func (q *Queue) deliver(s Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("sink panicked", "sink", fmt.Sprintf("%T", s), "panic", r)
		}
	}()
	switch ev.Kind {
	case EventOutcome:
		s.OnOutcome(ev.Outcome.Clone())
	case EventShutdown:
		s.OnShutdown()
	}
}
