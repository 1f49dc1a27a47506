package line

import (
	"context"
	"sync"
	"time"
)

// Mock implements Link for testing. Tests drive it with Halt and Fail and
// inspect what the controller sent with Commands.
type Mock struct {
	// SendFunc, if set, decides the result of each Send after it is recorded.
	SendFunc func(ctx context.Context, cmd Command) error

	// ReconnectFunc, if set, decides the result of Reconnect.
	ReconnectFunc func(ctx context.Context) error

	events chan mockEvent

	mu         sync.Mutex
	seq        uint64
	commands   []Command
	reconnects int
	closed     bool
}

type mockEvent struct {
	halt HaltEvent
	err  error
}

var _ Link = (*Mock)(nil)

// NewMock creates a mock link with room for queued events.
func NewMock() *Mock {
	return &Mock{events: make(chan mockEvent, 64)}
}

// Halt queues a halt edge stamped with the current time.
func (m *Mock) Halt() HaltEvent {
	m.mu.Lock()
	m.seq++
	ev := HaltEvent{Seq: m.seq, At: time.Now()}
	m.mu.Unlock()

	m.events <- mockEvent{halt: ev}
	return ev
}

// Fail makes the next WaitForHalt return a read LinkError wrapping err.
func (m *Mock) Fail(err error) {
	m.events <- mockEvent{err: &LinkError{Op: "read", Err: err}}
}

// WaitForHalt returns the next queued event.
func (m *Mock) WaitForHalt(ctx context.Context) (HaltEvent, error) {
	select {
	case <-ctx.Done():
		return HaltEvent{}, ctx.Err()
	case ev := <-m.events:
		if ev.err != nil {
			return HaltEvent{}, ev.err
		}
		return ev.halt, nil
	}
}

// Send records cmd.
func (m *Mock) Send(ctx context.Context, cmd Command) error {
	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	fn := m.SendFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, cmd)
	}
	return nil
}

// Reconnect counts reconnect attempts.
func (m *Mock) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.reconnects++
	fn := m.ReconnectFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// Close marks the mock closed.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Commands returns a copy of every command sent so far.
func (m *Mock) Commands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.commands))
	copy(out, m.commands)
	return out
}

// CountOf returns how many times cmd was sent.
func (m *Mock) CountOf(cmd Command) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.commands {
		if c == cmd {
			n++
		}
	}
	return n
}

// Reconnects returns how many times Reconnect was called.
func (m *Mock) Reconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
