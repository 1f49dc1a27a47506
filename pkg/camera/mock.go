package camera

import (
	"sync"
	"time"
)

// MockDevice implements Device for testing.
type MockDevice struct {
	// GrabFunc is called for each discarded frame. Nil means success.
	GrabFunc func() error

	// ReadFunc produces the inspected frame. Nil returns a small fake JPEG.
	ReadFunc func() (Frame, error)

	mu     sync.Mutex
	grabs  int
	reads  int
	closed bool
}

// NewMockDevice creates a device that always succeeds.
func NewMockDevice() *MockDevice {
	return &MockDevice{}
}

// Grab records a discarded frame.
func (m *MockDevice) Grab() error {
	m.mu.Lock()
	m.grabs++
	fn := m.GrabFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return nil
}

// Read records a capture.
func (m *MockDevice) Read() (Frame, error) {
	m.mu.Lock()
	m.reads++
	fn := m.ReadFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return Frame{
		CapturedAt: time.Now(),
		Width:      640,
		Height:     480,
		JPEG:       []byte{0xff, 0xd8, 0xff, 0xd9},
	}, nil
}

// Close marks the device closed.
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Grabs returns how many frames were discarded.
func (m *MockDevice) Grabs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grabs
}

// Reads returns how many frames were captured.
func (m *MockDevice) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Closed reports whether Close was called.
func (m *MockDevice) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
