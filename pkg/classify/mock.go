package classify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/linecheck/linecheck/pkg/camera"
)

// Mock implements Classifier for testing.
type Mock struct {
	// ClassifyFunc is called when Classify is invoked.
	ClassifyFunc func(ctx context.Context, frame camera.Frame, opts Options) (Result, error)

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a Classify invocation.
type MockCall struct {
	Frame   uint64
	Options Options
	Time    time.Time
}

var _ Classifier = (*Mock)(nil)

// NewMock creates a mock that returns no detections.
func NewMock() *Mock {
	return &Mock{
		ClassifyFunc: func(ctx context.Context, frame camera.Frame, opts Options) (Result, error) {
			return Result{Model: opts.Model}, nil
		},
	}
}

// Classify records the call and delegates to ClassifyFunc.
func (m *Mock) Classify(ctx context.Context, frame camera.Frame, opts Options) (Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Frame: frame.Seq, Options: opts, Time: time.Now()})
	fn := m.ClassifyFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, frame, opts)
	}
	return Result{}, newError(Network, errors.New("mock: no ClassifyFunc"))
}

// Calls returns all recorded invocations.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Classify was invoked.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
