package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Frame is one captured image. JPEG must not be modified after capture;
// frames are shared read-only between the controller and result sinks.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Width      int
	Height     int
	JPEG       []byte
}

// Empty reports whether the frame carries no image.
func (f Frame) Empty() bool {
	return len(f.JPEG) == 0
}

// Device is a camera driver.
type Device interface {
	// Grab reads one frame and throws it away.
	Grab() error

	// Read captures one frame and encodes it.
	Read() (Frame, error)

	// Close releases the device.
	Close() error
}

// Sentinel errors.
var (
	ErrEmptyFrame = errors.New("camera: empty frame")
	ErrTimeout    = errors.New("camera: read deadline exceeded")
)

// CaptureError reports a failed acquisition.
type CaptureError struct {
	Flushed int // frames discarded before the failure
	Err     error
}

// Error implements the error interface.
func (e *CaptureError) Error() string {
	return fmt.Sprintf("camera: capture failed after %d flushed frames: %v", e.Flushed, e.Err)
}

// Unwrap returns the underlying error.
func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Source produces fresh frames from a Device.
type Source struct {
	dev    Device
	cfg    Config
	logger *slog.Logger

	// busy serializes device access. An acquisition abandoned on timeout
	// keeps the slot until the driver returns.
	busy chan struct{}
	seq  atomic.Uint64
}

// NewSource wraps dev with the flush strategy from cfg.
func NewSource(dev Device, cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		dev:    dev,
		cfg:    cfg,
		logger: logger.With("component", "camera.source"),
		busy:   make(chan struct{}, 1),
	}
}

type acquired struct {
	frame Frame
	err   error
}

// AcquireFreshFrame discards FlushCount buffered frames and returns the next.
//
// It returns a *CaptureError when the device fails or the read deadline
// passes, and ctx.Err() when ctx ends first.
func (s *Source) AcquireFreshFrame(ctx context.Context) (Frame, error) {
	timer := time.NewTimer(s.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case s.busy <- struct{}{}:
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-timer.C:
		return Frame{}, &CaptureError{Err: fmt.Errorf("device still busy: %w", ErrTimeout)}
	}

	seq := s.seq.Add(1)
	result := make(chan acquired, 1)
	go func() {
		defer func() { <-s.busy }()
		f, err := s.flushAndRead()
		result <- acquired{frame: f, err: err}
	}()

	select {
	case r := <-result:
		if r.err != nil {
			return Frame{}, r.err
		}
		r.frame.Seq = seq
		if r.frame.CapturedAt.IsZero() {
			r.frame.CapturedAt = time.Now()
		}
		return r.frame, nil
	case <-timer.C:
		return Frame{}, &CaptureError{Err: ErrTimeout}
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *Source) flushAndRead() (Frame, error) {
	flushed := 0
	for i := 0; i < s.cfg.FlushCount; i++ {
		if err := s.dev.Grab(); err != nil {
			s.logger.Debug("flush grab failed", "index", i, "error", err)
			continue
		}
		flushed++
	}

	f, err := s.dev.Read()
	if err != nil {
		return Frame{}, &CaptureError{Flushed: flushed, Err: err}
	}
	if f.Empty() {
		return Frame{}, &CaptureError{Flushed: flushed, Err: ErrEmptyFrame}
	}
	return f, nil
}

// WarmUp waits out the configured warm-up period.
func (s *Source) WarmUp(ctx context.Context) error {
	if s.cfg.WarmUp <= 0 {
		return nil
	}
	s.logger.Info("camera warming up", "duration", s.cfg.WarmUp)
	select {
	case <-time.After(s.cfg.WarmUp):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the device.
func (s *Source) Close() error {
	return s.dev.Close()
}
