// Package line talks to the conveyor controller over a byte stream.
//
// The protocol is one byte per signal. The controller writes '0' when the
// line has halted and '1' when it is moving again. The station writes '1' to
// resume the line and '0' to stop it. Any other byte is noise and is ignored.
package line

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel bytes on the wire.
const (
	SentinelHalt   byte = '0'
	SentinelResume byte = '1'
)

// Signal is an edge reported by the conveyor controller.
type Signal int

const (
	// SignalHalt means the line has stopped with an item under the camera.
	SignalHalt Signal = iota + 1
	// SignalResume means the line is moving.
	SignalResume
)

// String implements fmt.Stringer.
func (s Signal) String() string {
	switch s {
	case SignalHalt:
		return "halt"
	case SignalResume:
		return "resume"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// Decode maps a received byte to a signal. Only exact sentinels match.
func Decode(b byte) (Signal, bool) {
	switch b {
	case SentinelHalt:
		return SignalHalt, true
	case SentinelResume:
		return SignalResume, true
	default:
		return 0, false
	}
}

// Command is an instruction sent to the conveyor controller.
type Command int

const (
	// Resume restarts the line after an inspection.
	Resume Command = iota + 1
	// Stop halts the line for an operator emergency stop.
	Stop
)

// String implements fmt.Stringer.
func (c Command) String() string {
	switch c {
	case Resume:
		return "resume"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// Byte returns the wire encoding of the command.
func (c Command) Byte() (byte, error) {
	switch c {
	case Resume:
		return SentinelResume, nil
	case Stop:
		return SentinelHalt, nil
	default:
		return 0, fmt.Errorf("line: unknown command %d", int(c))
	}
}

// HaltEvent is one halt edge. At is when the byte was decoded, which lets the
// controller tell halts that arrived during a cycle from fresh ones.
type HaltEvent struct {
	Seq uint64
	At  time.Time
}

// Channel is what the inspection controller needs from the line.
type Channel interface {
	// WaitForHalt blocks until the line reports halted, ctx ends, or the link fails.
	WaitForHalt(ctx context.Context) (HaltEvent, error)

	// Send transmits a command. It returns a *LinkError if the write fails or
	// does not finish before the write deadline.
	Send(ctx context.Context, cmd Command) error
}

// Link is a Channel that can be re-established after a failure.
type Link interface {
	Channel

	// Reconnect drops the current connection and opens a new one.
	Reconnect(ctx context.Context) error

	// Close releases the underlying port.
	Close() error
}

// Sentinel errors.
var (
	ErrNotConnected = errors.New("line: not connected")
	ErrWriteTimeout = errors.New("line: write deadline exceeded")
	ErrClosed       = errors.New("line: link closed")
)

// LinkError reports a failure of the serial link.
type LinkError struct {
	Op  string // "open", "read" or "write"
	Err error
}

// Error implements the error interface.
func (e *LinkError) Error() string {
	return fmt.Sprintf("line %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *LinkError) Unwrap() error {
	return e.Err
}

// IsLinkError reports whether err is or wraps a *LinkError.
func IsLinkError(err error) bool {
	var le *LinkError
	return errors.As(err, &le)
}
