package inspection

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/linecheck/linecheck/pkg/camera"
	"github.com/linecheck/linecheck/pkg/parts"
)

// Reasons an outcome is inconclusive.
const (
	ReasonCapture        = "capture_failed"
	ReasonClassification = "classification_failed"
)

// Outcome is the result of one completed cycle. It is built once in the
// Deciding phase and every sink receives its own copy.
type Outcome struct {
	ID      uuid.UUID `json:"id"`
	CycleID uint64    `json:"cycle_id"`

	// Frame is the inspected image. Empty when capture failed.
	Frame    camera.Frame `json:"-"`
	FrameSeq uint64       `json:"frame_seq"`

	Detections []parts.Detection  `json:"detections"`
	Counts     map[parts.Part]int `json:"counts"`
	Missing    []parts.Deficit    `json:"missing"`
	Verdict    parts.Verdict      `json:"verdict"`

	// Reason and Error explain an Inconclusive verdict.
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`

	// Attempts is the number of classify calls made.
	Attempts int `json:"attempts"`

	// Resumed reports whether the resume command was accepted by the link.
	Resumed bool `json:"resumed"`

	HaltedAt  time.Time `json:"halted_at"`
	DecidedAt time.Time `json:"decided_at"`
}

// Conclusive reports whether a verdict was computed.
func (o Outcome) Conclusive() bool {
	return o.Verdict != parts.Inconclusive
}

// Duration is the time from halt to decision.
func (o Outcome) Duration() time.Duration {
	return o.DecidedAt.Sub(o.HaltedAt)
}

// Clone returns a deep copy.
func (o Outcome) Clone() Outcome {
	c := o
	c.Frame.JPEG = slices.Clone(o.Frame.JPEG)
	c.Detections = slices.Clone(o.Detections)
	c.Missing = slices.Clone(o.Missing)
	if o.Counts != nil {
		c.Counts = maps.Clone(o.Counts)
	}
	return c
}

// Sink consumes controller events. Calls arrive on the queue's dispatcher
// goroutine, in cycle order, never from the controller loop itself.
type Sink interface {
	OnOutcome(Outcome)
	OnShutdown()
}

// SinkFuncs adapts plain functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	Outcome  func(Outcome)
	Shutdown func()
}

// OnOutcome implements Sink.
func (f SinkFuncs) OnOutcome(o Outcome) {
	if f.Outcome != nil {
		f.Outcome(o)
	}
}

// OnShutdown implements Sink.
func (f SinkFuncs) OnShutdown() {
	if f.Shutdown != nil {
		f.Shutdown()
	}
}
