// Package inspection runs the inspection cycle: wait for the line to halt,
// capture a frame, classify it, verify completeness, then resume the line.
//
// One goroutine runs the loop, so at most one cycle is ever in flight.
// Counters are written only by that goroutine and read through Snapshot.
// Sinks receive outcomes through a Queue and never call back into the loop.
package inspection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/linecheck/linecheck/pkg/camera"
	"github.com/linecheck/linecheck/pkg/classify"
	"github.com/linecheck/linecheck/pkg/line"
	"github.com/linecheck/linecheck/pkg/parts"
)

// Errors returned by Run.
var (
	ErrAlreadyRunning = errors.New("inspection: controller already running")
	ErrStopped        = errors.New("inspection: controller is shut down")
)

// FrameSource yields the frame to inspect.
type FrameSource interface {
	AcquireFreshFrame(ctx context.Context) (camera.Frame, error)
}

type reconnector interface {
	Reconnect(ctx context.Context) error
}

// Snapshot is a consistent copy of the controller's observable state.
type Snapshot struct {
	State        State  `json:"state"`
	Good         uint64 `json:"good"`
	Defective    uint64 `json:"defective"`
	Inconclusive uint64 `json:"inconclusive"`
	Cycles       uint64 `json:"cycles"`
	IgnoredHalts uint64 `json:"ignored_halts"`
	LastCycle    uint64 `json:"last_cycle"`
	LinkLost     bool   `json:"link_lost"`
	Reconnects   uint64 `json:"reconnects"`
	StopReason   string `json:"stop_reason,omitempty"`
}

// Controller drives inspection cycles.
type Controller struct {
	link       line.Channel
	frames     FrameSource
	classifier classify.Classifier
	verifier   *parts.Verifier
	queue      *Queue
	cfg        *Config
	logger     *slog.Logger

	// cmdMu orders Resume against an emergency Stop on the wire. Link
	// writes never happen under mu.
	cmdMu sync.Mutex

	mu         sync.RWMutex
	snap       Snapshot
	idleSince  time.Time
	shutdown   bool
	emitted    bool
	needResume bool

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	stopDone chan struct{}
}

// cycle is the state of the one in-flight inspection.
type cycle struct {
	id       uint64
	halt     line.HaltEvent
	frame    camera.Frame
	dets     []parts.Detection
	result   *parts.Result
	attempts int
	reason   string
	err      error
}

// New creates a controller. Sinks are attached through WithSinks.
func New(link line.Channel, frames FrameSource, classifier classify.Classifier, verifier *parts.Verifier, opts ...Option) (*Controller, error) {
	switch {
	case link == nil:
		return nil, errors.New("inspection: line channel required")
	case frames == nil:
		return nil, errors.New("inspection: frame source required")
	case classifier == nil:
		return nil, errors.New("inspection: classifier required")
	case verifier == nil:
		return nil, errors.New("inspection: verifier required")
	}

	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		link:       link,
		frames:     frames,
		classifier: classifier,
		verifier:   verifier,
		queue:      NewQueue(logger, cfg.Sinks...),
		cfg:        cfg,
		logger:     logger.With("component", "inspection"),
		snap:       Snapshot{State: Idle},
		stopCh:     make(chan struct{}),
		stopDone:   make(chan struct{}),
	}, nil
}

// Snapshot returns the current counters and state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Run loops over cycles until ctx ends or EmergencyStop is called. Pending
// sink events are delivered before it returns.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.queue.Close()

	c.mu.RLock()
	down := c.shutdown
	c.mu.RUnlock()
	if down {
		<-c.stopDone
		return ErrStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.logger.Info("inspection loop started")
	for ctx.Err() == nil {
		halt, err := c.link.WaitForHalt(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("line read failed", "error", err)
			if c.recoverLink(ctx) != nil {
				break
			}
			continue
		}

		if !c.accept(halt) {
			continue
		}
		c.runCycle(ctx, halt)
	}

	select {
	case <-c.stopCh:
		<-c.stopDone
	default:
		c.finish("context done")
	}
	c.logger.Info("inspection loop stopped", "cycles", c.Snapshot().Cycles)
	return nil
}

// accept drops halts that were decoded while a cycle was in flight.
func (c *Controller) accept(halt line.HaltEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return false
	}
	if !c.idleSince.IsZero() && halt.At.Before(c.idleSince) {
		c.snap.IgnoredHalts++
		c.logger.Debug("halt ignored, arrived during a cycle",
			"halt_seq", halt.Seq,
			"ignored", c.snap.IgnoredHalts,
		)
		return false
	}
	return true
}

func (c *Controller) runCycle(ctx context.Context, halt line.HaltEvent) {
	c.mu.Lock()
	c.snap.LastCycle++
	cyc := &cycle{id: c.snap.LastCycle, halt: halt}
	c.mu.Unlock()

	log := c.logger.With("cycle", cyc.id)
	log.Debug("line halted", "halt_seq", halt.Seq)

	c.setState(Capturing, log)
	frame, err := c.frames.AcquireFreshFrame(ctx)
	if ctx.Err() != nil {
		log.Info("cycle abandoned", "state", Capturing)
		return
	}
	if err != nil {
		cyc.reason, cyc.err = ReasonCapture, err
		log.Warn("capture failed", "error", err)
		c.decide(ctx, cyc, log)
		return
	}
	cyc.frame = frame

	c.setState(Classifying, log)
	res, err := c.classifyWithRetry(ctx, cyc, log)
	if ctx.Err() != nil {
		log.Info("cycle abandoned, classification discarded", "state", Classifying)
		return
	}
	if err != nil {
		cyc.reason, cyc.err = ReasonClassification, err
		c.decide(ctx, cyc, log)
		return
	}

	c.setState(Verifying, log)
	result := c.verifier.Verify(res.Detections)
	cyc.dets = res.Detections
	cyc.result = &result

	c.decide(ctx, cyc, log)
}

func (c *Controller) classifyWithRetry(ctx context.Context, cyc *cycle, log *slog.Logger) (classify.Result, error) {
	for {
		cyc.attempts++
		res, err := c.classifyOnce(ctx, cyc.frame)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return classify.Result{}, ctx.Err()
		}

		retryable := true
		var ce *classify.Error
		if errors.As(err, &ce) {
			retryable = ce.IsRetryable()
		}
		log.Warn("classification failed",
			"attempt", cyc.attempts,
			"max_attempts", c.cfg.ClassifyAttempts,
			"retryable", retryable,
			"error", err,
		)
		if !retryable || cyc.attempts >= c.cfg.ClassifyAttempts {
			return classify.Result{}, err
		}

		if err := sleepCtx(ctx, time.Duration(cyc.attempts)*c.cfg.RetryBackoff); err != nil {
			return classify.Result{}, err
		}
	}
}

// classifyOnce returns as soon as ctx ends, even if the classifier does not.
func (c *Controller) classifyOnce(ctx context.Context, frame camera.Frame) (classify.Result, error) {
	type reply struct {
		res classify.Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		res, err := c.classifier.Classify(ctx, frame, c.cfg.Classify)
		ch <- reply{res, err}
	}()

	select {
	case <-ctx.Done():
		return classify.Result{}, ctx.Err()
	case r := <-ch:
		return r.res, r.err
	}
}

// decide resumes the line, then records the outcome. The resume is written
// while the state is still Deciding and without mu, so Snapshot never waits
// on the line. The counter update and the outcome event happen in one locked
// step afterwards.
func (c *Controller) decide(ctx context.Context, cyc *cycle, log *slog.Logger) {
	c.setState(Deciding, log)
	outcome := cyc.outcome()

	c.cmdMu.Lock()
	if c.stopping() || ctx.Err() != nil {
		c.cmdMu.Unlock()
		log.Info("outcome discarded after stop", "verdict", outcome.Verdict)
		return
	}
	sendErr := c.send(ctx, line.Resume)
	c.cmdMu.Unlock()

	c.mu.Lock()
	if c.shutdown || c.stopping() {
		c.mu.Unlock()
		log.Info("outcome discarded after stop", "verdict", outcome.Verdict, "resumed", sendErr == nil)
		return
	}
	outcome.Resumed = sendErr == nil
	outcome.DecidedAt = time.Now()

	c.snap.Cycles++
	switch outcome.Verdict {
	case parts.Good:
		c.snap.Good++
	case parts.Defective:
		c.snap.Defective++
	default:
		c.snap.Inconclusive++
	}
	c.needResume = sendErr != nil
	c.snap.State = Idle
	c.idleSince = time.Now()
	c.queue.Push(Event{Kind: EventOutcome, Outcome: outcome})
	c.mu.Unlock()

	if outcome.Conclusive() {
		log.Info("inspection complete",
			"verdict", outcome.Verdict,
			"missing", cyc.result.Summary(),
			"attempts", outcome.Attempts,
			"duration_ms", outcome.Duration().Milliseconds(),
		)
	} else {
		log.Warn("inspection inconclusive, line resumed without a verdict",
			"action", "resume_without_verdict",
			"reason", outcome.Reason,
			"error", outcome.Error,
			"attempts", outcome.Attempts,
		)
	}

	if sendErr != nil {
		log.Error("resume command failed", "error", sendErr)
		if line.IsLinkError(sendErr) {
			c.recoverLink(ctx)
		}
	}
}

func (c *Controller) send(ctx context.Context, cmd line.Command) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	return c.link.Send(ctx, cmd)
}

// recoverLink reconnects with exponential backoff until it succeeds or ctx
// ends. Past the attempt budget the link is reported lost; new cycles wait
// until it is back.
func (c *Controller) recoverLink(ctx context.Context) error {
	r, ok := c.link.(reconnector)
	if !ok {
		return sleepCtx(ctx, c.cfg.ReconnectBackoff)
	}

	delay := c.cfg.ReconnectBackoff
	for attempt := 1; ; attempt++ {
		err := r.Reconnect(ctx)

		c.mu.Lock()
		c.snap.Reconnects++
		if err == nil {
			wasLost := c.snap.LinkLost
			c.snap.LinkLost = false
			resume := c.needResume
			c.mu.Unlock()

			if wasLost {
				c.logger.Info("line link restored", "attempts", attempt)
			} else {
				c.logger.Info("line reconnected", "attempts", attempt)
			}
			if resume {
				c.retryResume(ctx)
			}
			return nil
		}
		lost := attempt >= c.cfg.ReconnectAttempts && !c.snap.LinkLost
		if lost {
			c.snap.LinkLost = true
		}
		c.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if lost {
			c.logger.Error("line link lost", "attempts", attempt, "error", err)
		} else {
			c.logger.Warn("reconnect failed", "attempt", attempt, "retry_in", delay, "error", err)
		}

		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > c.cfg.ReconnectMaxBackoff {
			delay = c.cfg.ReconnectMaxBackoff
		}
	}
}

// retryResume resends a resume lost with the previous connection.
func (c *Controller) retryResume(ctx context.Context) {
	c.cmdMu.Lock()
	c.mu.RLock()
	pending := c.needResume
	c.mu.RUnlock()
	if !pending || c.stopping() || ctx.Err() != nil {
		c.cmdMu.Unlock()
		return
	}
	err := c.send(ctx, line.Resume)
	c.cmdMu.Unlock()

	if err != nil {
		c.logger.Error("resume after reconnect failed", "error", err)
		return
	}
	c.mu.Lock()
	c.needResume = false
	c.mu.Unlock()
	c.logger.Info("resume sent after reconnect")
}

// stopping reports whether EmergencyStop has begun. Run's context is
// cancelled from another goroutine, so it can lag behind stopCh.
func (c *Controller) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// EmergencyStop abandons any in-flight cycle, sends Stop once and moves the
// controller to Shutdown. It is safe to call from any goroutine, and calls
// after the first are no-ops.
func (c *Controller) EmergencyStop(reason string) {
	c.stopOnce.Do(func() {
		close(c.stopCh)

		c.mu.Lock()
		c.shutdown = true
		c.snap.StopReason = reason
		prev := c.snap.State
		c.snap.State = Shutdown
		c.mu.Unlock()

		c.logger.Warn("emergency stop", "reason", reason, "state", prev)

		// A resume already on the wire finishes first; its context is
		// cancelled along with Run's.
		c.cmdMu.Lock()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
		err := c.link.Send(ctx, line.Stop)
		cancel()
		c.cmdMu.Unlock()
		if err != nil {
			c.logger.Error("stop command failed", "error", err)
		}

		c.emitShutdown()
		close(c.stopDone)
	})
}

// Stopped is closed once an emergency stop has completed.
func (c *Controller) Stopped() <-chan struct{} {
	return c.stopDone
}

// finish moves to Shutdown when Run ends without an emergency stop.
func (c *Controller) finish(reason string) {
	c.mu.Lock()
	c.shutdown = true
	c.snap.State = Shutdown
	if c.snap.StopReason == "" {
		c.snap.StopReason = reason
	}
	c.mu.Unlock()
	c.emitShutdown()
}

func (c *Controller) emitShutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitted {
		return
	}
	c.emitted = true
	c.queue.Push(Event{Kind: EventShutdown})
}

func (c *Controller) setState(s State, log *slog.Logger) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	prev := c.snap.State
	c.snap.State = s
	c.mu.Unlock()
	log.Debug("state", "from", prev, "to", s)
}

func (cyc *cycle) outcome() Outcome {
	o := Outcome{
		ID:         uuid.New(),
		CycleID:    cyc.id,
		Frame:      cyc.frame,
		FrameSeq:   cyc.frame.Seq,
		Detections: cyc.dets,
		Attempts:   cyc.attempts,
		HaltedAt:   cyc.halt.At,
	}
	if cyc.result == nil {
		o.Verdict = parts.Inconclusive
		o.Reason = cyc.reason
		if cyc.err != nil {
			o.Error = cyc.err.Error()
		}
		return o
	}
	o.Counts = cyc.result.Counts
	o.Missing = cyc.result.Missing
	o.Verdict = cyc.result.Verdict
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// String implements fmt.Stringer.
func (s Snapshot) String() string {
	return fmt.Sprintf("state=%s good=%d defective=%d inconclusive=%d ignored=%d link_lost=%t",
		s.State, s.Good, s.Defective, s.Inconclusive, s.IgnoredHalts, s.LinkLost)
}
