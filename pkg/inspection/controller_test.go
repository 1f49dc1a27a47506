package inspection

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linecheck/linecheck/internal/log"
	"github.com/linecheck/linecheck/pkg/camera"
	"github.com/linecheck/linecheck/pkg/classify"
	"github.com/linecheck/linecheck/pkg/line"
	"github.com/linecheck/linecheck/pkg/parts"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu        sync.Mutex
	outcomes  []Outcome
	shutdowns int
}

func (r *recorder) OnOutcome(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recorder) OnShutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdowns++
}

func (r *recorder) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

func (r *recorder) Shutdowns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdowns
}

type harness struct {
	link *line.Mock
	dev  *camera.MockDevice
	cls  *classify.Mock
	sink *recorder
	ctrl *Controller

	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
	runErr   error
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		link: line.NewMock(),
		dev:  camera.NewMockDevice(),
		cls:  classify.NewMock(),
		sink: &recorder{},
		done: make(chan error, 1),
	}

	camCfg := camera.DefaultConfig()
	camCfg.ReadTimeout = time.Second
	src := camera.NewSource(h.dev, camCfg, log.Discard())
	verifier := parts.NewVerifier(parts.DefaultCatalog(), parts.DefaultRequirements(), 0.4)

	all := append([]Option{
		WithLogger(log.Discard()),
		WithSinks(h.sink),
		WithRetryBackoff(time.Millisecond),
		WithReconnect(time.Millisecond, 4*time.Millisecond, 2),
		WithCommandTimeout(100 * time.Millisecond),
	}, opts...)

	ctrl, err := New(h.link, src, h.cls, verifier, all...)
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.ctrl.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })
}

func (h *harness) stop(t *testing.T) error {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case h.runErr = <-h.done:
		case <-time.After(waitFor):
			t.Error("controller did not stop")
		}
	})
	return h.runErr
}

func (h *harness) waitOutcomes(t *testing.T, n int) []Outcome {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.sink.Outcomes()) >= n }, waitFor, tick)
	return h.sink.Outcomes()
}

func det(class parts.ClassID, conf float64) parts.Detection {
	return parts.Detection{Class: class, Box: parts.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}, Confidence: conf}
}

// completeBoard is one of each part and four holes.
func completeBoard() []parts.Detection {
	return []parts.Detection{
		det(5, 0.9), det(1, 0.8), det(4, 0.7), det(6, 0.95), det(2, 0.85),
		det(3, 0.9), det(3, 0.9), det(3, 0.8), det(3, 0.75),
	}
}

func returning(dets []parts.Detection) func(context.Context, camera.Frame, classify.Options) (classify.Result, error) {
	return func(context.Context, camera.Frame, classify.Options) (classify.Result, error) {
		return classify.Result{Detections: dets}, nil
	}
}

func TestController_GoodBoard(t *testing.T) {
	h := newHarness(t)
	h.cls.ClassifyFunc = returning(completeBoard())
	h.start(t)

	h.link.Halt()
	out := h.waitOutcomes(t, 1)[0]

	assert.Equal(t, parts.Good, out.Verdict)
	assert.Empty(t, out.Missing)
	assert.Equal(t, 4, out.Counts[parts.Hole])
	assert.True(t, out.Resumed)
	assert.Equal(t, uint64(1), out.CycleID)
	assert.Equal(t, 1, out.Attempts)
	assert.NotEmpty(t, out.Frame.JPEG)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, uint64(1), snap.Good)
	assert.Equal(t, uint64(0), snap.Defective)
	assert.Equal(t, Idle, snap.State)
	assert.Equal(t, []line.Command{line.Resume}, h.link.Commands())
}

func TestController_DefectiveBoard(t *testing.T) {
	h := newHarness(t)
	board := completeBoard()[:8] // three holes
	h.cls.ClassifyFunc = returning(board)
	h.start(t)

	h.link.Halt()
	out := h.waitOutcomes(t, 1)[0]

	assert.Equal(t, parts.Defective, out.Verdict)
	assert.Equal(t, []parts.Deficit{{Part: parts.Hole, Missing: 1}}, out.Missing)
	assert.Equal(t, uint64(1), h.ctrl.Snapshot().Defective)
	assert.Equal(t, 1, h.link.CountOf(line.Resume))
}

func TestController_ClassifyTimeoutIsInconclusive(t *testing.T) {
	h := newHarness(t, WithClassifyAttempts(3))
	h.cls.ClassifyFunc = func(context.Context, camera.Frame, classify.Options) (classify.Result, error) {
		return classify.Result{}, &classify.Error{Reason: classify.Timeout, Err: context.DeadlineExceeded}
	}
	h.start(t)

	h.link.Halt()
	out := h.waitOutcomes(t, 1)[0]

	assert.Equal(t, parts.Inconclusive, out.Verdict)
	assert.Equal(t, ReasonClassification, out.Reason)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, h.cls.CallCount())
	assert.Equal(t, 1, h.link.CountOf(line.Resume))

	snap := h.ctrl.Snapshot()
	assert.Zero(t, snap.Good)
	assert.Zero(t, snap.Defective)
	assert.Equal(t, uint64(1), snap.Inconclusive)
}

func TestController_CaptureFailureSkipsClassification(t *testing.T) {
	h := newHarness(t)
	h.dev.ReadFunc = func() (camera.Frame, error) { return camera.Frame{}, errors.New("usb reset") }
	h.start(t)

	h.link.Halt()
	out := h.waitOutcomes(t, 1)[0]

	assert.Equal(t, parts.Inconclusive, out.Verdict)
	assert.Equal(t, ReasonCapture, out.Reason)
	assert.Contains(t, out.Error, "usb reset")
	assert.Zero(t, h.cls.CallCount())
	assert.Equal(t, 1, h.link.CountOf(line.Resume))
	assert.Equal(t, uint64(1), h.ctrl.Snapshot().Inconclusive)
}

func TestController_RetryThenSuccess(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.cls.ClassifyFunc = func(context.Context, camera.Frame, classify.Options) (classify.Result, error) {
		if calls.Add(1) == 1 {
			return classify.Result{}, &classify.Error{Reason: classify.Network, Err: io.ErrUnexpectedEOF}
		}
		return classify.Result{Detections: completeBoard()}, nil
	}
	h.start(t)

	h.link.Halt()
	out := h.waitOutcomes(t, 1)[0]

	assert.Equal(t, parts.Good, out.Verdict)
	assert.Equal(t, 2, out.Attempts)
}

func TestController_ClientErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.cls.ClassifyFunc = func(context.Context, camera.Frame, classify.Options) (classify.Result, error) {
		return classify.Result{}, &classify.Error{Reason: classify.ServerRejected, StatusCode: 400, Err: errors.New("bad model")}
	}
	h.start(t)

	h.link.Halt()
	out := h.waitOutcomes(t, 1)[0]

	assert.Equal(t, parts.Inconclusive, out.Verdict)
	assert.Equal(t, 1, h.cls.CallCount())
}

func TestController_MalformedResponseIsNotRetried(t *testing.T) {
	h := newHarness(t, WithClassifyAttempts(3))
	h.cls.ClassifyFunc = func(context.Context, camera.Frame, classify.Options) (classify.Result, error) {
		return classify.Result{}, &classify.Error{Reason: classify.SchemaInvalid, Err: errors.New(`missing "objects"`)}
	}
	h.start(t)

	h.link.Halt()
	out := h.waitOutcomes(t, 1)[0]

	assert.Equal(t, parts.Inconclusive, out.Verdict)
	assert.Equal(t, 1, h.cls.CallCount())
	assert.Equal(t, 1, h.link.CountOf(line.Resume))
}

func TestController_PassesClassifyOptions(t *testing.T) {
	opts := classify.Options{MinConfidence: classify.Confidence(0.55), Model: "YOLOv6-L"}
	h := newHarness(t, WithClassifyOptions(opts))
	h.start(t)

	h.link.Halt()
	h.waitOutcomes(t, 1)

	calls := h.cls.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, opts, calls[0].Options)
}

func TestController_HaltDuringCycleIsIgnored(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.cls.ClassifyFunc = func(context.Context, camera.Frame, classify.Options) (classify.Result, error) {
		<-release
		return classify.Result{Detections: completeBoard()}, nil
	}
	h.start(t)

	h.link.Halt()
	require.Eventually(t, func() bool { return h.ctrl.Snapshot().State == Classifying }, waitFor, tick)

	h.link.Halt()
	close(release)

	h.waitOutcomes(t, 1)
	require.Eventually(t, func() bool { return h.ctrl.Snapshot().IgnoredHalts == 1 }, waitFor, tick)
	assert.Equal(t, 1, h.cls.CallCount())

	h.link.Halt()
	outs := h.waitOutcomes(t, 2)
	assert.Equal(t, uint64(2), outs[1].CycleID)
	assert.Equal(t, 2, h.cls.CallCount())
}

func TestController_OutcomesInCycleOrder(t *testing.T) {
	h := newHarness(t)
	h.cls.ClassifyFunc = returning(completeBoard())
	h.start(t)

	for i := 1; i <= 5; i++ {
		h.link.Halt()
		h.waitOutcomes(t, i)
	}

	outs := h.sink.Outcomes()
	require.Len(t, outs, 5)
	for i, o := range outs {
		assert.Equal(t, uint64(i+1), o.CycleID)
	}
	assert.Equal(t, uint64(5), h.ctrl.Snapshot().Good)
	assert.Equal(t, 5, h.link.CountOf(line.Resume))
}

func TestController_EmergencyStopDuringClassification(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.cls.ClassifyFunc = func(context.Context, camera.Frame, classify.Options) (classify.Result, error) {
		<-release
		return classify.Result{Detections: completeBoard()}, nil
	}
	h.start(t)

	h.link.Halt()
	require.Eventually(t, func() bool { return h.ctrl.Snapshot().State == Classifying }, waitFor, tick)

	h.ctrl.EmergencyStop("operator")
	h.ctrl.EmergencyStop("again")

	select {
	case err := <-h.done:
		h.stopOnce.Do(func() { h.runErr = err })
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after emergency stop")
	}

	close(release)
	time.Sleep(20 * time.Millisecond)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, Shutdown, snap.State)
	assert.Equal(t, "operator", snap.StopReason)
	assert.Zero(t, snap.Good)
	assert.Zero(t, snap.Cycles)
	assert.Empty(t, h.sink.Outcomes())
	assert.Equal(t, 1, h.sink.Shutdowns())
	assert.Equal(t, 1, h.link.CountOf(line.Stop))
	assert.Zero(t, h.link.CountOf(line.Resume))
}

func TestController_EmergencyStopWithDeadLink(t *testing.T) {
	h := newHarness(t)
	h.link.SendFunc = func(ctx context.Context, cmd line.Command) error {
		<-ctx.Done()
		return &line.LinkError{Op: "write", Err: line.ErrWriteTimeout}
	}
	h.start(t)

	start := time.Now()
	h.ctrl.EmergencyStop("operator")
	assert.Less(t, time.Since(start), time.Second)

	<-h.ctrl.Stopped()
	assert.Equal(t, Shutdown, h.ctrl.Snapshot().State)
	assert.Equal(t, 1, h.link.CountOf(line.Stop))
}

func TestController_EmergencyStopBeforeRun(t *testing.T) {
	h := newHarness(t)
	h.ctrl.EmergencyStop("maintenance")

	err := h.ctrl.Run(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 1, h.sink.Shutdowns())
}

func TestController_RunTwice(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	require.Eventually(t, func() bool { return h.ctrl.running.Load() }, waitFor, tick)
	assert.ErrorIs(t, h.ctrl.Run(context.Background()), ErrAlreadyRunning)
}

func TestController_ContextCancelShutsDown(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	assert.NoError(t, h.stop(t))
	assert.Equal(t, Shutdown, h.ctrl.Snapshot().State)
	assert.Equal(t, 1, h.sink.Shutdowns())
	assert.Zero(t, h.link.CountOf(line.Stop))
}

func TestController_ReconnectsAfterReadFailure(t *testing.T) {
	h := newHarness(t)
	h.cls.ClassifyFunc = returning(completeBoard())
	h.start(t)

	h.link.Fail(io.EOF)
	require.Eventually(t, func() bool { return h.link.Reconnects() == 1 }, waitFor, tick)

	h.link.Halt()
	out := h.waitOutcomes(t, 1)[0]
	assert.Equal(t, parts.Good, out.Verdict)
	assert.False(t, h.ctrl.Snapshot().LinkLost)
}

func TestController_LinkLostAndRestored(t *testing.T) {
	h := newHarness(t)
	var allow atomic.Bool
	h.link.ReconnectFunc = func(context.Context) error {
		if allow.Load() {
			return nil
		}
		return &line.LinkError{Op: "open", Err: errors.New("no such device")}
	}
	h.cls.ClassifyFunc = returning(completeBoard())
	h.start(t)

	h.link.Fail(io.EOF)
	require.Eventually(t, func() bool { return h.ctrl.Snapshot().LinkLost }, waitFor, tick)

	// No cycle starts while the link is down.
	h.link.Halt()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sink.Outcomes())

	allow.Store(true)
	require.Eventually(t, func() bool { return !h.ctrl.Snapshot().LinkLost }, waitFor, tick)

	h.waitOutcomes(t, 1)
}

func TestController_ResumeFailureStillRecordsOutcome(t *testing.T) {
	h := newHarness(t)
	var failed atomic.Bool
	h.link.SendFunc = func(ctx context.Context, cmd line.Command) error {
		if cmd == line.Resume && failed.CompareAndSwap(false, true) {
			return &line.LinkError{Op: "write", Err: line.ErrWriteTimeout}
		}
		return nil
	}
	h.cls.ClassifyFunc = returning(completeBoard())
	h.start(t)

	h.link.Halt()
	out := h.waitOutcomes(t, 1)[0]

	assert.Equal(t, parts.Good, out.Verdict)
	assert.False(t, out.Resumed)
	assert.Equal(t, uint64(1), h.ctrl.Snapshot().Good)

	require.Eventually(t, func() bool { return h.link.CountOf(line.Resume) == 2 }, waitFor, tick)
	assert.Equal(t, 1, h.link.Reconnects())
}

func TestController_SnapshotDuringResumeWrite(t *testing.T) {
	h := newHarness(t, WithCommandTimeout(time.Second))
	writing := make(chan struct{})
	var first atomic.Bool
	h.link.SendFunc = func(ctx context.Context, cmd line.Command) error {
		if cmd == line.Resume && first.CompareAndSwap(false, true) {
			close(writing)
			<-ctx.Done()
			return &line.LinkError{Op: "write", Err: line.ErrWriteTimeout}
		}
		return nil
	}
	h.cls.ClassifyFunc = returning(completeBoard())
	h.start(t)

	h.link.Halt()
	select {
	case <-writing:
	case <-time.After(waitFor):
		t.Fatal("resume was never written")
	}

	start := time.Now()
	snap := h.ctrl.Snapshot()
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, Deciding, snap.State)
	assert.Zero(t, snap.Cycles)

	out := h.waitOutcomes(t, 1)[0]
	assert.False(t, out.Resumed)
	require.Eventually(t, func() bool { return h.link.CountOf(line.Resume) == 2 }, waitFor, tick)
}

func TestController_StopWhileResumeInFlight(t *testing.T) {
	h := newHarness(t, WithCommandTimeout(time.Second))
	writing := make(chan struct{})
	h.link.SendFunc = func(ctx context.Context, cmd line.Command) error {
		if cmd == line.Resume {
			close(writing)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	h.cls.ClassifyFunc = returning(completeBoard())
	h.start(t)

	h.link.Halt()
	<-writing
	h.ctrl.EmergencyStop("operator")
	<-h.ctrl.Stopped()

	assert.Equal(t, []line.Command{line.Resume, line.Stop}, h.link.Commands())
	assert.Empty(t, h.sink.Outcomes())
	assert.Zero(t, h.ctrl.Snapshot().Cycles)
}

func TestController_NoResumeOnceStopBegins(t *testing.T) {
	h := newHarness(t)

	// EmergencyStop closes stopCh before Run's context is cancelled.
	close(h.ctrl.stopCh)
	res := parts.NewVerifier(parts.DefaultCatalog(), parts.DefaultRequirements(), 0.4).Verify(completeBoard())
	h.ctrl.decide(context.Background(), &cycle{id: 1, result: &res}, log.Discard())

	assert.Zero(t, h.link.CountOf(line.Resume))
	assert.Zero(t, h.ctrl.Snapshot().Cycles)
}

func TestNew_Validation(t *testing.T) {
	link := line.NewMock()
	src := camera.NewSource(camera.NewMockDevice(), camera.DefaultConfig(), log.Discard())
	cls := classify.NewMock()
	v := parts.NewVerifier(parts.DefaultCatalog(), parts.DefaultRequirements(), 0.4)

	_, err := New(nil, src, cls, v)
	assert.Error(t, err)
	_, err = New(link, nil, cls, v)
	assert.Error(t, err)
	_, err = New(link, src, nil, v)
	assert.Error(t, err)
	_, err = New(link, src, cls, nil)
	assert.Error(t, err)
	_, err = New(link, src, cls, v, WithClassifyAttempts(0))
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "classifying", Classifying.String())
	assert.Equal(t, "shutdown", Shutdown.String())
	assert.Equal(t, "state(42)", State(42).String())
}
