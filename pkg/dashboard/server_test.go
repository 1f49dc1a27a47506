package dashboard

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/linecheck/linecheck/internal/log"
	"github.com/linecheck/linecheck/pkg/camera"
	"github.com/linecheck/linecheck/pkg/inspection"
	"github.com/linecheck/linecheck/pkg/parts"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Status == nil {
		cfg.Status = func() inspection.Snapshot { return inspection.Snapshot{Good: 2, Defective: 1} }
	}
	cfg.Logger = log.Discard()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

// do runs req against the app and fails the test on a transport error.
func do(t *testing.T, s *Server, req *http.Request) *http.Response {
	t.Helper()
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	return resp
}

func outcome(cycle uint64, verdict parts.Verdict, missing ...parts.Deficit) inspection.Outcome {
	now := time.Now()
	return inspection.Outcome{
		ID:        uuid.New(),
		CycleID:   cycle,
		Frame:     camera.Frame{Seq: cycle, JPEG: []byte{0xff, 0xd8, 0xff, 0xd9}},
		Verdict:   verdict,
		Missing:   missing,
		Resumed:   true,
		HaltedAt:  now.Add(-300 * time.Millisecond),
		DecidedAt: now,
	}
}

func TestServer_Status(t *testing.T) {
	s := newTestServer(t, Config{Station: "line-7"})

	resp := do(t, s, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Station != "line-7" {
		t.Errorf("station = %q, want line-7", got.Station)
	}
	if got.Counters.Good != 2 || got.Counters.Defective != 1 {
		t.Errorf("counters = %+v, want 2 good 1 defective", got.Counters)
	}
	if got.Stopped {
		t.Error("station reported stopped")
	}
}

func TestServer_HistoryIsBounded(t *testing.T) {
	s := newTestServer(t, Config{History: 3})

	for i := uint64(1); i <= 5; i++ {
		s.OnOutcome(outcome(i, parts.Good))
	}

	hist := s.History()
	if len(hist) != 3 {
		t.Fatalf("history has %d entries, want 3", len(hist))
	}
	if hist[0].CycleID != 5 || hist[2].CycleID != 3 {
		t.Errorf("history cycles %d..%d, want newest first 5..3", hist[0].CycleID, hist[2].CycleID)
	}

	resp := do(t, s, httptest.NewRequest(http.MethodGet, "/api/outcomes", nil))
	var got []Entry
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("/api/outcomes returned %d entries, want 3", len(got))
	}
}

func TestServer_EntryMessages(t *testing.T) {
	s := newTestServer(t, Config{})

	s.OnOutcome(outcome(1, parts.Good))
	s.OnOutcome(outcome(2, parts.Defective,
		parts.Deficit{Part: parts.Hole, Missing: 1},
		parts.Deficit{Part: parts.USB, Missing: 1},
	))
	inc := outcome(3, parts.Inconclusive)
	inc.Reason = inspection.ReasonClassification
	inc.Frame = camera.Frame{}
	s.OnOutcome(inc)

	hist := s.History()

	if hist[0].Message != MessageInconclusive {
		t.Errorf("inconclusive message = %q", hist[0].Message)
	}
	if !reflect.DeepEqual(hist[0].Details, []string{inspection.ReasonClassification}) {
		t.Errorf("inconclusive details = %v", hist[0].Details)
	}
	if len(hist[0].Image) != 0 {
		t.Error("inconclusive entry without a frame has an image")
	}

	if hist[1].Message != MessageDefective {
		t.Errorf("defective message = %q", hist[1].Message)
	}
	if want := []string{"HOLE: 1 missing", "USB: 1 missing"}; !reflect.DeepEqual(hist[1].Details, want) {
		t.Errorf("defective details = %v, want %v", hist[1].Details, want)
	}

	if hist[2].Message != MessageGood {
		t.Errorf("good message = %q", hist[2].Message)
	}
	if len(hist[2].Details) != 0 {
		t.Errorf("good details = %v, want none", hist[2].Details)
	}
	if hist[2].LatencyMS != 300 {
		t.Errorf("latency = %dms, want 300ms", hist[2].LatencyMS)
	}
}

func TestServer_Annotator(t *testing.T) {
	s := newTestServer(t, Config{
		Annotate: func(o inspection.Outcome) ([]byte, error) {
			return []byte("annotated"), nil
		},
	})
	s.OnOutcome(outcome(1, parts.Good))
	if got := string(s.History()[0].Image); got != "annotated" {
		t.Errorf("image = %q, want annotated", got)
	}

	resp := do(t, s, httptest.NewRequest(http.MethodGet, "/api/outcomes/latest/image", nil))
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q, want image/jpeg", ct)
	}
	if body, _ := io.ReadAll(resp.Body); string(body) != "annotated" {
		t.Errorf("body = %q, want annotated", body)
	}
}

func TestServer_AnnotatorFailureFallsBack(t *testing.T) {
	s := newTestServer(t, Config{
		Annotate: func(inspection.Outcome) ([]byte, error) { return nil, errors.New("no opencv") },
	})
	o := outcome(1, parts.Good)
	s.OnOutcome(o)
	if got := s.History()[0].Image; !bytes.Equal(got, o.Frame.JPEG) {
		t.Errorf("image = %x, want the raw frame %x", got, o.Frame.JPEG)
	}
}

func TestServer_LatestImageEmpty(t *testing.T) {
	s := newTestServer(t, Config{})
	resp := do(t, s, httptest.NewRequest(http.MethodGet, "/api/outcomes/latest/image", nil))
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestServer_Stop(t *testing.T) {
	var mu sync.Mutex
	var reasons []string
	s := newTestServer(t, Config{Stop: func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	}})

	req := httptest.NewRequest(http.MethodPost, "/api/stop", strings.NewReader(`{"reason":"jam at station 2"}`))
	req.Header.Set("Content-Type", "application/json")
	if resp := do(t, s, req); resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp := do(t, s, httptest.NewRequest(http.MethodPost, "/api/stop", nil)); resp.StatusCode != http.StatusOK {
		t.Errorf("status without body = %d, want 200", resp.StatusCode)
	}

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"jam at station 2", "operator stop from dashboard"}; !reflect.DeepEqual(reasons, want) {
		t.Errorf("reasons = %q, want %q", reasons, want)
	}
}

func TestServer_StopNotConfigured(t *testing.T) {
	s := newTestServer(t, Config{})
	resp := do(t, s, httptest.NewRequest(http.MethodPost, "/api/stop", nil))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestServer_ShutdownMarksStopped(t *testing.T) {
	s := newTestServer(t, Config{})
	s.OnShutdown()
	if !s.status().Stopped {
		t.Error("status not stopped after shutdown")
	}
}

func TestServer_WebsocketRequiresUpgrade(t *testing.T) {
	s := newTestServer(t, Config{})
	resp := do(t, s, httptest.NewRequest(http.MethodGet, "/ws/outcomes", nil))
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
}

func TestNew_RequiresStatus(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without a status func")
	}
}
