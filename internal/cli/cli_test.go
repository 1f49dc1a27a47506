package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linecheck/linecheck/internal/config"
	"github.com/linecheck/linecheck/pkg/dashboard"
	"github.com/linecheck/linecheck/pkg/parts"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand("test")
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"--config", ""}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

// response builds a classifier document with the given class numbers.
func response(classes ...int) string {
	objs := make([]string, len(classes))
	for i, c := range classes {
		objs[i] = fmt.Sprintf(`{"class_number": %d, "bbox": [10, 10, 60, 60], "confidence": 0.9}`, c)
	}
	return `{"objects": [` + strings.Join(objs, ",") + `]}`
}

func writeResponse(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "response.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand("test")
	assert.Equal(t, "linecheck", cmd.Use)

	for _, name := range []string{"run", "verify", "watch", "version"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "yaml", "version")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "linecheck test")
}

func TestVerify_CompleteBoard(t *testing.T) {
	path := writeResponse(t, response(5, 3, 3, 3, 3, 1, 4, 6, 2))

	out, err := execute(t, "verify", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Verdict: good")
	assert.Contains(t, out, "9 of 9 detections")
	assert.NotContains(t, out, "missing")
}

func TestVerify_DefectiveJSON(t *testing.T) {
	path := writeResponse(t, response(5, 3, 3, 3, 1, 4, 6, 2))

	out, err := execute(t, "--format", "json", "verify", path)
	require.NoError(t, err, "defective is not an error without --strict")

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "defective", report["verdict"])
	assert.Equal(t, []any{map[string]any{"part": "HOLE", "missing": float64(1)}}, report["missing"])
}

func TestVerify_Strict(t *testing.T) {
	path := writeResponse(t, response(3))

	out, err := execute(t, "verify", "--strict", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, out, "RASPBERRY_PICO: 1 missing")
}

func TestVerify_Stdin(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRootCommand("test")
	cmd.SetOut(buf)
	cmd.SetIn(strings.NewReader(response(5, 3, 3, 3, 3, 1, 4, 6, 2)))
	cmd.SetArgs([]string{"--config", "", "verify", "-"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "Verdict: good")
}

func TestVerify_Errors(t *testing.T) {
	_, err := execute(t, "verify", filepath.Join(t.TempDir(), "nope.json"))
	assert.Equal(t, ExitCommandError, ExitCode(err))

	_, err = execute(t, "verify", writeResponse(t, `{"detections": []}`))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
	assert.Contains(t, err.Error(), "objects")

	_, err = execute(t, "verify")
	assert.Error(t, err, "response path is required")
}

func TestRunOptions_Apply(t *testing.T) {
	cfg := config.Default()
	opts := &RunOptions{
		Serial:        "/dev/ttyUSB1",
		ClassifierURL: "http://vision/detect",
		DashboardAddr: ":9090",
		NoDashboard:   true,
		MQTTBroker:    "tcp://broker:1883",
		CameraPreset:  "720p",
	}
	require.NoError(t, opts.apply(cfg))

	assert.Equal(t, "/dev/ttyUSB1", cfg.Serial.Device)
	assert.Equal(t, "http://vision/detect", cfg.Classifier.URL)
	assert.Equal(t, ":9090", cfg.Dashboard.Addr)
	assert.False(t, cfg.Dashboard.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, 1280, cfg.Camera.Width)
	assert.Equal(t, config.BackendHTTP, cfg.Classifier.Backend, "unset flags keep the file value")

	assert.Error(t, (&RunOptions{CameraPreset: "zoom"}).apply(cfg))
}

func TestRun_InvalidConfig(t *testing.T) {
	_, err := execute(t, "run", "--no-dashboard")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
	assert.Contains(t, err.Error(), "classifier.url")
}

func TestWatch(t *testing.T) {
	entries := []dashboard.Entry{
		{CycleID: 1, Verdict: parts.Good, Message: dashboard.MessageGood, Time: time.Now(), LatencyMS: 640},
		{
			CycleID: 2, Verdict: parts.Defective, Message: dashboard.MessageDefective,
			Details: []string{"HOLE: 1 missing"}, Time: time.Now(), LatencyMS: 710,
		},
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, e := range entries {
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
		// Hold the connection until the client leaves.
		conn.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	out, err := execute(t, "watch", "--url", url, "--count", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "#1 good")
	assert.Contains(t, lines[0], dashboard.MessageGood)
	assert.Contains(t, lines[1], "[HOLE: 1 missing]")
	assert.Contains(t, lines[1], "710ms")
}

func TestWatch_ConnectFailure(t *testing.T) {
	_, err := execute(t, "watch", "--url", "ws://127.0.0.1:1/ws/outcomes", "--count", "1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}
