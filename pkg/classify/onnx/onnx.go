// Package onnx runs a YOLO detection model locally through OpenCV DNN.
// It is a drop-in classify.Classifier for stations without network access
// to the classification service.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/linecheck/linecheck/pkg/camera"
	"github.com/linecheck/linecheck/pkg/classify"
	"github.com/linecheck/linecheck/pkg/parts"
)

// Config holds local model settings.
type Config struct {
	ModelPath string

	// InputSize is the square network input, e.g. 640.
	InputSize int

	// MinConfidence applies when a call passes none.
	MinConfidence float64
	NMSThreshold  float64

	// ClassIDs maps model output index to catalog class id. Nil uses the
	// index as the id.
	ClassIDs []parts.ClassID

	Logger *slog.Logger
}

// Classifier runs detection in-process. Calls are serialized.
type Classifier struct {
	cfg    Config
	name   string
	logger *slog.Logger

	mu  sync.Mutex
	net gocv.Net
}

var _ classify.Classifier = (*Classifier)(nil)

// New loads the model at cfg.ModelPath.
func New(cfg Config) (*Classifier, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("onnx: model file: %w", err)
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}
	if cfg.NMSThreshold <= 0 {
		cfg.NMSThreshold = 0.45
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("onnx: failed to load model from %s", cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &Classifier{
		cfg:    cfg,
		name:   "onnx:" + filepath.Base(cfg.ModelPath),
		logger: logger.With("component", "classify.onnx"),
		net:    net,
	}, nil
}

// Classify runs the model on frame.
func (c *Classifier) Classify(ctx context.Context, frame camera.Frame, opts classify.Options) (classify.Result, error) {
	if err := ctx.Err(); err != nil {
		return classify.Result{}, err
	}
	start := time.Now()

	minConf := opts.Floor(c.cfg.MinConfidence)

	img, err := gocv.IMDecode(frame.JPEG, gocv.IMReadColor)
	if err != nil {
		return classify.Result{}, &classify.Error{Reason: classify.SchemaInvalid, Err: fmt.Errorf("decode frame: %w", err)}
	}
	defer img.Close()
	if img.Empty() {
		return classify.Result{}, &classify.Error{Reason: classify.SchemaInvalid, Err: errors.New("frame did not decode")}
	}

	c.mu.Lock()
	dets, err := c.detect(img, minConf)
	c.mu.Unlock()
	if err != nil {
		return classify.Result{}, &classify.Error{Reason: classify.SchemaInvalid, Err: err}
	}

	latency := time.Since(start)
	c.logger.Debug("frame classified", "frame", frame.Seq, "detections", len(dets), "latency_ms", latency.Milliseconds())
	return classify.Result{Detections: dets, Model: c.name, Latency: latency}, nil
}

// detect expects the YOLOv8 layout: one [1, 4+classes, candidates] tensor
// with centre-size boxes in network input pixels.
func (c *Classifier) detect(img gocv.Mat, minConf float64) ([]parts.Detection, error) {
	size := image.Pt(c.cfg.InputSize, c.cfg.InputSize)
	blob := gocv.BlobFromImage(img, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	c.net.SetInput(blob, "")
	output := c.net.Forward("")
	defer output.Close()

	dims := output.Size()
	if len(dims) != 3 || dims[1] <= 4 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	channels, n := dims[1], dims[2]
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}

	sx := float32(img.Cols()) / float32(c.cfg.InputSize)
	sy := float32(img.Rows()) / float32(c.cfg.InputSize)
	bounds := image.Rect(0, 0, img.Cols(), img.Rows())

	var (
		boxes   []image.Rectangle
		scores  []float32
		classes []int
	)
	for i := 0; i < n; i++ {
		best, cls := float32(0), 0
		for ch := 4; ch < channels; ch++ {
			if s := data[ch*n+i]; s > best {
				best, cls = s, ch-4
			}
		}
		if float64(best) < minConf {
			continue
		}

		cx, cy := data[i], data[n+i]
		w, h := data[2*n+i], data[3*n+i]
		r := image.Rect(
			int((cx-w/2)*sx), int((cy-h/2)*sy),
			int((cx+w/2)*sx), int((cy+h/2)*sy),
		).Intersect(bounds)
		if r.Empty() {
			continue
		}
		boxes = append(boxes, r)
		scores = append(scores, best)
		classes = append(classes, cls)
	}
	if len(boxes) == 0 {
		return []parts.Detection{}, nil
	}

	keep := gocv.NMSBoxes(boxes, scores, float32(minConf), float32(c.cfg.NMSThreshold))
	out := make([]parts.Detection, 0, len(keep))
	for _, idx := range keep {
		r := boxes[idx]
		out = append(out, parts.Detection{
			Class:      c.classID(classes[idx]),
			Box:        parts.Box{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y},
			Confidence: float64(scores[idx]),
		})
	}
	return out, nil
}

func (c *Classifier) classID(index int) parts.ClassID {
	if index < len(c.cfg.ClassIDs) {
		return c.cfg.ClassIDs[index]
	}
	return parts.ClassID(index)
}

// Close releases the network.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.net.Close()
}
