// Package classify sends inspection frames to the remote object classifier.
//
// One call is one HTTP request with a bounded deadline. There are no retries
// here; the inspection controller owns the retry policy.
//
// Example usage:
//
//	client, _ := classify.NewClient(
//	    classify.WithURL("http://vision.local/api/detect"),
//	    classify.WithTimeout(5*time.Second),
//	)
//	defer client.Close()
//
//	res, err := client.Classify(ctx, frame, classify.Options{
//	    MinConfidence: classify.Confidence(0.4),
//	    Model:         "YOLOv6-L",
//	})
package classify

import (
	"context"
	"time"

	"github.com/linecheck/linecheck/pkg/camera"
	"github.com/linecheck/linecheck/pkg/parts"
)

// Classifier identifies parts in a frame.
type Classifier interface {
	// Classify returns the detections for frame, or an *Error.
	Classify(ctx context.Context, frame camera.Frame, opts Options) (Result, error)
}

// Options are per-request settings understood by the service.
type Options struct {
	// MinConfidence drops detections below this score, on the server and
	// again locally. Nil uses the client default; use Confidence to set it.
	MinConfidence *float64

	// Model selects the remote model variant (sent as base_model).
	// Empty uses the client default.
	Model string
}

// Confidence returns a pointer to v for Options.MinConfidence.
func Confidence(v float64) *float64 {
	return &v
}

// Floor returns the confidence floor for a request, or def when none is set.
func (o Options) Floor(def float64) float64 {
	if o.MinConfidence == nil {
		return def
	}
	return *o.MinConfidence
}

// Result is a successful classification.
type Result struct {
	Detections []parts.Detection
	Model      string
	Latency    time.Duration
}
