package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/linecheck/linecheck/pkg/parts"
)

// wireResponse is the service's JSON document. Pointers tell a missing field
// from a zero value.
type wireResponse struct {
	Objects *[]wireObject `json:"objects"`
}

type wireObject struct {
	ClassNumber *int      `json:"class_number"`
	BBox        []float64 `json:"bbox"`
	Confidence  *float64  `json:"confidence"`
}

// ParseResponse decodes and validates a detection document. Any structural
// problem is reported as an *Error with reason SchemaInvalid, so malformed
// records never reach the verifier.
func ParseResponse(r io.Reader) ([]parts.Detection, error) {
	var doc wireResponse
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, newError(SchemaInvalid, fmt.Errorf("decode response: %w", err))
	}
	if doc.Objects == nil {
		return nil, newError(SchemaInvalid, errors.New(`missing "objects"`))
	}

	out := make([]parts.Detection, 0, len(*doc.Objects))
	for i, obj := range *doc.Objects {
		d, err := obj.detection()
		if err != nil {
			return nil, newError(SchemaInvalid, fmt.Errorf("object %d: %w", i, err))
		}
		out = append(out, d)
	}
	return out, nil
}

func (o wireObject) detection() (parts.Detection, error) {
	if o.ClassNumber == nil {
		return parts.Detection{}, errors.New(`missing "class_number"`)
	}
	if o.Confidence == nil {
		return parts.Detection{}, errors.New(`missing "confidence"`)
	}
	conf := *o.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return parts.Detection{}, fmt.Errorf("confidence %v outside [0,1]", conf)
	}
	if len(o.BBox) != 4 {
		return parts.Detection{}, fmt.Errorf("bbox has %d values, want 4", len(o.BBox))
	}

	// Services often send float pixel coordinates. Round outwards so a
	// sub-pixel box still covers at least one pixel.
	var c [4]int
	for i, v := range o.BBox {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > math.MaxInt32 {
			return parts.Detection{}, fmt.Errorf("bbox[%d]=%v is not a pixel coordinate", i, v)
		}
		if i < 2 {
			c[i] = int(math.Floor(v))
		} else {
			c[i] = int(math.Ceil(v))
		}
	}
	box := parts.Box{X1: c[0], Y1: c[1], X2: c[2], Y2: c[3]}
	if !box.Valid() {
		return parts.Detection{}, fmt.Errorf("bbox %v is degenerate", o.BBox)
	}

	return parts.Detection{
		Class:      parts.ClassID(*o.ClassNumber),
		Box:        box,
		Confidence: conf,
	}, nil
}
