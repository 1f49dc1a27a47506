// Package overlay draws detections onto inspection frames for display.
package overlay

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/linecheck/linecheck/pkg/parts"
)

// Options controls rendering.
type Options struct {
	// Width of the output image. Height keeps the aspect ratio.
	// Zero keeps the frame size.
	Width int

	Quality   int // JPEG quality 1-100
	Thickness int
	FontScale float64
}

// DefaultOptions returns the dashboard thumbnail settings.
func DefaultOptions() Options {
	return Options{
		Width:     200,
		Quality:   80,
		Thickness: 2,
		FontScale: 0.5,
	}
}

var palette = map[parts.Part]color.RGBA{
	parts.RaspberryPico: {R: 255, G: 102, B: 102, A: 255},
	parts.Hole:          {R: 255, G: 178, B: 102, A: 255},
	parts.Bootsel:       {R: 178, G: 255, B: 102, A: 255},
	parts.Oscillator:    {R: 102, G: 178, B: 255, A: 255},
	parts.USB:           {R: 204, G: 153, B: 255, A: 255},
	parts.Chipset:       {R: 192, G: 192, B: 192, A: 255},
}

var white = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Color returns the box colour for p. Parts without one are drawn white.
func Color(p parts.Part) color.RGBA {
	if c, ok := palette[p]; ok {
		return c
	}
	return white
}

// Label returns the caption drawn above a detection.
func Label(p parts.Part, confidence float64) string {
	return fmt.Sprintf("%s (%.2f)", p, confidence)
}

// Annotate decodes jpeg, draws each detection with its part colour and
// label, scales the result and re-encodes it.
func Annotate(jpeg []byte, dets []parts.Detection, catalog parts.Catalog, opts Options) ([]byte, error) {
	if len(jpeg) == 0 {
		return nil, errors.New("overlay: empty image")
	}
	img, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("overlay: decode: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, errors.New("overlay: image did not decode")
	}

	for _, d := range dets {
		p := catalog.Part(d.Class)
		c := Color(p)
		r := image.Rect(d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
		gocv.Rectangle(&img, r, c, opts.Thickness)

		// Keep the caption inside the frame for boxes touching the top edge.
		y := d.Box.Y1 - 10
		if y < 12 {
			y = d.Box.Y1 + 14
		}
		gocv.PutText(&img, Label(p, d.Confidence), image.Pt(d.Box.X1, y),
			gocv.FontHersheySimplex, opts.FontScale, c, opts.Thickness)
	}

	out := img
	if opts.Width > 0 && opts.Width < img.Cols() {
		h := img.Rows() * opts.Width / img.Cols()
		scaled := gocv.NewMat()
		defer scaled.Close()
		gocv.Resize(img, &scaled, image.Pt(opts.Width, h), 0, 0, gocv.InterpolationArea)
		out = scaled
	}

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, out, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("overlay: encode: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
