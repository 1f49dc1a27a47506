// Package opencv provides a camera.Device backed by an OpenCV VideoCapture.
package opencv

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/linecheck/linecheck/pkg/camera"
)

// ErrReadFailed is returned when the driver yields no frame.
var ErrReadFailed = errors.New("opencv: read failed")

// Device captures frames from a local camera.
type Device struct {
	mu      sync.Mutex
	vc      *gocv.VideoCapture
	mat     gocv.Mat
	quality int
}

var _ camera.Device = (*Device)(nil)

// Open opens the camera at cfg.DeviceID and applies resolution and rate.
func Open(cfg camera.Config) (*Device, error) {
	vc, err := gocv.OpenVideoCapture(cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", cfg.DeviceID, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("camera %d did not open", cfg.DeviceID)
	}

	vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	vc.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))

	return &Device{
		vc:      vc,
		mat:     gocv.NewMat(),
		quality: cfg.Quality,
	}, nil
}

// Grab reads one frame into the scratch buffer and drops it.
func (d *Device) Grab() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.vc.Read(&d.mat) {
		return ErrReadFailed
	}
	return nil
}

// Read captures one frame and encodes it as JPEG.
func (d *Device) Read() (camera.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.vc.Read(&d.mat) {
		return camera.Frame{}, ErrReadFailed
	}
	if d.mat.Empty() {
		return camera.Frame{}, camera.ErrEmptyFrame
	}
	captured := time.Now()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, d.mat, []int{gocv.IMWriteJpegQuality, d.quality})
	if err != nil {
		return camera.Frame{}, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	// The native buffer is freed on Close; keep a Go copy.
	data := append([]byte(nil), buf.GetBytes()...)

	return camera.Frame{
		CapturedAt: captured,
		Width:      d.mat.Cols(),
		Height:     d.mat.Rows(),
		JPEG:       data,
	}, nil
}

// Close releases the capture and scratch buffer.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mat.Close()
	return d.vc.Close()
}
