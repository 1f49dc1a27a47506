// Package camera acquires inspection frames.
//
// A camera driver keeps a small queue of frames captured while the line was
// still moving. Source throws those away before taking the frame that is
// actually inspected.
package camera

import "time"

// Config holds all camera configuration parameters.
type Config struct {
	// Preset names a capture mode that replaces Width, Height and Framerate.
	Preset string `yaml:"preset" json:"preset,omitempty"`

	DeviceID  int `yaml:"device_id" json:"device_id"` // V4L2 index, 0 for /dev/video0
	Width     int `yaml:"width" json:"width"`         // Frame width in pixels
	Height    int `yaml:"height" json:"height"`       // Frame height in pixels
	Framerate int `yaml:"framerate" json:"framerate"` // Requested FPS
	Quality   int `yaml:"quality" json:"quality"`     // JPEG quality 1-100

	// FlushCount is how many buffered frames are discarded before the
	// inspected one. It should match the driver's buffer depth.
	FlushCount int `yaml:"flush_count" json:"flush_count"`

	// WarmUp is how long to wait after opening before the first capture.
	WarmUp time.Duration `yaml:"warm_up" json:"warm_up"`

	// ReadTimeout bounds one acquisition, flush included.
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`
}

// Device limits accepted by Validate.
const (
	MaxWidth      = 4096
	MaxHeight     = 2160
	MaxFlushCount = 30
)

// DefaultConfig returns settings for a USB webcam over a short conveyor.
// Four discarded frames plus the inspected one is five reads per halt.
func DefaultConfig() Config {
	return Config{
		DeviceID:    0,
		Width:       1280,
		Height:      720,
		Framerate:   30,
		Quality:     85,
		FlushCount:  4,
		WarmUp:      2 * time.Second,
		ReadTimeout: 3 * time.Second,
	}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	if c.DeviceID < 0 {
		errors = append(errors, "device_id must be >= 0")
	}
	if c.Width < 160 || c.Width > MaxWidth {
		errors = append(errors, "width must be between 160 and 4096")
	}
	if c.Height < 120 || c.Height > MaxHeight {
		errors = append(errors, "height must be between 120 and 2160")
	}
	if c.Framerate < 1 || c.Framerate > 120 {
		errors = append(errors, "framerate must be between 1 and 120")
	}
	if c.Quality < 1 || c.Quality > 100 {
		errors = append(errors, "quality must be between 1 and 100")
	}
	if c.FlushCount < 0 || c.FlushCount > MaxFlushCount {
		errors = append(errors, "flush_count must be between 0 and 30")
	}
	if c.WarmUp < 0 {
		errors = append(errors, "warm_up must not be negative")
	}
	if c.ReadTimeout <= 0 {
		errors = append(errors, "read_timeout must be positive")
	}

	return errors
}
