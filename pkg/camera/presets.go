package camera

import (
	"fmt"
	"sort"
)

// Preset names for common capture modes.
const (
	PresetVGA   = "vga"
	Preset720p  = "720p"
	Preset1080p = "1080p"
	Preset4K    = "4k"
)

// presets only set the capture mode; flush and timing settings are kept.
var presets = map[string]func(*Config){
	PresetVGA: func(c *Config) {
		c.Width, c.Height, c.Framerate = 640, 480, 30
	},
	Preset720p: func(c *Config) {
		c.Width, c.Height, c.Framerate = 1280, 720, 30
	},
	// Small parts like the oscillator need the extra pixels on wide conveyors.
	Preset1080p: func(c *Config) {
		c.Width, c.Height, c.Framerate = 1920, 1080, 30
	},
	Preset4K: func(c *Config) {
		c.Width, c.Height, c.Framerate = 3840, 2160, 15
	},
}

// PresetNames returns the available preset names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyPreset sets the resolution and frame rate of the named preset.
func (c *Config) ApplyPreset(name string) error {
	apply, ok := presets[name]
	if !ok {
		return fmt.Errorf("unknown camera preset %q (have %v)", name, PresetNames())
	}
	apply(c)
	return nil
}
