// Package config loads the station file.
//
// Precedence, lowest first: built-in defaults, the YAML file, LINECHECK_*
// environment variables, then command-line flags applied by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linecheck/linecheck/pkg/camera"
	"github.com/linecheck/linecheck/pkg/parts"
)

// Config is the whole station configuration.
type Config struct {
	Station    string           `yaml:"station"`
	Log        LogConfig        `yaml:"log"`
	Serial     SerialConfig     `yaml:"serial"`
	Camera     camera.Config    `yaml:"camera"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Parts      PartsConfig      `yaml:"parts"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SerialConfig describes the conveyor controller link.
type SerialConfig struct {
	Device       string        `yaml:"device"`
	BaudRate     int           `yaml:"baud_rate"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Classifier backends.
const (
	BackendHTTP = "http"
	BackendONNX = "onnx"
)

// ClassifierConfig describes the classifier and the retry policy applied
// around it. The http backend calls the remote service; onnx runs a local
// model file.
type ClassifierConfig struct {
	Backend       string        `yaml:"backend"`
	URL           string        `yaml:"url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	MinConfidence float64       `yaml:"min_confidence"`
	Timeout       time.Duration `yaml:"timeout"`
	Attempts      int           `yaml:"attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`

	ModelPath    string  `yaml:"model_path"`
	NMSThreshold float64 `yaml:"nms_threshold"`
	InputSize    int     `yaml:"input_size"`

	// ClassIDs maps a local model's output index to a parts.classes id.
	// Empty assumes the model was trained on the catalog in ascending id
	// order, so output 0 is the lowest id.
	ClassIDs []parts.ClassID `yaml:"class_ids"`
}

// PartsConfig maps classifier ids to parts and lists what a board needs.
type PartsConfig struct {
	Classes  parts.Catalog      `yaml:"classes"`
	Required parts.Requirements `yaml:"required"`
}

// DashboardConfig controls the operator dashboard.
type DashboardConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Addr           string `yaml:"addr"`
	History        int    `yaml:"history"`
	ThumbnailWidth int    `yaml:"thumbnail_width"`
}

// MQTTConfig controls outcome publishing. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	QoS         byte   `yaml:"qos"`
}

// Default returns the reference station settings.
func Default() *Config {
	return &Config{
		Station: "line-1",
		Log:     LogConfig{Level: "info", Format: "text"},
		Serial: SerialConfig{
			Device:       "/dev/ttyACM0",
			BaudRate:     9600,
			WriteTimeout: 2 * time.Second,
		},
		Camera: camera.DefaultConfig(),
		Classifier: ClassifierConfig{
			Backend:       BackendHTTP,
			Model:         "YOLOv6-L",
			MinConfidence: 0.4,
			Timeout:       5 * time.Second,
			Attempts:      3,
			RetryBackoff:  250 * time.Millisecond,
			NMSThreshold:  0.45,
			InputSize:     640,
		},
		Dashboard: DashboardConfig{
			Enabled:        true,
			Addr:           ":8080",
			History:        5,
			ThumbnailWidth: 200,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "linecheck",
			QoS:         1,
		},
	}
}

// Load reads the station file at path, then applies environment overrides.
// An empty path yields the defaults with overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.Decode(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if cfg.Camera.Preset != "" {
		if err := cfg.Camera.ApplyPreset(cfg.Camera.Preset); err != nil {
			return nil, err
		}
	}
	cfg.fillParts()
	cfg.ApplyEnv()
	return cfg, nil
}

// Decode merges a YAML document over c. Unknown keys are rejected.
func (c *Config) Decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// fillParts supplies the reference board when the file names no parts.
// The tables are replaced, never merged, so they start empty.
func (c *Config) fillParts() {
	if len(c.Parts.Classes) == 0 {
		c.Parts.Classes = parts.DefaultCatalog()
	}
	if len(c.Parts.Required) == 0 {
		c.Parts.Required = parts.DefaultRequirements()
	}
}

// ApplyEnv applies LINECHECK_* overrides.
func (c *Config) ApplyEnv() {
	c.Serial.Device = Env(EnvSerialPort, c.Serial.Device)
	c.Classifier.URL = Env(EnvClassifierURL, c.Classifier.URL)
	c.Classifier.APIKey = Env(EnvClassifierAPIKey, c.Classifier.APIKey)
	c.MQTT.Broker = Env(EnvMQTTBroker, c.MQTT.Broker)
	c.Log.Level = Env(EnvLogLevel, c.Log.Level)
}

// Verifier builds the completeness verifier for this station.
func (c *Config) Verifier() *parts.Verifier {
	return parts.NewVerifier(c.Parts.Classes, c.Parts.Required, c.Classifier.MinConfidence)
}

// ValidateParts checks only the parts tables, which is all offline
// verification needs.
func (c *Config) ValidateParts() []string {
	var problems []string
	if err := c.Parts.Classes.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if err := c.Parts.Required.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Classifier.MinConfidence < 0 || c.Classifier.MinConfidence > 1 {
		problems = append(problems, "classifier.min_confidence must be between 0 and 1")
	}
	return problems
}

// ModelClassIDs returns the output index mapping for the onnx backend.
func (c *Config) ModelClassIDs() []parts.ClassID {
	if len(c.Classifier.ClassIDs) > 0 {
		return c.Classifier.ClassIDs
	}
	return c.Parts.Classes.IDs()
}

// Validate returns every problem found, or nil.
func (c *Config) Validate() []string {
	problems := c.ValidateParts()

	if c.Serial.Device == "" {
		problems = append(problems, "serial.device is required")
	}
	if c.Serial.BaudRate <= 0 {
		problems = append(problems, "serial.baud_rate must be positive")
	}
	if c.Serial.WriteTimeout <= 0 {
		problems = append(problems, "serial.write_timeout must be positive")
	}
	for _, p := range c.Camera.Validate() {
		problems = append(problems, "camera."+p)
	}
	switch c.Classifier.Backend {
	case BackendHTTP:
		if c.Classifier.URL == "" {
			problems = append(problems, "classifier.url is required (or set "+EnvClassifierURL+")")
		}
	case BackendONNX:
		if c.Classifier.ModelPath == "" {
			problems = append(problems, "classifier.model_path is required for the onnx backend")
		}
		if c.Classifier.InputSize < 32 {
			problems = append(problems, "classifier.input_size must be at least 32")
		}
		for i, id := range c.Classifier.ClassIDs {
			if _, ok := c.Parts.Classes[id]; !ok {
				problems = append(problems, fmt.Sprintf("classifier.class_ids[%d]: class %d is not in parts.classes", i, id))
			}
		}
	default:
		problems = append(problems, fmt.Sprintf("classifier.backend %q is not http or onnx", c.Classifier.Backend))
	}
	if c.Classifier.Timeout <= 0 {
		problems = append(problems, "classifier.timeout must be positive")
	}
	if c.Classifier.Attempts < 1 {
		problems = append(problems, "classifier.attempts must be at least 1")
	}
	if c.Dashboard.Enabled {
		if c.Dashboard.Addr == "" {
			problems = append(problems, "dashboard.addr is required when the dashboard is enabled")
		}
		if c.Dashboard.History < 1 {
			problems = append(problems, "dashboard.history must be at least 1")
		}
	}
	if c.MQTT.Broker != "" && c.MQTT.QoS > 2 {
		problems = append(problems, "mqtt.qos must be 0, 1 or 2")
	}
	return problems
}

// Error joins validation problems into one error, or returns nil.
func Error(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config:\n  - %s", strings.Join(problems, "\n  - "))
}
