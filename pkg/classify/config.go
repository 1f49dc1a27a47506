package classify

import (
	"log/slog"
	"net/http"
	"time"
)

// Config holds client configuration.
type Config struct {
	// Connection
	URL    string // Full detection endpoint, e.g. http://host/api/v1/detect
	APIKey string // Bearer token (optional)

	// Request defaults used when Options leaves them empty.
	Model         string
	MinConfidence float64

	// Timeout is the deadline for one request.
	Timeout time.Duration

	// MaxResponseBytes caps the decoded body.
	MaxResponseBytes int64

	// HTTPClient overrides the default transport. Its own Timeout still applies.
	HTTPClient *http.Client

	// Observability
	Logger *slog.Logger
}

// Option is a functional option for configuring the client.
type Option func(*Config)

// WithURL sets the detection endpoint.
func WithURL(url string) Option {
	return func(c *Config) { c.URL = url }
}

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithModel sets the default model identifier.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithMinConfidence sets the default confidence floor.
func WithMinConfidence(v float64) Option {
	return func(c *Config) { c.MinConfidence = v }
}

// WithTimeout sets the request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Config) { c.HTTPClient = hc }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig returns the settings the reference board model was tuned with.
func DefaultConfig() *Config {
	return &Config{
		Model:            "YOLOv6-L",
		MinConfidence:    0.4,
		Timeout:          5 * time.Second,
		MaxResponseBytes: 4 << 20,
		Logger:           slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrNoURL
	}
	return nil
}
