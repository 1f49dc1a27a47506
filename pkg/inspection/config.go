package inspection

import (
	"errors"
	"log/slog"
	"time"

	"github.com/linecheck/linecheck/pkg/classify"
)

// Config holds controller settings.
type Config struct {
	// ClassifyAttempts bounds classify calls per cycle, including the first.
	ClassifyAttempts int

	// RetryBackoff is multiplied by the attempt number between classify retries.
	RetryBackoff time.Duration

	// CommandTimeout bounds each resume or stop write.
	CommandTimeout time.Duration

	// ReconnectBackoff is the first delay between link reconnect attempts.
	// It doubles up to ReconnectMaxBackoff.
	ReconnectBackoff    time.Duration
	ReconnectMaxBackoff time.Duration

	// ReconnectAttempts is how many failed reconnects are tolerated before the
	// link is reported lost. Reconnecting continues after that.
	ReconnectAttempts int

	// Classify is passed to every classify call.
	Classify classify.Options

	// Sinks receive outcomes and the shutdown event.
	Sinks []Sink

	Logger *slog.Logger
}

// Option configures a Controller.
type Option func(*Config)

// DefaultConfig returns the station defaults.
func DefaultConfig() *Config {
	return &Config{
		ClassifyAttempts:    3,
		RetryBackoff:        250 * time.Millisecond,
		CommandTimeout:      2 * time.Second,
		ReconnectBackoff:    500 * time.Millisecond,
		ReconnectMaxBackoff: 10 * time.Second,
		ReconnectAttempts:   5,
		Logger:              slog.Default(),
	}
}

// Apply applies options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	switch {
	case c.ClassifyAttempts < 1:
		return errors.New("inspection: classify attempts must be at least 1")
	case c.RetryBackoff < 0:
		return errors.New("inspection: retry backoff must not be negative")
	case c.CommandTimeout <= 0:
		return errors.New("inspection: command timeout must be positive")
	case c.ReconnectBackoff <= 0 || c.ReconnectMaxBackoff < c.ReconnectBackoff:
		return errors.New("inspection: reconnect backoff must be positive and below its maximum")
	case c.ReconnectAttempts < 1:
		return errors.New("inspection: reconnect attempts must be at least 1")
	}
	return nil
}

// WithClassifyAttempts sets the per-cycle classify budget.
func WithClassifyAttempts(n int) Option {
	return func(c *Config) { c.ClassifyAttempts = n }
}

// WithRetryBackoff sets the base delay between classify retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Config) { c.RetryBackoff = d }
}

// WithCommandTimeout sets the line write deadline used by the controller.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Config) { c.CommandTimeout = d }
}

// WithReconnect sets the link reconnect policy.
func WithReconnect(base, max time.Duration, attempts int) Option {
	return func(c *Config) {
		c.ReconnectBackoff = base
		c.ReconnectMaxBackoff = max
		c.ReconnectAttempts = attempts
	}
}

// WithClassifyOptions sets the options sent with every classify call.
func WithClassifyOptions(o classify.Options) Option {
	return func(c *Config) { c.Classify = o }
}

// WithSinks adds result sinks.
func WithSinks(sinks ...Sink) Option {
	return func(c *Config) { c.Sinks = append(c.Sinks, sinks...) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}
