// Package station wires the line link, camera, classifier, controller and
// result sinks into one running inspection station.
package station

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/linecheck/linecheck/internal/config"
	"github.com/linecheck/linecheck/internal/httpc"
	"github.com/linecheck/linecheck/pkg/camera"
	"github.com/linecheck/linecheck/pkg/camera/opencv"
	"github.com/linecheck/linecheck/pkg/classify"
	"github.com/linecheck/linecheck/pkg/classify/onnx"
	"github.com/linecheck/linecheck/pkg/dashboard"
	"github.com/linecheck/linecheck/pkg/inspection"
	"github.com/linecheck/linecheck/pkg/line"
	"github.com/linecheck/linecheck/pkg/mqttsink"
	"github.com/linecheck/linecheck/pkg/overlay"
)

// ReasonInterrupted is the stop reason recorded when Run's context ends.
const ReasonInterrupted = "interrupted"

// Station is the application orchestrator. It manages all components and
// their lifecycle: New, Init, Run, Shutdown.
type Station struct {
	cfg    *config.Config
	runID  uuid.UUID
	logger *slog.Logger

	link       line.Link
	openLine   line.OpenFunc
	device     camera.Device
	source     *camera.Source
	classifier classify.Classifier

	ctrl *inspection.Controller
	dash *dashboard.Server
	mqtt *mqttsink.Sink

	extraSinks []inspection.Sink
	ctrlOpts   []inspection.Option

	shutdownOnce sync.Once
}

// Option overrides a component, mostly for tests and bench rigs.
type Option func(*Station)

// WithLink uses link instead of opening the serial device.
func WithLink(link line.Link) Option {
	return func(s *Station) { s.link = link }
}

// WithLineOpener opens the line port with open instead of the serial device.
// The station still owns reconnects.
func WithLineOpener(open line.OpenFunc) Option {
	return func(s *Station) { s.openLine = open }
}

// WithDevice uses dev instead of opening the camera.
func WithDevice(dev camera.Device) Option {
	return func(s *Station) { s.device = dev }
}

// WithClassifier uses c instead of building one from the config.
func WithClassifier(c classify.Classifier) Option {
	return func(s *Station) { s.classifier = c }
}

// WithSinks adds result sinks next to the configured ones.
func WithSinks(sinks ...inspection.Sink) Option {
	return func(s *Station) { s.extraSinks = append(s.extraSinks, sinks...) }
}

// WithControllerOptions passes options through to the controller.
func WithControllerOptions(opts ...inspection.Option) Option {
	return func(s *Station) { s.ctrlOpts = append(s.ctrlOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Station) { s.logger = l }
}

// New validates cfg and creates a station. Nothing is opened until Init.
// Components supplied through options skip their part of validation.
func New(cfg *config.Config, opts ...Option) (*Station, error) {
	s := &Station{
		cfg:    cfg,
		runID:  uuid.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := config.Error(s.validate()); err != nil {
		return nil, err
	}
	s.logger = s.logger.With("station", cfg.Station, "run", s.runID.String())
	return s, nil
}

func (s *Station) validate() []string {
	problems := s.cfg.Validate()
	if s.link == nil && s.classifier == nil {
		return problems
	}
	// Injected components make their config sections irrelevant.
	var kept []string
	for _, p := range problems {
		if s.link != nil && strings.HasPrefix(p, "serial.") {
			continue
		}
		if s.classifier != nil && strings.HasPrefix(p, "classifier.") && !strings.HasPrefix(p, "classifier.min_confidence") {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

// RunID identifies this process run in logs and MQTT client ids.
func (s *Station) RunID() uuid.UUID {
	return s.runID
}

// Controller returns the inspection controller. Nil before Init.
func (s *Station) Controller() *inspection.Controller {
	return s.ctrl
}

// Dashboard returns the dashboard server, or nil when disabled.
func (s *Station) Dashboard() *dashboard.Server {
	return s.dash
}

// Init opens every component. On error, whatever was opened is released.
func (s *Station) Init(ctx context.Context) (err error) {
	s.logger.Info("initializing station")
	defer func() {
		if err != nil {
			s.Shutdown()
		}
	}()

	if err := s.initLink(ctx); err != nil {
		return fmt.Errorf("line: %w", err)
	}
	if err := s.initCamera(ctx); err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	if err := s.initClassifier(); err != nil {
		return fmt.Errorf("classifier: %w", err)
	}

	sinks, err := s.initSinks(ctx)
	if err != nil {
		return err
	}

	verifier := s.cfg.Verifier()
	opts := []inspection.Option{
		inspection.WithClassifyAttempts(s.cfg.Classifier.Attempts),
		inspection.WithRetryBackoff(s.cfg.Classifier.RetryBackoff),
		inspection.WithCommandTimeout(s.cfg.Serial.WriteTimeout),
		inspection.WithClassifyOptions(classify.Options{
			MinConfidence: classify.Confidence(s.cfg.Classifier.MinConfidence),
			Model:         s.cfg.Classifier.Model,
		}),
		inspection.WithSinks(sinks...),
		inspection.WithLogger(s.logger),
	}
	opts = append(opts, s.ctrlOpts...)

	s.ctrl, err = inspection.New(s.link, s.source, s.classifier, verifier, opts...)
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}

	s.logger.Info("station ready",
		"required", verifier.Required(),
		"min_confidence", verifier.MinConfidence(),
		"sinks", len(sinks))
	return nil
}

func (s *Station) initLink(ctx context.Context) error {
	if s.link != nil {
		return nil
	}
	lc := line.DefaultConfig()
	lc.Device = s.cfg.Serial.Device
	lc.BaudRate = s.cfg.Serial.BaudRate
	lc.WriteTimeout = s.cfg.Serial.WriteTimeout
	lc.Logger = s.logger

	open := s.openLine
	if open == nil {
		open = line.OpenSerial(lc)
	}
	serial := line.NewSerial(open, lc)
	s.link = serial

	// An unplugged controller is not fatal: the inspection loop reconnects
	// with backoff and reports the link lost past its budget.
	if err := serial.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.logger.Warn("line link unavailable, will keep reconnecting",
			"device", lc.Device,
			"error", err,
		)
	}
	return nil
}

func (s *Station) initCamera(ctx context.Context) error {
	if s.device == nil {
		dev, err := opencv.Open(s.cfg.Camera)
		if err != nil {
			return err
		}
		s.device = dev
	}
	s.source = camera.NewSource(s.device, s.cfg.Camera, s.logger)
	return s.source.WarmUp(ctx)
}

func (s *Station) initClassifier() error {
	if s.classifier != nil {
		return nil
	}
	cc := s.cfg.Classifier
	switch cc.Backend {
	case config.BackendONNX:
		c, err := onnx.New(onnx.Config{
			ModelPath:     cc.ModelPath,
			InputSize:     cc.InputSize,
			MinConfidence: cc.MinConfidence,
			NMSThreshold:  cc.NMSThreshold,
			ClassIDs:      s.cfg.ModelClassIDs(),
			Logger:        s.logger,
		})
		if err != nil {
			return err
		}
		s.classifier = c
	default:
		c, err := classify.NewClient(
			classify.WithURL(cc.URL),
			classify.WithAPIKey(cc.APIKey),
			classify.WithModel(cc.Model),
			classify.WithMinConfidence(cc.MinConfidence),
			classify.WithTimeout(cc.Timeout),
			classify.WithHTTPClient(httpc.NewClient(cc.Timeout)),
			classify.WithLogger(s.logger),
		)
		if err != nil {
			return err
		}
		s.classifier = c
	}
	return nil
}

func (s *Station) initSinks(ctx context.Context) ([]inspection.Sink, error) {
	var sinks []inspection.Sink

	if s.cfg.Dashboard.Enabled {
		opts := overlay.DefaultOptions()
		opts.Width = s.cfg.Dashboard.ThumbnailWidth
		catalog := s.cfg.Parts.Classes

		dash, err := dashboard.New(dashboard.Config{
			Addr:    s.cfg.Dashboard.Addr,
			Station: s.cfg.Station,
			History: s.cfg.Dashboard.History,
			// The controller is built after its sinks; these run only once serving.
			Status: func() inspection.Snapshot { return s.ctrl.Snapshot() },
			Stop:   func(reason string) { s.ctrl.EmergencyStop(reason) },
			Annotate: func(o inspection.Outcome) ([]byte, error) {
				return overlay.Annotate(o.Frame.JPEG, o.Detections, catalog, opts)
			},
			Logger: s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("dashboard: %w", err)
		}
		s.dash = dash
		sinks = append(sinks, dash)
	}

	if s.cfg.MQTT.Broker != "" {
		m, err := mqttsink.New(mqttsink.Config{
			Broker:      s.cfg.MQTT.Broker,
			ClientID:    s.mqttClientID(),
			Username:    s.cfg.MQTT.Username,
			Password:    s.cfg.MQTT.Password,
			TopicPrefix: s.cfg.MQTT.TopicPrefix,
			Station:     s.cfg.Station,
			QoS:         s.cfg.MQTT.QoS,
			Logger:      s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("mqtt: %w", err)
		}
		s.mqtt = m
		// paho keeps retrying in the background; the line does not wait for the broker.
		if err := m.Connect(ctx); err != nil {
			s.logger.Warn("mqtt broker not reachable yet", "error", err)
		}
		sinks = append(sinks, m)
	}

	return append(sinks, s.extraSinks...), nil
}

func (s *Station) mqttClientID() string {
	if s.cfg.MQTT.ClientID != "" {
		return s.cfg.MQTT.ClientID
	}
	return fmt.Sprintf("linecheck-%s-%s", s.cfg.Station, s.runID.String()[:8])
}

// Run inspects until ctx ends or an emergency stop is requested. When ctx
// ends first the line is stopped, not left halted mid-cycle.
func (s *Station) Run(ctx context.Context) error {
	if s.ctrl == nil {
		return errors.New("station: Init not called")
	}
	s.logger.Info("station running")

	// The controller only ends through EmergencyStop, so the line always
	// receives Stop on the way out.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	dashDone := make(chan error, 1)
	if s.dash != nil {
		go func() { dashDone <- s.dash.Run(runCtx) }()
	}

	go func() {
		select {
		case <-ctx.Done():
			s.ctrl.EmergencyStop(ReasonInterrupted)
		case <-s.ctrl.Stopped():
		case <-runCtx.Done():
		}
	}()

	if err := s.ctrl.Run(runCtx); err != nil {
		return err
	}

	snap := s.ctrl.Snapshot()
	s.logger.Info("station stopped", "reason", snap.StopReason, "summary", snap.String())

	cancel()
	if s.dash != nil {
		if err := <-dashDone; err != nil {
			s.logger.Warn("dashboard exited with error", "error", err)
		}
	}
	return nil
}

// Shutdown releases every component. Safe to call more than once.
func (s *Station) Shutdown() {
	s.shutdownOnce.Do(func() {
		if s.mqtt != nil {
			s.mqtt.Disconnect()
		}
		closeQuietly(s.logger, "classifier", s.classifier)
		if s.source != nil {
			closeQuietly(s.logger, "camera", s.source)
		} else if s.device != nil {
			closeQuietly(s.logger, "camera", s.device)
		}
		if s.link != nil {
			closeQuietly(s.logger, "line", s.link)
		}
		s.logger.Info("station shut down")
	})
}

func closeQuietly(logger *slog.Logger, name string, v any) {
	c, ok := v.(io.Closer)
	if !ok || c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("close failed", "component", name, "error", err)
	}
}
