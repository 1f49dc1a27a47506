// Package dashboard serves the operator dashboard: counters, the recent
// inspection history with annotated thumbnails, live websocket feeds, and
// the emergency stop control.
package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/linecheck/linecheck/pkg/hub"
	"github.com/linecheck/linecheck/pkg/inspection"
)

// Annotator renders the image shown for an outcome, typically the frame
// with detection boxes drawn on it.
type Annotator func(o inspection.Outcome) ([]byte, error)

// Config holds dashboard settings.
type Config struct {
	Addr    string
	Station string

	// History is how many outcomes are kept for /api/outcomes.
	History int

	// Status reads the controller counters.
	Status func() inspection.Snapshot

	// Stop triggers the emergency stop.
	Stop func(reason string)

	// Annotate renders thumbnails. Nil uses the raw frame.
	Annotate Annotator

	Logger *slog.Logger
}

// Server is the dashboard. It implements inspection.Sink.
type Server struct {
	app    *fiber.App
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	history []Entry
	stopped bool

	outcomeHub *hub.Hub
	cameraHub  *hub.Hub
	statusHub  *hub.Hub
}

var _ inspection.Sink = (*Server)(nil)

// New creates a dashboard server.
func New(cfg Config) (*Server, error) {
	if cfg.Status == nil {
		return nil, errors.New("dashboard: status func required")
	}
	if cfg.History < 1 {
		cfg.History = 5
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger.With("component", "dashboard"),
		history:    make([]Entry, 0, cfg.History),
		outcomeHub: hub.New("outcomes", hub.WithLogger(logger), hub.WithReplay()),
		cameraHub:  hub.New("camera", hub.WithLogger(logger), hub.WithReplay()),
		statusHub:  hub.New("status", hub.WithLogger(logger), hub.WithReplay()),
	}

	app := fiber.New(fiber.Config{
		AppName:               "linecheck",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	app.Get("/healthz", s.handleHealth)

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/outcomes", s.handleOutcomes)
	api.Get("/outcomes/latest/image", s.handleLatestImage)
	api.Post("/stop", s.handleStop)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/outcomes", websocket.New(s.serveHub(s.outcomeHub)))
	app.Get("/ws/camera", websocket.New(s.serveHub(s.cameraHub)))
	app.Get("/ws/status", websocket.New(s.serveHub(s.statusHub)))

	s.app = app
	return s, nil
}

// Run serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	for _, h := range []*hub.Hub{s.outcomeHub, s.cameraHub, s.statusHub} {
		go h.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", "addr", s.cfg.Addr)
		errCh <- s.app.Listen(s.cfg.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.app.Shutdown()
	}
}

// OnOutcome records the outcome and pushes it to connected clients.
func (s *Server) OnOutcome(o inspection.Outcome) {
	var img []byte
	if !o.Frame.Empty() {
		img = o.Frame.JPEG
		if s.cfg.Annotate != nil {
			annotated, err := s.cfg.Annotate(o)
			if err != nil {
				s.logger.Warn("annotate failed, using raw frame", "cycle", o.CycleID, "error", err)
			} else {
				img = annotated
			}
		}
	}
	entry := newEntry(o, img)

	s.mu.Lock()
	if len(s.history) == s.cfg.History {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, entry)
	s.mu.Unlock()

	if err := s.outcomeHub.BroadcastJSON(entry); err != nil {
		s.logger.Error("encode outcome", "error", err)
	}
	if len(img) > 0 {
		s.cameraHub.BroadcastBinary(img)
	}
	s.statusHub.BroadcastJSON(s.status())
}

// OnShutdown marks the station stopped and tells clients.
func (s *Server) OnShutdown() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.statusHub.BroadcastJSON(s.status())
}

// History returns the retained outcomes, newest first.
func (s *Server) History() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.history))
	for i, e := range s.history {
		out[len(out)-1-i] = e
	}
	return out
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) serveHub(h *hub.Hub) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		client := hub.NewClient(h, c)
		if client == nil {
			c.Close()
			return
		}
		client.Run()
	}
}
