package dashboard

import (
	"github.com/gofiber/fiber/v2"

	"github.com/linecheck/linecheck/pkg/inspection"
)

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Station  string              `json:"station"`
	Stopped  bool                `json:"stopped"`
	Counters inspection.Snapshot `json:"counters"`
	Clients  int                 `json:"clients"`
}

// StopRequest is the body of POST /api/stop.
type StopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) status() StatusResponse {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	return StatusResponse{
		Station:  s.cfg.Station,
		Stopped:  stopped,
		Counters: s.cfg.Status(),
		Clients:  s.outcomeHub.ClientCount() + s.cameraHub.ClientCount() + s.statusHub.ClientCount(),
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.SendString("ok")
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.status())
}

// handleOutcomes returns the retained history, newest first.
func (s *Server) handleOutcomes(c *fiber.Ctx) error {
	return c.JSON(s.History())
}

func (s *Server) handleLatestImage(c *fiber.Ctx) error {
	s.mu.RLock()
	var img []byte
	if n := len(s.history); n > 0 {
		img = s.history[n-1].Image
	}
	s.mu.RUnlock()

	if len(img) == 0 {
		return c.SendStatus(fiber.StatusNoContent)
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	return c.Send(img)
}

// handleStop triggers the emergency stop. It answers once Stop has been
// sent to the line.
func (s *Server) handleStop(c *fiber.Ctx) error {
	if s.cfg.Stop == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "stop control not configured",
		})
	}

	var req StopRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid body: " + err.Error(),
			})
		}
	}
	if req.Reason == "" {
		req.Reason = "operator stop from dashboard"
	}

	s.logger.Warn("stop requested", "reason", req.Reason, "remote", c.IP())
	s.cfg.Stop(req.Reason)

	return c.JSON(fiber.Map{
		"stopped": true,
		"reason":  req.Reason,
	})
}
