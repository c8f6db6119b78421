package handler

import (
	"context"
	"errors"
	"time"

	"clinic-queue/internal/config"
	"clinic-queue/internal/queue"
	"clinic-queue/internal/realtime"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// QueueHandler serves the reception desk, doctor console and waiting-room displays.
type QueueHandler struct {
	engine *queue.Engine
	query  *queue.QueryService
	bus    *realtime.Bus
	clinic config.Clinic
	now    func() time.Time
	logger *zap.Logger
}

func NewQueueHandler(engine *queue.Engine, bus *realtime.Bus, clinic config.Clinic, clock func() time.Time, logger *zap.Logger) *QueueHandler {
	if clock == nil {
		clock = time.Now
	}
	if clinic.HeartbeatInterval <= 0 {
		clinic.HeartbeatInterval = 20 * time.Second
	}
	return &QueueHandler{
		engine: engine,
		query:  engine.Query(),
		bus:    bus,
		clinic: clinic,
		now:    clock,
		logger: logger.Named("handler"),
	}
}

func statusFor(kind queue.ErrorKind) int {
	switch kind {
	case queue.KindNotFound:
		return fiber.StatusNotFound
	case queue.KindInvalidTransition:
		return fiber.StatusUnprocessableEntity
	case queue.KindStaleVersion:
		return fiber.StatusConflict
	case queue.KindCapacityBusy:
		return fiber.StatusLocked
	case queue.KindCapacityExceeded:
		return fiber.StatusServiceUnavailable
	case queue.KindInvalidQuery, queue.KindInvalidRequest:
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

// writeError maps a queue error to its status and includes the entry's current version and
// state so the caller can re-read and retry.
func (h *QueueHandler) writeError(c *fiber.Ctx, err error) error {
	var qe *queue.Error
	if errors.As(err, &qe) {
		body := fiber.Map{
			"success": false,
			"error":   qe.Message,
			"kind":    qe.Kind,
		}
		if qe.EntryID != "" {
			body["entry_id"] = qe.EntryID
			body["current_version"] = qe.CurrentVersion
			body["current_state"] = qe.CurrentState
		}
		return c.Status(statusFor(qe.Kind)).JSON(body)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{
			"success": false,
			"error":   "Request timed out",
		})
	}

	h.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"success": false,
		"error":   "Internal server error",
	})
}

func actorOf(c *fiber.Ctx) string {
	if actor, ok := c.Locals("actor").(string); ok {
		return actor
	}
	return "anonymous"
}

func (h *QueueHandler) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), 5*time.Second)
}
