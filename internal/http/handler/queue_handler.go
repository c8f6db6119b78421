package handler

import (
	"fmt"

	"clinic-queue/internal/models"
	"clinic-queue/internal/queue"

	"github.com/gofiber/fiber/v2"
)

// TransitionRequest - body untuk mengubah state entry
type TransitionRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	Action          string `json:"action"` // call, start, recall, cancel, no_show, finish
	Reason          string `json:"reason"`
	Override        bool   `json:"override"`
}

// CallNextRequest - body untuk panggil antrian berikutnya
type CallNextRequest struct {
	Date string `json:"date"`
}

// Transition - apply one state change with the caller's last known version
func (h *QueueHandler) Transition(c *fiber.Ctx) error {
	var req TransitionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}

	if req.ExpectedVersion < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "expected_version is required",
		})
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	entry, err := h.engine.Apply(ctx, queue.TransitionRequest{
		EntryID:         c.Params("id"),
		ExpectedVersion: req.ExpectedVersion,
		Action:          models.Action(req.Action),
		Actor:           actorOf(c),
		Reason:          req.Reason,
		Override:        req.Override,
	})
	if err != nil {
		return h.writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": fmt.Sprintf("Entry %s is now %s", entry.QueueNumber, entry.State),
		"data":    entry,
	})
}

// CallNext - panggil entry WAITING paling awal
func (h *QueueHandler) CallNext(c *fiber.Ctx) error {
	var req CallNextRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   "Invalid request body",
			})
		}
	}

	date, err := h.query.ParseDate(req.Date, h.now())
	if err != nil {
		return h.writeError(c, err)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	entry, err := h.engine.CallNext(ctx, date, actorOf(c))
	if err != nil {
		return h.writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": fmt.Sprintf("Calling %s", entry.QueueNumber),
		"data":    entry,
	})
}
