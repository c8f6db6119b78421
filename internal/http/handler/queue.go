package handler

import (
	"time"

	"clinic-queue/internal/queue"

	"github.com/gofiber/fiber/v2"
)

// AdmitRequest - body untuk mendaftarkan pasien ke antrian hari ini
type AdmitRequest struct {
	PatientRef  string `json:"patient_ref"`
	RequestedAt string `json:"requested_at"` // RFC3339, opsional
}

// Admit - ambil nomor antrian untuk pasien yang sudah terdaftar
func (h *QueueHandler) Admit(c *fiber.Ctx) error {
	var req AdmitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}

	var requestedAt time.Time
	if req.RequestedAt != "" {
		t, err := time.Parse(time.RFC3339, req.RequestedAt)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   "requested_at must be RFC3339",
			})
		}
		requestedAt = t
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	entry, err := h.engine.Admit(ctx, queue.AdmitRequest{
		PatientRef:  req.PatientRef,
		RequestedAt: requestedAt,
		Actor:       actorOf(c),
	})
	if err != nil {
		return h.writeError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Patient admitted",
		"data": fiber.Map{
			"entry_id":     entry.EntryID,
			"queue_number": entry.QueueNumber,
			"state":        entry.State,
			"version":      entry.Version,
			"entry":        entry,
		},
	})
}
