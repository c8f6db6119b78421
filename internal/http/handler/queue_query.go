package handler

import (
	"strings"

	"clinic-queue/internal/helper"
	"clinic-queue/internal/models"
	"clinic-queue/internal/queue"

	"github.com/gofiber/fiber/v2"
)

func (h *QueueHandler) GetEntry(c *fiber.Ctx) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	entry, err := h.query.Get(ctx, c.Params("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    entry,
	})
}

// ListQueue - GET /api/queue?date=2024-03-27&state=waiting,called
// or a range with from/to.
func (h *QueueHandler) ListQueue(c *fiber.Ctx) error {
	var filter queue.Filter
	if raw := c.Query("state"); raw != "" {
		states, err := queue.ParseStates(strings.Split(raw, ","))
		if err != nil {
			return h.writeError(c, err)
		}
		filter.States = states
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	var (
		entries []models.QueueEntry
		err     error
	)
	if c.Query("from") != "" || c.Query("to") != "" {
		from, ferr := h.query.ParseDate(c.Query("from"), h.now())
		if ferr != nil {
			return h.writeError(c, ferr)
		}
		to, terr := h.query.ParseDate(c.Query("to"), h.now())
		if terr != nil {
			return h.writeError(c, terr)
		}
		entries, err = h.query.ListRange(ctx, from, to, filter)
	} else {
		date, derr := h.query.ParseDate(c.Query("date"), h.now())
		if derr != nil {
			return h.writeError(c, derr)
		}
		entries, err = h.query.List(ctx, date, filter)
	}
	if err != nil {
		return h.writeError(c, err)
	}

	if entries == nil {
		entries = []models.QueueEntry{}
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    entries,
		"total":   len(entries),
	})
}

// ActiveQueue - antrian aktif hari ini urut waktu daftar
func (h *QueueHandler) ActiveQueue(c *fiber.Ctx) error {
	date, err := h.query.ParseDate(c.Query("date"), h.now())
	if err != nil {
		return h.writeError(c, err)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	entries, err := h.query.ActiveQueue(ctx, date)
	if err != nil {
		return h.writeError(c, err)
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    entries,
		"total":   len(entries),
	})
}

func (h *QueueHandler) Counts(c *fiber.Ctx) error {
	date, err := h.query.ParseDate(c.Query("date"), h.now())
	if err != nil {
		return h.writeError(c, err)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	counts, err := h.query.CountByState(ctx, date)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    counts,
	})
}

// NextEligible - entry yang akan dipanggil berikutnya, null jika kosong
func (h *QueueHandler) NextEligible(c *fiber.Ctx) error {
	date, err := h.query.ParseDate(c.Query("date"), h.now())
	if err != nil {
		return h.writeError(c, err)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	next, err := h.query.NextEligible(ctx, date)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":  true,
		"data":     next,
		"has_next": next != nil,
	})
}

// Sequence - nomor urut terakhir yang sudah dikeluarkan
func (h *QueueHandler) Sequence(c *fiber.Ctx) error {
	date, err := h.query.ParseDate(c.Query("date"), h.now())
	if err != nil {
		return h.writeError(c, err)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	last, err := h.query.LastIssued(ctx, date)
	if err != nil {
		return h.writeError(c, err)
	}

	resp := fiber.Map{
		"success":      true,
		"service_date": h.query.ServiceDate(date),
		"last_issued":  last,
		"remaining":    queue.MaxDailySequence - last,
	}
	if last > 0 {
		resp["last_queue_number"] = queue.FormatQueueNumber(date, last)
	}
	return c.JSON(resp)
}

// Status - jam buka klinik dan pemakaian ruang konsultasi
func (h *QueueHandler) Status(c *fiber.Ctx) error {
	slots := h.engine.Slots()
	return c.JSON(fiber.Map{
		"success":     true,
		"clinic_open": helper.IsClinicOpen(h.clinic.OpenAt, h.clinic.CloseAt, h.now(), h.query.Location()),
		"open_at":     h.clinic.OpenAt,
		"close_at":    h.clinic.CloseAt,
		"rooms":       slots.Capacity(),
		"rooms_busy":  slots.InUse(),
		"subscribers": h.bus.Subscribers(),
	})
}
