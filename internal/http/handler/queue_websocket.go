package handler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"clinic-queue/internal/helper"
	"clinic-queue/internal/realtime"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

const (
	wsWriteWait = 5 * time.Second
	wsPongWait  = 60 * time.Second
)

var clientCounter uint64 // atomic

// WebSocketUpgrade parses the replay parameters and rejects plain HTTP requests.
// ?since=<entryId>:<version>,... replays per entry; ?replay=K replays the newest K events.
func (h *QueueHandler) WebSocketUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	opts, err := parseSubscribeOptions(c.Query("since"), c.Query("replay"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
	c.Locals("subscribe_options", opts)
	return c.Next()
}

func parseSubscribeOptions(since, replay string) (realtime.SubscribeOptions, error) {
	var opts realtime.SubscribeOptions

	if since != "" {
		opts.Since = make(map[string]int64)
		for _, part := range strings.Split(since, ",") {
			id, ver, ok := strings.Cut(strings.TrimSpace(part), ":")
			if !ok || id == "" {
				return opts, fmt.Errorf("since must look like <entry_id>:<version>, got %q", part)
			}
			v, err := strconv.ParseInt(ver, 10, 64)
			if err != nil || v < 0 {
				return opts, fmt.Errorf("invalid version in %q", part)
			}
			opts.Since[id] = v
		}
	}

	if replay != "" {
		n, err := strconv.Atoi(replay)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("replay must be a non-negative number")
		}
		opts.Last = n
	}
	return opts, nil
}

// QueueWebSocket streams transition events to one display. The first message is a hello with
// a snapshot whenever replay cannot cover what the client missed.
func (h *QueueHandler) QueueWebSocket(c *websocket.Conn) {
	id := atomic.AddUint64(&clientCounter, 1)
	clientID := fmt.Sprintf("client-%d", id)
	log := h.logger.With(zap.String("client", clientID))

	opts, _ := c.Locals("subscribe_options").(realtime.SubscribeOptions)
	opts.Name = clientID
	if actor, ok := c.Locals("actor").(string); ok {
		opts.Name = clientID + "/" + actor
	}

	log.Info("websocket connecting", zap.String("remote", c.RemoteAddr().String()))

	sub, err := h.bus.Subscribe(opts)
	if err != nil {
		_ = c.WriteJSON(fiber.Map{"type": "error", "message": err.Error()})
		return
	}
	defer sub.Close()

	// Subscribe before the snapshot so no event falls between the two.
	if err := h.sendHello(c, sub, len(opts.Since) > 0 || opts.Last > 0); err != nil {
		log.Warn("hello failed", zap.Error(err))
		return
	}

	c.SetReadDeadline(time.Now().Add(wsPongWait))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(c, sub, done, log)
	}()

	// Read loop, display clients only send pongs / close frames
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure,
			) {
				log.Info("websocket unexpected close", zap.Error(err))
			} else {
				log.Info("websocket closed")
			}
			break
		}
	}

	close(done)
	sub.Close()
	<-writerDone
}

func (h *QueueHandler) sendHello(c *websocket.Conn, sub *realtime.Subscription, replayRequested bool) error {
	hello := fiber.Map{
		"type":            "hello",
		"clinic_open":     helper.IsClinicOpen(h.clinic.OpenAt, h.clinic.CloseAt, h.now(), h.query.Location()),
		"replay_complete": sub.ReplayComplete(),
		"timestamp":       h.now().Format(time.RFC3339),
	}

	if !replayRequested || !sub.ReplayComplete() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		date, _ := h.query.ParseDate("", h.now())
		active, err := h.query.ActiveQueue(ctx, date)
		if err != nil {
			return err
		}
		counts, err := h.query.CountByState(ctx, date)
		if err != nil {
			return err
		}
		hello["snapshot"] = active
		hello["counts"] = counts
	}

	c.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.WriteJSON(hello)
}

// writeLoop is the only writer after hello, so the connection needs no write mutex.
func (h *QueueHandler) writeLoop(c *websocket.Conn, sub *realtime.Subscription, done <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(h.clinic.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				if sub.Dropped() {
					log.Warn("subscriber too slow, asking for resync")
					c.SetWriteDeadline(time.Now().Add(wsWriteWait))
					_ = c.WriteJSON(fiber.Map{
						"type":   "resync",
						"reason": "subscriber fell behind",
					})
				}
				_ = c.Close()
				return
			}

			c.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.WriteJSON(fiber.Map{"type": "event", "event": ev}); err != nil {
				log.Warn("websocket write error", zap.Error(err))
				_ = c.Close()
				return
			}

		case <-ticker.C:
			c.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.WriteJSON(fiber.Map{
				"type":      "heartbeat",
				"timestamp": h.now().Format(time.RFC3339),
			}); err != nil {
				log.Warn("heartbeat error", zap.Error(err))
				_ = c.Close()
				return
			}
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn("ping error", zap.Error(err))
				_ = c.Close()
				return
			}

		case <-done:
			return
		}
	}
}
