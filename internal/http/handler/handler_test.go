package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clinic-queue/internal/config"
	"clinic-queue/internal/queue"
	"clinic-queue/internal/realtime"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

var wib = time.FixedZone("WIB", 7*3600)

type testServer struct {
	app    *fiber.App
	engine *queue.Engine
	bus    *realtime.Bus
	tokens map[string]string
}

type serverOptions struct {
	rooms     int
	bus       realtime.Options
	heartbeat time.Duration
}

func newTestServer(t *testing.T, rooms int) *testServer {
	return newTestServerWith(t, serverOptions{rooms: rooms})
}

func newTestServerWith(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	rooms := opts.rooms
	now := func() time.Time { return time.Date(2024, 3, 27, 9, 0, 0, 0, wib) }
	opts.bus.Clock = now
	bus := realtime.NewBus(opts.bus)
	t.Cleanup(bus.Close)

	engine, err := queue.NewEngine(context.Background(), queue.EngineOptions{
		Store:     queue.NewMemoryStore(),
		Allocator: queue.NewMemoryAllocator(),
		Publisher: bus,
		Rooms:     rooms,
		Location:  wib,
		Clock:     now,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	h := NewQueueHandler(engine, bus, config.Clinic{
		Timezone:          wib,
		Rooms:             rooms,
		OpenAt:            "07:00",
		CloseAt:           "21:00",
		HeartbeatInterval: opts.heartbeat,
	}, now, zap.NewNop())

	app := fiber.New()
	SetupRoutes(app, h, testSecret)

	tokens := make(map[string]string)
	for _, role := range []string{config.RoleReception, config.RoleDoctor, config.RoleAdmin, config.RoleDisplay} {
		tok, err := config.GenerateToken(testSecret, "7", "Staff", role, time.Hour)
		require.NoError(t, err)
		tokens[role] = tok
	}

	return &testServer{app: app, engine: engine, bus: bus, tokens: tokens}
}

func (s *testServer) do(t *testing.T, method, path, role string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+s.tokens[role])
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func (s *testServer) admit(t *testing.T, patient string) (id string, version float64) {
	t.Helper()
	status, body := s.do(t, http.MethodPost, "/api/queue/admit", config.RoleReception, fiber.Map{"patient_ref": patient})
	require.Equal(t, http.StatusCreated, status, body)
	data := body["data"].(map[string]any)
	return data["entry_id"].(string), data["version"].(float64)
}

func (s *testServer) transition(t *testing.T, id string, version float64, action, reason string) (int, map[string]any) {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/queue/entries/"+id+"/transition", config.RoleDoctor, fiber.Map{
		"expected_version": version,
		"action":           action,
		"reason":           reason,
	})
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 1)
	status, body := s.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Clinic queue API running", body["message"])
}

func TestAuth(t *testing.T) {
	s := newTestServer(t, 1)

	status, _ := s.do(t, http.MethodGet, "/api/queue", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodPost, "/api/queue/admit", config.RoleDisplay, fiber.Map{"patient_ref": "p"})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = s.do(t, http.MethodPost, "/api/queue/call-next", config.RoleReception, nil)
	assert.Equal(t, http.StatusForbidden, status)

	// query tokens are for the websocket handshake only
	req := httptest.NewRequest(http.MethodGet, "/api/queue/counts?token="+s.tokens[config.RoleDisplay], nil)
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdmit(t *testing.T) {
	s := newTestServer(t, 1)

	status, body := s.do(t, http.MethodPost, "/api/queue/admit", config.RoleReception, fiber.Map{"patient_ref": "rm-001"})
	require.Equal(t, http.StatusCreated, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, "Q20240327-001", data["queue_number"])
	assert.Equal(t, "WAITING", data["state"])
	assert.Equal(t, float64(1), data["version"])

	status, body = s.do(t, http.MethodPost, "/api/queue/admit", config.RoleReception, fiber.Map{"patient_ref": ""})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "InvalidRequest", body["kind"])

	status, _ = s.do(t, http.MethodPost, "/api/queue/admit", config.RoleReception, fiber.Map{
		"patient_ref":  "rm-002",
		"requested_at": "yesterday",
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTransitionErrorsMapToStatus(t *testing.T) {
	s := newTestServer(t, 1)
	id1, v1 := s.admit(t, "p1")
	id2, v2 := s.admit(t, "p2")

	status, body := s.transition(t, id1, v1, "call", "")
	require.Equal(t, http.StatusOK, status, body)
	called := body["data"].(map[string]any)
	assert.Equal(t, "CALLED", called["state"])
	assert.Equal(t, float64(2), called["version"])

	// second room does not exist
	status, body = s.do(t, http.MethodPost, "/api/queue/entries/"+id2+"/transition", config.RoleDoctor, fiber.Map{
		"expected_version": v2,
		"action":           "call",
		"override":         true,
	})
	assert.Equal(t, http.StatusLocked, status)
	assert.Equal(t, "CapacityBusy", body["kind"])
	assert.Equal(t, float64(1), body["current_version"])

	status, body = s.transition(t, id1, v1, "start", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "StaleVersion", body["kind"])
	assert.Equal(t, float64(2), body["current_version"])
	assert.Equal(t, "CALLED", body["current_state"])

	status, body = s.transition(t, id1, 2, "finish", "")
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "InvalidTransition", body["kind"])

	status, _ = s.transition(t, id1, 0, "start", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = s.transition(t, "missing", 1, "start", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NotFound", body["kind"])

	status, body = s.transition(t, id2, v2, "cancel", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "InvalidRequest", body["kind"])

	status, _ = s.transition(t, id2, v2, "cancel", "left the clinic")
	assert.Equal(t, http.StatusOK, status)
}

func TestCallNext(t *testing.T) {
	s := newTestServer(t, 1)

	status, body := s.do(t, http.MethodPost, "/api/queue/call-next", config.RoleDoctor, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NotFound", body["kind"])

	id, _ := s.admit(t, "p1")
	status, body = s.do(t, http.MethodPost, "/api/queue/call-next", config.RoleDoctor, fiber.Map{"date": "2024-03-27"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, id, body["data"].(map[string]any)["entry_id"])

	status, _ = s.do(t, http.MethodPost, "/api/queue/call-next", config.RoleDoctor, fiber.Map{"date": "27-03-2024"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestReadEndpoints(t *testing.T) {
	s := newTestServer(t, 2)
	id1, v1 := s.admit(t, "p1")
	s.admit(t, "p2")
	s.admit(t, "p3")

	status, _ := s.transition(t, id1, v1, "call", "")
	require.Equal(t, http.StatusOK, status)

	status, body := s.do(t, http.MethodGet, "/api/queue?date=2024-03-27", config.RoleDisplay, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["total"])

	status, body = s.do(t, http.MethodGet, "/api/queue?state=called", config.RoleDisplay, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["total"])

	status, body = s.do(t, http.MethodGet, "/api/queue?state=asleep", config.RoleDisplay, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "InvalidQuery", body["kind"])

	status, body = s.do(t, http.MethodGet, "/api/queue?date=2020-01-01", config.RoleDisplay, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{}, body["data"])

	status, body = s.do(t, http.MethodGet, "/api/queue?from=2024-03-20&to=2024-03-27", config.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["total"])

	status, _ = s.do(t, http.MethodGet, "/api/queue?from=2024-03-27&to=2024-03-20", config.RoleAdmin, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = s.do(t, http.MethodGet, "/api/queue/active", config.RoleDisplay, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["total"])

	status, body = s.do(t, http.MethodGet, "/api/queue/counts", config.RoleDisplay, nil)
	require.Equal(t, http.StatusOK, status)
	counts := body["data"].(map[string]any)
	assert.Equal(t, float64(2), counts["WAITING"])
	assert.Equal(t, float64(1), counts["CALLED"])
	assert.Equal(t, float64(0), counts["NO_SHOW"])

	status, body = s.do(t, http.MethodGet, "/api/queue/next", config.RoleDisplay, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["has_next"])
	assert.Equal(t, "Q20240327-002", body["data"].(map[string]any)["queue_number"])

	status, body = s.do(t, http.MethodGet, "/api/queue/sequence", config.RoleDisplay, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["last_issued"])
	assert.Equal(t, float64(996), body["remaining"])
	assert.Equal(t, "Q20240327-003", body["last_queue_number"])

	status, body = s.do(t, http.MethodGet, "/api/queue/status", config.RoleDisplay, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["clinic_open"])
	assert.Equal(t, float64(2), body["rooms"])
	assert.Equal(t, float64(1), body["rooms_busy"])

	status, body = s.do(t, http.MethodGet, "/api/queue/entries/"+id1, config.RoleDisplay, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "CALLED", body["data"].(map[string]any)["state"])

	status, _ = s.do(t, http.MethodGet, "/api/queue/entries/nope", config.RoleDisplay, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	s := newTestServer(t, 1)
	status, _ := s.do(t, http.MethodGet, "/ws/queue", config.RoleDisplay, nil)
	assert.Equal(t, http.StatusUpgradeRequired, status)
}

func TestParseSubscribeOptions(t *testing.T) {
	opts, err := parseSubscribeOptions("a:3, b:0", "")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 3, "b": 0}, opts.Since)

	opts, err = parseSubscribeOptions("", "20")
	require.NoError(t, err)
	assert.Equal(t, 20, opts.Last)
	assert.Nil(t, opts.Since)

	for _, bad := range [][2]string{{"a", ""}, {":3", ""}, {"a:x", ""}, {"a:-1", ""}, {"", "-4"}, {"", "many"}} {
		_, err := parseSubscribeOptions(bad[0], bad[1])
		assert.Error(t, err, "since=%q replay=%q", bad[0], bad[1])
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(queue.KindNotFound))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(queue.KindInvalidTransition))
	assert.Equal(t, http.StatusConflict, statusFor(queue.KindStaleVersion))
	assert.Equal(t, http.StatusLocked, statusFor(queue.KindCapacityBusy))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(queue.KindCapacityExceeded))
	assert.Equal(t, http.StatusBadRequest, statusFor(queue.KindInvalidQuery))
	assert.Equal(t, http.StatusInternalServerError, statusFor(""))
}
