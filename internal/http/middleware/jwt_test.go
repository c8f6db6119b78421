package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clinic-queue/internal/config"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Use(RequestLogger(zap.NewNop()))
	app.Get("/whoami", JWTAuth("secret"), RoleAuth(config.RoleDoctor), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("actor").(string))
	})
	app.Get("/ws", JWTAuthWebSocket("secret"), RoleAuth(config.RoleDisplay), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("actor").(string))
	})
	app.Get("/metrics", BasicAuth("ops", "pw"), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestJWTAuth(t *testing.T) {
	app := newApp()
	doctor, err := config.GenerateToken("secret", "12", "Dr. Budi", config.RoleDoctor, time.Hour)
	require.NoError(t, err)
	display, err := config.GenerateToken("secret", "99", "Lobby TV", config.RoleDisplay, time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		path   string
		header string
		query  string
		want   int
	}{
		{"missing", "/whoami", "", "", http.StatusUnauthorized},
		{"bad format", "/whoami", "Token " + doctor, "", http.StatusUnauthorized},
		{"bad token", "/whoami", "Bearer nope", "", http.StatusUnauthorized},
		{"wrong role", "/whoami", "Bearer " + display, "", http.StatusForbidden},
		{"header", "/whoami", "Bearer " + doctor, "", http.StatusOK},
		{"query ignored outside websocket", "/whoami", "", doctor, http.StatusUnauthorized},
		{"websocket query", "/ws", "", display, http.StatusOK},
		{"websocket header", "/ws", "Bearer " + display, "", http.StatusOK},
		{"websocket bad query", "/ws", "", "nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := tc.path
			if tc.query != "" {
				path += "?token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestBasicAuth(t *testing.T) {
	app := newApp()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("ops", "pw")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
