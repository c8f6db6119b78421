package middleware

import (
	"clinic-queue/internal/config"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// JWTAuth validates the bearer token and stores the principal in Locals.
func JWTAuth(secret string) fiber.Handler {
	return jwtAuth(secret, false)
}

// JWTAuthWebSocket also accepts a "token" query parameter, since browsers cannot set headers
// on a websocket handshake. Mount it on upgrade routes only; query strings end up in access logs.
func JWTAuthWebSocket(secret string) fiber.Handler {
	return jwtAuth(secret, true)
}

func jwtAuth(secret string, allowQuery bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var tokenString string
		if allowQuery {
			tokenString = c.Query("token")
		}

		if authHeader := c.Get("Authorization"); authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"success": false,
					"error":   "Invalid authorization format",
				})
			}
			tokenString = tokenParts[1]
		}

		if tokenString == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Missing authorization header",
			})
		}

		claims, err := config.ValidateToken(secret, tokenString)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Invalid or expired token",
			})
		}

		c.Locals("role", claims.Role)
		c.Locals("actor", claims.Actor())

		return c.Next()
	}
}

func RoleAuth(allowedRoles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role, _ := c.Locals("role").(string)

		for _, allowedRole := range allowedRoles {
			if role == allowedRole {
				return c.Next()
			}
		}

		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"success": false,
			"error":   "Role " + role + " cannot access this resource",
		})
	}
}
