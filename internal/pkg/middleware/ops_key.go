package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/crypto/bcrypt"
)

// LocalsOperator marks a request authenticated with the operator key.
const LocalsOperator = "OPS_AUTHENTICATED"

// RequireOpsKey authenticates operator requests against a bcrypt hash of the
// shared API key. An empty hash disables the operator API.
func RequireOpsKey(hash string) fiber.Handler {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		log.Warn("[Middleware] OPS_API_KEY_HASH is not set, operator API is disabled")
	}
	return func(c *fiber.Ctx) error {
		if hash == "" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "Operator API disabled"})
		}

		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)); err != nil {
			log.Warnf("[Middleware] Rejected operator request from %s: invalid API key", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}

		c.Locals(LocalsOperator, true)
		return c.Next()
	}
}

// HashOpsKey returns the bcrypt hash to put into OPS_API_KEY_HASH.
func HashOpsKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(b), err
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
