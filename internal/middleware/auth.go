package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/editalflow/api/internal/auth"
	"github.com/editalflow/api/pkg/response"
)

const (
	localOwner = "owner"
	localEmail = "email"
)

// Authenticate resolves the owner from a bearer token.
func Authenticate(v auth.Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := bearerToken(c)
		if !ok {
			return response.Unauthorized(c, "Missing or malformed authorization header")
		}
		p, err := v.Verify(token)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}
		c.Locals(localOwner, p.Subject)
		c.Locals(localEmail, p.Email)
		return c.Next()
	}
}

// GatewayIdentity trusts the X-User-* headers set by an authenticating
// reverse proxy in front of the API.
func GatewayIdentity() fiber.Handler {
	return func(c *fiber.Ctx) error {
		owner := c.Get("X-User-Id")
		if owner == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}
		c.Locals(localOwner, owner)
		c.Locals(localEmail, c.Get("X-User-Email"))
		return c.Next()
	}
}

// VerifyForward answers a reverse proxy's forward-auth subrequest: 200 with
// X-User-* headers for a valid token, 401 otherwise.
func VerifyForward(v auth.Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := bearerToken(c)
		if !ok {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		p, err := v.Verify(token)
		if err != nil {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		c.Set("X-User-Id", p.Subject)
		c.Set("X-User-Email", p.Email)
		return c.SendStatus(fiber.StatusOK)
	}
}

func bearerToken(c *fiber.Ctx) (string, bool) {
	header := c.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		// Browsers cannot set headers on websocket upgrades.
		if t := c.Query("access_token"); t != "" {
			return t, true
		}
		return "", false
	}
	return parts[1], true
}

// Owner returns the authenticated owner, or "" when the route is unauthenticated.
func Owner(c *fiber.Ctx) string {
	if owner, ok := c.Locals(localOwner).(string); ok {
		return owner
	}
	return ""
}
