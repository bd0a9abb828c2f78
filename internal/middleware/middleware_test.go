package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/editalflow/api/internal/auth"
)

func ownerEcho(c *fiber.Ctx) error {
	return c.SendString(Owner(c))
}

func TestAuthenticate(t *testing.T) {
	v := auth.NewHMACVerifier("s3cret")
	token, err := v.Issue("prefeitura-x", "", time.Hour)
	require.NoError(t, err)

	app := fiber.New()
	app.Get("/me", Authenticate(v), ownerEcho)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	req = httptest.NewRequest("GET", "/me?access_token="+token, nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	req = httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayIdentityAndForwardAuth(t *testing.T) {
	v := auth.NewHMACVerifier("s3cret")
	token, err := v.Issue("owner-9", "o9@example.com", time.Hour)
	require.NoError(t, err)

	app := fiber.New()
	app.Get("/auth/verify", VerifyForward(v))
	app.Get("/me", GatewayIdentity(), ownerEcho)

	req := httptest.NewRequest("GET", "/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "owner-9", resp.Header.Get("X-User-Id"))

	req = httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("X-User-Id", resp.Header.Get("X-User-Id"))
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	rl := NewRateLimiter(rdb, nil)
	app := fiber.New()
	app.Post("/submit", GatewayIdentity(), rl.Limit("submit", 2, time.Minute), ownerEcho)

	send := func(owner string) int {
		req := httptest.NewRequest("POST", "/submit", nil)
		req.Header.Set("X-User-Id", owner)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusOK, send("a"))
	assert.Equal(t, fiber.StatusOK, send("a"))
	assert.Equal(t, fiber.StatusTooManyRequests, send("a"))
	assert.Equal(t, fiber.StatusOK, send("b"))

	mr.FastForward(time.Minute + time.Second)
	assert.Equal(t, fiber.StatusOK, send("a"))

	// Redis down: requests pass.
	mr.Close()
	assert.Equal(t, fiber.StatusOK, send("a"))
}
