package middleware

import (
	"strconv"

	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/dto"
	jwtware "github.com/gofiber/contrib/jwt"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// ServiceAuth requires an HS256 bearer token signed with secret. An empty
// secret disables the check.
func ServiceAuth(secret string) fiber.Handler {
	if secret == "" {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return jwtware.New(jwtware.Config{
		SigningKey: jwtware.SigningKey{JWTAlg: jwtware.HS256, Key: []byte(secret)},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
				Error:   true,
				Kind:    "unauthorized",
				Message: "Unauthorized: invalid or expired token",
			})
		},
	})
}

// SubjectAllows reports whether the bearer token, if any, may act for userID.
// Tokens without a numeric sub are service-wide.
func SubjectAllows(c *fiber.Ctx, userID int64) bool {
	token, ok := c.Locals("user").(*jwt.Token)
	if !ok || token == nil {
		return true
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return true
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return true
	}
	return id == userID
}
