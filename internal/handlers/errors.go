package handlers

import (
	"errors"
	"log/slog"

	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/dto"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/services"
	"github.com/gofiber/fiber/v2"
)

var statusByKind = map[string]int{
	"already_subscribed":   fiber.StatusConflict,
	"invalid_transition":   fiber.StatusConflict,
	"invalid_signature":    fiber.StatusBadRequest,
	"invalid_plan":         fiber.StatusBadRequest,
	"invalid_request":      fiber.StatusBadRequest,
	"forbidden":            fiber.StatusForbidden,
	"not_found":            fiber.StatusNotFound,
	"provider_unsupported": fiber.StatusNotImplemented,
	"provider_failure":     fiber.StatusBadGateway,
	"billing_disabled":     fiber.StatusServiceUnavailable,
	"storage_failure":      fiber.StatusInternalServerError,
}

// writeError maps a service error to its HTTP status. Server side failures
// get an opaque message; the detail was already logged by the service.
func writeError(c *fiber.Ctx, err error) error {
	kind := services.Kind(err)
	code, ok := statusByKind[kind]
	if !ok {
		return err
	}

	message := err.Error()
	switch {
	case errors.Is(err, services.ErrStorage):
		slog.Error("request failed", "request_id", requestID(c), "path", c.Path(), "error", err.Error())
		message = "Internal server error"
	case errors.Is(err, services.ErrProviderFailure):
		message = services.ErrProviderFailure.Error()
	}

	return c.Status(code).JSON(dto.ErrorResponse{Error: true, Kind: kind, Message: message})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
		Error: true, Kind: "invalid_request", Message: message,
	})
}

func forbidden(c *fiber.Ctx) error {
	return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{
		Error: true, Kind: "forbidden", Message: "Token subject does not match user_id",
	})
}

func requestID(c *fiber.Ctx) string {
	id, _ := c.Locals("requestid").(string)
	return id
}
