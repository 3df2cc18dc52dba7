package handlers

import (
	"strconv"

	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/dto"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/services"
	"github.com/gofiber/fiber/v2"
)

type SubscriptionHandler struct {
	subscriptionService *services.SubscriptionService
}

func NewSubscriptionHandler(subscriptionService *services.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{subscriptionService: subscriptionService}
}

func (h *SubscriptionHandler) StartTrial(c *fiber.Ctx) error {
	var req dto.UserRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if !middleware.SubjectAllows(c, req.UserID) {
		return forbidden(c)
	}

	sub, err := h.subscriptionService.StartTrial(c.UserContext(), req.UserID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.NewSubscriptionResponse(sub))
}

func (h *SubscriptionHandler) Subscribe(c *fiber.Ctx) error {
	var req dto.SubscribeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if !middleware.SubjectAllows(c, req.UserID) {
		return forbidden(c)
	}

	co, err := h.subscriptionService.Subscribe(c.UserContext(), req.UserID, req.Plan)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.CheckoutResponse{ID: co.ID, URL: co.RedirectURL})
}

func (h *SubscriptionHandler) Cancel(c *fiber.Ctx) error {
	var req dto.UserRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if !middleware.SubjectAllows(c, req.UserID) {
		return forbidden(c)
	}

	sub, err := h.subscriptionService.Cancel(c.UserContext(), req.UserID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.NewSubscriptionResponse(sub))
}

func (h *SubscriptionHandler) Status(c *fiber.Ctx) error {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		return badRequest(c, "user_id query parameter is required")
	}
	if !middleware.SubjectAllows(c, userID) {
		return forbidden(c)
	}

	sub, err := h.subscriptionService.GetStatus(c.UserContext(), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.StatusResponse{
		FeatureFlags: h.subscriptionService.FeatureFlags(sub),
		Subscription: dto.NewSubscriptionResponse(sub),
	})
}
