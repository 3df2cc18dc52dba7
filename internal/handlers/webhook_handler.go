package handlers

import (
	"log/slog"

	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/billing"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/dto"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/services"
	"github.com/gofiber/fiber/v2"
)

type WebhookHandler struct {
	subscriptionService *services.SubscriptionService
}

func NewWebhookHandler(subscriptionService *services.SubscriptionService) *WebhookHandler {
	return &WebhookHandler{subscriptionService: subscriptionService}
}

// Handle applies a provider event. The signature travels in the body or in
// X-Webhook-Signature; the body wins when both are present.
func (h *WebhookHandler) Handle(c *fiber.Ctx) error {
	var req dto.WebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid webhook payload")
	}
	signature := req.Signature
	if signature == "" {
		signature = c.Get("X-Webhook-Signature")
	}

	event := billing.WebhookEvent{
		EventID:       req.EventID,
		TransactionID: req.TransactionID,
		Plan:          req.Plan,
	}
	result, err := h.subscriptionService.ApplyWebhook(c.UserContext(), event, signature, c.IP())
	if err != nil {
		return writeError(c, err)
	}

	slog.Info("webhook handled", "request_id", requestID(c), "transaction_id", req.TransactionID, "result", result)
	return c.JSON(dto.WebhookResponse{Status: string(result)})
}

// MockWebhook activates a transaction without a provider signature. Only
// routed in test mode.
func (h *WebhookHandler) MockWebhook(c *fiber.Ctx) error {
	var req dto.MockWebhookRequest
	if err := c.BodyParser(&req); err != nil || req.TransactionID == "" {
		return badRequest(c, "transaction_id is required")
	}

	sub, err := h.subscriptionService.AdminActivate(c.UserContext(), req.TransactionID, c.Get("X-Admin-Token"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.NewSubscriptionResponse(sub))
}
