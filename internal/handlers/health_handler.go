package handlers

import (
	"time"

	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/config"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/database"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/dto"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type HealthHandler struct {
	db  *gorm.DB
	cfg config.Provider
}

func NewHealthHandler(db *gorm.DB, cfg config.Provider) *HealthHandler {
	return &HealthHandler{db: db, cfg: cfg}
}

func (h *HealthHandler) Check(c *fiber.Ctx) error {
	status, dbStatus := "ok", "ok"
	if err := database.Ping(h.db); err != nil {
		status, dbStatus = "degraded", "unhealthy: "+err.Error()
	}

	cfg := h.cfg.Current()
	code := fiber.StatusOK
	if status != "ok" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(dto.HealthResponse{
		Status:        status,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		DB:            dbStatus,
		ConfigVersion: cfg.Version,
		Provider:      cfg.ProviderName,
		TestMode:      cfg.TestMode,
	})
}
