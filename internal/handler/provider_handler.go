package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/SpasticPalate/market-charts-sub001/internal/client"
)

// ProviderHandler handles provider status and admin HTTP requests
type ProviderHandler struct {
	controller *client.FailoverController
	logger     *zap.Logger
}

// NewProviderHandler creates a new provider handler
func NewProviderHandler(controller *client.FailoverController, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{
		controller: controller,
		logger:     logger,
	}
}

// GetStatus handles retrieving the failover controller snapshot
// GET /api/v1/providers/status
func (h *ProviderHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.controller.Status())
}

// ForceResetToPrimary handles an operator-requested immediate primary probe
// POST /api/v1/providers/primary/reset
func (h *ProviderHandler) ForceResetToPrimary(c *gin.Context) {
	restored := h.controller.ForceResetToPrimary(c.Request.Context())

	h.logger.Info("Force reset to primary requested",
		zap.Bool("restored", restored))

	c.JSON(http.StatusOK, gin.H{
		"restored": restored,
		"status":   h.controller.Status(),
	})
}
