package wallet

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for wallet reads.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/owners/:id/balance", h.GetBalance)
	r.GET("/owners/:id/movements", h.GetMovements)
}

// GetBalance handles GET /owners/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	ownerID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_owner", "message": "owner id must be numeric"})
		return
	}

	acct, err := h.service.Balance(c.Request.Context(), ownerID)
	if err != nil {
		h.logger.Error("balance lookup failed", "owner", ownerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ownerId":   acct.OwnerID,
		"available": acct.Available,
		"held":      acct.Held,
		"spendable": acct.Spendable(),
		"updatedAt": acct.UpdatedAt,
	})
}

// GetMovements handles GET /owners/:id/movements
func (h *Handler) GetMovements(c *gin.Context) {
	ownerID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_owner", "message": "owner id must be numeric"})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	movements, err := h.service.Movements(c.Request.Context(), ownerID, limit)
	if err != nil {
		h.logger.Error("movement lookup failed", "owner", ownerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "movements_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"movements": movements, "count": len(movements)})
}
