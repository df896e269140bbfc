package wallet

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/velora-app/velora/internal/pagination"
)

// Handler provides HTTP endpoints for wallet reads.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new wallet handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/wallet", h.GetBalance)
	r.GET("/users/:id/wallet/entries", h.GetHistory)
}

// GetBalance handles GET /v1/users/:id/wallet
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Param("id")

	balance, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet": balance,
	})
}

// GetHistory handles GET /v1/users/:id/wallet/entries
func (h *Handler) GetHistory(c *gin.Context) {
	userID := c.Param("id")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, next, hasMore, err := h.ledger.History(c.Request.Context(), userID, limit, c.Query("cursor"))
	if err != nil {
		if pagination.IsInvalidCursor(err) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "Cursor is not valid",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet history",
		})
		return
	}

	resp := gin.H{
		"entries": entries,
		"count":   len(entries),
		"hasMore": hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
