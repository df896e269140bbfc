package storefront

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only storefront endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new storefront handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up storefront routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/access", h.ListGrants)
	r.GET("/users/:id/access/:modelId", h.CheckAccess)
	r.GET("/users/:id/purchases", h.ListPurchases)
}

// ListGrants handles GET /v1/users/:id/access
func (h *Handler) ListGrants(c *gin.Context) {
	grants, err := h.service.ListGrants(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"grants": grants,
		"count":  len(grants),
	})
}

// CheckAccess handles GET /v1/users/:id/access/:modelId
func (h *Handler) CheckAccess(c *gin.Context) {
	ok, err := h.service.HasAccess(c.Request.Context(), c.Param("id"), c.Param("modelId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hasAccess": ok})
}

// ListPurchases handles GET /v1/users/:id/purchases
func (h *Handler) ListPurchases(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	purchases, err := h.service.ListPurchases(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		if errors.Is(err, ErrPurchaseNotFound) {
			c.JSON(http.StatusOK, gin.H{"purchases": []any{}, "count": 0})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"purchases": purchases,
		"count":     len(purchases),
	})
}
