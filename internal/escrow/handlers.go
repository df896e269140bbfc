package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ReleaseEffectsFunc applies type-specific side effects before an escrow
// releases (grant gallery access, mark content delivered).
type ReleaseEffectsFunc func(ctx context.Context, e *Escrow) error

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	effects ReleaseEffectsFunc
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithReleaseEffects attaches the pre-release side effects hook. Admin
// releases and release-resolutions apply it before the funds move.
func (h *Handler) WithReleaseEffects(fn ReleaseEffectsFunc) *Handler {
	h.effects = fn
	return h
}

// applyEffects runs the pre-release hook for an escrow that is about to
// release. Terminal escrows are skipped, the service rejects those anyway.
func (h *Handler) applyEffects(ctx context.Context, ref string) error {
	if h.effects == nil {
		return nil
	}
	escrow, err := h.service.Get(ctx, ref)
	if err != nil {
		return err
	}
	if escrow.IsTerminal() {
		return nil
	}
	return h.effects(ctx, escrow)
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:ref", h.GetEscrow)
	r.GET("/users/:id/escrows", h.ListEscrows)
}

// RegisterAdminRoutes sets up admin-only escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:ref/release", h.ReleaseEscrow)
	r.POST("/escrows/:ref/refund", h.RefundEscrow)
	r.POST("/escrows/:ref/resolve", h.ResolveDispute)
	r.GET("/disputes", h.ListDisputes)
}

// GetEscrow handles GET /v1/escrows/:ref
func (h *Handler) GetEscrow(c *gin.Context) {
	ref := c.Param("ref")

	escrow, err := h.service.Get(c.Request.Context(), ref)
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/users/:id/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
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

	escrows, err := h.service.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// ReleaseEscrow handles POST /v1/admin/escrows/:ref/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	ref := c.Param("ref")

	if err := h.applyEffects(c.Request.Context(), ref); err != nil {
		respondEscrowError(c, err)
		return
	}

	escrow, err := h.service.Release(c.Request.Context(), ref)
	if err != nil {
		respondEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RefundEscrow handles POST /v1/admin/escrows/:ref/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	ref := c.Param("ref")

	escrow, err := h.service.Refund(c.Request.Context(), ref)
	if err != nil {
		respondEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ResolveRequest contains the parameters for resolving a dispute.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"` // release or refund
	Note       string `json:"note"`
}

// ResolveDispute handles POST /v1/admin/escrows/:ref/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	ref := c.Param("ref")

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution is required (release or refund)",
		})
		return
	}
	if req.Resolution != ResolutionRelease && req.Resolution != ResolutionRefund {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution must be release or refund",
		})
		return
	}

	adminID := c.GetString("adminID")
	if adminID == "" {
		adminID = "admin"
	}

	if req.Resolution == ResolutionRelease {
		if err := h.applyEffects(c.Request.Context(), ref); err != nil {
			respondEscrowError(c, err)
			return
		}
	}

	escrow, err := h.service.ResolveDispute(c.Request.Context(), ref, req.Resolution, adminID, req.Note)
	if err != nil {
		if errors.Is(err, ErrDisputeNotFound) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "no_open_dispute",
				"message": "Escrow has no open dispute",
			})
			return
		}
		respondEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListDisputes handles GET /v1/admin/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	status := c.Query("status")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	disputes, err := h.service.ListDisputes(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

func respondEscrowError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrInvalidStatus):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrDisputeOpen):
		status = http.StatusConflict
		code = "dispute_open"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
