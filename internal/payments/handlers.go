package payments

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/velora-app/velora/internal/session"
	"github.com/velora-app/velora/internal/transaction"
	"github.com/velora-app/velora/internal/wallet"
)

// Handler provides HTTP endpoints for payment intake.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up user-facing payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/wallet/charge", h.ChargeWallet)
	r.POST("/payments/external/initiate", h.InitiateExternal)
	r.POST("/payments/:ref/submitted", h.MarkSubmitted)
	r.GET("/users/:id/transactions", h.ListTransactions)
}

// RegisterAdminRoutes sets up admin-only payment routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payments/:ref/confirm", h.Confirm)
	r.POST("/payments/:ref/reject", h.Reject)
}

// ChargeWalletRequest is the wallet charge payload. The idempotency key
// may come from the Idempotency-Key header instead.
type ChargeWalletRequest struct {
	Purpose        string          `json:"purpose" binding:"required"`
	IdempotencyKey string          `json:"idempotencyKey"`
	ModelID        string          `json:"modelId"`
	SessionType    string          `json:"sessionType"`
	Duration       int             `json:"duration"`
	ScheduledFor   time.Time       `json:"scheduledFor"`
	SessionRef     string          `json:"sessionRef"`
	ContentID      string          `json:"contentId"`
	Amount         decimal.Decimal `json:"amount"`
}

// ChargeWallet handles POST /v1/payments/wallet/charge
func (h *Handler) ChargeWallet(c *gin.Context) {
	actor := c.GetString("userID")
	if actor == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthenticated",
			"message": "X-User-ID header required",
		})
		return
	}

	var req ChargeWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	result, err := h.service.ChargeWallet(c.Request.Context(), ChargeRequest{
		UserID:         actor,
		Purpose:        req.Purpose,
		IdempotencyKey: req.IdempotencyKey,
		ModelID:        req.ModelID,
		SessionType:    req.SessionType,
		Duration:       req.Duration,
		ScheduledFor:   req.ScheduledFor,
		SessionRef:     req.SessionRef,
		ContentID:      req.ContentID,
		Amount:         req.Amount,
	})
	if err != nil {
		respondPaymentError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Cached {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// InitiateExternalRequest starts a crypto/card payment.
type InitiateExternalRequest struct {
	Method       string          `json:"method" binding:"required"`
	Purpose      string          `json:"purpose" binding:"required"`
	ModelID      string          `json:"modelId"`
	SessionType  string          `json:"sessionType"`
	Duration     int             `json:"duration"`
	ScheduledFor time.Time       `json:"scheduledFor"`
	SessionRef   string          `json:"sessionRef"`
	ContentID    string          `json:"contentId"`
	Amount       decimal.Decimal `json:"amount"`
}

// InitiateExternal handles POST /v1/payments/external/initiate
func (h *Handler) InitiateExternal(c *gin.Context) {
	actor := c.GetString("userID")
	if actor == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthenticated",
			"message": "X-User-ID header required",
		})
		return
	}

	var req InitiateExternalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	result, err := h.service.InitiateExternal(c.Request.Context(), InitiateRequest{
		UserID:       actor,
		Method:       req.Method,
		Purpose:      req.Purpose,
		ModelID:      req.ModelID,
		SessionType:  req.SessionType,
		Duration:     req.Duration,
		ScheduledFor: req.ScheduledFor,
		SessionRef:   req.SessionRef,
		ContentID:    req.ContentID,
		Amount:       req.Amount,
	})
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// MarkSubmitted handles POST /v1/payments/:ref/submitted
func (h *Handler) MarkSubmitted(c *gin.Context) {
	txn, err := h.service.MarkSubmitted(c.Request.Context(), c.Param("ref"))
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ConfirmRequest optionally carries the verified amount.
type ConfirmRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Confirm handles POST /v1/admin/payments/:ref/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req ConfirmRequest
	c.ShouldBindJSON(&req)

	result, err := h.service.ConfirmExternalPayment(c.Request.Context(), c.Param("ref"), req.Amount)
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Reject handles POST /v1/admin/payments/:ref/reject
func (h *Handler) Reject(c *gin.Context) {
	txn, err := h.service.Reject(c.Request.Context(), c.Param("ref"))
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ListTransactions handles GET /v1/users/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	txns, err := h.service.transactions.ListByUser(c.Request.Context(), c.Param("id"), 50)
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}

func respondPaymentError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
		code = "insufficient_funds"
	case errors.Is(err, transaction.ErrNotFound), errors.Is(err, session.ErrSessionNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, transaction.ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, session.ErrNotParticipant):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrUnknownPurpose), errors.Is(err, ErrMissingField),
		errors.Is(err, ErrMissingIdempotency), errors.Is(err, ErrAmountMismatch),
		errors.Is(err, transaction.ErrInvalidMethod), errors.Is(err, transaction.ErrInvalidAmount),
		errors.Is(err, session.ErrUnknownRate), errors.Is(err, session.ErrOutsideWindow),
		errors.Is(err, session.ErrExtensionUnavailable):
		status = http.StatusBadRequest
		code = "invalid_request"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
