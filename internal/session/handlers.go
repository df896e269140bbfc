package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/velora-app/velora/internal/idempotency"
)

// Handler provides HTTP endpoints for the session lifecycle.
type Handler struct {
	service *Service
	idem    idempotency.Store
}

// NewHandler creates a new session handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithIdempotency lets End and Cancel replay cached responses for
// client-supplied idempotency keys.
func (h *Handler) WithIdempotency(store idempotency.Store) *Handler {
	h.idem = store
	return h
}

// RegisterRoutes sets up session routes. All mutating routes act as the
// user identified by the fronting auth layer.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.Book)
	r.GET("/sessions/:ref", h.GetSession)
	r.GET("/users/:id/sessions", h.ListSessions)
	r.POST("/sessions/:ref/respond", h.Respond)
	r.POST("/sessions/:ref/join", h.Join)
	r.POST("/sessions/:ref/confirm", h.Confirm)
	r.POST("/sessions/:ref/end", h.End)
	r.POST("/sessions/:ref/cancel", h.Cancel)
	r.POST("/sessions/:ref/dispute", h.Dispute)
}

// BookSessionRequest is the booking payload.
type BookSessionRequest struct {
	ModelID      string    `json:"modelId" binding:"required"`
	Type         string    `json:"type" binding:"required"`
	Duration     int       `json:"duration" binding:"required"`
	ScheduledFor time.Time `json:"scheduledFor" binding:"required"`
}

// Book handles POST /v1/sessions
func (h *Handler) Book(c *gin.Context) {
	actor := actorID(c)
	if actor == "" {
		return
	}

	var req BookSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	session, err := h.service.Book(c.Request.Context(), BookRequest{
		ClientID:     actor,
		ModelID:      req.ModelID,
		Type:         req.Type,
		Duration:     req.Duration,
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

// GetSession handles GET /v1/sessions/:ref
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.service.Get(c.Request.Context(), c.Param("ref"))
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// ListSessions handles GET /v1/users/:id/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	sessions, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// RespondRequest is the model's answer to a booking.
type RespondRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

// Respond handles POST /v1/sessions/:ref/respond
func (h *Handler) Respond(c *gin.Context) {
	actor := actorID(c)
	if actor == "" {
		return
	}

	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "accept is required",
		})
		return
	}

	session, err := h.service.Respond(c.Request.Context(), c.Param("ref"), actor, *req.Accept)
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// Join handles POST /v1/sessions/:ref/join
func (h *Handler) Join(c *gin.Context) {
	actor := actorID(c)
	if actor == "" {
		return
	}

	session, err := h.service.Join(c.Request.Context(), c.Param("ref"), actor)
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// Confirm handles POST /v1/sessions/:ref/confirm
func (h *Handler) Confirm(c *gin.Context) {
	actor := actorID(c)
	if actor == "" {
		return
	}

	session, err := h.service.Confirm(c.Request.Context(), c.Param("ref"), actor)
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":   session,
		"completed": session.Status == StatusCompleted,
	})
}

// EndRequest names why a session is being ended.
type EndRequest struct {
	Reason         string `json:"reason" binding:"required"`
	Note           string `json:"note"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// End handles POST /v1/sessions/:ref/end
func (h *Handler) End(c *gin.Context) {
	actor := actorID(c)
	if actor == "" {
		return
	}

	var req EndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	key := idempotencyKey(c, req.IdempotencyKey)
	if h.replayCached(c, key) {
		return
	}

	session, err := h.service.End(c.Request.Context(), c.Param("ref"), actor, req.Reason, req.Note)
	if err != nil {
		respondSessionError(c, err)
		return
	}
	body := gin.H{
		"session": session,
		"outcome": session.Outcome,
	}
	h.cacheResponse(c, key, actor, "session_end", body)
	c.JSON(http.StatusOK, body)
}

// CancelRequest optionally explains a cancellation.
type CancelRequest struct {
	Note           string `json:"note"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Cancel handles POST /v1/sessions/:ref/cancel
func (h *Handler) Cancel(c *gin.Context) {
	actor := actorID(c)
	if actor == "" {
		return
	}

	var req CancelRequest
	c.ShouldBindJSON(&req)

	key := idempotencyKey(c, req.IdempotencyKey)
	if h.replayCached(c, key) {
		return
	}

	session, err := h.service.Cancel(c.Request.Context(), c.Param("ref"), actor, req.Note)
	if err != nil {
		respondSessionError(c, err)
		return
	}
	body := gin.H{"session": session}
	h.cacheResponse(c, key, actor, "session_cancel", body)
	c.JSON(http.StatusOK, body)
}

// idempotencyKey resolves the optional key from the body, falling back
// to the Idempotency-Key header as the payment routes do.
func idempotencyKey(c *gin.Context, bodyKey string) string {
	if bodyKey != "" {
		return bodyKey
	}
	return c.GetHeader("Idempotency-Key")
}

// replayCached writes the stored response for a key, so a client retry
// after a timed-out End or Cancel gets the original outcome back
// instead of already_ended.
func (h *Handler) replayCached(c *gin.Context, key string) bool {
	if h.idem == nil || key == "" {
		return false
	}
	rec, err := h.idem.Get(c.Request.Context(), key)
	if err != nil {
		return false
	}
	c.Data(http.StatusOK, "application/json", rec.Response)
	return true
}

// cacheResponse records a successful response under the key. First
// writer wins; a racing duplicate keeps the stored record.
func (h *Handler) cacheResponse(c *gin.Context, key, actor, scope string, body gin.H) {
	if h.idem == nil || key == "" {
		return
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	_ = h.idem.Put(c.Request.Context(), key, actor, scope, raw)
}

// DisputeRequest names why a session is contested.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
	Note   string `json:"note"`
}

// Dispute handles POST /v1/sessions/:ref/dispute
func (h *Handler) Dispute(c *gin.Context) {
	actor := actorID(c)
	if actor == "" {
		return
	}

	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	session, err := h.service.Dispute(c.Request.Context(), c.Param("ref"), actor, req.Reason, req.Note)
	if err != nil {
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// actorID returns the acting user set by the auth middleware, writing a
// 401 when it is missing.
func actorID(c *gin.Context) string {
	actor := c.GetString("userID")
	if actor == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthenticated",
			"message": "X-User-ID header required",
		})
	}
	return actor
}

func respondSessionError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrSessionNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrNotModel):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrAlreadyEnded):
		status = http.StatusConflict
		code = "already_ended"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrUnknownRate), errors.Is(err, ErrOutsideWindow),
		errors.Is(err, ErrInvalidReason), errors.Is(err, ErrExtensionUnavailable):
		status = http.StatusBadRequest
		code = "invalid_request"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
