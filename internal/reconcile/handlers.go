package reconcile

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the worker over HTTP. The routes are mounted behind
// the worker-secret middleware; an external scheduler hits /run.
type Handler struct {
	worker     *Worker
	heartbeats HeartbeatStore
	timer      *Timer
}

// NewHandler creates a new worker handler.
func NewHandler(worker *Worker, heartbeats HeartbeatStore) *Handler {
	return &Handler{worker: worker, heartbeats: heartbeats}
}

// WithTimer attaches the in-process timer so /status can report it.
func (h *Handler) WithTimer(t *Timer) *Handler {
	h.timer = t
	return h
}

// RegisterRoutes sets up worker routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/worker/run", h.RunWorker)
	r.GET("/worker/status", h.WorkerStatus)
}

// RunWorker handles POST /v1/worker/run
func (h *Handler) RunWorker(c *gin.Context) {
	report, err := h.worker.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

// WorkerStatus handles GET /v1/worker/status
func (h *Handler) WorkerStatus(c *gin.Context) {
	resp := gin.H{"timer_running": h.timer != nil && h.timer.Running()}

	last, err := h.heartbeats.Last(c.Request.Context())
	switch {
	case errors.Is(err, ErrNoHeartbeat):
		resp["last_run"] = nil
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	default:
		resp["last_run"] = last
	}

	c.JSON(http.StatusOK, resp)
}
