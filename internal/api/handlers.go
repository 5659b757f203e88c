package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"release-coordinator/internal/deployment"
	"release-coordinator/internal/graph"
	"release-coordinator/internal/registry"
	"release-coordinator/internal/rollback"
	"release-coordinator/pkg/logger"
	"release-coordinator/pkg/rabbitmq"

	"github.com/gin-gonic/gin"
)

// Handler is the thin HTTP shell over the coordinator. The core stays
// transport-free; handlers only decode, dispatch and map errors.
type Handler struct {
	orchestrator *deployment.Orchestrator
	rollbacks    *rollback.Manager
	registry     registry.Registry
	mq           *rabbitmq.Client
	db           *sql.DB
}

func NewHandler(orchestrator *deployment.Orchestrator, rollbacks *rollback.Manager, reg registry.Registry, mq *rabbitmq.Client, db *sql.DB) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		rollbacks:    rollbacks,
		registry:     reg,
		mq:           mq,
		db:           db,
	}
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.health)

	r.POST("/api/releases", h.coordinateRelease)
	r.GET("/api/deployments", h.listDeployments)
	r.GET("/api/deployments/:deploymentId", h.getDeployment)

	r.POST("/api/rollbacks", h.rollbackDeployment)
	r.GET("/api/rollbacks/:rollbackId", h.getRollback)
}

func (h *Handler) health(c *gin.Context) {
	if h.db != nil {
		if err := h.db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "disconnected",
				"error":    err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": "connected",
	})
}

type releasePayload struct {
	deployment.ReleaseRequest

	// Async enqueues the release instead of running it in-request.
	Async bool `json:"async,omitempty"`
}

func (h *Handler) coordinateRelease(c *gin.Context) {
	var payload releasePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if payload.Async {
		if h.mq == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "async releases require the message broker"})
			return
		}
		if err := h.mq.PublishJSON(c.Request.Context(), rabbitmq.ReleaseKey, payload.ReleaseRequest); err != nil {
			logger.Error("failed to enqueue release", logger.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue release"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		return
	}

	result, err := h.orchestrator.CoordinateRelease(c.Request.Context(), payload.ReleaseRequest)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type rollbackPayload struct {
	rollback.Request

	// PreserveData defaults to true when omitted.
	PreserveData *bool `json:"preserve_data"`
	Async        bool  `json:"async,omitempty"`
}

func (h *Handler) rollbackDeployment(c *gin.Context) {
	var payload rollbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	req := payload.Request
	req.PreserveData = payload.PreserveData == nil || *payload.PreserveData

	if payload.Async {
		if h.mq == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "async rollbacks require the message broker"})
			return
		}
		if err := h.mq.PublishJSON(c.Request.Context(), rabbitmq.RollbackKey, req); err != nil {
			logger.Error("failed to enqueue rollback", logger.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue rollback"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		return
	}

	result, err := h.rollbacks.Execute(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) getDeployment(c *gin.Context) {
	rec, err := h.registry.GetDeployment(c.Request.Context(), c.Param("deploymentId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) listDeployments(c *gin.Context) {
	project := c.Query("project")
	environment := c.Query("environment")
	if project == "" || environment == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project and environment query parameters are required"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	records, err := h.registry.ListDeployments(c.Request.Context(), project, environment, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployments": records})
}

func (h *Handler) getRollback(c *gin.Context) {
	rec, err := h.registry.GetRollback(c.Request.Context(), c.Param("rollbackId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		missing *graph.MissingDependencyError
		cycle   *graph.CircularDependencyError
		target  *rollback.InvalidRollbackTargetError
	)

	switch {
	case errors.As(err, &missing), errors.As(err, &cycle), errors.As(err, &target):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		logger.Error("request failed", logger.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
