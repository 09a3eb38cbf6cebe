package handlers

import (
	"errors"

	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/breaker"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
)

var validate = validator.New()

// SyncHandler handles sync run control API requests
type SyncHandler struct {
	orch     *orchestrator.Orchestrator
	breakers *breaker.Registry
	logger   ectologger.Logger
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(orch *orchestrator.Orchestrator, breakers *breaker.Registry, logger ectologger.Logger) *SyncHandler {
	return &SyncHandler{
		orch:     orch,
		breakers: breakers,
		logger:   logger,
	}
}

// TriggerRequest is the request body for triggering a sync run
type TriggerRequest struct {
	Platform   string             `json:"platform" validate:"required"`
	EntityType *models.EntityType `json:"entity_type,omitempty"`
}

// TriggerResponse returns the run a trigger produced
type TriggerResponse struct {
	RunID  string           `json:"run_id"`
	Status models.RunStatus `json:"status"`
}

// RegisterRoutes registers the sync control routes
func (h *SyncHandler) RegisterRoutes(g *echo.Group) {
	sync := g.Group("/sync")
	sync.POST("/trigger", h.Trigger)
	sync.GET("/status", h.Status)
	sync.GET("/runs", h.ListRuns)
	sync.GET("/runs/:id", h.GetRun)
	sync.POST("/runs/:id/cancel", h.CancelRun)
	sync.POST("/circuit/reset", h.ResetCircuit)
}

// Trigger handles POST /sync/trigger
func (h *SyncHandler) Trigger(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return BadRequest(err.Error())
	}
	if req.EntityType != nil && !req.EntityType.Valid() {
		return BadRequest("unknown entity type")
	}

	run, err := h.orch.StartRun(ctx, tenantID, req.Platform, req.EntityType, models.TriggerManual)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrRunActive):
			return Conflict("a sync run is already in progress")
		case errors.Is(err, orchestrator.ErrSyncDisabled):
			return Conflict("sync is disabled for this platform")
		}
		return err
	}

	return AcceptedResponse(c, TriggerResponse{
		RunID:  run.ID.String(),
		Status: run.Status,
	})
}

// Status handles GET /sync/status
func (h *SyncHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	platform := c.QueryParam("platform")
	if platform == "" {
		return BadRequest("platform query parameter is required")
	}

	circuitState := h.breakers.Get(ctx, tenantID, platform).State()

	status, err := h.orch.Status(ctx, platform, circuitState)
	if err != nil {
		return err
	}

	return SuccessResponse(c, status)
}

// ListRuns handles GET /sync/runs
func (h *SyncHandler) ListRuns(c echo.Context) error {
	ctx := c.Request().Context()

	limit, offset := ParsePagination(c, 50)

	runs, err := h.orch.ListRuns(ctx, limit, offset)
	if err != nil {
		return err
	}

	return SuccessResponse(c, runs)
}

// GetRun handles GET /sync/runs/:id
func (h *SyncHandler) GetRun(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	run, err := h.orch.GetRun(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, run)
}

// CancelRun handles POST /sync/runs/:id/cancel
func (h *SyncHandler) CancelRun(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.orch.Cancel(ctx, id); err != nil {
		if errors.Is(err, orchestrator.ErrRunNotActive) {
			return Conflict("run is not active")
		}
		return err
	}

	return SuccessResponse(c, map[string]string{
		"status":  "cancelling",
		"message": "cancellation requested; in-flight items finish first",
	})
}

// ResetCircuitRequest is the request body for resetting a circuit breaker
type ResetCircuitRequest struct {
	Platform string `json:"platform" validate:"required"`
}

// ResetCircuit handles POST /sync/circuit/reset. This is the operator path out
// of a fatal-for-tenant halt.
func (h *SyncHandler) ResetCircuit(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	var req ResetCircuitRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return BadRequest(err.Error())
	}

	b := h.breakers.Get(ctx, tenantID, req.Platform)
	b.Reset()
	h.breakers.Persist(ctx, b)

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"platform": req.Platform,
	}).Info("Circuit breaker reset by operator")

	return SuccessResponse(c, map[string]string{
		"status": string(b.State()),
	})
}
