package handlers

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

// FailuresHandler handles dead item and conflict API requests
type FailuresHandler struct {
	queue     repositories.QueueRepo
	conflicts repositories.ConflictRepo
	logger    ectologger.Logger
}

// NewFailuresHandler creates a new failures handler
func NewFailuresHandler(queue repositories.QueueRepo, conflicts repositories.ConflictRepo, logger ectologger.Logger) *FailuresHandler {
	return &FailuresHandler{
		queue:     queue,
		conflicts: conflicts,
		logger:    logger,
	}
}

// FailuresListResponse represents the response for listing dead items
type FailuresListResponse struct {
	Items []models.QueueItem `json:"items"`
	Count int                `json:"count"`
}

// ConflictsListResponse represents the response for listing pending conflicts
type ConflictsListResponse struct {
	Conflicts []models.ConflictRecord `json:"conflicts"`
	Count     int                     `json:"count"`
}

// RegisterRoutes registers the failures routes
func (h *FailuresHandler) RegisterRoutes(g *echo.Group) {
	failures := g.Group("/sync/failures")
	failures.GET("", h.ListDead)
	failures.GET("/:id", h.GetDead)
	failures.POST("/:id/retry", h.RetryDead)

	conflicts := g.Group("/sync/conflicts")
	conflicts.GET("", h.ListConflicts)
	conflicts.GET("/:id", h.GetConflict)
	conflicts.POST("/:id/resolve", h.ResolveConflict)
}

// ListDead returns dead queue items
// GET /api/v1/sync/failures
func (h *FailuresHandler) ListDead(c echo.Context) error {
	ctx := c.Request().Context()

	limit, offset := ParsePagination(c, 100)

	items, err := h.queue.ListDead(ctx, limit, offset)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list dead items")
		return err
	}

	return SuccessResponse(c, FailuresListResponse{
		Items: items,
		Count: len(items),
	})
}

// GetDead returns a specific queue item
// GET /api/v1/sync/failures/:id
func (h *FailuresHandler) GetDead(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	item, err := h.queue.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, item)
}

// RetryDead re-enqueues a dead item with a fresh retry budget
// POST /api/v1/sync/failures/:id/retry
func (h *FailuresHandler) RetryDead(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.queue.RetryDead(ctx, id); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to retry dead item")
		return err
	}

	return SuccessResponse(c, map[string]string{
		"status":  "retried",
		"message": "Item re-enqueued with a fresh retry budget",
	})
}

// ListConflicts returns pending conflicts
// GET /api/v1/sync/conflicts
func (h *FailuresHandler) ListConflicts(c echo.Context) error {
	ctx := c.Request().Context()

	limit, offset := ParsePagination(c, 100)

	records, err := h.conflicts.ListPending(ctx, limit, offset)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list pending conflicts")
		return err
	}

	return SuccessResponse(c, ConflictsListResponse{
		Conflicts: records,
		Count:     len(records),
	})
}

// GetConflict returns a specific conflict record
// GET /api/v1/sync/conflicts/:id
func (h *FailuresHandler) GetConflict(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	record, err := h.conflicts.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, record)
}

// ResolveConflictRequest is the request body for resolving a conflict
type ResolveConflictRequest struct {
	Resolution   models.ConflictResolution `json:"resolution" validate:"required,oneof=local remote merged"`
	ResolvedData map[string]any            `json:"resolved_data,omitempty"`
}

// ResolveConflict records a human decision for a pending-manual conflict,
// unblocking the entity for automatic sync
// POST /api/v1/sync/conflicts/:id/resolve
func (h *FailuresHandler) ResolveConflict(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	var req ResolveConflictRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return BadRequest(err.Error())
	}
	if req.Resolution == models.ResolutionMerged && req.ResolvedData == nil {
		return BadRequest("resolved_data is required for a merged resolution")
	}

	if err := h.conflicts.ResolveManually(ctx, id, req.Resolution, req.ResolvedData); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to resolve conflict")
		return err
	}

	return SuccessResponse(c, map[string]string{
		"status":     "resolved",
		"resolution": string(req.Resolution),
	})
}
