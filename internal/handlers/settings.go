package handlers

import (
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

// SettingsHandler handles sync settings API requests
type SettingsHandler struct {
	repo   repositories.SettingsRepo
	logger ectologger.Logger
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(repo repositories.SettingsRepo, logger ectologger.Logger) *SettingsHandler {
	return &SettingsHandler{repo: repo, logger: logger}
}

// RegisterRoutes registers the settings routes
func (h *SettingsHandler) RegisterRoutes(g *echo.Group) {
	settings := g.Group("/settings/:platform")
	settings.GET("", h.Get)
	settings.PUT("", h.Upsert)
	settings.GET("/direction", h.GetDirection)
	settings.PUT("/direction", h.PutDirection)
	settings.GET("/delete-policy", h.GetDeletePolicy)
	settings.PUT("/delete-policy", h.PutDeletePolicy)
}

func platformParam(c echo.Context) (string, error) {
	platform := c.Param("platform")
	if platform == "" {
		return "", BadRequest("missing platform")
	}
	return platform, nil
}

// Get handles GET /settings/:platform
func (h *SettingsHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	platform, err := platformParam(c)
	if err != nil {
		return err
	}

	settings, err := h.repo.Get(ctx, platform)
	if err != nil {
		return err
	}

	return SuccessResponse(c, settings)
}

// UpsertSettingsRequest is the request body for replacing a platform's settings
type UpsertSettingsRequest struct {
	Direction          models.SyncDirection                   `json:"direction" validate:"required"`
	DirectionOverrides map[models.EntityType]models.SyncDirection `json:"direction_overrides,omitempty"`
	DeletePolicy       models.DeletePolicy                    `json:"delete_policy" validate:"required"`
	DeleteOverrides    map[models.EntityType]models.DeletePolicy  `json:"delete_overrides,omitempty"`
	ConflictStrategies map[models.EntityType]models.ConflictStrategy `json:"conflict_strategies,omitempty"`
	WebhookSecret      string                                 `json:"webhook_secret,omitempty"`
	SyncIntervalSecs   int                                    `json:"sync_interval_secs" validate:"gte=0"`
	QueueCeiling       int                                    `json:"queue_ceiling" validate:"gt=0"`
	Enabled            bool                                   `json:"enabled"`
}

// Upsert handles PUT /settings/:platform
func (h *SettingsHandler) Upsert(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	platform, err := platformParam(c)
	if err != nil {
		return err
	}

	var req UpsertSettingsRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return BadRequest(err.Error())
	}
	if !req.Direction.Valid() {
		return BadRequest("unknown direction")
	}
	if !req.DeletePolicy.Valid() {
		return BadRequest("unknown delete policy")
	}
	if err := validateOverrides(req.DirectionOverrides, req.DeleteOverrides, req.ConflictStrategies); err != nil {
		return err
	}

	settings := &models.SyncSettings{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		Platform:           platform,
		Direction:          req.Direction,
		DirectionOverrides: database.NewJSONB(req.DirectionOverrides),
		DeletePolicy:       req.DeletePolicy,
		DeleteOverrides:    database.NewJSONB(req.DeleteOverrides),
		ConflictStrategies: database.NewJSONB(req.ConflictStrategies),
		WebhookSecret:      req.WebhookSecret,
		SyncIntervalSecs:   req.SyncIntervalSecs,
		QueueCeiling:       req.QueueCeiling,
		Enabled:            req.Enabled,
	}

	if err := h.repo.Upsert(ctx, settings); err != nil {
		return err
	}

	return SuccessResponse(c, settings)
}

// DirectionResponse is the direction view of a platform's settings
type DirectionResponse struct {
	Direction       models.SyncDirection                       `json:"direction"`
	EntityOverrides map[models.EntityType]models.SyncDirection `json:"entity_overrides,omitempty"`
}

// GetDirection handles GET /settings/:platform/direction
func (h *SettingsHandler) GetDirection(c echo.Context) error {
	ctx := c.Request().Context()

	platform, err := platformParam(c)
	if err != nil {
		return err
	}

	settings, err := h.repo.Get(ctx, platform)
	if err != nil {
		return err
	}

	return SuccessResponse(c, DirectionResponse{
		Direction:       settings.Direction,
		EntityOverrides: settings.DirectionOverrides.Data,
	})
}

// PutDirectionRequest is the request body for updating sync direction
type PutDirectionRequest struct {
	Direction       models.SyncDirection                       `json:"direction" validate:"required"`
	EntityOverrides map[models.EntityType]models.SyncDirection `json:"entity_overrides,omitempty"`
}

// PutDirection handles PUT /settings/:platform/direction. Direction changes
// apply from the next run; a run already in progress keeps its snapshot.
func (h *SettingsHandler) PutDirection(c echo.Context) error {
	ctx := c.Request().Context()

	platform, err := platformParam(c)
	if err != nil {
		return err
	}

	var req PutDirectionRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return BadRequest(err.Error())
	}
	if !req.Direction.Valid() {
		return BadRequest("unknown direction")
	}
	if err := validateOverrides(req.EntityOverrides, nil, nil); err != nil {
		return err
	}

	settings, err := h.repo.Get(ctx, platform)
	if err != nil {
		return err
	}

	settings.Direction = req.Direction
	settings.DirectionOverrides = database.NewJSONB(req.EntityOverrides)

	if err := h.repo.Upsert(ctx, settings); err != nil {
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"platform":  platform,
		"direction": string(req.Direction),
	}).Info("Sync direction updated")

	return SuccessResponse(c, DirectionResponse{
		Direction:       settings.Direction,
		EntityOverrides: settings.DirectionOverrides.Data,
	})
}

// DeletePolicyResponse is the delete policy view of a platform's settings
type DeletePolicyResponse struct {
	DeletePolicy    models.DeletePolicy                       `json:"delete_policy"`
	EntityOverrides map[models.EntityType]models.DeletePolicy `json:"entity_overrides,omitempty"`
}

// GetDeletePolicy handles GET /settings/:platform/delete-policy
func (h *SettingsHandler) GetDeletePolicy(c echo.Context) error {
	ctx := c.Request().Context()

	platform, err := platformParam(c)
	if err != nil {
		return err
	}

	settings, err := h.repo.Get(ctx, platform)
	if err != nil {
		return err
	}

	return SuccessResponse(c, DeletePolicyResponse{
		DeletePolicy:    settings.DeletePolicy,
		EntityOverrides: settings.DeleteOverrides.Data,
	})
}

// PutDeletePolicyRequest is the request body for updating the delete policy
type PutDeletePolicyRequest struct {
	DeletePolicy    models.DeletePolicy                       `json:"delete_policy" validate:"required"`
	EntityOverrides map[models.EntityType]models.DeletePolicy `json:"entity_overrides,omitempty"`
}

// PutDeletePolicy handles PUT /settings/:platform/delete-policy
func (h *SettingsHandler) PutDeletePolicy(c echo.Context) error {
	ctx := c.Request().Context()

	platform, err := platformParam(c)
	if err != nil {
		return err
	}

	var req PutDeletePolicyRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return BadRequest(err.Error())
	}
	if !req.DeletePolicy.Valid() {
		return BadRequest("unknown delete policy")
	}
	if err := validateOverrides(nil, req.EntityOverrides, nil); err != nil {
		return err
	}

	settings, err := h.repo.Get(ctx, platform)
	if err != nil {
		return err
	}

	settings.DeletePolicy = req.DeletePolicy
	settings.DeleteOverrides = database.NewJSONB(req.EntityOverrides)

	if err := h.repo.Upsert(ctx, settings); err != nil {
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"platform":      platform,
		"delete_policy": string(req.DeletePolicy),
	}).Info("Delete policy updated")

	return SuccessResponse(c, DeletePolicyResponse{
		DeletePolicy:    settings.DeletePolicy,
		EntityOverrides: settings.DeleteOverrides.Data,
	})
}

// validateOverrides rejects override maps keyed by unknown entity types or
// carrying unknown values.
func validateOverrides(
	directions map[models.EntityType]models.SyncDirection,
	policies map[models.EntityType]models.DeletePolicy,
	strategies map[models.EntityType]models.ConflictStrategy,
) error {
	for et, d := range directions {
		if !et.Valid() {
			return BadRequest("unknown entity type in overrides: " + string(et))
		}
		if !d.Valid() {
			return BadRequest("unknown direction for " + string(et))
		}
	}
	for et, p := range policies {
		if !et.Valid() {
			return BadRequest("unknown entity type in overrides: " + string(et))
		}
		if !p.Valid() {
			return BadRequest("unknown delete policy for " + string(et))
		}
	}
	for et, s := range strategies {
		if !et.Valid() {
			return BadRequest("unknown entity type in overrides: " + string(et))
		}
		if !s.Valid() {
			return BadRequest("unknown conflict strategy for " + string(et))
		}
	}
	return nil
}
