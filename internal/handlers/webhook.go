package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/webhook"
)

// HeaderWebhookSignature carries the platform's HMAC digest of the body.
const HeaderWebhookSignature = "X-Webhook-Signature"

// maxWebhookBody caps how much of a delivery is read.
const maxWebhookBody = 1 << 20

// WebhookHandler handles inbound platform webhook deliveries
type WebhookHandler struct {
	ingestor *webhook.Ingestor
	logger   ectologger.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(ingestor *webhook.Ingestor, logger ectologger.Logger) *WebhookHandler {
	return &WebhookHandler{
		ingestor: ingestor,
		logger:   logger,
	}
}

// WebhookResponse acknowledges a delivery
type WebhookResponse struct {
	Status string `json:"status"`
	ItemID string `json:"item_id,omitempty"`
}

// RegisterRoutes registers the webhook ingress route
func (h *WebhookHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/webhooks/:platform", h.Receive)
}

// Receive handles POST /webhooks/:platform
func (h *WebhookHandler) Receive(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	platform := c.Param("platform")
	if platform == "" {
		return BadRequest("missing platform")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return BadRequest("failed to read request body")
	}

	signature := c.Request().Header.Get(HeaderWebhookSignature)

	result, err := h.ingestor.Ingest(ctx, tenantID, platform, body, signature)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrInvalidSignature):
			return Unauthorized("webhook signature verification failed")
		case errors.Is(err, webhook.ErrMalformedEvent):
			return BadRequest("webhook event is malformed")
		case errors.Is(err, webhook.ErrSyncDisabled):
			return Conflict("sync is disabled for this platform")
		case errors.Is(err, repositories.ErrQueueFull):
			// 503 tells the platform to redeliver once the queue drains.
			return httperror.NewHTTPError(http.StatusServiceUnavailable, "sync queue is full, retry later")
		}
		return err
	}

	switch {
	case result.Duplicate:
		return SuccessResponse(c, WebhookResponse{Status: "duplicate"})
	case result.Skipped:
		return SuccessResponse(c, WebhookResponse{Status: "skipped"})
	}

	return SuccessResponse(c, WebhookResponse{
		Status: "enqueued",
		ItemID: result.ItemID.String(),
	})
}
