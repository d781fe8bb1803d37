package http

import (
	"time"

	"calsync/core/port/in"
	"calsync/pkg/apperr"
	"calsync/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

// DueSyncDefaults are used when the trigger request does not override them.
type DueSyncDefaults struct {
	StaleThreshold time.Duration
	BatchSize      int
}

// WebhookHandler serves machine-to-machine routes guarded by a shared secret.
type WebhookHandler struct {
	flow     in.FlowIngestUseCase
	dueSync  in.DueSyncUseCase
	defaults DueSyncDefaults
}

func NewWebhookHandler(flow in.FlowIngestUseCase, dueSync in.DueSyncUseCase, defaults DueSyncDefaults) *WebhookHandler {
	return &WebhookHandler{flow: flow, dueSync: dueSync, defaults: defaults}
}

func (h *WebhookHandler) RegisterFlow(router fiber.Router) {
	router.Post("/flow/:sourceId", h.IngestFlow)
}

func (h *WebhookHandler) RegisterDueSync(router fiber.Router) {
	router.Post("/sync/due", h.RunDueSyncs)
}

func (h *WebhookHandler) IngestFlow(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	if userID == "" {
		return apperr.MissingField("user_id")
	}
	sourceID := c.Params("sourceId")

	// The request body buffer is reused by fasthttp after the handler returns.
	body := append([]byte(nil), c.Body()...)

	result, err := h.flow.Ingest(c.UserContext(), &in.FlowIngestRequest{
		UserID:   userID,
		SourceID: sourceID,
		Body:     body,
	})
	if err != nil {
		logger.WithError(err).Warn("[WebhookHandler.IngestFlow] user=%s source=%s rejected", userID, sourceID)
		return toAppError(err)
	}
	return SuccessResponse(c, result)
}

func (h *WebhookHandler) RunDueSyncs(c *fiber.Ctx) error {
	threshold := h.defaults.StaleThreshold
	if v := c.Query("stale_threshold"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return apperr.InvalidInput("stale_threshold", "expected a non-negative duration")
		}
		threshold = d
	}
	batchSize := c.QueryInt("batch_size", h.defaults.BatchSize)
	if batchSize <= 0 {
		return apperr.InvalidInput("batch_size", "must be positive")
	}

	summary, err := h.dueSync.RunDueSyncs(c.UserContext(), threshold, batchSize)
	if err != nil {
		return toAppError(err)
	}
	return SuccessResponse(c, summary)
}
